package balancer

import "time"

// Circuit states.
const (
	circuitClosed = iota
	circuitOpen
	circuitHalfOpen
)

// breaker is the per-instance circuit breaker. Not safe for concurrent use on
// its own; callers hold the owning service's mutex.
type breaker struct {
	state               int
	consecutiveFailures int
	openUntil           time.Time

	threshold    int
	baseCooldown time.Duration
	// cooldown escalates x2 on each half-open failure, capped at
	// maxCooldownFactor x base, and resets on recovery.
	cooldown       time.Duration
	halfOpenMax    int
	trialsInFlight int
}

const maxCooldownFactor = 10

func newBreaker(threshold int, cooldown time.Duration, halfOpenMax int) *breaker {
	return &breaker{
		threshold:    threshold,
		baseCooldown: cooldown,
		cooldown:     cooldown,
		halfOpenMax:  halfOpenMax,
	}
}

// allow reports whether the instance may be selected now, transitioning
// open -> half_open once the cooldown has elapsed.
func (b *breaker) allow(now time.Time) bool {
	switch b.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if now.Before(b.openUntil) {
			return false
		}
		b.state = circuitHalfOpen
		b.trialsInFlight = 0
		return true
	case circuitHalfOpen:
		return b.trialsInFlight < b.halfOpenMax
	}
	return false
}

// onSelect records that a request was dispatched while half-open.
func (b *breaker) onSelect() {
	if b.state == circuitHalfOpen {
		b.trialsInFlight++
	}
}

// onSuccess closes the circuit (from half-open) and resets counters.
func (b *breaker) onSuccess() {
	if b.state == circuitHalfOpen && b.trialsInFlight > 0 {
		b.trialsInFlight--
	}
	b.state = circuitClosed
	b.consecutiveFailures = 0
	b.cooldown = b.baseCooldown
}

// onFailure counts a failure; trips to open from closed at the threshold,
// and reopens immediately with an escalated cooldown from half-open.
// Returns true when the circuit transitioned to open.
func (b *breaker) onFailure(now time.Time) bool {
	switch b.state {
	case circuitHalfOpen:
		if b.trialsInFlight > 0 {
			b.trialsInFlight--
		}
		b.cooldown *= 2
		if max := b.baseCooldown * maxCooldownFactor; b.cooldown > max {
			b.cooldown = max
		}
		b.state = circuitOpen
		b.openUntil = now.Add(b.cooldown)
		return true
	case circuitClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.state = circuitOpen
			b.openUntil = now.Add(b.cooldown)
			return true
		}
	}
	return false
}

// stateName returns the circuit state for snapshots and logs.
func (b *breaker) stateName() string {
	switch b.state {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
