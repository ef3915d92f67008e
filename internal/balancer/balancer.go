// Package balancer selects healthy upstream instances using a configurable
// policy and isolates misbehaving instances behind per-instance circuit
// breakers.
package balancer

import (
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alannxna/redfire-gateway/internal/registry"
)

// ErrNoInstance is returned when no eligible instance exists for a service.
var ErrNoInstance = errors.New("no eligible instance")

// Selection policies.
const (
	RoundRobin       = "round_robin"
	Weighted         = "weighted"
	LeastConnections = "least_connections"
)

// Upstream attempt outcomes reported back after each proxy call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

// Config for the balancer.
type Config struct {
	Algorithm        string
	CircuitThreshold int
	CircuitCooldown  time.Duration
	// HalfOpenMax bounds concurrent trial requests while half-open.
	// Defaults to 1.
	HalfOpenMax int
	Logger      zerolog.Logger
}

// Balancer holds per-service selection state: round-robin cursor, in-flight
// counts and per-instance circuit breakers, each under a per-service mutex.
type Balancer struct {
	algorithm   string
	threshold   int
	cooldown    time.Duration
	halfOpenMax int
	logger      zerolog.Logger

	mu       sync.Mutex
	services map[string]*serviceState
}

type serviceState struct {
	mu       sync.Mutex
	cursor   uint64
	breakers map[string]*breaker // instance id -> circuit
	inflight map[string]int     // instance id -> in-flight requests
}

// InstanceHealth is a snapshot of one instance's circuit for /health.
type InstanceHealth struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CircuitState        string    `json:"circuit_state"`
	OpenUntil           time.Time `json:"open_until,omitempty"`
}

// New creates a balancer.
func New(cfg Config) *Balancer {
	if cfg.HalfOpenMax < 1 {
		cfg.HalfOpenMax = 1
	}
	return &Balancer{
		algorithm:   cfg.Algorithm,
		threshold:   cfg.CircuitThreshold,
		cooldown:    cfg.CircuitCooldown,
		halfOpenMax: cfg.HalfOpenMax,
		logger:      cfg.Logger.With().Str("component", "balancer").Logger(),
	}
}

func (b *Balancer) service(name string) *serviceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.services == nil {
		b.services = make(map[string]*serviceState)
	}
	state, ok := b.services[name]
	if !ok {
		state = &serviceState{
			breakers: make(map[string]*breaker),
			inflight: make(map[string]int),
		}
		b.services[name] = state
	}
	return state
}

// Select returns one eligible instance of the service, or ErrNoInstance.
// An instance is eligible iff its registry status is healthy and its circuit
// permits selection. Callers must pair every Select with a Report.
func (b *Balancer) Select(serviceName string, instances []*registry.Instance) (*registry.Instance, error) {
	state := b.service(serviceName)
	state.mu.Lock()
	defer state.mu.Unlock()

	now := time.Now()
	eligible := make([]*registry.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Status != registry.StatusHealthy {
			continue
		}
		if state.circuit(b, inst.ID()).allow(now) {
			eligible = append(eligible, inst)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoInstance
	}

	// Deterministic iteration order: two processes with identical state and
	// the same cursor pick the same instance.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Host != eligible[j].Host {
			return eligible[i].Host < eligible[j].Host
		}
		return eligible[i].Port < eligible[j].Port
	})

	var chosen *registry.Instance
	switch b.algorithm {
	case Weighted:
		chosen = pickWeighted(eligible)
	case LeastConnections:
		chosen = state.pickLeastConnections(eligible)
	default: // round_robin
		chosen = eligible[state.cursor%uint64(len(eligible))]
		state.cursor++
	}

	id := chosen.ID()
	state.circuit(b, id).onSelect()
	state.inflight[id]++
	return chosen, nil
}

// Report records the outcome of an upstream attempt against the instance's
// circuit and in-flight count.
func (b *Balancer) Report(serviceName, instanceID string, outcome Outcome) {
	state := b.service(serviceName)
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.inflight[instanceID] > 0 {
		state.inflight[instanceID]--
	}

	circuit := state.circuit(b, instanceID)
	switch outcome {
	case OutcomeSuccess:
		circuit.onSuccess()
	case OutcomeFailure, OutcomeTimeout:
		if circuit.onFailure(time.Now()) {
			b.logger.Warn().
				Str("service", serviceName).
				Str("instance_id", instanceID).
				Dur("cooldown", circuit.cooldown).
				Msg("Circuit opened for instance")
		}
	}
}

// Health returns the circuit snapshot for every tracked instance of the
// service.
func (b *Balancer) Health(serviceName string) map[string]InstanceHealth {
	state := b.service(serviceName)
	state.mu.Lock()
	defer state.mu.Unlock()

	out := make(map[string]InstanceHealth, len(state.breakers))
	for id, circuit := range state.breakers {
		h := InstanceHealth{
			ConsecutiveFailures: circuit.consecutiveFailures,
			CircuitState:        circuit.stateName(),
		}
		if circuit.state == circuitOpen {
			h.OpenUntil = circuit.openUntil
		}
		out[id] = h
	}
	return out
}

func (s *serviceState) circuit(b *Balancer, instanceID string) *breaker {
	circuit, ok := s.breakers[instanceID]
	if !ok {
		circuit = newBreaker(b.threshold, b.cooldown, b.halfOpenMax)
		s.breakers[instanceID] = circuit
	}
	return circuit
}

func (s *serviceState) pickLeastConnections(eligible []*registry.Instance) *registry.Instance {
	best := eligible[0]
	bestInflight := s.inflight[best.ID()]
	tie := false
	for _, inst := range eligible[1:] {
		n := s.inflight[inst.ID()]
		if n < bestInflight {
			best = inst
			bestInflight = n
			tie = false
		} else if n == bestInflight {
			tie = true
		}
	}
	if tie {
		// Ties broken by round-robin over the tied set.
		tied := eligible[:0:0]
		for _, inst := range eligible {
			if s.inflight[inst.ID()] == bestInflight {
				tied = append(tied, inst)
			}
		}
		best = tied[s.cursor%uint64(len(tied))]
		s.cursor++
	}
	return best
}

func pickWeighted(eligible []*registry.Instance) *registry.Instance {
	total := 0
	for _, inst := range eligible {
		total += inst.Weight
	}
	if total <= 0 {
		return eligible[0]
	}
	n := rand.IntN(total)
	for _, inst := range eligible {
		n -= inst.Weight
		if n < 0 {
			return inst
		}
	}
	return eligible[len(eligible)-1]
}
