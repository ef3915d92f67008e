// Package ratelimit admits requests through a sliding-window counter keyed by
// client identity, with per-path policy overrides and an optional shared
// backing store for cross-instance coordination.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alannxna/redfire-gateway/internal/store"
)

// Policy is one rate-limit rule: at most Limit requests per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one admission check. Header values are derived
// from it on both admitted and denied responses.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// PolicyTable resolves the policy for a request path: longest matching prefix
// wins, falling back to the default. Safe for concurrent use; prefixes can be
// amended at runtime.
type PolicyTable struct {
	mu       sync.RWMutex
	fallback Policy
	prefixes []prefixPolicy // sorted longest-first
}

type prefixPolicy struct {
	prefix string
	policy Policy
}

// NewPolicyTable creates a table with the given default policy.
func NewPolicyTable(fallback Policy) *PolicyTable {
	return &PolicyTable{fallback: fallback}
}

// Set adds or replaces the policy for a path prefix.
func (t *PolicyTable) Set(prefix string, policy Policy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.prefixes {
		if p.prefix == prefix {
			t.prefixes[i].policy = policy
			return
		}
	}
	t.prefixes = append(t.prefixes, prefixPolicy{prefix: prefix, policy: policy})
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i].prefix) != len(t.prefixes[j].prefix) {
			return len(t.prefixes[i].prefix) > len(t.prefixes[j].prefix)
		}
		return t.prefixes[i].prefix < t.prefixes[j].prefix
	})
}

// Remove deletes the policy for a prefix. The default is not removable.
func (t *PolicyTable) Remove(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.prefixes {
		if p.prefix == prefix {
			t.prefixes = append(t.prefixes[:i], t.prefixes[i+1:]...)
			return
		}
	}
}

// Resolve returns the policy applying to path.
func (t *PolicyTable) Resolve(path string) Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.prefixes {
		if strings.HasPrefix(path, p.prefix) {
			return p.policy
		}
	}
	return t.fallback
}

// Limiter performs sliding-window admission. When a shared store is
// configured, the window state lives there so all gateway instances count
// together; on store failure the limiter degrades to per-process state and
// recovers automatically.
type Limiter struct {
	enabled  bool
	policies *PolicyTable
	shared   store.Store // nil when RATE_LIMIT_STORE=memory
	local    store.Store // in-process fallback, always present
	logger   zerolog.Logger

	degraded int32 // informational only, avoids log spam
	mu       sync.Mutex
}

// Config for the limiter.
type Config struct {
	Enabled  bool
	Policies *PolicyTable
	Shared   store.Store // optional
	Logger   zerolog.Logger
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		enabled:  cfg.Enabled,
		policies: cfg.Policies,
		shared:   cfg.Shared,
		local:    store.NewMemory(),
		logger:   cfg.Logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Policies exposes the policy table for dynamic amendment.
func (l *Limiter) Policies() *PolicyTable { return l.policies }

// Admit checks the request identified by key against the policy for path.
// The three-step window check is atomic per key: server-side script on the
// shared store, per-key mutex in memory.
func (l *Limiter) Admit(ctx context.Context, key, path string) Decision {
	policy := l.policies.Resolve(path)
	if !l.enabled {
		return Decision{Allowed: true, Limit: policy.Limit, Remaining: policy.Limit, Reset: time.Now().Add(policy.Window)}
	}

	storeKey := "ratelimit:" + key

	backend := l.local
	if l.shared != nil {
		backend = l.shared
	}

	admitted, count, err := backend.SlidingWindowAdmit(ctx, storeKey, policy.Limit, policy.Window)
	if err != nil && backend != l.local {
		// Shared store down: fall back to in-process state. Counting is
		// per-instance until the store recovers.
		l.noteDegraded(err)
		admitted, count, err = l.local.SlidingWindowAdmit(ctx, storeKey, policy.Limit, policy.Window)
	} else if err == nil && backend != l.local {
		l.noteRecovered()
	}
	if err != nil {
		// In-process admission cannot fail in practice; admit rather than
		// reject traffic on an internal error.
		l.logger.Warn().Err(err).Str("key", key).Msg("Rate limit check failed, admitting request")
		return Decision{Allowed: true, Limit: policy.Limit, Remaining: policy.Limit, Reset: time.Now().Add(policy.Window)}
	}

	remaining := policy.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{
		Allowed:   admitted,
		Limit:     policy.Limit,
		Remaining: remaining,
		Reset:     time.Now().Add(policy.Window),
	}
	if !admitted {
		decision.RetryAfter = policy.Window
	}
	return decision
}

func (l *Limiter) noteDegraded(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded == 0 {
		l.degraded = 1
		l.logger.Warn().Err(err).Msg("Shared store unavailable, rate limiting degraded to in-process state")
	}
}

func (l *Limiter) noteRecovered() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded == 1 {
		l.degraded = 0
		l.logger.Info().Msg("Shared store recovered, rate limiting coordinated again")
	}
}

// ClientIP extracts the client address: first X-Forwarded-For segment, else
// X-Real-IP, else the socket peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientKey derives the rate-limit key from client IP and, when
// authenticated, user id.
func ClientKey(ip, userID string) string {
	if userID != "" {
		return ip + ":" + userID
	}
	return ip
}
