package ws

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Alannxna/redfire-gateway/internal/metrics"
)

// AcceptLimiter rate-limits WebSocket upgrade attempts. Two levels: a global
// token bucket guarding the whole instance, and per-IP buckets so one client
// cannot exhaust the global budget. Per-IP entries are dropped after ipTTL of
// inactivity.
type AcceptLimiter struct {
	global *rate.Limiter

	ipMu       sync.Mutex
	ipLimiters map[string]*ipLimiterEntry
	ipRate     float64
	ipBurst    int
	ipTTL      time.Duration

	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// AcceptLimiterConfig holds accept-limiter tunables; zero values take the
// defaults noted per field.
type AcceptLimiterConfig struct {
	IPRate      float64 // conns/sec per IP (default 1)
	IPBurst     int     // burst per IP (default 10)
	IPTTL       time.Duration
	GlobalRate  float64 // conns/sec instance-wide (default 50)
	GlobalBurst int     // burst instance-wide (default 300)
	Logger      zerolog.Logger
}

func NewAcceptLimiter(cfg AcceptLimiterConfig) *AcceptLimiter {
	if cfg.IPRate == 0 {
		cfg.IPRate = 1
	}
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}

	l := &AcceptLimiter{
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		ipLimiters: make(map[string]*ipLimiterEntry),
		ipRate:     cfg.IPRate,
		ipBurst:    cfg.IPBurst,
		ipTTL:      cfg.IPTTL,
		logger:     cfg.Logger.With().Str("component", "ws_accept_limiter").Logger(),
		stop:       make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether an upgrade attempt from ip may proceed.
func (l *AcceptLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global accept rate exceeded")
		metrics.IncrementWSConnRateLimited("global")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP accept rate exceeded")
		metrics.IncrementWSConnRateLimited("per_ip")
		return false
	}
	return true
}

func (l *AcceptLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	if entry, ok := l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry := &ipLimiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst),
		lastAccess: time.Now(),
	}
	l.ipLimiters[ip] = entry
	return entry.limiter
}

func (l *AcceptLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *AcceptLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	now := time.Now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.ipLimiters)).Msg("Cleaned up stale IP accept limiters")
	}
}

// Stop terminates the cleanup loop.
func (l *AcceptLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}
