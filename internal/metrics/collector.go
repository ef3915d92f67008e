// Package metrics collects per-request timing and outcome data: in-process
// counters and ring buffers for the JSON snapshot, Prometheus export for
// scraping, and best-effort persistence to the shared store.
package metrics

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alannxna/redfire-gateway/internal/logging"
	"github.com/Alannxna/redfire-gateway/internal/store"
)

const (
	// sampleWindow bounds the per-service response-time ring. Percentiles are
	// window-limited by design.
	sampleWindow = 1000

	// requestStream caps the persisted request log in the shared store.
	requestStream       = "metrics:requests"
	requestStreamMaxLen = 100_000
)

// Collector aggregates request metrics. Counter updates are atomic; sample
// rings use a lock-free append that overwrites the oldest entry.
type Collector struct {
	logger        zerolog.Logger
	slowThreshold time.Duration
	startTime     time.Time

	total atomic.Int64

	mu       sync.RWMutex
	services map[string]*serviceStats

	errMu      sync.Mutex
	errorKinds map[string]int64

	pathMu sync.Mutex
	paths  map[string]int64

	// Per-minute buckets over the trailing hour for rate computation.
	bucketMu     sync.Mutex
	buckets      [60]int64
	bucketStamps [60]int64

	// Best-effort persistence; a full channel drops records rather than
	// blocking the request path.
	persist chan requestRecord
	st      store.Store
	wg      sync.WaitGroup
}

type serviceStats struct {
	total   atomic.Int64
	success atomic.Int64
	failure atomic.Int64

	samples [sampleWindow]atomic.Int64 // microseconds
	widx    atomic.Int64
}

type requestRecord struct {
	Service    string
	Method     string
	Path       string
	Status     int
	DurationMs float64
	Timestamp  time.Time
}

// Config for the collector.
type Config struct {
	Logger        zerolog.Logger
	SlowThreshold time.Duration
	Store         store.Store // optional; nil disables persistence
}

// NewCollector creates a collector.
func NewCollector(cfg Config) *Collector {
	return &Collector{
		logger:        cfg.Logger.With().Str("component", "metrics").Logger(),
		slowThreshold: cfg.SlowThreshold,
		startTime:     time.Now(),
		services:      make(map[string]*serviceStats),
		errorKinds:    make(map[string]int64),
		paths:         make(map[string]int64),
		persist:       make(chan requestRecord, 1024),
		st:            cfg.Store,
	}
}

// Start launches the persistence writer (no-op without a store) and primes
// the CPU sampler.
func (c *Collector) Start(ctx context.Context) {
	warmupCPUSample()
	if c.st == nil {
		return
	}
	c.wg.Add(1)
	go c.persistLoop(ctx)
}

// Wait blocks until background work has stopped.
func (c *Collector) Wait() { c.wg.Wait() }

// RecordComplete records a finished request.
func (c *Collector) RecordComplete(service, method, path string, status int, duration time.Duration) {
	c.total.Add(1)

	stats := c.serviceStats(service)
	stats.total.Add(1)
	if status < 400 {
		stats.success.Add(1)
	} else {
		stats.failure.Add(1)
	}
	idx := stats.widx.Add(1) - 1
	stats.samples[idx%sampleWindow].Store(duration.Microseconds())

	c.pathMu.Lock()
	c.paths[method+" "+path]++
	c.pathMu.Unlock()

	c.bumpBucket(time.Now())

	ObserveRequest(service, statusClass(status), duration)

	if c.slowThreshold > 0 && duration > c.slowThreshold {
		c.logger.Warn().
			Str("service", service).
			Str("method", method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Msg("Slow request")
	}

	if c.st != nil {
		record := requestRecord{
			Service:    service,
			Method:     method,
			Path:       path,
			Status:     status,
			DurationMs: float64(duration.Microseconds()) / 1000,
			Timestamp:  time.Now(),
		}
		select {
		case c.persist <- record:
		default:
			// Persistence is best-effort; never block a request on it.
		}
	}
}

// RecordError increments the counter for a shaped error kind.
func (c *Collector) RecordError(kind string) {
	c.errMu.Lock()
	c.errorKinds[kind]++
	c.errMu.Unlock()
	IncrementRequestError(kind)
}

func (c *Collector) serviceStats(service string) *serviceStats {
	c.mu.RLock()
	stats, ok := c.services[service]
	c.mu.RUnlock()
	if ok {
		return stats
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if stats, ok = c.services[service]; ok {
		return stats
	}
	stats = &serviceStats{}
	c.services[service] = stats
	return stats
}

func (c *Collector) bumpBucket(now time.Time) {
	minute := now.Unix() / 60
	idx := minute % 60
	c.bucketMu.Lock()
	if c.bucketStamps[idx] != minute {
		c.bucketStamps[idx] = minute
		c.buckets[idx] = 0
	}
	c.buckets[idx]++
	c.bucketMu.Unlock()
}

// Snapshot is the /metrics response body.
type Snapshot struct {
	UptimeSeconds float64                    `json:"gateway_uptime_seconds"`
	TotalRequests int64                      `json:"total_requests"`
	PerMinuteRate int64                      `json:"per_minute_rate"`
	PerHourRate   int64                      `json:"per_hour_rate"`
	Services      map[string]ServiceSnapshot `json:"services"`
	Errors        map[string]int64           `json:"errors"`
	Paths         map[string]int64           `json:"paths"`
	System        SystemStats                `json:"system"`
}

// ServiceSnapshot is the per-service rollup. Percentiles are computed over
// the bounded sample window and are approximate by contract.
type ServiceSnapshot struct {
	Total         int64   `json:"total"`
	Success       int64   `json:"success"`
	Failure       int64   `json:"failure"`
	SuccessRate   float64 `json:"success_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	P95ResponseMs float64 `json:"p95_response_ms"`
	MinResponseMs float64 `json:"min_response_ms"`
	MaxResponseMs float64 `json:"max_response_ms"`
}

// Snapshot assembles the current metrics view.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		TotalRequests: c.total.Load(),
		Services:      make(map[string]ServiceSnapshot),
		Errors:        make(map[string]int64),
		Paths:         make(map[string]int64),
		System:        collectSystemStats(),
	}

	c.mu.RLock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	for _, name := range names {
		snap.Services[name] = c.services[name].snapshot()
	}
	c.mu.RUnlock()

	c.errMu.Lock()
	for kind, n := range c.errorKinds {
		snap.Errors[kind] = n
	}
	c.errMu.Unlock()

	c.pathMu.Lock()
	for path, n := range c.paths {
		snap.Paths[path] = n
	}
	c.pathMu.Unlock()

	minute := time.Now().Unix() / 60
	c.bucketMu.Lock()
	for i := 0; i < 60; i++ {
		if c.bucketStamps[i] > minute-60 && c.bucketStamps[i] <= minute {
			snap.PerHourRate += c.buckets[i]
			if c.bucketStamps[i] >= minute-1 {
				snap.PerMinuteRate += c.buckets[i]
			}
		}
	}
	c.bucketMu.Unlock()

	return snap
}

func (s *serviceStats) snapshot() ServiceSnapshot {
	out := ServiceSnapshot{
		Total:   s.total.Load(),
		Success: s.success.Load(),
		Failure: s.failure.Load(),
	}
	if out.Total > 0 {
		out.SuccessRate = float64(out.Success) / float64(out.Total)
	}

	n := s.widx.Load()
	if n > sampleWindow {
		n = sampleWindow
	}
	if n == 0 {
		return out
	}
	samples := make([]float64, 0, n)
	var sum float64
	for i := int64(0); i < n; i++ {
		ms := float64(s.samples[i].Load()) / 1000
		samples = append(samples, ms)
		sum += ms
	}
	sort.Float64s(samples)
	out.AvgResponseMs = sum / float64(len(samples))
	out.MinResponseMs = samples[0]
	out.MaxResponseMs = samples[len(samples)-1]
	p95 := int(float64(len(samples)) * 0.95)
	if p95 >= len(samples) {
		p95 = len(samples) - 1
	}
	out.P95ResponseMs = samples[p95]
	return out
}

// persistLoop appends completed request records to the shared store stream.
// Failures log at warn and back off; the stream is advisory data.
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()
	defer logging.RecoverPanic(c.logger, "persistLoop", nil)

	for {
		select {
		case <-ctx.Done():
			return
		case record := <-c.persist:
			values := map[string]string{
				"service":     record.Service,
				"method":      record.Method,
				"path":        record.Path,
				"status":      strconv.Itoa(record.Status),
				"duration_ms": strconv.FormatFloat(record.DurationMs, 'f', 3, 64),
				"ts":          record.Timestamp.UTC().Format(time.RFC3339Nano),
			}
			if _, err := c.st.XAdd(ctx, requestStream, values, requestStreamMaxLen); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to persist request record")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
