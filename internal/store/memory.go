package store

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"
)

// memoryStore is a process-local Store. It backs the rate limiter's fallback
// path and serves as the store double in tests. Single-node only: "cross
// instance" semantics collapse to this process.
type memoryStore struct {
	mu sync.RWMutex

	kv     map[string]kvItem
	hashes map[string]hashItem

	windows       map[string]*windowBucket
	windowsMu     sync.Mutex
	windowSweepAt time.Time

	streams map[string]*memStream

	subsMu sync.RWMutex
	subs   []*memSubscription

	closed bool
}

type kvItem struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

type hashItem struct {
	fields    map[string]string
	expiresAt time.Time
}

// windowBucket holds the sliding-window timestamps for one rate-limit key.
// The bucket mutex makes the prune/count/add sequence atomic per key.
// expiresAt is guarded by the store's windowsMu, not the bucket mutex.
type windowBucket struct {
	mu         sync.Mutex
	timestamps []time.Time
	expiresAt  time.Time
}

// windowSweepInterval bounds how often idle window buckets are reaped, so the
// map does not grow one entry per distinct client key forever.
const windowSweepInterval = 500 * time.Millisecond

type memStream struct {
	entries []StreamEntry
	nextSeq int64
	groups  map[string]*memGroup
}

type memGroup struct {
	nextIndex int
	acked     map[string]bool
}

type memSubscription struct {
	pattern string
	ch      chan Message
	once    sync.Once
	store   *memoryStore
}

// NewMemory creates an in-process Store.
func NewMemory() Store {
	return &memoryStore{
		kv:      make(map[string]kvItem),
		hashes:  make(map[string]hashItem),
		windows: make(map[string]*windowBucket),
		streams: make(map[string]*memStream),
	}
}

func expired(at time.Time) bool {
	return !at.IsZero() && time.Now().After(at)
}

func ttlToDeadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (s *memoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	item, ok := s.kv[key]
	s.mu.RUnlock()
	if !ok || expired(item.expiresAt) {
		return "", ErrNotFound
	}
	return item.value, nil
}

func (s *memoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = kvItem{value: value, expiresAt: ttlToDeadline(ttl)}
	return nil
}

func (s *memoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.kv, key)
		delete(s.hashes, key)
	}
	return nil
}

func (s *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if item, ok := s.kv[key]; ok && !expired(item.expiresAt) {
		return true, nil
	}
	if item, ok := s.hashes[key]; ok && !expired(item.expiresAt) {
		return true, nil
	}
	return false, nil
}

func (s *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.kv[key]; ok && !expired(item.expiresAt) {
		item.expiresAt = ttlToDeadline(ttl)
		s.kv[key] = item
		return true, nil
	}
	if item, ok := s.hashes[key]; ok && !expired(item.expiresAt) {
		item.expiresAt = ttlToDeadline(ttl)
		s.hashes[key] = item
		return true, nil
	}
	return false, nil
}

func (s *memoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for key, item := range s.kv {
		if expired(item.expiresAt) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	for key, item := range s.hashes {
		if expired(item.expiresAt) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *memoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.hashes[key]
	if !ok || expired(item.expiresAt) {
		item = hashItem{fields: make(map[string]string)}
	}
	for k, v := range fields {
		item.fields[k] = v
	}
	s.hashes[key] = item
	return nil
}

func (s *memoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.hashes[key]
	if !ok || expired(item.expiresAt) || len(item.fields) == 0 {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(item.fields))
	for k, v := range item.fields {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) SlidingWindowAdmit(_ context.Context, key string, limit int, window time.Duration) (bool, int64, error) {
	now := time.Now()

	s.windowsMu.Lock()
	if now.After(s.windowSweepAt) {
		for k, b := range s.windows {
			if k != key && now.After(b.expiresAt) {
				delete(s.windows, k)
			}
		}
		s.windowSweepAt = now.Add(windowSweepInterval)
	}
	bucket, ok := s.windows[key]
	if !ok {
		bucket = &windowBucket{}
		s.windows[key] = bucket
	}
	// Mirrors the TTL the Redis path puts on the sorted set.
	bucket.expiresAt = now.Add(window)
	s.windowsMu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	cutoff := now.Add(-window)
	kept := bucket.timestamps[:0]
	for _, ts := range bucket.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	bucket.timestamps = kept

	if len(bucket.timestamps) < limit {
		bucket.timestamps = append(bucket.timestamps, now)
		return true, int64(len(bucket.timestamps)), nil
	}
	return false, int64(len(bucket.timestamps)), nil
}

func (s *memoryStore) XAdd(_ context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[stream]
	if !ok {
		st = &memStream{groups: make(map[string]*memGroup)}
		s.streams[stream] = st
	}
	st.nextSeq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), st.nextSeq)

	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	st.entries = append(st.entries, StreamEntry{ID: id, Values: copied})

	// Trim like MAXLEN ~: keep the tail, shift delivery cursors with it.
	if maxLen > 0 && int64(len(st.entries)) > maxLen {
		drop := len(st.entries) - int(maxLen)
		st.entries = st.entries[drop:]
		for _, g := range st.groups {
			g.nextIndex -= drop
			if g.nextIndex < 0 {
				g.nextIndex = 0
			}
		}
	}
	return id, nil
}

func (s *memoryStore) XGroupCreate(_ context.Context, stream, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[stream]
	if !ok {
		st = &memStream{groups: make(map[string]*memGroup)}
		s.streams[stream] = st
	}
	if _, ok := st.groups[group]; !ok {
		st.groups[group] = &memGroup{acked: make(map[string]bool)}
	}
	return nil
}

func (s *memoryStore) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	deadline := time.Now().Add(block)
	for {
		entries, err := s.tryReadGroup(stream, group, count)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *memoryStore) tryReadGroup(stream, group string, count int64) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[stream]
	if !ok {
		return nil, nil
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, ErrNotFound
	}
	if g.nextIndex >= len(st.entries) {
		return nil, nil
	}
	end := len(st.entries)
	if count > 0 && g.nextIndex+int(count) < end {
		end = g.nextIndex + int(count)
	}
	entries := make([]StreamEntry, end-g.nextIndex)
	copy(entries, st.entries[g.nextIndex:end])
	g.nextIndex = end
	return entries, nil
}

func (s *memoryStore) XAck(_ context.Context, stream, group string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[stream]
	if !ok {
		return nil
	}
	g, ok := st.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		g.acked[id] = true
	}
	return nil
}

func (s *memoryStore) Publish(_ context.Context, channel, payload string) error {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, sub := range s.subs {
		if ok, _ := path.Match(sub.pattern, channel); !ok {
			continue
		}
		select {
		case sub.ch <- Message{Channel: channel, Payload: payload}:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
	return nil
}

func (s *memoryStore) PSubscribe(_ context.Context, pattern string) (Subscription, error) {
	sub := &memSubscription{
		pattern: pattern,
		ch:      make(chan Message, 256),
		store:   s,
	}
	s.subsMu.Lock()
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()
	return sub, nil
}

func (m *memSubscription) Messages() <-chan Message { return m.ch }

func (m *memSubscription) Close() error {
	m.once.Do(func() {
		s := m.store
		s.subsMu.Lock()
		for i, sub := range s.subs {
			if sub == m {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.subsMu.Unlock()
		close(m.ch)
	})
	return nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) Close() error {
	s.subsMu.Lock()
	subs := append([]*memSubscription(nil), s.subs...)
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}
