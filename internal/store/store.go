// Package store is the seam between the gateway and its shared key-value /
// stream / pub-sub store. Two implementations exist: a Redis adapter for
// production and an in-memory store used as the rate-limit fallback and as the
// test double for property tests.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned when the backing store cannot be reached.
	// Callers degrade per their own policy: the rate limiter falls back to
	// memory, the registry serves cached reads, event publication fails fast.
	ErrUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")
)

// StreamEntry is one entry read from a stream.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

// Message is one message received from a pub/sub subscription.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pattern subscription. Messages delivers until Close.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store abstracts the external shared store. All operations take a context and
// surface connection failures as ErrUnavailable.
type Store interface {
	// Keys
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Hashes
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// SlidingWindowAdmit runs the three-step sliding-window check atomically
	// for one key: prune timestamps older than the window, admit if the
	// remaining cardinality is below limit, refresh the key TTL. Returns
	// whether the request was admitted and the in-window count after the call.
	SlidingWindowAdmit(ctx context.Context, key string, limit int, window time.Duration) (admitted bool, count int64, err error)

	// Streams (consumer-group semantics)
	XAdd(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error)
	XGroupCreate(ctx context.Context, stream, group string) error
	XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error

	// Pub/sub
	Publish(ctx context.Context, channel, payload string) error
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
