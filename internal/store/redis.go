package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript executes the prune / count / add / expire sequence
// server-side so concurrent gateway instances see an atomic check per key.
//
// KEYS[1] = sorted-set key
// ARGV[1] = now (unix milliseconds)
// ARGV[2] = window (milliseconds)
// ARGV[3] = limit
// ARGV[4] = unique member for this request
//
// Returns {admitted, count-in-window-after-call}.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, count + 1}
end
return {0, count}
`

// redisStore adapts go-redis to the Store interface.
type redisStore struct {
	client *redis.Client
	script *redis.Script
}

// NewRedis creates a Store backed by the Redis instance at url
// (e.g. "redis://localhost:6379/0").
func NewRedis(url string) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &redisStore{
		client: redis.NewClient(opts),
		script: redis.NewScript(slidingWindowScript),
	}, nil
}

// wrapErr maps go-redis errors onto the store error set.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ErrUnavailable
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	return val, wrapErr(err)
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	return wrapErr(s.client.Del(ctx, keys...).Err())
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return n > 0, nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	return ok, wrapErr(err)
}

func (s *redisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	// SCAN rather than KEYS so a large keyspace doesn't stall the store.
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *redisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrapErr(s.client.HSet(ctx, key, fields).Err())
}

func (s *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

func (s *redisStore) SlidingWindowAdmit(ctx context.Context, key string, limit int, window time.Duration) (bool, int64, error) {
	now := time.Now().UnixMilli()
	// Member must be unique per request across all gateway instances; two
	// admissions in the same instant must both count.
	member := uuid.NewString()
	res, err := s.script.Run(ctx, s.client,
		[]string{key},
		now, window.Milliseconds(), limit, member,
	).Result()
	if err != nil {
		return false, 0, wrapErr(err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, ErrUnavailable
	}
	admitted, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return admitted == 1, count, nil
}

func (s *redisStore) XAdd(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}
	id, err := s.client.XAdd(ctx, args).Result()
	return id, wrapErr(err)
}

func (s *redisStore) XGroupCreate(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		// Group already exists; callers create idempotently at startup.
		return nil
	}
	return wrapErr(err)
}

func (s *redisStore) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Block timeout with nothing to read.
			return nil, nil
		}
		return nil, wrapErr(err)
	}

	var entries []StreamEntry
	for _, str := range res {
		for _, msg := range str.Messages {
			values := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if sv, ok := v.(string); ok {
					values[k] = sv
				}
			}
			entries = append(entries, StreamEntry{ID: msg.ID, Values: values})
		}
	}
	return entries, nil
}

func (s *redisStore) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return wrapErr(s.client.XAck(ctx, stream, group, ids...).Err())
}

func (s *redisStore) Publish(ctx context.Context, channel, payload string) error {
	return wrapErr(s.client.Publish(ctx, channel, payload).Err())
}

// redisSubscription wraps a go-redis PubSub as a Subscription.
type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
	done   chan struct{}
}

func (s *redisStore) PSubscribe(ctx context.Context, pattern string) (Subscription, error) {
	pubsub := s.client.PSubscribe(ctx, pattern)
	// Force the subscription onto the wire before returning so callers don't
	// miss messages published immediately after.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, wrapErr(err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Message, 256),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.ch)
		src := pubsub.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case sub.ch <- Message{Channel: msg.Channel, Payload: msg.Payload}:
				case <-sub.done:
					return
				}
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (r *redisSubscription) Messages() <-chan Message { return r.ch }

func (r *redisSubscription) Close() error {
	close(r.done)
	return r.pubsub.Close()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return wrapErr(s.client.Ping(ctx).Err())
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
