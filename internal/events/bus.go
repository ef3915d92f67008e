// Package events is the durable event bus: publish domain events to a shared
// stream, consume them with a per-service consumer group, and dispatch to
// registered handlers with retry and at-least-once semantics.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Alannxna/redfire-gateway/internal/logging"
	"github.com/Alannxna/redfire-gateway/internal/metrics"
	"github.com/Alannxna/redfire-gateway/internal/store"
)

var (
	// ErrPublishFailed is returned when the event could not be appended to
	// the stream. Publication fails fast; there is no local queueing.
	ErrPublishFailed = errors.New("event publish failed")

	// ErrHandlerTimeout marks a handler cancelled by its per-handler timeout.
	ErrHandlerTimeout = errors.New("handler timeout")

	// ErrRetriesExhausted marks a handler that failed every retry attempt.
	ErrRetriesExhausted = errors.New("handler retries exhausted")
)

const (
	streamName   = "events"
	streamMaxLen = 1_000_000

	// Per-event detail record, kept for manual replay.
	detailKeyPrefix = "event:"
	detailTTL       = 30 * 24 * time.Hour

	failureKeyPrefix = "event_failures:"

	readBlock = 5 * time.Second
	readBatch = 16

	backoffBase = time.Second
	backoffCap  = 30 * time.Second
	loopBackoff = 2 * time.Second
)

// Handler processes one delivered event. Handlers must be idempotent: the
// delivery contract is at-least-once.
type Handler func(ctx context.Context, event *DomainEvent) error

type registration struct {
	id         string
	eventType  string
	handler    Handler
	maxRetries int
	timeout    time.Duration
}

// Bus publishes to and consumes from the shared event stream. One Bus per
// process; the consumer group is service_<name> so each service sees every
// event exactly once per group under normal conditions.
type Bus struct {
	store       store.Store
	logger      zerolog.Logger
	serviceName string
	group       string
	consumer    string

	mu       sync.RWMutex
	handlers map[string][]*registration

	// inflight serializes dispatch per event id within this process.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	wg sync.WaitGroup
}

// New creates a bus for the named service.
func New(st store.Store, logger zerolog.Logger, serviceName string) *Bus {
	return &Bus{
		store:       st,
		logger:      logger.With().Str("component", "events").Logger(),
		serviceName: serviceName,
		group:       "service_" + serviceName,
		consumer:    serviceName + "-" + uuid.NewString()[:8],
		handlers:    make(map[string][]*registration),
		inflight:    make(map[string]struct{}),
	}
}

// Publish appends the event to the stream and writes its detail record.
// Returns the event id. Fails fast with ErrPublishFailed when the store is
// unreachable; callers decide whether to retry.
func (b *Bus) Publish(ctx context.Context, event *DomainEvent) (string, error) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Version == 0 {
		event.Version = 1
	}
	event.ProducerService = b.serviceName

	raw, err := event.marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	if _, err := b.store.XAdd(ctx, streamName, map[string]string{"event": raw}, streamMaxLen); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	// Detail record is advisory (manual replay); its failure doesn't undo
	// the publish.
	detailKey := detailKeyPrefix + event.EventID
	if err := b.store.HSet(ctx, detailKey, map[string]string{"event": raw}); err == nil {
		_, _ = b.store.Expire(ctx, detailKey, detailTTL)
	} else {
		b.logger.Warn().Err(err).Str("event_id", event.EventID).Msg("Failed to write event detail record")
	}

	metrics.IncrementEventPublished(event.EventType)
	b.logger.Debug().
		Str("event_id", event.EventID).
		Str("event_type", event.EventType).
		Str("aggregate_id", event.AggregateID).
		Msg("Event published")
	return event.EventID, nil
}

// RegisterHandler registers an in-process handler for an event type.
func (b *Bus) RegisterHandler(eventType string, handler Handler, maxRetries int, timeout time.Duration) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := &registration{
		id:         fmt.Sprintf("%s#%d", eventType, len(b.handlers[eventType])),
		eventType:  eventType,
		handler:    handler,
		maxRetries: maxRetries,
		timeout:    timeout,
	}
	b.handlers[eventType] = append(b.handlers[eventType], reg)
	b.logger.Info().
		Str("event_type", eventType).
		Str("handler_id", reg.id).
		Int("max_retries", maxRetries).
		Dur("timeout", timeout).
		Msg("Event handler registered")
}

// Start creates the consumer group and launches the consume loop.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.store.XGroupCreate(ctx, streamName, b.group); err != nil {
		return fmt.Errorf("failed to create consumer group %s: %w", b.group, err)
	}
	b.wg.Add(1)
	go b.consumeLoop(ctx)
	b.logger.Info().
		Str("group", b.group).
		Str("consumer", b.consumer).
		Msg("Event consumer started")
	return nil
}

// Wait blocks until the consume loop has stopped.
func (b *Bus) Wait() { b.wg.Wait() }

func (b *Bus) consumeLoop(ctx context.Context) {
	defer b.wg.Done()
	defer logging.RecoverPanic(b.logger, "consumeLoop", nil)

	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := b.store.XReadGroup(ctx, streamName, b.group, b.consumer, readBatch, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Msg("Event stream read failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(loopBackoff):
			}
			continue
		}
		for _, entry := range entries {
			b.processEntry(ctx, entry)
		}
	}
}

func (b *Bus) processEntry(ctx context.Context, entry store.StreamEntry) {
	raw, ok := entry.Values["event"]
	if !ok {
		b.ack(ctx, entry.ID)
		return
	}
	event, err := unmarshalEvent(raw)
	if err != nil {
		b.logger.Warn().Err(err).Str("entry_id", entry.ID).Msg("Dropping malformed event")
		b.ack(ctx, entry.ID)
		return
	}

	// Skip self-produced events: the publisher's own handlers never fire.
	if event.ProducerService == b.serviceName {
		b.ack(ctx, entry.ID)
		return
	}

	if !b.markInflight(event.EventID) {
		// Concurrent duplicate delivery of the same event in this process;
		// leave it unacked for the group's redelivery path.
		return
	}
	defer b.clearInflight(event.EventID)

	metrics.IncrementEventConsumed(event.EventType)

	b.mu.RLock()
	regs := append([]*registration(nil), b.handlers[event.EventType]...)
	b.mu.RUnlock()

	// Handlers run in sequence; one failing handler doesn't stop the rest.
	for _, reg := range regs {
		if err := b.runWithRetry(ctx, reg, event); err != nil {
			b.recordFailure(ctx, event, reg, err)
		}
	}

	// Ack after all handlers complete (or exhaust retries). Exhausted
	// failures are recorded for manual replay rather than blocking the
	// stream head.
	b.ack(ctx, entry.ID)
}

func (b *Bus) runWithRetry(ctx context.Context, reg *registration, event *DomainEvent) error {
	backoff := backoffBase
	var lastErr error
	for attempt := 0; attempt <= reg.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}

		lastErr = b.runOnce(ctx, reg, event)
		if lastErr == nil {
			return nil
		}
		b.logger.Warn().
			Err(lastErr).
			Str("event_id", event.EventID).
			Str("handler_id", reg.id).
			Int("attempt", attempt+1).
			Int("max_attempts", reg.maxRetries+1).
			Msg("Event handler failed")
	}
	return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// runOnce executes the handler under its timeout. The handler goroutine is
// signalled through its context; a handler that ignores cancellation leaks
// until it returns, which is the best a cooperative model can do.
func (b *Bus) runOnce(ctx context.Context, reg *registration, event *DomainEvent) error {
	hctx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer logging.RecoverPanic(b.logger, "eventHandler", map[string]any{
			"handler_id": reg.id,
			"event_id":   event.EventID,
		})
		done <- reg.handler(hctx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return ErrHandlerTimeout
		}
		return hctx.Err()
	}
}

func (b *Bus) recordFailure(ctx context.Context, event *DomainEvent, reg *registration, failure error) {
	metrics.IncrementEventHandlerFailure(event.EventType)

	key := failureKeyPrefix + event.EventID
	fields := map[string]string{
		reg.id: fmt.Sprintf("%s @ %s", failure.Error(), time.Now().UTC().Format(time.RFC3339)),
	}
	if err := b.store.HSet(ctx, key, fields); err == nil {
		_, _ = b.store.Expire(ctx, key, detailTTL)
	}

	b.logger.Error().
		Err(failure).
		Str("event_id", event.EventID).
		Str("event_type", event.EventType).
		Str("handler_id", reg.id).
		Msg("Event handler failed permanently")
}

// ReplayEvent re-reads an event's detail record and dispatches it to the
// handlers for its type, bypassing the stream. Used to recover events whose
// handlers exhausted retries.
func (b *Bus) ReplayEvent(ctx context.Context, eventID string) error {
	fields, err := b.store.HGetAll(ctx, detailKeyPrefix+eventID)
	if err != nil {
		return err
	}
	event, err := unmarshalEvent(fields["event"])
	if err != nil {
		return err
	}

	b.mu.RLock()
	regs := append([]*registration(nil), b.handlers[event.EventType]...)
	b.mu.RUnlock()

	for _, reg := range regs {
		if err := b.runWithRetry(ctx, reg, event); err != nil {
			b.recordFailure(ctx, event, reg, err)
			return err
		}
	}
	return nil
}

func (b *Bus) markInflight(eventID string) bool {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	if _, busy := b.inflight[eventID]; busy {
		return false
	}
	b.inflight[eventID] = struct{}{}
	return true
}

func (b *Bus) clearInflight(eventID string) {
	b.inflightMu.Lock()
	delete(b.inflight, eventID)
	b.inflightMu.Unlock()
}

func (b *Bus) ack(ctx context.Context, entryID string) {
	if err := b.store.XAck(ctx, streamName, b.group, entryID); err != nil {
		b.logger.Warn().Err(err).Str("entry_id", entryID).Msg("Failed to ack stream entry")
	}
}
