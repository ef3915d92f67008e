// Package registry tracks service instances in the shared store with
// TTL-backed liveness: register, heartbeat, discover, expire.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alannxna/redfire-gateway/internal/logging"
	"github.com/Alannxna/redfire-gateway/internal/store"
)

var (
	// ErrNotFound is returned when an instance record does not exist (or has
	// already expired).
	ErrNotFound = errors.New("instance not found")

	// ErrInvalidInstance is returned for registrations missing name/host/port.
	ErrInvalidInstance = errors.New("invalid instance")
)

const (
	recordPrefix    = "services:"
	heartbeatPrefix = "heartbeat:"

	sweepInterval = time.Minute
	loopBackoff   = 5 * time.Second
)

// Registry is the durable service registry. A local cache of every instance
// this process has seen lets the heartbeat loop and expiry sweep iterate
// without re-querying, and serves best-effort reads when the store is down.
type Registry struct {
	store       store.Store
	logger      zerolog.Logger
	instanceTTL time.Duration
	interval    time.Duration

	mu    sync.RWMutex
	cache map[string]*Instance // id -> instance
	owned map[string]struct{}  // ids whose heartbeats this process drives

	wg sync.WaitGroup
}

// New creates a registry. instanceTTL bounds heartbeat staleness;
// heartbeatInterval must be smaller than instanceTTL.
func New(st store.Store, logger zerolog.Logger, instanceTTL, heartbeatInterval time.Duration) *Registry {
	return &Registry{
		store:       st,
		logger:      logger.With().Str("component", "registry").Logger(),
		instanceTTL: instanceTTL,
		interval:    heartbeatInterval,
		cache:       make(map[string]*Instance),
		owned:       make(map[string]struct{}),
	}
}

// Register writes the instance record (TTL = 2 x instanceTTL) and its
// heartbeat key (TTL = instanceTTL), overwriting any record with the same ID.
func (r *Registry) Register(ctx context.Context, inst *Instance) error {
	if inst.Name == "" || inst.Host == "" || inst.Port <= 0 {
		return fmt.Errorf("%w: name, host and port are required", ErrInvalidInstance)
	}
	if inst.Weight < 1 {
		inst.Weight = 1
	}
	now := time.Now()
	if inst.RegisteredAt.IsZero() {
		inst.RegisteredAt = now
	}
	inst.LastHeartbeat = now
	if inst.Status == "" {
		inst.Status = StatusHealthy
	}

	id := inst.ID()
	if err := r.store.HSet(ctx, recordPrefix+id, inst.toFields()); err != nil {
		return err
	}
	if _, err := r.store.Expire(ctx, recordPrefix+id, 2*r.instanceTTL); err != nil {
		return err
	}
	if err := r.store.Set(ctx, heartbeatPrefix+id, now.UTC().Format(time.RFC3339Nano), r.instanceTTL); err != nil {
		return err
	}

	r.mu.Lock()
	r.cache[id] = inst.clone()
	r.mu.Unlock()

	r.logger.Info().
		Str("instance_id", id).
		Str("service", inst.Name).
		Str("addr", inst.Addr()).
		Int("weight", inst.Weight).
		Msg("Instance registered")
	return nil
}

// RegisterOwned registers the instance and takes over its heartbeats: the
// registry's heartbeat loop will keep it alive until Unregister. Used for
// instances seeded from this process's configuration.
func (r *Registry) RegisterOwned(ctx context.Context, inst *Instance) error {
	if err := r.Register(ctx, inst); err != nil {
		return err
	}
	r.mu.Lock()
	r.owned[inst.ID()] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Unregister deletes the instance record and heartbeat key.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if err := r.store.Del(ctx, recordPrefix+id, heartbeatPrefix+id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, id)
	delete(r.owned, id)
	r.mu.Unlock()

	r.logger.Info().Str("instance_id", id).Msg("Instance unregistered")
	return nil
}

// UnregisterService removes every instance of the named service.
func (r *Registry) UnregisterService(ctx context.Context, name string) (int, error) {
	instances, err := r.Discover(ctx, name)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, inst := range instances {
		if err := r.Unregister(ctx, inst.ID()); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Heartbeat refreshes the instance's heartbeat key and last_heartbeat field.
// Fails with ErrNotFound when the record has already expired.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	exists, err := r.store.Exists(ctx, recordPrefix+id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := time.Now()
	if err := r.store.Set(ctx, heartbeatPrefix+id, now.UTC().Format(time.RFC3339Nano), r.instanceTTL); err != nil {
		return err
	}
	if err := r.store.HSet(ctx, recordPrefix+id, map[string]string{
		"last_heartbeat": now.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}

	r.mu.Lock()
	if inst, ok := r.cache[id]; ok && now.After(inst.LastHeartbeat) {
		inst.LastHeartbeat = now
	}
	r.mu.Unlock()
	return nil
}

// Discover returns all instances of the named service. Status is healthy iff
// the instance's heartbeat key still exists. When the store is unreachable
// the local cache serves a best-effort snapshot.
func (r *Registry) Discover(ctx context.Context, name string) ([]*Instance, error) {
	keys, err := r.store.Keys(ctx, recordPrefix+name+":*")
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return r.cachedByService(name), nil
		}
		return nil, err
	}

	instances := make([]*Instance, 0, len(keys))
	for _, key := range keys {
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // expired between Keys and HGetAll
			}
			return nil, err
		}
		inst, err := instanceFromFields(fields)
		if err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("Skipping malformed instance record")
			continue
		}
		if inst.Name != name {
			continue
		}

		alive, err := r.store.Exists(ctx, heartbeatPrefix+inst.ID())
		if err != nil {
			return nil, err
		}
		if alive {
			inst.Status = StatusHealthy
		} else {
			inst.Status = StatusUnhealthy
		}
		instances = append(instances, inst)

		r.mu.Lock()
		r.cache[inst.ID()] = inst.clone()
		r.mu.Unlock()
	}
	return instances, nil
}

// HealthyServices returns all healthy instances grouped by service name.
func (r *Registry) HealthyServices(ctx context.Context) (map[string][]*Instance, error) {
	keys, err := r.store.Keys(ctx, recordPrefix+"*")
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return r.cachedHealthy(), nil
		}
		return nil, err
	}

	names := make(map[string]struct{})
	for _, key := range keys {
		id := strings.TrimPrefix(key, recordPrefix)
		if idx := strings.Index(id, ":"); idx > 0 {
			names[id[:idx]] = struct{}{}
		}
	}

	out := make(map[string][]*Instance, len(names))
	for name := range names {
		instances, err := r.Discover(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			if inst.Status == StatusHealthy {
				out[name] = append(out[name], inst)
			}
		}
	}
	return out, nil
}

// Start launches the heartbeat loop and expiry sweep. Both stop when ctx is
// cancelled; Wait blocks until they exit.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(2)
	go r.heartbeatLoop(ctx)
	go r.sweepLoop(ctx)
}

// Wait blocks until background loops have stopped.
func (r *Registry) Wait() { r.wg.Wait() }

func (r *Registry) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	defer logging.RecoverPanic(r.logger, "heartbeatLoop", nil)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range r.ownedIDs() {
				if err := r.Heartbeat(ctx, id); err != nil {
					if errors.Is(err, ErrNotFound) {
						// Record expired under us (store flush or sweep by
						// another instance); re-register from cache.
						r.reregister(ctx, id)
						continue
					}
					r.logger.Warn().Err(err).Str("instance_id", id).Msg("Heartbeat failed")
				}
			}
		}
	}
}

func (r *Registry) reregister(ctx context.Context, id string) {
	r.mu.RLock()
	inst, ok := r.cache[id]
	if ok {
		inst = inst.clone()
	}
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := r.Register(ctx, inst); err != nil {
		r.logger.Warn().Err(err).Str("instance_id", id).Msg("Re-registration failed")
	} else {
		r.logger.Info().Str("instance_id", id).Msg("Instance re-registered after expiry")
	}
}

// sweepLoop deletes records whose heartbeat key has expired. Runs once per
// minute; transient store errors back off and retry.
func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	defer logging.RecoverPanic(r.logger, "sweepLoop", nil)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweepOnce(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Expiry sweep failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(loopBackoff):
				}
			}
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) error {
	keys, err := r.store.Keys(ctx, recordPrefix+"*")
	if err != nil {
		return err
	}
	expired := 0
	for _, key := range keys {
		id := strings.TrimPrefix(key, recordPrefix)
		alive, err := r.store.Exists(ctx, heartbeatPrefix+id)
		if err != nil {
			return err
		}
		if alive {
			continue
		}
		if r.isOwned(id) {
			// Our own heartbeat loop will refresh it; don't fight it.
			continue
		}
		if err := r.store.Del(ctx, key); err != nil {
			return err
		}
		r.mu.Lock()
		delete(r.cache, id)
		r.mu.Unlock()
		expired++
		r.logger.Info().Str("instance_id", id).Msg("Expired instance removed")
	}
	if expired > 0 {
		r.logger.Info().Int("expired", expired).Msg("Expiry sweep completed")
	}
	return nil
}

func (r *Registry) ownedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.owned))
	for id := range r.owned {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) isOwned(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owned[id]
	return ok
}

func (r *Registry) cachedByService(name string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Instance
	for _, inst := range r.cache {
		if inst.Name == name {
			out = append(out, inst.clone())
		}
	}
	return out
}

func (r *Registry) cachedHealthy() map[string][]*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]*Instance)
	for _, inst := range r.cache {
		if inst.Status == StatusHealthy {
			out[inst.Name] = append(out[inst.Name], inst.clone())
		}
	}
	return out
}
