package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alannxna/redfire-gateway/internal/store"
)

func newTestRegistry(ttl time.Duration) *Registry {
	return New(store.NewMemory(), zerolog.Nop(), ttl, ttl/3)
}

func testInstance() *Instance {
	return &Instance{
		Name:     "user-service",
		Host:     "10.0.0.1",
		Port:     9001,
		Version:  "1.2.0",
		Tags:     []string{"primary", "eu"},
		Metadata: map[string]string{"zone": "eu-west-1"},
		Weight:   2,
	}
}

func TestRegisterDiscoverRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(30 * time.Second)
	inst := testInstance()

	require.NoError(t, r.Register(ctx, inst))

	found, err := r.Discover(ctx, "user-service")
	require.NoError(t, err)
	require.Len(t, found, 1)

	got := found[0]
	assert.Equal(t, inst.ID(), got.ID())
	assert.Equal(t, "user-service", got.Name)
	assert.Equal(t, "10.0.0.1", got.Host)
	assert.Equal(t, 9001, got.Port)
	assert.Equal(t, "1.2.0", got.Version)
	assert.Equal(t, []string{"primary", "eu"}, got.Tags)
	assert.Equal(t, map[string]string{"zone": "eu-west-1"}, got.Metadata)
	assert.Equal(t, 2, got.Weight)
	assert.Equal(t, StatusHealthy, got.Status)
}

func TestRegisterValidates(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(30 * time.Second)

	err := r.Register(ctx, &Instance{Name: "", Host: "h", Port: 1})
	assert.ErrorIs(t, err, ErrInvalidInstance)

	err = r.Register(ctx, &Instance{Name: "svc", Host: "h", Port: 0})
	assert.ErrorIs(t, err, ErrInvalidInstance)
}

func TestRegisterOverwritesSameID(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(30 * time.Second)

	inst := testInstance()
	require.NoError(t, r.Register(ctx, inst))

	updated := testInstance()
	updated.Weight = 5
	require.NoError(t, r.Register(ctx, updated))

	found, err := r.Discover(ctx, "user-service")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 5, found[0].Weight)
}

func TestUnregister(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(30 * time.Second)
	inst := testInstance()

	require.NoError(t, r.Register(ctx, inst))
	require.NoError(t, r.Unregister(ctx, inst.ID()))

	found, err := r.Discover(ctx, "user-service")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestUnregisterService(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(30 * time.Second)

	a := testInstance()
	b := testInstance()
	b.Port = 9002
	require.NoError(t, r.Register(ctx, a))
	require.NoError(t, r.Register(ctx, b))

	removed, err := r.UnregisterService(ctx, "user-service")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	found, err := r.Discover(ctx, "user-service")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestHeartbeatKeepsAlive(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(60 * time.Millisecond)
	inst := testInstance()

	require.NoError(t, r.Register(ctx, inst))

	// Heartbeat faster than the TTL; the instance must stay healthy past the
	// original TTL horizon.
	for i := 0; i < 3; i++ {
		time.Sleep(25 * time.Millisecond)
		require.NoError(t, r.Heartbeat(ctx, inst.ID()))
	}

	found, err := r.Discover(ctx, "user-service")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, StatusHealthy, found[0].Status)
}

func TestHeartbeatExpiredRecord(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(30 * time.Second)

	err := r.Heartbeat(ctx, "user-service:10.0.0.1:9001")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoppedHeartbeatsTurnUnhealthy(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(50 * time.Millisecond)
	inst := testInstance()

	require.NoError(t, r.Register(ctx, inst))
	time.Sleep(80 * time.Millisecond)

	found, err := r.Discover(ctx, "user-service")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, StatusUnhealthy, found[0].Status)
}

func TestSweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(50 * time.Millisecond)
	inst := testInstance()

	require.NoError(t, r.Register(ctx, inst))
	time.Sleep(80 * time.Millisecond)

	require.NoError(t, r.sweepOnce(ctx))

	found, err := r.Discover(ctx, "user-service")
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = r.HealthyServices(ctx)
	require.NoError(t, err)
}

func TestSweepSkipsOwned(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(50 * time.Millisecond)
	inst := testInstance()

	require.NoError(t, r.RegisterOwned(ctx, inst))
	time.Sleep(80 * time.Millisecond)

	require.NoError(t, r.sweepOnce(ctx))

	// The record survives the sweep; the heartbeat loop owns its liveness.
	found, err := r.Discover(ctx, "user-service")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestHealthyServicesFilters(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(50 * time.Millisecond)

	alive := testInstance()
	dead := testInstance()
	dead.Name = "order-service"
	require.NoError(t, r.Register(ctx, dead))

	time.Sleep(80 * time.Millisecond) // dead's heartbeat expires
	require.NoError(t, r.Register(ctx, alive))

	services, err := r.HealthyServices(ctx)
	require.NoError(t, err)
	assert.Contains(t, services, "user-service")
	assert.NotContains(t, services, "order-service")
}
