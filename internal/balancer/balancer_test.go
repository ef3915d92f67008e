package balancer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alannxna/redfire-gateway/internal/registry"
)

func newTestBalancer(algorithm string, threshold int, cooldown time.Duration) *Balancer {
	return New(Config{
		Algorithm:        algorithm,
		CircuitThreshold: threshold,
		CircuitCooldown:  cooldown,
		Logger:           zerolog.Nop(),
	})
}

func instances(n int) []*registry.Instance {
	out := make([]*registry.Instance, n)
	for i := range out {
		out[i] = &registry.Instance{
			Name:   "svc",
			Host:   "10.0.0.1",
			Port:   9000 + i,
			Weight: 1,
			Status: registry.StatusHealthy,
		}
	}
	return out
}

func TestSelectNoInstances(t *testing.T) {
	b := newTestBalancer(RoundRobin, 5, time.Minute)

	_, err := b.Select("svc", nil)
	assert.ErrorIs(t, err, ErrNoInstance)

	unhealthy := instances(1)
	unhealthy[0].Status = registry.StatusUnhealthy
	_, err = b.Select("svc", unhealthy)
	assert.ErrorIs(t, err, ErrNoInstance)
}

func TestRoundRobinFairness(t *testing.T) {
	b := newTestBalancer(RoundRobin, 5, time.Minute)
	insts := instances(3)

	const rounds = 4
	counts := make(map[string]int)
	for i := 0; i < rounds*len(insts); i++ {
		inst, err := b.Select("svc", insts)
		require.NoError(t, err)
		counts[inst.ID()]++
		b.Report("svc", inst.ID(), OutcomeSuccess)
	}

	require.Len(t, counts, 3)
	for id, n := range counts {
		assert.Equal(t, rounds, n, "instance %s", id)
	}
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	b := newTestBalancer(RoundRobin, 5, time.Minute)
	insts := instances(3)
	insts[1].Status = registry.StatusUnhealthy

	for i := 0; i < 6; i++ {
		inst, err := b.Select("svc", insts)
		require.NoError(t, err)
		assert.NotEqual(t, insts[1].ID(), inst.ID())
		b.Report("svc", inst.ID(), OutcomeSuccess)
	}
}

func TestCircuitTripsAtThreshold(t *testing.T) {
	b := newTestBalancer(RoundRobin, 3, time.Minute)
	insts := instances(1)
	id := insts[0].ID()

	for i := 0; i < 3; i++ {
		inst, err := b.Select("svc", insts)
		require.NoError(t, err)
		b.Report("svc", inst.ID(), OutcomeFailure)
	}

	// Circuit open: the sole instance is no longer eligible.
	_, err := b.Select("svc", insts)
	assert.ErrorIs(t, err, ErrNoInstance)

	health := b.Health("svc")
	require.Contains(t, health, id)
	assert.Equal(t, "open", health[id].CircuitState)
	assert.False(t, health[id].OpenUntil.IsZero())
}

func TestCircuitTripFailsOverToHealthyInstance(t *testing.T) {
	b := newTestBalancer(RoundRobin, 2, time.Minute)
	insts := instances(2)
	bad := insts[0].ID()

	b.Report("svc", bad, OutcomeFailure)
	b.Report("svc", bad, OutcomeFailure)

	for i := 0; i < 4; i++ {
		inst, err := b.Select("svc", insts)
		require.NoError(t, err)
		assert.Equal(t, insts[1].ID(), inst.ID())
		b.Report("svc", inst.ID(), OutcomeSuccess)
	}
}

func TestCircuitHalfOpenRecovery(t *testing.T) {
	b := newTestBalancer(RoundRobin, 2, 40*time.Millisecond)
	insts := instances(1)

	b.Report("svc", insts[0].ID(), OutcomeFailure)
	b.Report("svc", insts[0].ID(), OutcomeFailure)
	_, err := b.Select("svc", insts)
	require.ErrorIs(t, err, ErrNoInstance)

	time.Sleep(60 * time.Millisecond)

	// Cooldown elapsed: one trial is allowed.
	inst, err := b.Select("svc", insts)
	require.NoError(t, err)

	// A second concurrent trial is rejected while the first is in flight.
	_, err = b.Select("svc", insts)
	assert.ErrorIs(t, err, ErrNoInstance)

	b.Report("svc", inst.ID(), OutcomeSuccess)

	// Success closes the circuit.
	_, err = b.Select("svc", insts)
	assert.NoError(t, err)
	assert.Equal(t, "closed", b.Health("svc")[inst.ID()].CircuitState)
}

func TestCircuitHalfOpenFailureEscalatesCooldown(t *testing.T) {
	b := newTestBalancer(RoundRobin, 1, 30*time.Millisecond)
	insts := instances(1)
	id := insts[0].ID()

	b.Report("svc", id, OutcomeFailure) // threshold 1: opens with base cooldown
	time.Sleep(50 * time.Millisecond)

	inst, err := b.Select("svc", insts) // half-open trial
	require.NoError(t, err)
	b.Report("svc", inst.ID(), OutcomeTimeout) // reopens with 2x cooldown

	_, err = b.Select("svc", insts)
	require.ErrorIs(t, err, ErrNoInstance)

	// Base cooldown is no longer enough.
	time.Sleep(40 * time.Millisecond)
	_, err = b.Select("svc", insts)
	assert.ErrorIs(t, err, ErrNoInstance)

	time.Sleep(40 * time.Millisecond)
	_, err = b.Select("svc", insts)
	assert.NoError(t, err)
}

func TestLeastConnections(t *testing.T) {
	b := newTestBalancer(LeastConnections, 5, time.Minute)
	insts := instances(2)

	// First pick has a tie; whatever is chosen stays in flight, so the
	// second pick must go to the other instance.
	first, err := b.Select("svc", insts)
	require.NoError(t, err)
	second, err := b.Select("svc", insts)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())

	// Releasing the first makes it least-loaded again.
	b.Report("svc", first.ID(), OutcomeSuccess)
	third, err := b.Select("svc", insts)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), third.ID())
}

func TestWeightedRespectsWeights(t *testing.T) {
	b := newTestBalancer(Weighted, 5, time.Minute)
	insts := instances(2)
	insts[0].Weight = 9
	insts[1].Weight = 1

	counts := make(map[string]int)
	for i := 0; i < 500; i++ {
		inst, err := b.Select("svc", insts)
		require.NoError(t, err)
		counts[inst.ID()]++
		b.Report("svc", inst.ID(), OutcomeSuccess)
	}

	// With 9:1 weights the heavy instance should dominate. Allow generous
	// slack; this is a statistical property.
	assert.Greater(t, counts[insts[0].ID()], 350)
	assert.Greater(t, counts[insts[1].ID()], 0)
}
