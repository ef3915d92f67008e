package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKeys(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	require.NoError(t, st.Set(ctx, "k1", "v1", 0))

	got, err := st.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	_, err = st.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := st.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, st.Del(ctx, "k1"))
	exists, err = st.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	require.NoError(t, st.Set(ctx, "ephemeral", "v", 30*time.Millisecond))

	exists, err := st.Exists(ctx, "ephemeral")
	require.NoError(t, err)
	assert.True(t, exists)

	time.Sleep(60 * time.Millisecond)

	exists, err = st.Exists(ctx, "ephemeral")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = st.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryExpireRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	require.NoError(t, st.Set(ctx, "k", "v", 30*time.Millisecond))
	ok, err := st.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	exists, err := st.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	ok, err = st.Expire(ctx, "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryKeysPattern(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	require.NoError(t, st.Set(ctx, "services:a:h:1", "x", 0))
	require.NoError(t, st.Set(ctx, "services:b:h:2", "x", 0))
	require.NoError(t, st.Set(ctx, "heartbeat:a:h:1", "x", 0))

	keys, err := st.Keys(ctx, "services:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"services:a:h:1", "services:b:h:2"}, keys)
}

func TestMemoryHashes(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	require.NoError(t, st.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, st.HSet(ctx, "h", map[string]string{"b": "3"}))

	fields, err := st.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, fields)

	_, err = st.HGetAll(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySlidingWindowAdmit(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	// limit=2: two admits, third denied within the window.
	admitted, count, err := st.SlidingWindowAdmit(ctx, "rl", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.EqualValues(t, 1, count)

	admitted, count, err = st.SlidingWindowAdmit(ctx, "rl", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.EqualValues(t, 2, count)

	admitted, count, err = st.SlidingWindowAdmit(ctx, "rl", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.EqualValues(t, 2, count)
}

func TestMemorySlidingWindowSlides(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	admitted, _, err := st.SlidingWindowAdmit(ctx, "rl", 1, 40*time.Millisecond)
	require.NoError(t, err)
	require.True(t, admitted)

	admitted, _, err = st.SlidingWindowAdmit(ctx, "rl", 1, 40*time.Millisecond)
	require.NoError(t, err)
	require.False(t, admitted)

	time.Sleep(60 * time.Millisecond)

	admitted, _, err = st.SlidingWindowAdmit(ctx, "rl", 1, 40*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, admitted)
}

func TestMemoryStreamGroupReadAck(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	require.NoError(t, st.XGroupCreate(ctx, "s", "g1"))
	// Creating the same group twice is not an error.
	require.NoError(t, st.XGroupCreate(ctx, "s", "g1"))

	id1, err := st.XAdd(ctx, "s", map[string]string{"n": "1"}, 0)
	require.NoError(t, err)
	id2, err := st.XAdd(ctx, "s", map[string]string{"n": "2"}, 0)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	entries, err := st.XReadGroup(ctx, "s", "g1", "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "1", entries[0].Values["n"])
	assert.Equal(t, "2", entries[1].Values["n"])

	require.NoError(t, st.XAck(ctx, "s", "g1", entries[0].ID, entries[1].ID))

	// All delivered; a further read times out with no entries.
	entries, err = st.XReadGroup(ctx, "s", "g1", "c1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStreamGroupsIndependent(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	require.NoError(t, st.XGroupCreate(ctx, "s", "g1"))
	require.NoError(t, st.XGroupCreate(ctx, "s", "g2"))

	_, err := st.XAdd(ctx, "s", map[string]string{"n": "1"}, 0)
	require.NoError(t, err)

	e1, err := st.XReadGroup(ctx, "s", "g1", "c", 10, 100*time.Millisecond)
	require.NoError(t, err)
	e2, err := st.XReadGroup(ctx, "s", "g2", "c", 10, 100*time.Millisecond)
	require.NoError(t, err)

	assert.Len(t, e1, 1)
	assert.Len(t, e2, 1)
}

func TestMemoryPubSubPattern(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	sub, err := st.PSubscribe(ctx, "ws:*")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, st.Publish(ctx, "ws:system", `{"a":1}`))
	require.NoError(t, st.Publish(ctx, "other:system", `{"b":2}`))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "ws:system", msg.Channel)
		assert.Equal(t, `{"a":1}`, msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected a message on ws:system")
	}

	// The non-matching channel must not be delivered.
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message on %s", msg.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlidingWindowBucketsExpire(t *testing.T) {
	ctx := context.Background()
	ms := NewMemory().(*memoryStore)

	for i := 0; i < 50; i++ {
		_, _, err := ms.SlidingWindowAdmit(ctx, fmt.Sprintf("client-%d", i), 5, 30*time.Millisecond)
		require.NoError(t, err)
	}
	ms.windowsMu.Lock()
	before := len(ms.windows)
	ms.windowsMu.Unlock()
	assert.Equal(t, 50, before)

	// Let every window and the sweep interval elapse; the next admit reaps the
	// idle buckets instead of letting the map grow per distinct client key.
	time.Sleep(windowSweepInterval + 50*time.Millisecond)
	_, _, err := ms.SlidingWindowAdmit(ctx, "fresh", 5, 30*time.Millisecond)
	require.NoError(t, err)

	ms.windowsMu.Lock()
	after := len(ms.windows)
	ms.windowsMu.Unlock()
	assert.Equal(t, 1, after)
}
