package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteLongestPrefix(t *testing.T) {
	r := New([]Entry{
		{Prefix: "/a", Service: "short"},
		{Prefix: "/a/b", Service: "long"},
	})

	svc, err := r.Route("/a/b/x")
	require.NoError(t, err)
	assert.Equal(t, "long", svc)

	svc, err = r.Route("/a/x")
	require.NoError(t, err)
	assert.Equal(t, "short", svc)
}

func TestRouteMiss(t *testing.T) {
	r := New([]Entry{{Prefix: "/api/v1/users", Service: "user-service"}})

	_, err := r.Route("/nope")
	assert.ErrorIs(t, err, ErrNotRouted)
}

func TestRouteTieBreakLexicographic(t *testing.T) {
	// Equal-length prefixes: the lexicographically smaller one sorts first,
	// and for a path matching both, the smaller wins.
	r := New([]Entry{
		{Prefix: "/ab", Service: "second"},
		{Prefix: "/aa", Service: "first"},
	})

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "/aa", entries[0].Prefix)

	svc, err := r.Route("/aardvark")
	require.NoError(t, err)
	assert.Equal(t, "first", svc)
}

func TestRouteDeterminism(t *testing.T) {
	table := []Entry{
		{Prefix: "/api/v1/orders", Service: "orders"},
		{Prefix: "/api/v1", Service: "api"},
		{Prefix: "/api", Service: "legacy"},
	}
	r := New(table)

	for i := 0; i < 100; i++ {
		svc, err := r.Route("/api/v1/orders/123")
		require.NoError(t, err)
		assert.Equal(t, "orders", svc)
	}
}

func TestAddRemove(t *testing.T) {
	r := New(nil)

	_, err := r.Route("/api/v1/users/1")
	require.ErrorIs(t, err, ErrNotRouted)

	r.Add("/api/v1/users", "user-service")
	svc, err := r.Route("/api/v1/users/1")
	require.NoError(t, err)
	assert.Equal(t, "user-service", svc)

	// Replacing a prefix rebinds it.
	r.Add("/api/v1/users", "user-service-v2")
	svc, err = r.Route("/api/v1/users/1")
	require.NoError(t, err)
	assert.Equal(t, "user-service-v2", svc)

	r.Remove("/api/v1/users")
	_, err = r.Route("/api/v1/users/1")
	assert.ErrorIs(t, err, ErrNotRouted)
}

func TestUpdateDedupsAndDropsEmpty(t *testing.T) {
	r := New([]Entry{
		{Prefix: "", Service: "ignored"},
		{Prefix: "/x", Service: "first"},
		{Prefix: "/x", Service: "duplicate"},
	})

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "first", entries[0].Service)
}
