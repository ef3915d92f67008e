// Package router maps request paths to logical service names via
// longest-prefix match over a prefix table.
package router

import (
	"errors"
	"sort"
	"strings"
	"sync/atomic"
)

// ErrNotRouted is returned when no prefix matches the path.
var ErrNotRouted = errors.New("no route for path")

// Entry is one row of the prefix table.
type Entry struct {
	Prefix  string
	Service string
}

// Router resolves paths against an immutable prefix table. Updates swap the
// whole table atomically so in-flight requests always see a consistent view.
type Router struct {
	table atomic.Pointer[[]Entry]
}

// New builds a router from the initial table. Duplicate prefixes keep the
// first occurrence.
func New(entries []Entry) *Router {
	r := &Router{}
	r.Update(entries)
	return r
}

// Update atomically replaces the prefix table.
func (r *Router) Update(entries []Entry) {
	table := normalize(entries)
	r.table.Store(&table)
}

// Add inserts or replaces a single prefix.
func (r *Router) Add(prefix, service string) {
	current := *r.table.Load()
	next := make([]Entry, 0, len(current)+1)
	for _, e := range current {
		if e.Prefix != prefix {
			next = append(next, e)
		}
	}
	next = append(next, Entry{Prefix: prefix, Service: service})
	r.Update(next)
}

// Remove deletes a prefix from the table.
func (r *Router) Remove(prefix string) {
	current := *r.table.Load()
	next := make([]Entry, 0, len(current))
	for _, e := range current {
		if e.Prefix != prefix {
			next = append(next, e)
		}
	}
	r.Update(next)
}

// Route returns the service owning the longest prefix of path.
func (r *Router) Route(path string) (string, error) {
	// Table is sorted longest-first with lexicographic tie-break, so the
	// first hit is the answer.
	for _, e := range *r.table.Load() {
		if strings.HasPrefix(path, e.Prefix) {
			return e.Service, nil
		}
	}
	return "", ErrNotRouted
}

// Entries returns a copy of the current table.
func (r *Router) Entries() []Entry {
	table := *r.table.Load()
	return append([]Entry(nil), table...)
}

// normalize dedups and orders the table: longest prefix first,
// lexicographically smallest on equal length. Deterministic across reloads.
func normalize(entries []Entry) []Entry {
	seen := make(map[string]struct{}, len(entries))
	table := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Prefix == "" {
			continue
		}
		if _, dup := seen[e.Prefix]; dup {
			continue
		}
		seen[e.Prefix] = struct{}{}
		table = append(table, e)
	}
	sort.Slice(table, func(i, j int) bool {
		if len(table[i].Prefix) != len(table[j].Prefix) {
			return len(table[i].Prefix) > len(table[j].Prefix)
		}
		return table[i].Prefix < table[j].Prefix
	})
	return table
}
