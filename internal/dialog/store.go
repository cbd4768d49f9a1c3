// Package dialog keeps the short-lived conversational context used to
// fill gaps in follow-up requests. Entries are scoped to a
// (user, conversation, capability-domain) triple; both identifiers are
// part of the key so two users in the same room never see each other's
// remembered parameters.
package dialog

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is the window after which stored parameters are forgotten.
const DefaultTTL = 6 * time.Hour

// Store is the dialog state contract. Get returns an empty map for a
// missing or expired entry, never an error for "nothing remembered".
type Store interface {
	Get(ctx context.Context, user, conversation, domain string) (map[string]any, error)
	Put(ctx context.Context, user, conversation, domain string, params map[string]any) error
	// Update applies fn to the current non-expired parameters and
	// persists the result in one atomic read-modify-write, resetting
	// the TTL window. Concurrent updates to the same key never drop
	// each other's changes.
	Update(ctx context.Context, user, conversation, domain string, fn func(current map[string]any) map[string]any) error
	Reset(ctx context.Context, user, conversation, domain string) error
}

// Merge overlays new parameters on cached ones: explicitly provided
// values always win, absent keys fall through from the cache.
func Merge(cached, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(cached)+len(incoming))
	for k, v := range cached {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

type entryKey struct {
	user         string
	conversation string
	domain       string
}

type entry struct {
	params      map[string]any
	lastUpdated time.Time
}

// MemoryStore is an in-process Store with lazy TTL expiry. All
// operations take the mutex, so concurrent requests from the same user
// observe atomic read-modify-write semantics.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[entryKey]entry
}

// NewMemoryStore creates a MemoryStore. A non-positive ttl falls back
// to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[entryKey]entry),
	}
}

// WithClock overrides the time source. Tests use this to cross the TTL
// boundary without sleeping.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Get(_ context.Context, user, conversation, domain string) (map[string]any, error) {
	key := entryKey{user, conversation, domain}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return map[string]any{}, nil
	}
	if s.now().Sub(e.lastUpdated) >= s.ttl {
		// Lazy expiry: entries at or past the TTL boundary are deleted
		// on first read.
		delete(s.entries, key)
		return map[string]any{}, nil
	}

	out := make(map[string]any, len(e.params))
	for k, v := range e.params {
		out[k] = v
	}
	return out, nil
}

// Put overwrites the stored parameters and resets the TTL window.
// Merging with prior state is the router's job, not the store's.
func (s *MemoryStore) Put(_ context.Context, user, conversation, domain string, params map[string]any) error {
	stored := make(map[string]any, len(params))
	for k, v := range params {
		stored[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entryKey{user, conversation, domain}] = entry{
		params:      stored,
		lastUpdated: s.now(),
	}
	return nil
}

// Update holds the mutex across the read-modify-write cycle, so
// concurrent updates serialize instead of overwriting each other.
func (s *MemoryStore) Update(_ context.Context, user, conversation, domain string, fn func(current map[string]any) map[string]any) error {
	key := entryKey{user, conversation, domain}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := map[string]any{}
	if e, ok := s.entries[key]; ok && s.now().Sub(e.lastUpdated) < s.ttl {
		for k, v := range e.params {
			current[k] = v
		}
	}

	next := fn(current)
	stored := make(map[string]any, len(next))
	for k, v := range next {
		stored[k] = v
	}
	s.entries[key] = entry{params: stored, lastUpdated: s.now()}
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, user, conversation, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, entryKey{user, conversation, domain})
	return nil
}

// Sweep removes every expired entry. Expiry is already lazy on Get;
// this exists for memory hygiene on long-running processes.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := s.now()
	for key, e := range s.entries {
		if cutoff.Sub(e.lastUpdated) >= s.ttl {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}
