package dialog

import (
	"context"
	"time"

	"github.com/bedah-kym/flowcore/internal/store"
)

// SQLStore persists dialog state through the shared store so remembered
// parameters survive process restarts. Semantics match MemoryStore:
// overwrite on Put, lazy TTL expiry on Get.
type SQLStore struct {
	backend store.Store
	ttl     time.Duration
	now     func() time.Time
}

// NewSQLStore wraps the persistence layer as a dialog Store.
func NewSQLStore(backend store.Store, ttl time.Duration) *SQLStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SQLStore{backend: backend, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source for tests.
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

func (s *SQLStore) Get(ctx context.Context, user, conversation, domain string) (map[string]any, error) {
	entry, err := s.backend.GetDialogState(ctx, user, conversation, domain)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return map[string]any{}, nil
	}
	if s.now().Sub(entry.LastUpdated) >= s.ttl {
		if err := s.backend.DeleteDialogState(ctx, user, conversation, domain); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}
	if entry.Parameters == nil {
		return map[string]any{}, nil
	}
	return entry.Parameters, nil
}

func (s *SQLStore) Put(ctx context.Context, user, conversation, domain string, params map[string]any) error {
	return s.backend.PutDialogState(ctx, &store.DialogEntry{
		User:         user,
		Conversation: conversation,
		Domain:       domain,
		Parameters:   params,
		LastUpdated:  s.now().UTC(),
	})
}

// Update delegates to the backend's transactional read-modify-write so
// concurrent dispatches serialize on the database row.
func (s *SQLStore) Update(ctx context.Context, user, conversation, domain string, fn func(current map[string]any) map[string]any) error {
	return s.backend.UpdateDialogState(ctx, user, conversation, domain, func(current *store.DialogEntry) (*store.DialogEntry, error) {
		params := map[string]any{}
		if current != nil && s.now().Sub(current.LastUpdated) < s.ttl && current.Parameters != nil {
			params = current.Parameters
		}
		return &store.DialogEntry{
			User:         user,
			Conversation: conversation,
			Domain:       domain,
			Parameters:   fn(params),
			LastUpdated:  s.now().UTC(),
		}, nil
	})
}

func (s *SQLStore) Reset(ctx context.Context, user, conversation, domain string) error {
	return s.backend.DeleteDialogState(ctx, user, conversation, domain)
}
