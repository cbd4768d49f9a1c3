package dialog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bedah-kym/flowcore/internal/store"
)

// --- Merge semantics ---

func TestMerge_IncomingWins(t *testing.T) {
	cached := map[string]any{"city": "Paris", "guests": 2}
	incoming := map[string]any{"city": "Rome"}

	merged := Merge(cached, incoming)
	assert.Equal(t, "Rome", merged["city"])
	assert.Equal(t, 2, merged["guests"])
}

func TestMerge_EmptyInputs(t *testing.T) {
	assert.Empty(t, Merge(nil, nil))
	assert.Equal(t, map[string]any{"a": 1}, Merge(map[string]any{"a": 1}, nil))
	assert.Equal(t, map[string]any{"a": 1}, Merge(nil, map[string]any{"a": 1}))
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	cached := map[string]any{"a": 1}
	incoming := map[string]any{"a": 2}
	Merge(cached, incoming)
	assert.Equal(t, 1, cached["a"])
}

// --- TTL expiry ---

func TestMemoryStore_FollowUpWithinTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(DefaultTTL).WithClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "u1", "c1", "travel", map[string]any{"city": "Paris", "month": "June"}))

	// One hour later the context is still live.
	now = now.Add(time.Hour)
	cached, err := s.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)

	merged := Merge(cached, map[string]any{"month": "July"})
	assert.Equal(t, "Paris", merged["city"])
	assert.Equal(t, "July", merged["month"])
}

func TestMemoryStore_ExpiredAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(DefaultTTL).WithClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "u1", "c1", "travel", map[string]any{"city": "Paris"}))

	// Seven hours later the entry is gone: no silent carryover.
	now = now.Add(7 * time.Hour)
	cached, err := s.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestMemoryStore_ExpiredExactlyAtTTLBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(DefaultTTL).WithClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "u1", "c1", "travel", map[string]any{"city": "Paris"}))

	// At exactly T+TTL the entry is already gone.
	now = now.Add(DefaultTTL)
	cached, err := s.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestMemoryStore_PutResetsTTLWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(DefaultTTL).WithClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "u1", "c1", "travel", map[string]any{"city": "Paris"}))
	now = now.Add(5 * time.Hour)
	require.NoError(t, s.Put(ctx, "u1", "c1", "travel", map[string]any{"city": "Paris"}))

	// 5h + 4h after first write, but only 4h after the refresh.
	now = now.Add(4 * time.Hour)
	cached, err := s.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)
	assert.Equal(t, "Paris", cached["city"])
}

// --- Atomic updates ---

func TestMemoryStore_UpdateMergesUnderLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultTTL)

	require.NoError(t, s.Put(ctx, "u1", "c1", "travel", map[string]any{"city": "Paris"}))

	err := s.Update(ctx, "u1", "c1", "travel", func(current map[string]any) map[string]any {
		current["month"] = "June"
		return current
	})
	require.NoError(t, err)

	cached, err := s.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)
	assert.Equal(t, "Paris", cached["city"])
	assert.Equal(t, "June", cached["month"])
}

func TestMemoryStore_ConcurrentUpdatesLoseNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultTTL)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			_ = s.Update(ctx, "u1", "c1", "travel", func(current map[string]any) map[string]any {
				current[key] = i
				return current
			})
		}(i)
	}
	wg.Wait()

	cached, err := s.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)
	assert.Len(t, cached, writers)
}

func TestMemoryStore_UpdateDropsExpiredState(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(DefaultTTL).WithClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "u1", "c1", "travel", map[string]any{"city": "Paris"}))

	now = now.Add(7 * time.Hour)
	err := s.Update(ctx, "u1", "c1", "travel", func(current map[string]any) map[string]any {
		// Expired parameters must not leak into the update.
		assert.Empty(t, current)
		current["month"] = "June"
		return current
	})
	require.NoError(t, err)

	cached, err := s.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"month": "June"}, cached)
}

func TestSQLStore_UpdateMergesThroughBackend(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(store.NewMemoryStore(), DefaultTTL)

	require.NoError(t, s.Put(ctx, "u1", "c1", "travel", map[string]any{"city": "Paris"}))

	err := s.Update(ctx, "u1", "c1", "travel", func(current map[string]any) map[string]any {
		current["month"] = "June"
		return current
	})
	require.NoError(t, err)

	cached, err := s.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)
	assert.Equal(t, "Paris", cached["city"])
	assert.Equal(t, "June", cached["month"])
}

// --- Scoping ---

func TestMemoryStore_ScopedPerUserConversationDomain(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultTTL)

	require.NoError(t, s.Put(ctx, "u1", "c1", "travel", map[string]any{"city": "Paris"}))

	other, err := s.Get(ctx, "u2", "c1", "travel")
	require.NoError(t, err)
	assert.Empty(t, other)

	other, err = s.Get(ctx, "u1", "c2", "travel")
	require.NoError(t, err)
	assert.Empty(t, other)

	other, err = s.Get(ctx, "u1", "c1", "payments")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultTTL)

	require.NoError(t, s.Put(ctx, "u1", "c1", "travel", map[string]any{"city": "Paris"}))
	require.NoError(t, s.Reset(ctx, "u1", "c1", "travel"))

	cached, err := s.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultTTL)

	require.NoError(t, s.Put(ctx, "u1", "c1", "travel", map[string]any{"city": "Paris"}))
	cached, err := s.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)
	cached["city"] = "Rome"

	again, err := s.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)
	assert.Equal(t, "Paris", again["city"])
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Hour).WithClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "u1", "c1", "travel", map[string]any{}))
	require.NoError(t, s.Put(ctx, "u2", "c1", "travel", map[string]any{}))

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, 0, s.Sweep())
}
