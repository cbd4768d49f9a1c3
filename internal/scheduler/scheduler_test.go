package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bedah-kym/flowcore/internal/store"
	"github.com/bedah-kym/flowcore/pkg/schema"
)

// stubFirer records fired registrations.
type stubFirer struct {
	mu    sync.Mutex
	fired []string
	due   []time.Time
	err   error
}

func (f *stubFirer) FireSchedule(_ context.Context, reg *store.TriggerRegistration, due time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.fired = append(f.fired, reg.ID)
	f.due = append(f.due, due)
	return "exec-" + reg.ID, nil
}

func (f *stubFirer) firedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fired...)
}

func seedSchedule(t *testing.T, st *store.MemoryStore, nextRun time.Time) *store.TriggerRegistration {
	t.Helper()
	reg := &store.TriggerRegistration{
		ID:         uuid.NewString(),
		WorkflowID: uuid.NewString(),
		Type:       schema.TriggerTypeSchedule,
		Cron:       "*/5 * * * *",
		Active:     true,
		NextRunAt:  &nextRun,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.CreateRegistration(context.Background(), reg))
	return reg
}

func TestTick_FiresDueSchedules(t *testing.T) {
	st := store.NewMemoryStore()
	firer := &stubFirer{}
	s := New(st, firer, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	past := time.Now().UTC().Add(-time.Minute)
	due := seedSchedule(t, st, past)
	_ = seedSchedule(t, st, time.Now().UTC().Add(time.Hour)) // not due

	s.tick(context.Background())

	assert.Equal(t, []string{due.ID}, firer.firedIDs())

	// The due instant passed to the firer is the stored handle, so the
	// idempotency key survives poll jitter.
	assert.Equal(t, past, firer.due[0])

	got, err := st.GetRegistration(context.Background(), due.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
	assert.Equal(t, "success", got.LastRunStatus)
	assert.NotNil(t, got.LastRunAt)
}

func TestTick_RecordsFireFailure(t *testing.T) {
	st := store.NewMemoryStore()
	firer := &stubFirer{err: errors.New("workflow gone")}
	s := New(st, firer, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	reg := seedSchedule(t, st, time.Now().UTC().Add(-time.Minute))
	s.tick(context.Background())

	got, err := st.GetRegistration(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
	// Next run still advances so one broken tick cannot wedge the loop.
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestTick_InactiveRegistrationsIgnored(t *testing.T) {
	st := store.NewMemoryStore()
	firer := &stubFirer{}
	s := New(st, firer, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	reg := seedSchedule(t, st, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, st.DeactivateRegistrations(context.Background(), reg.WorkflowID))

	s.tick(context.Background())
	assert.Empty(t, firer.firedIDs())
}

func TestStartStop(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, &stubFirer{}, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	require.NoError(t, s.Stop())
	// Stop is idempotent.
	require.NoError(t, s.Stop())

	// A stopped scheduler can start again.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
