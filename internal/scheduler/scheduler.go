// Package scheduler polls the store for due schedule registrations and
// fires them through the trigger service.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bedah-kym/flowcore/internal/store"
	"github.com/bedah-kym/flowcore/internal/trigger"
	"github.com/bedah-kym/flowcore/pkg/schema"
)

// DefaultPollInterval matches the finest cron granularity (one minute).
const DefaultPollInterval = 60 * time.Second

// Firer starts a run for a due schedule registration. Satisfied by
// *trigger.Service.
type Firer interface {
	FireSchedule(ctx context.Context, reg *store.TriggerRegistration, due time.Time) (string, error)
}

// Scheduler drives schedule-type trigger registrations off a poll loop.
type Scheduler struct {
	store    store.Store
	firer    Firer
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // registration IDs currently firing
}

// New creates a Scheduler. interval <= 0 uses DefaultPollInterval.
func New(s store.Store, firer Firer, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		store:    s,
		firer:    firer,
		interval: interval,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Stop gracefully shuts down the loop, waiting for the current tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire anything already due, including ticks missed across restarts.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due registration once.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("list due schedules", slog.String("error", err.Error()))
		return
	}

	for _, reg := range due {
		if !s.tryAcquire(reg.ID) {
			continue
		}
		s.fire(ctx, reg, now)
		s.release(reg.ID)
	}
}

// fire starts one run and advances the registration's next-run handle.
// The idempotency key on the due instant makes a crash between the two
// writes harmless: the re-fired tick resolves to the existing run.
func (s *Scheduler) fire(ctx context.Context, reg *store.TriggerRegistration, now time.Time) {
	due := now
	if reg.NextRunAt != nil {
		due = reg.NextRunAt.UTC()
	}

	execID, err := s.firer.FireSchedule(ctx, reg, due)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("schedule fire failed",
			slog.String("registration_id", reg.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("schedule fired",
			slog.String("registration_id", reg.ID),
			slog.String("execution_id", execID),
		)
	}

	next, nerr := trigger.NextRun(&schema.ScheduleSpec{Cron: reg.Cron, Timezone: reg.Timezone}, now)
	if nerr != nil {
		s.logger.Error("compute next run",
			slog.String("registration_id", reg.ID),
			slog.String("error", nerr.Error()),
		)
		return
	}
	if uerr := s.store.UpdateScheduleRun(ctx, reg.ID, now, next, status); uerr != nil {
		s.logger.Error("update schedule run",
			slog.String("registration_id", reg.ID),
			slog.String("error", uerr.Error()),
		)
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
