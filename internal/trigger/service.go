// Package trigger verifies and normalizes inbound events (webhook
// deliveries, schedule firings, and manual runs) into canonical
// trigger payloads, enforcing at-most-once execution per external
// event.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bedah-kym/flowcore/internal/store"
	"github.com/bedah-kym/flowcore/pkg/schema"
)

// Runner starts the execution of a freshly created record. Satisfied by
// the engine (avoids import cycle).
type Runner interface {
	Start(ctx context.Context, wf *store.Workflow, rec *schema.ExecutionRecord)
}

// Service owns trigger registration lifecycle and event ingestion.
type Service struct {
	store    store.Store
	adapters *AdapterRegistry
	runner   Runner
	logger   *slog.Logger
}

// NewService creates a trigger Service.
func NewService(s store.Store, adapters *AdapterRegistry, runner Runner, logger *slog.Logger) *Service {
	return &Service{store: s, adapters: adapters, runner: runner, logger: logger}
}

// Activate transitions a workflow to active and creates one
// registration per declared trigger. Webhook registrations get a fresh
// shared secret; schedule registrations get their first next-run
// handle.
func (s *Service) Activate(ctx context.Context, workflowID string) ([]*store.TriggerRegistration, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status == schema.WorkflowStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is already active", workflowID)
	}

	now := time.Now().UTC()
	regs := make([]*store.TriggerRegistration, 0, len(wf.Definition.Triggers))

	for i, t := range wf.Definition.Triggers {
		reg := &store.TriggerRegistration{
			ID:           uuid.NewString(),
			WorkflowID:   wf.ID,
			TriggerIndex: i,
			Type:         t.Type,
			Service:      t.Service,
			Event:        t.Event,
			Active:       true,
			CreatedAt:    now,
		}

		switch t.Type {
		case schema.TriggerTypeWebhook:
			secret, err := NewSecret()
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeExecution, "generate webhook secret").WithCause(err)
			}
			reg.Secret = secret

		case schema.TriggerTypeSchedule:
			next, err := NextRun(t.Schedule, now)
			if err != nil {
				return nil, err
			}
			reg.Cron = t.Schedule.Cron
			reg.Timezone = t.Schedule.Timezone
			reg.NextRunAt = &next
		}

		if err := s.store.CreateRegistration(ctx, reg); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "create registration: %s", err.Error()).WithCause(err)
		}
		regs = append(regs, reg)
	}

	if err := s.store.UpdateWorkflowStatus(ctx, wf.ID, schema.WorkflowStatusActive); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "workflow activated",
		slog.String("workflow_id", wf.ID),
		slog.Int("registrations", len(regs)),
	)
	return regs, nil
}

// Deactivate disables the workflow and every registration bound to it.
// Schedule next-run handles are cleared, not just flagged, so no
// orphaned future firing survives.
func (s *Service) Deactivate(ctx context.Context, workflowID string) error {
	if err := s.store.UpdateWorkflowStatus(ctx, workflowID, schema.WorkflowStatusInactive); err != nil {
		return err
	}
	if err := s.store.DeactivateRegistrations(ctx, workflowID); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "deactivate registrations: %s", err.Error()).WithCause(err)
	}

	s.logger.InfoContext(ctx, "workflow deactivated", slog.String("workflow_id", workflowID))
	return nil
}

// WebhookResult is the ingestion outcome the HTTP layer maps to a
// response: 202 for a new run, 200 for a detected duplicate.
type WebhookResult struct {
	ExecutionID string
	Duplicate   bool
}

// HandleWebhook verifies, normalizes, deduplicates, and starts a run
// for one webhook delivery.
func (s *Service) HandleWebhook(ctx context.Context, registrationID string, body []byte, signature string) (*WebhookResult, error) {
	reg, err := s.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if !reg.Active || reg.Type != schema.TriggerTypeWebhook {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no active webhook registration %q", registrationID)
	}

	// Signature first: a tampered body must not create any record.
	if err := VerifySignature(reg.Secret, body, signature); err != nil {
		return nil, err
	}

	norm, err := s.adapters.ForService(reg.Service).Normalize(body)
	if err != nil {
		return nil, err
	}
	if reg.Event != "" && norm.Event != reg.Event {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"event %q does not match registration event %q", norm.Event, reg.Event)
	}

	key := IdempotencyKey(norm.EventID, body)
	if existing, err := s.store.FindExecutionByIdempotencyKey(ctx, reg.WorkflowID, key); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "idempotency lookup: %s", err.Error()).WithCause(err)
	} else if existing != nil {
		s.logger.InfoContext(ctx, "duplicate webhook delivery",
			slog.String("execution_id", existing.ID),
			slog.String("idempotency_key", key),
		)
		return &WebhookResult{ExecutionID: existing.ID, Duplicate: true}, nil
	}

	payload := schema.TriggerPayload{Event: norm.Event, Data: norm.Data}
	rec, err := s.startRun(ctx, reg.WorkflowID, schema.TriggerTypeWebhook, payload, key)
	if err != nil {
		var flowErr *schema.FlowError
		if errors.As(err, &flowErr) && flowErr.Code == schema.ErrCodeDuplicateEvent {
			// Lost the insert race to a concurrent identical delivery.
			if existing, ferr := s.store.FindExecutionByIdempotencyKey(ctx, reg.WorkflowID, key); ferr == nil && existing != nil {
				return &WebhookResult{ExecutionID: existing.ID, Duplicate: true}, nil
			}
		}
		return nil, err
	}
	return &WebhookResult{ExecutionID: rec.ID}, nil
}

// FireManual starts a run directly from a caller-provided payload.
func (s *Service) FireManual(ctx context.Context, workflowID string, payload schema.TriggerPayload) (string, error) {
	if payload.Event == "" {
		payload.Event = "manual.run"
	}
	rec, err := s.startRun(ctx, workflowID, schema.TriggerTypeManual, payload, "")
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// FireSchedule starts a run for a due schedule registration. The firing
// instant keys the run so one tick executes at most once even if the
// poll loop restarts mid-fire.
func (s *Service) FireSchedule(ctx context.Context, reg *store.TriggerRegistration, due time.Time) (string, error) {
	key := ScheduleIdempotencyKey(reg.ID, due)
	if existing, err := s.store.FindExecutionByIdempotencyKey(ctx, reg.WorkflowID, key); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "idempotency lookup: %s", err.Error()).WithCause(err)
	} else if existing != nil {
		return existing.ID, nil
	}

	payload := SchedulePayload(&RegistrationInfo{Cron: reg.Cron, Timezone: reg.Timezone}, due)
	rec, err := s.startRun(ctx, reg.WorkflowID, schema.TriggerTypeSchedule, payload, key)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// startRun creates the ExecutionRecord and hands it to the engine.
func (s *Service) startRun(ctx context.Context, workflowID string, trigType schema.TriggerType, payload schema.TriggerPayload, idemKey string) (*schema.ExecutionRecord, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowStatusActive && trigType != schema.TriggerTypeManual {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is not active", workflowID)
	}

	rec := &schema.ExecutionRecord{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		TriggerType:    trigType,
		TriggerPayload: payload,
		IdempotencyKey: idemKey,
		Status:         schema.ExecutionStatusRunning,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.store.CreateExecution(ctx, rec); err != nil {
		if isUniqueViolation(err) {
			return nil, schema.NewErrorf(schema.ErrCodeDuplicateEvent,
				"execution already exists for idempotency key %q", idemKey).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}

	s.runner.Start(ctx, wf, rec)
	return rec, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
