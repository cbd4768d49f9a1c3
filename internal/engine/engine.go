// Package engine executes activated workflows: it resolves templated
// step parameters against accumulated run state, enforces safety policy
// before sensitive provider calls, and checkpoints every step boundary
// so a run survives process restarts.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bedah-kym/flowcore/internal/logging"
	"github.com/bedah-kym/flowcore/internal/policy"
	"github.com/bedah-kym/flowcore/internal/provider"
	"github.com/bedah-kym/flowcore/internal/store"
	"github.com/bedah-kym/flowcore/internal/template"
	"github.com/bedah-kym/flowcore/pkg/schema"
)

// SpendWindow is the rolling period over which sensitive spend is summed
// for period_limit enforcement.
const SpendWindow = 24 * time.Hour

// Config holds engine execution bounds.
type Config struct {
	StepTimeout time.Duration // per provider call, 0 = no deadline
	Retry       RetryConfig
}

// Engine runs workflows step by step. One goroutine per run; steps
// within a run are strictly sequential.
type Engine struct {
	store     store.Store
	providers *provider.Registry
	logger    *slog.Logger
	cfg       Config

	// mu guards running.
	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Engine.
func New(s store.Store, providers *provider.Registry, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Engine{
		store:     s,
		providers: providers,
		logger:    logger,
		cfg:       cfg,
		running:   make(map[string]context.CancelFunc),
	}
}

// Start launches the run in its own goroutine. The run keeps going
// after the triggering request returns; only Cancel or process
// shutdown stops it.
func (e *Engine) Start(ctx context.Context, wf *store.Workflow, rec *schema.ExecutionRecord) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = logging.WithExecutionID(runCtx, rec.ID)

	e.mu.Lock()
	e.running[rec.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, rec.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.run(runCtx, wf, rec)
	}()
}

// Cancel requests cooperative cancellation of a running execution. The
// in-flight step finishes; the run finalizes as cancelled at the next
// step boundary. Returns NOT_FOUND if no such run is in flight.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	cancel, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no running execution %q", executionID)
	}
	cancel()
	return nil
}

// Shutdown waits for in-flight runs to reach a checkpoint, up to the
// context deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.running {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the sequential step interpreter.
func (e *Engine) run(ctx context.Context, wf *store.Workflow, rec *schema.ExecutionRecord) {
	log := e.logger.With(slog.String("workflow_id", wf.ID))
	log.InfoContext(ctx, "execution started",
		slog.String("trigger_type", string(rec.TriggerType)),
		slog.Int("steps", len(wf.Definition.Steps)),
	)

	scope := template.Scope{"trigger": triggerScope(rec.TriggerPayload)}

	// Checkpoint and finalize writes are detached from the run context:
	// a cancelled run must still land its step results and terminal
	// status.
	storeCtx := context.WithoutCancel(ctx)

	var runErr *schema.FlowError
	status := schema.ExecutionStatusCompleted

	for seq, step := range wf.Definition.Steps {
		if ctx.Err() != nil {
			status = schema.ExecutionStatusCancelled
			runErr = schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
			break
		}

		stepCtx := logging.WithStepID(ctx, step.ID)
		res, amount := e.runStep(stepCtx, wf, step, scope)

		if err := e.store.AppendStepResult(storeCtx, rec.ID, seq, res, amount); err != nil {
			log.ErrorContext(ctx, "checkpoint step result",
				slog.String("step_id", step.ID), slog.Any("error", err))
		}

		if res.Status == schema.StepStatusFailed {
			if step.OnError == schema.ErrorModeContinue {
				log.WarnContext(stepCtx, "step failed, continuing",
					slog.String("error", res.Error))
				continue
			}
			status = schema.ExecutionStatusFailed
			runErr = schema.NewErrorf(schema.ErrCodeExecution, "step %q failed: %s", step.ID, res.Error).WithStep(step.ID)
			break
		}
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := e.store.FinalizeExecution(storeCtx, rec.ID, status, errMsg, time.Now().UTC()); err != nil {
		log.ErrorContext(ctx, "finalize execution", slog.Any("error", err))
		return
	}
	log.InfoContext(ctx, "execution finished", slog.String("status", string(status)))
}

// runStep evaluates and executes one step, mutating scope with the
// step's output on success. The returned amount is recorded against the
// spend window only for allowed sensitive invocations.
func (e *Engine) runStep(ctx context.Context, wf *store.Workflow, step schema.StepDefinition, scope template.Scope) (*schema.StepResult, *float64) {
	started := time.Now().UTC()
	res := &schema.StepResult{StepID: step.ID, StartedAt: started}
	finish := func() {
		res.DurationMs = time.Since(started).Milliseconds()
	}
	defer finish()

	// A falsy condition skips the step without touching the provider.
	if step.Condition != "" {
		if !template.Truthy(template.ResolveString(step.Condition, scope)) {
			res.Status = schema.StepStatusSkipped
			return res, nil
		}
	}

	params, err := template.ResolveRaw(step.Params, scope)
	if err != nil {
		res.Status = schema.StepStatusFailed
		res.Error = schema.NewErrorf(schema.ErrCodeValidation, "resolve params: %s", err.Error()).WithStep(step.ID).Error()
		return res, nil
	}
	if missing := template.UnresolvedParams(params); len(missing) > 0 {
		res.Status = schema.StepStatusFailed
		res.Error = schema.NewErrorf(schema.ErrCodeValidation,
			"unresolvable references: %v", missing).WithStep(step.ID).Error()
		return res, nil
	}

	var amount *float64
	if e.providers.Sensitive(step.Capability, step.Action) {
		req := policy.ExtractRequest(step.ID, params)
		spent, err := e.store.SumSensitiveSpend(ctx, wf.ID, started.Add(-SpendWindow))
		if err != nil {
			res.Status = schema.StepStatusFailed
			res.Error = schema.NewErrorf(schema.ErrCodeStore, "spend lookup: %s", err.Error()).WithStep(step.ID).Error()
			return res, nil
		}
		decision := policy.Evaluate(req, wf.Definition.Policy, policy.RunningTotals{PeriodSpend: spent})
		if !decision.Allowed {
			res.Status = schema.StepStatusFailed
			res.Error = schema.NewError(schema.ErrCodePolicyViolation, decision.Reason).WithStep(step.ID).Error()
			e.logger.WarnContext(ctx, "policy denied sensitive step",
				slog.String("reason", decision.Reason))
			return res, nil
		}
		if req.HasAmount {
			a := req.Amount
			amount = &a
		}
	}

	prov, err := e.providers.Get(step.Capability)
	if err != nil {
		res.Status = schema.StepStatusFailed
		res.Error = err.Error()
		return res, nil
	}

	out, err := e.invoke(ctx, prov, step, params)
	if err != nil {
		res.Status = schema.StepStatusFailed
		res.Error = err.Error()
		return res, nil
	}
	if out.Status == provider.StatusError {
		res.Status = schema.StepStatusFailed
		res.Error = schema.NewErrorf(schema.ErrCodeProvider, "%s.%s: %s", step.Capability, step.Action, out.Message).WithStep(step.ID).Error()
		return res, nil
	}

	// Partial results count as success; the status survives in the
	// output for downstream steps to branch on.
	scope[step.ID] = stepScope(out)
	if raw, merr := json.Marshal(out); merr == nil {
		res.Output = raw
	}
	res.Status = schema.StepStatusSucceeded
	return res, amount
}

// invoke calls the provider with a per-call deadline, retrying
// transient failures with exponential backoff.
func (e *Engine) invoke(ctx context.Context, prov provider.Provider, step schema.StepDefinition, params map[string]any) (*provider.Result, error) {
	invCtx := map[string]any{"step_id": step.ID}

	var lastErr error
	for attempt := 0; attempt < e.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(e.cfg.Retry, attempt-1)); err != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled during backoff").WithCause(err)
			}
			e.logger.InfoContext(ctx, "retrying provider call",
				slog.Int("attempt", attempt+1),
				slog.String("action", step.Action),
			)
		}

		// The call context is detached from run cancellation: an
		// in-flight provider call always runs to completion (or its
		// timeout). Cancel takes effect between attempts and at step
		// boundaries.
		callCtx := context.WithoutCancel(ctx)
		var cancel context.CancelFunc
		if e.cfg.StepTimeout > 0 {
			callCtx, cancel = context.WithTimeout(callCtx, e.cfg.StepTimeout)
		}
		out, err := prov.Invoke(callCtx, step.Action, params, invCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"%s.%s failed after %d attempts", step.Capability, step.Action, e.cfg.Retry.MaxAttempts).WithCause(lastErr)
}

// triggerScope flattens the trigger payload for template lookup: data
// fields are addressable directly, with the event name available under
// "event" when the payload does not already carry one.
func triggerScope(p schema.TriggerPayload) map[string]any {
	out := make(map[string]any, len(p.Data)+1)
	for k, v := range p.Data {
		out[k] = v
	}
	if _, ok := out["event"]; !ok {
		out["event"] = p.Event
	}
	return out
}

// stepScope exposes a step's provider result to later steps: data
// fields directly, plus status and message when the data does not
// shadow them.
func stepScope(r *provider.Result) map[string]any {
	out := make(map[string]any, len(r.Data)+2)
	for k, v := range r.Data {
		out[k] = v
	}
	if _, ok := out["status"]; !ok {
		out["status"] = string(r.Status)
	}
	if _, ok := out["message"]; !ok && r.Message != "" {
		out["message"] = r.Message
	}
	return out
}
