package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bedah-kym/flowcore/internal/provider"
	"github.com/bedah-kym/flowcore/internal/store"
	"github.com/bedah-kym/flowcore/pkg/schema"
)

// fakeProvider scripts Invoke behavior per action.
type fakeProvider struct {
	name      string
	sensitive map[string]bool
	invoke    func(action string, params map[string]any) (*provider.Result, error)

	mu    sync.Mutex
	calls []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Sensitive(action string) bool { return p.sensitive[action] }

func (p *fakeProvider) Invoke(_ context.Context, action string, params map[string]any, _ map[string]any) (*provider.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, action)
	p.mu.Unlock()
	return p.invoke(action, params)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newTestEngine(t *testing.T, providers ...provider.Provider) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := provider.NewRegistry()
	for _, p := range providers {
		require.NoError(t, reg.Register(p))
	}
	eng := New(st, reg, Config{
		StepTimeout: time.Second,
		Retry:       RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return eng, st
}

func seedRun(t *testing.T, st *store.MemoryStore, def schema.WorkflowDefinition, payload schema.TriggerPayload) (*store.Workflow, *schema.ExecutionRecord) {
	t.Helper()
	ctx := context.Background()

	wf := &store.Workflow{
		ID:         uuid.NewString(),
		Name:       def.Name,
		Definition: def,
		Status:     schema.WorkflowStatusActive,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.CreateWorkflow(ctx, wf))

	rec := &schema.ExecutionRecord{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		TriggerType:    schema.TriggerTypeWebhook,
		TriggerPayload: payload,
		Status:         schema.ExecutionStatusRunning,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.CreateExecution(ctx, rec))
	return wf, rec
}

// --- Step chaining ---

func TestRun_ChainsStepOutputs(t *testing.T) {
	payments := &fakeProvider{
		name: "payments",
		invoke: func(action string, params map[string]any) (*provider.Result, error) {
			switch action {
			case "balance":
				return &provider.Result{Status: provider.StatusSuccess, Data: map[string]any{"available": float64(5000)}}, nil
			case "transfer":
				// The amount must arrive as the trigger's native number.
				assert.Equal(t, float64(2500), params["amount"])
				return &provider.Result{Status: provider.StatusSuccess, Data: map[string]any{"reference": "tx-1"}}, nil
			}
			return nil, schema.NewError(schema.ErrCodeValidation, "unexpected action")
		},
	}
	messaging := &fakeProvider{
		name: "messaging",
		invoke: func(_ string, params map[string]any) (*provider.Result, error) {
			assert.Equal(t, "done tx-1", params["text"])
			return &provider.Result{Status: provider.StatusSuccess}, nil
		},
	}

	eng, st := newTestEngine(t, payments, messaging)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name: "pay-on-invoice",
		Steps: []schema.StepDefinition{
			{ID: "check", Capability: "payments", Action: "balance"},
			{ID: "pay", Capability: "payments", Action: "transfer",
				Params: json.RawMessage(`{"amount":"{{ trigger.amount }}"}`)},
			{ID: "notify", Capability: "messaging", Action: "send",
				Params: json.RawMessage(`{"text":"done {{ pay.reference }}"}`)},
		},
	}, schema.TriggerPayload{Event: "invoice.created", Data: map[string]any{"amount": float64(2500)}})

	eng.run(context.Background(), wf, rec)

	got, err := st.GetExecution(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	require.Len(t, got.StepResults, 3)
	for _, sr := range got.StepResults {
		assert.Equal(t, schema.StepStatusSucceeded, sr.Status)
	}
	assert.NotNil(t, got.CompletedAt)
}

// --- Conditions ---

func TestRun_FalsyConditionSkipsStep(t *testing.T) {
	payments := &fakeProvider{
		name: "payments",
		invoke: func(action string, _ map[string]any) (*provider.Result, error) {
			if action == "balance" {
				return &provider.Result{Status: provider.StatusSuccess, Data: map[string]any{"sufficient": false}}, nil
			}
			t.Fatalf("step should have been skipped, got action %q", action)
			return nil, nil
		},
	}

	eng, st := newTestEngine(t, payments)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name: "conditional-pay",
		Steps: []schema.StepDefinition{
			{ID: "check", Capability: "payments", Action: "balance"},
			{ID: "pay", Capability: "payments", Action: "transfer",
				Condition: "{{ check.sufficient }}"},
		},
	}, schema.TriggerPayload{Event: "e"})

	eng.run(context.Background(), wf, rec)

	got, err := st.GetExecution(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, schema.StepStatusSkipped, got.StepResults[1].Status)
}

func TestRun_ConditionOnSkippedStepOutputSkips(t *testing.T) {
	p := &fakeProvider{
		name: "core",
		invoke: func(_ string, _ map[string]any) (*provider.Result, error) {
			return &provider.Result{Status: provider.StatusSuccess}, nil
		},
	}

	eng, st := newTestEngine(t, p)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name: "cascade-skip",
		Steps: []schema.StepDefinition{
			{ID: "a", Capability: "core", Action: "x", Condition: "{{ trigger.go }}"},
			{ID: "b", Capability: "core", Action: "x", Condition: "{{ a.done }}"},
		},
	}, schema.TriggerPayload{Event: "e", Data: map[string]any{"go": false}})

	eng.run(context.Background(), wf, rec)

	got, _ := st.GetExecution(context.Background(), rec.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, schema.StepStatusSkipped, got.StepResults[0].Status)
	assert.Equal(t, schema.StepStatusSkipped, got.StepResults[1].Status)
}

// --- Unresolved references ---

func TestRun_UnresolvedParamFailsStep(t *testing.T) {
	p := &fakeProvider{
		name: "core",
		invoke: func(_ string, _ map[string]any) (*provider.Result, error) {
			t.Fatal("provider must not be invoked with unresolved params")
			return nil, nil
		},
	}

	eng, st := newTestEngine(t, p)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name: "bad-ref",
		Steps: []schema.StepDefinition{
			{ID: "a", Capability: "core", Action: "x",
				Params: json.RawMessage(`{"v":"{{ trigger.missing }}"}`)},
		},
	}, schema.TriggerPayload{Event: "e"})

	eng.run(context.Background(), wf, rec)

	got, _ := st.GetExecution(context.Background(), rec.ID)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	assert.Equal(t, schema.StepStatusFailed, got.StepResults[0].Status)
	assert.Contains(t, got.StepResults[0].Error, "unresolvable references")
	assert.Zero(t, p.callCount())
}

// --- Policy enforcement ---

func sensitivePayments(invoke func(action string, params map[string]any) (*provider.Result, error)) *fakeProvider {
	return &fakeProvider{
		name:      "payments",
		sensitive: map[string]bool{"transfer": true},
		invoke:    invoke,
	}
}

func TestRun_PolicyDeniesOverCapWithoutInvoking(t *testing.T) {
	p := sensitivePayments(func(_ string, _ map[string]any) (*provider.Result, error) {
		t.Fatal("provider must not be invoked when policy denies")
		return nil, nil
	})

	eng, st := newTestEngine(t, p)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name:   "over-cap",
		Policy: &schema.Policy{MaxAmount: 10000, AllowedDestinations: []string{"account-X"}},
		Steps: []schema.StepDefinition{
			{ID: "pay", Capability: "payments", Action: "transfer",
				Params: json.RawMessage(`{"amount":"{{ trigger.amount }}","to":"account-X"}`)},
		},
	}, schema.TriggerPayload{Event: "e", Data: map[string]any{"amount": float64(15000)}})

	eng.run(context.Background(), wf, rec)

	got, _ := st.GetExecution(context.Background(), rec.ID)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.StepResults[0].Error, "exceeds max_amount")
	assert.Zero(t, p.callCount())
}

func TestRun_PolicyAllowsAndRecordsSpend(t *testing.T) {
	p := sensitivePayments(func(_ string, _ map[string]any) (*provider.Result, error) {
		return &provider.Result{Status: provider.StatusSuccess, Data: map[string]any{"reference": "tx-9"}}, nil
	})

	eng, st := newTestEngine(t, p)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name:   "within-cap",
		Policy: &schema.Policy{MaxAmount: 10000, AllowedDestinations: []string{"account-X"}, PeriodLimit: 5000},
		Steps: []schema.StepDefinition{
			{ID: "pay", Capability: "payments", Action: "transfer",
				Params: json.RawMessage(`{"amount":"{{ trigger.amount }}","to":"account-X"}`)},
		},
	}, schema.TriggerPayload{Event: "e", Data: map[string]any{"amount": float64(3000)}})

	eng.run(context.Background(), wf, rec)

	got, _ := st.GetExecution(context.Background(), rec.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, 1, p.callCount())

	spent, err := st.SumSensitiveSpend(context.Background(), wf.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, float64(3000), spent)
}

func TestRun_PeriodLimitCountsPriorRuns(t *testing.T) {
	p := sensitivePayments(func(_ string, _ map[string]any) (*provider.Result, error) {
		return &provider.Result{Status: provider.StatusSuccess}, nil
	})

	eng, st := newTestEngine(t, p)
	def := schema.WorkflowDefinition{
		Name:   "budgeted",
		Policy: &schema.Policy{AllowedDestinations: []string{"account-X"}, PeriodLimit: 5000},
		Steps: []schema.StepDefinition{
			{ID: "pay", Capability: "payments", Action: "transfer",
				Params: json.RawMessage(`{"amount":"{{ trigger.amount }}","to":"account-X"}`)},
		},
	}

	wf, rec1 := seedRun(t, st, def, schema.TriggerPayload{Event: "e", Data: map[string]any{"amount": float64(3000)}})
	eng.run(context.Background(), wf, rec1)

	// Second run in the same window pushes past the period limit.
	rec2 := &schema.ExecutionRecord{
		ID: uuid.NewString(), WorkflowID: wf.ID,
		TriggerType:    schema.TriggerTypeWebhook,
		TriggerPayload: schema.TriggerPayload{Event: "e", Data: map[string]any{"amount": float64(3000)}},
		Status:         schema.ExecutionStatusRunning,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.CreateExecution(context.Background(), rec2))
	eng.run(context.Background(), wf, rec2)

	got, _ := st.GetExecution(context.Background(), rec2.ID)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.StepResults[0].Error, "period_limit")
	assert.Equal(t, 1, p.callCount())
}

// --- Error modes ---

func TestRun_OnErrorContinue(t *testing.T) {
	p := &fakeProvider{
		name: "core",
		invoke: func(action string, _ map[string]any) (*provider.Result, error) {
			if action == "flaky" {
				return &provider.Result{Status: provider.StatusError, Message: "nope"}, nil
			}
			return &provider.Result{Status: provider.StatusSuccess}, nil
		},
	}

	eng, st := newTestEngine(t, p)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name: "tolerant",
		Steps: []schema.StepDefinition{
			{ID: "a", Capability: "core", Action: "flaky", OnError: schema.ErrorModeContinue},
			{ID: "b", Capability: "core", Action: "ok"},
		},
	}, schema.TriggerPayload{Event: "e"})

	eng.run(context.Background(), wf, rec)

	got, _ := st.GetExecution(context.Background(), rec.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, schema.StepStatusFailed, got.StepResults[0].Status)
	assert.Equal(t, schema.StepStatusSucceeded, got.StepResults[1].Status)
}

func TestRun_OnErrorStopIsDefault(t *testing.T) {
	p := &fakeProvider{
		name: "core",
		invoke: func(action string, _ map[string]any) (*provider.Result, error) {
			if action == "broken" {
				return &provider.Result{Status: provider.StatusError, Message: "boom"}, nil
			}
			t.Fatal("later step must not run after stop")
			return nil, nil
		},
	}

	eng, st := newTestEngine(t, p)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name: "strict",
		Steps: []schema.StepDefinition{
			{ID: "a", Capability: "core", Action: "broken"},
			{ID: "b", Capability: "core", Action: "ok"},
		},
	}, schema.TriggerPayload{Event: "e"})

	eng.run(context.Background(), wf, rec)

	got, _ := st.GetExecution(context.Background(), rec.ID)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	require.Len(t, got.StepResults, 1)
	assert.Contains(t, got.Error, `step "a" failed`)
}

// --- Retries ---

func TestRun_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	p := &fakeProvider{
		name: "core",
		invoke: func(_ string, _ map[string]any) (*provider.Result, error) {
			attempts++
			if attempts < 3 {
				return nil, schema.NewError(schema.ErrCodeProvider, "connection refused")
			}
			return &provider.Result{Status: provider.StatusSuccess}, nil
		},
	}

	eng, st := newTestEngine(t, p)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name:  "flaky-upstream",
		Steps: []schema.StepDefinition{{ID: "a", Capability: "core", Action: "x"}},
	}, schema.TriggerPayload{Event: "e"})

	eng.run(context.Background(), wf, rec)

	got, _ := st.GetExecution(context.Background(), rec.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, 3, attempts)
}

func TestRun_RetryExhaustion(t *testing.T) {
	p := &fakeProvider{
		name: "core",
		invoke: func(_ string, _ map[string]any) (*provider.Result, error) {
			return nil, schema.NewError(schema.ErrCodeTimeout, "upstream timeout")
		},
	}

	eng, st := newTestEngine(t, p)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name:  "dead-upstream",
		Steps: []schema.StepDefinition{{ID: "a", Capability: "core", Action: "x"}},
	}, schema.TriggerPayload{Event: "e"})

	eng.run(context.Background(), wf, rec)

	got, _ := st.GetExecution(context.Background(), rec.ID)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.StepResults[0].Error, "after 3 attempts")
	assert.Equal(t, 3, p.callCount())
}

func TestRun_NonRetryableErrorFailsFast(t *testing.T) {
	p := &fakeProvider{
		name: "core",
		invoke: func(_ string, _ map[string]any) (*provider.Result, error) {
			return nil, schema.NewError(schema.ErrCodeValidation, "bad params")
		},
	}

	eng, st := newTestEngine(t, p)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name:  "hard-fail",
		Steps: []schema.StepDefinition{{ID: "a", Capability: "core", Action: "x"}},
	}, schema.TriggerPayload{Event: "e"})

	eng.run(context.Background(), wf, rec)

	assert.Equal(t, 1, p.callCount())
}

// --- Partial results ---

func TestRun_PartialResultCountsAsSuccess(t *testing.T) {
	p := &fakeProvider{
		name: "core",
		invoke: func(action string, params map[string]any) (*provider.Result, error) {
			if action == "first" {
				return &provider.Result{Status: provider.StatusPartial, Data: map[string]any{"done": 2, "failed": 1}}, nil
			}
			// Downstream steps can branch on the surfaced status.
			assert.Equal(t, "partial", params["upstream"])
			return &provider.Result{Status: provider.StatusSuccess}, nil
		},
	}

	eng, st := newTestEngine(t, p)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name: "partial-ok",
		Steps: []schema.StepDefinition{
			{ID: "a", Capability: "core", Action: "first"},
			{ID: "b", Capability: "core", Action: "second",
				Params: json.RawMessage(`{"upstream":"{{ a.status }}"}`)},
		},
	}, schema.TriggerPayload{Event: "e"})

	eng.run(context.Background(), wf, rec)

	got, _ := st.GetExecution(context.Background(), rec.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, schema.StepStatusSucceeded, got.StepResults[0].Status)
}

// --- Lifecycle ---

func TestStart_RunsAsynchronously(t *testing.T) {
	p := &fakeProvider{
		name: "core",
		invoke: func(_ string, _ map[string]any) (*provider.Result, error) {
			return &provider.Result{Status: provider.StatusSuccess}, nil
		},
	}

	eng, st := newTestEngine(t, p)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name:  "async",
		Steps: []schema.StepDefinition{{ID: "a", Capability: "core", Action: "x"}},
	}, schema.TriggerPayload{Event: "e"})

	eng.Start(context.Background(), wf, rec)

	assert.Eventually(t, func() bool {
		got, err := st.GetExecution(context.Background(), rec.ID)
		return err == nil && got.Status == schema.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancel_UnknownExecution(t *testing.T) {
	eng, _ := newTestEngine(t)
	assert.Error(t, eng.Cancel("nope"))
}

// ctxStore fails writes once the caller's context is cancelled, the way
// a database-backed store does.
type ctxStore struct {
	*store.MemoryStore
}

func (s *ctxStore) AppendStepResult(ctx context.Context, executionID string, seq int, res *schema.StepResult, amount *float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.AppendStepResult(ctx, executionID, seq, res, amount)
}

func (s *ctxStore) FinalizeExecution(ctx context.Context, id string, status schema.ExecutionStatus, errMsg string, completedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.FinalizeExecution(ctx, id, status, errMsg, completedAt)
}

func TestCancel_PersistsTerminalStateOnContextAwareStore(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	p := &fakeProvider{
		name: "core",
		invoke: func(action string, _ map[string]any) (*provider.Result, error) {
			if action == "slow" {
				close(started)
				<-release
			}
			return &provider.Result{Status: provider.StatusSuccess}, nil
		},
	}

	st := &ctxStore{MemoryStore: store.NewMemoryStore()}
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(p))
	eng := New(st, reg, Config{Retry: RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond}}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	wf, rec := seedRun(t, st.MemoryStore, schema.WorkflowDefinition{
		Name: "durable-cancel",
		Steps: []schema.StepDefinition{
			{ID: "a", Capability: "core", Action: "slow"},
			{ID: "b", Capability: "core", Action: "fast"},
		},
	}, schema.TriggerPayload{Event: "e"})

	eng.Start(context.Background(), wf, rec)
	<-started
	require.NoError(t, eng.Cancel(rec.ID))
	close(release)

	// The checkpoint and the cancelled status must land even though the
	// run context is already cancelled when they are written.
	assert.Eventually(t, func() bool {
		got, err := st.GetExecution(context.Background(), rec.ID)
		return err == nil && got.Status == schema.ExecutionStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := st.GetExecution(context.Background(), rec.ID)
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, schema.StepStatusSucceeded, got.StepResults[0].Status)
}

// ctxCheckProvider records the call context's error state as each
// invocation returns.
type ctxCheckProvider struct {
	started chan struct{}
	release chan struct{}

	mu      sync.Mutex
	ctxErrs []error
}

func (p *ctxCheckProvider) Name() string          { return "core" }
func (p *ctxCheckProvider) Sensitive(string) bool { return false }

func (p *ctxCheckProvider) Invoke(ctx context.Context, _ string, _ map[string]any, _ map[string]any) (*provider.Result, error) {
	close(p.started)
	<-p.release
	p.mu.Lock()
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	p.mu.Unlock()
	return &provider.Result{Status: provider.StatusSuccess}, nil
}

func TestCancel_InFlightProviderCallCompletes(t *testing.T) {
	p := &ctxCheckProvider{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	st := store.NewMemoryStore()
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(p))
	eng := New(st, reg, Config{
		StepTimeout: 5 * time.Second,
		Retry:       RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name:  "graceful-cancel",
		Steps: []schema.StepDefinition{{ID: "a", Capability: "core", Action: "x"}},
	}, schema.TriggerPayload{Event: "e"})

	eng.Start(context.Background(), wf, rec)
	<-p.started
	require.NoError(t, eng.Cancel(rec.ID))
	close(p.release)

	// Cancelling mid-call must not abort the call: the step finishes
	// normally and, with no later step to skip, the run completes.
	assert.Eventually(t, func() bool {
		got, err := st.GetExecution(context.Background(), rec.ID)
		return err == nil && got.Status == schema.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.ctxErrs, 1)
	assert.NoError(t, p.ctxErrs[0])
}

func TestCancel_StopsBetweenSteps(t *testing.T) {
	release := make(chan struct{})
	firstStarted := make(chan struct{})

	p := &fakeProvider{
		name: "core",
		invoke: func(action string, _ map[string]any) (*provider.Result, error) {
			if action == "slow" {
				close(firstStarted)
				<-release
			}
			return &provider.Result{Status: provider.StatusSuccess}, nil
		},
	}

	eng, st := newTestEngine(t, p)
	wf, rec := seedRun(t, st, schema.WorkflowDefinition{
		Name: "cancellable",
		Steps: []schema.StepDefinition{
			{ID: "a", Capability: "core", Action: "slow"},
			{ID: "b", Capability: "core", Action: "fast"},
		},
	}, schema.TriggerPayload{Event: "e"})

	eng.Start(context.Background(), wf, rec)
	<-firstStarted
	require.NoError(t, eng.Cancel(rec.ID))
	close(release)

	assert.Eventually(t, func() bool {
		got, err := st.GetExecution(context.Background(), rec.ID)
		return err == nil && got.Status == schema.ExecutionStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := st.GetExecution(context.Background(), rec.ID)
	// The in-flight step finished; the second never started.
	assert.Len(t, got.StepResults, 1)
}
