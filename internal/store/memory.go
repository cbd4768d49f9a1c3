package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and ephemeral
// deployments. Data does not survive a restart.
type MemoryStore struct {
	mu            sync.RWMutex
	workflows     map[string]*Workflow
	registrations map[string]*TriggerRegistration
	executions    map[string]*schema.ExecutionRecord
	stepAmounts   map[string]map[int]stepAmount // executionID -> seq -> amount
	dialogs       map[dialogKey]*DialogEntry
}

type dialogKey struct{ user, conversation, domain string }

type stepAmount struct {
	amount float64
	failed bool
	at     time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:     make(map[string]*Workflow),
		registrations: make(map[string]*TriggerRegistration),
		executions:    make(map[string]*schema.ExecutionRecord),
		stepAmounts:   make(map[string]map[int]stepAmount),
		dialogs:       make(map[dialogKey]*DialogEntry),
	}
}

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *MemoryStore) UpdateWorkflowStatus(_ context.Context, id string, status schema.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	wf.Status = status
	wf.UpdatedAt = time.Now().UTC()
	if status == schema.WorkflowStatusActive {
		now := time.Now().UTC()
		wf.ActivatedAt = &now
	}
	return nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	delete(m.workflows, id)
	return nil
}

func (m *MemoryStore) CreateRegistration(_ context.Context, reg *TriggerRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registrations[reg.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "registration %q already exists", reg.ID)
	}
	cp := *reg
	m.registrations[reg.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRegistration(_ context.Context, id string) (*TriggerRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.registrations[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "registration %q not found", id)
	}
	cp := *reg
	return &cp, nil
}

func (m *MemoryStore) ListRegistrations(_ context.Context, workflowID string) ([]*TriggerRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*TriggerRegistration
	for _, reg := range m.registrations {
		if reg.WorkflowID == workflowID {
			cp := *reg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerIndex < out[j].TriggerIndex })
	return out, nil
}

func (m *MemoryStore) DeactivateRegistrations(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, reg := range m.registrations {
		if reg.WorkflowID == workflowID {
			reg.Active = false
			reg.NextRunAt = nil
		}
	}
	return nil
}

func (m *MemoryStore) ListDueSchedules(_ context.Context, now time.Time) ([]*TriggerRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*TriggerRegistration
	for _, reg := range m.registrations {
		if reg.Active && reg.Type == schema.TriggerTypeSchedule &&
			reg.NextRunAt != nil && !reg.NextRunAt.After(now) {
			cp := *reg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateScheduleRun(_ context.Context, id string, lastRun, nextRun time.Time, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registrations[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "registration %q not found", id)
	}
	reg.LastRunAt = &lastRun
	reg.NextRunAt = &nextRun
	reg.LastRunStatus = status
	return nil
}

func (m *MemoryStore) CreateExecution(_ context.Context, rec *schema.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.IdempotencyKey != "" {
		for _, existing := range m.executions {
			if existing.WorkflowID == rec.WorkflowID && existing.IdempotencyKey == rec.IdempotencyKey {
				return schema.NewErrorf(schema.ErrCodeConflict,
					"unique constraint failed: executions idempotency key %q", rec.IdempotencyKey)
			}
		}
	}
	cp := *rec
	m.executions[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*schema.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	return copyExecution(rec), nil
}

func (m *MemoryStore) FindExecutionByIdempotencyKey(_ context.Context, workflowID, key string) (*schema.ExecutionRecord, error) {
	if key == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.executions {
		if rec.WorkflowID == workflowID && rec.IdempotencyKey == key {
			return copyExecution(rec), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) AppendStepResult(_ context.Context, executionID string, seq int, res *schema.StepResult, amount *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}

	// Upsert by sequence so a replayed step boundary overwrites rather
	// than duplicates.
	for seq >= len(rec.StepResults) {
		rec.StepResults = append(rec.StepResults, schema.StepResult{})
	}
	rec.StepResults[seq] = *res

	if amount != nil {
		if m.stepAmounts[executionID] == nil {
			m.stepAmounts[executionID] = make(map[int]stepAmount)
		}
		m.stepAmounts[executionID][seq] = stepAmount{
			amount: *amount,
			failed: res.Status == schema.StepStatusFailed,
			at:     res.StartedAt,
		}
	}
	return nil
}

func (m *MemoryStore) FinalizeExecution(_ context.Context, id string, status schema.ExecutionStatus, errMsg string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if rec.Status != schema.ExecutionStatusRunning {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is already %s", id, rec.Status)
	}
	rec.Status = status
	rec.Error = errMsg
	rec.CompletedAt = &completedAt
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.ExecutionRecord
	for _, rec := range m.executions {
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && rec.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, copyExecution(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) SumSensitiveSpend(_ context.Context, workflowID string, since time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for execID, amounts := range m.stepAmounts {
		rec, ok := m.executions[execID]
		if !ok || rec.WorkflowID != workflowID {
			continue
		}
		for _, a := range amounts {
			if !a.failed && !a.at.Before(since) {
				total += a.amount
			}
		}
	}
	return total, nil
}

func (m *MemoryStore) GetDialogState(_ context.Context, user, conversation, domain string) (*DialogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.dialogs[dialogKey{user, conversation, domain}]
	if !ok {
		return nil, nil
	}
	cp := *entry
	cp.Parameters = copyParams(entry.Parameters)
	return &cp, nil
}

func (m *MemoryStore) PutDialogState(_ context.Context, entry *DialogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	cp.Parameters = copyParams(entry.Parameters)
	m.dialogs[dialogKey{entry.User, entry.Conversation, entry.Domain}] = &cp
	return nil
}

// UpdateDialogState holds the write lock across the whole
// read-modify-write cycle.
func (m *MemoryStore) UpdateDialogState(_ context.Context, user, conversation, domain string, fn func(current *DialogEntry) (*DialogEntry, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dialogKey{user, conversation, domain}
	var current *DialogEntry
	if entry, ok := m.dialogs[key]; ok {
		cp := *entry
		cp.Parameters = copyParams(entry.Parameters)
		current = &cp
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.dialogs, key)
		return nil
	}
	cp := *next
	cp.Parameters = copyParams(next.Parameters)
	m.dialogs[key] = &cp
	return nil
}

func (m *MemoryStore) DeleteDialogState(_ context.Context, user, conversation, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dialogs, dialogKey{user, conversation, domain})
	return nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func copyExecution(rec *schema.ExecutionRecord) *schema.ExecutionRecord {
	cp := *rec
	cp.StepResults = append([]schema.StepResult(nil), rec.StepResults...)
	return &cp
}

func copyParams(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
