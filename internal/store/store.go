package store

import (
	"context"
	"time"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Trigger registrations
	CreateRegistration(ctx context.Context, reg *TriggerRegistration) error
	GetRegistration(ctx context.Context, id string) (*TriggerRegistration, error)
	ListRegistrations(ctx context.Context, workflowID string) ([]*TriggerRegistration, error)
	DeactivateRegistrations(ctx context.Context, workflowID string) error
	ListDueSchedules(ctx context.Context, now time.Time) ([]*TriggerRegistration, error)
	UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time, status string) error

	// Executions (append-only once running)
	CreateExecution(ctx context.Context, rec *schema.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error)
	// FindExecutionByIdempotencyKey returns (nil, nil) when no record exists.
	FindExecutionByIdempotencyKey(ctx context.Context, workflowID, key string) (*schema.ExecutionRecord, error)
	AppendStepResult(ctx context.Context, executionID string, seq int, res *schema.StepResult, amount *float64) error
	FinalizeExecution(ctx context.Context, id string, status schema.ExecutionStatus, errMsg string, completedAt time.Time) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error)
	// SumSensitiveSpend totals the recorded amounts of non-failed
	// sensitive steps for a workflow since the given instant.
	SumSensitiveSpend(ctx context.Context, workflowID string, since time.Time) (float64, error)

	// Dialog state (nil, nil when absent)
	GetDialogState(ctx context.Context, user, conversation, domain string) (*DialogEntry, error)
	PutDialogState(ctx context.Context, entry *DialogEntry) error
	// UpdateDialogState applies fn to the stored entry (nil when
	// absent) atomically with respect to concurrent dialog writes and
	// persists the returned entry. A nil return deletes the entry.
	UpdateDialogState(ctx context.Context, user, conversation, domain string, fn func(current *DialogEntry) (*DialogEntry, error)) error
	DeleteDialogState(ctx context.Context, user, conversation, domain string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
