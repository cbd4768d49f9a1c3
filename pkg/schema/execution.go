package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the run-level state machine:
// running -> completed | failed | cancelled.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
// A record becomes immutable once its status leaves running.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus is the per-step outcome within a run.
type StepStatus string

const (
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)

// TriggerPayload is the canonical shape every trigger source is
// normalized into before execution.
type TriggerPayload struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// ExecutionRecord is the persisted, append-only account of one run.
// Step results are checkpointed as steps complete so a run can be
// resumed from its last step boundary.
type ExecutionRecord struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	TriggerType    TriggerType     `json:"trigger_type"`
	TriggerPayload TriggerPayload  `json:"trigger_payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	StepResults    []StepResult    `json:"step_results"`
	Status         ExecutionStatus `json:"status"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// StepResult is the recorded outcome of a single step.
type StepResult struct {
	StepID     string          `json:"step_id"`
	Status     StepStatus      `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}
