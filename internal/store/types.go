package store

import (
	"time"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

// Workflow is the persisted representation of a registered automation.
type Workflow struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	Status      schema.WorkflowStatus     `json:"status"`
	CreatedAt   time.Time                 `json:"created_at"`
	ActivatedAt *time.Time                `json:"activated_at,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// TriggerRegistration binds one trigger of a workflow to its event
// source. Webhook registrations carry the shared secret; schedule
// registrations carry the cron spec, timezone, and next-run handle.
// Exactly one active registration exists per (workflow, trigger index).
type TriggerRegistration struct {
	ID            string             `json:"id"`
	WorkflowID    string             `json:"workflow_id"`
	TriggerIndex  int                `json:"trigger_index"`
	Type          schema.TriggerType `json:"type"`
	Service       string             `json:"service,omitempty"`
	Event         string             `json:"event,omitempty"`
	Secret        string             `json:"-"` // webhook HMAC secret, never serialized
	Cron          string             `json:"cron,omitempty"`
	Timezone      string             `json:"timezone,omitempty"`
	NextRunAt     *time.Time         `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time         `json:"last_run_at,omitempty"`
	LastRunStatus string             `json:"last_run_status,omitempty"`
	Active        bool               `json:"active"`
	CreatedAt     time.Time          `json:"created_at"`
}

// DialogEntry is the stored conversational context for one
// (user, conversation, capability-domain) triple.
type DialogEntry struct {
	User         string         `json:"user"`
	Conversation string         `json:"conversation"`
	Domain       string         `json:"domain"`
	Parameters   map[string]any `json:"parameters"`
	LastUpdated  time.Time      `json:"last_updated"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}
