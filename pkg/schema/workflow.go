package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable automation format.
// Definitions are validated at registration time and are immutable
// once activated.
type WorkflowDefinition struct {
	Name     string              `json:"name"`
	Policy   *Policy             `json:"policy,omitempty"`
	Steps    []StepDefinition    `json:"steps"`
	Triggers []TriggerDefinition `json:"triggers"`
	Metadata map[string]any      `json:"metadata,omitempty"`
}

// StepDefinition describes a single capability invocation in a workflow.
type StepDefinition struct {
	ID         string          `json:"id"`
	Capability string          `json:"capability"`           // provider name (e.g. "payments", "messaging")
	Action     string          `json:"action"`               // provider-specific action (e.g. "transfer")
	Params     json.RawMessage `json:"params,omitempty"`     // templated parameters
	Condition  string          `json:"condition,omitempty"`  // template evaluated for truthiness before execution
	OnError    ErrorMode       `json:"on_error,omitempty"`   // stop (default) | continue
}

// ErrorMode controls how a step failure affects the rest of the run.
type ErrorMode string

const (
	ErrorModeStop     ErrorMode = "stop"
	ErrorModeContinue ErrorMode = "continue"
)

// TriggerType enumerates the event sources that can start a workflow.
type TriggerType string

const (
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeManual   TriggerType = "manual"
)

// TriggerDefinition binds a workflow to an event source.
type TriggerDefinition struct {
	Type     TriggerType   `json:"type"`
	Service  string        `json:"service,omitempty"`  // webhook: source service (selects payload adapter)
	Event    string        `json:"event,omitempty"`    // webhook: event name to match
	Schedule *ScheduleSpec `json:"schedule,omitempty"` // schedule: cron + timezone
}

// ScheduleSpec is a cron-like schedule with an explicit timezone.
type ScheduleSpec struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"` // IANA name, default UTC
}

// Policy declares the safety constraints for sensitive steps.
// An empty AllowedDestinations list denies all destination-bearing
// sensitive steps; it never means "allow all".
type Policy struct {
	MaxAmount           float64  `json:"max_amount,omitempty"`
	AllowedDestinations []string `json:"allowed_destinations,omitempty"`
	PeriodLimit         float64  `json:"period_limit,omitempty"`
}

// PolicyDecision is the ephemeral outcome of a policy evaluation.
// It is computed fresh per sensitive step and never persisted or cached.
type PolicyDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// WorkflowStatus is the lifecycle state of a registered workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusInactive WorkflowStatus = "inactive"
)
