package provider

import "context"

// Provider is a capability integration (payments, messaging, travel,
// scheduling) invoked uniformly by the engine and the router. Concrete
// integrations live outside the core.
type Provider interface {
	// Name is the capability domain, e.g. "payments".
	Name() string
	// Invoke performs one action with fully resolved parameters.
	Invoke(ctx context.Context, action string, params map[string]any, invCtx map[string]any) (*Result, error)
	// Sensitive reports whether the action requires a policy check
	// before invocation.
	Sensitive(action string) bool
}

// ResultStatus is the provider-reported outcome class.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
	StatusPartial ResultStatus = "partial"
)

// Result is the uniform shape every provider returns.
type Result struct {
	Status  ResultStatus   `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	// ContextHints are parameters the provider wants remembered in
	// dialog state for follow-up requests (e.g. a resolved account id).
	ContextHints map[string]any `json:"context_hints,omitempty"`
}
