package trigger

import (
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

// NormalizedEvent is the adapter output: the canonical trigger payload
// plus the provider-assigned event identifier used for idempotency.
type NormalizedEvent struct {
	Event   string
	Data    map[string]any
	EventID string
}

// Adapter turns one service's webhook body into a NormalizedEvent.
type Adapter interface {
	Service() string
	Normalize(body []byte) (*NormalizedEvent, error)
}

// JQAdapter normalizes provider-specific JSON with a jq program that
// must emit {event, data, event_id}. Compiled code is cached and safe
// for concurrent use.
type JQAdapter struct {
	service string
	program string

	once sync.Once
	code *gojq.Code
	err  error
}

// NewJQAdapter creates an adapter for service from a jq program.
func NewJQAdapter(service, program string) *JQAdapter {
	return &JQAdapter{service: service, program: program}
}

func (a *JQAdapter) Service() string { return a.service }

// Check compiles the program eagerly so a misconfigured adapter fails
// at startup instead of on its first delivery.
func (a *JQAdapter) Check() error {
	_, err := a.compile()
	return err
}

func (a *JQAdapter) compile() (*gojq.Code, error) {
	a.once.Do(func() {
		query, err := gojq.Parse(a.program)
		if err != nil {
			a.err = schema.NewErrorf(schema.ErrCodeValidation,
				"jq parse error in %s adapter: %s", a.service, err.Error()).WithCause(err)
			return
		}
		a.code, a.err = gojq.Compile(query,
			// Sandbox: block $ENV and env access.
			gojq.WithEnvironLoader(func() []string { return nil }),
		)
		if a.err != nil {
			a.err = schema.NewErrorf(schema.ErrCodeValidation,
				"jq compile error in %s adapter: %s", a.service, a.err.Error())
		}
	})
	return a.code, a.err
}

func (a *JQAdapter) Normalize(body []byte) (*NormalizedEvent, error) {
	code, err := a.compile()
	if err != nil {
		return nil, err
	}

	var input any
	if err := json.Unmarshal(body, &input); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"webhook body is not valid JSON: %s", err.Error()).WithCause(err)
	}

	iter := code.Run(input)
	val, ok := iter.Next()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s adapter produced no output", a.service)
	}
	if evalErr, isErr := val.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s adapter failed: %s", a.service, evalErr.Error()).WithCause(evalErr)
	}

	out, ok := val.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s adapter must emit an object, got %T", a.service, val)
	}

	norm := &NormalizedEvent{}
	norm.Event, _ = out["event"].(string)
	norm.EventID, _ = out["event_id"].(string)
	if data, ok := out["data"].(map[string]any); ok {
		norm.Data = data
	} else {
		norm.Data = map[string]any{}
	}
	return norm, nil
}

// passthroughAdapter handles services without a dedicated adapter: the
// body must already be {event, data} with an optional id/event_id.
type passthroughAdapter struct{}

func (passthroughAdapter) Service() string { return "" }

func (passthroughAdapter) Normalize(body []byte) (*NormalizedEvent, error) {
	var raw struct {
		Event   string         `json:"event"`
		Data    map[string]any `json:"data"`
		EventID string         `json:"event_id"`
		ID      string         `json:"id"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"webhook body is not valid JSON: %s", err.Error()).WithCause(err)
	}

	norm := &NormalizedEvent{Event: raw.Event, Data: raw.Data, EventID: raw.EventID}
	if norm.EventID == "" {
		norm.EventID = raw.ID
	}
	if norm.Data == nil {
		norm.Data = map[string]any{}
	}
	return norm, nil
}

// AdapterRegistry maps service names to adapters, falling back to the
// passthrough adapter for unknown services.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback Adapter
}

// NewAdapterRegistry creates a registry with the passthrough fallback.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		adapters: make(map[string]Adapter),
		fallback: passthroughAdapter{},
	}
}

// Register adds a service adapter. Returns error on duplicate service.
func (r *AdapterRegistry) Register(a Adapter) error {
	if a == nil || a.Service() == "" {
		return schema.NewError(schema.ErrCodeValidation, "adapter has no service name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.Service()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "adapter for %q already registered", a.Service())
	}
	r.adapters[a.Service()] = a
	return nil
}

// ForService returns the adapter for a service, or the passthrough.
func (r *AdapterRegistry) ForService(service string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.adapters[service]; ok {
		return a
	}
	return r.fallback
}
