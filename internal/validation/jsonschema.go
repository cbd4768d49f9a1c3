package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowcore.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps", "triggers"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "policy": { "$ref": "#/$defs/policy" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "triggers": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/trigger" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "capability", "action"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "capability": {
          "type": "string",
          "minLength": 1
        },
        "action": {
          "type": "string",
          "minLength": 1
        },
        "params": {},
        "condition": { "type": "string" },
        "on_error": {
          "type": "string",
          "enum": ["stop", "continue"]
        }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["webhook", "schedule", "manual"]
        },
        "service": { "type": "string" },
        "event": { "type": "string" },
        "schedule": { "$ref": "#/$defs/schedule" }
      },
      "additionalProperties": false
    },
    "schedule": {
      "type": "object",
      "required": ["cron"],
      "properties": {
        "cron": {
          "type": "string",
          "minLength": 1
        },
        "timezone": { "type": "string" }
      },
      "additionalProperties": false
    },
    "policy": {
      "type": "object",
      "properties": {
        "max_amount": {
          "type": "number",
          "minimum": 0
        },
        "allowed_destinations": {
          "type": "array",
          "items": { "type": "string" }
        },
        "period_limit": {
          "type": "number",
          "minimum": 0
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates workflow definitions structurally using
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://flowcore.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://flowcore.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{workflowSchema: wfSchema}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError
// carrying every leaf violation so the caller can fix them all at once.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
