// Package validation checks workflow definitions before activation:
// structural shape, semantics, and template reference ordering.
package validation

import "github.com/bedah-kym/flowcore/pkg/schema"

// WorkflowValidator orchestrates the three-stage validation pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (step ids, capabilities, triggers, policy presence)
//  3. References (template refs only to trigger or preceding steps)
type WorkflowValidator struct {
	jsonSchema   *JSONSchemaValidator
	capabilities CapabilityLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip capability existence checks.
func NewWorkflowValidator(lookup CapabilityLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema:   jsv,
		capabilities: lookup,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and reference stages are
// skipped because the definition's shape cannot be trusted.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.capabilities))
	result.Merge(validateReferences(def))

	return result
}

// ValidateDefinition returns an error form of Validate for callers that
// only care about pass/fail.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition,
// converting its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	flowErr, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if flowErr.Details != nil {
		if violations, ok := flowErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, flowErr.Message)
	return result
}
