package validation

import (
	"fmt"

	"github.com/bedah-kym/flowcore/internal/template"
	"github.com/bedah-kym/flowcore/pkg/schema"
)

// validateReferences checks that every template reference in a step's
// params or condition points at "trigger" or the output of a strictly
// preceding step. Steps are executed in declared order, so the
// reference graph is a DAG exactly when no step reaches forward (or at
// itself). Unknown roots are rejected outright.
func validateReferences(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	position := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		position[s.ID] = i
	}

	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		for _, ref := range template.ExtractRefsRaw(s.Params, s.Condition) {
			if ref == "trigger" {
				continue
			}
			refPos, known := position[ref]
			switch {
			case !known:
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q references unknown source %q (expected trigger or a step id)", s.ID, ref))
			case refPos == i:
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q references its own output", s.ID))
			case refPos > i:
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q references step %q which runs later", s.ID, ref))
			}
		}
	}

	return result
}
