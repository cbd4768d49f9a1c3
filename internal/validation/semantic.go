package validation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

// CapabilityLookup answers capability questions during validation.
// Satisfied by *provider.Registry (avoids import cycle).
type CapabilityLookup interface {
	Has(name string) bool
	Sensitive(capability, action string) bool
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: step-id uniqueness, capability registration, trigger required
// fields per type (including cron/timezone parseability), and policy
// presence whenever any step's capability+action is sensitive.
func validateSemantic(def *schema.WorkflowDefinition, lookup CapabilityLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]int, len(def.Steps))
	hasSensitive := false

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if prev, dup := seen[step.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first used at steps[%d])", step.ID, prev))
		} else {
			seen[step.ID] = i
		}

		if lookup != nil {
			if !lookup.Has(step.Capability) {
				result.AddError(path+".capability", schema.ErrCodeValidation,
					fmt.Sprintf("capability %q not registered", step.Capability))
			} else if lookup.Sensitive(step.Capability, step.Action) {
				hasSensitive = true
			}
		}

		if step.OnError != "" && step.OnError != schema.ErrorModeStop && step.OnError != schema.ErrorModeContinue {
			result.AddError(path+".on_error", schema.ErrCodeValidation,
				fmt.Sprintf("unknown on_error mode %q (expected stop or continue)", step.OnError))
		}
	}

	for i := range def.Triggers {
		validateTrigger(&def.Triggers[i], fmt.Sprintf("triggers[%d]", i), result)
	}

	if hasSensitive && def.Policy == nil {
		result.AddError("policy", schema.ErrCodeValidation,
			"workflow uses a sensitive capability but declares no policy")
	}

	return result
}

// validateTrigger checks the required fields for each trigger type.
func validateTrigger(t *schema.TriggerDefinition, path string, result *schema.ValidationResult) {
	switch t.Type {
	case schema.TriggerTypeWebhook:
		if t.Service == "" {
			result.AddError(path+".service", schema.ErrCodeValidation,
				"webhook trigger requires a service")
		}
		if t.Event == "" {
			result.AddError(path+".event", schema.ErrCodeValidation,
				"webhook trigger requires an event")
		}
		if t.Schedule != nil {
			result.AddWarning(path+".schedule", schema.ErrCodeValidation,
				"schedule is ignored for webhook triggers")
		}

	case schema.TriggerTypeSchedule:
		if t.Schedule == nil {
			result.AddError(path+".schedule", schema.ErrCodeValidation,
				"schedule trigger requires a schedule spec")
			return
		}
		if _, err := cronParser.Parse(t.Schedule.Cron); err != nil {
			result.AddError(path+".schedule.cron", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %s", t.Schedule.Cron, err.Error()))
		}
		if t.Schedule.Timezone != "" {
			if _, err := time.LoadLocation(t.Schedule.Timezone); err != nil {
				result.AddError(path+".schedule.timezone", schema.ErrCodeValidation,
					fmt.Sprintf("unknown timezone %q", t.Schedule.Timezone))
			}
		}

	case schema.TriggerTypeManual:
		// No required fields.

	default:
		result.AddError(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown trigger type %q", t.Type))
	}
}
