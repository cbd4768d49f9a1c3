package trigger

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun normalizes a schedule spec into the next firing instant after
// from, evaluated in the spec's timezone (UTC when unset). Registration
// stores this instant as the schedule handle; the poll loop fires and
// re-derives it.
func NextRun(spec *schema.ScheduleSpec, from time.Time) (time.Time, error) {
	if spec == nil {
		return time.Time{}, schema.NewError(schema.ErrCodeValidation, "schedule spec is nil")
	}

	sched, err := scheduleParser.Parse(spec.Cron)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"parse cron expression %q: %s", spec.Cron, err.Error()).WithCause(err)
	}

	loc := time.UTC
	if spec.Timezone != "" {
		loc, err = time.LoadLocation(spec.Timezone)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown timezone %q", spec.Timezone).WithCause(err)
		}
	}

	return sched.Next(from.In(loc)).UTC(), nil
}

// SchedulePayload builds the canonical trigger payload for one firing.
func SchedulePayload(reg *RegistrationInfo, firedAt time.Time) schema.TriggerPayload {
	return schema.TriggerPayload{
		Event: "schedule.tick",
		Data: map[string]any{
			"fired_at": firedAt.UTC().Format(time.RFC3339),
			"cron":     reg.Cron,
			"timezone": reg.Timezone,
		},
	}
}

// ScheduleIdempotencyKey deduplicates a firing instant per registration
// so a crashed-and-recovered poll loop cannot double-run one tick.
func ScheduleIdempotencyKey(registrationID string, due time.Time) string {
	return fmt.Sprintf("sched:%s:%d", registrationID, due.UTC().Unix())
}

// RegistrationInfo is the slice of a registration the schedule helpers
// need, kept narrow so they stay independent of the store types.
type RegistrationInfo struct {
	Cron     string
	Timezone string
}
