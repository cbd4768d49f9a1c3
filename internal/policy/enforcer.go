// Package policy gates sensitive steps against a workflow's declared
// safety policy. Evaluation is a pure function so it can be enforced
// independently of any natural-language layer, and decisions are never
// cached: cumulative spend changes between evaluations.
package policy

import (
	"fmt"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

// Request is the resolved view of a sensitive step the enforcer sees.
type Request struct {
	StepID      string
	Amount      float64
	HasAmount   bool
	Destination string
}

// RunningTotals carries period-scoped state derived from prior
// execution records. It is computed by the caller, never stored on the
// policy itself.
type RunningTotals struct {
	PeriodSpend float64
}

// Evaluate checks a sensitive step against the policy. Checks run in
// order and the first failure short-circuits with a reason:
//  1. amount <= max_amount
//  2. destination in allowed_destinations (empty list denies all)
//  3. period spend + amount <= period_limit
func Evaluate(req Request, pol *schema.Policy, totals RunningTotals) schema.PolicyDecision {
	if pol == nil {
		return schema.PolicyDecision{
			Allowed: false,
			Reason:  "no policy declared for sensitive step",
		}
	}

	if pol.MaxAmount > 0 && req.HasAmount && req.Amount > pol.MaxAmount {
		return schema.PolicyDecision{
			Allowed: false,
			Reason: fmt.Sprintf("amount %s exceeds max_amount %s",
				formatAmount(req.Amount), formatAmount(pol.MaxAmount)),
		}
	}

	if !destinationAllowed(req.Destination, pol.AllowedDestinations) {
		if len(pol.AllowedDestinations) == 0 {
			return schema.PolicyDecision{
				Allowed: false,
				Reason:  "allowed_destinations is empty: all destinations denied",
			}
		}
		return schema.PolicyDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("destination %q not in allowed_destinations", req.Destination),
		}
	}

	if pol.PeriodLimit > 0 && req.HasAmount && totals.PeriodSpend+req.Amount > pol.PeriodLimit {
		return schema.PolicyDecision{
			Allowed: false,
			Reason: fmt.Sprintf("period spend %s + amount %s exceeds period_limit %s",
				formatAmount(totals.PeriodSpend), formatAmount(req.Amount), formatAmount(pol.PeriodLimit)),
		}
	}

	return schema.PolicyDecision{Allowed: true}
}

// destinationAllowed applies the allow-list. An empty list means "deny
// all sensitive steps of this kind", never "allow all". Steps without a
// destination parameter are not destination-constrained.
func destinationAllowed(destination string, allowed []string) bool {
	if destination == "" {
		return true
	}
	for _, d := range allowed {
		if d == destination {
			return true
		}
	}
	return false
}

func formatAmount(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

// ExtractRequest pulls the policy-relevant fields from resolved step
// parameters. Conventional keys: "amount" (number) and one of
// "destination"/"to"/"recipient".
func ExtractRequest(stepID string, params map[string]any) Request {
	req := Request{StepID: stepID}

	if raw, ok := params["amount"]; ok {
		switch v := raw.(type) {
		case float64:
			req.Amount = v
			req.HasAmount = true
		case int:
			req.Amount = float64(v)
			req.HasAmount = true
		case int64:
			req.Amount = float64(v)
			req.HasAmount = true
		}
	}

	for _, key := range []string{"destination", "to", "recipient"} {
		if v, ok := params[key].(string); ok && v != "" {
			req.Destination = v
			break
		}
	}

	return req
}
