// Package escalate implements the escalation controller: trigger evaluation,
// case creation with partial billing, and dispatch to handoff destinations.
package escalate

import (
	"strconv"
	"strings"

	"outcomedesk/internal/domain"
)

// Trigger priority, highest first. When several triggers fire at once the
// earliest entry wins, which keeps escalation deterministic.
var triggerPriority = []string{
	"policy_violation",
	"out_of_scope",
	"explicit_request",
	"confidence_threshold",
	"max_attempts",
	"timeout",
}

// Signal carries the delivery-time observations triggers are evaluated
// against.
type Signal struct {
	Confidence      *float64
	Attempts        int
	ElapsedSeconds  int
	BuyerText       string
	PolicyViolation bool
	OutOfScope      bool
	Data            map[string]any
}

// Evaluate checks every configured trigger against the signal and returns the
// winning trigger by priority order. The second return is false when nothing
// fired.
func Evaluate(policy domain.EscalationPolicy, sig Signal) (domain.EscalationTriggerConfig, bool) {
	fired := map[string]domain.EscalationTriggerConfig{}
	for _, t := range policy.Triggers {
		if _, seen := fired[t.Type]; seen {
			continue
		}
		if triggerFires(t, sig) {
			fired[t.Type] = t
		}
	}
	for _, typ := range triggerPriority {
		if t, ok := fired[typ]; ok {
			return t, true
		}
	}
	return domain.EscalationTriggerConfig{}, false
}

// TimeoutDue reports whether a timeout trigger in the policy has elapsed.
// Unlike Evaluate it needs no delivery-time signals, so the background
// monitor can run it on wall clock alone.
func TimeoutDue(policy domain.EscalationPolicy, elapsedSeconds int) (domain.EscalationTriggerConfig, bool) {
	for _, t := range policy.Triggers {
		if t.Type == "timeout" && triggerFires(t, Signal{ElapsedSeconds: elapsedSeconds}) {
			return t, true
		}
	}
	return domain.EscalationTriggerConfig{}, false
}

func triggerFires(t domain.EscalationTriggerConfig, sig Signal) bool {
	switch t.Type {
	case "confidence_threshold":
		return sig.Confidence != nil && *sig.Confidence < t.Threshold
	case "max_attempts":
		return t.Attempts > 0 && sig.Attempts >= t.Attempts
	case "timeout":
		return t.TimeoutSeconds > 0 && sig.ElapsedSeconds >= t.TimeoutSeconds
	case "explicit_request":
		return matchesAnyPattern(t.Patterns, sig.BuyerText)
	case "policy_violation":
		return sig.PolicyViolation || anyConditionHolds(t.Conditions, sig.Data)
	case "out_of_scope":
		return sig.OutOfScope || anyConditionHolds(t.Conditions, sig.Data)
	default:
		return false
	}
}

func matchesAnyPattern(patterns []string, text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// anyConditionHolds evaluates predicate strings of the form "field op value"
// (op one of > >= < <= == !=) or a bare "field" treated as a boolean flag,
// against the signal's data map. Unknown fields and malformed predicates are
// false.
func anyConditionHolds(conditions []string, data map[string]any) bool {
	for _, cond := range conditions {
		if conditionHolds(cond, data) {
			return true
		}
	}
	return false
}

func conditionHolds(cond string, data map[string]any) bool {
	fields := strings.Fields(strings.TrimSpace(cond))
	if len(fields) == 0 || data == nil {
		return false
	}
	if len(fields) == 1 {
		b, ok := data[fields[0]].(bool)
		return ok && b
	}
	if len(fields) != 3 {
		return false
	}
	left, ok := numericValue(data[fields[0]])
	if !ok {
		if fields[1] == "==" || fields[1] == "!=" {
			s, sok := data[fields[0]].(string)
			return sok && (s == fields[2]) == (fields[1] == "==")
		}
		return false
	}
	right, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return false
	}
	switch fields[1] {
	case ">":
		return left > right
	case ">=":
		return left >= right
	case "<":
		return left < right
	case "<=":
		return left <= right
	case "==":
		return left == right
	case "!=":
		return left != right
	default:
		return false
	}
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// BilledAmount computes what the buyer owes for partially completed work at
// handoff time.
func BilledAmount(pb domain.PartialBilling, workCompletedPercent, price float64) float64 {
	switch pb.Model {
	case "percentage_complete":
		if workCompletedPercent < 0 {
			workCompletedPercent = 0
		}
		if workCompletedPercent > 100 {
			workCompletedPercent = 100
		}
		return price * workCompletedPercent / 100
	case "fixed_triage_fee":
		return pb.TriageFee
	default:
		return 0
	}
}
