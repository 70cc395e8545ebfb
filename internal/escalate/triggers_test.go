package escalate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcomedesk/internal/domain"
)

func floatPtr(f float64) *float64 { return &f }

func TestEvaluatePriorityOrder(t *testing.T) {
	policy := domain.EscalationPolicy{
		Triggers: []domain.EscalationTriggerConfig{
			{Type: "timeout", TimeoutSeconds: 60},
			{Type: "policy_violation"},
			{Type: "confidence_threshold", Threshold: 0.7},
		},
	}
	// All three fire; policy_violation outranks the rest.
	sig := Signal{
		Confidence:      floatPtr(0.5),
		ElapsedSeconds:  120,
		PolicyViolation: true,
	}
	trig, ok := Evaluate(policy, sig)
	require.True(t, ok)
	assert.Equal(t, "policy_violation", trig.Type)

	// Without the violation, confidence outranks timeout.
	sig.PolicyViolation = false
	trig, ok = Evaluate(policy, sig)
	require.True(t, ok)
	assert.Equal(t, "confidence_threshold", trig.Type)
}

func TestEvaluateNothingFires(t *testing.T) {
	policy := domain.EscalationPolicy{
		Triggers: []domain.EscalationTriggerConfig{
			{Type: "confidence_threshold", Threshold: 0.5},
			{Type: "max_attempts", Attempts: 3},
		},
	}
	_, ok := Evaluate(policy, Signal{Confidence: floatPtr(0.9), Attempts: 1})
	assert.False(t, ok)
}

func TestTimeoutDue(t *testing.T) {
	policy := domain.EscalationPolicy{
		Triggers: []domain.EscalationTriggerConfig{
			{Type: "confidence_threshold", Threshold: 0.7},
			{Type: "timeout", TimeoutSeconds: 60},
		},
	}
	_, due := TimeoutDue(policy, 59)
	assert.False(t, due)

	trig, due := TimeoutDue(policy, 60)
	require.True(t, due)
	assert.Equal(t, "timeout", trig.Type)

	// No timeout trigger configured, nothing is ever due.
	_, due = TimeoutDue(domain.EscalationPolicy{
		Triggers: []domain.EscalationTriggerConfig{{Type: "confidence_threshold", Threshold: 0.5}},
	}, 100000)
	assert.False(t, due)
}

func TestTriggerFiresPerType(t *testing.T) {
	assert.True(t, triggerFires(domain.EscalationTriggerConfig{Type: "confidence_threshold", Threshold: 0.7}, Signal{Confidence: floatPtr(0.6)}))
	assert.False(t, triggerFires(domain.EscalationTriggerConfig{Type: "confidence_threshold", Threshold: 0.7}, Signal{}))

	assert.True(t, triggerFires(domain.EscalationTriggerConfig{Type: "max_attempts", Attempts: 3}, Signal{Attempts: 3}))
	assert.False(t, triggerFires(domain.EscalationTriggerConfig{Type: "max_attempts", Attempts: 3}, Signal{Attempts: 2}))

	assert.True(t, triggerFires(domain.EscalationTriggerConfig{Type: "timeout", TimeoutSeconds: 60}, Signal{ElapsedSeconds: 61}))

	assert.True(t, triggerFires(domain.EscalationTriggerConfig{Type: "explicit_request", Patterns: []string{"talk to a human"}}, Signal{BuyerText: "Please can I TALK TO A HUMAN now"}))
	assert.False(t, triggerFires(domain.EscalationTriggerConfig{Type: "explicit_request", Patterns: []string{"talk to a human"}}, Signal{BuyerText: "all good"}))
}

func TestConditionPredicates(t *testing.T) {
	data := map[string]any{
		"refund_amount": 120.0,
		"region":        "eu",
		"flagged":       true,
	}
	assert.True(t, conditionHolds("refund_amount > 100", data))
	assert.False(t, conditionHolds("refund_amount > 200", data))
	assert.True(t, conditionHolds("region == eu", data))
	assert.True(t, conditionHolds("region != us", data))
	assert.True(t, conditionHolds("flagged", data))
	assert.False(t, conditionHolds("missing_field", data))
	assert.False(t, conditionHolds("refund_amount >", data))
	assert.False(t, conditionHolds("", data))
}

func TestBilledAmount(t *testing.T) {
	pct := domain.PartialBilling{Model: "percentage_complete"}
	assert.InDelta(t, 4.0, BilledAmount(pct, 40, 10), 1e-9)
	assert.InDelta(t, 0.0, BilledAmount(pct, -5, 10), 1e-9)
	assert.InDelta(t, 10.0, BilledAmount(pct, 150, 10), 1e-9)

	fee := domain.PartialBilling{Model: "fixed_triage_fee", TriageFee: 2.5}
	assert.InDelta(t, 2.5, BilledAmount(fee, 90, 10), 1e-9)

	assert.Zero(t, BilledAmount(domain.PartialBilling{Model: "none"}, 90, 10))
	assert.Zero(t, BilledAmount(domain.PartialBilling{}, 90, 10))
}
