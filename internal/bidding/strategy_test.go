package bidding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategyVariantsAndAliases(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		typ  string
	}{
		{"bid_cap", `{"type":"bid_cap","bid_amount":10}`, "bid_cap"},
		{"max_outcome_price alias", `{"type":"max_outcome_price","bid_amount":10}`, "bid_cap"},
		{"target_cost", `{"type":"target_cost","target_cost":5,"tolerance_percent":20}`, "target_cost"},
		{"cost_per_result alias", `{"type":"cost_per_result","target_cost":5}`, "target_cost"},
		{"roas_goal", `{"type":"roas_goal","target_roas":3}`, "roas_goal"},
		{"return_on_spend alias", `{"type":"return_on_spend","target_roas":3}`, "roas_goal"},
		{"highest_volume", `{"type":"highest_volume"}`, "highest_volume"},
		{"maximize_throughput alias", `{"type":"maximize_throughput"}`, "highest_volume"},
		{"minimize_cost", `{"type":"minimize_cost","volume_target":100}`, "minimize_cost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := ParseStrategy(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.typ, s.Type())
		})
	}
}

func TestParseStrategyRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"free_money"}`},
		{"missing type", `{"bid_amount":10}`},
		{"zero bid", `{"type":"bid_cap","bid_amount":0}`},
		{"negative target", `{"type":"target_cost","target_cost":-1}`},
		{"zero roas", `{"type":"roas_goal","target_roas":0}`},
		{"not json", `bid_cap`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseStrategy(tc.raw)
			assert.Error(t, err)
		})
	}
}

func TestBidCapGoalNormalization(t *testing.T) {
	s, err := ParseStrategy(`{"type":"bid_cap","bid_amount":10,"optimization_goal":"quality"}`)
	require.NoError(t, err)
	assert.Equal(t, GoalQuality, s.Goal())

	s, err = ParseStrategy(`{"type":"bid_cap","bid_amount":10,"optimization_goal":"nonsense"}`)
	require.NoError(t, err)
	assert.Equal(t, GoalCost, s.Goal())
}

func TestTargetCostCapAppliesAdjustment(t *testing.T) {
	s := TargetCost{TargetCost: 5.0, TolerancePercent: 20}
	assert.InDelta(t, 1.0, s.Tolerance(), 1e-9)

	// Trailing average of 5.20 against a 5.00 target tightens the cap.
	cap, err := s.Cap(Signals{CapAdjust: -0.2})
	require.NoError(t, err)
	assert.InDelta(t, 4.8, cap, 1e-9)
}

func TestROASGoalNeedsValueHistory(t *testing.T) {
	s := ROASGoal{TargetROAS: 4}
	_, err := s.Cap(Signals{})
	assert.ErrorIs(t, err, ErrInsufficientSignal)

	cap, err := s.Cap(Signals{HasValueHistory: true, AvgValue: 20})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, cap, 1e-9)
}

func TestVolumeStrategiesAreUncapped(t *testing.T) {
	for _, s := range []Strategy{HighestVolume{}, MinimizeCost{VolumeTarget: 10}} {
		cap, err := s.Cap(Signals{})
		require.NoError(t, err)
		assert.Zero(t, cap)
	}
}

func TestStrategyKeyStableAcrossRequests(t *testing.T) {
	raw := `{"type":"bid_cap","bid_amount":10}`
	s, err := ParseStrategy(raw)
	require.NoError(t, err)
	k1 := StrategyKey(s, raw)
	k2 := StrategyKey(s, raw)
	assert.Equal(t, k1, k2)
	assert.Contains(t, k1, "bid_cap:")

	other := StrategyKey(s, `{"type":"bid_cap","bid_amount":11}`)
	assert.NotEqual(t, k1, other)
}
