// Package bidding holds the bid-strategy union, candidate scoring and pacing
// curves used by the auction.
package bidding

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInsufficientSignal fires when a roas_goal strategy has no value
	// history to predict from.
	ErrInsufficientSignal = errors.New("insufficient signal for value prediction")
)

const (
	GoalCost    = "cost"
	GoalQuality = "quality"
	GoalSpeed   = "speed"
)

// BudgetSpec is the budget envelope a strategy carries. PeriodDays of zero
// falls back to the configured default.
type BudgetSpec struct {
	Total      float64    `json:"total,omitempty"`
	DailyCap   float64    `json:"daily_cap,omitempty"`
	PeriodDays int        `json:"period_days,omitempty"`
	Pacing     PacingSpec `json:"pacing,omitempty"`
}

type PacingSpec struct {
	Type string `json:"type,omitempty" enum:"even,accelerated,front_loaded,back_loaded"`
}

// Signals is the ledger-derived context a strategy caps against.
type Signals struct {
	TrailingAvgCost float64
	HasCostHistory  bool
	AvgValue        float64
	HasValueHistory bool
	CapAdjust       float64
}

// Strategy is a closed union: the five variants below are the only
// implementations and ParseStrategy is the only constructor.
type Strategy interface {
	Type() string
	Goal() string
	Budget() BudgetSpec
	// Cap returns the per-outcome price ceiling; zero means uncapped.
	Cap(sig Signals) (float64, error)
}

type BidCap struct {
	BidAmount        float64    `json:"bid_amount"`
	OptimizationGoal string     `json:"optimization_goal,omitempty"`
	BudgetSpec       BudgetSpec `json:"budget,omitempty"`
}

func (s BidCap) Type() string       { return "bid_cap" }
func (s BidCap) Goal() string       { return normalizeGoal(s.OptimizationGoal) }
func (s BidCap) Budget() BudgetSpec { return s.BudgetSpec }
func (s BidCap) Cap(Signals) (float64, error) {
	return s.BidAmount, nil
}

type TargetCost struct {
	TargetCost       float64    `json:"target_cost"`
	TolerancePercent float64    `json:"tolerance_percent,omitempty"`
	OptimizationGoal string     `json:"optimization_goal,omitempty"`
	BudgetSpec       BudgetSpec `json:"budget,omitempty"`
}

func (s TargetCost) Type() string       { return "target_cost" }
func (s TargetCost) Goal() string       { return normalizeGoal(s.OptimizationGoal) }
func (s TargetCost) Budget() BudgetSpec { return s.BudgetSpec }

// Cap applies the pacing adjustment computed by the ledger on top of the
// stated target, so a trailing average above target tightens the cap.
func (s TargetCost) Cap(sig Signals) (float64, error) {
	return s.TargetCost + sig.CapAdjust, nil
}

// Tolerance is the absolute cap-adjustment bound derived from
// tolerance_percent.
func (s TargetCost) Tolerance() float64 {
	return s.TargetCost * s.TolerancePercent / 100
}

type ROASGoal struct {
	TargetROAS float64    `json:"target_roas"`
	BudgetSpec BudgetSpec `json:"budget,omitempty"`
}

func (s ROASGoal) Type() string       { return "roas_goal" }
func (s ROASGoal) Goal() string       { return GoalCost }
func (s ROASGoal) Budget() BudgetSpec { return s.BudgetSpec }

// Cap is predicted value over target return. Without value history there is
// nothing to predict from and the match must fail.
func (s ROASGoal) Cap(sig Signals) (float64, error) {
	if !sig.HasValueHistory {
		return 0, ErrInsufficientSignal
	}
	if s.TargetROAS <= 0 {
		return 0, fmt.Errorf("roas_goal: target_roas must be positive")
	}
	return sig.AvgValue / s.TargetROAS, nil
}

type HighestVolume struct {
	BudgetSpec BudgetSpec `json:"budget,omitempty"`
}

func (s HighestVolume) Type() string                 { return "highest_volume" }
func (s HighestVolume) Goal() string                 { return GoalCost }
func (s HighestVolume) Budget() BudgetSpec           { return s.BudgetSpec }
func (s HighestVolume) Cap(Signals) (float64, error) { return 0, nil }

type MinimizeCost struct {
	VolumeTarget int        `json:"volume_target,omitempty"`
	BudgetSpec   BudgetSpec `json:"budget,omitempty"`
}

func (s MinimizeCost) Type() string                 { return "minimize_cost" }
func (s MinimizeCost) Goal() string                 { return GoalCost }
func (s MinimizeCost) Budget() BudgetSpec           { return s.BudgetSpec }
func (s MinimizeCost) Cap(Signals) (float64, error) { return 0, nil }

func normalizeGoal(goal string) string {
	switch goal {
	case GoalQuality, GoalSpeed:
		return goal
	default:
		return GoalCost
	}
}

// ParseStrategy decodes the tagged union. Aliases from the original bid
// vocabulary map onto the canonical types; anything else is rejected.
func ParseStrategy(raw string) (Strategy, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("bid strategy: %w", err)
	}
	switch envelope.Type {
	case "bid_cap", "max_outcome_price":
		var s BidCap
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, err
		}
		if s.BidAmount <= 0 {
			return nil, fmt.Errorf("bid_cap: bid_amount must be positive")
		}
		return s, nil
	case "target_cost", "cost_per_result":
		var s TargetCost
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, err
		}
		if s.TargetCost <= 0 {
			return nil, fmt.Errorf("target_cost: target_cost must be positive")
		}
		return s, nil
	case "roas_goal", "return_on_spend":
		var s ROASGoal
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, err
		}
		if s.TargetROAS <= 0 {
			return nil, fmt.Errorf("roas_goal: target_roas must be positive")
		}
		return s, nil
	case "highest_volume", "maximize_throughput":
		var s HighestVolume
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, err
		}
		return s, nil
	case "minimize_cost":
		var s MinimizeCost
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, err
		}
		return s, nil
	case "":
		return nil, fmt.Errorf("bid strategy: missing type")
	default:
		return nil, fmt.Errorf("bid strategy: unknown type %q", envelope.Type)
	}
}

// StrategyKey identifies one strategy instance for budget tracking: the
// canonical type plus a digest of the raw strategy document, so two requests
// carrying byte-identical strategies share one budget state.
func StrategyKey(s Strategy, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return s.Type() + ":" + hex.EncodeToString(sum[:])[:12]
}
