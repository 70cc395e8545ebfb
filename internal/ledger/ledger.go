// Package ledger tracks per-buyer, per-strategy spend: reservations, commits,
// pacing and alert thresholds.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"outcomedesk/internal/bidding"
	"outcomedesk/internal/config"
	"outcomedesk/internal/domain"
	"outcomedesk/internal/events"
	"outcomedesk/internal/repo"
)

// ErrBudgetExhausted mirrors the repo sentinel for callers that never touch
// the repo directly.
var ErrBudgetExhausted = repo.ErrBudgetExhausted

type Ledger struct {
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) nowRFC() string {
	return l.now().UTC().Format(time.RFC3339)
}

// EnsureState loads the budget state for (buyer, strategy), creating it with
// defaults on first use, rolling the period over when it has ended, and
// re-running the pacing computation when the pacing interval has elapsed.
// All inside the caller's transaction so the auction sees a settled state.
func (l Ledger) EnsureState(ctx context.Context, tx *sql.Tx, buyerID string, strat bidding.Strategy, strategyKey string) (domain.BudgetState, error) {
	st, err := l.Repo.GetBudgetStateTx(ctx, tx, buyerID, strategyKey)
	if err == repo.ErrNotFound {
		st = l.freshState(buyerID, strategyKey, strat)
		if err := l.Repo.InsertBudgetState(ctx, tx, st); err != nil {
			return st, err
		}
		return st, nil
	}
	if err != nil {
		return st, err
	}

	now := l.now()
	if end, perr := time.Parse(time.RFC3339, st.PeriodEnd); perr == nil && now.After(end) {
		rolled := l.freshState(buyerID, strategyKey, strat)
		rolled.Reserved = st.Reserved
		if err := l.resetState(ctx, tx, rolled); err != nil {
			return st, err
		}
		return rolled, nil
	}

	if l.pacingDue(st) {
		st = l.repace(st, strat)
		if err := l.Repo.UpdateBudgetPacing(ctx, tx, st); err != nil {
			return st, err
		}
	}
	return st, nil
}

func (l Ledger) freshState(buyerID, strategyKey string, strat bidding.Strategy) domain.BudgetState {
	spec := strat.Budget()
	defaults := l.Config.Budgets.Defaults
	total := spec.Total
	if total <= 0 {
		total = defaults.Total
	}
	daily := spec.DailyCap
	if daily <= 0 {
		daily = defaults.DailyCap
	}
	periodDays := spec.PeriodDays
	if periodDays <= 0 {
		periodDays = defaults.PeriodDays
	}
	now := l.now().UTC()
	ts := now.Format(time.RFC3339)
	st := domain.BudgetState{
		BuyerID:     buyerID,
		StrategyKey: strategyKey,
		Total:       total,
		DailyCap:    daily,
		PeriodStart: ts,
		PeriodEnd:   now.AddDate(0, 0, periodDays).Format(time.RFC3339),
		PacedAt:     &ts,
		UpdatedAt:   ts,
	}
	st.EffectiveCap = l.effectiveCap(st, strat)
	return st
}

func (l Ledger) resetState(ctx context.Context, tx *sql.Tx, st domain.BudgetState) error {
	_, err := tx.ExecContext(ctx, `UPDATE budget_states
SET total=?, daily_cap=?, spent_to_date=0, reserved=?, effective_cap=?, cost_sum=0, cost_count=0,
    value_sum=0, alert_level=0, paused_until=NULL, period_start=?, period_end=?, paced_at=?, cap_adjust=0, updated_at=?
WHERE buyer_id=? AND strategy_key=?`,
		st.Total, st.DailyCap, st.Reserved, st.EffectiveCap,
		st.PeriodStart, st.PeriodEnd, nullableTime(st.PacedAt), st.UpdatedAt,
		st.BuyerID, st.StrategyKey)
	return err
}

func nullableTime(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func (l Ledger) pacingDue(st domain.BudgetState) bool {
	interval := l.Config.Budgets.PacingIntervalMinutes
	if interval <= 0 {
		interval = 60
	}
	if st.PacedAt == nil {
		return true
	}
	paced, err := time.Parse(time.RFC3339, *st.PacedAt)
	if err != nil {
		return true
	}
	return l.now().Sub(paced) >= time.Duration(interval)*time.Minute
}

// repace recomputes the effective cap from the pacing curve and, for
// target_cost strategies, the bounded cap adjustment that pulls the trailing
// average toward the goal.
func (l Ledger) repace(st domain.BudgetState, strat bidding.Strategy) domain.BudgetState {
	st.EffectiveCap = l.effectiveCap(st, strat)
	if tc, ok := strat.(bidding.TargetCost); ok && st.CostCount > 0 {
		trailing := st.CostSum / float64(st.CostCount)
		st.CapAdjust = bidding.Clamp(tc.TargetCost-trailing, tc.Tolerance())
	}
	ts := l.nowRFC()
	st.PacedAt = &ts
	st.UpdatedAt = ts
	return st
}

// effectiveCap releases the total budget along the pacing curve, floored by
// the daily cap so a fresh period is never starved.
func (l Ledger) effectiveCap(st domain.BudgetState, strat bidding.Strategy) float64 {
	start, err1 := time.Parse(time.RFC3339, st.PeriodStart)
	end, err2 := time.Parse(time.RFC3339, st.PeriodEnd)
	if err1 != nil || err2 != nil || !end.After(start) {
		return st.Total
	}
	elapsed := float64(l.now().Sub(start)) / float64(end.Sub(start))
	released := st.Total * bidding.PacingFraction(strat.Budget().Pacing.Type, elapsed)
	if released < st.DailyCap {
		released = st.DailyCap
	}
	if released > st.Total {
		released = st.Total
	}
	return released
}

// Signals derives the strategy inputs from the current state.
func Signals(st domain.BudgetState) bidding.Signals {
	sig := bidding.Signals{CapAdjust: st.CapAdjust}
	if st.CostCount > 0 {
		sig.HasCostHistory = true
		sig.TrailingAvgCost = st.CostSum / float64(st.CostCount)
	}
	if st.CostCount > 0 && st.ValueSum > 0 {
		sig.HasValueHistory = true
		sig.AvgValue = st.ValueSum / float64(st.CostCount)
	}
	return sig
}

// Paused reports whether a pause alert is still in force.
func (l Ledger) Paused(st domain.BudgetState) bool {
	if st.PausedUntil == nil {
		return false
	}
	until, err := time.Parse(time.RFC3339, *st.PausedUntil)
	if err != nil {
		return false
	}
	return l.now().Before(until)
}

// Reserve holds amount against the budget. The underlying conditional UPDATE
// re-checks the cap, so concurrent reservations cannot jointly exceed it.
func (l Ledger) Reserve(ctx context.Context, tx *sql.Tx, st domain.BudgetState, amount float64) (domain.Reservation, error) {
	ts := l.nowRFC()
	if err := l.Repo.ReserveBudget(ctx, tx, st.BuyerID, st.StrategyKey, amount, ts); err != nil {
		return domain.Reservation{}, err
	}
	res := domain.Reservation{
		ReservationID: "rsv_" + uuid.NewString(),
		BuyerID:       st.BuyerID,
		StrategyKey:   st.StrategyKey,
		Amount:        amount,
		Status:        "reserved",
		CreatedAt:     ts,
	}
	if err := l.Repo.InsertReservation(ctx, tx, res); err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

// Commit converts a reservation into spend and re-evaluates alert thresholds.
func (l Ledger) Commit(ctx context.Context, tx *sql.Tx, reservationID, actorID string) error {
	return l.commit(ctx, tx, reservationID, -1, actorID)
}

// CommitAmount settles a reservation for less than the reserved amount, e.g.
// partial billing at escalation handoff. The unspent remainder returns to the
// pool.
func (l Ledger) CommitAmount(ctx context.Context, tx *sql.Tx, reservationID string, spent float64, actorID string) error {
	if spent < 0 {
		spent = 0
	}
	return l.commit(ctx, tx, reservationID, spent, actorID)
}

func (l Ledger) commit(ctx context.Context, tx *sql.Tx, reservationID string, spent float64, actorID string) error {
	res, err := l.Repo.GetReservationTx(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if spent < 0 || spent > res.Amount {
		spent = res.Amount
	}
	if err := l.Repo.SettleReservation(ctx, tx, reservationID, "committed"); err != nil {
		return err
	}
	ts := l.nowRFC()
	if err := l.Repo.CommitBudget(ctx, tx, res.BuyerID, res.StrategyKey, res.Amount, spent, ts); err != nil {
		return err
	}
	return l.checkAlerts(ctx, tx, res.BuyerID, res.StrategyKey, actorID)
}

// Release returns a reservation to the pool, e.g. after a failed delivery.
func (l Ledger) Release(ctx context.Context, tx *sql.Tx, reservationID string) error {
	res, err := l.Repo.GetReservationTx(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if err := l.Repo.SettleReservation(ctx, tx, reservationID, "released"); err != nil {
		return err
	}
	return l.Repo.ReleaseBudget(ctx, tx, res.BuyerID, res.StrategyKey, res.Amount, l.nowRFC())
}

// RecordValue folds reported value into the state for ROAS strategies.
func (l Ledger) RecordValue(ctx context.Context, tx *sql.Tx, buyerID, strategyKey string, value float64) error {
	return l.Repo.RecordBudgetValue(ctx, tx, buyerID, strategyKey, value, l.nowRFC())
}

// checkAlerts walks the configured thresholds against committed spend and
// raises the alert level monotonically within a period. A pause action parks
// the strategy until the period boundary.
func (l Ledger) checkAlerts(ctx context.Context, tx *sql.Tx, buyerID, strategyKey, actorID string) error {
	st, err := l.Repo.GetBudgetStateTx(ctx, tx, buyerID, strategyKey)
	if err != nil {
		return err
	}
	if st.Total <= 0 {
		return nil
	}
	spentPct := int(st.SpentToDate / st.Total * 100)
	prev := st.AlertLevel
	for _, alert := range l.Config.Budgets.Alerts {
		if spentPct < alert.ThresholdPercent || alert.ThresholdPercent <= prev {
			continue
		}
		st.AlertLevel = alert.ThresholdPercent
		if alert.Action == "pause" {
			paused := st.PeriodEnd
			st.PausedUntil = &paused
		}
		if err := l.Events.Append(ctx, tx, "budget.alert", "", "budget", buyerID+"/"+strategyKey, actorID, events.EventPayload{
			"buyer_id":          buyerID,
			"strategy_key":      strategyKey,
			"threshold_percent": alert.ThresholdPercent,
			"action":            alert.Action,
			"spent_to_date":     st.SpentToDate,
			"total":             st.Total,
		}); err != nil {
			return err
		}
	}
	if st.AlertLevel == prev {
		return nil
	}
	st.UpdatedAt = l.nowRFC()
	return l.Repo.UpdateBudgetPacing(ctx, tx, st)
}

// ReduceBidsActive reports whether the reduce_bids alert is in force; the
// auction shaves its cap when it is.
func (l Ledger) ReduceBidsActive(st domain.BudgetState) bool {
	for _, alert := range l.Config.Budgets.Alerts {
		if alert.Action == "reduce_bids" && st.AlertLevel >= alert.ThresholdPercent {
			return true
		}
	}
	return false
}
