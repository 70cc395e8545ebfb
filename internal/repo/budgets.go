package repo

import (
	"context"
	"database/sql"
	"errors"

	"outcomedesk/internal/domain"
)

// ErrBudgetExhausted is returned when a reservation would push spend past the
// effective cap.
var ErrBudgetExhausted = errors.New("budget exhausted")

const budgetCols = `buyer_id,strategy_key,total,daily_cap,spent_to_date,reserved,effective_cap,cost_sum,cost_count,value_sum,alert_level,paused_until,period_start,period_end,paced_at,cap_adjust,updated_at`

func (r Repo) InsertBudgetState(ctx context.Context, tx *sql.Tx, b domain.BudgetState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO budget_states(`+budgetCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.BuyerID, b.StrategyKey, b.Total, b.DailyCap, b.SpentToDate, b.Reserved, b.EffectiveCap,
		b.CostSum, b.CostCount, b.ValueSum, b.AlertLevel, nullableStringPtr(b.PausedUntil),
		b.PeriodStart, b.PeriodEnd, nullableStringPtr(b.PacedAt), b.CapAdjust, b.UpdatedAt)
	return err
}

func scanBudget(scan func(dest ...any) error) (domain.BudgetState, error) {
	var b domain.BudgetState
	var paused, paced sql.NullString
	err := scan(&b.BuyerID, &b.StrategyKey, &b.Total, &b.DailyCap, &b.SpentToDate, &b.Reserved, &b.EffectiveCap,
		&b.CostSum, &b.CostCount, &b.ValueSum, &b.AlertLevel, &paused,
		&b.PeriodStart, &b.PeriodEnd, &paced, &b.CapAdjust, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.PausedUntil = fromNull(paused)
	b.PacedAt = fromNull(paced)
	return b, nil
}

func (r Repo) GetBudgetState(ctx context.Context, buyerID, strategyKey string) (domain.BudgetState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+budgetCols+` FROM budget_states WHERE buyer_id=? AND strategy_key=?`, buyerID, strategyKey)
	return scanBudget(row.Scan)
}

func (r Repo) GetBudgetStateTx(ctx context.Context, tx *sql.Tx, buyerID, strategyKey string) (domain.BudgetState, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+budgetCols+` FROM budget_states WHERE buyer_id=? AND strategy_key=?`, buyerID, strategyKey)
	return scanBudget(row.Scan)
}

func (r Repo) ListBudgetStates(ctx context.Context, buyerID string) ([]domain.BudgetState, error) {
	var clauses []string
	var args []any
	if buyerID != "" {
		clauses = append(clauses, "buyer_id=?")
		args = append(args, buyerID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+budgetCols+` FROM budget_states `+whereClause(clauses)+` ORDER BY buyer_id, strategy_key`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BudgetState
	for rows.Next() {
		b, err := scanBudget(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ReserveBudget is the single conditional statement that makes reservations
// safe under concurrency: the guard repeats the cap check inside the UPDATE,
// so two racing reservations cannot both pass a stale read.
func (r Repo) ReserveBudget(ctx context.Context, tx *sql.Tx, buyerID, strategyKey string, amount float64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE budget_states
SET reserved = reserved + ?, updated_at = ?
WHERE buyer_id = ? AND strategy_key = ?
  AND spent_to_date + reserved + ? <= effective_cap
  AND (paused_until IS NULL OR paused_until <= ?)`,
		amount, updatedAt, buyerID, strategyKey, amount, updatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBudgetExhausted
	}
	return nil
}

// CommitBudget moves a reserved amount into spend and folds the realized cost
// into the trailing averages.
func (r Repo) CommitBudget(ctx context.Context, tx *sql.Tx, buyerID, strategyKey string, reserved, spent float64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE budget_states
SET reserved = MAX(0, reserved - ?), spent_to_date = spent_to_date + ?,
    cost_sum = cost_sum + ?, cost_count = cost_count + 1, updated_at = ?
WHERE buyer_id = ? AND strategy_key = ?`,
		reserved, spent, spent, updatedAt, buyerID, strategyKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ReleaseBudget(ctx context.Context, tx *sql.Tx, buyerID, strategyKey string, amount float64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE budget_states
SET reserved = MAX(0, reserved - ?), updated_at = ?
WHERE buyer_id = ? AND strategy_key = ?`,
		amount, updatedAt, buyerID, strategyKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RecordBudgetValue(ctx context.Context, tx *sql.Tx, buyerID, strategyKey string, value float64, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE budget_states SET value_sum = value_sum + ?, updated_at = ? WHERE buyer_id = ? AND strategy_key = ?`,
		value, updatedAt, buyerID, strategyKey)
	return err
}

// UpdateBudgetPacing writes the fields the pacing recalculation owns.
func (r Repo) UpdateBudgetPacing(ctx context.Context, tx *sql.Tx, b domain.BudgetState) error {
	_, err := tx.ExecContext(ctx, `UPDATE budget_states
SET effective_cap=?, alert_level=?, paused_until=?, paced_at=?, cap_adjust=?, period_start=?, period_end=?, updated_at=?
WHERE buyer_id=? AND strategy_key=?`,
		b.EffectiveCap, b.AlertLevel, nullableStringPtr(b.PausedUntil), nullableStringPtr(b.PacedAt),
		b.CapAdjust, b.PeriodStart, b.PeriodEnd, b.UpdatedAt, b.BuyerID, b.StrategyKey)
	return err
}

func (r Repo) InsertReservation(ctx context.Context, tx *sql.Tx, res domain.Reservation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reservations(reservation_id,buyer_id,strategy_key,amount,status,created_at) VALUES (?,?,?,?,?,?)`,
		res.ReservationID, res.BuyerID, res.StrategyKey, res.Amount, res.Status, res.CreatedAt)
	return err
}

func (r Repo) GetReservationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Reservation, error) {
	var res domain.Reservation
	err := tx.QueryRowContext(ctx, `SELECT reservation_id,buyer_id,strategy_key,amount,status,created_at FROM reservations WHERE reservation_id=?`, id).
		Scan(&res.ReservationID, &res.BuyerID, &res.StrategyKey, &res.Amount, &res.Status, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	return res, err
}

// SettleReservation flips a reservation out of the reserved state exactly
// once; a second settle attempt reports ErrNotFound.
func (r Repo) SettleReservation(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE reservations SET status=? WHERE reservation_id=? AND status='reserved'`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
