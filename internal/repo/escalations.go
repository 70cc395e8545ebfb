package repo

import (
	"context"
	"database/sql"

	"outcomedesk/internal/domain"
)

const escalationCols = `handoff_id,request_id,trigger_type,destination_json,payload_json,work_completed_percent,status,dispatch_attempts,last_error,created_at,updated_at`

func (r Repo) InsertEscalationCase(ctx context.Context, tx *sql.Tx, c domain.EscalationCase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escalation_cases(`+escalationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.HandoffID, c.RequestID, c.Trigger, c.DestinationJSON, c.PayloadJSON,
		c.WorkCompletedPercent, c.Status, c.DispatchAttempts, nullableStringPtr(c.LastError),
		c.CreatedAt, c.UpdatedAt)
	return err
}

func scanEscalation(scan func(dest ...any) error) (domain.EscalationCase, error) {
	var c domain.EscalationCase
	var lastError sql.NullString
	err := scan(&c.HandoffID, &c.RequestID, &c.Trigger, &c.DestinationJSON, &c.PayloadJSON,
		&c.WorkCompletedPercent, &c.Status, &c.DispatchAttempts, &lastError, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.LastError = fromNull(lastError)
	return c, nil
}

func (r Repo) GetEscalationCase(ctx context.Context, handoffID string) (domain.EscalationCase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationCols+` FROM escalation_cases WHERE handoff_id=?`, handoffID)
	return scanEscalation(row.Scan)
}

func (r Repo) GetEscalationCaseTx(ctx context.Context, tx *sql.Tx, handoffID string) (domain.EscalationCase, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+escalationCols+` FROM escalation_cases WHERE handoff_id=?`, handoffID)
	return scanEscalation(row.Scan)
}

func (r Repo) GetEscalationForRequest(ctx context.Context, requestID string) (domain.EscalationCase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationCols+` FROM escalation_cases WHERE request_id=? ORDER BY created_at DESC LIMIT 1`, requestID)
	return scanEscalation(row.Scan)
}

// ListOpenEscalations feeds the dispatch loop; oldest cases go out first.
func (r Repo) ListOpenEscalations(ctx context.Context, limit int) ([]domain.EscalationCase, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+escalationCols+` FROM escalation_cases WHERE status='open' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationCase
	for rows.Next() {
		c, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateEscalationCase(ctx context.Context, tx *sql.Tx, c domain.EscalationCase) error {
	_, err := tx.ExecContext(ctx, `UPDATE escalation_cases
SET status=?, dispatch_attempts=?, last_error=?, updated_at=?
WHERE handoff_id=?`,
		c.Status, c.DispatchAttempts, nullableStringPtr(c.LastError), c.UpdatedAt, c.HandoffID)
	return err
}
