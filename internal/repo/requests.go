package repo

import (
	"context"
	"database/sql"

	"outcomedesk/internal/domain"
)

const requestCols = `request_id,buyer_id,outcome_type,verification_model,correlation_id,success_criteria_json,delivery_constraints_json,escalation_policy_json,bid_strategy_json,guarantee_terms_json,execution_preferences_json,status,created_at,updated_at`

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.OutcomeRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.RequestID, req.BuyerID, req.OutcomeType, req.VerificationModel, nullableStringPtr(req.CorrelationID),
		nullableStringPtr(req.SuccessCriteriaJSON), nullableStringPtr(req.DeliveryConstraintsJSON),
		nullableStringPtr(req.EscalationPolicyJSON), req.BidStrategyJSON, nullableStringPtr(req.GuaranteeTermsJSON),
		nullableStringPtr(req.ExecutionPreferencesJSON), req.Status, req.CreatedAt, req.UpdatedAt)
	return err
}

func scanRequest(scan func(dest ...any) error) (domain.OutcomeRequest, error) {
	var req domain.OutcomeRequest
	var correlation, criteria, constraints, policy, terms, prefs sql.NullString
	err := scan(&req.RequestID, &req.BuyerID, &req.OutcomeType, &req.VerificationModel, &correlation,
		&criteria, &constraints, &policy, &req.BidStrategyJSON, &terms, &prefs,
		&req.Status, &req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.CorrelationID = fromNull(correlation)
	req.SuccessCriteriaJSON = fromNull(criteria)
	req.DeliveryConstraintsJSON = fromNull(constraints)
	req.EscalationPolicyJSON = fromNull(policy)
	req.GuaranteeTermsJSON = fromNull(terms)
	req.ExecutionPreferencesJSON = fromNull(prefs)
	return req, nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.OutcomeRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE request_id=?`, id)
	return scanRequest(row.Scan)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.OutcomeRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE request_id=?`, id)
	return scanRequest(row.Scan)
}

func (r Repo) GetRequestByCorrelation(ctx context.Context, correlationID string) (domain.OutcomeRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE correlation_id=? ORDER BY created_at DESC LIMIT 1`, correlationID)
	return scanRequest(row.Scan)
}

// FindRequestFuzzy resolves the most recent request for a buyer and outcome
// type created inside a time window; used as the last-resort event match.
func (r Repo) FindRequestFuzzy(ctx context.Context, buyerID, outcomeType, notBefore string) (domain.OutcomeRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE buyer_id=? AND outcome_type=? AND created_at>=? ORDER BY created_at DESC LIMIT 1`,
		buyerID, outcomeType, notBefore)
	return scanRequest(row.Scan)
}

func (r Repo) UpdateRequestStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, updated_at=? WHERE request_id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type RequestFilters struct {
	BuyerID         string
	Status          string
	OutcomeType     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.OutcomeRequest, error) {
	var clauses []string
	var args []any
	if f.BuyerID != "" {
		clauses = append(clauses, "buyer_id=?")
		args = append(args, f.BuyerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OutcomeType != "" {
		clauses = append(clauses, "outcome_type=?")
		args = append(args, f.OutcomeType)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND request_id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + requestCols + ` FROM requests ` + whereClause(clauses) + ` ORDER BY created_at DESC, request_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutcomeRequest
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) CountRequestsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
