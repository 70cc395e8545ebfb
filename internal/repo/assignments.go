package repo

import (
	"context"
	"database/sql"

	"outcomedesk/internal/domain"
)

const assignmentCols = `request_id,engine_id,bid_price,effective_price,reservation_id,assigned_at`

// InsertAssignment relies on the primary key over request_id: a second
// assignment for the same request fails the insert, which is the
// no-double-booking guarantee.
func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.DeliveryAssignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentCols+`) VALUES (?,?,?,?,?,?)`,
		a.RequestID, a.EngineID, a.BidPrice, a.EffectivePrice, a.ReservationID, a.AssignedAt)
	return err
}

func scanAssignment(scan func(dest ...any) error) (domain.DeliveryAssignment, error) {
	var a domain.DeliveryAssignment
	err := scan(&a.RequestID, &a.EngineID, &a.BidPrice, &a.EffectivePrice, &a.ReservationID, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetAssignment(ctx context.Context, requestID string) (domain.DeliveryAssignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE request_id=?`, requestID)
	return scanAssignment(row.Scan)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, requestID string) (domain.DeliveryAssignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE request_id=?`, requestID)
	return scanAssignment(row.Scan)
}

const responseCols = `response_id,request_id,status,success_criteria_results_json,delivery_metrics_json,escalation_json,guarantee_json,created_at`

func (r Repo) InsertResponse(ctx context.Context, tx *sql.Tx, resp domain.DeliveryResponse) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO responses(`+responseCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		resp.ResponseID, resp.RequestID, resp.Status,
		nullableStringPtr(resp.SuccessCriteriaResultsJSON), nullableStringPtr(resp.DeliveryMetricsJSON),
		nullableStringPtr(resp.EscalationJSON), nullableStringPtr(resp.GuaranteeJSON), resp.CreatedAt)
	return err
}

func scanResponse(scan func(dest ...any) error) (domain.DeliveryResponse, error) {
	var resp domain.DeliveryResponse
	var results, metrics, escalation, guarantee sql.NullString
	err := scan(&resp.ResponseID, &resp.RequestID, &resp.Status, &results, &metrics, &escalation, &guarantee, &resp.CreatedAt)
	if err == sql.ErrNoRows {
		return resp, ErrNotFound
	}
	if err != nil {
		return resp, err
	}
	resp.SuccessCriteriaResultsJSON = fromNull(results)
	resp.DeliveryMetricsJSON = fromNull(metrics)
	resp.EscalationJSON = fromNull(escalation)
	resp.GuaranteeJSON = fromNull(guarantee)
	return resp, nil
}

func (r Repo) GetResponseForRequest(ctx context.Context, requestID string) (domain.DeliveryResponse, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+responseCols+` FROM responses WHERE request_id=? ORDER BY created_at DESC LIMIT 1`, requestID)
	return scanResponse(row.Scan)
}
