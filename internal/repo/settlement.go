package repo

import (
	"context"
	"database/sql"

	"outcomedesk/internal/domain"
)

const guaranteeCols = `request_id,level,max_payout,paid_out,window_start,window_end,status,created_at,updated_at`

func (r Repo) InsertGuaranteeRecord(ctx context.Context, tx *sql.Tx, g domain.GuaranteeRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO guarantee_records(`+guaranteeCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		g.RequestID, g.Level, g.MaxPayout, g.PaidOut, g.WindowStart, g.WindowEnd, g.Status, g.CreatedAt, g.UpdatedAt)
	return err
}

func scanGuarantee(scan func(dest ...any) error) (domain.GuaranteeRecord, error) {
	var g domain.GuaranteeRecord
	err := scan(&g.RequestID, &g.Level, &g.MaxPayout, &g.PaidOut, &g.WindowStart, &g.WindowEnd, &g.Status, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) GetGuaranteeRecord(ctx context.Context, requestID string) (domain.GuaranteeRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+guaranteeCols+` FROM guarantee_records WHERE request_id=?`, requestID)
	return scanGuarantee(row.Scan)
}

func (r Repo) GetGuaranteeRecordTx(ctx context.Context, tx *sql.Tx, requestID string) (domain.GuaranteeRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+guaranteeCols+` FROM guarantee_records WHERE request_id=?`, requestID)
	return scanGuarantee(row.Scan)
}

func (r Repo) UpdateGuaranteeRecord(ctx context.Context, tx *sql.Tx, g domain.GuaranteeRecord) error {
	_, err := tx.ExecContext(ctx, `UPDATE guarantee_records SET paid_out=?, status=?, updated_at=? WHERE request_id=?`,
		g.PaidOut, g.Status, g.UpdatedAt, g.RequestID)
	return err
}

// ListExpirableGuarantees returns active records whose window ended at or
// before the cutoff; consumed by the expiry sweep.
func (r Repo) ListExpirableGuarantees(ctx context.Context, cutoff string, limit int) ([]domain.GuaranteeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+guaranteeCols+` FROM guarantee_records WHERE status='active' AND window_end<=? ORDER BY window_end ASC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GuaranteeRecord
	for rows.Next() {
		g, err := scanGuarantee(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

const claimCols = `claim_id,request_id,claim_type,requested_amount,approved_amount,status,created_at,updated_at`

func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	var approved any
	if c.ApprovedAmount != nil {
		approved = *c.ApprovedAmount
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO claims(`+claimCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		c.ClaimID, c.RequestID, c.ClaimType, c.RequestedAmount, approved, c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}

func scanClaim(scan func(dest ...any) error) (domain.Claim, error) {
	var c domain.Claim
	var approved sql.NullFloat64
	err := scan(&c.ClaimID, &c.RequestID, &c.ClaimType, &c.RequestedAmount, &approved, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if approved.Valid {
		v := approved.Float64
		c.ApprovedAmount = &v
	}
	return c, nil
}

func (r Repo) GetClaim(ctx context.Context, claimID string) (domain.Claim, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+claimCols+` FROM claims WHERE claim_id=?`, claimID)
	return scanClaim(row.Scan)
}

func (r Repo) GetClaimTx(ctx context.Context, tx *sql.Tx, claimID string) (domain.Claim, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+claimCols+` FROM claims WHERE claim_id=?`, claimID)
	return scanClaim(row.Scan)
}

func (r Repo) ListClaimsForRequest(ctx context.Context, requestID string) ([]domain.Claim, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+claimCols+` FROM claims WHERE request_id=? ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	var approved any
	if c.ApprovedAmount != nil {
		approved = *c.ApprovedAmount
	}
	_, err := tx.ExecContext(ctx, `UPDATE claims SET approved_amount=?, status=?, updated_at=? WHERE claim_id=?`,
		approved, c.Status, c.UpdatedAt, c.ClaimID)
	return err
}

// SumApprovedPayouts totals prior approved amounts for a guarantee record,
// used to cap a new payout.
func (r Repo) SumApprovedPayouts(ctx context.Context, tx *sql.Tx, requestID string) (float64, error) {
	var sum float64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(approved_amount),0) FROM claims WHERE request_id=? AND status='approved'`, requestID).Scan(&sum)
	return sum, err
}

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.Evidence) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence(evidence_id,claim_id,kind,content_type,body,submitted_at) VALUES (?,?,?,?,?,?)`,
		ev.EvidenceID, ev.ClaimID, nullable(ev.Kind), nullable(ev.ContentType), nullable(ev.Body), ev.SubmittedAt)
	return err
}

func (r Repo) ListEvidence(ctx context.Context, claimID string) ([]domain.Evidence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT evidence_id,claim_id,kind,content_type,body,submitted_at FROM evidence WHERE claim_id=? ORDER BY submitted_at ASC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		var ev domain.Evidence
		var kind, contentType, body sql.NullString
		if err := rows.Scan(&ev.EvidenceID, &ev.ClaimID, &kind, &contentType, &body, &ev.SubmittedAt); err != nil {
			return nil, err
		}
		if kind.Valid {
			ev.Kind = kind.String
		}
		if contentType.Valid {
			ev.ContentType = contentType.String
		}
		if body.Valid {
			ev.Body = body.String
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
