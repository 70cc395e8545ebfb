package repo

import (
	"context"
	"database/sql"

	"outcomedesk/internal/domain"
)

const auditCols = `id,ts,type,request_id,entity_kind,entity_id,actor_id,payload_json`

func scanAuditEvent(scan func(dest ...any) error) (domain.AuditEvent, error) {
	var ev domain.AuditEvent
	var requestID, entityID sql.NullString
	err := scan(&ev.ID, &ev.TS, &ev.Type, &requestID, &ev.EntityKind, &entityID, &ev.ActorID, &ev.Payload)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if requestID.Valid {
		ev.RequestID = requestID.String
	}
	if entityID.Valid {
		ev.EntityID = entityID.String
	}
	return ev, nil
}

type AuditFilters struct {
	RequestID string
	Type      string
	AfterID   int64
	Limit     int
}

func (r Repo) ListAuditEvents(ctx context.Context, f AuditFilters) ([]domain.AuditEvent, error) {
	var clauses []string
	var args []any
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	query := `SELECT ` + auditCols + ` FROM audit_events ` + whereClause(clauses) + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		ev, err := scanAuditEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// LatestAuditID seeds a log follower so it only sees events appended after it
// started.
func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}
