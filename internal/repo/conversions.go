package repo

import (
	"context"
	"database/sql"

	"outcomedesk/internal/domain"
)

const eventCols = `event_id,event_type,request_id,buyer_id,correlation_id,event_time,event_source_time,data_json,status,actions_triggered_json,match_attempts,processed_at,created_at`

// InsertConversionEvent relies on the primary key over event_id for dedupe;
// callers check for an existing row first and treat a constraint failure as a
// concurrent duplicate.
func (r Repo) InsertConversionEvent(ctx context.Context, tx *sql.Tx, ev domain.ConversionEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO conversion_events(`+eventCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.EventID, ev.EventType, nullableStringPtr(ev.RequestID), nullable(ev.BuyerID),
		nullableStringPtr(ev.CorrelationID), ev.EventTime, nullableStringPtr(ev.EventSourceTime),
		ev.DataJSON, ev.Status, ev.ActionsTriggeredJSON, ev.MatchAttempts,
		nullableStringPtr(ev.ProcessedAt), ev.CreatedAt)
	return err
}

func scanConversionEvent(scan func(dest ...any) error) (domain.ConversionEvent, error) {
	var ev domain.ConversionEvent
	var requestID, buyerID, correlationID, sourceTime, processedAt sql.NullString
	err := scan(&ev.EventID, &ev.EventType, &requestID, &buyerID, &correlationID,
		&ev.EventTime, &sourceTime, &ev.DataJSON, &ev.Status, &ev.ActionsTriggeredJSON,
		&ev.MatchAttempts, &processedAt, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	ev.RequestID = fromNull(requestID)
	if buyerID.Valid {
		ev.BuyerID = buyerID.String
	}
	ev.CorrelationID = fromNull(correlationID)
	ev.EventSourceTime = fromNull(sourceTime)
	ev.ProcessedAt = fromNull(processedAt)
	return ev, nil
}

func (r Repo) GetConversionEvent(ctx context.Context, eventID string) (domain.ConversionEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventCols+` FROM conversion_events WHERE event_id=?`, eventID)
	return scanConversionEvent(row.Scan)
}

func (r Repo) GetConversionEventTx(ctx context.Context, tx *sql.Tx, eventID string) (domain.ConversionEvent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventCols+` FROM conversion_events WHERE event_id=?`, eventID)
	return scanConversionEvent(row.Scan)
}

func (r Repo) ListEventsForRequest(ctx context.Context, requestID string) ([]domain.ConversionEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM conversion_events WHERE request_id=? ORDER BY COALESCE(event_source_time, event_time) ASC, event_id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListUnmatchedEvents feeds the match retry loop. Only events under the retry
// limit are returned; the rest are dead-lettered by the caller.
func (r Repo) ListUnmatchedEvents(ctx context.Context, maxAttempts, limit int) ([]domain.ConversionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM conversion_events WHERE status='unmatched' AND match_attempts < ? ORDER BY created_at ASC LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r Repo) ListExhaustedEvents(ctx context.Context, maxAttempts, limit int) ([]domain.ConversionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM conversion_events WHERE status='unmatched' AND match_attempts >= ? ORDER BY created_at ASC LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]domain.ConversionEvent, error) {
	var res []domain.ConversionEvent
	for rows.Next() {
		ev, err := scanConversionEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (r Repo) UpdateConversionEvent(ctx context.Context, tx *sql.Tx, ev domain.ConversionEvent) error {
	_, err := tx.ExecContext(ctx, `UPDATE conversion_events
SET request_id=?, status=?, actions_triggered_json=?, match_attempts=?, processed_at=?
WHERE event_id=?`,
		nullableStringPtr(ev.RequestID), ev.Status, ev.ActionsTriggeredJSON, ev.MatchAttempts,
		nullableStringPtr(ev.ProcessedAt), ev.EventID)
	return err
}

func (r Repo) InsertDeadLetter(ctx context.Context, tx *sql.Tx, dl domain.DeadLetter) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dead_letters(event_id,reason,payload_json,created_at) VALUES (?,?,?,?)`,
		dl.EventID, dl.Reason, dl.PayloadJSON, dl.CreatedAt)
	return err
}

func (r Repo) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,event_id,reason,payload_json,created_at FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.EventID, &dl.Reason, &dl.PayloadJSON, &dl.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, dl)
	}
	return res, rows.Err()
}
