package repo

import (
	"context"
	"database/sql"

	"outcomedesk/internal/domain"
)

const engineCols = `engine_id,name,model,harness,vendor,capabilities_json,quality_score,p95_latency_ms,cost_profile_json,active,created_at,updated_at`

func scanEngine(scan func(dest ...any) error) (domain.ExecutionEngine, error) {
	var e domain.ExecutionEngine
	var name, vendor sql.NullString
	var active int
	err := scan(&e.EngineID, &name, &e.Model, &e.Harness, &vendor, &e.CapabilitiesJSON,
		&e.QualityScore, &e.P95LatencyMS, &e.CostProfileJSON, &active, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if name.Valid {
		e.Name = name.String
	}
	if vendor.Valid {
		e.Vendor = vendor.String
	}
	e.Active = active != 0
	return e, nil
}

func (r Repo) UpsertEngine(ctx context.Context, tx *sql.Tx, e domain.ExecutionEngine) error {
	active := 0
	if e.Active {
		active = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO engines(`+engineCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(engine_id) DO UPDATE SET name=excluded.name, model=excluded.model, harness=excluded.harness,
vendor=excluded.vendor, capabilities_json=excluded.capabilities_json, p95_latency_ms=excluded.p95_latency_ms,
cost_profile_json=excluded.cost_profile_json, active=excluded.active, updated_at=excluded.updated_at`,
		e.EngineID, nullable(e.Name), e.Model, e.Harness, nullable(e.Vendor), e.CapabilitiesJSON,
		e.QualityScore, e.P95LatencyMS, e.CostProfileJSON, active, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetEngine(ctx context.Context, id string) (domain.ExecutionEngine, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+engineCols+` FROM engines WHERE engine_id=?`, id)
	return scanEngine(row.Scan)
}

// ListActiveEngines returns the registry snapshot the eligibility filter runs
// over, ordered for deterministic auctions.
func (r Repo) ListActiveEngines(ctx context.Context) ([]domain.ExecutionEngine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+engineCols+` FROM engines WHERE active=1 ORDER BY engine_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionEngine
	for rows.Next() {
		e, err := scanEngine(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) ListEngines(ctx context.Context) ([]domain.ExecutionEngine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+engineCols+` FROM engines ORDER BY engine_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionEngine
	for rows.Next() {
		e, err := scanEngine(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AdjustQualityScore nudges an engine's score by delta, clamped to [0,1].
func (r Repo) AdjustQualityScore(ctx context.Context, tx *sql.Tx, engineID string, delta float64, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE engines SET quality_score=MAX(0.0, MIN(1.0, quality_score + ?)), updated_at=? WHERE engine_id=?`,
		delta, updatedAt, engineID)
	return err
}
