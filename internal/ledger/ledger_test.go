package ledger_test

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	"outcomedesk/internal/bidding"
	"outcomedesk/internal/config"
	"outcomedesk/internal/db"
	"outcomedesk/internal/domain"
	"outcomedesk/internal/events"
	"outcomedesk/internal/ledger"
	"outcomedesk/internal/migrate"
	"outcomedesk/internal/repo"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

type ledgerEnv struct {
	led ledger.Ledger
	db  *sql.DB
	now time.Time
}

func newLedgerEnv(t *testing.T) *ledgerEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &ledgerEnv{db: conn, now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	nowFn := func() time.Time { return env.now }
	r := repo.Repo{DB: conn}
	env.led = ledger.Ledger{
		Repo:   r,
		Events: events.Writer{DB: conn, Now: nowFn},
		Config: config.Default("test-mkt"),
		Now:    nowFn,
	}
	return env
}

func (env *ledgerEnv) inTx(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := env.db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx op: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestTargetCostRepaceLowersCap(t *testing.T) {
	env := newLedgerEnv(t)
	ctx := context.Background()

	raw := `{"type":"target_cost","target_cost":5,"tolerance_percent":20,"budget":{"total":1000,"daily_cap":100,"period_days":30}}`
	strat, err := bidding.ParseStrategy(raw)
	if err != nil {
		t.Fatalf("parse strategy: %v", err)
	}
	key := bidding.StrategyKey(strat, raw)

	var st domain.BudgetState
	env.inTx(t, func(tx *sql.Tx) error {
		var serr error
		st, serr = env.led.EnsureState(ctx, tx, "buyer-1", strat, key)
		return serr
	})
	// At period start the pacing curve has released nothing, so the daily
	// cap is the floor.
	if st.EffectiveCap != 100 {
		t.Fatalf("effective cap = %v, want 100", st.EffectiveCap)
	}
	if st.CapAdjust != 0 {
		t.Fatalf("cap adjust = %v, want 0 with no cost history", st.CapAdjust)
	}

	// Day one fills the cost history: trailing average 5.2 against the 5.0
	// target.
	for _, amount := range []float64{4, 6, 5, 5, 6} {
		env.inTx(t, func(tx *sql.Tx) error {
			res, rerr := env.led.Reserve(ctx, tx, st, amount)
			if rerr != nil {
				return rerr
			}
			return env.led.Commit(ctx, tx, res.ReservationID, "tester")
		})
	}

	// Day two the pacing pass pulls the cap adjustment toward the goal,
	// bounded by the tolerance band (20% of 5.0 = 1.0).
	env.now = env.now.Add(24 * time.Hour)
	env.inTx(t, func(tx *sql.Tx) error {
		var serr error
		st, serr = env.led.EnsureState(ctx, tx, "buyer-1", strat, key)
		return serr
	})
	if !near(st.CapAdjust, -0.2) {
		t.Fatalf("cap adjust = %v, want -0.2", st.CapAdjust)
	}

	// The strategy folds the adjustment into the per-outcome price cap.
	priceCap, err := strat.Cap(ledger.Signals(st))
	if err != nil {
		t.Fatalf("strategy cap: %v", err)
	}
	if !near(priceCap, 4.8) {
		t.Fatalf("price cap = %v, want 4.8", priceCap)
	}
}
