package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"outcomedesk/internal/bidding"
	"outcomedesk/internal/capi"
	"outcomedesk/internal/config"
	"outcomedesk/internal/db"
	"outcomedesk/internal/domain"
	"outcomedesk/internal/engine"
	"outcomedesk/internal/guarantee"
	"outcomedesk/internal/migrate"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

type testEnv struct {
	eng *engine.Engine
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
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
	env := &testEnv{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	env.eng = engine.New(conn, config.Default("test-mkt"), func() time.Time { return env.now })
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) registerEngine(t *testing.T, id, caps string, quotes map[string]float64, p95 int) {
	t.Helper()
	profile := `{"quoted_prices":{`
	first := true
	for ot, price := range quotes {
		if !first {
			profile += ","
		}
		profile += fmt.Sprintf("%q:%g", ot, price)
		first = false
	}
	profile += `}}`
	_, err := env.eng.RegisterEngine(context.Background(), domain.ExecutionEngine{
		EngineID:         id,
		Model:            "test-model",
		Harness:          "test-harness",
		CapabilitiesJSON: caps,
		CostProfileJSON:  profile,
		P95LatencyMS:     p95,
		Active:           true,
	}, "tester")
	if err != nil {
		t.Fatalf("register engine %s: %v", id, err)
	}
}

func (env *testEnv) submit(t *testing.T, req domain.OutcomeRequest) (domain.OutcomeRequest, *domain.DeliveryAssignment) {
	t.Helper()
	out, assignment, err := env.eng.SubmitRequest(context.Background(), req, "buyer")
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	return out, assignment
}

func strPtr(s string) *string { return &s }

func TestSubmitAssignsCheapestEngine(t *testing.T) {
	env := newTestEnv(t)
	env.registerEngine(t, "acme/cs-pricey", `["customer_service"]`, map[string]float64{"cs.resolve": 7}, 1000)
	env.registerEngine(t, "acme/cs-cheap", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)

	req, assignment := env.submit(t, domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		BidStrategyJSON: `{"type":"bid_cap","bid_amount":10}`,
	})
	if req.Status != "assigned" {
		t.Fatalf("status = %q, want assigned", req.Status)
	}
	if assignment == nil || assignment.EngineID != "acme/cs-cheap" {
		t.Fatalf("assignment = %+v, want acme/cs-cheap", assignment)
	}
	// cs.resolve is capi-verified and the request carries no latency
	// constraint, so no premium applies.
	if assignment.EffectivePrice != 5 {
		t.Fatalf("effective price = %v, want 5", assignment.EffectivePrice)
	}

	strat, err := bidding.ParseStrategy(req.BidStrategyJSON)
	if err != nil {
		t.Fatalf("parse strategy: %v", err)
	}
	key := bidding.StrategyKey(strat, req.BidStrategyJSON)
	st, err := env.eng.Repo.GetBudgetState(context.Background(), "buyer-1", key)
	if err != nil {
		t.Fatalf("get budget state: %v", err)
	}
	if st.Reserved != 5 || st.SpentToDate != 0 {
		t.Fatalf("budget reserved=%v spent=%v, want 5/0", st.Reserved, st.SpentToDate)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		req  domain.OutcomeRequest
	}{
		{"missing buyer", domain.OutcomeRequest{OutcomeType: "cs.resolve", BidStrategyJSON: `{"type":"bid_cap","bid_amount":1}`}},
		{"unknown outcome type", domain.OutcomeRequest{BuyerID: "b", OutcomeType: "weather.control", BidStrategyJSON: `{"type":"bid_cap","bid_amount":1}`}},
		{"missing strategy", domain.OutcomeRequest{BuyerID: "b", OutcomeType: "cs.resolve"}},
		{"bad strategy", domain.OutcomeRequest{BuyerID: "b", OutcomeType: "cs.resolve", BidStrategyJSON: `{"type":"free_money"}`}},
		{"bad verification model", domain.OutcomeRequest{BuyerID: "b", OutcomeType: "cs.resolve", VerificationModel: "vibes", BidStrategyJSON: `{"type":"bid_cap","bid_amount":1}`}},
	}
	for _, tc := range cases {
		_, _, err := env.eng.SubmitRequest(context.Background(), tc.req, "buyer")
		if !errors.Is(err, engine.ErrValidation) {
			t.Fatalf("%s: err = %v, want ErrValidation", tc.name, err)
		}
	}
}

func TestSubmitNoEligibleEngine(t *testing.T) {
	env := newTestEnv(t)
	req, _, err := env.eng.SubmitRequest(context.Background(), domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		BidStrategyJSON: `{"type":"bid_cap","bid_amount":10}`,
	}, "buyer")
	if !errors.Is(err, engine.ErrNoEligibleEngine) {
		t.Fatalf("err = %v, want ErrNoEligibleEngine", err)
	}
	if req.Status != "no_match" {
		t.Fatalf("status = %q, want no_match", req.Status)
	}
	// The request row commits despite the failed match.
	stored, err := env.eng.Repo.GetRequest(context.Background(), req.RequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.Status != "no_match" {
		t.Fatalf("stored status = %q, want no_match", stored.Status)
	}
}

func TestSubmitBudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)

	strategy := `{"type":"bid_cap","bid_amount":10,"budget":{"total":10,"daily_cap":10}}`
	for i := 0; i < 2; i++ {
		req, _ := env.submit(t, domain.OutcomeRequest{
			BuyerID:         "buyer-1",
			OutcomeType:     "cs.resolve",
			BidStrategyJSON: strategy,
		})
		if req.Status != "assigned" {
			t.Fatalf("request %d status = %q, want assigned", i, req.Status)
		}
	}

	// Two reservations of 5 fill the 10 budget; the third must fail.
	req, _, err := env.eng.SubmitRequest(context.Background(), domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		BidStrategyJSON: strategy,
	}, "buyer")
	if !errors.Is(err, engine.ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
	if req.Status != "no_match" {
		t.Fatalf("status = %q, want no_match", req.Status)
	}
}

func TestCancelRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A pending row can only exist between submission and auction, so seed
	// one directly.
	tx, err := env.eng.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	pending := domain.OutcomeRequest{
		RequestID:       "req_pending",
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		BidStrategyJSON: `{"type":"bid_cap","bid_amount":10}`,
		Status:          "pending",
		CreatedAt:       "2026-01-10T12:00:00Z",
		UpdatedAt:       "2026-01-10T12:00:00Z",
	}
	if err := env.eng.Repo.InsertRequest(ctx, tx, pending); err != nil {
		t.Fatalf("insert request: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	cancelled, err := env.eng.CancelRequest(ctx, "req_pending", "buyer")
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Fatalf("status = %q, want cancelled", cancelled.Status)
	}

	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)
	assigned, _ := env.submit(t, domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		BidStrategyJSON: `{"type":"bid_cap","bid_amount":10}`,
	})
	if _, err := env.eng.CancelRequest(ctx, assigned.RequestID, "buyer"); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("cancel assigned err = %v, want ErrConflict", err)
	}
	if _, err := env.eng.CancelRequest(ctx, "req_missing", "buyer"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("cancel missing err = %v, want ErrNotFound", err)
	}
}

func TestDeliveryCompletedCommitsBudget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)

	req, _ := env.submit(t, domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		BidStrategyJSON: `{"type":"bid_cap","bid_amount":10}`,
	})
	resp, err := env.eng.RecordDelivery(ctx, engine.DeliveryInput{
		RequestID:              req.RequestID,
		Status:                 "completed",
		SuccessCriteriaResults: map[string]any{"resolution_confirmed": true},
	}, "engine")
	if err != nil {
		t.Fatalf("record delivery: %v", err)
	}
	if resp.Status != "completed" {
		t.Fatalf("response status = %q, want completed", resp.Status)
	}

	stored, err := env.eng.Repo.GetRequest(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.Status != "completed" {
		t.Fatalf("request status = %q, want completed", stored.Status)
	}

	strat, _ := bidding.ParseStrategy(req.BidStrategyJSON)
	key := bidding.StrategyKey(strat, req.BidStrategyJSON)
	st, err := env.eng.Repo.GetBudgetState(ctx, "buyer-1", key)
	if err != nil {
		t.Fatalf("get budget state: %v", err)
	}
	if st.SpentToDate != 5 || st.Reserved != 0 {
		t.Fatalf("budget spent=%v reserved=%v, want 5/0", st.SpentToDate, st.Reserved)
	}
	if st.CostCount != 1 || st.CostSum != 5 {
		t.Fatalf("cost history count=%d sum=%v, want 1/5", st.CostCount, st.CostSum)
	}

	// A second delivery for the same request conflicts.
	_, err = env.eng.RecordDelivery(ctx, engine.DeliveryInput{RequestID: req.RequestID, Status: "completed"}, "engine")
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("second delivery err = %v, want ErrConflict", err)
	}
}

func TestDeliveryFailedReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)

	req, _ := env.submit(t, domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		BidStrategyJSON: `{"type":"bid_cap","bid_amount":10}`,
	})
	if _, err := env.eng.RecordDelivery(ctx, engine.DeliveryInput{RequestID: req.RequestID, Status: "failed"}, "engine"); err != nil {
		t.Fatalf("record delivery: %v", err)
	}

	stored, _ := env.eng.Repo.GetRequest(ctx, req.RequestID)
	if stored.Status != "failed" {
		t.Fatalf("request status = %q, want failed", stored.Status)
	}
	strat, _ := bidding.ParseStrategy(req.BidStrategyJSON)
	key := bidding.StrategyKey(strat, req.BidStrategyJSON)
	st, _ := env.eng.Repo.GetBudgetState(ctx, "buyer-1", key)
	if st.SpentToDate != 0 || st.Reserved != 0 {
		t.Fatalf("budget spent=%v reserved=%v, want 0/0", st.SpentToDate, st.Reserved)
	}
}

func TestDeliveryEscalatedBillsPartialWork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)

	policy := `{"triggers":[{"type":"confidence_threshold","threshold":0.7}],"destinations":[{"type":"queue","name":"support"}],"partial_billing":{"model":"percentage_complete"}}`
	req, _ := env.submit(t, domain.OutcomeRequest{
		BuyerID:              "buyer-1",
		OutcomeType:          "cs.resolve",
		BidStrategyJSON:      `{"type":"bid_cap","bid_amount":10}`,
		EscalationPolicyJSON: strPtr(policy),
	})

	conf := 0.5
	if _, err := env.eng.RecordDelivery(ctx, engine.DeliveryInput{
		RequestID: req.RequestID,
		Status:    "escalated",
		Escalation: &engine.EscalationReport{
			Confidence:           &conf,
			WorkCompletedPercent: 40,
		},
	}, "engine"); err != nil {
		t.Fatalf("record delivery: %v", err)
	}

	stored, _ := env.eng.Repo.GetRequest(ctx, req.RequestID)
	if stored.Status != "escalated" {
		t.Fatalf("request status = %q, want escalated", stored.Status)
	}
	kase, err := env.eng.Repo.GetEscalationForRequest(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("get escalation case: %v", err)
	}
	if kase.Trigger != "confidence_threshold" {
		t.Fatalf("trigger = %q, want confidence_threshold", kase.Trigger)
	}
	if kase.WorkCompletedPercent != 40 {
		t.Fatalf("work completed = %v, want 40", kase.WorkCompletedPercent)
	}

	// 40% of the 5.0 effective price is billed, the rest returns to the pool.
	strat, _ := bidding.ParseStrategy(req.BidStrategyJSON)
	key := bidding.StrategyKey(strat, req.BidStrategyJSON)
	st, _ := env.eng.Repo.GetBudgetState(ctx, "buyer-1", key)
	if !near(st.SpentToDate, 2) || st.Reserved != 0 {
		t.Fatalf("budget spent=%v reserved=%v, want 2/0", st.SpentToDate, st.Reserved)
	}

	// The buyer acknowledging the handoff resolves the case.
	res, err := env.eng.IngestEvent(ctx, capi.EventInput{
		EventType: "handoff.acknowledged",
		RequestID: req.RequestID,
		Data:      map[string]any{"handoff_id": kase.HandoffID},
	}, "buyer")
	if err != nil {
		t.Fatalf("ingest handoff.acknowledged: %v", err)
	}
	if len(res.ActionsTriggered) != 1 || res.ActionsTriggered[0] != "escalation_resolved" {
		t.Fatalf("actions = %v, want [escalation_resolved]", res.ActionsTriggered)
	}
	kase, _ = env.eng.Repo.GetEscalationCase(ctx, kase.HandoffID)
	if kase.Status != "resolved" {
		t.Fatalf("case status = %q, want resolved", kase.Status)
	}
}

func TestStrategyPausedAtFullSpend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)

	strategy := `{"type":"bid_cap","bid_amount":10,"budget":{"total":10,"daily_cap":10}}`
	for i := 0; i < 2; i++ {
		req, _ := env.submit(t, domain.OutcomeRequest{
			BuyerID:         "buyer-1",
			OutcomeType:     "cs.resolve",
			BidStrategyJSON: strategy,
		})
		if _, err := env.eng.RecordDelivery(ctx, engine.DeliveryInput{RequestID: req.RequestID, Status: "completed"}, "engine"); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	// Spend hit 100% of total, which pauses the strategy for the period.
	_, _, err := env.eng.SubmitRequest(ctx, domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		BidStrategyJSON: strategy,
	}, "buyer")
	if !errors.Is(err, engine.ErrStrategyPaused) {
		t.Fatalf("err = %v, want ErrStrategyPaused", err)
	}
}

func TestGuaranteeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/sales-1", `["sales"]`, map[string]float64{"lead.qualify": 5}, 1000)

	req, assignment := env.submit(t, domain.OutcomeRequest{
		BuyerID:            "buyer-1",
		OutcomeType:        "lead.qualify",
		BidStrategyJSON:    `{"type":"bid_cap","bid_amount":10}`,
		GuaranteeTermsJSON: strPtr(`{"level":"standard","max_payout":50}`),
	})
	// Standard guarantee carries a 1.1 premium on the 5.0 quote.
	if !near(assignment.EffectivePrice, 5.5) {
		t.Fatalf("effective price = %v, want 5.5", assignment.EffectivePrice)
	}

	if _, err := env.eng.RecordDelivery(ctx, engine.DeliveryInput{RequestID: req.RequestID, Status: "completed"}, "engine"); err != nil {
		t.Fatalf("record delivery: %v", err)
	}
	rec, err := env.eng.Repo.GetGuaranteeRecord(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("get guarantee record: %v", err)
	}
	if rec.Status != "active" || rec.MaxPayout != 50 {
		t.Fatalf("record = %+v, want active with max_payout 50", rec)
	}
	wantEnd := env.now.AddDate(0, 0, 30).Format(time.RFC3339)
	if rec.WindowEnd != wantEnd {
		t.Fatalf("window end = %q, want %q", rec.WindowEnd, wantEnd)
	}

	// A claim filed inside the window transitions the record.
	env.advance(29 * 24 * time.Hour)
	res, err := env.eng.IngestEvent(ctx, capi.EventInput{
		EventType: "guarantee.claim",
		RequestID: req.RequestID,
		Data:      map[string]any{"requested_amount": 100.0, "claim_type": "outcome_failure"},
	}, "buyer")
	if err != nil {
		t.Fatalf("ingest claim: %v", err)
	}
	claims, err := env.eng.Repo.ListClaimsForRequest(ctx, req.RequestID)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claims = %v (err %v), want one", claims, err)
	}
	claim := claims[0]
	if claim.Status != "filed" {
		t.Fatalf("claim status = %q, want filed", claim.Status)
	}
	if want := "claim_filed:" + claim.ClaimID; len(res.ActionsTriggered) != 1 || res.ActionsTriggered[0] != want {
		t.Fatalf("actions = %v, want [%s]", res.ActionsTriggered, want)
	}

	ev, err := env.eng.AttachEvidence(ctx, claim.ClaimID, "transcript", "text/plain", "the lead never picked up", "buyer")
	if err != nil {
		t.Fatalf("attach evidence: %v", err)
	}
	if ev.ClaimID != claim.ClaimID {
		t.Fatalf("evidence claim = %q, want %q", ev.ClaimID, claim.ClaimID)
	}

	// Approval pays out, capped at max_payout.
	if _, err := env.eng.IngestEvent(ctx, capi.EventInput{
		EventType: "guarantee.approved",
		RequestID: req.RequestID,
		Data:      map[string]any{"claim_id": claim.ClaimID},
	}, "adjudicator"); err != nil {
		t.Fatalf("ingest approval: %v", err)
	}
	claim, err = env.eng.Repo.GetClaim(ctx, claim.ClaimID)
	if err != nil {
		t.Fatalf("get claim: %v", err)
	}
	if claim.Status != "approved" || claim.ApprovedAmount == nil || *claim.ApprovedAmount != 50 {
		t.Fatalf("claim = %+v, want approved at 50", claim)
	}
	rec, _ = env.eng.Repo.GetGuaranteeRecord(ctx, req.RequestID)
	if rec.PaidOut != 50 {
		t.Fatalf("paid out = %v, want 50", rec.PaidOut)
	}
}

func TestGuaranteeClaimWindowExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/sales-1", `["sales"]`, map[string]float64{"lead.qualify": 5}, 1000)

	req, _ := env.submit(t, domain.OutcomeRequest{
		BuyerID:            "buyer-1",
		OutcomeType:        "lead.qualify",
		BidStrategyJSON:    `{"type":"bid_cap","bid_amount":10}`,
		GuaranteeTermsJSON: strPtr(`{"level":"standard","max_payout":50}`),
	})
	if _, err := env.eng.RecordDelivery(ctx, engine.DeliveryInput{RequestID: req.RequestID, Status: "completed"}, "engine"); err != nil {
		t.Fatalf("record delivery: %v", err)
	}

	env.advance(31 * 24 * time.Hour)
	_, err := env.eng.IngestEvent(ctx, capi.EventInput{
		EventType: "guarantee.claim",
		RequestID: req.RequestID,
		Data:      map[string]any{"requested_amount": 10.0},
	}, "buyer")
	if !errors.Is(err, guarantee.ErrClaimWindowExpired) {
		t.Fatalf("err = %v, want ErrClaimWindowExpired", err)
	}
}

func TestGuaranteeSweepExpiresUnclaimed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/sales-1", `["sales"]`, map[string]float64{"lead.qualify": 5}, 1000)

	req, _ := env.submit(t, domain.OutcomeRequest{
		BuyerID:            "buyer-1",
		OutcomeType:        "lead.qualify",
		BidStrategyJSON:    `{"type":"bid_cap","bid_amount":10}`,
		GuaranteeTermsJSON: strPtr(`{"level":"standard","max_payout":50}`),
	})
	if _, err := env.eng.RecordDelivery(ctx, engine.DeliveryInput{RequestID: req.RequestID, Status: "completed"}, "engine"); err != nil {
		t.Fatalf("record delivery: %v", err)
	}

	env.eng.SweepGuaranteesNow()
	rec, _ := env.eng.Repo.GetGuaranteeRecord(ctx, req.RequestID)
	if rec.Status != "active" {
		t.Fatalf("status before window end = %q, want active", rec.Status)
	}

	env.advance(31 * 24 * time.Hour)
	env.eng.SweepGuaranteesNow()
	rec, _ = env.eng.Repo.GetGuaranteeRecord(ctx, req.RequestID)
	if rec.Status != "expired_no_claims" {
		t.Fatalf("status after sweep = %q, want expired_no_claims", rec.Status)
	}
}

func TestOutcomeEventsAdjustQuality(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)

	req, _ := env.submit(t, domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		BidStrategyJSON: `{"type":"bid_cap","bid_amount":10}`,
	})

	res, err := env.eng.IngestEvent(ctx, capi.EventInput{
		EventType:       "outcome.success",
		RequestID:       req.RequestID,
		EventSourceTime: env.now.Format(time.RFC3339),
		Data:            map[string]any{"resolution_confirmed": true},
	}, "buyer")
	if err != nil {
		t.Fatalf("ingest success: %v", err)
	}
	if res.Status != "processed" {
		t.Fatalf("status = %q, want processed", res.Status)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("warnings = %v, want none", res.Warnings)
	}
	eng, _ := env.eng.Repo.GetEngine(ctx, "acme/cs-1")
	if !near(eng.QualityScore, 0.52) {
		t.Fatalf("quality = %v, want 0.52", eng.QualityScore)
	}

	// Replaying the same event is acknowledged without side effects.
	dup, err := env.eng.IngestEvent(ctx, capi.EventInput{
		EventType:       "outcome.success",
		RequestID:       req.RequestID,
		EventSourceTime: env.now.Format(time.RFC3339),
		Data:            map[string]any{"resolution_confirmed": true},
	}, "buyer")
	if err != nil {
		t.Fatalf("ingest duplicate: %v", err)
	}
	if dup.Status != "duplicate" || dup.EventID != res.EventID {
		t.Fatalf("duplicate = %+v, want duplicate of %s", dup, res.EventID)
	}
	eng, _ = env.eng.Repo.GetEngine(ctx, "acme/cs-1")
	if !near(eng.QualityScore, 0.52) {
		t.Fatalf("quality after duplicate = %v, want 0.52", eng.QualityScore)
	}

	// A failure without the required metric still processes but warns.
	env.advance(time.Minute)
	fail, err := env.eng.IngestEvent(ctx, capi.EventInput{
		EventType:       "outcome.failure",
		RequestID:       req.RequestID,
		EventSourceTime: env.now.Format(time.RFC3339),
	}, "buyer")
	if err != nil {
		t.Fatalf("ingest failure: %v", err)
	}
	if fail.Status != "processed" {
		t.Fatalf("failure status = %q, want processed", fail.Status)
	}
	eng, _ = env.eng.Repo.GetEngine(ctx, "acme/cs-1")
	if !near(eng.QualityScore, 0.5) {
		t.Fatalf("quality after failure = %v, want 0.5", eng.QualityScore)
	}
}

func TestValueReportedFeedsBudgetState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)

	req, _ := env.submit(t, domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		BidStrategyJSON: `{"type":"bid_cap","bid_amount":10}`,
	})
	if _, err := env.eng.RecordDelivery(ctx, engine.DeliveryInput{RequestID: req.RequestID, Status: "completed"}, "engine"); err != nil {
		t.Fatalf("record delivery: %v", err)
	}

	res, err := env.eng.IngestEvent(ctx, capi.EventInput{
		EventType: "value.reported",
		RequestID: req.RequestID,
		Data:      map[string]any{"value": 20.0},
	}, "buyer")
	if err != nil {
		t.Fatalf("ingest value: %v", err)
	}
	if len(res.ActionsTriggered) != 1 || res.ActionsTriggered[0] != "budget_value_recorded" {
		t.Fatalf("actions = %v, want [budget_value_recorded]", res.ActionsTriggered)
	}

	strat, _ := bidding.ParseStrategy(req.BidStrategyJSON)
	key := bidding.StrategyKey(strat, req.BidStrategyJSON)
	st, _ := env.eng.Repo.GetBudgetState(ctx, "buyer-1", key)
	if st.ValueSum != 20 {
		t.Fatalf("value sum = %v, want 20", st.ValueSum)
	}
}

func TestUnmatchedEventRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)

	res, err := env.eng.IngestEvent(ctx, capi.EventInput{
		EventType:     "outcome.success",
		CorrelationID: "corr-1",
		Data:          map[string]any{"resolution_confirmed": true},
	}, "buyer")
	if !errors.Is(err, capi.ErrUnmatched) {
		t.Fatalf("err = %v, want ErrUnmatched", err)
	}
	if res.Status != "unmatched" {
		t.Fatalf("status = %q, want unmatched", res.Status)
	}

	// The request the event was waiting for arrives.
	env.submit(t, domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		CorrelationID:   strPtr("corr-1"),
		BidStrategyJSON: `{"type":"bid_cap","bid_amount":10}`,
	})
	env.eng.Pipeline.RetryUnmatched(ctx)

	stored, err := env.eng.Repo.GetConversionEvent(ctx, res.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.Status != "processed" {
		t.Fatalf("status after retry = %q, want processed", stored.Status)
	}
	if stored.RequestID == nil {
		t.Fatal("request_id not backfilled on retry")
	}
}

func TestTimeoutMonitorEscalatesHungAssignment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)

	policy := `{"triggers":[{"type":"timeout","timeout_seconds":60}],"destinations":[{"type":"queue","name":"support"}],"partial_billing":{"model":"fixed_triage_fee","triage_fee":1.5}}`
	req, _ := env.submit(t, domain.OutcomeRequest{
		BuyerID:              "buyer-1",
		OutcomeType:          "cs.resolve",
		BidStrategyJSON:      `{"type":"bid_cap","bid_amount":10}`,
		EscalationPolicyJSON: strPtr(policy),
	})

	// Inside the window nothing fires.
	env.eng.MonitorTimeoutsNow()
	if _, err := env.eng.Repo.GetEscalationForRequest(ctx, req.RequestID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("premature escalation, err = %v", err)
	}

	// The execution engine hangs and never reports a delivery; the monitor
	// escalates on wall clock alone.
	env.advance(2 * time.Hour)
	env.eng.MonitorTimeoutsNow()

	stored, err := env.eng.Repo.GetRequest(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.Status != "escalated" {
		t.Fatalf("request status = %q, want escalated", stored.Status)
	}
	kase, err := env.eng.Repo.GetEscalationForRequest(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("get escalation case: %v", err)
	}
	if kase.Trigger != "timeout" {
		t.Fatalf("trigger = %q, want timeout", kase.Trigger)
	}

	// No work was reported, so only the triage fee is billed and the rest of
	// the reservation returns to the pool.
	strat, _ := bidding.ParseStrategy(req.BidStrategyJSON)
	key := bidding.StrategyKey(strat, req.BidStrategyJSON)
	st, _ := env.eng.Repo.GetBudgetState(ctx, "buyer-1", key)
	if !near(st.SpentToDate, 1.5) || st.Reserved != 0 {
		t.Fatalf("budget spent=%v reserved=%v, want 1.5/0", st.SpentToDate, st.Reserved)
	}

	// The request is escalated now, so another pass is a no-op.
	env.eng.MonitorTimeoutsNow()
	if again, _ := env.eng.Repo.GetEscalationForRequest(ctx, req.RequestID); again.HandoffID != kase.HandoffID {
		t.Fatalf("second pass created a new case: %q vs %q", again.HandoffID, kase.HandoffID)
	}
}

func TestConcurrentReservationsRespectCap(t *testing.T) {
	env := newTestEnv(t)
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)

	strategy := `{"type":"bid_cap","bid_amount":10,"budget":{"total":15,"daily_cap":15}}`
	const workers = 6
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = env.eng.SubmitRequest(context.Background(), domain.OutcomeRequest{
				BuyerID:         "buyer-1",
				OutcomeType:     "cs.resolve",
				BidStrategyJSON: strategy,
			}, "buyer")
		}(i)
	}
	wg.Wait()

	assigned, exhausted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			assigned++
		case errors.Is(err, engine.ErrBudgetExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	// Three reservations of 5 fill the 15 budget no matter how the six
	// submissions interleave.
	if assigned != 3 || exhausted != 3 {
		t.Fatalf("assigned=%d exhausted=%d, want 3/3", assigned, exhausted)
	}

	strat, _ := bidding.ParseStrategy(strategy)
	key := bidding.StrategyKey(strat, strategy)
	st, err := env.eng.Repo.GetBudgetState(context.Background(), "buyer-1", key)
	if err != nil {
		t.Fatalf("get budget state: %v", err)
	}
	if st.Reserved != 15 || st.SpentToDate != 0 {
		t.Fatalf("budget reserved=%v spent=%v, want 15/0", st.Reserved, st.SpentToDate)
	}
}

func TestConcurrentDuplicateIngestSingleEffect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)
	req, _ := env.submit(t, domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		BidStrategyJSON: `{"type":"bid_cap","bid_amount":10}`,
	})

	in := capi.EventInput{
		EventType:       "outcome.success",
		RequestID:       req.RequestID,
		EventSourceTime: "2026-01-10T12:05:00Z",
		Data:            map[string]any{"resolution_confirmed": true},
	}
	results := make([]capi.Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.eng.IngestEvent(ctx, in, "buyer")
		}(i)
	}
	wg.Wait()

	statuses := map[string]int{}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("ingest %d: %v", i, errs[i])
		}
		statuses[results[i].Status]++
	}
	if statuses["processed"] != 1 || statuses["duplicate"] != 1 {
		t.Fatalf("statuses = %v, want one processed and one duplicate", statuses)
	}

	// Exactly one of the two applied the quality adjustment.
	eng, err := env.eng.Repo.GetEngine(ctx, "acme/cs-1")
	if err != nil {
		t.Fatalf("get engine: %v", err)
	}
	if !near(eng.QualityScore, 0.52) {
		t.Fatalf("quality score = %v, want 0.52", eng.QualityScore)
	}
}

func TestRetryDeadLettersInvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)

	res, err := env.eng.IngestEvent(ctx, capi.EventInput{
		EventType:     "value.reported",
		CorrelationID: "corr-bad",
		Data:          map[string]any{"value": "lots"},
	}, "buyer")
	if !errors.Is(err, capi.ErrUnmatched) {
		t.Fatalf("err = %v, want ErrUnmatched", err)
	}

	env.submit(t, domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		CorrelationID:   strPtr("corr-bad"),
		BidStrategyJSON: `{"type":"bid_cap","bid_amount":10}`,
	})

	// The event matches now, but its payload can never dispatch; one pass
	// burns the retry budget and dead-letters it.
	env.eng.Pipeline.RetryUnmatched(ctx)

	stored, err := env.eng.Repo.GetConversionEvent(ctx, res.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.Status != "dead_letter" {
		t.Fatalf("status = %q, want dead_letter", stored.Status)
	}
}

func TestRetryKeepsTransientFailuresAlive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerEngine(t, "acme/leads-1", `["sales"]`, map[string]float64{"lead.qualify": 5}, 1000)

	res, err := env.eng.IngestEvent(ctx, capi.EventInput{
		EventType:     "guarantee.claim",
		CorrelationID: "corr-claim",
		Data:          map[string]any{"requested_amount": 10.0},
	}, "buyer")
	if !errors.Is(err, capi.ErrUnmatched) {
		t.Fatalf("err = %v, want ErrUnmatched", err)
	}

	req, _ := env.submit(t, domain.OutcomeRequest{
		BuyerID:            "buyer-1",
		OutcomeType:        "lead.qualify",
		CorrelationID:      strPtr("corr-claim"),
		BidStrategyJSON:    `{"type":"bid_cap","bid_amount":10}`,
		GuaranteeTermsJSON: strPtr(`{"level":"standard","max_payout":50}`),
	})

	// The guarantee record does not exist until delivery, so filing the claim
	// fails for now. That costs one attempt, not the whole retry budget.
	env.eng.Pipeline.RetryUnmatched(ctx)
	stored, err := env.eng.Repo.GetConversionEvent(ctx, res.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.Status != "unmatched" {
		t.Fatalf("status = %q, want unmatched", stored.Status)
	}
	if stored.MatchAttempts != 1 {
		t.Fatalf("match attempts = %d, want 1", stored.MatchAttempts)
	}

	if _, err := env.eng.RecordDelivery(ctx, engine.DeliveryInput{RequestID: req.RequestID, Status: "completed"}, "engine"); err != nil {
		t.Fatalf("record delivery: %v", err)
	}
	env.advance(time.Minute)
	env.eng.Pipeline.RetryUnmatched(ctx)

	stored, _ = env.eng.Repo.GetConversionEvent(ctx, res.EventID)
	if stored.Status != "processed" {
		t.Fatalf("status after delivery = %q, want processed", stored.Status)
	}
	claims, err := env.eng.Repo.ListClaimsForRequest(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("list claims: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("claims = %d, want 1", len(claims))
	}
}

func TestIngestBatchIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	env.registerEngine(t, "acme/cs-1", `["customer_service"]`, map[string]float64{"cs.resolve": 5}, 1000)
	req, _ := env.submit(t, domain.OutcomeRequest{
		BuyerID:         "buyer-1",
		OutcomeType:     "cs.resolve",
		BidStrategyJSON: `{"type":"bid_cap","bid_amount":10}`,
	})

	items := env.eng.IngestBatch(context.Background(), []capi.EventInput{
		{EventType: "outcome.success", RequestID: req.RequestID, Data: map[string]any{"resolution_confirmed": true}},
		{EventType: "outcome.sideways", RequestID: req.RequestID},
	}, "buyer")
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Err != nil {
		t.Fatalf("first item err = %v", items[0].Err)
	}
	if items[1].Err == nil {
		t.Fatal("second item should have been rejected")
	}
}
