// Package engine is the marketplace facade: request intake and auction,
// delivery settlement, event ingestion, and the background timers.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"outcomedesk/internal/auction"
	"outcomedesk/internal/bidding"
	"outcomedesk/internal/capi"
	"outcomedesk/internal/config"
	"outcomedesk/internal/domain"
	"outcomedesk/internal/escalate"
	"outcomedesk/internal/events"
	"outcomedesk/internal/guarantee"
	"outcomedesk/internal/ledger"
	"outcomedesk/internal/repo"
)

var (
	ErrValidation = errors.New("invalid input")
	ErrConflict   = errors.New("conflict")

	ErrNotFound           = repo.ErrNotFound
	ErrNoEligibleEngine   = auction.ErrNoEligibleEngine
	ErrNoMatch            = auction.ErrNoMatch
	ErrBudgetExhausted    = ledger.ErrBudgetExhausted
	ErrStrategyPaused     = auction.ErrStrategyPaused
	ErrInsufficientSignal = bidding.ErrInsufficientSignal
)

const lockStripes = 64

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Ledger    ledger.Ledger
	Auction   auction.Auction
	Escalate  escalate.Controller
	Guarantee guarantee.Lifecycle
	Pipeline  capi.Pipeline
	Now       func() time.Time

	// striped per-request locks: unrelated requests never contend, while
	// events, timers and deliveries for one request serialize.
	locks [lockStripes]sync.Mutex

	dispatcher *escalate.Dispatcher
	stop       chan struct{}
	wg         sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db, Now: now}
	led := ledger.Ledger{Repo: r, Events: w, Config: cfg, Now: now}
	esc := escalate.Controller{Repo: r, Events: w, Config: cfg, Now: now}
	gua := guarantee.Lifecycle{Repo: r, Events: w, Config: cfg, Now: now}
	e := &Engine{
		DB:        db,
		Repo:      r,
		Events:    w,
		Config:    cfg,
		Ledger:    led,
		Auction:   auction.Auction{Repo: r, Ledger: led, Events: w, Config: cfg, Now: now},
		Escalate:  esc,
		Guarantee: gua,
		Pipeline:  capi.Pipeline{Repo: r, Events: w, Ledger: led, Guarantee: gua, Escalate: esc, Config: cfg, Now: now},
		Now:       now,
		stop:      make(chan struct{}),
	}
	e.dispatcher = escalate.NewDispatcher(esc)
	e.Pipeline.Lock = func(requestID string) sync.Locker { return e.lockFor(requestID) }
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &e.locks[h.Sum32()%lockStripes]
}

// SubmitRequest validates, persists and auctions a new outcome request in one
// transaction. Match failures are not transaction failures: the request is
// committed in no_match and the sentinel is returned alongside it so callers
// can surface the reason.
func (e *Engine) SubmitRequest(ctx context.Context, req domain.OutcomeRequest, actorID string) (domain.OutcomeRequest, *domain.DeliveryAssignment, error) {
	if req.BuyerID == "" {
		return req, nil, fmt.Errorf("%w: buyer_id is required", ErrValidation)
	}
	if req.OutcomeType == "" {
		return req, nil, fmt.Errorf("%w: outcome_type is required", ErrValidation)
	}
	ot, ok := e.Config.OutcomeFor(req.OutcomeType)
	if !ok {
		return req, nil, fmt.Errorf("%w: unknown outcome_type %q", ErrValidation, req.OutcomeType)
	}
	switch req.VerificationModel {
	case "":
		req.VerificationModel = ot.VerificationModel
	case "capi", "guarantee":
	default:
		return req, nil, fmt.Errorf("%w: invalid verification_model %q", ErrValidation, req.VerificationModel)
	}
	if req.BidStrategyJSON == "" {
		return req, nil, fmt.Errorf("%w: bid_strategy is required", ErrValidation)
	}
	if _, err := bidding.ParseStrategy(req.BidStrategyJSON); err != nil {
		return req, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := req.ExecutionPreferences(); err != nil {
		return req, nil, fmt.Errorf("%w: execution_preferences: %v", ErrValidation, err)
	}
	if _, err := req.EscalationPolicy(); err != nil {
		return req, nil, fmt.Errorf("%w: escalation_policy: %v", ErrValidation, err)
	}
	if req.VerificationModel == "guarantee" {
		terms, err := req.GuaranteeTerms()
		if err != nil {
			return req, nil, fmt.Errorf("%w: guarantee_terms: %v", ErrValidation, err)
		}
		if terms.ClaimWindowDays <= 0 && ot.ClaimWindowDays <= 0 {
			return req, nil, fmt.Errorf("%w: guarantee-backed request needs a claim window", ErrValidation)
		}
	}

	if req.RequestID == "" {
		req.RequestID = "req_" + uuid.NewString()
	}
	ts := e.nowRFC()
	req.Status = "pending"
	req.CreatedAt = ts
	req.UpdatedAt = ts

	mu := e.lockFor(req.RequestID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return req, nil, err
	}
	if err := e.Events.Append(ctx, tx, "request.submitted", req.RequestID, "request", req.RequestID, actorID, events.EventPayload{
		"buyer_id":     req.BuyerID,
		"outcome_type": req.OutcomeType,
	}); err != nil {
		return req, nil, err
	}

	assignment, matchErr := e.Auction.Run(ctx, tx, req, actorID)
	if matchErr != nil {
		if !isMatchFailure(matchErr) {
			return req, nil, matchErr
		}
		req.Status = "no_match"
		req.UpdatedAt = e.nowRFC()
		if err := e.Repo.UpdateRequestStatus(ctx, tx, req.RequestID, "no_match", req.UpdatedAt); err != nil {
			return req, nil, err
		}
		if err := e.Events.Append(ctx, tx, "request.no_match", req.RequestID, "request", req.RequestID, actorID, events.EventPayload{
			"reason": matchErr.Error(),
		}); err != nil {
			return req, nil, err
		}
		if err := tx.Commit(); err != nil {
			return req, nil, err
		}
		return req, nil, matchErr
	}

	if err := tx.Commit(); err != nil {
		return req, nil, err
	}
	req.Status = "assigned"
	return req, &assignment, nil
}

func isMatchFailure(err error) bool {
	return errors.Is(err, ErrNoEligibleEngine) ||
		errors.Is(err, ErrNoMatch) ||
		errors.Is(err, ErrBudgetExhausted) ||
		errors.Is(err, ErrStrategyPaused) ||
		errors.Is(err, ErrInsufficientSignal)
}

// CancelRequest withdraws a pending request. Anything past assignment is out
// of the marketplace's hands.
func (e *Engine) CancelRequest(ctx context.Context, requestID, actorID string) (domain.OutcomeRequest, error) {
	mu := e.lockFor(requestID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OutcomeRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.OutcomeRequest{}, err
	}
	if req.Status != "pending" {
		return req, fmt.Errorf("%w: request %s is %s, only pending requests can be cancelled", ErrConflict, requestID, req.Status)
	}
	req.Status = "cancelled"
	req.UpdatedAt = e.nowRFC()
	if err := e.Repo.UpdateRequestStatus(ctx, tx, requestID, "cancelled", req.UpdatedAt); err != nil {
		return req, err
	}
	if err := e.Events.Append(ctx, tx, "request.cancelled", requestID, "request", requestID, actorID, nil); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	return req, nil
}

// RegisterEngine upserts a registry entry. Quality score is seeded at 0.5 on
// first registration and untouched afterwards.
func (e *Engine) RegisterEngine(ctx context.Context, eng domain.ExecutionEngine, actorID string) (domain.ExecutionEngine, error) {
	if eng.EngineID == "" {
		return eng, fmt.Errorf("%w: engine_id is required", ErrValidation)
	}
	if eng.Model == "" || eng.Harness == "" {
		return eng, fmt.Errorf("%w: model and harness are required", ErrValidation)
	}
	if eng.CapabilitiesJSON == "" {
		eng.CapabilitiesJSON = "[]"
	}
	if eng.CostProfileJSON == "" {
		eng.CostProfileJSON = "{}"
	}
	if eng.QualityScore <= 0 {
		eng.QualityScore = 0.5
	}
	ts := e.nowRFC()
	eng.CreatedAt = ts
	eng.UpdatedAt = ts

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return eng, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertEngine(ctx, tx, eng); err != nil {
		return eng, err
	}
	if err := e.Events.Append(ctx, tx, "engine.registered", "", "engine", eng.EngineID, actorID, events.EventPayload{
		"model":   eng.Model,
		"harness": eng.Harness,
	}); err != nil {
		return eng, err
	}
	if err := tx.Commit(); err != nil {
		return eng, err
	}
	return e.Repo.GetEngine(ctx, eng.EngineID)
}

// IngestEvent pushes one conversion event through the pipeline under the
// request's stripe lock.
func (e *Engine) IngestEvent(ctx context.Context, in capi.EventInput, actorID string) (capi.Result, error) {
	mu := e.lockFor(eventLockKey(in))
	mu.Lock()
	defer mu.Unlock()
	return e.Pipeline.Ingest(ctx, in, actorID)
}

// IngestBatch processes events independently; one bad event does not fail the
// batch.
func (e *Engine) IngestBatch(ctx context.Context, ins []capi.EventInput, actorID string) []BatchItem {
	items := make([]BatchItem, 0, len(ins))
	for _, in := range ins {
		res, err := e.IngestEvent(ctx, in, actorID)
		items = append(items, BatchItem{Result: res, Err: err})
	}
	return items
}

type BatchItem struct {
	Result capi.Result
	Err    error
}

func eventLockKey(in capi.EventInput) string {
	if in.RequestID != "" {
		return in.RequestID
	}
	if in.CorrelationID != "" {
		return "corr:" + in.CorrelationID
	}
	return "buyer:" + in.BuyerID
}

// AttachEvidence adds evidence to a claim via the HTTP surface (the
// guarantee.evidence event path lands in the same place).
func (e *Engine) AttachEvidence(ctx context.Context, claimID, kind, contentType, body, actorID string) (domain.Evidence, error) {
	claim, err := e.Repo.GetClaim(ctx, claimID)
	if err != nil {
		return domain.Evidence{}, err
	}
	mu := e.lockFor(claim.RequestID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Evidence{}, err
	}
	defer tx.Rollback()
	ev, err := e.Guarantee.AttachEvidence(ctx, tx, claimID, kind, contentType, body, actorID)
	if err != nil {
		return domain.Evidence{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Evidence{}, err
	}
	return ev, nil
}
