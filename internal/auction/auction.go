// Package auction matches an outcome request to one execution engine.
package auction

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"outcomedesk/internal/bidding"
	"outcomedesk/internal/config"
	"outcomedesk/internal/domain"
	"outcomedesk/internal/events"
	"outcomedesk/internal/ledger"
	"outcomedesk/internal/registry"
	"outcomedesk/internal/repo"
)

var (
	// ErrNoEligibleEngine means the preference filter left no candidates.
	ErrNoEligibleEngine = errors.New("no eligible engine")
	// ErrNoMatch means candidates existed but none survived strategy scoring.
	ErrNoMatch = errors.New("no match")
	// ErrStrategyPaused means a 100% budget alert parked the strategy until
	// the period boundary.
	ErrStrategyPaused = errors.New("strategy paused by budget alert")

	ErrBudgetExhausted    = ledger.ErrBudgetExhausted
	ErrInsufficientSignal = bidding.ErrInsufficientSignal
)

// reduceBidsFactor shaves the price cap while the reduce_bids alert is live.
const reduceBidsFactor = 0.9

type Auction struct {
	Repo   repo.Repo
	Ledger ledger.Ledger
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func (a Auction) nowRFC() string {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// Run selects a winner for req and atomically reserves its price against the
// buyer's budget, recording the assignment in the same transaction. The
// request row must already exist; its status is updated here.
func (a Auction) Run(ctx context.Context, tx *sql.Tx, req domain.OutcomeRequest, actorID string) (domain.DeliveryAssignment, error) {
	strat, err := bidding.ParseStrategy(req.BidStrategyJSON)
	if err != nil {
		return domain.DeliveryAssignment{}, err
	}

	prefs, err := req.ExecutionPreferences()
	if err != nil {
		return domain.DeliveryAssignment{}, err
	}
	constraints, err := req.DeliveryConstraints()
	if err != nil {
		return domain.DeliveryAssignment{}, err
	}
	terms, err := req.GuaranteeTerms()
	if err != nil {
		return domain.DeliveryAssignment{}, err
	}

	var requiredCaps []string
	maxLatency := constraints.MaxLatencySeconds
	if ot, ok := a.Config.OutcomeFor(req.OutcomeType); ok {
		requiredCaps = ot.Capabilities
		if maxLatency <= 0 {
			maxLatency = ot.MaxLatencySeconds
		}
	}

	engines, err := a.Repo.ListActiveEngines(ctx)
	if err != nil {
		return domain.DeliveryAssignment{}, err
	}
	eligible := registry.Filter(prefs, requiredCaps, engines)
	if len(eligible) == 0 {
		return domain.DeliveryAssignment{}, ErrNoEligibleEngine
	}

	latencyPremium := a.Config.LatencyPremiumFor(constraints.MaxLatencySeconds)
	guaranteePremium := 1.0
	if req.VerificationModel == "guarantee" {
		guaranteePremium = a.Config.GuaranteePremiumFor(terms.Level)
	}
	var candidates []bidding.Candidate
	for _, e := range eligible {
		if !registry.MeetsLatency(maxLatency, e) {
			continue
		}
		quoted, ok := e.CostProfile().QuoteFor(req.OutcomeType)
		if !ok {
			continue
		}
		candidates = append(candidates, bidding.Candidate{
			Engine:         e,
			QuotedPrice:    quoted,
			EffectivePrice: bidding.ApplyPremiums(quoted, latencyPremium, guaranteePremium),
		})
	}
	if len(candidates) == 0 {
		return domain.DeliveryAssignment{}, ErrNoMatch
	}

	strategyKey := bidding.StrategyKey(strat, req.BidStrategyJSON)
	st, err := a.Ledger.EnsureState(ctx, tx, req.BuyerID, strat, strategyKey)
	if err != nil {
		return domain.DeliveryAssignment{}, err
	}
	if a.Ledger.Paused(st) {
		return domain.DeliveryAssignment{}, ErrStrategyPaused
	}

	priceCap, err := strat.Cap(ledger.Signals(st))
	if err != nil {
		return domain.DeliveryAssignment{}, err
	}
	if priceCap > 0 && a.Ledger.ReduceBidsActive(st) {
		priceCap *= reduceBidsFactor
	}
	survivors := bidding.UnderCap(priceCap, candidates)
	winner, ok := bidding.Pick(strat.Goal(), prefs.PreferredEngine, survivors)
	if !ok {
		return domain.DeliveryAssignment{}, ErrNoMatch
	}

	res, err := a.Ledger.Reserve(ctx, tx, st, winner.EffectivePrice)
	if err != nil {
		return domain.DeliveryAssignment{}, err
	}

	assignment := domain.DeliveryAssignment{
		RequestID:      req.RequestID,
		EngineID:       winner.Engine.EngineID,
		BidPrice:       winner.QuotedPrice,
		EffectivePrice: winner.EffectivePrice,
		ReservationID:  res.ReservationID,
		AssignedAt:     a.nowRFC(),
	}
	if err := a.Repo.InsertAssignment(ctx, tx, assignment); err != nil {
		return domain.DeliveryAssignment{}, err
	}
	if err := a.Repo.UpdateRequestStatus(ctx, tx, req.RequestID, "assigned", a.nowRFC()); err != nil {
		return domain.DeliveryAssignment{}, err
	}

	payload := events.EventPayload{
		"engine_id":       winner.Engine.EngineID,
		"bid_price":       winner.QuotedPrice,
		"effective_price": winner.EffectivePrice,
		"strategy_type":   strat.Type(),
		"reservation_id":  res.ReservationID,
	}
	if mc, ok := strat.(bidding.MinimizeCost); ok && mc.VolumeTarget > 0 && st.CostCount < mc.VolumeTarget {
		payload["volume_below_target"] = true
	}
	if err := a.Events.Append(ctx, tx, "request.assigned", req.RequestID, "assignment", winner.Engine.EngineID, actorID, payload); err != nil {
		return domain.DeliveryAssignment{}, err
	}
	return assignment, nil
}
