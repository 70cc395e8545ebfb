package capi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"outcomedesk/internal/bidding"
	"outcomedesk/internal/domain"
	"outcomedesk/internal/events"
	"outcomedesk/internal/guarantee"
	"outcomedesk/internal/repo"
)

// dispatch fans one matched event out to its type-specific side effects.
// Everything runs inside the caller's transaction so the event row and its
// effects commit together.
func (p Pipeline) dispatch(ctx context.Context, tx *sql.Tx, req domain.OutcomeRequest, in EventInput, actorID string) (actions, warnings []string, err error) {
	switch in.EventType {
	case "outcome.success":
		warnings = p.metricWarnings(req, in)
		if err := p.adjustQuality(ctx, tx, req, +1); err != nil {
			return nil, nil, err
		}
		actions = append(actions, "quality_score_increased")
		if err := p.Events.Append(ctx, tx, "conversion.success", req.RequestID, "conversion", EventID(in), actorID, events.EventPayload{"event_type": in.EventType}); err != nil {
			return nil, nil, err
		}

	case "outcome.failure":
		if req.VerificationModel == "guarantee" {
			return nil, nil, fmt.Errorf("%w: guarantee-backed outcomes report failures via guarantee.claim", ErrValidation)
		}
		if err := p.adjustQuality(ctx, tx, req, -1); err != nil {
			return nil, nil, err
		}
		actions = append(actions, "quality_score_decreased")
		if err := p.Events.Append(ctx, tx, "conversion.failure", req.RequestID, "conversion", EventID(in), actorID, events.EventPayload{"event_type": in.EventType}); err != nil {
			return nil, nil, err
		}

	case "value.reported":
		value, ok := numeric(in.Data["value"])
		if !ok {
			return nil, nil, fmt.Errorf("%w: value.reported requires a numeric data.value", ErrValidation)
		}
		strat, perr := bidding.ParseStrategy(req.BidStrategyJSON)
		if perr != nil {
			return nil, nil, perr
		}
		key := bidding.StrategyKey(strat, req.BidStrategyJSON)
		if err := p.Ledger.RecordValue(ctx, tx, req.BuyerID, key, value); err != nil {
			return nil, nil, err
		}
		actions = append(actions, "budget_value_recorded")

	case "guarantee.claim":
		claimType, _ := in.Data["claim_type"].(string)
		if claimType == "" {
			claimType = "outcome_failure"
		}
		requested, ok := numeric(in.Data["requested_amount"])
		if !ok {
			return nil, nil, fmt.Errorf("%w: guarantee.claim requires a numeric data.requested_amount", ErrValidation)
		}
		claim, cerr := p.Guarantee.FileClaim(ctx, tx, req.RequestID, claimType, requested, actorID)
		if cerr != nil {
			return nil, nil, cerr
		}
		actions = append(actions, "claim_filed:"+claim.ClaimID)

	case "guarantee.evidence":
		claimID, _ := in.Data["claim_id"].(string)
		if claimID == "" {
			return nil, nil, fmt.Errorf("%w: guarantee.evidence requires data.claim_id", ErrValidation)
		}
		kind, _ := in.Data["kind"].(string)
		body, _ := json.Marshal(orEmpty(in.Data))
		if _, eerr := p.Guarantee.AttachEvidence(ctx, tx, claimID, kind, "application/json", string(body), actorID); eerr != nil {
			return nil, nil, eerr
		}
		actions = append(actions, "evidence_attached")

	case "guarantee.approved", "guarantee.denied":
		claimID, _ := in.Data["claim_id"].(string)
		if claimID == "" {
			return nil, nil, fmt.Errorf("%w: %s requires data.claim_id", ErrValidation, in.EventType)
		}
		approved := in.EventType == "guarantee.approved"
		if _, aerr := p.Guarantee.Adjudicate(ctx, tx, claimID, approved, actorID); aerr != nil {
			return nil, nil, aerr
		}
		if approved {
			actions = append(actions, "claim_approved")
		} else {
			actions = append(actions, "claim_denied")
		}

	case "handoff.acknowledged":
		handoffID, _ := in.Data["handoff_id"].(string)
		if handoffID == "" {
			return nil, nil, fmt.Errorf("%w: handoff.acknowledged requires data.handoff_id", ErrValidation)
		}
		if aerr := p.Escalate.Acknowledge(ctx, tx, handoffID, actorID); aerr != nil {
			return nil, nil, aerr
		}
		actions = append(actions, "escalation_resolved")
	}
	return actions, warnings, nil
}

// metricWarnings flags required catalog metrics absent from the event data.
func (p Pipeline) metricWarnings(req domain.OutcomeRequest, in EventInput) []string {
	ot, ok := p.Config.OutcomeFor(req.OutcomeType)
	if !ok {
		return nil
	}
	var warnings []string
	for _, metric := range ot.RequiredMetrics {
		if _, present := in.Data[metric]; !present {
			warnings = append(warnings, "required metric missing: "+metric)
		}
	}
	return warnings
}

func (p Pipeline) adjustQuality(ctx context.Context, tx *sql.Tx, req domain.OutcomeRequest, direction float64) error {
	assignment, err := p.Repo.GetAssignmentTx(ctx, tx, req.RequestID)
	if err == repo.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	step := p.Config.Conversions.QualityScoreStep
	if step <= 0 {
		step = 0.02
	}
	return p.Repo.AdjustQualityScore(ctx, tx, assignment.EngineID, direction*step, p.nowRFC())
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// RetryUnmatched re-runs matching for queued events and dead-letters the ones
// that exhausted their retry budget. Called from the engine's timer loop.
func (p Pipeline) RetryUnmatched(ctx context.Context) {
	limit := p.retryLimit()
	pending, err := p.Repo.ListUnmatchedEvents(ctx, limit, 100)
	if err != nil {
		log.Printf("conversions: list unmatched failed: %v", err)
		return
	}
	for _, ev := range pending {
		if err := p.retryOne(ctx, ev); err != nil {
			log.Printf("conversions: retry %s failed: %v", ev.EventID, err)
		}
	}

	exhausted, err := p.Repo.ListExhaustedEvents(ctx, limit, 100)
	if err != nil {
		log.Printf("conversions: list exhausted failed: %v", err)
		return
	}
	for _, ev := range exhausted {
		if err := p.deadLetter(ctx, ev); err != nil {
			log.Printf("conversions: dead-letter %s failed: %v", ev.EventID, err)
		}
	}
}

func (p Pipeline) retryOne(ctx context.Context, ev domain.ConversionEvent) error {
	in := inputFromStored(ev)
	req, matchErr := p.match(ctx, in)
	if matchErr != nil {
		ev.MatchAttempts++
		return p.saveRetryState(ctx, ev)
	}

	// Once matched, the dispatch must serialize with live ingestion and
	// deliveries on the same request.
	if p.Lock != nil {
		mu := p.Lock(req.RequestID)
		mu.Lock()
		defer mu.Unlock()
	}

	tx, err := p.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ev.RequestID = &req.RequestID
	actions, _, derr := p.dispatch(ctx, tx, req, in, "system")
	if derr != nil {
		// Drop the partial dispatch work before recording the attempt. A
		// payload that can never dispatch stops retrying and dead-letters on
		// this pass; anything else keeps its bounded retry budget.
		tx.Rollback()
		ev.MatchAttempts++
		if permanentDispatchErr(derr) {
			ev.MatchAttempts = p.retryLimit()
		}
		return p.saveRetryState(ctx, ev)
	}
	actionsJSON, _ := json.Marshal(orEmptyList(actions))
	processed := p.nowRFC()
	ev.Status = "processed"
	ev.ActionsTriggeredJSON = string(actionsJSON)
	ev.ProcessedAt = &processed
	if err := p.Repo.UpdateConversionEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (p Pipeline) retryLimit() int {
	limit := p.Config.Conversions.MatchRetryLimit
	if limit <= 0 {
		limit = 5
	}
	return limit
}

func (p Pipeline) saveRetryState(ctx context.Context, ev domain.ConversionEvent) error {
	tx, err := p.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.UpdateConversionEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// permanentDispatchErr reports whether a dispatch failure cannot succeed on a
// later pass. A missing guarantee record or a locked database can resolve
// themselves; a malformed payload or a closed claim window cannot.
func permanentDispatchErr(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, guarantee.ErrClaimWindowExpired) ||
		errors.Is(err, guarantee.ErrGuaranteeNotActive) ||
		errors.Is(err, guarantee.ErrEvidenceNotAccepted)
}

func (p Pipeline) deadLetter(ctx context.Context, ev domain.ConversionEvent) error {
	tx, err := p.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ev.Status = "dead_letter"
	if err := p.Repo.UpdateConversionEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := p.Repo.InsertDeadLetter(ctx, tx, domain.DeadLetter{
		EventID:     ev.EventID,
		Reason:      "match retries exhausted",
		PayloadJSON: ev.DataJSON,
		CreatedAt:   p.nowRFC(),
	}); err != nil {
		return err
	}
	if err := p.Events.Append(ctx, tx, "conversion.dead_letter", "", "conversion", ev.EventID, "system", events.EventPayload{
		"event_type":     ev.EventType,
		"match_attempts": ev.MatchAttempts,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func inputFromStored(ev domain.ConversionEvent) EventInput {
	in := EventInput{
		EventType: ev.EventType,
		BuyerID:   ev.BuyerID,
	}
	if ev.RequestID != nil {
		in.RequestID = *ev.RequestID
	}
	if ev.CorrelationID != nil {
		in.CorrelationID = *ev.CorrelationID
	}
	if ev.EventSourceTime != nil {
		in.EventSourceTime = *ev.EventSourceTime
	}
	_ = json.Unmarshal([]byte(ev.DataJSON), &in.Data)
	return in
}
