// Package capi is the conversions event pipeline: validate, dedupe, match,
// enrich, dispatch.
package capi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"outcomedesk/internal/config"
	"outcomedesk/internal/domain"
	"outcomedesk/internal/escalate"
	"outcomedesk/internal/events"
	"outcomedesk/internal/guarantee"
	"outcomedesk/internal/ledger"
	"outcomedesk/internal/repo"
)

var (
	// ErrValidation rejects malformed events; never retried.
	ErrValidation = errors.New("validation error")
	// ErrUnmatched queues an event for bounded retry.
	ErrUnmatched = errors.New("event unmatched")
)

// eventTypes is the closed set accepted on ingestion. guarantee.expired is
// emitted by the sweep, never ingested.
var eventTypes = map[string]struct{}{
	"outcome.success":      {},
	"outcome.failure":      {},
	"value.reported":       {},
	"guarantee.claim":      {},
	"guarantee.evidence":   {},
	"guarantee.approved":   {},
	"guarantee.denied":     {},
	"handoff.acknowledged": {},
}

// EventInput is the wire shape of one conversion event.
type EventInput struct {
	EventType       string         `json:"event_type"`
	RequestID       string         `json:"request_id,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	BuyerID         string         `json:"buyer_id,omitempty"`
	EventSourceTime string         `json:"event_source_time,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// Result is what ingestion reports back to the caller.
type Result struct {
	EventID          string
	Status           string
	ProcessedAt      string
	Warnings         []string
	ActionsTriggered []string
}

type Pipeline struct {
	Repo      repo.Repo
	Events    events.Writer
	Ledger    ledger.Ledger
	Guarantee guarantee.Lifecycle
	Escalate  escalate.Controller
	Config    *config.Config
	Now       func() time.Time

	// Lock hands out the per-request serialization lock. The engine wires its
	// stripe locks in so the retry loop never interleaves with live ingestion
	// on the same request.
	Lock func(requestID string) sync.Locker
}

func (p Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Pipeline) nowRFC() string {
	return p.now().UTC().Format(time.RFC3339)
}

// EventID derives the deterministic dedupe key from the identity fields, so
// the same real-world occurrence always hashes to the same id no matter how
// often it is submitted.
func EventID(in EventInput) string {
	sum := sha256.Sum256([]byte(in.RequestID + "|" + in.EventType + "|" + in.EventSourceTime + "|" + in.BuyerID))
	return "evt_" + hex.EncodeToString(sum[:])[:16]
}

func validate(in EventInput) error {
	if in.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrValidation)
	}
	if _, ok := eventTypes[in.EventType]; !ok {
		return fmt.Errorf("%w: unknown event_type %q", ErrValidation, in.EventType)
	}
	if in.RequestID == "" && in.CorrelationID == "" && in.BuyerID == "" {
		return fmt.Errorf("%w: one of request_id, correlation_id or buyer_id is required", ErrValidation)
	}
	if in.EventSourceTime != "" {
		if _, err := time.Parse(time.RFC3339, in.EventSourceTime); err != nil {
			return fmt.Errorf("%w: event_source_time must be RFC3339", ErrValidation)
		}
	}
	return nil
}

// Ingest runs one event through the pipeline. Callers must hold the
// per-request lock so same-request events serialize. Duplicates are
// acknowledged without side effects; an unmatchable event is stored for the
// retry loop and reported with ErrUnmatched.
func (p Pipeline) Ingest(ctx context.Context, in EventInput, actorID string) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}
	eventID := EventID(in)
	res := Result{EventID: eventID}
	if in.EventSourceTime == "" {
		res.Warnings = append(res.Warnings, "event_source_time missing; ingestion time used for ordering")
	}

	if existing, err := p.Repo.GetConversionEvent(ctx, eventID); err == nil {
		res.Status = "duplicate"
		if existing.ProcessedAt != nil {
			res.ProcessedAt = *existing.ProcessedAt
		}
		return res, nil
	} else if err != repo.ErrNotFound {
		return Result{}, err
	}

	req, matchErr := p.match(ctx, in)

	dataJSON, err := json.Marshal(orEmpty(in.Data))
	if err != nil {
		return Result{}, fmt.Errorf("%w: data must be a JSON object", ErrValidation)
	}
	ts := p.nowRFC()
	ev := domain.ConversionEvent{
		EventID:              eventID,
		EventType:            in.EventType,
		BuyerID:              in.BuyerID,
		EventTime:            ts,
		DataJSON:             string(dataJSON),
		ActionsTriggeredJSON: "[]",
		CreatedAt:            ts,
	}
	if in.CorrelationID != "" {
		ev.CorrelationID = &in.CorrelationID
	}
	if in.EventSourceTime != "" {
		ev.EventSourceTime = &in.EventSourceTime
	}

	tx, err := p.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	if matchErr != nil {
		ev.Status = "unmatched"
		if err := p.Repo.InsertConversionEvent(ctx, tx, ev); err != nil {
			return Result{}, err
		}
		if err := tx.Commit(); err != nil {
			return Result{}, err
		}
		res.Status = "unmatched"
		res.Warnings = append(res.Warnings, "no matching request; queued for retry")
		return res, ErrUnmatched
	}

	ev.RequestID = &req.RequestID
	actions, warnings, err := p.dispatch(ctx, tx, req, in, actorID)
	if err != nil {
		return Result{}, err
	}
	res.Warnings = append(res.Warnings, warnings...)

	actionsJSON, _ := json.Marshal(orEmptyList(actions))
	processed := p.nowRFC()
	ev.Status = "processed"
	ev.ActionsTriggeredJSON = string(actionsJSON)
	ev.ProcessedAt = &processed
	if err := p.Repo.InsertConversionEvent(ctx, tx, ev); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	res.Status = "processed"
	res.ProcessedAt = processed
	res.ActionsTriggered = actions
	return res, nil
}

// match resolves the event to a request: request_id first, then
// correlation_id, then a fuzzy buyer+outcome_type+time window.
func (p Pipeline) match(ctx context.Context, in EventInput) (domain.OutcomeRequest, error) {
	if in.RequestID != "" {
		req, err := p.Repo.GetRequest(ctx, in.RequestID)
		if err == nil {
			return req, nil
		}
		if err != repo.ErrNotFound {
			return domain.OutcomeRequest{}, err
		}
	}
	if in.CorrelationID != "" {
		req, err := p.Repo.GetRequestByCorrelation(ctx, in.CorrelationID)
		if err == nil {
			return req, nil
		}
		if err != repo.ErrNotFound {
			return domain.OutcomeRequest{}, err
		}
	}
	outcomeType, _ := in.Data["outcome_type"].(string)
	if in.BuyerID != "" && outcomeType != "" {
		window := p.Config.Conversions.FuzzyWindowSeconds
		if window <= 0 {
			window = 300
		}
		notBefore := p.now().UTC().Add(-time.Duration(window) * time.Second).Format(time.RFC3339)
		req, err := p.Repo.FindRequestFuzzy(ctx, in.BuyerID, outcomeType, notBefore)
		if err == nil {
			return req, nil
		}
		if err != repo.ErrNotFound {
			return domain.OutcomeRequest{}, err
		}
	}
	return domain.OutcomeRequest{}, ErrUnmatched
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyList(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
