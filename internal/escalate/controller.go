package escalate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"outcomedesk/internal/config"
	"outcomedesk/internal/domain"
	"outcomedesk/internal/events"
	"outcomedesk/internal/repo"
)

type Controller struct {
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func (c Controller) nowRFC() string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// SelectDestination picks the handoff target: the request's own destinations
// first, ordered by ascending priority number, then the marketplace-level
// fallbacks from config.
func SelectDestination(policy domain.EscalationPolicy, cfg *config.Config) (domain.EscalationDestination, bool) {
	if len(policy.Destinations) > 0 {
		dests := make([]domain.EscalationDestination, len(policy.Destinations))
		copy(dests, policy.Destinations)
		sort.SliceStable(dests, func(i, j int) bool { return dests[i].Priority < dests[j].Priority })
		return dests[0], true
	}
	var fallback []config.Destination
	for _, d := range cfg.Escalation.Destinations {
		if d.Enabled == nil || *d.Enabled {
			fallback = append(fallback, d)
		}
	}
	if len(fallback) == 0 {
		return domain.EscalationDestination{}, false
	}
	sort.SliceStable(fallback, func(i, j int) bool { return fallback[i].Priority < fallback[j].Priority })
	d := fallback[0]
	return domain.EscalationDestination{
		Type:     d.Type,
		URL:      d.URL,
		Name:     d.Name,
		Priority: d.Priority,
		Secret:   d.Secret,
	}, true
}

// CreateCase persists an escalation case for req inside the caller's
// transaction and flips the request to escalated. price is the assignment's
// effective price, used for partial billing.
func (c Controller) CreateCase(ctx context.Context, tx *sql.Tx, req domain.OutcomeRequest, trigger domain.EscalationTriggerConfig, sig Signal, workCompletedPercent, price float64, actorID string) (domain.EscalationCase, error) {
	policy, err := req.EscalationPolicy()
	if err != nil {
		return domain.EscalationCase{}, err
	}
	dest, ok := SelectDestination(policy, c.Config)
	if !ok {
		return domain.EscalationCase{}, fmt.Errorf("request %s: no escalation destination configured", req.RequestID)
	}

	billed := BilledAmount(policy.PartialBilling, workCompletedPercent, price)
	payload := c.handoffPayload(req, trigger, sig, policy.HandoffContent, workCompletedPercent, billed)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return domain.EscalationCase{}, err
	}
	destJSON, err := json.Marshal(dest)
	if err != nil {
		return domain.EscalationCase{}, err
	}

	ts := c.nowRFC()
	esc := domain.EscalationCase{
		HandoffID:            "hoff_" + uuid.NewString(),
		RequestID:            req.RequestID,
		Trigger:              trigger.Type,
		DestinationJSON:      string(destJSON),
		PayloadJSON:          string(payloadJSON),
		WorkCompletedPercent: workCompletedPercent,
		Status:               "open",
		CreatedAt:            ts,
		UpdatedAt:            ts,
	}
	if err := c.Repo.InsertEscalationCase(ctx, tx, esc); err != nil {
		return domain.EscalationCase{}, err
	}
	if err := c.Repo.UpdateRequestStatus(ctx, tx, req.RequestID, "escalated", ts); err != nil {
		return domain.EscalationCase{}, err
	}
	if err := c.Events.Append(ctx, tx, "escalation.triggered", req.RequestID, "escalation", esc.HandoffID, actorID, events.EventPayload{
		"trigger":                trigger.Type,
		"destination":            dest.Name,
		"work_completed_percent": workCompletedPercent,
		"billed_amount":          billed,
	}); err != nil {
		return domain.EscalationCase{}, err
	}
	return esc, nil
}

// handoffPayload assembles what the destination receives. The content toggles
// default to sending the summary and customer context but not the transcript.
func (c Controller) handoffPayload(req domain.OutcomeRequest, trigger domain.EscalationTriggerConfig, sig Signal, content domain.HandoffContent, workCompletedPercent, billed float64) map[string]any {
	payload := map[string]any{
		"request_id":             req.RequestID,
		"buyer_id":               req.BuyerID,
		"outcome_type":           req.OutcomeType,
		"escalation_reason":      trigger.Type,
		"work_completed_percent": workCompletedPercent,
		"billed_amount":          billed,
	}
	if enabled(content.IncludeSummary, true) {
		if v, ok := sig.Data["summary"]; ok {
			payload["summary"] = v
		}
	}
	if enabled(content.IncludeTranscript, false) {
		if v, ok := sig.Data["transcript"]; ok {
			payload["transcript"] = v
		}
	}
	if enabled(content.IncludeCustomerContext, true) {
		if v, ok := sig.Data["customer_context"]; ok {
			payload["customer_context"] = v
		}
	}
	return payload
}

func enabled(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

// Acknowledge moves a handed_off case to resolved; driven by the
// handoff.acknowledged conversion event.
func (c Controller) Acknowledge(ctx context.Context, tx *sql.Tx, handoffID, actorID string) error {
	esc, err := c.Repo.GetEscalationCaseTx(ctx, tx, handoffID)
	if err != nil {
		return err
	}
	if esc.Status == "resolved" {
		return nil
	}
	esc.Status = "resolved"
	esc.UpdatedAt = c.nowRFC()
	if err := c.Repo.UpdateEscalationCase(ctx, tx, esc); err != nil {
		return err
	}
	return c.Events.Append(ctx, tx, "escalation.resolved", esc.RequestID, "escalation", esc.HandoffID, actorID, nil)
}
