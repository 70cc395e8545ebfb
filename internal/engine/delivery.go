package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outcomedesk/internal/domain"
	"outcomedesk/internal/escalate"
	"outcomedesk/internal/events"
)

// DeliveryInput is what an execution engine reports back for an assignment.
type DeliveryInput struct {
	RequestID              string
	Status                 string // completed | failed | escalated
	SuccessCriteriaResults map[string]any
	DeliveryMetrics        map[string]any
	Escalation             *EscalationReport
	Guarantee              map[string]any
}

// EscalationReport carries the delivery-time signals the trigger evaluation
// runs over when a delivery comes back escalated.
type EscalationReport struct {
	Reason               string
	Confidence           *float64
	Attempts             int
	BuyerText            string
	PolicyViolation      bool
	OutOfScope           bool
	WorkCompletedPercent float64
	Data                 map[string]any
}

// RecordDelivery settles an assigned request from its delivery response:
// completed commits the reservation (and opens a guarantee window when
// backed), failed releases it, escalated runs the escalation controller and
// bills the partial-work amount.
func (e *Engine) RecordDelivery(ctx context.Context, in DeliveryInput, actorID string) (domain.DeliveryResponse, error) {
	switch in.Status {
	case "completed", "failed", "escalated":
	default:
		return domain.DeliveryResponse{}, fmt.Errorf("%w: invalid delivery status %q", ErrValidation, in.Status)
	}
	if in.Status == "escalated" && in.Escalation == nil {
		return domain.DeliveryResponse{}, fmt.Errorf("%w: escalated delivery requires an escalation report", ErrValidation)
	}

	mu := e.lockFor(in.RequestID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DeliveryResponse{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, in.RequestID)
	if err != nil {
		return domain.DeliveryResponse{}, err
	}
	if req.Status != "assigned" {
		return domain.DeliveryResponse{}, fmt.Errorf("%w: request %s is %s, expected assigned", ErrConflict, in.RequestID, req.Status)
	}
	assignment, err := e.Repo.GetAssignmentTx(ctx, tx, in.RequestID)
	if err != nil {
		return domain.DeliveryResponse{}, err
	}

	resp := domain.DeliveryResponse{
		ResponseID: "rsp_" + uuid.NewString(),
		RequestID:  in.RequestID,
		Status:     in.Status,
		CreatedAt:  e.nowRFC(),
	}
	resp.SuccessCriteriaResultsJSON = marshalOpt(in.SuccessCriteriaResults)
	resp.DeliveryMetricsJSON = marshalOpt(in.DeliveryMetrics)
	resp.GuaranteeJSON = marshalOpt(in.Guarantee)
	if in.Escalation != nil {
		raw, merr := json.Marshal(in.Escalation.Data)
		if merr == nil && in.Escalation.Data != nil {
			s := string(raw)
			resp.EscalationJSON = &s
		}
	}
	if err := e.Repo.InsertResponse(ctx, tx, resp); err != nil {
		return domain.DeliveryResponse{}, err
	}

	switch in.Status {
	case "completed":
		if err := e.Ledger.Commit(ctx, tx, assignment.ReservationID, actorID); err != nil {
			return domain.DeliveryResponse{}, err
		}
		if err := e.Repo.UpdateRequestStatus(ctx, tx, in.RequestID, "completed", e.nowRFC()); err != nil {
			return domain.DeliveryResponse{}, err
		}
		if req.VerificationModel == "guarantee" {
			if _, err := e.Guarantee.CreateRecord(ctx, tx, req, actorID); err != nil {
				return domain.DeliveryResponse{}, err
			}
		}
		if err := e.Events.Append(ctx, tx, "delivery.completed", in.RequestID, "response", resp.ResponseID, actorID, events.EventPayload{
			"engine_id":       assignment.EngineID,
			"effective_price": assignment.EffectivePrice,
		}); err != nil {
			return domain.DeliveryResponse{}, err
		}

	case "failed":
		if err := e.Ledger.Release(ctx, tx, assignment.ReservationID); err != nil {
			return domain.DeliveryResponse{}, err
		}
		if err := e.Repo.UpdateRequestStatus(ctx, tx, in.RequestID, "failed", e.nowRFC()); err != nil {
			return domain.DeliveryResponse{}, err
		}
		if err := e.Events.Append(ctx, tx, "delivery.failed", in.RequestID, "response", resp.ResponseID, actorID, events.EventPayload{
			"engine_id": assignment.EngineID,
		}); err != nil {
			return domain.DeliveryResponse{}, err
		}

	case "escalated":
		if err := e.escalateDelivery(ctx, tx, req, assignment, *in.Escalation, actorID); err != nil {
			return domain.DeliveryResponse{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.DeliveryResponse{}, err
	}
	return resp, nil
}

func (e *Engine) escalateDelivery(ctx context.Context, tx *sql.Tx, req domain.OutcomeRequest, assignment domain.DeliveryAssignment, report EscalationReport, actorID string) error {
	policy, err := req.EscalationPolicy()
	if err != nil {
		return err
	}

	elapsed := 0
	if assigned, perr := time.Parse(time.RFC3339, assignment.AssignedAt); perr == nil {
		elapsed = int(e.now().Sub(assigned).Seconds())
	}
	sig := escalate.Signal{
		Confidence:      report.Confidence,
		Attempts:        report.Attempts,
		ElapsedSeconds:  elapsed,
		BuyerText:       report.BuyerText,
		PolicyViolation: report.PolicyViolation,
		OutOfScope:      report.OutOfScope,
		Data:            report.Data,
	}
	trigger, fired := escalate.Evaluate(policy, sig)
	if !fired {
		// The execution engine escalated on its own authority; record it
		// under the reason it gave.
		trigger = domain.EscalationTriggerConfig{Type: normalizeReason(report.Reason)}
	}

	if _, err := e.Escalate.CreateCase(ctx, tx, req, trigger, sig, report.WorkCompletedPercent, assignment.EffectivePrice, actorID); err != nil {
		return err
	}
	billed := escalate.BilledAmount(policy.PartialBilling, report.WorkCompletedPercent, assignment.EffectivePrice)
	return e.Ledger.CommitAmount(ctx, tx, assignment.ReservationID, billed, actorID)
}

func normalizeReason(reason string) string {
	switch reason {
	case "confidence_threshold", "max_attempts", "timeout", "policy_violation", "out_of_scope":
		return reason
	default:
		return "explicit_request"
	}
}

func marshalOpt(m map[string]any) *string {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	s := string(raw)
	return &s
}
