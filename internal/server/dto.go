package server

import (
	"encoding/json"

	"outcomedesk/internal/domain"
)

// SubmitRequestBody is the buyer-facing request schema. Nested documents are
// kept as raw JSON and validated by the engine.
type SubmitRequestBody struct {
	RequestID            string          `json:"request_id,omitempty"`
	BuyerID              string          `json:"buyer_id"`
	OutcomeType          string          `json:"outcome_type"`
	VerificationModel    string          `json:"verification_model,omitempty" enum:"capi,guarantee"`
	CorrelationID        string          `json:"correlation_id,omitempty"`
	SuccessCriteria      json.RawMessage `json:"success_criteria,omitempty"`
	DeliveryConstraints  json.RawMessage `json:"delivery_constraints,omitempty"`
	EscalationPolicy     json.RawMessage `json:"escalation_policy,omitempty"`
	BidStrategy          json.RawMessage `json:"bid_strategy"`
	GuaranteeTerms       json.RawMessage `json:"guarantee_terms,omitempty"`
	ExecutionPreferences json.RawMessage `json:"execution_preferences,omitempty"`
}

func (b SubmitRequestBody) toDomain() domain.OutcomeRequest {
	req := domain.OutcomeRequest{
		RequestID:         b.RequestID,
		BuyerID:           b.BuyerID,
		OutcomeType:       b.OutcomeType,
		VerificationModel: b.VerificationModel,
		BidStrategyJSON:   string(b.BidStrategy),
	}
	if b.CorrelationID != "" {
		req.CorrelationID = &b.CorrelationID
	}
	req.SuccessCriteriaJSON = rawToPtr(b.SuccessCriteria)
	req.DeliveryConstraintsJSON = rawToPtr(b.DeliveryConstraints)
	req.EscalationPolicyJSON = rawToPtr(b.EscalationPolicy)
	req.GuaranteeTermsJSON = rawToPtr(b.GuaranteeTerms)
	req.ExecutionPreferencesJSON = rawToPtr(b.ExecutionPreferences)
	return req
}

func rawToPtr(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

// RequestResponse is the external view of a request and, when present, its
// assignment.
type RequestResponse struct {
	RequestID         string              `json:"request_id"`
	BuyerID           string              `json:"buyer_id"`
	OutcomeType       string              `json:"outcome_type"`
	VerificationModel string              `json:"verification_model"`
	CorrelationID     *string             `json:"correlation_id,omitempty"`
	Status            string              `json:"status"`
	Assignment        *AssignmentResponse `json:"assignment,omitempty"`
	NoMatchReason     string              `json:"no_match_reason,omitempty"`
	CreatedAt         string              `json:"created_at"`
	UpdatedAt         string              `json:"updated_at"`
}

type AssignmentResponse struct {
	EngineID       string  `json:"engine_id"`
	BidPrice       float64 `json:"bid_price"`
	EffectivePrice float64 `json:"effective_price"`
	ReservationID  string  `json:"reservation_id"`
	AssignedAt     string  `json:"assigned_at"`
}

func requestResponse(req domain.OutcomeRequest, assignment *domain.DeliveryAssignment) RequestResponse {
	out := RequestResponse{
		RequestID:         req.RequestID,
		BuyerID:           req.BuyerID,
		OutcomeType:       req.OutcomeType,
		VerificationModel: req.VerificationModel,
		CorrelationID:     req.CorrelationID,
		Status:            req.Status,
		CreatedAt:         req.CreatedAt,
		UpdatedAt:         req.UpdatedAt,
	}
	if assignment != nil {
		out.Assignment = &AssignmentResponse{
			EngineID:       assignment.EngineID,
			BidPrice:       assignment.BidPrice,
			EffectivePrice: assignment.EffectivePrice,
			ReservationID:  assignment.ReservationID,
			AssignedAt:     assignment.AssignedAt,
		}
	}
	return out
}

// DeliveryBody is the execution engine's response callback.
type DeliveryBody struct {
	Status                 string            `json:"status" enum:"completed,failed,escalated"`
	SuccessCriteriaResults map[string]any    `json:"success_criteria_results,omitempty"`
	DeliveryMetrics        map[string]any    `json:"delivery_metrics,omitempty"`
	Escalation             *EscalationReport `json:"escalation,omitempty"`
	Guarantee              map[string]any    `json:"guarantee,omitempty"`
}

type EscalationReport struct {
	Reason               string         `json:"reason,omitempty"`
	Confidence           *float64       `json:"confidence,omitempty"`
	Attempts             int            `json:"attempts,omitempty"`
	BuyerText            string         `json:"buyer_text,omitempty"`
	PolicyViolation      bool           `json:"policy_violation,omitempty"`
	OutOfScope           bool           `json:"out_of_scope,omitempty"`
	WorkCompletedPercent float64        `json:"work_completed_percent,omitempty"`
	Data                 map[string]any `json:"data,omitempty"`
}

type RegisterEngineBody struct {
	EngineID     string             `json:"engine_id"`
	Name         string             `json:"name,omitempty"`
	Model        string             `json:"model"`
	Harness      string             `json:"harness"`
	Vendor       string             `json:"vendor,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
	P95LatencyMS int                `json:"p95_latency_ms,omitempty"`
	QuotedPrices map[string]float64 `json:"quoted_prices,omitempty"`
	Active       *bool              `json:"active,omitempty"`
}

type EngineResponse struct {
	EngineID     string   `json:"engine_id"`
	Name         string   `json:"name,omitempty"`
	Model        string   `json:"model"`
	Harness      string   `json:"harness"`
	Vendor       string   `json:"vendor,omitempty"`
	Capabilities []string `json:"capabilities"`
	QualityScore float64  `json:"quality_score"`
	P95LatencyMS int      `json:"p95_latency_ms"`
	Active       bool     `json:"active"`
	CreatedAt    string   `json:"created_at"`
}

func engineResponse(e domain.ExecutionEngine) EngineResponse {
	caps := e.Capabilities()
	if caps == nil {
		caps = []string{}
	}
	return EngineResponse{
		EngineID:     e.EngineID,
		Name:         e.Name,
		Model:        e.Model,
		Harness:      e.Harness,
		Vendor:       e.Vendor,
		Capabilities: caps,
		QualityScore: e.QualityScore,
		P95LatencyMS: e.P95LatencyMS,
		Active:       e.Active,
		CreatedAt:    e.CreatedAt,
	}
}

// EventBody is the conversions ingestion schema.
type EventBody struct {
	EventType       string         `json:"event_type"`
	RequestID       string         `json:"request_id,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	BuyerID         string         `json:"buyer_id,omitempty"`
	EventSourceTime string         `json:"event_source_time,omitempty" format:"date-time"`
	Data            map[string]any `json:"data,omitempty"`
}

type EventAccepted struct {
	EventID     string   `json:"event_id"`
	ProcessedAt string   `json:"processed_at,omitempty"`
	Warnings    []string `json:"warnings"`
}

type BatchEventStatus struct {
	EventID     string   `json:"event_id,omitempty"`
	Status      string   `json:"status"`
	ProcessedAt string   `json:"processed_at,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type EventStatusResponse struct {
	EventID          string   `json:"event_id"`
	EventType        string   `json:"event_type"`
	RequestID        *string  `json:"request_id,omitempty"`
	Status           string   `json:"status"`
	ActionsTriggered []string `json:"actions_triggered"`
	ProcessedAt      *string  `json:"processed_at,omitempty"`
	CreatedAt        string   `json:"created_at"`
}

type GuaranteeResponse struct {
	RequestID   string  `json:"request_id"`
	Level       string  `json:"level,omitempty"`
	MaxPayout   float64 `json:"max_payout"`
	PaidOut     float64 `json:"paid_out"`
	WindowStart string  `json:"window_start"`
	WindowEnd   string  `json:"window_end"`
	Status      string  `json:"status"`
}

type ClaimResponse struct {
	ClaimID         string   `json:"claim_id"`
	RequestID       string   `json:"request_id"`
	ClaimType       string   `json:"claim_type"`
	RequestedAmount float64  `json:"requested_amount"`
	ApprovedAmount  *float64 `json:"approved_amount,omitempty"`
	Status          string   `json:"status"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

func claimResponse(c domain.Claim) ClaimResponse {
	return ClaimResponse{
		ClaimID:         c.ClaimID,
		RequestID:       c.RequestID,
		ClaimType:       c.ClaimType,
		RequestedAmount: c.RequestedAmount,
		ApprovedAmount:  c.ApprovedAmount,
		Status:          c.Status,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

type EvidenceResponse struct {
	EvidenceID  string `json:"evidence_id"`
	ClaimID     string `json:"claim_id"`
	Kind        string `json:"kind,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	SubmittedAt string `json:"submitted_at"`
}

type BudgetResponse struct {
	BuyerID      string  `json:"buyer_id"`
	StrategyKey  string  `json:"strategy_key"`
	Total        float64 `json:"total"`
	DailyCap     float64 `json:"daily_cap"`
	SpentToDate  float64 `json:"spent_to_date"`
	Reserved     float64 `json:"reserved"`
	EffectiveCap float64 `json:"effective_cap"`
	AlertLevel   int     `json:"alert_level"`
	PausedUntil  *string `json:"paused_until,omitempty"`
	PeriodStart  string  `json:"period_start"`
	PeriodEnd    string  `json:"period_end"`
}

func budgetResponse(b domain.BudgetState) BudgetResponse {
	return BudgetResponse{
		BuyerID:      b.BuyerID,
		StrategyKey:  b.StrategyKey,
		Total:        b.Total,
		DailyCap:     b.DailyCap,
		SpentToDate:  b.SpentToDate,
		Reserved:     b.Reserved,
		EffectiveCap: b.EffectiveCap,
		AlertLevel:   b.AlertLevel,
		PausedUntil:  b.PausedUntil,
		PeriodStart:  b.PeriodStart,
		PeriodEnd:    b.PeriodEnd,
	}
}

type AuditEventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	RequestID  string          `json:"request_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func auditResponse(ev domain.AuditEvent) AuditEventResponse {
	payload := json.RawMessage("{}")
	if ev.Payload != "" && json.Valid([]byte(ev.Payload)) {
		payload = json.RawMessage(ev.Payload)
	}
	return AuditEventResponse{
		ID:         ev.ID,
		TS:         ev.TS,
		Type:       ev.Type,
		RequestID:  ev.RequestID,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
		Payload:    payload,
	}
}
