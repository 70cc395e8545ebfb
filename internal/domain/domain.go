package domain

// OutcomeRequest is immutable once submitted. Nested config objects are kept as
// raw JSON the way they arrived; typed views live in the packages that consume
// them (bidding, escalate, registry).
type OutcomeRequest struct {
	RequestID                string  `json:"request_id"`
	BuyerID                  string  `json:"buyer_id"`
	OutcomeType              string  `json:"outcome_type"`
	VerificationModel        string  `json:"verification_model,omitempty" enum:"capi,guarantee"`
	CorrelationID            *string `json:"correlation_id,omitempty"`
	SuccessCriteriaJSON      *string `json:"success_criteria_json,omitempty"`
	DeliveryConstraintsJSON  *string `json:"delivery_constraints_json,omitempty"`
	EscalationPolicyJSON     *string `json:"escalation_policy_json,omitempty"`
	BidStrategyJSON          string  `json:"bid_strategy_json"`
	GuaranteeTermsJSON       *string `json:"guarantee_terms_json,omitempty"`
	ExecutionPreferencesJSON *string `json:"execution_preferences_json,omitempty"`
	Status                   string  `json:"status" enum:"pending,assigned,no_match,completed,failed,escalated,cancelled"`
	CreatedAt                string  `json:"created_at" format:"date-time"`
	UpdatedAt                string  `json:"updated_at" format:"date-time"`
}

// ExecutionEngine is a registry entry for a model+harness pair. Only
// QualityScore is mutated after registration, by the conversions scoring path.
type ExecutionEngine struct {
	EngineID         string  `json:"engine_id"`
	Name             string  `json:"name,omitempty"`
	Model            string  `json:"model"`
	Harness          string  `json:"harness"`
	Vendor           string  `json:"vendor,omitempty"`
	CapabilitiesJSON string  `json:"capabilities_json"`
	QualityScore     float64 `json:"quality_score"`
	P95LatencyMS     int     `json:"p95_latency_ms"`
	CostProfileJSON  string  `json:"cost_profile_json"`
	Active           bool    `json:"active"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// DeliveryAssignment is the result of one auction run; at most one exists per
// request (unique index on request_id).
type DeliveryAssignment struct {
	RequestID      string  `json:"request_id"`
	EngineID       string  `json:"engine_id"`
	BidPrice       float64 `json:"bid_price"`
	EffectivePrice float64 `json:"effective_price"`
	ReservationID  string  `json:"reservation_id"`
	AssignedAt     string  `json:"assigned_at" format:"date-time"`
}

// DeliveryResponse is produced once by the execution engine.
type DeliveryResponse struct {
	ResponseID                 string  `json:"response_id"`
	RequestID                  string  `json:"request_id"`
	Status                     string  `json:"status" enum:"completed,failed,escalated,pending,cancelled"`
	SuccessCriteriaResultsJSON *string `json:"success_criteria_results_json,omitempty"`
	DeliveryMetricsJSON        *string `json:"delivery_metrics_json,omitempty"`
	EscalationJSON             *string `json:"escalation_json,omitempty"`
	GuaranteeJSON              *string `json:"guarantee_json,omitempty"`
	CreatedAt                  string  `json:"created_at" format:"date-time"`
}

type EscalationCase struct {
	HandoffID            string  `json:"handoff_id"`
	RequestID            string  `json:"request_id"`
	Trigger              string  `json:"trigger" enum:"confidence_threshold,max_attempts,timeout,explicit_request,policy_violation,out_of_scope"`
	DestinationJSON      string  `json:"destination_json"`
	PayloadJSON          string  `json:"payload_json"`
	WorkCompletedPercent float64 `json:"work_completed_percent"`
	Status               string  `json:"status" enum:"open,handed_off,resolved"`
	DispatchAttempts     int     `json:"dispatch_attempts"`
	LastError            *string `json:"last_error,omitempty"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
}

type GuaranteeRecord struct {
	RequestID   string  `json:"request_id"`
	Level       string  `json:"level"`
	MaxPayout   float64 `json:"max_payout"`
	PaidOut     float64 `json:"paid_out"`
	WindowStart string  `json:"window_start" format:"date-time"`
	WindowEnd   string  `json:"window_end" format:"date-time"`
	Status      string  `json:"status" enum:"active,expired_no_claims,claimed"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Claim struct {
	ClaimID         string   `json:"claim_id"`
	RequestID       string   `json:"request_id"`
	ClaimType       string   `json:"claim_type"`
	RequestedAmount float64  `json:"requested_amount"`
	ApprovedAmount  *float64 `json:"approved_amount,omitempty"`
	Status          string   `json:"status" enum:"filed,under_review,approved,denied,withdrawn"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type Evidence struct {
	EvidenceID  string `json:"evidence_id"`
	ClaimID     string `json:"claim_id"`
	Kind        string `json:"kind,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body,omitempty"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
}

// ConversionEvent is append-only once accepted. EventID is the deterministic
// dedupe key derived from request_id, event_type, event_source_time and
// buyer_id.
type ConversionEvent struct {
	EventID              string  `json:"event_id"`
	EventType            string  `json:"event_type"`
	RequestID            *string `json:"request_id,omitempty"`
	BuyerID              string  `json:"buyer_id,omitempty"`
	CorrelationID        *string `json:"correlation_id,omitempty"`
	EventTime            string  `json:"event_time" format:"date-time"`
	EventSourceTime      *string `json:"event_source_time,omitempty" format:"date-time"`
	DataJSON             string  `json:"data_json"`
	Status               string  `json:"status" enum:"processed,duplicate,unmatched,dead_letter"`
	ActionsTriggeredJSON string  `json:"actions_triggered_json"`
	MatchAttempts        int     `json:"match_attempts"`
	ProcessedAt          *string `json:"processed_at,omitempty" format:"date-time"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
}

// BudgetState tracks spend for one (buyer, strategy instance) pair.
type BudgetState struct {
	BuyerID      string  `json:"buyer_id"`
	StrategyKey  string  `json:"strategy_key"`
	Total        float64 `json:"total"`
	DailyCap     float64 `json:"daily_cap"`
	SpentToDate  float64 `json:"spent_to_date"`
	Reserved     float64 `json:"reserved"`
	EffectiveCap float64 `json:"effective_cap"`
	CostSum      float64 `json:"cost_sum"`
	CostCount    int     `json:"cost_count"`
	ValueSum     float64 `json:"value_sum"`
	AlertLevel   int     `json:"alert_level"`
	PausedUntil  *string `json:"paused_until,omitempty" format:"date-time"`
	PeriodStart  string  `json:"period_start" format:"date-time"`
	PeriodEnd    string  `json:"period_end" format:"date-time"`
	PacedAt      *string `json:"paced_at,omitempty" format:"date-time"`
	CapAdjust    float64 `json:"cap_adjust"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Reservation struct {
	ReservationID string  `json:"reservation_id"`
	BuyerID       string  `json:"buyer_id"`
	StrategyKey   string  `json:"strategy_key"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status" enum:"reserved,committed,released"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type DeadLetter struct {
	ID          int64  `json:"id"`
	EventID     string `json:"event_id"`
	Reason      string `json:"reason"`
	PayloadJSON string `json:"payload_json"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// AuditEvent rows are the append-only transition history required for dispute
// resolution.
type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RequestID  string `json:"request_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
