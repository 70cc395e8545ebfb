package domain

import "encoding/json"

// Typed views over the raw JSON blobs carried by OutcomeRequest and
// ExecutionEngine. Decoding is tolerant of absent blobs: a nil pointer decodes
// to the zero value.

type ExecutionPreferences struct {
	AllowedEngines         []string `json:"allowed_engines,omitempty"`
	BlockedEngines         []string `json:"blocked_engines,omitempty"`
	RequireSpecificEngine  string   `json:"require_specific_engine,omitempty"`
	CapabilityRequirements []string `json:"capability_requirements,omitempty"`
	PreferredEngine        string   `json:"preferred_engine,omitempty"`
}

type DeliveryConstraints struct {
	MaxLatencySeconds int    `json:"max_latency_seconds,omitempty"`
	Deadline          string `json:"deadline,omitempty"`
}

type SuccessCriterion struct {
	Metric   string `json:"metric"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`
}

type SuccessCriteria struct {
	Required []SuccessCriterion `json:"required,omitempty"`
	Optional []SuccessCriterion `json:"optional,omitempty"`
}

type GuaranteeTerms struct {
	Level           string  `json:"level,omitempty"`
	MaxPayout       float64 `json:"max_payout,omitempty"`
	ClaimWindowDays int     `json:"claim_window_days,omitempty"`
}

type EscalationTriggerConfig struct {
	Type           string   `json:"type" enum:"confidence_threshold,max_attempts,timeout,explicit_request,policy_violation,out_of_scope"`
	Threshold      float64  `json:"threshold,omitempty"`
	Attempts       int      `json:"attempts,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Patterns       []string `json:"patterns,omitempty"`
	Conditions     []string `json:"conditions,omitempty"`
}

type EscalationDestination struct {
	Type     string `json:"type" enum:"webhook,queue,email,integration"`
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

type PartialBilling struct {
	Model     string  `json:"model,omitempty" enum:"percentage_complete,fixed_triage_fee,none"`
	TriageFee float64 `json:"triage_fee,omitempty"`
}

type HandoffContent struct {
	IncludeSummary         *bool `json:"include_summary,omitempty"`
	IncludeTranscript      *bool `json:"include_transcript,omitempty"`
	IncludeCustomerContext *bool `json:"include_customer_context,omitempty"`
}

type EscalationPolicy struct {
	Triggers       []EscalationTriggerConfig `json:"triggers,omitempty"`
	Destinations   []EscalationDestination   `json:"destinations,omitempty"`
	PartialBilling PartialBilling            `json:"partial_billing,omitempty"`
	HandoffContent HandoffContent            `json:"handoff_content,omitempty"`
}

// CostProfile maps outcome types to quoted prices; "default" applies when no
// per-type quote exists.
type CostProfile struct {
	QuotedPrices map[string]float64 `json:"quoted_prices"`
}

func (c CostProfile) QuoteFor(outcomeType string) (float64, bool) {
	if p, ok := c.QuotedPrices[outcomeType]; ok {
		return p, true
	}
	p, ok := c.QuotedPrices["default"]
	return p, ok
}

func decodeInto(raw *string, out any) error {
	if raw == nil || *raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(*raw), out)
}

func (r OutcomeRequest) ExecutionPreferences() (ExecutionPreferences, error) {
	var p ExecutionPreferences
	err := decodeInto(r.ExecutionPreferencesJSON, &p)
	return p, err
}

func (r OutcomeRequest) DeliveryConstraints() (DeliveryConstraints, error) {
	var c DeliveryConstraints
	err := decodeInto(r.DeliveryConstraintsJSON, &c)
	return c, err
}

func (r OutcomeRequest) SuccessCriteria() (SuccessCriteria, error) {
	var s SuccessCriteria
	err := decodeInto(r.SuccessCriteriaJSON, &s)
	return s, err
}

func (r OutcomeRequest) GuaranteeTerms() (GuaranteeTerms, error) {
	var g GuaranteeTerms
	err := decodeInto(r.GuaranteeTermsJSON, &g)
	return g, err
}

func (r OutcomeRequest) EscalationPolicy() (EscalationPolicy, error) {
	var p EscalationPolicy
	err := decodeInto(r.EscalationPolicyJSON, &p)
	return p, err
}

func (e ExecutionEngine) Capabilities() []string {
	var caps []string
	if e.CapabilitiesJSON != "" {
		_ = json.Unmarshal([]byte(e.CapabilitiesJSON), &caps)
	}
	return caps
}

func (e ExecutionEngine) CostProfile() CostProfile {
	var cp CostProfile
	if e.CostProfileJSON != "" {
		_ = json.Unmarshal([]byte(e.CostProfileJSON), &cp)
	}
	return cp
}
