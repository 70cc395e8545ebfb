package outcomedesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Outcomedesk HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request is the API request model (partial).
type Request struct {
	RequestID         string      `json:"request_id"`
	BuyerID           string      `json:"buyer_id"`
	OutcomeType       string      `json:"outcome_type"`
	VerificationModel string      `json:"verification_model"`
	Status            string      `json:"status"`
	Assignment        *Assignment `json:"assignment,omitempty"`
	NoMatchReason     string      `json:"no_match_reason,omitempty"`
}

type Assignment struct {
	EngineID       string  `json:"engine_id"`
	BidPrice       float64 `json:"bid_price"`
	EffectivePrice float64 `json:"effective_price"`
	ReservationID  string  `json:"reservation_id"`
	AssignedAt     string  `json:"assigned_at"`
}

// SubmitRequestInput carries the buyer-facing request schema; nested documents
// (bid strategy, guarantee terms, preferences) go in as arbitrary JSON.
type SubmitRequestInput struct {
	BuyerID              string         `json:"buyer_id"`
	OutcomeType          string         `json:"outcome_type"`
	VerificationModel    string         `json:"verification_model,omitempty"`
	CorrelationID        string         `json:"correlation_id,omitempty"`
	BidStrategy          map[string]any `json:"bid_strategy"`
	SuccessCriteria      map[string]any `json:"success_criteria,omitempty"`
	DeliveryConstraints  map[string]any `json:"delivery_constraints,omitempty"`
	EscalationPolicy     map[string]any `json:"escalation_policy,omitempty"`
	GuaranteeTerms       map[string]any `json:"guarantee_terms,omitempty"`
	ExecutionPreferences map[string]any `json:"execution_preferences,omitempty"`
}

// Event is the conversions ingestion schema.
type Event struct {
	EventType       string         `json:"event_type"`
	RequestID       string         `json:"request_id,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	BuyerID         string         `json:"buyer_id,omitempty"`
	EventSourceTime string         `json:"event_source_time,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// EventAccepted is the single-event ingestion response.
type EventAccepted struct {
	EventID     string   `json:"event_id"`
	ProcessedAt string   `json:"processed_at,omitempty"`
	Warnings    []string `json:"warnings"`
}

// BatchStatus is one entry of a batch ingestion response.
type BatchStatus struct {
	EventID     string   `json:"event_id,omitempty"`
	Status      string   `json:"status"`
	ProcessedAt string   `json:"processed_at,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Claim is the API claim model.
type Claim struct {
	ClaimID         string   `json:"claim_id"`
	RequestID       string   `json:"request_id"`
	ClaimType       string   `json:"claim_type"`
	RequestedAmount float64  `json:"requested_amount"`
	ApprovedAmount  *float64 `json:"approved_amount,omitempty"`
	Status          string   `json:"status"`
}

// Evidence is the API evidence model.
type Evidence struct {
	EvidenceID  string `json:"evidence_id"`
	ClaimID     string `json:"claim_id"`
	Kind        string `json:"kind,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	SubmittedAt string `json:"submitted_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitRequest submits an outcome request; the auction runs inline and the
// response carries either an assignment or a no_match_reason.
func (c *Client) SubmitRequest(ctx context.Context, in SubmitRequestInput) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "v1/requests", in, &resp)
	return resp, err
}

// GetRequest fetches a request with its assignment.
func (c *Client) GetRequest(ctx context.Context, requestID string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "v1/requests/"+url.PathEscape(requestID), nil, &resp)
	return resp, err
}

// CancelRequest withdraws a pending request.
func (c *Client) CancelRequest(ctx context.Context, requestID string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "v1/requests/"+url.PathEscape(requestID)+"/cancel", nil, &resp)
	return resp, err
}

// RecordDelivery posts the execution engine's delivery response.
func (c *Client) RecordDelivery(ctx context.Context, requestID string, body map[string]any) error {
	endpoint := "v1/requests/" + url.PathEscape(requestID) + "/delivery"
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// SendEvent ingests one conversion event.
func (c *Client) SendEvent(ctx context.Context, ev Event) (EventAccepted, error) {
	var resp EventAccepted
	err := c.do(ctx, http.MethodPost, "v1/events", ev, &resp)
	return resp, err
}

// SendEventBatch ingests a batch; partial success is reported per event.
func (c *Client) SendEventBatch(ctx context.Context, evs []Event) ([]BatchStatus, error) {
	var resp struct {
		Results []BatchStatus `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "v1/events/batch", map[string]any{"events": evs}, &resp)
	return resp.Results, err
}

// GetClaim fetches a claim with its evidence.
func (c *Client) GetClaim(ctx context.Context, claimID string) (Claim, []Evidence, error) {
	var resp struct {
		Claim    Claim      `json:"claim"`
		Evidence []Evidence `json:"evidence"`
	}
	err := c.do(ctx, http.MethodGet, "v1/claims/"+url.PathEscape(claimID), nil, &resp)
	return resp.Claim, resp.Evidence, err
}

// AttachEvidence uploads an evidence file for a claim.
func (c *Client) AttachEvidence(ctx context.Context, claimID, kind, filename string, content io.Reader) (Evidence, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Evidence{}, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return Evidence{}, err
	}
	if err := mw.Close(); err != nil {
		return Evidence{}, err
	}
	endpoint := "v1/claims/" + url.PathEscape(claimID) + "/evidence"
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/"+endpoint, &buf)
	if err != nil {
		return Evidence{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuth(req)
	resp, err := c.client().Do(req)
	if err != nil {
		return Evidence{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Evidence{}, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out Evidence
	return out, json.NewDecoder(resp.Body).Decode(&out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
