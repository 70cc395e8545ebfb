package escalate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"outcomedesk/internal/domain"
	"outcomedesk/internal/events"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDispatchTimeout  = 5 * time.Second
	defaultDispatchBatch    = 50
	defaultMaxAttempts      = 5
	defaultBackoff          = 2 * time.Second
)

// Dispatcher delivers open escalation cases to their destinations with
// at-least-once semantics and exponential backoff between attempts.
type Dispatcher struct {
	Controller Controller
	Client     *http.Client
	stop       chan struct{}
	done       chan struct{}
}

func NewDispatcher(c Controller) *Dispatcher {
	timeout := defaultDispatchTimeout
	if c.Config.Escalation.Dispatch.TimeoutSeconds > 0 {
		timeout = time.Duration(c.Config.Escalation.Dispatch.TimeoutSeconds) * time.Second
	}
	return &Dispatcher{
		Controller: c,
		Client:     &http.Client{Timeout: timeout},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	go d.run()
}

func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	ticker := time.NewTicker(defaultDispatchInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) dispatchAll() {
	ctx := context.Background()
	cases, err := d.Controller.Repo.ListOpenEscalations(ctx, defaultDispatchBatch)
	if err != nil {
		log.Printf("escalation dispatch: list open cases failed: %v", err)
		return
	}
	for _, esc := range cases {
		if !d.due(esc) {
			continue
		}
		d.dispatchOne(ctx, esc)
	}
}

// due gates retries: attempt n waits backoff * 2^(n-1) after the last update.
func (d *Dispatcher) due(esc domain.EscalationCase) bool {
	if esc.DispatchAttempts == 0 {
		return true
	}
	backoff := defaultBackoff
	if d.Controller.Config.Escalation.Dispatch.BackoffSeconds > 0 {
		backoff = time.Duration(d.Controller.Config.Escalation.Dispatch.BackoffSeconds) * time.Second
	}
	wait := time.Duration(float64(backoff) * math.Pow(2, float64(esc.DispatchAttempts-1)))
	last, err := time.Parse(time.RFC3339, esc.UpdatedAt)
	if err != nil {
		return true
	}
	now := time.Now
	if d.Controller.Now != nil {
		now = d.Controller.Now
	}
	return now().Sub(last) >= wait
}

func (d *Dispatcher) dispatchOne(ctx context.Context, esc domain.EscalationCase) {
	var dest domain.EscalationDestination
	if err := json.Unmarshal([]byte(esc.DestinationJSON), &dest); err != nil {
		log.Printf("escalation dispatch: case %s has bad destination: %v", esc.HandoffID, err)
		return
	}

	var deliverErr error
	if dest.Type == "webhook" && strings.TrimSpace(dest.URL) != "" {
		deliverErr = d.post(ctx, dest, esc)
	}
	// queue, email and named integrations have no transport here; recording
	// the case is the handoff.

	maxAttempts := defaultMaxAttempts
	if d.Controller.Config.Escalation.Dispatch.MaxAttempts > 0 {
		maxAttempts = d.Controller.Config.Escalation.Dispatch.MaxAttempts
	}

	tx, err := d.Controller.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("escalation dispatch: begin tx failed: %v", err)
		return
	}
	defer tx.Rollback()

	esc.DispatchAttempts++
	esc.UpdatedAt = d.Controller.nowRFC()
	if deliverErr != nil {
		msg := deliverErr.Error()
		esc.LastError = &msg
		if esc.DispatchAttempts >= maxAttempts {
			log.Printf("escalation dispatch: case %s exhausted %d attempts: %v", esc.HandoffID, esc.DispatchAttempts, deliverErr)
		}
	} else {
		esc.Status = "handed_off"
		esc.LastError = nil
	}
	if err := d.Controller.Repo.UpdateEscalationCase(ctx, tx, esc); err != nil {
		log.Printf("escalation dispatch: update case %s failed: %v", esc.HandoffID, err)
		return
	}
	if deliverErr == nil {
		if err := d.Controller.Events.Append(ctx, tx, "escalation.handed_off", esc.RequestID, "escalation", esc.HandoffID, "system", events.EventPayload{
			"destination_type": dest.Type,
			"destination_name": dest.Name,
			"attempts":         esc.DispatchAttempts,
		}); err != nil {
			log.Printf("escalation dispatch: audit append failed: %v", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("escalation dispatch: commit failed: %v", err)
	}
}

func (d *Dispatcher) post(ctx context.Context, dest domain.EscalationDestination, esc domain.EscalationCase) error {
	body := map[string]any{
		"handoff_id":             esc.HandoffID,
		"request_id":             esc.RequestID,
		"trigger":                esc.Trigger,
		"work_completed_percent": esc.WorkCompletedPercent,
		"payload":                json.RawMessage(esc.PayloadJSON),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Outcomedesk-Handoff", esc.HandoffID)
	req.Header.Set("X-Outcomedesk-Trigger", esc.Trigger)
	if strings.TrimSpace(dest.Secret) != "" {
		req.Header.Set("X-Outcomedesk-Secret", dest.Secret)
	}
	res, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
