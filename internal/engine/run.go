package engine

import (
	"context"
	"log"
	"time"

	"outcomedesk/internal/domain"
	"outcomedesk/internal/escalate"
	"outcomedesk/internal/repo"
)

// Start launches the background workers: the escalation dispatcher, the
// guarantee-window sweep, the unmatched-event retry loop and the timeout
// monitor.
func (e *Engine) Start() {
	e.dispatcher.Start()

	sweepInterval := time.Duration(e.Config.Guarantees.SweepIntervalMinutes) * time.Minute
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	e.wg.Add(1)
	go e.loop(sweepInterval, e.sweepGuarantees)

	retryInterval := time.Duration(e.Config.Conversions.MatchRetrySeconds) * time.Second
	if retryInterval <= 0 {
		retryInterval = 30 * time.Second
	}
	e.wg.Add(1)
	go e.loop(retryInterval, func() {
		e.Pipeline.RetryUnmatched(context.Background())
	})

	monitorInterval := time.Duration(e.Config.Escalation.MonitorIntervalSeconds) * time.Second
	if monitorInterval <= 0 {
		monitorInterval = 30 * time.Second
	}
	e.wg.Add(1)
	go e.loop(monitorInterval, e.monitorTimeouts)
}

// Stop halts the workers and waits for in-flight iterations to finish.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
	e.dispatcher.Stop()
}

func (e *Engine) loop(interval time.Duration, fn func()) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// sweepGuarantees expires active guarantee windows that aged out with no
// claim. Each record is closed under its request's stripe lock so a sweep
// never races a claim being filed.
func (e *Engine) sweepGuarantees() {
	ctx := context.Background()
	due, err := e.Guarantee.ExpireDue(ctx, 100)
	if err != nil {
		log.Printf("guarantee sweep: list due records failed: %v", err)
		return
	}
	for _, rec := range due {
		mu := e.lockFor(rec.RequestID)
		mu.Lock()
		err := e.Guarantee.ExpireRecord(ctx, rec.RequestID)
		mu.Unlock()
		if err != nil {
			log.Printf("guarantee sweep: expire %s failed: %v", rec.RequestID, err)
		}
	}
}

// SweepGuaranteesNow is the test and CLI hook for an immediate sweep pass.
func (e *Engine) SweepGuaranteesNow() {
	e.sweepGuarantees()
}

// monitorTimeouts escalates assigned requests whose timeout trigger elapsed
// without the execution engine reporting back. A hung engine never calls
// RecordDelivery, so this is the only path that fires on wall clock.
func (e *Engine) monitorTimeouts() {
	ctx := context.Background()
	assigned, err := e.Repo.ListRequests(ctx, repo.RequestFilters{Status: "assigned", Limit: 200})
	if err != nil {
		log.Printf("timeout monitor: list assigned failed: %v", err)
		return
	}
	for _, req := range assigned {
		policy, perr := req.EscalationPolicy()
		if perr != nil {
			continue
		}
		assignment, aerr := e.Repo.GetAssignment(ctx, req.RequestID)
		if aerr != nil {
			continue
		}
		elapsed := 0
		if assignedAt, terr := time.Parse(time.RFC3339, assignment.AssignedAt); terr == nil {
			elapsed = int(e.now().Sub(assignedAt).Seconds())
		}
		trigger, due := escalate.TimeoutDue(policy, elapsed)
		if !due {
			continue
		}
		if err := e.escalateTimedOut(ctx, req.RequestID, trigger, elapsed); err != nil {
			log.Printf("timeout monitor: escalate %s failed: %v", req.RequestID, err)
		}
	}
}

// escalateTimedOut re-checks the request under its stripe lock; a delivery
// that landed between the scan and the lock wins.
func (e *Engine) escalateTimedOut(ctx context.Context, requestID string, trigger domain.EscalationTriggerConfig, elapsedSeconds int) error {
	mu := e.lockFor(requestID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if req.Status != "assigned" {
		return nil
	}
	assignment, err := e.Repo.GetAssignmentTx(ctx, tx, requestID)
	if err != nil {
		return err
	}
	policy, err := req.EscalationPolicy()
	if err != nil {
		return err
	}

	sig := escalate.Signal{ElapsedSeconds: elapsedSeconds}
	if _, err := e.Escalate.CreateCase(ctx, tx, req, trigger, sig, 0, assignment.EffectivePrice, "system"); err != nil {
		return err
	}
	// No work was reported, so only the policy's floor (e.g. a triage fee)
	// is billed; the rest of the reservation returns to the pool.
	billed := escalate.BilledAmount(policy.PartialBilling, 0, assignment.EffectivePrice)
	if err := e.Ledger.CommitAmount(ctx, tx, assignment.ReservationID, billed, "system"); err != nil {
		return err
	}
	return tx.Commit()
}

// MonitorTimeoutsNow is the test and CLI hook for an immediate monitor pass.
func (e *Engine) MonitorTimeoutsNow() {
	e.monitorTimeouts()
}
