// Package guarantee manages guarantee records and the claim lifecycle for
// guarantee-backed outcomes.
package guarantee

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outcomedesk/internal/config"
	"outcomedesk/internal/domain"
	"outcomedesk/internal/events"
	"outcomedesk/internal/repo"
)

var (
	// ErrClaimWindowExpired rejects claims filed after window_end.
	ErrClaimWindowExpired = errors.New("claim window expired")
	// ErrGuaranteeNotActive rejects claims against expired or already
	// claimed records.
	ErrGuaranteeNotActive = errors.New("guarantee record not active")
	// ErrEvidenceNotAccepted rejects evidence on claims past review.
	ErrEvidenceNotAccepted = errors.New("claim does not accept evidence")
)

type Lifecycle struct {
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func (l Lifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Lifecycle) nowRFC() string {
	return l.now().UTC().Format(time.RFC3339)
}

// CreateRecord opens an active guarantee window for a completed
// guarantee-backed delivery. claim_window_days comes from the request terms,
// falling back to the catalog entry.
func (l Lifecycle) CreateRecord(ctx context.Context, tx *sql.Tx, req domain.OutcomeRequest, actorID string) (domain.GuaranteeRecord, error) {
	terms, err := req.GuaranteeTerms()
	if err != nil {
		return domain.GuaranteeRecord{}, err
	}
	windowDays := terms.ClaimWindowDays
	if windowDays <= 0 {
		if ot, ok := l.Config.OutcomeFor(req.OutcomeType); ok {
			windowDays = ot.ClaimWindowDays
		}
	}
	if windowDays <= 0 {
		return domain.GuaranteeRecord{}, fmt.Errorf("request %s: no claim window configured", req.RequestID)
	}

	now := l.now().UTC()
	ts := now.Format(time.RFC3339)
	rec := domain.GuaranteeRecord{
		RequestID:   req.RequestID,
		Level:       terms.Level,
		MaxPayout:   terms.MaxPayout,
		WindowStart: ts,
		WindowEnd:   now.AddDate(0, 0, windowDays).Format(time.RFC3339),
		Status:      "active",
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := l.Repo.InsertGuaranteeRecord(ctx, tx, rec); err != nil {
		return domain.GuaranteeRecord{}, err
	}
	if err := l.Events.Append(ctx, tx, "guarantee.opened", req.RequestID, "guarantee", req.RequestID, actorID, events.EventPayload{
		"level":      rec.Level,
		"max_payout": rec.MaxPayout,
		"window_end": rec.WindowEnd,
	}); err != nil {
		return domain.GuaranteeRecord{}, err
	}
	return rec, nil
}

// FileClaim transitions an active record to claimed and opens a filed claim.
// Claims outside [window_start, window_end] fail with ErrClaimWindowExpired.
func (l Lifecycle) FileClaim(ctx context.Context, tx *sql.Tx, requestID, claimType string, requestedAmount float64, actorID string) (domain.Claim, error) {
	rec, err := l.Repo.GetGuaranteeRecordTx(ctx, tx, requestID)
	if err != nil {
		return domain.Claim{}, err
	}
	if rec.Status != "active" {
		return domain.Claim{}, ErrGuaranteeNotActive
	}
	now := l.now().UTC()
	if end, perr := time.Parse(time.RFC3339, rec.WindowEnd); perr == nil && now.After(end) {
		return domain.Claim{}, ErrClaimWindowExpired
	}
	if start, perr := time.Parse(time.RFC3339, rec.WindowStart); perr == nil && now.Before(start) {
		return domain.Claim{}, ErrClaimWindowExpired
	}

	ts := now.Format(time.RFC3339)
	claim := domain.Claim{
		ClaimID:         "clm_" + uuid.NewString(),
		RequestID:       requestID,
		ClaimType:       claimType,
		RequestedAmount: requestedAmount,
		Status:          "filed",
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	if err := l.Repo.InsertClaim(ctx, tx, claim); err != nil {
		return domain.Claim{}, err
	}
	rec.Status = "claimed"
	rec.UpdatedAt = ts
	if err := l.Repo.UpdateGuaranteeRecord(ctx, tx, rec); err != nil {
		return domain.Claim{}, err
	}
	if err := l.Events.Append(ctx, tx, "claim.filed", requestID, "claim", claim.ClaimID, actorID, events.EventPayload{
		"claim_type":       claimType,
		"requested_amount": requestedAmount,
	}); err != nil {
		return domain.Claim{}, err
	}
	return claim, nil
}

// AttachEvidence records evidence against a claim still open for review.
func (l Lifecycle) AttachEvidence(ctx context.Context, tx *sql.Tx, claimID, kind, contentType, body, actorID string) (domain.Evidence, error) {
	claim, err := l.Repo.GetClaimTx(ctx, tx, claimID)
	if err != nil {
		return domain.Evidence{}, err
	}
	if claim.Status != "filed" && claim.Status != "under_review" {
		return domain.Evidence{}, ErrEvidenceNotAccepted
	}
	ev := domain.Evidence{
		EvidenceID:  "evd_" + uuid.NewString(),
		ClaimID:     claimID,
		Kind:        kind,
		ContentType: contentType,
		Body:        body,
		SubmittedAt: l.nowRFC(),
	}
	if err := l.Repo.InsertEvidence(ctx, tx, ev); err != nil {
		return domain.Evidence{}, err
	}
	if claim.Status == "filed" {
		claim.Status = "under_review"
		claim.UpdatedAt = ev.SubmittedAt
		if err := l.Repo.UpdateClaim(ctx, tx, claim); err != nil {
			return domain.Evidence{}, err
		}
	}
	if err := l.Events.Append(ctx, tx, "claim.evidence", claim.RequestID, "claim", claimID, actorID, events.EventPayload{
		"evidence_id": ev.EvidenceID,
		"kind":        kind,
	}); err != nil {
		return domain.Evidence{}, err
	}
	return ev, nil
}

// Adjudicate applies an external approve/deny decision. An approved payout is
// capped at what remains of max_payout after prior approvals.
func (l Lifecycle) Adjudicate(ctx context.Context, tx *sql.Tx, claimID string, approved bool, actorID string) (domain.Claim, error) {
	claim, err := l.Repo.GetClaimTx(ctx, tx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}
	if claim.Status != "filed" && claim.Status != "under_review" {
		return domain.Claim{}, fmt.Errorf("claim %s already %s", claimID, claim.Status)
	}
	ts := l.nowRFC()
	claim.UpdatedAt = ts
	if !approved {
		claim.Status = "denied"
		if err := l.Repo.UpdateClaim(ctx, tx, claim); err != nil {
			return domain.Claim{}, err
		}
		if err := l.Events.Append(ctx, tx, "claim.denied", claim.RequestID, "claim", claimID, actorID, nil); err != nil {
			return domain.Claim{}, err
		}
		return claim, nil
	}

	rec, err := l.Repo.GetGuaranteeRecordTx(ctx, tx, claim.RequestID)
	if err != nil {
		return domain.Claim{}, err
	}
	prior, err := l.Repo.SumApprovedPayouts(ctx, tx, claim.RequestID)
	if err != nil {
		return domain.Claim{}, err
	}
	payout := claim.RequestedAmount
	if remaining := rec.MaxPayout - prior; payout > remaining {
		payout = remaining
	}
	if payout < 0 {
		payout = 0
	}
	claim.Status = "approved"
	claim.ApprovedAmount = &payout
	if err := l.Repo.UpdateClaim(ctx, tx, claim); err != nil {
		return domain.Claim{}, err
	}
	rec.PaidOut = prior + payout
	rec.UpdatedAt = ts
	if err := l.Repo.UpdateGuaranteeRecord(ctx, tx, rec); err != nil {
		return domain.Claim{}, err
	}
	if err := l.Events.Append(ctx, tx, "claim.approved", claim.RequestID, "claim", claimID, actorID, events.EventPayload{
		"requested_amount": claim.RequestedAmount,
		"approved_amount":  payout,
		"paid_out_total":   rec.PaidOut,
	}); err != nil {
		return domain.Claim{}, err
	}
	return claim, nil
}

// ExpireDue lists active records whose window has passed, for the sweep.
func (l Lifecycle) ExpireDue(ctx context.Context, limit int) ([]domain.GuaranteeRecord, error) {
	return l.Repo.ListExpirableGuarantees(ctx, l.nowRFC(), limit)
}

// ExpireRecord closes one record that aged out with no claim, emitting the
// expiry event. A record claimed since the listing is left alone.
func (l Lifecycle) ExpireRecord(ctx context.Context, requestID string) error {
	tx, err := l.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	rec, err := l.Repo.GetGuaranteeRecordTx(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if rec.Status != "active" {
		return nil
	}
	rec.Status = "expired_no_claims"
	rec.UpdatedAt = l.nowRFC()
	if err := l.Repo.UpdateGuaranteeRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := l.Events.Append(ctx, tx, "guarantee.expired", requestID, "guarantee", requestID, "system", events.EventPayload{
		"window_end": rec.WindowEnd,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
