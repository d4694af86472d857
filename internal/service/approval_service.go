package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ledgerly/be-om-lineedits/internal/errors"
	"github.com/ledgerly/be-om-lineedits/internal/repository"
	"github.com/ledgerly/be-om-lineedits/internal/rules"
)

var (
	// ErrAlreadyDecided: a second decision attempt on a terminal record.
	ErrAlreadyDecided = errors.New(errors.ErrCodeConflict, "approval record already decided")

	// ErrStaleApproval: the line item changed since the edit was submitted;
	// the stored proposal cannot be applied against the new base values.
	ErrStaleApproval = errors.New(errors.ErrCodeConflict, "line item changed since submission; edit must be resubmitted")
)

// ApprovalService governs a pending edit from creation through approval,
// rejection or expiry. All transitions are monotonic: once a record leaves
// pending it never moves again.
type ApprovalService struct {
	lineItems  LineItemStore
	approvals  ApprovalStore
	audit      AuditStore
	notifier   Notifier
	thresholds rules.ThresholdConfig
	timeout    time.Duration
	perItem    *KeyedMutex
	now        func() time.Time
	log        zerolog.Logger
}

// NewApprovalService creates a new ApprovalService. perItem must be shared
// with the EditService.
func NewApprovalService(
	lineItems LineItemStore,
	approvals ApprovalStore,
	audit AuditStore,
	notifier Notifier,
	thresholds rules.ThresholdConfig,
	timeout time.Duration,
	perItem *KeyedMutex,
	log zerolog.Logger,
) *ApprovalService {
	return &ApprovalService{
		lineItems:  lineItems,
		approvals:  approvals,
		audit:      audit,
		notifier:   notifier,
		thresholds: thresholds,
		timeout:    timeout,
		perItem:    perItem,
		now:        time.Now,
		log:        log,
	}
}

// WithClock substitutes the time source. Test hook.
func (s *ApprovalService) WithClock(now func() time.Time) *ApprovalService {
	s.now = now
	return s
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// Approve applies the stored proposal to the line item, but only when the
// line item's current values still match the original snapshot captured at
// submission. A diverged base yields ErrStaleApproval; a record no longer
// pending yields ErrAlreadyDecided. Both leave the line item untouched.
func (s *ApprovalService) Approve(ctx context.Context, recordID, approverID, reason string) (*repository.ApprovalRecord, error) {
	rec, err := s.approvals.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}

	unlock := s.perItem.Lock(rec.LineItemID)
	defer unlock()

	if rec.Status.Terminal() {
		return nil, ErrAlreadyDecided
	}

	li, err := s.lineItems.GetByID(ctx, rec.LineItemID)
	if err != nil {
		return nil, err
	}

	// Optimistic concurrency check: another accepted edit may have landed
	// since submission. Applying the old proposal against new base values
	// would silently discard that edit.
	if !rec.Original.Matches(li) {
		s.markStale(ctx, rec, approverID)
		return nil, ErrStaleApproval
	}

	// The status transition and the snapshot-conditioned apply commit
	// together: a failed apply rolls the decision back and the record stays
	// pending, so a retry is possible and the approved edit is never lost.
	decidedAt := s.now()
	_, decided, err := s.approvals.DecideAndApply(ctx, rec.ID, approverID, reason, decidedAt)
	if err != nil {
		if stderrors.Is(err, repository.ErrSnapshotMismatch) {
			// Another replica moved the line between our check and the
			// commit; same outcome as the in-process stale path.
			s.markStale(ctx, rec, approverID)
			return nil, ErrStaleApproval
		}
		s.log.Error().Err(err).
			Str("approval_record_id", rec.ID).
			Str("line_item_id", rec.LineItemID).
			Msg("approval commit failed; record left pending")
		return nil, err
	}
	if !decided {
		return nil, ErrAlreadyDecided
	}

	rec.Status = repository.ApprovalApproved
	rec.ApproverID = &approverID
	rec.DecidedAt = &decidedAt
	if reason != "" {
		rec.Reason = reason
	}

	s.appendAudit(ctx, rec, approverID, string(repository.ApprovalPending), string(repository.ApprovalApproved), reason)
	s.notifier.NotifyRequestor(ctx, rec.Proposal.RequestorID, rec)

	s.log.Info().
		Str("approval_record_id", rec.ID).
		Str("line_item_id", rec.LineItemID).
		Str("approver_id", approverID).
		Msg("pending edit approved and applied")

	return rec, nil
}

// Reject declines the pending edit. The line item is never touched; the
// requestor is notified with the reason.
func (s *ApprovalService) Reject(ctx context.Context, recordID, approverID, reason string) (*repository.ApprovalRecord, error) {
	if reason == "" {
		return nil, errors.InvalidInput("reason", "rejection reason is required")
	}

	rec, err := s.approvals.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}

	unlock := s.perItem.Lock(rec.LineItemID)
	defer unlock()

	if rec.Status.Terminal() {
		return nil, ErrAlreadyDecided
	}

	decidedAt := s.now()
	updated, err := s.approvals.Decide(ctx, rec.ID, repository.ApprovalRejected, approverID, reason, decidedAt)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, ErrAlreadyDecided
	}

	rec.Status = repository.ApprovalRejected
	rec.ApproverID = &approverID
	rec.DecidedAt = &decidedAt
	rec.Reason = reason

	s.appendAudit(ctx, rec, approverID, string(repository.ApprovalPending), string(repository.ApprovalRejected), reason)
	s.notifier.NotifyRequestor(ctx, rec.Proposal.RequestorID, rec)

	s.log.Info().
		Str("approval_record_id", rec.ID).
		Str("approver_id", approverID).
		Msg("pending edit rejected")

	return rec, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// Get returns one approval record.
func (s *ApprovalService) Get(ctx context.Context, recordID string) (*repository.ApprovalRecord, error) {
	return s.approvals.GetByID(ctx, recordID)
}

// List returns approval records filtered by status and level, for approver
// work queues.
func (s *ApprovalService) List(ctx context.Context, status *repository.ApprovalStatus, level *rules.ApprovalLevel) ([]*repository.ApprovalRecord, error) {
	return s.approvals.List(ctx, status, level)
}

// ── Expiry and escalation ─────────────────────────────────────────────────────

// ExpireOverdue processes every pending record past its deadline: escalate
// to the next level in the chain with a fresh deadline, or expire when the
// chain is exhausted. Compare-and-transition all the way down, so the sweep
// is idempotent and safe to run concurrently with itself.
func (s *ApprovalService) ExpireOverdue(ctx context.Context) (escalated, expired int, err error) {
	now := s.now()
	overdue, err := s.approvals.ListOverdue(ctx, now)
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range overdue {
		next := s.thresholds.NextLevel(rec.RequiredLevel)
		if next != 0 {
			moved, err := s.approvals.Escalate(ctx, rec.ID, next, now.Add(s.timeout), now)
			if err != nil {
				return escalated, expired, err
			}
			if !moved {
				continue // decided or already escalated by a concurrent sweep
			}
			escalated++

			rec.RequiredLevel = next
			s.appendAudit(ctx, rec, "system", string(repository.ApprovalPending), string(repository.ApprovalPending),
				"no decision before deadline; escalated to next approval level")
			s.notifier.NotifyApprovers(ctx, s.thresholds.RoleForLevel(next), next, rec)

			s.log.Info().
				Str("approval_record_id", rec.ID).
				Int("level", int(next)).
				Msg("overdue approval escalated")
			continue
		}

		moved, err := s.approvals.Decide(ctx, rec.ID, repository.ApprovalExpired, "system",
			"no decision recorded before deadline", now)
		if err != nil {
			return escalated, expired, err
		}
		if !moved {
			continue
		}
		expired++

		rec.Status = repository.ApprovalExpired
		s.appendAudit(ctx, rec, "system", string(repository.ApprovalPending), string(repository.ApprovalExpired),
			"escalation chain exhausted")
		s.notifier.NotifyRequestor(ctx, rec.Proposal.RequestorID, rec)

		s.log.Info().
			Str("approval_record_id", rec.ID).
			Msg("overdue approval expired")
	}

	return escalated, expired, nil
}

// ── Internals ────────────────────────────────────────────────────────────────

// markStale rejects a pending record whose base snapshot diverged, so it
// does not linger as an unapplicable pending entry. The decision of record
// for the requestor is still StaleApproval.
func (s *ApprovalService) markStale(ctx context.Context, rec *repository.ApprovalRecord, approverID string) {
	const reason = "base snapshot diverged before approval"

	updated, err := s.approvals.Decide(ctx, rec.ID, repository.ApprovalRejected, approverID, reason, s.now())
	if err != nil || !updated {
		s.log.Warn().Err(err).
			Str("approval_record_id", rec.ID).
			Msg("could not close stale approval record")
		return
	}
	rec.Status = repository.ApprovalRejected
	s.appendAudit(ctx, rec, approverID, string(repository.ApprovalPending), string(repository.ApprovalRejected), reason)
	s.notifier.NotifyRequestor(ctx, rec.Proposal.RequestorID, rec)
}

func (s *ApprovalService) appendAudit(ctx context.Context, rec *repository.ApprovalRecord, actor, from, to, rationale string) {
	entry := &repository.AuditEntry{
		ID:               uuid.NewString(),
		LineItemID:       rec.LineItemID,
		ApprovalRecordID: &rec.ID,
		Actor:            actor,
		FromState:        from,
		ToState:          to,
		Rationale:        rationale,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("approval_record_id", rec.ID).
			Msg("failed to write audit log entry")
	}
}
