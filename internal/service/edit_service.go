package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ledgerly/be-om-lineedits/internal/editlock"
	"github.com/ledgerly/be-om-lineedits/internal/errors"
	"github.com/ledgerly/be-om-lineedits/internal/inventory"
	"github.com/ledgerly/be-om-lineedits/internal/repository"
	"github.com/ledgerly/be-om-lineedits/internal/rules"
)

const (
	maxReferenceLen = 100
	maxNotesLen     = 1000
)

// Quantity may grow to at most 500% of the original, price to at most 200%.
var (
	maxQuantityFactor = decimal.NewFromInt(5)
	maxPriceFactor    = decimal.NewFromInt(2)
)

// EditConfig is the admission policy for the edit service.
type EditConfig struct {
	Thresholds      rules.ThresholdConfig
	LockTTL         time.Duration
	ApprovalTimeout time.Duration

	// BlockOnUnverifiedStock turns an unreachable stock source from a
	// warning into a retryable failure of the whole submission.
	BlockOnUnverifiedStock bool
}

// EditService is the admission pipeline for line-item edits: field
// validation, lock acquisition, eligibility, inventory advisory, threshold
// evaluation, and finally apply-or-defer.
type EditService struct {
	lineItems  LineItemStore
	orderState OrderStateSource
	approvals  ApprovalStore
	audit      AuditStore
	locks      editlock.Manager
	checker    AvailabilityChecker
	notifier   Notifier
	cfg        EditConfig
	perItem    *KeyedMutex
	now        func() time.Time
	log        zerolog.Logger
}

// NewEditService creates a new EditService. perItem must be the same
// KeyedMutex instance the ApprovalService uses, so submissions and approval
// commits for one line item serialize against each other.
func NewEditService(
	lineItems LineItemStore,
	orderState OrderStateSource,
	approvals ApprovalStore,
	audit AuditStore,
	locks editlock.Manager,
	checker AvailabilityChecker,
	notifier Notifier,
	cfg EditConfig,
	perItem *KeyedMutex,
	log zerolog.Logger,
) *EditService {
	return &EditService{
		lineItems:  lineItems,
		orderState: orderState,
		approvals:  approvals,
		audit:      audit,
		locks:      locks,
		checker:    checker,
		notifier:   notifier,
		cfg:        cfg,
		perItem:    perItem,
		now:        time.Now,
		log:        log,
	}
}

// WithClock substitutes the time source. Test hook.
func (s *EditService) WithClock(now func() time.Time) *EditService {
	s.now = now
	return s
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit runs the full admission pipeline for a proposed edit and returns
// the Decision: rejected, accepted (applied immediately) or deferred behind
// a pending approval record.
//
// Collaborator failures after lock acquisition release the lock before
// propagating, so a retry never finds a stale lock in the way.
func (s *EditService) Submit(ctx context.Context, lineItemID, userID string, proposal repository.EditProposal) (Decision, error) {
	unlock := s.perItem.Lock(lineItemID)
	defer unlock()

	li, err := s.lineItems.GetByID(ctx, lineItemID)
	if err != nil {
		return Decision{}, err
	}

	proposal.RequestorID = userID
	proposal.SubmittedAt = s.now()

	// Step 1: field validation, all violations collected.
	if violations := validateFields(li, proposal); len(violations) > 0 {
		return Decision{
			Outcome:       OutcomeRejected,
			RejectionKind: RejectFieldValidation,
			Reason:        "proposal failed field validation",
			Violations:    violations,
		}, nil
	}

	// Step 2: exclusive edit lock.
	if _, err := s.locks.Acquire(ctx, lineItemID, userID, s.cfg.LockTTL); err != nil {
		if held, ok := editlock.IsHeld(err); ok {
			return Decision{
				Outcome:       OutcomeRejected,
				RejectionKind: RejectConcurrentEdit,
				Reason:        fmt.Sprintf("line item is being edited by %s", held.HolderID),
			}, nil
		}
		return Decision{}, err
	}

	release := func() {
		if err := s.locks.Release(ctx, lineItemID, userID); err != nil {
			s.log.Warn().Err(err).Str("line_item_id", lineItemID).Msg("edit lock release failed")
		}
	}

	// Step 3: order/line eligibility.
	eligible, reason, err := s.checkEligibility(ctx, li)
	if err != nil {
		release()
		return Decision{}, errors.Wrap(err, errors.ErrCodeUnavailable, "eligibility check failed")
	}
	if !eligible {
		release()
		return Decision{
			Outcome:       OutcomeRejected,
			RejectionKind: RejectNotEditable,
			Reason:        reason,
		}, nil
	}

	// Step 4: inventory advisory on quantity change. Insufficiency warns,
	// never rejects; only the configured policy escalates an unverifiable
	// answer to a failure.
	var warnings []Warning
	var availability *inventory.Availability
	if !proposal.Quantity.Equal(li.Quantity) {
		avail, err := s.checker.Check(ctx, li.PartID, proposal.Quantity)
		if err != nil {
			if s.cfg.BlockOnUnverifiedStock {
				release()
				return Decision{}, errors.Wrap(err, errors.ErrCodeUnavailable, "stock availability could not be verified")
			}
			warnings = append(warnings, Warning{
				Kind:    WarnStockUnverified,
				Message: "stock availability could not be verified",
			})
		} else {
			availability = &avail
			if !avail.Sufficient {
				warnings = append(warnings, Warning{
					Kind: WarnInsufficientStock,
					Message: fmt.Sprintf("requested %s but only %s available",
						avail.Requested.String(), avail.Available.String()),
				})
			}
		}
	}

	// Step 5: threshold rules.
	verdict := rules.Evaluate(
		rules.Snapshot{Quantity: li.Quantity, UnitPrice: li.UnitPrice},
		rules.Proposal{Quantity: proposal.Quantity, UnitPrice: proposal.UnitPrice},
		s.cfg.Thresholds,
	)

	if !verdict.RequiresApproval {
		return s.applyDirect(ctx, li, proposal, userID, warnings, availability, release)
	}
	return s.deferForApproval(ctx, li, proposal, userID, verdict, warnings, availability, release)
}

// applyDirect commits the proposal immediately (step 6).
func (s *EditService) applyDirect(
	ctx context.Context,
	li *repository.LineItem,
	proposal repository.EditProposal,
	userID string,
	warnings []Warning,
	availability *inventory.Availability,
	release func(),
) (Decision, error) {
	updated, err := s.lineItems.ApplyProposal(ctx, li.ID, li.Snapshot(), proposal)
	if err != nil {
		release()
		return Decision{}, err
	}
	release()

	s.appendAudit(ctx, &repository.AuditEntry{
		ID:         uuid.NewString(),
		LineItemID: li.ID,
		Actor:      userID,
		FromState:  "submitted",
		ToState:    "applied",
		Rationale:  "within thresholds",
		Metadata:   changeSet(li, proposal),
	})

	s.log.Info().
		Str("line_item_id", li.ID).
		Str("user_id", userID).
		Msg("edit accepted and applied")

	return Decision{
		Outcome:      OutcomeAccepted,
		Warnings:     warnings,
		LineItem:     updated,
		Availability: availability,
	}, nil
}

// deferForApproval creates the pending approval record (step 7). The edit lock is
// held until the record is durably created, so a second edit cannot slip
// past the pending one.
func (s *EditService) deferForApproval(
	ctx context.Context,
	li *repository.LineItem,
	proposal repository.EditProposal,
	userID string,
	verdict rules.Result,
	warnings []Warning,
	availability *inventory.Availability,
	release func(),
) (Decision, error) {
	level := rules.RequiredLevel(verdict, s.cfg.Thresholds)

	rec := &repository.ApprovalRecord{
		ID:             uuid.NewString(),
		LineItemID:     li.ID,
		Proposal:       proposal,
		Original:       li.Snapshot(),
		Status:         repository.ApprovalPending,
		TriggeredRules: verdict.Triggered,
		RequiredLevel:  level,
		Reason:         triggeredSummary(verdict.Triggered),
		ExpiresAt:      s.now().Add(s.cfg.ApprovalTimeout),
	}

	if err := s.approvals.Create(ctx, rec); err != nil {
		release()
		return Decision{}, err
	}
	release()

	s.appendAudit(ctx, &repository.AuditEntry{
		ID:               uuid.NewString(),
		LineItemID:       li.ID,
		ApprovalRecordID: &rec.ID,
		Actor:            userID,
		FromState:        "submitted",
		ToState:          string(repository.ApprovalPending),
		Rationale:        rec.Reason,
		Metadata:         changeSet(li, proposal),
	})

	role := s.cfg.Thresholds.RoleForLevel(level)
	s.notifier.NotifyApprovers(ctx, role, level, rec)

	s.log.Info().
		Str("line_item_id", li.ID).
		Str("approval_record_id", rec.ID).
		Int("required_level", int(level)).
		Strs("triggered_rules", ruleStrings(verdict.Triggered)).
		Msg("edit deferred pending approval")

	return Decision{
		Outcome:          OutcomeDeferred,
		Warnings:         warnings,
		ApprovalRecordID: rec.ID,
		RequiredLevel:    level,
		TriggeredRules:   verdict.Triggered,
		Availability:     availability,
	}, nil
}

// ── Read-side operations ──────────────────────────────────────────────────────

// CanEdit is the read-only eligibility probe. No lock side effect.
func (s *EditService) CanEdit(ctx context.Context, lineItemID, userID string) (Eligibility, error) {
	li, err := s.lineItems.GetByID(ctx, lineItemID)
	if err != nil {
		return Eligibility{}, err
	}

	eligible, reason, err := s.checkEligibility(ctx, li)
	if err != nil {
		return Eligibility{}, errors.Wrap(err, errors.ErrCodeUnavailable, "eligibility check failed")
	}
	if !eligible {
		return Eligibility{CanEdit: false, Reason: reason}, nil
	}

	lock, held, err := s.locks.Get(ctx, lineItemID)
	if err != nil {
		return Eligibility{}, err
	}
	if held && lock.HolderID != userID {
		return Eligibility{
			CanEdit: false,
			Reason:  fmt.Sprintf("line item is being edited by %s", lock.HolderID),
		}, nil
	}

	result := Eligibility{CanEdit: true}
	if pending, err := s.approvals.GetPendingByLineItemID(ctx, lineItemID); err == nil && pending != nil {
		result.PendingApprovalID = pending.ID
	}
	return result, nil
}

// History returns the audit trail for a line item.
func (s *EditService) History(ctx context.Context, lineItemID string) ([]*repository.AuditEntry, error) {
	return s.audit.GetByLineItemID(ctx, lineItemID)
}

// ── Lock session management ──────────────────────────────────────────────────

// RenewLock extends an active edit session's lock.
func (s *EditService) RenewLock(ctx context.Context, lineItemID, userID string) error {
	return s.locks.Renew(ctx, lineItemID, userID, s.cfg.LockTTL)
}

// AbortEdit releases the lock on explicit cancellation. Normal abort goes
// through here; TTL expiry is only the backstop for crashed clients.
func (s *EditService) AbortEdit(ctx context.Context, lineItemID, userID string) error {
	return s.locks.Release(ctx, lineItemID, userID)
}

// ── Internals ────────────────────────────────────────────────────────────────

func (s *EditService) checkEligibility(ctx context.Context, li *repository.LineItem) (bool, string, error) {
	status, err := s.orderState.GetOrderStatus(ctx, li.OrderID)
	if err != nil {
		return false, "", err
	}
	if !status.Editable() {
		return false, fmt.Sprintf("order status %q does not allow edits", status), nil
	}

	allocation, err := s.orderState.GetAllocationState(ctx, li.ID)
	if err != nil {
		return false, "", err
	}
	if allocation == repository.AllocationFull {
		return false, "line item is fully allocated", nil
	}
	return true, "", nil
}

// validateFields checks the proposal's field constraints against the
// original values and collects every violation.
func validateFields(li *repository.LineItem, p repository.EditProposal) []FieldViolation {
	var violations []FieldViolation

	add := func(field, message string) {
		violations = append(violations, FieldViolation{Field: field, Message: message})
	}

	if !p.Quantity.IsPositive() {
		add("quantity", "quantity must be greater than zero")
	} else if !li.Quantity.IsZero() && p.Quantity.GreaterThan(li.Quantity.Mul(maxQuantityFactor)) {
		add("quantity", "quantity exceeds 500% of the original")
	}

	if p.UnitPrice.IsNegative() {
		add("unit_price", "price cannot be negative")
	} else if !li.UnitPrice.IsZero() && p.UnitPrice.GreaterThan(li.UnitPrice.Mul(maxPriceFactor)) {
		add("unit_price", "price exceeds 200% of the original")
	}

	if len(p.Reference) > maxReferenceLen {
		add("reference", fmt.Sprintf("reference exceeds %d characters", maxReferenceLen))
	}
	if len(p.Notes) > maxNotesLen {
		add("notes", fmt.Sprintf("notes exceed %d characters", maxNotesLen))
	}

	return violations
}

// appendAudit writes an audit entry, logging instead of failing: the audit
// trail must never break a completed operation.
func (s *EditService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("line_item_id", entry.LineItemID).
			Str("to_state", entry.ToState).
			Msg("failed to write audit log entry")
	}
}

func changeSet(li *repository.LineItem, p repository.EditProposal) map[string]any {
	changes := map[string]any{}
	if !p.Quantity.Equal(li.Quantity) {
		changes["quantity"] = map[string]string{"from": li.Quantity.String(), "to": p.Quantity.String()}
	}
	if !p.UnitPrice.Equal(li.UnitPrice) {
		changes["unit_price"] = map[string]string{"from": li.UnitPrice.String(), "to": p.UnitPrice.String()}
	}
	if p.Reference != li.Reference {
		changes["reference"] = map[string]string{"from": li.Reference, "to": p.Reference}
	}
	if p.Notes != li.Notes {
		changes["notes"] = map[string]string{"from": li.Notes, "to": p.Notes}
	}
	return changes
}

func triggeredSummary(ids []rules.RuleID) string {
	return "requires approval: " + strings.Join(ruleStrings(ids), ", ")
}

func ruleStrings(ids []rules.RuleID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
