package service

import (
	"github.com/ledgerly/be-om-lineedits/internal/inventory"
	"github.com/ledgerly/be-om-lineedits/internal/repository"
	"github.com/ledgerly/be-om-lineedits/internal/rules"
)

// Outcome is the admission verdict for a submitted edit.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeDeferred Outcome = "deferred"
	OutcomeRejected Outcome = "rejected"
)

// RejectionKind is the machine-distinguishable class of a rejection.
type RejectionKind string

const (
	RejectFieldValidation RejectionKind = "field_validation"
	RejectNotEditable     RejectionKind = "not_editable"
	RejectConcurrentEdit  RejectionKind = "concurrent_edit"
)

// FieldViolation is one violated field constraint. Submissions report every
// violation at once, not just the first.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// WarningKind classifies non-blocking warnings attached to a decision.
type WarningKind string

const (
	WarnInsufficientStock WarningKind = "insufficient_stock"
	WarnStockUnverified   WarningKind = "stock_unverified"
)

// Warning is a non-blocking advisory for the caller to display. Warnings
// never reject an edit on their own.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
}

// Decision is the result of submitting an edit proposal.
type Decision struct {
	Outcome Outcome `json:"outcome"`

	// Rejection details (Outcome == rejected).
	RejectionKind RejectionKind    `json:"rejection_kind,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Violations    []FieldViolation `json:"violations,omitempty"`

	// Attached regardless of outcome.
	Warnings []Warning `json:"warnings,omitempty"`

	// Accepted: the line item after the proposal was applied.
	LineItem *repository.LineItem `json:"line_item,omitempty"`

	// Deferred: the pending approval record.
	ApprovalRecordID string              `json:"approval_record_id,omitempty"`
	RequiredLevel    rules.ApprovalLevel `json:"required_level,omitempty"`
	TriggeredRules   []rules.RuleID      `json:"triggered_rules,omitempty"`

	// Availability is the stock verdict, when a quantity change was checked.
	Availability *inventory.Availability `json:"availability,omitempty"`
}

// Eligibility is the result of the read-only can-edit probe.
type Eligibility struct {
	CanEdit bool   `json:"can_edit"`
	Reason  string `json:"reason,omitempty"`

	// PendingApprovalID is set when an earlier edit to this line item is
	// still awaiting a decision. Advisory only; it does not block editing.
	PendingApprovalID string `json:"pending_approval_id,omitempty"`
}
