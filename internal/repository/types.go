package repository

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerly/be-om-lineedits/internal/rules"
)

// ── Order and line-item domain types ─────────────────────────────────────────

// OrderStatus is the lifecycle state of the parent order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderInProgress OrderStatus = "in_progress"
	OrderComplete   OrderStatus = "complete"
	OrderCancelled  OrderStatus = "cancelled"
)

// Editable reports whether line items under an order in this status may be
// changed at all.
func (s OrderStatus) Editable() bool {
	return s == OrderPending || s == OrderInProgress
}

// AllocationState tracks how much of a line item's quantity has been
// allocated from stock. Fully allocated lines are frozen.
type AllocationState string

const (
	AllocationNone    AllocationState = "none"
	AllocationPartial AllocationState = "partial"
	AllocationFull    AllocationState = "full"
)

// LineItem is one product line within an order.
type LineItem struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	PartID          string          `json:"part_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Reference       string          `json:"reference"`
	Notes           string          `json:"notes"`
	AllocationState AllocationState `json:"allocation_state"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Snapshot captures the line item's mutable values as they were at a point
// in time. Stored in an ApprovalRecord and compared on commit.
func (li *LineItem) Snapshot() LineItemSnapshot {
	return LineItemSnapshot{
		Quantity:  li.Quantity,
		UnitPrice: li.UnitPrice,
		Reference: li.Reference,
		Notes:     li.Notes,
	}
}

// LineItemSnapshot is the frozen original-value set of a line item.
type LineItemSnapshot struct {
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Reference string          `json:"reference"`
	Notes     string          `json:"notes"`
}

// Matches reports whether the line item's current values still equal the
// snapshot. The optimistic concurrency check on approval commit.
func (s LineItemSnapshot) Matches(li *LineItem) bool {
	return s.Quantity.Equal(li.Quantity) &&
		s.UnitPrice.Equal(li.UnitPrice) &&
		s.Reference == li.Reference &&
		s.Notes == li.Notes
}

// EditProposal is a candidate change to a line item. Immutable once created.
type EditProposal struct {
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Reference   string          `json:"reference"`
	Notes       string          `json:"notes"`
	RequestorID string          `json:"requestor_id"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// ── Approval records ─────────────────────────────────────────────────────────

// ApprovalStatus is the state of a pending edit. Transitions are monotonic:
// pending is the only non-terminal state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s ApprovalStatus) Terminal() bool { return s != ApprovalPending }

// ApprovalRecord is a deferred edit awaiting a decision. The proposal and
// the original snapshot are frozen at submission time; applying the record
// later must reproduce exactly that proposal, never a re-evaluation against
// drifted current values.
type ApprovalRecord struct {
	ID             string              `json:"id"`
	LineItemID     string              `json:"line_item_id"`
	Proposal       EditProposal        `json:"proposal"`
	Original       LineItemSnapshot    `json:"original"`
	Status         ApprovalStatus      `json:"status"`
	TriggeredRules []rules.RuleID      `json:"triggered_rules"`
	RequiredLevel  rules.ApprovalLevel `json:"required_level"`
	Reason         string              `json:"reason"`
	ApproverID     *string             `json:"approver_id,omitempty"`
	DecidedAt      *time.Time          `json:"decided_at,omitempty"`
	SubmittedAt    time.Time           `json:"submitted_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
}

// ── Audit trail ──────────────────────────────────────────────────────────────

// AuditEntry is one immutable record in the edit/approval audit trail.
type AuditEntry struct {
	ID               string         `json:"id"`
	LineItemID       string         `json:"line_item_id"`
	ApprovalRecordID *string        `json:"approval_record_id,omitempty"`
	Actor            string         `json:"actor"`
	FromState        string         `json:"from_state"`
	ToState          string         `json:"to_state"`
	Rationale        string         `json:"rationale"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	OccurredAt       time.Time      `json:"occurred_at"`
}
