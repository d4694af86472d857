package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerly/be-om-lineedits/internal/inventory"
	"github.com/ledgerly/be-om-lineedits/internal/repository"
	"github.com/ledgerly/be-om-lineedits/internal/rules"
)

// LineItemStore reads line items and applies accepted proposals.
type LineItemStore interface {
	GetByID(ctx context.Context, id string) (*repository.LineItem, error)
	// ApplyProposal writes the proposal conditional on the current values
	// still matching expect; repository.ErrSnapshotMismatch otherwise.
	ApplyProposal(ctx context.Context, lineItemID string, expect repository.LineItemSnapshot, proposal repository.EditProposal) (*repository.LineItem, error)
}

// OrderStateSource answers order/line eligibility questions.
type OrderStateSource interface {
	GetOrderStatus(ctx context.Context, orderID string) (repository.OrderStatus, error)
	GetAllocationState(ctx context.Context, lineItemID string) (repository.AllocationState, error)
}

// ApprovalStore persists deferred edits and their transitions.
type ApprovalStore interface {
	Create(ctx context.Context, rec *repository.ApprovalRecord) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRecord, error)
	GetPendingByLineItemID(ctx context.Context, lineItemID string) (*repository.ApprovalRecord, error)
	List(ctx context.Context, status *repository.ApprovalStatus, level *rules.ApprovalLevel) ([]*repository.ApprovalRecord, error)
	ListOverdue(ctx context.Context, now time.Time) ([]*repository.ApprovalRecord, error)
	// Decide is a compare-and-transition from pending; false when the
	// record was not pending.
	Decide(ctx context.Context, id string, to repository.ApprovalStatus, approverID, reason string, decidedAt time.Time) (bool, error)
	// DecideAndApply approves a pending record and applies its stored
	// proposal atomically: a failed or snapshot-mismatched apply rolls the
	// decision back, leaving the record pending. false when the record was
	// not pending.
	DecideAndApply(ctx context.Context, id string, approverID, reason string, decidedAt time.Time) (*repository.LineItem, bool, error)
	// Escalate moves a still-overdue pending record to the next level;
	// false when the record was decided or no longer overdue.
	Escalate(ctx context.Context, id string, toLevel rules.ApprovalLevel, newDeadline, now time.Time) (bool, error)
}

// AuditStore appends immutable audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	GetByLineItemID(ctx context.Context, lineItemID string) ([]*repository.AuditEntry, error)
}

// AvailabilityChecker produces a stock sufficiency verdict.
type AvailabilityChecker interface {
	Check(ctx context.Context, partID string, requested decimal.Decimal) (inventory.Availability, error)
}

// Notifier delivers approval notifications. Implementations must be
// non-fatal: delivery failure never interrupts the workflow.
type Notifier interface {
	NotifyApprovers(ctx context.Context, role string, level rules.ApprovalLevel, rec *repository.ApprovalRecord)
	NotifyRequestor(ctx context.Context, requestorID string, rec *repository.ApprovalRecord)
}
