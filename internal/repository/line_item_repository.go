package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerly/be-om-lineedits/internal/database"
	"github.com/ledgerly/be-om-lineedits/internal/errors"
)

// ErrSnapshotMismatch: the line item's current values no longer match the
// snapshot an apply was conditioned on.
var ErrSnapshotMismatch = errors.New(errors.ErrCodeConflict, "line item changed since snapshot was taken")

// LineItemRepository reads and mutates order line items. Mutation happens
// only through ApplyProposal, which is conditional on the original snapshot.
type LineItemRepository struct {
	db *database.DB
}

// NewLineItemRepository creates a new LineItemRepository.
func NewLineItemRepository(db *database.DB) *LineItemRepository {
	return &LineItemRepository{db: db}
}

// GetByID retrieves a line item by primary key.
func (r *LineItemRepository) GetByID(ctx context.Context, id string) (*LineItem, error) {
	query := `
		SELECT id, order_id, part_id, quantity, unit_price,
		       reference, notes, allocation_state,
		       created_at, updated_at
		FROM order_line_items
		WHERE id = $1
	`

	li, err := scanLineItem(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("line_item", id)
	}
	return li, err
}

// GetOrderStatus returns the lifecycle status of an order.
func (r *LineItemRepository) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	var status OrderStatus
	err := r.db.QueryRow(ctx,
		`SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", errors.NotFound("order", orderID)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeUnavailable, "order status lookup failed")
	}
	return status, nil
}

// GetAllocationState returns the stock-allocation state of a line item.
func (r *LineItemRepository) GetAllocationState(ctx context.Context, lineItemID string) (AllocationState, error) {
	var state AllocationState
	err := r.db.QueryRow(ctx,
		`SELECT allocation_state FROM order_line_items WHERE id = $1`, lineItemID).Scan(&state)
	if err == pgx.ErrNoRows {
		return "", errors.NotFound("line_item", lineItemID)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeUnavailable, "allocation state lookup failed")
	}
	return state, nil
}

// ApplyProposal writes the proposal's values to the line item, conditional
// on the current values still matching the expected snapshot, and
// recalculates the parent order's total in the same transaction.
// ErrSnapshotMismatch when the line item drifted since the snapshot.
func (r *LineItemRepository) ApplyProposal(
	ctx context.Context,
	lineItemID string,
	expect LineItemSnapshot,
	proposal EditProposal,
) (*LineItem, error) {
	var updated *LineItem

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		li, err := applyProposalTx(ctx, tx, lineItemID, expect, proposal)
		if err != nil {
			return err
		}
		updated = li
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// applyProposalTx is the transactional core of ApplyProposal: the
// snapshot-conditioned UPDATE plus the order-total recalculation. Also run
// by the approval repository so a decision and its apply share one
// transaction.
func applyProposalTx(
	ctx context.Context,
	tx pgx.Tx,
	lineItemID string,
	expect LineItemSnapshot,
	proposal EditProposal,
) (*LineItem, error) {
	updateQuery := `
		UPDATE order_line_items
		SET quantity   = $2,
		    unit_price = $3,
		    reference  = $4,
		    notes      = $5,
		    updated_at = NOW()
		WHERE id = $1
		  AND quantity   = $6
		  AND unit_price = $7
		  AND reference  = $8
		  AND notes      = $9
		RETURNING id, order_id, part_id, quantity, unit_price,
		          reference, notes, allocation_state,
		          created_at, updated_at
	`

	li, err := scanLineItem(tx.QueryRow(ctx, updateQuery,
		lineItemID,
		proposal.Quantity,
		proposal.UnitPrice,
		proposal.Reference,
		proposal.Notes,
		expect.Quantity,
		expect.UnitPrice,
		expect.Reference,
		expect.Notes,
	))
	if err == pgx.ErrNoRows {
		// Distinguish "drifted" from "gone".
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM order_line_items WHERE id = $1)`,
			lineItemID).Scan(&exists); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "line item existence check failed")
		}
		if !exists {
			return nil, errors.NotFound("line_item", lineItemID)
		}
		return nil, ErrSnapshotMismatch
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to apply proposal")
	}

	// Keep the parent order total in step with its lines.
	totalQuery := `
		UPDATE orders
		SET total_price = (
		        SELECT COALESCE(SUM(quantity * unit_price), 0)
		        FROM order_line_items
		        WHERE order_id = $1
		    ),
		    updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, totalQuery, li.OrderID); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to recalculate order total")
	}

	return li, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type lineItemScanner interface {
	Scan(dest ...any) error
}

func scanLineItem(row lineItemScanner) (*LineItem, error) {
	li := &LineItem{}
	err := row.Scan(
		&li.ID,
		&li.OrderID,
		&li.PartID,
		&li.Quantity,
		&li.UnitPrice,
		&li.Reference,
		&li.Notes,
		&li.AllocationState,
		&li.CreatedAt,
		&li.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return li, nil
}
