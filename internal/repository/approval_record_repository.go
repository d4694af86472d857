package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerly/be-om-lineedits/internal/database"
	"github.com/ledgerly/be-om-lineedits/internal/errors"
	"github.com/ledgerly/be-om-lineedits/internal/rules"
)

// ApprovalRecordRepository manages deferred edits awaiting decision.
// Every state change is a compare-and-transition against 'pending', so a
// decided record can never be decided again at the storage level.
type ApprovalRecordRepository struct {
	db *database.DB
}

// NewApprovalRecordRepository creates a new ApprovalRecordRepository.
func NewApprovalRecordRepository(db *database.DB) *ApprovalRecordRepository {
	return &ApprovalRecordRepository{db: db}
}

// Create durably inserts a pending record. The caller holds the line-item
// edit lock until this returns.
func (r *ApprovalRecordRepository) Create(ctx context.Context, rec *ApprovalRecord) error {
	proposalJSON, err := json.Marshal(rec.Proposal)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal proposal")
	}
	originalJSON, err := json.Marshal(rec.Original)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal original snapshot")
	}
	rulesJSON, err := json.Marshal(rec.TriggeredRules)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal triggered rules")
	}

	query := `
		INSERT INTO line_item_approval_records
		    (id, line_item_id, proposal, original_snapshot,
		     status, triggered_rules, required_level, reason, expires_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8, $9)
		RETURNING submitted_at
	`

	return r.db.QueryRow(ctx, query,
		rec.ID,
		rec.LineItemID,
		proposalJSON,
		originalJSON,
		rec.Status,
		rulesJSON,
		int(rec.RequiredLevel),
		rec.Reason,
		rec.ExpiresAt,
	).Scan(&rec.SubmittedAt)
}

// GetByID retrieves a record by primary key.
func (r *ApprovalRecordRepository) GetByID(ctx context.Context, id string) (*ApprovalRecord, error) {
	rec, err := scanApprovalRecord(r.db.QueryRow(ctx, selectRecord+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_record", id)
	}
	return rec, err
}

// GetPendingByLineItemID returns the live pending record for a line item,
// or nil when none exists.
func (r *ApprovalRecordRepository) GetPendingByLineItemID(ctx context.Context, lineItemID string) (*ApprovalRecord, error) {
	rec, err := scanApprovalRecord(r.db.QueryRow(ctx,
		selectRecord+` WHERE line_item_id = $1 AND status = 'pending' ORDER BY submitted_at DESC LIMIT 1`,
		lineItemID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// List returns records filtered by status and approval level. Either filter
// may be nil. Newest first.
func (r *ApprovalRecordRepository) List(ctx context.Context, status *ApprovalStatus, level *rules.ApprovalLevel) ([]*ApprovalRecord, error) {
	query := selectRecord + ` WHERE ($1::text IS NULL OR status = $1::approval_status)
	                            AND ($2::int  IS NULL OR required_level = $2)
	                          ORDER BY submitted_at DESC`

	var levelArg *int
	if level != nil {
		n := int(*level)
		levelArg = &n
	}

	rows, err := r.db.Query(ctx, query, status, levelArg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval records")
	}
	defer rows.Close()

	var recs []*ApprovalRecord
	for rows.Next() {
		rec, err := scanApprovalRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval record")
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListOverdue returns pending records whose deadline has passed.
func (r *ApprovalRecordRepository) ListOverdue(ctx context.Context, now time.Time) ([]*ApprovalRecord, error) {
	rows, err := r.db.Query(ctx,
		selectRecord+` WHERE status = 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list overdue records")
	}
	defer rows.Close()

	var recs []*ApprovalRecord
	for rows.Next() {
		rec, err := scanApprovalRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval record")
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Decide transitions a pending record to a terminal status. Returns false
// when the record was not pending (already decided or missing); the caller
// decides how to report that.
func (r *ApprovalRecordRepository) Decide(
	ctx context.Context,
	id string,
	to ApprovalStatus,
	approverID, reason string,
	decidedAt time.Time,
) (bool, error) {
	query := `
		UPDATE line_item_approval_records
		SET status      = $2::approval_status,
		    approver_id = $3,
		    reason      = $4,
		    decided_at  = $5
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, id, to, approverID, reason, decidedAt)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to decide approval record")
	}
	return tag.RowsAffected() == 1, nil
}

// DecideAndApply approves a pending record and applies its stored proposal
// to the line item in one transaction, so a failed apply rolls the decision
// back and the record stays pending for a retry. Returns decided == false
// when the record was not pending; ErrSnapshotMismatch (nothing committed)
// when the line item drifted from the original snapshot.
func (r *ApprovalRecordRepository) DecideAndApply(
	ctx context.Context,
	id string,
	approverID, reason string,
	decidedAt time.Time,
) (*LineItem, bool, error) {
	var updated *LineItem
	decided := false

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		rec, err := scanApprovalRecord(tx.QueryRow(ctx,
			selectRecord+` WHERE id = $1 FOR UPDATE`, id))
		if err == pgx.ErrNoRows {
			return errors.NotFound("approval_record", id)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to load approval record")
		}
		if rec.Status != ApprovalPending {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE line_item_approval_records
			SET status      = 'approved',
			    approver_id = $2,
			    reason      = CASE WHEN $3 = '' THEN reason ELSE $3 END,
			    decided_at  = $4
			WHERE id = $1 AND status = 'pending'
		`, id, approverID, reason, decidedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to decide approval record")
		}
		if tag.RowsAffected() != 1 {
			return nil
		}

		li, err := applyProposalTx(ctx, tx, rec.LineItemID, rec.Original, rec.Proposal)
		if err != nil {
			return err
		}

		updated = li
		decided = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return updated, decided, nil
}

// Escalate moves a still-pending, overdue record to the next approval level
// with a fresh deadline. Compare-and-transition: a record decided in the
// meantime is left alone.
func (r *ApprovalRecordRepository) Escalate(
	ctx context.Context,
	id string,
	toLevel rules.ApprovalLevel,
	newDeadline time.Time,
	now time.Time,
) (bool, error) {
	query := `
		UPDATE line_item_approval_records
		SET required_level = $2,
		    expires_at     = $3
		WHERE id = $1 AND status = 'pending' AND expires_at <= $4
	`

	tag, err := r.db.Exec(ctx, query, id, int(toLevel), newDeadline, now)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to escalate approval record")
	}
	return tag.RowsAffected() == 1, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectRecord = `
	SELECT id, line_item_id, proposal, original_snapshot,
	       status, triggered_rules, required_level, reason,
	       approver_id, decided_at, submitted_at, expires_at
	FROM line_item_approval_records`

type recordScanner interface {
	Scan(dest ...any) error
}

func scanApprovalRecord(row recordScanner) (*ApprovalRecord, error) {
	rec := &ApprovalRecord{}
	var proposalJSON, originalJSON, rulesJSON []byte
	var level int

	err := row.Scan(
		&rec.ID,
		&rec.LineItemID,
		&proposalJSON,
		&originalJSON,
		&rec.Status,
		&rulesJSON,
		&level,
		&rec.Reason,
		&rec.ApproverID,
		&rec.DecidedAt,
		&rec.SubmittedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	rec.RequiredLevel = rules.ApprovalLevel(level)
	if err := json.Unmarshal(proposalJSON, &rec.Proposal); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal proposal")
	}
	if err := json.Unmarshal(originalJSON, &rec.Original); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal original snapshot")
	}
	if err := json.Unmarshal(rulesJSON, &rec.TriggeredRules); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal triggered rules")
	}
	return rec, nil
}
