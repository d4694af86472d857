package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerly/be-om-lineedits/internal/database"
	"github.com/ledgerly/be-om-lineedits/internal/errors"
)

// AuditRepository appends and reads immutable edit/approval audit entries.
// Append is the only mutation exposed; the table carries a delete-prevention
// trigger.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO line_item_audit_log
		    (id, line_item_id, approval_record_id,
		     actor, from_state, to_state, rationale, metadata)
		VALUES ($1, $2, $3,
		        $4, $5, $6, $7, $8)
		RETURNING occurred_at
	`

	return r.db.QueryRow(ctx, query,
		entry.ID,
		entry.LineItemID,
		entry.ApprovalRecordID,
		entry.Actor,
		entry.FromState,
		entry.ToState,
		entry.Rationale,
		metadataJSON,
	).Scan(&entry.OccurredAt)
}

// GetByLineItemID returns the full audit trail for a line item, oldest first.
func (r *AuditRepository) GetByLineItemID(ctx context.Context, lineItemID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, line_item_id, approval_record_id,
		       actor, from_state, to_state, rationale, metadata,
		       occurred_at
		FROM line_item_audit_log
		WHERE line_item_id = $1
		ORDER BY occurred_at ASC
	`

	rows, err := r.db.Query(ctx, query, lineItemID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanAuditRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.LineItemID,
			&entry.ApprovalRecordID,
			&entry.Actor,
			&entry.FromState,
			&entry.ToState,
			&entry.Rationale,
			&metadataJSON,
			&entry.OccurredAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
