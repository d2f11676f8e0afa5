package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/database"
)

// AuditRepository appends to and reads the immutable disposition audit log.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append records one audit entry. Metadata is stored as jsonb.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	err := r.db.QueryRow(ctx, `
		INSERT INTO disposition_audit_log
		    (work_package_id, approver_id, action, performed_by, status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, performed_at
	`, entry.WorkPackageID, entry.ApproverID, entry.Action, entry.PerformedBy,
		entry.StatusBefore, entry.StatusAfter, metadata).
		Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByWorkPackage returns the audit trail of a package, newest first.
func (r *AuditRepository) ListByWorkPackage(ctx context.Context, wpID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, work_package_id, approver_id, action, performed_by,
		       performed_at, status_before, status_after, metadata
		FROM disposition_audit_log
		WHERE work_package_id = $1
		ORDER BY performed_at DESC, id DESC
		LIMIT $2
	`, wpID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanAuditEntry(row pgx.Row) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var metadata []byte
	err := row.Scan(
		&entry.ID,
		&entry.WorkPackageID,
		&entry.ApproverID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadata,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return nil, err
		}
	}
	return entry, nil
}
