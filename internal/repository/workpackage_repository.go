package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/database"
)

// WorkPackageRepository manages the work package aggregate: the package row,
// its approver chain snapshot and its item snapshot. Lifecycle transitions
// are applied transactionally with a row lock on the package, so concurrent
// operator commands against the same package are linearized.
type WorkPackageRepository struct {
	db *database.DB
}

// NewWorkPackageRepository creates a new WorkPackageRepository.
func NewWorkPackageRepository(db *database.DB) *WorkPackageRepository {
	return &WorkPackageRepository{db: db}
}

// Create inserts a work package, its initial approvers and its item snapshot
// in one transaction.
func (r *WorkPackageRepository) Create(ctx context.Context, wp *WorkPackage, approvers []*Approver, itemIDs []string) error {
	titleJSON, err := json.Marshal(wp.Title)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal work package title")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		wpQuery := `
			INSERT INTO work_packages
			    (title, source_id, workflow_status, create_date, due_date, days_total,
			     security_override, autoprocess_approved_items, created_by)
			VALUES ($1, $2, $3::wp_workflow_status, $4, $5, $6, $7, $8, $9)
			RETURNING id, created_at, updated_at
		`
		err := tx.QueryRow(ctx, wpQuery,
			titleJSON,
			wp.SourceID,
			wp.WorkflowStatus,
			wp.CreateDate,
			wp.DueDate,
			wp.DaysTotal,
			wp.SecurityOverride,
			wp.AutoprocessApprovedItems,
			wp.CreatedBy,
		).Scan(&wp.ID, &wp.CreatedAt, &wp.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create work package")
		}

		approverQuery := `
			INSERT INTO work_package_approvers
			    (work_package_id, user_id, order_by, conditional, state)
			VALUES ($1, $2, $3, $4, $5::approver_state)
			RETURNING id, created_at, updated_at
		`
		for _, a := range approvers {
			a.WorkPackageID = wp.ID
			err := tx.QueryRow(ctx, approverQuery,
				a.WorkPackageID, a.UserID, a.OrderBy, a.Conditional, a.State,
			).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approver")
			}
		}

		itemQuery := `
			INSERT INTO work_package_items
			    (work_package_id, item_id, included, decision_state)
			VALUES ($1, $2, TRUE, $3::item_decision_state)
		`
		for _, itemID := range itemIDs {
			if _, err := tx.Exec(ctx, itemQuery, wp.ID, itemID, DecisionPending); err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to snapshot work package item")
			}
		}

		return nil
	})
}

// GetByID retrieves a work package by its primary key.
func (r *WorkPackageRepository) GetByID(ctx context.Context, id string) (*WorkPackage, error) {
	query := selectWorkPackage + ` WHERE id = $1`

	wp, err := scanWorkPackage(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("work_package", id)
	}
	return wp, err
}

// List returns work packages for a lifecycle-state group ("building",
// "pending", "initiated", "ready_to_complete", "archive") or all when
// statusGroup is nil, newest first, with the total count.
func (r *WorkPackageRepository) List(ctx context.Context, statusGroup *string, limit, offset int) ([]*WorkPackage, int64, error) {
	query := selectWorkPackage + `
		WHERE ($1::text IS NULL OR workflow_status = ANY(CASE
		        WHEN $1 = 'building' THEN ARRAY['building_new', 'building_pending', 'building_initiated']
		        ELSE ARRAY[$1]
		      END::wp_workflow_status[]))
		ORDER BY create_date DESC, id
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, statusGroup, limit, offset)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list work packages")
	}
	defer rows.Close()

	var packages []*WorkPackage
	for rows.Next() {
		wp, err := scanWorkPackage(rows)
		if err != nil {
			return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan work package")
		}
		packages = append(packages, wp)
	}

	countQuery := `
		SELECT COUNT(*) FROM work_packages
		WHERE ($1::text IS NULL OR workflow_status = ANY(CASE
		        WHEN $1 = 'building' THEN ARRAY['building_new', 'building_pending', 'building_initiated']
		        ELSE ARRAY[$1]
		      END::wp_workflow_status[]))
	`
	var total int64
	if err := r.db.QueryRow(ctx, countQuery, statusGroup).Scan(&total); err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to count work packages")
	}

	return packages, total, nil
}

// TabCounts returns work package counts keyed by lifecycle-state group.
// The three building states collapse into "building".
func (r *WorkPackageRepository) TabCounts(ctx context.Context) (map[string]int64, error) {
	query := `
		SELECT CASE WHEN workflow_status IN ('building_new', 'building_pending', 'building_initiated')
		            THEN 'building' ELSE workflow_status::text END AS tab,
		       COUNT(*)
		FROM work_packages
		GROUP BY tab
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to count tabs")
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var tab string
		var n int64
		if err := rows.Scan(&tab, &n); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan tab count")
		}
		counts[tab] = n
	}
	return counts, nil
}

// TitleExists reports whether another work package from the same source
// already carries the exact same multilingual title.
func (r *WorkPackageRepository) TitleExists(ctx context.Context, sourceID string, title map[string]string, excludeID *string) (bool, error) {
	titleJSON, err := json.Marshal(title)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal title")
	}

	query := `
		SELECT EXISTS(
			SELECT 1 FROM work_packages
			WHERE source_id = $1 AND title = $2::jsonb
			  AND ($3::uuid IS NULL OR id <> $3)
		)
	`
	var exists bool
	err = r.db.QueryRow(ctx, query, sourceID, titleJSON, excludeID).Scan(&exists)
	return exists, err
}

// UpdatePreInitiation edits the fields that are mutable before initiation.
// Rejected once the package has left PENDING.
func (r *WorkPackageRepository) UpdatePreInitiation(ctx context.Context, id string, dueDate time.Time, daysTotal int, securityOverride, autoprocess bool) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		status, err := lockWorkPackage(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != StatusPending {
			return apperrors.Conflict("work package can only be edited while pending")
		}

		_, err = tx.Exec(ctx, `
			UPDATE work_packages
			SET due_date = $2, days_total = $3,
			    security_override = $4, autoprocess_approved_items = $5,
			    updated_at = NOW()
			WHERE id = $1
		`, id, dueDate, daysTotal, securityOverride, autoprocess)
		return err
	})
}

// ExtendDueDate pushes the due date out (rejection with extension).
func (r *WorkPackageRepository) ExtendDueDate(ctx context.Context, id string, dueDate time.Time, daysTotal int) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE work_packages
		SET due_date = $2, days_total = $3, updated_at = NOW()
		WHERE id = $1
	`, id, dueDate, daysTotal)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to extend due date")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("work_package", id)
	}
	return nil
}

// Initiate moves a pending package to initiated and activates the first
// primary-chain approver, all under a package row lock. Requires at least
// one non-conditional approver.
func (r *WorkPackageRepository) Initiate(ctx context.Context, id string) (*Approver, error) {
	var first *Approver

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		status, err := lockWorkPackage(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != StatusPending {
			return apperrors.Conflict("work package cannot be initiated from status '" + status + "'")
		}

		row := tx.QueryRow(ctx, selectApprover+`
			WHERE work_package_id = $1 AND NOT conditional
			ORDER BY order_by ASC
			LIMIT 1
			FOR UPDATE
		`, id)
		first, err = scanApprover(row)
		if err == pgx.ErrNoRows {
			return apperrors.Conflict("work package requires at least one approver to initiate")
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE work_package_approvers
			SET state = 'active'::approver_state, updated_at = NOW()
			WHERE id = $1
		`, first.ID); err != nil {
			return err
		}
		first.State = ApproverActive

		_, err = tx.Exec(ctx, `
			UPDATE work_packages
			SET workflow_status = 'initiated'::wp_workflow_status, updated_at = NOW()
			WHERE id = $1
		`, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return first, nil
}

// RecallReset returns an initiated, ready-to-complete or archived package to
// PENDING: every approver back to waiting except the first primary approver
// (active again), every item back to pending, open feedback requests closed.
// Recalling a package already in PENDING is a no-op (applied=false).
func (r *WorkPackageRepository) RecallReset(ctx context.Context, id string) (applied bool, err error) {
	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		status, err := lockWorkPackage(ctx, tx, id)
		if err != nil {
			return err
		}
		switch status {
		case StatusPending:
			return nil // retried batch recall
		case StatusInitiated, StatusReadyToComplete, StatusArchive:
			// fall through
		default:
			return apperrors.Conflict("work package cannot be recalled from status '" + status + "'")
		}

		if _, err := tx.Exec(ctx, `
			UPDATE work_packages
			SET workflow_status = 'pending'::wp_workflow_status,
			    completed_at = NULL, updated_at = NOW()
			WHERE id = $1
		`, id); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE work_package_approvers
			SET state = 'waiting'::approver_state, updated_at = NOW()
			WHERE work_package_id = $1
		`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE work_package_approvers
			SET state = 'active'::approver_state, updated_at = NOW()
			WHERE id = (
				SELECT id FROM work_package_approvers
				WHERE work_package_id = $1 AND NOT conditional
				ORDER BY order_by ASC
				LIMIT 1
			)
		`, id); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE work_package_items
			SET decision_state = 'pending'::item_decision_state,
			    state_before_feedback = NULL, reject_reason = NULL, reject_comment = NULL,
			    feedback_request_id = NULL, decided_by = NULL, decided_at = NULL,
			    updated_at = NOW()
			WHERE work_package_id = $1
		`, id); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE feedback_requests
			SET resolved = TRUE, resolved_at = NOW()
			WHERE work_package_id = $1 AND NOT resolved
		`, id); err != nil {
			return err
		}

		applied = true
		return nil
	})
	return applied, err
}

// Archive moves a ready-to-complete package to ARCHIVE. Archiving an already
// archived package is a no-op success (applied=false) so retried batch
// requests stay idempotent.
func (r *WorkPackageRepository) Archive(ctx context.Context, id string) (applied bool, err error) {
	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		status, err := lockWorkPackage(ctx, tx, id)
		if err != nil {
			return err
		}
		switch status {
		case StatusArchive:
			return nil
		case StatusReadyToComplete:
			_, err := tx.Exec(ctx, `
				UPDATE work_packages
				SET workflow_status = 'archive'::wp_workflow_status,
				    completed_at = NOW(), updated_at = NOW()
				WHERE id = $1
			`, id)
			applied = true
			return err
		default:
			return apperrors.Conflict("work package cannot be completed from status '" + status + "'")
		}
	})
	return applied, err
}

// Delete removes a work package and everything it owns. Permitted from
// PENDING, READY_TO_COMPLETE and ARCHIVE only.
func (r *WorkPackageRepository) Delete(ctx context.Context, id string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		status, err := lockWorkPackage(ctx, tx, id)
		if err != nil {
			return err
		}
		switch status {
		case StatusPending, StatusReadyToComplete, StatusArchive:
			// deletable
		case StatusInitiated:
			return apperrors.Conflict("work package under active review must be recalled before deletion")
		default:
			return apperrors.Conflict("work package cannot be deleted while building")
		}

		// Approvers, items, feedback and audit rows cascade.
		_, err = tx.Exec(ctx, `DELETE FROM work_packages WHERE id = $1`, id)
		return err
	})
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectWorkPackage = `
	SELECT id, title, source_id, workflow_status,
	       create_date, due_date, days_total,
	       security_override, autoprocess_approved_items,
	       created_by, completed_at, created_at, updated_at
	FROM work_packages
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkPackage(row rowScanner) (*WorkPackage, error) {
	wp := &WorkPackage{}
	var titleJSON []byte
	err := row.Scan(
		&wp.ID,
		&titleJSON,
		&wp.SourceID,
		&wp.WorkflowStatus,
		&wp.CreateDate,
		&wp.DueDate,
		&wp.DaysTotal,
		&wp.SecurityOverride,
		&wp.AutoprocessApprovedItems,
		&wp.CreatedBy,
		&wp.CompletedAt,
		&wp.CreatedAt,
		&wp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if titleJSON != nil {
		if err := json.Unmarshal(titleJSON, &wp.Title); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal work package title")
		}
	}
	return wp, nil
}

// lockWorkPackage takes the package row lock and returns its current status.
func lockWorkPackage(ctx context.Context, tx pgx.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRow(ctx, `
		SELECT workflow_status FROM work_packages WHERE id = $1 FOR UPDATE
	`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", apperrors.NotFound("work_package", id)
	}
	return status, err
}
