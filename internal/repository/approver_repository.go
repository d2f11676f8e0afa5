package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/database"
)

// ApproverRepository manages the ordered review chains of a work package.
// The primary (non-conditional) and conditional chains keep independent
// dense order_by sequences; the unique index on (work_package_id,
// conditional, order_by) is deferrable so reorders can shift positions
// inside one transaction.
type ApproverRepository struct {
	db *database.DB
}

// NewApproverRepository creates a new ApproverRepository.
func NewApproverRepository(db *database.DB) *ApproverRepository {
	return &ApproverRepository{db: db}
}

// ListByWorkPackage returns all approvers of a package, primary chain first,
// each chain ordered by position.
func (r *ApproverRepository) ListByWorkPackage(ctx context.Context, wpID string) ([]*Approver, error) {
	query := selectApprover + `
		WHERE work_package_id = $1
		ORDER BY conditional ASC, order_by ASC
	`

	rows, err := r.db.Query(ctx, query, wpID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approvers")
	}
	defer rows.Close()

	var approvers []*Approver
	for rows.Next() {
		a, err := scanApprover(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approver")
		}
		approvers = append(approvers, a)
	}
	return approvers, nil
}

// GetByID retrieves one approver.
func (r *ApproverRepository) GetByID(ctx context.Context, id string) (*Approver, error) {
	a, err := scanApprover(r.db.QueryRow(ctx, selectApprover+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approver", id)
	}
	return a, err
}

// Add appends an approver at the tail of its chain (order_by = max + 1).
// The package row lock serializes concurrent adds.
func (r *ApproverRepository) Add(ctx context.Context, a *Approver) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := lockWorkPackage(ctx, tx, a.WorkPackageID); err != nil {
			return err
		}

		query := `
			INSERT INTO work_package_approvers
			    (work_package_id, user_id, order_by, conditional, state)
			SELECT $1, $2,
			       COALESCE(MAX(order_by), 0) + 1,
			       $3, $4::approver_state
			FROM work_package_approvers
			WHERE work_package_id = $1 AND conditional = $3
			RETURNING id, order_by, created_at, updated_at
		`
		err := tx.QueryRow(ctx, query, a.WorkPackageID, a.UserID, a.Conditional, a.State).
			Scan(&a.ID, &a.OrderBy, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to add approver")
		}
		return nil
	})
}

// Remove deletes a WAITING approver and re-densifies its chain.
func (r *ApproverRepository) Remove(ctx context.Context, id string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var wpID, state string
		var conditional bool
		err := tx.QueryRow(ctx, `
			SELECT work_package_id, state, conditional
			FROM work_package_approvers
			WHERE id = $1
			FOR UPDATE
		`, id).Scan(&wpID, &state, &conditional)
		if err == pgx.ErrNoRows {
			return apperrors.NotFound("approver", id)
		}
		if err != nil {
			return err
		}
		if state != ApproverWaiting {
			return apperrors.Conflict("only waiting approvers can be removed")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM work_package_approvers WHERE id = $1`, id); err != nil {
			return err
		}

		return densifyChain(ctx, tx, wpID, conditional)
	})
}

// Reassign replaces the approver's identity, preserving position and state.
func (r *ApproverRepository) Reassign(ctx context.Context, id, newUserID string) (*Approver, error) {
	a, err := scanApprover(r.db.QueryRow(ctx, `
		UPDATE work_package_approvers
		SET user_id = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id, work_package_id, user_id, order_by, conditional, state, created_at, updated_at
	`, id, newUserID))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approver", id)
	}
	return a, err
}

// ReplaceOrder applies a full chain reordering with compare-and-swap
// semantics: the expected ordering must exactly match the stored one or
// nothing changes (swapped=false). Two operators dragging concurrently
// therefore never interleave into a lost update.
func (r *ApproverRepository) ReplaceOrder(ctx context.Context, wpID string, conditional bool, expected, next []ApproverOrder) (swapped bool, err error) {
	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, order_by FROM work_package_approvers
			WHERE work_package_id = $1 AND conditional = $2
			ORDER BY order_by ASC
			FOR UPDATE
		`, wpID, conditional)
		if err != nil {
			return err
		}
		current := []ApproverOrder{}
		for rows.Next() {
			var o ApproverOrder
			if err := rows.Scan(&o.ApproverID, &o.OrderBy); err != nil {
				rows.Close()
				return err
			}
			current = append(current, o)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if !sameOrdering(current, expected) {
			return nil // stale view; caller re-reads and retries
		}

		if _, err := tx.Exec(ctx, `SET CONSTRAINTS uq_approver_chain_order DEFERRED`); err != nil {
			return err
		}
		for _, o := range next {
			tag, err := tx.Exec(ctx, `
				UPDATE work_package_approvers
				SET order_by = $3, updated_at = NOW()
				WHERE id = $1 AND work_package_id = $2
			`, o.ApproverID, wpID, o.OrderBy)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return apperrors.NotFound("approver", o.ApproverID)
			}
		}

		swapped = true
		return nil
	})
	return swapped, err
}

// CompleteAndAdvance finishes the active approver's review and advances the
// primary chain, re-checking the completion guard under the package row lock
// so two concurrent "Complete Review" clicks cannot double-advance.
//
// force bypasses the pending/feedback guard (escalation path). A retry
// against an already-completed approver reports AlreadyComplete instead of
// failing.
func (r *ApproverRepository) CompleteAndAdvance(ctx context.Context, wpID, approverID string, force, autoprocess bool) (*ChainAdvance, error) {
	adv := &ChainAdvance{CompletedApproverID: approverID}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		status, err := lockWorkPackage(ctx, tx, wpID)
		if err != nil {
			return err
		}

		approver, err := scanApprover(tx.QueryRow(ctx, selectApprover+` WHERE id = $1 FOR UPDATE`, approverID))
		if err == pgx.ErrNoRows {
			return apperrors.NotFound("approver", approverID)
		}
		if err != nil {
			return err
		}
		if approver.WorkPackageID != wpID {
			return apperrors.InvalidInput("approver_id", "approver does not belong to this work package")
		}

		if approver.State == ApproverComplete {
			adv.AlreadyComplete = true
			adv.WorkPackageStatus = status
			adv.NextActive, err = currentActive(ctx, tx, wpID)
			return err
		}

		if status != StatusInitiated {
			return apperrors.Conflict("work package is not under active review")
		}
		if approver.State != ApproverActive {
			return apperrors.Conflict("approver is not active")
		}

		if !force {
			var pending, feedback int
			err := tx.QueryRow(ctx, `
				SELECT COUNT(*) FILTER (WHERE decision_state = 'pending'),
				       COUNT(*) FILTER (WHERE decision_state = 'feedback_pending')
				FROM work_package_items
				WHERE work_package_id = $1 AND included
			`, wpID).Scan(&pending, &feedback)
			if err != nil {
				return err
			}
			if pending > 0 || feedback > 0 {
				return apperrors.Conflict("review cannot be completed while items are pending or awaiting feedback")
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE work_package_approvers
			SET state = 'complete'::approver_state, updated_at = NOW()
			WHERE id = $1
		`, approverID); err != nil {
			return err
		}

		next, err := scanApprover(tx.QueryRow(ctx, selectApprover+`
			WHERE work_package_id = $1 AND NOT conditional AND state = 'waiting'
			ORDER BY order_by ASC
			LIMIT 1
			FOR UPDATE
		`, wpID))
		if err != nil && err != pgx.ErrNoRows {
			return err
		}

		if next == nil {
			adv.WorkPackageStatus = StatusReadyToComplete
			_, err := tx.Exec(ctx, `
				UPDATE work_packages
				SET workflow_status = 'ready_to_complete'::wp_workflow_status, updated_at = NOW()
				WHERE id = $1
			`, wpID)
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE work_package_approvers
			SET state = 'active'::approver_state, updated_at = NOW()
			WHERE id = $1
		`, next.ID); err != nil {
			return err
		}
		next.State = ApproverActive
		adv.NextActive = next
		adv.WorkPackageStatus = StatusInitiated

		// New turn: items re-enter pending, except previously approved ones
		// when autoprocessing is on.
		resetQuery := `
			UPDATE work_package_items
			SET decision_state = 'pending'::item_decision_state,
			    state_before_feedback = NULL, reject_reason = NULL, reject_comment = NULL,
			    feedback_request_id = NULL, decided_by = NULL, decided_at = NULL,
			    updated_at = NOW()
			WHERE work_package_id = $1 AND included
		`
		if autoprocess {
			resetQuery += ` AND decision_state <> 'approved'`
		}
		if _, err := tx.Exec(ctx, resetQuery, wpID); err != nil {
			return err
		}

		// Any feedback request left open belongs to the finished turn.
		_, err = tx.Exec(ctx, `
			UPDATE feedback_requests
			SET resolved = TRUE, resolved_at = NOW()
			WHERE work_package_id = $1 AND NOT resolved
		`, wpID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return adv, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

const selectApprover = `
	SELECT id, work_package_id, user_id, order_by, conditional, state,
	       created_at, updated_at
	FROM work_package_approvers
`

func scanApprover(row rowScanner) (*Approver, error) {
	a := &Approver{}
	err := row.Scan(
		&a.ID,
		&a.WorkPackageID,
		&a.UserID,
		&a.OrderBy,
		&a.Conditional,
		&a.State,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func currentActive(ctx context.Context, tx pgx.Tx, wpID string) (*Approver, error) {
	a, err := scanApprover(tx.QueryRow(ctx, selectApprover+`
		WHERE work_package_id = $1 AND NOT conditional AND state = 'active'
		LIMIT 1
	`, wpID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// densifyChain renumbers a chain to 1..N preserving relative order.
func densifyChain(ctx context.Context, tx pgx.Tx, wpID string, conditional bool) error {
	if _, err := tx.Exec(ctx, `SET CONSTRAINTS uq_approver_chain_order DEFERRED`); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE work_package_approvers a
		SET order_by = ranked.rnk, updated_at = NOW()
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY order_by ASC) AS rnk
			FROM work_package_approvers
			WHERE work_package_id = $1 AND conditional = $2
		) ranked
		WHERE a.id = ranked.id AND a.order_by <> ranked.rnk
	`, wpID, conditional)
	return err
}

func sameOrdering(a, b []ApproverOrder) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ApproverID != b[i].ApproverID || a[i].OrderBy != b[i].OrderBy {
			return false
		}
	}
	return true
}
