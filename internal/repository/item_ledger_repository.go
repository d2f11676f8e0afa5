package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/database"
)

// ItemLedgerRepository tracks the per-item decision state for the current
// approver's turn. Batched operations are atomic: every item in the batch
// transitions, or none does and the caller gets a single conflict.
type ItemLedgerRepository struct {
	db *database.DB
}

// NewItemLedgerRepository creates a new ItemLedgerRepository.
func NewItemLedgerRepository(db *database.DB) *ItemLedgerRepository {
	return &ItemLedgerRepository{db: db}
}

// Counts recomputes the decision aggregates over included items.
func (r *ItemLedgerRepository) Counts(ctx context.Context, wpID string) (*DecisionCounts, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE decision_state = 'pending'),
		       COUNT(*) FILTER (WHERE decision_state = 'approved'),
		       COUNT(*) FILTER (WHERE decision_state = 'rejected'),
		       COUNT(*) FILTER (WHERE decision_state = 'feedback_pending')
		FROM work_package_items
		WHERE work_package_id = $1 AND included
	`

	c := &DecisionCounts{}
	err := r.db.QueryRow(ctx, query, wpID).
		Scan(&c.Included, &c.Pending, &c.Approved, &c.Rejected, &c.FeedbackPending)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to compute decision counts")
	}
	return c, nil
}

// ListByWorkPackage returns the full item ledger of a package.
func (r *ItemLedgerRepository) ListByWorkPackage(ctx context.Context, wpID string) ([]*WorkPackageItem, error) {
	rows, err := r.db.Query(ctx, selectItem+`
		WHERE work_package_id = $1
		ORDER BY item_id ASC
	`, wpID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list items")
	}
	defer rows.Close()
	return scanItems(rows)
}

// GetByItemIDs returns the ledger rows for specific item ids.
func (r *ItemLedgerRepository) GetByItemIDs(ctx context.Context, wpID string, itemIDs []string) ([]*WorkPackageItem, error) {
	rows, err := r.db.Query(ctx, selectItem+`
		WHERE work_package_id = $1 AND item_id = ANY($2)
		ORDER BY item_id ASC
	`, wpID, itemIDs)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get items")
	}
	defer rows.Close()
	return scanItems(rows)
}

// Approve sets the batch to approved for the current turn.
func (r *ItemLedgerRepository) Approve(ctx context.Context, wpID string, itemIDs []string, decidedBy string) error {
	return r.setDecision(ctx, wpID, itemIDs, DecisionApproved, decidedBy, nil, nil)
}

// Reject sets the batch to rejected, recording reason and comment.
func (r *ItemLedgerRepository) Reject(ctx context.Context, wpID string, itemIDs []string, reason, comment, decidedBy string) error {
	return r.setDecision(ctx, wpID, itemIDs, DecisionRejected, decidedBy, &reason, &comment)
}

// setDecision applies an approved/rejected decision atomically. Items in
// feedback_pending are locked out of direct decisions; they must first be
// moved back to pending or resolved through their feedback request.
func (r *ItemLedgerRepository) setDecision(ctx context.Context, wpID string, itemIDs []string, state, decidedBy string, reason, comment *string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := lockBatch(ctx, tx, wpID, itemIDs, false); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			UPDATE work_package_items
			SET decision_state = $3::item_decision_state,
			    reject_reason = $4, reject_comment = $5,
			    decided_by = $6, decided_at = NOW(), updated_at = NOW()
			WHERE work_package_id = $1 AND item_id = ANY($2)
		`, wpID, itemIDs, state, reason, comment, decidedBy)
		return err
	})
}

// MoveToPending resets the batch to pending from any prior state, the
// universal undo.
func (r *ItemLedgerRepository) MoveToPending(ctx context.Context, wpID string, itemIDs []string, decidedBy string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := lockBatch(ctx, tx, wpID, itemIDs, true); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			UPDATE work_package_items
			SET decision_state = 'pending'::item_decision_state,
			    state_before_feedback = NULL, reject_reason = NULL, reject_comment = NULL,
			    feedback_request_id = NULL,
			    decided_by = $3, decided_at = NOW(), updated_at = NOW()
			WHERE work_package_id = $1 AND item_id = ANY($2)
		`, wpID, itemIDs, decidedBy)
		return err
	})
}

// FeedbackPendingCount returns how many items of a request are still
// suspended in feedback_pending.
func (r *ItemLedgerRepository) FeedbackPendingCount(ctx context.Context, requestID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM work_package_items
		WHERE feedback_request_id = $1 AND decision_state = 'feedback_pending'
	`, requestID).Scan(&n)
	return n, err
}

// ── helpers ───────────────────────────────────────────────────────────────────

const selectItem = `
	SELECT id, work_package_id, item_id, included, decision_state,
	       state_before_feedback, reject_reason, reject_comment,
	       feedback_request_id, decided_by, decided_at,
	       created_at, updated_at
	FROM work_package_items
`

// lockBatch locks the batch rows and verifies every requested item exists,
// is included, and (unless allowFeedbackPending) is not suspended in a
// feedback request. Any shortfall fails the whole batch.
func lockBatch(ctx context.Context, tx pgx.Tx, wpID string, itemIDs []string, allowFeedbackPending bool) error {
	if len(itemIDs) == 0 {
		return apperrors.InvalidInput("item_ids", "must not be empty")
	}

	query := `
		SELECT id FROM work_package_items
		WHERE work_package_id = $1 AND item_id = ANY($2) AND included
	`
	if !allowFeedbackPending {
		query += ` AND decision_state <> 'feedback_pending'`
	}
	query += ` FOR UPDATE`
	query = `SELECT COUNT(*) FROM (` + query + `) locked`

	var n int
	if err := tx.QueryRow(ctx, query, wpID, itemIDs).Scan(&n); err != nil {
		return err
	}
	if n != len(itemIDs) {
		return apperrors.Conflict("batch rejected: one or more items are missing, excluded or awaiting feedback")
	}
	return nil
}

func scanItems(rows pgx.Rows) ([]*WorkPackageItem, error) {
	var items []*WorkPackageItem
	for rows.Next() {
		it := &WorkPackageItem{}
		err := rows.Scan(
			&it.ID,
			&it.WorkPackageID,
			&it.ItemID,
			&it.Included,
			&it.DecisionState,
			&it.StateBeforeFeedback,
			&it.RejectReason,
			&it.RejectComment,
			&it.FeedbackRequestID,
			&it.DecidedBy,
			&it.DecidedAt,
			&it.CreatedAt,
			&it.UpdatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan item")
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
