package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/database"
)

// FeedbackRepository manages feedback requests, the advisory responses of
// their target users, and the per-user count triples. Creating and resolving
// a request moves the affected items in the same transaction, so an item is
// never suspended without an owning request or vice versa.
type FeedbackRepository struct {
	db *database.DB
}

// NewFeedbackRepository creates a new FeedbackRepository.
func NewFeedbackRepository(db *database.DB) *FeedbackRepository {
	return &FeedbackRepository{db: db}
}

// Create inserts a feedback request and suspends its items into
// feedback_pending atomically. Items already awaiting feedback fail the
// whole batch.
func (r *FeedbackRepository) Create(ctx context.Context, req *FeedbackRequest) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := lockBatch(ctx, tx, req.WorkPackageID, req.ItemIDs, false); err != nil {
			return err
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO feedback_requests
			    (work_package_id, message, target_user_ids, resolved, created_by)
			VALUES ($1, $2, $3, FALSE, $4)
			RETURNING id, created_at
		`, req.WorkPackageID, req.Message, req.TargetUserIDs, req.CreatedBy).
			Scan(&req.ID, &req.CreatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create feedback request")
		}

		_, err = tx.Exec(ctx, `
			UPDATE work_package_items
			SET state_before_feedback = decision_state,
			    decision_state = 'feedback_pending'::item_decision_state,
			    feedback_request_id = $3,
			    updated_at = NOW()
			WHERE work_package_id = $1 AND item_id = ANY($2)
		`, req.WorkPackageID, req.ItemIDs, req.ID)
		return err
	})
}

// GetByID retrieves a request together with its current item ids.
func (r *FeedbackRepository) GetByID(ctx context.Context, id string) (*FeedbackRequest, error) {
	req, err := scanFeedbackRequest(r.db.QueryRow(ctx, selectFeedbackRequest+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("feedback_request", id)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadItemIDs(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// ListByWorkPackage returns all requests of a package, newest first.
func (r *FeedbackRepository) ListByWorkPackage(ctx context.Context, wpID string) ([]*FeedbackRequest, error) {
	rows, err := r.db.Query(ctx, selectFeedbackRequest+`
		WHERE work_package_id = $1
		ORDER BY created_at DESC
	`, wpID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list feedback requests")
	}
	defer rows.Close()

	var reqs []*FeedbackRequest
	for rows.Next() {
		req, err := scanFeedbackRequest(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan feedback request")
		}
		reqs = append(reqs, req)
	}
	for _, req := range reqs {
		if err := r.loadItemIDs(ctx, req); err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

// UpdateTargets replaces the target user set of an unresolved request.
func (r *FeedbackRepository) UpdateTargets(ctx context.Context, id string, targets []string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE feedback_requests
		SET target_user_ids = $2
		WHERE id = $1 AND NOT resolved
	`, id, targets)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update feedback targets")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Conflict("feedback request not found or already resolved")
	}
	return nil
}

// Resolve closes a request and restores its items to their pre-feedback
// decision states in one transaction. Resolving an already resolved request
// is a no-op. Returns the restored item ids.
func (r *FeedbackRepository) Resolve(ctx context.Context, id string) (restored []string, err error) {
	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var resolved bool
		err := tx.QueryRow(ctx, `
			SELECT resolved FROM feedback_requests WHERE id = $1 FOR UPDATE
		`, id).Scan(&resolved)
		if err == pgx.ErrNoRows {
			return apperrors.NotFound("feedback_request", id)
		}
		if err != nil {
			return err
		}
		if resolved {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE feedback_requests
			SET resolved = TRUE, resolved_at = NOW()
			WHERE id = $1
		`, id); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			UPDATE work_package_items
			SET decision_state = COALESCE(state_before_feedback, 'pending')::item_decision_state,
			    state_before_feedback = NULL,
			    feedback_request_id = NULL,
			    updated_at = NOW()
			WHERE feedback_request_id = $1 AND decision_state = 'feedback_pending'
			RETURNING item_id
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var itemID string
			if err := rows.Scan(&itemID); err != nil {
				return err
			}
			restored = append(restored, itemID)
		}
		return rows.Err()
	})
	return restored, err
}

// UpsertResponse records or updates one feedback user's recommendation for
// one item of a request.
func (r *FeedbackRepository) UpsertResponse(ctx context.Context, resp *FeedbackResponse) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO feedback_responses
		    (request_id, item_id, user_id, recommendation, note)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id, item_id, user_id)
		DO UPDATE SET recommendation = EXCLUDED.recommendation,
		              note = EXCLUDED.note,
		              updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, resp.RequestID, resp.ItemID, resp.UserID, resp.Recommendation, resp.Note).
		Scan(&resp.ID, &resp.CreatedAt, &resp.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to record feedback response")
	}
	return nil
}

// ListResponses returns all responses recorded for a request.
func (r *FeedbackRepository) ListResponses(ctx context.Context, requestID string) ([]*FeedbackResponse, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, request_id, item_id, user_id, recommendation, note, created_at, updated_at
		FROM feedback_responses
		WHERE request_id = $1
		ORDER BY item_id ASC, user_id ASC
	`, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list feedback responses")
	}
	defer rows.Close()

	var resps []*FeedbackResponse
	for rows.Next() {
		resp := &FeedbackResponse{}
		err := rows.Scan(&resp.ID, &resp.RequestID, &resp.ItemID, &resp.UserID,
			&resp.Recommendation, &resp.Note, &resp.CreatedAt, &resp.UpdatedAt)
		if err != nil {
			return nil, err
		}
		resps = append(resps, resp)
	}
	return resps, rows.Err()
}

// ResponseComplete reports whether every target user of the request has
// submitted a non-pending recommendation for every item still suspended in
// it. A complete grid does not resolve the request; it only signals the
// requesting approver.
func (r *FeedbackRepository) ResponseComplete(ctx context.Context, requestID string) (bool, error) {
	var expected, submitted int
	err := r.db.QueryRow(ctx, `
		SELECT cardinality(fr.target_user_ids) *
		       (SELECT COUNT(*) FROM work_package_items i
		        WHERE i.feedback_request_id = fr.id
		          AND i.decision_state = 'feedback_pending'),
		       (SELECT COUNT(*) FROM feedback_responses resp
		        JOIN work_package_items i
		          ON i.feedback_request_id = fr.id AND i.item_id = resp.item_id
		        WHERE resp.request_id = fr.id
		          AND resp.recommendation <> 'pending'
		          AND resp.user_id = ANY(fr.target_user_ids))
		FROM feedback_requests fr
		WHERE fr.id = $1
	`, requestID).Scan(&expected, &submitted)
	if err == pgx.ErrNoRows {
		return false, apperrors.NotFound("feedback_request", requestID)
	}
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to check feedback completeness")
	}
	return expected > 0 && submitted >= expected, nil
}

// CountsForUser computes a feedback user's personal pending/approved/rejected
// triple over the still-suspended items of unresolved requests targeting them.
func (r *FeedbackRepository) CountsForUser(ctx context.Context, wpID, userID string) (*FeedbackUserCounts, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE resp.recommendation IS NULL OR resp.recommendation = 'pending'),
		       COUNT(*) FILTER (WHERE resp.recommendation = 'approved'),
		       COUNT(*) FILTER (WHERE resp.recommendation = 'rejected')
		FROM work_package_items i
		JOIN feedback_requests fr ON fr.id = i.feedback_request_id
		LEFT JOIN feedback_responses resp
		       ON resp.request_id = fr.id AND resp.item_id = i.item_id AND resp.user_id = $2
		WHERE i.work_package_id = $1
		  AND i.decision_state = 'feedback_pending'
		  AND NOT fr.resolved
		  AND $2 = ANY(fr.target_user_ids)
	`

	c := &FeedbackUserCounts{}
	err := r.db.QueryRow(ctx, query, wpID, userID).Scan(&c.Pending, &c.Approved, &c.Rejected)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to compute feedback counts")
	}
	return c, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectFeedbackRequest = `
	SELECT id, work_package_id, message, target_user_ids, resolved,
	       created_by, created_at, resolved_at
	FROM feedback_requests
`

func scanFeedbackRequest(row rowScanner) (*FeedbackRequest, error) {
	req := &FeedbackRequest{}
	err := row.Scan(
		&req.ID,
		&req.WorkPackageID,
		&req.Message,
		&req.TargetUserIDs,
		&req.Resolved,
		&req.CreatedBy,
		&req.CreatedAt,
		&req.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *FeedbackRepository) loadItemIDs(ctx context.Context, req *FeedbackRequest) error {
	rows, err := r.db.Query(ctx, `
		SELECT item_id FROM work_package_items
		WHERE feedback_request_id = $1
		ORDER BY item_id ASC
	`, req.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load feedback item ids")
	}
	defer rows.Close()

	for rows.Next() {
		var itemID string
		if err := rows.Scan(&itemID); err != nil {
			return err
		}
		req.ItemIDs = append(req.ItemIDs, itemID)
	}
	return rows.Err()
}
