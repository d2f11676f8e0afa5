package service

import (
	"context"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/logger"
	"github.com/pesio-ai/be-rm-dispositions/internal/repository"
)

// LedgerService handles the item decisions of the active approver's turn.
// Every command returns freshly recomputed counts so clients never have to
// maintain them.
type LedgerService struct {
	items     ItemLedgerStore
	approvers ApproverStore
	wpStore   WorkPackageStore
	feedback  FeedbackStore
	audit     AuditStore
	notifier  Notifier
	log       *logger.Logger
}

// NewLedgerService creates a new ledger service.
func NewLedgerService(
	items ItemLedgerStore,
	approvers ApproverStore,
	wpStore WorkPackageStore,
	feedback FeedbackStore,
	audit AuditStore,
	notifier Notifier,
	log *logger.Logger,
) *LedgerService {
	return &LedgerService{
		items:     items,
		approvers: approvers,
		wpStore:   wpStore,
		feedback:  feedback,
		audit:     audit,
		notifier:  notifier,
		log:       log,
	}
}

// RejectItemsRequest represents a reject command. ExtendDays optionally
// pushes the package due date out as part of the same rejection.
type RejectItemsRequest struct {
	WorkPackageID string
	ItemIDs       []string
	Reason        string
	Comment       string
	ExtendDays    int
	RejectedBy    string
}

// ListItems returns the full item ledger of a package.
func (s *LedgerService) ListItems(ctx context.Context, wpID string) ([]*repository.WorkPackageItem, error) {
	if _, err := s.wpStore.GetByID(ctx, wpID); err != nil {
		return nil, err
	}
	return s.items.ListByWorkPackage(ctx, wpID)
}

// Counts returns the authoritative decision aggregates.
func (s *LedgerService) Counts(ctx context.Context, wpID string) (*repository.DecisionCounts, error) {
	if _, err := s.wpStore.GetByID(ctx, wpID); err != nil {
		return nil, err
	}
	return s.items.Counts(ctx, wpID)
}

// Approve marks a batch of items approved for the current turn. Only the
// active approver may decide items.
func (s *LedgerService) Approve(ctx context.Context, wpID string, itemIDs []string, actor string) (*repository.DecisionCounts, error) {
	if err := s.requireUnderReview(ctx, wpID); err != nil {
		return nil, err
	}
	if err := requireActiveApprover(ctx, s.approvers, wpID, actor); err != nil {
		return nil, err
	}
	if err := s.items.Approve(ctx, wpID, itemIDs, actor); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, wpID, repository.ActionItemsApproved, actor, len(itemIDs))
	return s.items.Counts(ctx, wpID)
}

// Reject marks a batch of items rejected, recording the reason, and extends
// the package due date when the rejection asks for more time.
func (s *LedgerService) Reject(ctx context.Context, req *RejectItemsRequest) (*repository.DecisionCounts, error) {
	if req.Reason == "" {
		return nil, apperrors.InvalidInput("reason", "must not be empty")
	}
	if req.ExtendDays < 0 {
		return nil, apperrors.InvalidInput("extend_days", "must not be negative")
	}

	wp, err := s.wpStore.GetByID(ctx, req.WorkPackageID)
	if err != nil {
		return nil, err
	}
	if wp.WorkflowStatus != repository.StatusInitiated {
		return nil, apperrors.Conflict("items can only be decided while the package is under review")
	}
	if err := requireActiveApprover(ctx, s.approvers, req.WorkPackageID, req.RejectedBy); err != nil {
		return nil, err
	}

	if err := s.items.Reject(ctx, req.WorkPackageID, req.ItemIDs, req.Reason, req.Comment, req.RejectedBy); err != nil {
		return nil, err
	}

	if req.ExtendDays > 0 {
		newDue := wp.DueDate.AddDate(0, 0, req.ExtendDays)
		if err := s.wpStore.ExtendDueDate(ctx, wp.ID, newDue, wp.DaysTotal+req.ExtendDays); err != nil {
			return nil, err
		}
	}

	s.appendAudit(ctx, req.WorkPackageID, repository.ActionItemsRejected, req.RejectedBy, len(req.ItemIDs))
	return s.items.Counts(ctx, req.WorkPackageID)
}

// MoveToPending resets a batch of items to pending, undoing any prior
// decision. Items pulled out of a feedback request may leave it empty, in
// which case the request resolves itself.
func (s *LedgerService) MoveToPending(ctx context.Context, wpID string, itemIDs []string, actor string) (*repository.DecisionCounts, error) {
	if err := s.requireUnderReview(ctx, wpID); err != nil {
		return nil, err
	}
	if err := requireActiveApprover(ctx, s.approvers, wpID, actor); err != nil {
		return nil, err
	}

	// Collect the feedback requests these items are suspended in before the
	// linkage is cleared.
	affected, err := s.items.GetByItemIDs(ctx, wpID, itemIDs)
	if err != nil {
		return nil, err
	}
	requestIDs := map[string]bool{}
	for _, it := range affected {
		if it.FeedbackRequestID != nil {
			requestIDs[*it.FeedbackRequestID] = true
		}
	}

	if err := s.items.MoveToPending(ctx, wpID, itemIDs, actor); err != nil {
		return nil, err
	}

	for requestID := range requestIDs {
		remaining, err := s.items.FeedbackPendingCount(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if remaining > 0 {
			continue
		}
		if _, err := s.feedback.Resolve(ctx, requestID); err != nil {
			return nil, err
		}
		s.appendAudit(ctx, wpID, repository.ActionFeedbackClosed, actor, 0)
		s.log.Info().
			Str("work_package_id", wpID).
			Str("feedback_request_id", requestID).
			Msg("Feedback request emptied and resolved")
	}

	s.appendAudit(ctx, wpID, repository.ActionItemsPending, actor, len(itemIDs))
	return s.items.Counts(ctx, wpID)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (s *LedgerService) requireUnderReview(ctx context.Context, wpID string) error {
	wp, err := s.wpStore.GetByID(ctx, wpID)
	if err != nil {
		return err
	}
	if wp.WorkflowStatus != repository.StatusInitiated {
		return apperrors.Conflict("items can only be decided while the package is under review")
	}
	return nil
}

func (s *LedgerService) appendAudit(ctx context.Context, wpID, action, actor string, itemCount int) {
	entry := &repository.AuditEntry{
		WorkPackageID: wpID,
		Action:        action,
		PerformedBy:   actor,
	}
	if itemCount > 0 {
		entry.Metadata = map[string]interface{}{"item_count": itemCount}
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("work_package_id", wpID).Str("action", action).
			Msg("failed to append audit entry")
	}
}
