package service

import (
	"context"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/config"
	"github.com/pesio-ai/be-rm-dispositions/internal/logger"
	"github.com/pesio-ai/be-rm-dispositions/internal/repository"
	"github.com/pesio-ai/be-rm-dispositions/internal/workflow"
)

// ChainService manages the review chains of a work package: membership,
// ordering and the turn handover when an approver completes their review.
type ChainService struct {
	approvers ApproverStore
	wpStore   WorkPackageStore
	items     ItemLedgerStore
	audit     AuditStore
	identity  IdentityClientInterface
	notifier  Notifier
	cfg       config.WorkflowConfig
	log       *logger.Logger
}

// NewChainService creates a new chain service.
func NewChainService(
	approvers ApproverStore,
	wpStore WorkPackageStore,
	items ItemLedgerStore,
	audit AuditStore,
	identity IdentityClientInterface,
	notifier Notifier,
	cfg config.WorkflowConfig,
	log *logger.Logger,
) *ChainService {
	return &ChainService{
		approvers: approvers,
		wpStore:   wpStore,
		items:     items,
		audit:     audit,
		identity:  identity,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
	}
}

// ReorderRequest is a full chain ordering as the operator last saw it. The
// swap only happens when the stored ordering still matches, so two operators
// dragging at once cannot interleave.
type ReorderRequest struct {
	WorkPackageID string
	Conditional   bool
	Expected      []repository.ApproverOrder
	Next          []repository.ApproverOrder
	RequestedBy   string
}

// ReorderResult carries the authoritative chain after a reorder attempt.
// Swapped is false when the expected ordering was stale; the caller should
// redraw from Approvers and retry.
type ReorderResult struct {
	Swapped   bool                   `json:"swapped"`
	Approvers []*repository.Approver `json:"approvers"`
}

// List returns both chains of a package, primary first.
func (s *ChainService) List(ctx context.Context, wpID string) ([]*repository.Approver, error) {
	if _, err := s.wpStore.GetByID(ctx, wpID); err != nil {
		return nil, err
	}
	return s.approvers.ListByWorkPackage(ctx, wpID)
}

// Add appends an approver at the tail of the primary or conditional chain.
func (s *ChainService) Add(ctx context.Context, wpID, userID string, conditional bool, actor string) (*repository.Approver, error) {
	if userID == "" {
		return nil, apperrors.InvalidInput("user_id", "must not be empty")
	}

	wp, err := s.wpStore.GetByID(ctx, wpID)
	if err != nil {
		return nil, err
	}
	if wp.WorkflowStatus != repository.StatusPending && wp.WorkflowStatus != repository.StatusInitiated {
		return nil, apperrors.Conflict("approvers can only be added while pending or under review")
	}

	missing, err := s.identity.MissingUsers(ctx, []string{userID})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to validate user")
	}
	if len(missing) > 0 {
		return nil, apperrors.InvalidInput("user_id", "unknown user: "+userID)
	}

	a := &repository.Approver{
		WorkPackageID: wpID,
		UserID:        userID,
		Conditional:   conditional,
		State:         repository.ApproverWaiting,
	}
	if err := s.approvers.Add(ctx, a); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, wpID, &a.ID, repository.ActionApproverAdded, actor, map[string]interface{}{
		"user_id": userID, "conditional": conditional, "order_by": a.OrderBy,
	})
	return a, nil
}

// Remove deletes a waiting approver and closes the gap in its chain.
func (s *ChainService) Remove(ctx context.Context, wpID, approverID, actor string) ([]*repository.Approver, error) {
	a, err := s.mustBelong(ctx, wpID, approverID)
	if err != nil {
		return nil, err
	}

	if err := s.approvers.Remove(ctx, approverID); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, wpID, &approverID, repository.ActionApproverRemoved, actor, map[string]interface{}{
		"user_id": a.UserID,
	})
	return s.approvers.ListByWorkPackage(ctx, wpID)
}

// Reassign hands an approver slot to a different user, keeping position and
// state. Disabled deployments get a conflict.
func (s *ChainService) Reassign(ctx context.Context, wpID, approverID, newUserID, actor string) (*repository.Approver, error) {
	if !s.cfg.AllowReassign {
		return nil, apperrors.Conflict("approver reassignment is disabled")
	}
	if newUserID == "" {
		return nil, apperrors.InvalidInput("user_id", "must not be empty")
	}

	prev, err := s.mustBelong(ctx, wpID, approverID)
	if err != nil {
		return nil, err
	}

	missing, err := s.identity.MissingUsers(ctx, []string{newUserID})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to validate user")
	}
	if len(missing) > 0 {
		return nil, apperrors.InvalidInput("user_id", "unknown user: "+newUserID)
	}

	a, err := s.approvers.Reassign(ctx, approverID, newUserID)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, wpID, &approverID, repository.ActionReassigned, actor, map[string]interface{}{
		"from": prev.UserID, "to": newUserID,
	})
	if a.State == repository.ApproverActive {
		s.notifier.Publish("review_required", wpID, actor, []string{newUserID}, nil)
	}
	return a, nil
}

// Reorder applies a drag-and-drop reordering of one chain. Positions held by
// active or complete approvers are locked: a request that would move a locked
// slot is silently ignored as a whole, leaving every orderBy unchanged. A
// stale Expected view likewise changes nothing and returns Swapped=false.
func (s *ChainService) Reorder(ctx context.Context, req *ReorderRequest) (*ReorderResult, error) {
	chain, err := s.approvers.ListByWorkPackage(ctx, req.WorkPackageID)
	if err != nil {
		return nil, err
	}

	next, ok, err := orderingFor(chain, req.Conditional, req.Next)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ReorderResult{Swapped: false, Approvers: chain}, nil
	}

	swapped, err := s.approvers.ReplaceOrder(ctx, req.WorkPackageID, req.Conditional, req.Expected, next)
	if err != nil {
		return nil, err
	}

	if swapped {
		s.appendAudit(ctx, req.WorkPackageID, nil, repository.ActionReordered, req.RequestedBy, map[string]interface{}{
			"conditional": req.Conditional,
		})
	}

	chain, err = s.approvers.ListByWorkPackage(ctx, req.WorkPackageID)
	if err != nil {
		return nil, err
	}
	return &ReorderResult{Swapped: swapped, Approvers: chain}, nil
}

// CompleteReview finishes the active approver's turn and hands the package
// to the next primary approver, or marks it READY_TO_COMPLETE when the chain
// is exhausted. Every included item must be decided first.
func (s *ChainService) CompleteReview(ctx context.Context, wpID, approverID, actor string) (*repository.ChainAdvance, error) {
	return s.complete(ctx, wpID, approverID, actor, false)
}

// ForceApproval completes the active approver's turn regardless of undecided
// items. Recorded in the audit trail as an escalation.
func (s *ChainService) ForceApproval(ctx context.Context, wpID, approverID, actor string) (*repository.ChainAdvance, error) {
	return s.complete(ctx, wpID, approverID, actor, true)
}

func (s *ChainService) complete(ctx context.Context, wpID, approverID, actor string, force bool) (*repository.ChainAdvance, error) {
	wp, err := s.wpStore.GetByID(ctx, wpID)
	if err != nil {
		return nil, err
	}

	// Force approval is the supervisor escalation and stays open to any
	// identity; a regular complete belongs to the assigned approver alone and
	// must pass the completion rule.
	if !force {
		a, err := s.mustBelong(ctx, wpID, approverID)
		if err != nil {
			return nil, err
		}
		if a.UserID != actor {
			return nil, apperrors.Unauthorized("only the assigned approver may complete this review")
		}
		if a.State == repository.ApproverActive {
			counts, err := s.items.Counts(ctx, wpID)
			if err != nil {
				return nil, err
			}
			if !workflow.CanComplete(counts) {
				return nil, apperrors.Conflict("review cannot be completed while items are pending or awaiting feedback")
			}
		}
	}

	adv, err := s.approvers.CompleteAndAdvance(ctx, wpID, approverID, force, wp.AutoprocessApprovedItems)
	if err != nil {
		return nil, err
	}
	if adv.AlreadyComplete {
		return adv, nil
	}

	action := repository.ActionReviewCompleted
	if force {
		action = repository.ActionForceApproval
	}
	before := wp.WorkflowStatus
	s.appendAuditStatus(ctx, wpID, &approverID, action, actor, &before, &adv.WorkPackageStatus)

	if adv.NextActive != nil {
		s.notifier.Publish("review_required", wpID, actor, []string{adv.NextActive.UserID}, nil)
	} else {
		s.notifier.Publish("work_package_ready", wpID, actor, nil, nil)
	}

	s.log.Info().
		Str("work_package_id", wpID).
		Str("approver_id", approverID).
		Bool("force", force).
		Str("status", adv.WorkPackageStatus).
		Msg("Review completed")

	return adv, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// orderingFor validates the requested ordering against the chain and turns it
// into dense 1-based positions. A request that would move a locked
// (non-waiting) approver off its current position is a guarded no-op: ok is
// false and no ordering is produced, so the chain stays exactly as it is.
func orderingFor(chain []*repository.Approver, conditional bool, requested []repository.ApproverOrder) (next []repository.ApproverOrder, ok bool, err error) {
	members := map[string]*repository.Approver{}
	count := 0
	for _, a := range chain {
		if a.Conditional != conditional {
			continue
		}
		members[a.ID] = a
		count++
	}

	if len(requested) != count {
		return nil, false, apperrors.InvalidInput("order", "ordering must cover the whole chain")
	}

	seen := map[string]bool{}
	next = make([]repository.ApproverOrder, 0, count)
	for i, o := range requested {
		a, found := members[o.ApproverID]
		if !found {
			return nil, false, apperrors.InvalidInput("order", "approver does not belong to this chain")
		}
		if seen[a.ID] {
			return nil, false, apperrors.InvalidInput("order", "duplicate approver in ordering")
		}
		seen[a.ID] = true

		if a.State != repository.ApproverWaiting && a.OrderBy != i+1 {
			return nil, false, nil
		}
		next = append(next, repository.ApproverOrder{ApproverID: a.ID, OrderBy: i + 1})
	}
	return next, true, nil
}

func (s *ChainService) mustBelong(ctx context.Context, wpID, approverID string) (*repository.Approver, error) {
	a, err := s.approvers.GetByID(ctx, approverID)
	if err != nil {
		return nil, err
	}
	if a.WorkPackageID != wpID {
		return nil, apperrors.InvalidInput("approver_id", "approver does not belong to this work package")
	}
	return a, nil
}

func (s *ChainService) appendAudit(ctx context.Context, wpID string, approverID *string, action, actor string, metadata map[string]interface{}) {
	entry := &repository.AuditEntry{
		WorkPackageID: wpID,
		ApproverID:    approverID,
		Action:        action,
		PerformedBy:   actor,
		Metadata:      metadata,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("work_package_id", wpID).Str("action", action).
			Msg("failed to append audit entry")
	}
}

func (s *ChainService) appendAuditStatus(ctx context.Context, wpID string, approverID *string, action, actor string, before, after *string) {
	entry := &repository.AuditEntry{
		WorkPackageID: wpID,
		ApproverID:    approverID,
		Action:        action,
		PerformedBy:   actor,
		StatusBefore:  before,
		StatusAfter:   after,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("work_package_id", wpID).Str("action", action).
			Msg("failed to append audit entry")
	}
}
