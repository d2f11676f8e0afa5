package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/config"
	"github.com/pesio-ai/be-rm-dispositions/internal/logger"
	"github.com/pesio-ai/be-rm-dispositions/internal/repository"
)

// FeedbackService runs the feedback subflow: an approver asks additional
// users for advisory recommendations on a set of items, which stay suspended
// until the request resolves. Feedback users never decide items; their
// responses only inform the acting approver.
type FeedbackService struct {
	feedback  FeedbackStore
	items     ItemLedgerStore
	approvers ApproverStore
	wpStore   WorkPackageStore
	audit     AuditStore
	identity  IdentityClientInterface
	notifier  Notifier
	cfg       config.WorkflowConfig
	log       *logger.Logger
}

// NewFeedbackService creates a new feedback service.
func NewFeedbackService(
	feedback FeedbackStore,
	items ItemLedgerStore,
	approvers ApproverStore,
	wpStore WorkPackageStore,
	audit AuditStore,
	identity IdentityClientInterface,
	notifier Notifier,
	cfg config.WorkflowConfig,
	log *logger.Logger,
) *FeedbackService {
	return &FeedbackService{
		feedback:  feedback,
		items:     items,
		approvers: approvers,
		wpStore:   wpStore,
		audit:     audit,
		identity:  identity,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
	}
}

// RequestFeedbackRequest represents a new feedback request.
type RequestFeedbackRequest struct {
	WorkPackageID string
	Message       string
	TargetUserIDs []string
	ItemIDs       []string
	RequestedBy   string
}

// RespondRequest represents one feedback user's recommendation for one item.
type RespondRequest struct {
	RequestID      string
	ItemID         string
	UserID         string
	Recommendation string
	Note           string
}

// RespondResult carries the recorded response and whether the request's
// response grid is now complete: every target user has submitted a
// recommendation for every suspended item. Resolution stays with the
// requesting approver, but a complete grid is announced to them.
type RespondResult struct {
	Response     *repository.FeedbackResponse `json:"response"`
	AllResponded bool                         `json:"all_responded"`
}

// Request opens a feedback request and suspends its items. Only available
// while the package is under review and the deployment allows it.
func (s *FeedbackService) Request(ctx context.Context, req *RequestFeedbackRequest) (*repository.FeedbackRequest, error) {
	if !s.cfg.AllowFeedbackRequests {
		return nil, apperrors.Conflict("feedback requests are disabled")
	}
	if len(req.TargetUserIDs) == 0 {
		return nil, apperrors.InvalidInput("target_user_ids", "must not be empty")
	}
	if len(req.ItemIDs) == 0 {
		return nil, apperrors.InvalidInput("item_ids", "must not be empty")
	}

	wp, err := s.wpStore.GetByID(ctx, req.WorkPackageID)
	if err != nil {
		return nil, err
	}
	if wp.WorkflowStatus != repository.StatusInitiated {
		return nil, apperrors.Conflict("feedback can only be requested while the package is under review")
	}
	if err := requireActiveApprover(ctx, s.approvers, req.WorkPackageID, req.RequestedBy); err != nil {
		return nil, err
	}

	missing, err := s.identity.MissingUsers(ctx, req.TargetUserIDs)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to validate users")
	}
	if len(missing) > 0 {
		return nil, apperrors.InvalidInput("target_user_ids", "unknown users: "+strings.Join(missing, ", "))
	}

	fr := &repository.FeedbackRequest{
		WorkPackageID: req.WorkPackageID,
		Message:       req.Message,
		TargetUserIDs: req.TargetUserIDs,
		CreatedBy:     req.RequestedBy,
		ItemIDs:       req.ItemIDs,
	}
	if err := s.feedback.Create(ctx, fr); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, req.WorkPackageID, repository.ActionFeedbackOpened, req.RequestedBy, map[string]interface{}{
		"feedback_request_id": fr.ID,
		"item_count":          len(req.ItemIDs),
		"target_count":        len(req.TargetUserIDs),
	})
	s.notifier.Publish("feedback_requested", req.WorkPackageID, req.RequestedBy, req.TargetUserIDs,
		map[string]interface{}{"feedback_request_id": fr.ID})

	s.log.Info().
		Str("work_package_id", req.WorkPackageID).
		Str("feedback_request_id", fr.ID).
		Int("item_count", len(req.ItemIDs)).
		Msg("Feedback requested")

	return fr, nil
}

// Modify replaces the target user set of an open request. An empty target
// set withdraws the request: it resolves and the items return to their
// pre-feedback states.
func (s *FeedbackService) Modify(ctx context.Context, requestID string, targets []string, actor string) (*repository.FeedbackRequest, error) {
	fr, err := s.feedback.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if fr.Resolved {
		return nil, apperrors.Conflict("feedback request is already resolved")
	}

	if len(targets) == 0 {
		if _, err := s.feedback.Resolve(ctx, requestID); err != nil {
			return nil, err
		}
		s.appendAudit(ctx, fr.WorkPackageID, repository.ActionFeedbackClosed, actor, map[string]interface{}{
			"feedback_request_id": requestID, "reason": "targets_emptied",
		})
		return s.feedback.GetByID(ctx, requestID)
	}

	missing, err := s.identity.MissingUsers(ctx, targets)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to validate users")
	}
	if len(missing) > 0 {
		return nil, apperrors.InvalidInput("target_user_ids", "unknown users: "+strings.Join(missing, ", "))
	}

	if err := s.feedback.UpdateTargets(ctx, requestID, targets); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, fr.WorkPackageID, repository.ActionFeedbackChanged, actor, map[string]interface{}{
		"feedback_request_id": requestID, "target_count": len(targets),
	})
	s.notifier.Publish("feedback_requested", fr.WorkPackageID, actor, targets,
		map[string]interface{}{"feedback_request_id": requestID})

	return s.feedback.GetByID(ctx, requestID)
}

// Respond records a feedback user's recommendation for one item of a request
// they are targeted by. Responses stay editable until the request resolves.
// The response that completes the grid notifies the requesting approver.
func (s *FeedbackService) Respond(ctx context.Context, req *RespondRequest) (*RespondResult, error) {
	switch req.Recommendation {
	case repository.DecisionPending, repository.DecisionApproved, repository.DecisionRejected:
	default:
		return nil, apperrors.InvalidInput("recommendation", "must be pending, approved or rejected")
	}

	fr, err := s.feedback.GetByID(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if fr.Resolved {
		return nil, apperrors.Conflict("feedback request is already resolved")
	}
	if !contains(fr.TargetUserIDs, req.UserID) {
		return nil, apperrors.Unauthorized("user is not a target of this feedback request")
	}
	if !contains(fr.ItemIDs, req.ItemID) {
		return nil, apperrors.InvalidInput("item_id", "item is not part of this feedback request")
	}

	wasComplete, err := s.feedback.ResponseComplete(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}

	resp := &repository.FeedbackResponse{
		RequestID:      req.RequestID,
		ItemID:         req.ItemID,
		UserID:         req.UserID,
		Recommendation: req.Recommendation,
	}
	if req.Note != "" {
		resp.Note = &req.Note
	}
	if err := s.feedback.UpsertResponse(ctx, resp); err != nil {
		return nil, err
	}

	complete, err := s.feedback.ResponseComplete(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if complete && !wasComplete {
		s.notifier.Publish("feedback_complete", fr.WorkPackageID, req.UserID, []string{fr.CreatedBy},
			map[string]interface{}{"feedback_request_id": req.RequestID})
	}

	return &RespondResult{Response: resp, AllResponded: complete}, nil
}

// Resolve closes a request: items return to their pre-feedback states and
// the acting approver proceeds informed by the collected responses.
func (s *FeedbackService) Resolve(ctx context.Context, requestID, actor string) (*repository.FeedbackRequest, error) {
	fr, err := s.feedback.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	restored, err := s.feedback.Resolve(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if !fr.Resolved {
		s.appendAudit(ctx, fr.WorkPackageID, repository.ActionFeedbackClosed, actor, map[string]interface{}{
			"feedback_request_id": requestID, "restored_count": len(restored),
		})
		s.notifier.Publish("feedback_resolved", fr.WorkPackageID, actor, []string{fr.CreatedBy},
			map[string]interface{}{"feedback_request_id": requestID})
	}

	return s.feedback.GetByID(ctx, requestID)
}

// List returns all feedback requests of a package.
func (s *FeedbackService) List(ctx context.Context, wpID string) ([]*repository.FeedbackRequest, error) {
	if _, err := s.wpStore.GetByID(ctx, wpID); err != nil {
		return nil, err
	}
	return s.feedback.ListByWorkPackage(ctx, wpID)
}

// Responses returns the responses collected for a request.
func (s *FeedbackService) Responses(ctx context.Context, requestID string) ([]*repository.FeedbackResponse, error) {
	if _, err := s.feedback.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return s.feedback.ListResponses(ctx, requestID)
}

// UserCounts returns the personal count triple a feedback user sees on a
// package.
func (s *FeedbackService) UserCounts(ctx context.Context, wpID, userID string) (*repository.FeedbackUserCounts, error) {
	if _, err := s.wpStore.GetByID(ctx, wpID); err != nil {
		return nil, err
	}
	return s.feedback.CountsForUser(ctx, wpID, userID)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (s *FeedbackService) appendAudit(ctx context.Context, wpID, action, actor string, metadata map[string]interface{}) {
	entry := &repository.AuditEntry{
		WorkPackageID: wpID,
		Action:        action,
		PerformedBy:   actor,
		Metadata:      metadata,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("work_package_id", wpID).Str("action", action).
			Msg("failed to append audit entry")
	}
}
