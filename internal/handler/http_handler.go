// Package handler exposes the disposition workflow over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/logger"
	"github.com/pesio-ai/be-rm-dispositions/internal/repository"
	"github.com/pesio-ai/be-rm-dispositions/internal/service"
)

// HTTPHandler handles HTTP requests. The acting user is taken from the
// X-User-ID header set by the API gateway.
type HTTPHandler struct {
	packages *service.WorkPackageService
	chain    *service.ChainService
	ledger   *service.LedgerService
	feedback *service.FeedbackService
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	packages *service.WorkPackageService,
	chain *service.ChainService,
	ledger *service.LedgerService,
	feedback *service.FeedbackService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		packages: packages,
		chain:    chain,
		ledger:   ledger,
		feedback: feedback,
		log:      log,
	}
}

// RegisterRoutes mounts all routes on the echo instance.
func (h *HTTPHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	v1 := e.Group("/v1")

	wp := v1.Group("/work-packages")
	wp.GET("", h.ListWorkPackages)
	wp.POST("", h.CreateWorkPackage)
	wp.GET("/tabs", h.TabCounts)
	wp.POST("/recall", h.RecallWorkPackages)
	wp.POST("/complete", h.CompleteDisposition)
	wp.GET("/:id", h.GetWorkPackage)
	wp.PUT("/:id", h.UpdateWorkPackage)
	wp.DELETE("/:id", h.DeleteWorkPackage)
	wp.POST("/:id/initiate", h.InitiateWorkPackage)
	wp.GET("/:id/audit", h.AuditTrail)

	wp.GET("/:id/approvers", h.ListApprovers)
	wp.POST("/:id/approvers", h.AddApprover)
	wp.PUT("/:id/approvers/order", h.ReorderApprovers)
	wp.PUT("/:id/approvers/:approverID", h.ReassignApprover)
	wp.DELETE("/:id/approvers/:approverID", h.RemoveApprover)
	wp.POST("/:id/approvers/:approverID/complete", h.CompleteReview)
	wp.POST("/:id/approvers/:approverID/force-approval", h.ForceApproval)

	wp.GET("/:id/items", h.ListItems)
	wp.GET("/:id/items/counts", h.ItemCounts)
	wp.POST("/:id/items/approve", h.ApproveItems)
	wp.POST("/:id/items/reject", h.RejectItems)
	wp.POST("/:id/items/move-to-pending", h.MoveItemsToPending)

	wp.GET("/:id/feedback", h.ListFeedback)
	wp.POST("/:id/feedback", h.RequestFeedback)
	wp.GET("/:id/feedback/counts", h.FeedbackUserCounts)

	fb := v1.Group("/feedback")
	fb.PUT("/:requestID", h.ModifyFeedback)
	fb.POST("/:requestID/respond", h.RespondFeedback)
	fb.POST("/:requestID/resolve", h.ResolveFeedback)
	fb.GET("/:requestID/responses", h.FeedbackResponses)
}

// Health reports liveness.
func (h *HTTPHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ── work packages ────────────────────────────────────────────────────────────

// ListWorkPackages returns one tab of packages.
// (GET /v1/work-packages?status=pending&limit=50&offset=0)
func (h *HTTPHandler) ListWorkPackages(c echo.Context) error {
	var statusGroup *string
	if s := c.QueryParam("status"); s != "" {
		statusGroup = &s
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	packages, total, err := h.packages.List(c.Request().Context(), statusGroup, limit, offset)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"work_packages": packages,
		"total":         total,
	})
}

type createWorkPackageBody struct {
	Title                    map[string]string `json:"title"`
	SourceID                 string            `json:"source_id"`
	DueDate                  string            `json:"due_date"`
	DaysTotal                int               `json:"days_total"`
	SecurityOverride         bool              `json:"security_override"`
	AutoprocessApprovedItems bool              `json:"autoprocess_approved_items"`
	ApproverUserIDs          []string          `json:"approver_user_ids"`
	ConditionalUserIDs       []string          `json:"conditional_user_ids"`
}

// CreateWorkPackage creates a package in PENDING.
// (POST /v1/work-packages)
func (h *HTTPHandler) CreateWorkPackage(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	var body createWorkPackageBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	details, err := h.packages.Create(c.Request().Context(), &service.CreateWorkPackageRequest{
		Title:                    body.Title,
		SourceID:                 body.SourceID,
		DueDate:                  body.DueDate,
		DaysTotal:                body.DaysTotal,
		SecurityOverride:         body.SecurityOverride,
		AutoprocessApprovedItems: body.AutoprocessApprovedItems,
		ApproverUserIDs:          body.ApproverUserIDs,
		ConditionalUserIDs:       body.ConditionalUserIDs,
		CreatedBy:                actor,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, details)
}

// GetWorkPackage returns the authoritative details of one package.
// (GET /v1/work-packages/:id)
func (h *HTTPHandler) GetWorkPackage(c echo.Context) error {
	details, err := h.packages.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, details)
}

type updateWorkPackageBody struct {
	DueDate                  string `json:"due_date"`
	DaysTotal                int    `json:"days_total"`
	SecurityOverride         bool   `json:"security_override"`
	AutoprocessApprovedItems bool   `json:"autoprocess_approved_items"`
}

// UpdateWorkPackage edits a PENDING package.
// (PUT /v1/work-packages/:id)
func (h *HTTPHandler) UpdateWorkPackage(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	var body updateWorkPackageBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	details, err := h.packages.Update(c.Request().Context(), &service.UpdateWorkPackageRequest{
		ID:                       c.Param("id"),
		DueDate:                  body.DueDate,
		DaysTotal:                body.DaysTotal,
		SecurityOverride:         body.SecurityOverride,
		AutoprocessApprovedItems: body.AutoprocessApprovedItems,
		UpdatedBy:                actor,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, details)
}

// DeleteWorkPackage removes a package.
// (DELETE /v1/work-packages/:id)
func (h *HTTPHandler) DeleteWorkPackage(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	if err := h.packages.Delete(c.Request().Context(), c.Param("id"), actor); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// TabCounts returns package counts per tab.
// (GET /v1/work-packages/tabs)
func (h *HTTPHandler) TabCounts(c echo.Context) error {
	counts, err := h.packages.TabCounts(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, counts)
}

// InitiateWorkPackage starts the review.
// (POST /v1/work-packages/:id/initiate)
func (h *HTTPHandler) InitiateWorkPackage(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	details, err := h.packages.Initiate(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, details)
}

type batchBody struct {
	IDs []string `json:"ids"`
}

// RecallWorkPackages returns a batch of packages to PENDING.
// (POST /v1/work-packages/recall)
func (h *HTTPHandler) RecallWorkPackages(c echo.Context) error {
	return h.runBatch(c, h.packages.Recall)
}

// CompleteDisposition archives a batch of READY_TO_COMPLETE packages.
// (POST /v1/work-packages/complete)
func (h *HTTPHandler) CompleteDisposition(c echo.Context) error {
	return h.runBatch(c, h.packages.CompleteDisposition)
}

// AuditTrail returns the audit log of a package.
// (GET /v1/work-packages/:id/audit?limit=100)
func (h *HTTPHandler) AuditTrail(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	entries, err := h.packages.AuditTrail(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}

// ── approver chain ───────────────────────────────────────────────────────────

// ListApprovers returns both chains of a package.
// (GET /v1/work-packages/:id/approvers)
func (h *HTTPHandler) ListApprovers(c echo.Context) error {
	approvers, err := h.chain.List(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"approvers": approvers})
}

type addApproverBody struct {
	UserID      string `json:"user_id"`
	Conditional bool   `json:"conditional"`
}

// AddApprover appends an approver to a chain.
// (POST /v1/work-packages/:id/approvers)
func (h *HTTPHandler) AddApprover(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	var body addApproverBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	a, err := h.chain.Add(c.Request().Context(), c.Param("id"), body.UserID, body.Conditional, actor)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

// RemoveApprover deletes a waiting approver.
// (DELETE /v1/work-packages/:id/approvers/:approverID)
func (h *HTTPHandler) RemoveApprover(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	approvers, err := h.chain.Remove(c.Request().Context(), c.Param("id"), c.Param("approverID"), actor)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"approvers": approvers})
}

type reassignBody struct {
	UserID string `json:"user_id"`
}

// ReassignApprover hands a slot to a different user.
// (PUT /v1/work-packages/:id/approvers/:approverID)
func (h *HTTPHandler) ReassignApprover(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	var body reassignBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	a, err := h.chain.Reassign(c.Request().Context(), c.Param("id"), c.Param("approverID"), body.UserID, actor)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

type reorderBody struct {
	Conditional bool                       `json:"conditional"`
	Expected    []repository.ApproverOrder `json:"expected"`
	Next        []repository.ApproverOrder `json:"next"`
}

// ReorderApprovers applies a drag-and-drop reordering of one chain.
// (PUT /v1/work-packages/:id/approvers/order)
func (h *HTTPHandler) ReorderApprovers(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	var body reorderBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.chain.Reorder(c.Request().Context(), &service.ReorderRequest{
		WorkPackageID: c.Param("id"),
		Conditional:   body.Conditional,
		Expected:      body.Expected,
		Next:          body.Next,
		RequestedBy:   actor,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// CompleteReview finishes the active approver's turn.
// (POST /v1/work-packages/:id/approvers/:approverID/complete)
func (h *HTTPHandler) CompleteReview(c echo.Context) error {
	return h.completeReview(c, h.chain.CompleteReview)
}

// ForceApproval completes the turn past undecided items.
// (POST /v1/work-packages/:id/approvers/:approverID/force-approval)
func (h *HTTPHandler) ForceApproval(c echo.Context) error {
	return h.completeReview(c, h.chain.ForceApproval)
}

// ── item ledger ──────────────────────────────────────────────────────────────

// ListItems returns the item ledger of a package.
// (GET /v1/work-packages/:id/items)
func (h *HTTPHandler) ListItems(c echo.Context) error {
	items, err := h.ledger.ListItems(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
}

// ItemCounts returns the decision aggregates.
// (GET /v1/work-packages/:id/items/counts)
func (h *HTTPHandler) ItemCounts(c echo.Context) error {
	counts, err := h.ledger.Counts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, counts)
}

type itemBatchBody struct {
	ItemIDs []string `json:"item_ids"`
}

// ApproveItems approves a batch of items.
// (POST /v1/work-packages/:id/items/approve)
func (h *HTTPHandler) ApproveItems(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	var body itemBatchBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	counts, err := h.ledger.Approve(c.Request().Context(), c.Param("id"), body.ItemIDs, actor)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, counts)
}

type rejectItemsBody struct {
	ItemIDs    []string `json:"item_ids"`
	Reason     string   `json:"reason"`
	Comment    string   `json:"comment"`
	ExtendDays int      `json:"extend_days"`
}

// RejectItems rejects a batch of items, optionally extending the due date.
// (POST /v1/work-packages/:id/items/reject)
func (h *HTTPHandler) RejectItems(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	var body rejectItemsBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	counts, err := h.ledger.Reject(c.Request().Context(), &service.RejectItemsRequest{
		WorkPackageID: c.Param("id"),
		ItemIDs:       body.ItemIDs,
		Reason:        body.Reason,
		Comment:       body.Comment,
		ExtendDays:    body.ExtendDays,
		RejectedBy:    actor,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, counts)
}

// MoveItemsToPending resets a batch of items to pending.
// (POST /v1/work-packages/:id/items/move-to-pending)
func (h *HTTPHandler) MoveItemsToPending(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	var body itemBatchBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	counts, err := h.ledger.MoveToPending(c.Request().Context(), c.Param("id"), body.ItemIDs, actor)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, counts)
}

// ── feedback ─────────────────────────────────────────────────────────────────

// ListFeedback returns the feedback requests of a package.
// (GET /v1/work-packages/:id/feedback)
func (h *HTTPHandler) ListFeedback(c echo.Context) error {
	requests, err := h.feedback.List(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"requests": requests})
}

type requestFeedbackBody struct {
	Message       string   `json:"message"`
	TargetUserIDs []string `json:"target_user_ids"`
	ItemIDs       []string `json:"item_ids"`
}

// RequestFeedback opens a feedback request on a set of items.
// (POST /v1/work-packages/:id/feedback)
func (h *HTTPHandler) RequestFeedback(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	var body requestFeedbackBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	fr, err := h.feedback.Request(c.Request().Context(), &service.RequestFeedbackRequest{
		WorkPackageID: c.Param("id"),
		Message:       body.Message,
		TargetUserIDs: body.TargetUserIDs,
		ItemIDs:       body.ItemIDs,
		RequestedBy:   actor,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, fr)
}

// FeedbackUserCounts returns the acting user's personal feedback counts.
// (GET /v1/work-packages/:id/feedback/counts)
func (h *HTTPHandler) FeedbackUserCounts(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	counts, err := h.feedback.UserCounts(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, counts)
}

type modifyFeedbackBody struct {
	TargetUserIDs []string `json:"target_user_ids"`
}

// ModifyFeedback replaces the target users of an open request. An empty set
// withdraws the request.
// (PUT /v1/feedback/:requestID)
func (h *HTTPHandler) ModifyFeedback(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	var body modifyFeedbackBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	fr, err := h.feedback.Modify(c.Request().Context(), c.Param("requestID"), body.TargetUserIDs, actor)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, fr)
}

type respondFeedbackBody struct {
	ItemID         string `json:"item_id"`
	Recommendation string `json:"recommendation"`
	Note           string `json:"note"`
}

// RespondFeedback records the acting user's recommendation for one item.
// (POST /v1/feedback/:requestID/respond)
func (h *HTTPHandler) RespondFeedback(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	var body respondFeedbackBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.feedback.Respond(c.Request().Context(), &service.RespondRequest{
		RequestID:      c.Param("requestID"),
		ItemID:         body.ItemID,
		UserID:         actor,
		Recommendation: body.Recommendation,
		Note:           body.Note,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ResolveFeedback closes a request and restores its items.
// (POST /v1/feedback/:requestID/resolve)
func (h *HTTPHandler) ResolveFeedback(c echo.Context) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	fr, err := h.feedback.Resolve(c.Request().Context(), c.Param("requestID"), actor)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, fr)
}

// FeedbackResponses returns the responses collected for a request.
// (GET /v1/feedback/:requestID/responses)
func (h *HTTPHandler) FeedbackResponses(c echo.Context) error {
	responses, err := h.feedback.Responses(c.Request().Context(), c.Param("requestID"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"responses": responses})
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) runBatch(c echo.Context, op func(ctx context.Context, ids []string, actor string) ([]*service.BatchResult, error)) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	var body batchBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	results, err := op(c.Request().Context(), body.IDs, actor)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results})
}

func (h *HTTPHandler) completeReview(c echo.Context, op func(ctx context.Context, wpID, approverID, actor string) (*repository.ChainAdvance, error)) error {
	actor, err := actingUser(c)
	if err != nil {
		return err
	}
	adv, err := op(c.Request().Context(), c.Param("id"), c.Param("approverID"), actor)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, adv)
}

// actingUser extracts the gateway-authenticated user id.
func actingUser(c echo.Context) (string, error) {
	userID := c.Request().Header.Get("X-User-ID")
	if userID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing X-User-ID header")
	}
	return userID, nil
}

// writeError maps application error codes onto HTTP statuses.
func (h *HTTPHandler) writeError(c echo.Context, err error) error {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case apperrors.ErrCodeConflict:
		status = http.StatusConflict
	case apperrors.ErrCodeUnauthorized:
		status = http.StatusUnauthorized
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}

	var appErr *apperrors.Error
	message := "internal error"
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	return c.JSON(status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}
