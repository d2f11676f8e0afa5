package service

import (
	"context"
	"strings"
	"time"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/logger"
	"github.com/pesio-ai/be-rm-dispositions/internal/repository"
	"github.com/pesio-ai/be-rm-dispositions/internal/workflow"
)

// WorkPackageService handles work package lifecycle business logic.
type WorkPackageService struct {
	wpStore   WorkPackageStore
	approvers ApproverStore
	items     ItemLedgerStore
	audit     AuditStore
	lifecycle *workflow.Lifecycle
	itemIndex ItemIndexClientInterface
	identity  IdentityClientInterface
	notifier  Notifier
	log       *logger.Logger
}

// NewWorkPackageService creates a new work package service.
func NewWorkPackageService(
	wpStore WorkPackageStore,
	approvers ApproverStore,
	items ItemLedgerStore,
	audit AuditStore,
	lifecycle *workflow.Lifecycle,
	itemIndex ItemIndexClientInterface,
	identity IdentityClientInterface,
	notifier Notifier,
	log *logger.Logger,
) *WorkPackageService {
	return &WorkPackageService{
		wpStore:   wpStore,
		approvers: approvers,
		items:     items,
		audit:     audit,
		lifecycle: lifecycle,
		itemIndex: itemIndex,
		identity:  identity,
		notifier:  notifier,
		log:       log,
	}
}

// CreateWorkPackageRequest represents a create work package request.
type CreateWorkPackageRequest struct {
	Title                    map[string]string
	SourceID                 string
	DueDate                  string // YYYY-MM-DD
	DaysTotal                int
	SecurityOverride         bool
	AutoprocessApprovedItems bool
	ApproverUserIDs          []string
	ConditionalUserIDs       []string
	CreatedBy                string
}

// UpdateWorkPackageRequest represents a pre-initiation edit.
type UpdateWorkPackageRequest struct {
	ID                       string
	DueDate                  string
	DaysTotal                int
	SecurityOverride         bool
	AutoprocessApprovedItems bool
	UpdatedBy                string
}

// WorkPackageDetails is the authoritative read model returned by every
// command: the package row plus its chain and freshly recomputed counts.
type WorkPackageDetails struct {
	WorkPackage *repository.WorkPackage    `json:"work_package"`
	DaysLeft    int                        `json:"days_left"`
	Approvers   []*repository.Approver     `json:"approvers"`
	Counts      *repository.DecisionCounts `json:"counts"`
}

// BatchResult reports one package's outcome in a batch command. Applied is
// false when the package was already in the requested state.
type BatchResult struct {
	ID      string `json:"id"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// Create creates a work package in PENDING with a frozen snapshot of the
// source's current items.
func (s *WorkPackageService) Create(ctx context.Context, req *CreateWorkPackageRequest) (*WorkPackageDetails, error) {
	if len(req.Title) == 0 {
		return nil, apperrors.InvalidInput("title", "must contain at least one language")
	}
	for _, v := range req.Title {
		if v == "" {
			return nil, apperrors.InvalidInput("title", "titles must not be empty")
		}
	}
	if req.SourceID == "" {
		return nil, apperrors.InvalidInput("source_id", "must not be empty")
	}

	dueDate, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		return nil, apperrors.InvalidInput("due_date", "invalid date format, expected YYYY-MM-DD")
	}
	if req.DaysTotal <= 0 {
		return nil, apperrors.InvalidInput("days_total", "must be positive")
	}

	exists, err := s.wpStore.TitleExists(ctx, req.SourceID, req.Title, nil)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperrors.Conflict("a work package with this title already exists for the source")
	}

	if err := s.validateUsers(ctx, append(req.ApproverUserIDs, req.ConditionalUserIDs...)); err != nil {
		return nil, err
	}

	itemIDs, err := s.itemIndex.SnapshotItems(ctx, req.SourceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to snapshot source items")
	}

	wp := &repository.WorkPackage{
		Title:                    req.Title,
		SourceID:                 req.SourceID,
		WorkflowStatus:           repository.StatusPending,
		CreateDate:               time.Now(),
		DueDate:                  dueDate,
		DaysTotal:                req.DaysTotal,
		SecurityOverride:         req.SecurityOverride,
		AutoprocessApprovedItems: req.AutoprocessApprovedItems,
		CreatedBy:                &req.CreatedBy,
	}

	approvers := make([]*repository.Approver, 0, len(req.ApproverUserIDs)+len(req.ConditionalUserIDs))
	for i, userID := range req.ApproverUserIDs {
		approvers = append(approvers, &repository.Approver{
			UserID: userID, OrderBy: i + 1, State: repository.ApproverWaiting,
		})
	}
	for i, userID := range req.ConditionalUserIDs {
		approvers = append(approvers, &repository.Approver{
			UserID: userID, OrderBy: i + 1, Conditional: true, State: repository.ApproverWaiting,
		})
	}

	if err := s.wpStore.Create(ctx, wp, approvers, itemIDs); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkPackageID: wp.ID,
		Action:        repository.ActionCreated,
		PerformedBy:   req.CreatedBy,
		StatusAfter:   &wp.WorkflowStatus,
		Metadata:      map[string]interface{}{"item_count": len(itemIDs)},
	})

	s.log.Info().
		Str("work_package_id", wp.ID).
		Str("source_id", wp.SourceID).
		Int("item_count", len(itemIDs)).
		Int("approver_count", len(approvers)).
		Msg("Work package created")

	return s.details(ctx, wp.ID)
}

// Get returns the authoritative details of one work package.
func (s *WorkPackageService) Get(ctx context.Context, id string) (*WorkPackageDetails, error) {
	return s.details(ctx, id)
}

// List returns packages for a tab ("building", "pending", "initiated",
// "ready_to_complete", "archive") with the total count for paging.
func (s *WorkPackageService) List(ctx context.Context, statusGroup *string, limit, offset int) ([]*repository.WorkPackage, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.wpStore.List(ctx, statusGroup, limit, offset)
}

// TabCounts returns package counts per tab.
func (s *WorkPackageService) TabCounts(ctx context.Context) (map[string]int64, error) {
	return s.wpStore.TabCounts(ctx)
}

// Update edits the fields that stay mutable while the package is PENDING.
func (s *WorkPackageService) Update(ctx context.Context, req *UpdateWorkPackageRequest) (*WorkPackageDetails, error) {
	dueDate, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		return nil, apperrors.InvalidInput("due_date", "invalid date format, expected YYYY-MM-DD")
	}
	if req.DaysTotal <= 0 {
		return nil, apperrors.InvalidInput("days_total", "must be positive")
	}

	if err := s.wpStore.UpdatePreInitiation(ctx, req.ID, dueDate, req.DaysTotal,
		req.SecurityOverride, req.AutoprocessApprovedItems); err != nil {
		return nil, err
	}
	return s.details(ctx, req.ID)
}

// Initiate starts the review: the package moves to INITIATED and the first
// primary approver becomes active.
func (s *WorkPackageService) Initiate(ctx context.Context, id, actor string) (*WorkPackageDetails, error) {
	wp, err := s.wpStore.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.lifecycle.Fire(wp.WorkflowStatus, workflow.EventInitiate); err != nil {
		return nil, err
	}

	first, err := s.wpStore.Initiate(ctx, id)
	if err != nil {
		return nil, err
	}

	before, after := wp.WorkflowStatus, repository.StatusInitiated
	s.appendAudit(ctx, &repository.AuditEntry{
		WorkPackageID: id,
		ApproverID:    &first.ID,
		Action:        repository.ActionInitiated,
		PerformedBy:   actor,
		StatusBefore:  &before,
		StatusAfter:   &after,
	})
	s.notifier.Publish("review_required", id, actor, []string{first.UserID}, nil)

	s.log.Info().
		Str("work_package_id", id).
		Str("active_approver", first.UserID).
		Msg("Work package initiated")

	return s.details(ctx, id)
}

// Recall returns a batch of packages to PENDING, wiping all review progress.
// Packages already pending are skipped; other failures are reported per id
// without aborting the batch.
func (s *WorkPackageService) Recall(ctx context.Context, ids []string, actor string) ([]*BatchResult, error) {
	return s.batch(ctx, ids, actor, func(ctx context.Context, wp *repository.WorkPackage) (bool, error) {
		if !s.lifecycle.CanFire(wp.WorkflowStatus, workflow.EventRecall) {
			// Already pending is the idempotent retry; anything else is a
			// genuine guard violation.
			if wp.WorkflowStatus == repository.StatusPending {
				return false, nil
			}
			return false, apperrors.Conflict("work package cannot be recalled from status '" + wp.WorkflowStatus + "'")
		}
		applied, err := s.wpStore.RecallReset(ctx, wp.ID)
		if err != nil || !applied {
			return applied, err
		}

		before, after := wp.WorkflowStatus, repository.StatusPending
		s.appendAudit(ctx, &repository.AuditEntry{
			WorkPackageID: wp.ID,
			Action:        repository.ActionRecalled,
			PerformedBy:   actor,
			StatusBefore:  &before,
			StatusAfter:   &after,
		})
		s.notifier.Publish("work_package_recalled", wp.ID, actor, nil, nil)
		return true, nil
	})
}

// CompleteDisposition archives a batch of READY_TO_COMPLETE packages.
// Already archived packages are skipped.
func (s *WorkPackageService) CompleteDisposition(ctx context.Context, ids []string, actor string) ([]*BatchResult, error) {
	return s.batch(ctx, ids, actor, func(ctx context.Context, wp *repository.WorkPackage) (bool, error) {
		if !s.lifecycle.CanFire(wp.WorkflowStatus, workflow.EventArchive) {
			if wp.WorkflowStatus == repository.StatusArchive {
				return false, nil
			}
			return false, apperrors.Conflict("work package cannot be archived from status '" + wp.WorkflowStatus + "'")
		}
		applied, err := s.wpStore.Archive(ctx, wp.ID)
		if err != nil || !applied {
			return applied, err
		}

		before, after := wp.WorkflowStatus, repository.StatusArchive
		s.appendAudit(ctx, &repository.AuditEntry{
			WorkPackageID: wp.ID,
			Action:        repository.ActionArchived,
			PerformedBy:   actor,
			StatusBefore:  &before,
			StatusAfter:   &after,
		})
		s.notifier.Publish("work_package_completed", wp.ID, actor, nil, nil)
		return true, nil
	})
}

// Delete removes a work package and everything it owns. Packages under
// active review must be recalled first.
func (s *WorkPackageService) Delete(ctx context.Context, id, actor string) error {
	if err := s.wpStore.Delete(ctx, id); err != nil {
		return err
	}

	// The audit trail cascades with the package; deletion is traceable only
	// through service logs.
	s.log.Info().
		Str("work_package_id", id).
		Str("actor", actor).
		Msg("Work package deleted")
	return nil
}

// AuditTrail returns the package's audit log, newest first.
func (s *WorkPackageService) AuditTrail(ctx context.Context, id string, limit int) ([]*repository.AuditEntry, error) {
	if _, err := s.wpStore.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.ListByWorkPackage(ctx, id, limit)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (s *WorkPackageService) details(ctx context.Context, id string) (*WorkPackageDetails, error) {
	wp, err := s.wpStore.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	approvers, err := s.approvers.ListByWorkPackage(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.items.Counts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &WorkPackageDetails{
		WorkPackage: wp,
		DaysLeft:    wp.DaysLeft(time.Now()),
		Approvers:   approvers,
		Counts:      counts,
	}, nil
}

func (s *WorkPackageService) batch(ctx context.Context, ids []string, actor string,
	op func(context.Context, *repository.WorkPackage) (bool, error)) ([]*BatchResult, error) {
	if len(ids) == 0 {
		return nil, apperrors.InvalidInput("ids", "must not be empty")
	}

	results := make([]*BatchResult, 0, len(ids))
	for _, id := range ids {
		result := &BatchResult{ID: id}
		wp, err := s.wpStore.GetByID(ctx, id)
		if err == nil {
			result.Applied, err = op(ctx, wp)
		}
		if err != nil {
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *WorkPackageService) validateUsers(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	missing, err := s.identity.MissingUsers(ctx, userIDs)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to validate users")
	}
	if len(missing) > 0 {
		return apperrors.InvalidInput("user_ids", "unknown users: "+strings.Join(missing, ", "))
	}
	return nil
}

func (s *WorkPackageService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("work_package_id", entry.WorkPackageID).
			Str("action", entry.Action).
			Msg("failed to append audit entry")
	}
}
