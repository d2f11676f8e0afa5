package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-rm-dispositions/internal/repository"
)

// Store interfaces decouple the services from Postgres so the workflow logic
// can be exercised against an in-memory implementation in tests. The pgx
// repositories are the production implementations.

// WorkPackageStore persists the work package aggregate and its lifecycle.
type WorkPackageStore interface {
	Create(ctx context.Context, wp *repository.WorkPackage, approvers []*repository.Approver, itemIDs []string) error
	GetByID(ctx context.Context, id string) (*repository.WorkPackage, error)
	List(ctx context.Context, statusGroup *string, limit, offset int) ([]*repository.WorkPackage, int64, error)
	TabCounts(ctx context.Context) (map[string]int64, error)
	TitleExists(ctx context.Context, sourceID string, title map[string]string, excludeID *string) (bool, error)
	UpdatePreInitiation(ctx context.Context, id string, dueDate time.Time, daysTotal int, securityOverride, autoprocess bool) error
	ExtendDueDate(ctx context.Context, id string, dueDate time.Time, daysTotal int) error
	Initiate(ctx context.Context, id string) (*repository.Approver, error)
	RecallReset(ctx context.Context, id string) (bool, error)
	Archive(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// ApproverStore persists the review chains.
type ApproverStore interface {
	ListByWorkPackage(ctx context.Context, wpID string) ([]*repository.Approver, error)
	GetByID(ctx context.Context, id string) (*repository.Approver, error)
	Add(ctx context.Context, a *repository.Approver) error
	Remove(ctx context.Context, id string) error
	Reassign(ctx context.Context, id, newUserID string) (*repository.Approver, error)
	ReplaceOrder(ctx context.Context, wpID string, conditional bool, expected, next []repository.ApproverOrder) (bool, error)
	CompleteAndAdvance(ctx context.Context, wpID, approverID string, force, autoprocess bool) (*repository.ChainAdvance, error)
}

// ItemLedgerStore persists per-item decisions.
type ItemLedgerStore interface {
	Counts(ctx context.Context, wpID string) (*repository.DecisionCounts, error)
	ListByWorkPackage(ctx context.Context, wpID string) ([]*repository.WorkPackageItem, error)
	GetByItemIDs(ctx context.Context, wpID string, itemIDs []string) ([]*repository.WorkPackageItem, error)
	Approve(ctx context.Context, wpID string, itemIDs []string, decidedBy string) error
	Reject(ctx context.Context, wpID string, itemIDs []string, reason, comment, decidedBy string) error
	MoveToPending(ctx context.Context, wpID string, itemIDs []string, decidedBy string) error
	FeedbackPendingCount(ctx context.Context, requestID string) (int, error)
}

// FeedbackStore persists feedback requests and responses.
type FeedbackStore interface {
	Create(ctx context.Context, req *repository.FeedbackRequest) error
	GetByID(ctx context.Context, id string) (*repository.FeedbackRequest, error)
	ListByWorkPackage(ctx context.Context, wpID string) ([]*repository.FeedbackRequest, error)
	UpdateTargets(ctx context.Context, id string, targets []string) error
	Resolve(ctx context.Context, id string) ([]string, error)
	UpsertResponse(ctx context.Context, resp *repository.FeedbackResponse) error
	ListResponses(ctx context.Context, requestID string) ([]*repository.FeedbackResponse, error)
	ResponseComplete(ctx context.Context, requestID string) (bool, error)
	CountsForUser(ctx context.Context, wpID, userID string) (*repository.FeedbackUserCounts, error)
}

// AuditStore persists the immutable audit trail.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ListByWorkPackage(ctx context.Context, wpID string, limit int) ([]*repository.AuditEntry, error)
}

// Notifier publishes workflow events. Implementations must be non-fatal.
type Notifier interface {
	Publish(eventType, workPackageID, actorID string, recipients []string, payload map[string]interface{})
}

// ItemIndexClientInterface reads the external record item index.
type ItemIndexClientInterface interface {
	SnapshotItems(ctx context.Context, sourceID string) ([]string, error)
}

// IdentityClientInterface resolves user identities.
type IdentityClientInterface interface {
	// MissingUsers returns the subset of ids unknown to the identity service.
	MissingUsers(ctx context.Context, userIDs []string) ([]string, error)
}
