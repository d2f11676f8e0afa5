package repository

import "time"

// ── Work package lifecycle states ────────────────────────────────────────────

// Lifecycle states of a work package. The three building states are produced
// by the external item-collection batch and are read-only to this service.
const (
	StatusBuildingNew       = "building_new"
	StatusBuildingPending   = "building_pending"
	StatusBuildingInitiated = "building_initiated"
	StatusPending           = "pending"
	StatusInitiated         = "initiated"
	StatusReadyToComplete   = "ready_to_complete"
	StatusArchive           = "archive"
)

// Approver states within a review chain.
const (
	ApproverWaiting  = "waiting"
	ApproverActive   = "active"
	ApproverComplete = "complete"
)

// Item decision states for the current approver's turn.
const (
	DecisionPending         = "pending"
	DecisionApproved        = "approved"
	DecisionRejected        = "rejected"
	DecisionFeedbackPending = "feedback_pending"
)

// Audit actions. ActionForceApproval is distinct from ActionReviewCompleted
// so escalations stay distinguishable in the trail.
const (
	ActionCreated         = "created"
	ActionInitiated       = "initiated"
	ActionRecalled        = "recalled"
	ActionArchived        = "archived"
	ActionDeleted         = "deleted"
	ActionApproverAdded   = "approver_added"
	ActionApproverRemoved = "approver_removed"
	ActionReassigned      = "reassigned"
	ActionReordered       = "reordered"
	ActionReviewCompleted = "review_completed"
	ActionForceApproval   = "force_approval"
	ActionItemsApproved   = "items_approved"
	ActionItemsRejected   = "items_rejected"
	ActionItemsPending    = "items_moved_to_pending"
	ActionFeedbackOpened  = "feedback_requested"
	ActionFeedbackChanged = "feedback_modified"
	ActionFeedbackClosed  = "feedback_resolved"
)

// ── Domain types ─────────────────────────────────────────────────────────────

// WorkPackage is one disposition run over a fixed snapshot of record items.
type WorkPackage struct {
	ID                       string
	Title                    map[string]string // language code -> title
	SourceID                 string
	WorkflowStatus           string
	CreateDate               time.Time
	DueDate                  time.Time
	DaysTotal                int
	SecurityOverride         bool
	AutoprocessApprovedItems bool
	CreatedBy                *string
	CompletedAt              *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// DaysLeft derives the remaining days until the due date as of now.
// Negative when overdue.
func (wp *WorkPackage) DaysLeft(now time.Time) int {
	return int(wp.DueDate.Sub(now).Hours() / 24)
}

// Approver is one human's position in the review chain of a work package.
// Conditional approvers form a fully parallel chain with an independent
// order_by sequence; they never gate item decisions.
type Approver struct {
	ID            string
	WorkPackageID string
	UserID        string
	OrderBy       int // 1-based, dense within each chain
	Conditional   bool
	State         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ApproverOrder is one (approver, position) pair in a chain ordering.
// Used by the compare-and-swap reorder operation.
type ApproverOrder struct {
	ApproverID string `json:"approver_id"`
	OrderBy    int    `json:"order_by"`
}

// WorkPackageItem is a records item under review within one work package.
// The decision state applies to the current active approver's turn.
type WorkPackageItem struct {
	ID                  string
	WorkPackageID       string
	ItemID              string
	Included            bool
	DecisionState       string
	StateBeforeFeedback *string
	RejectReason        *string
	RejectComment       *string
	FeedbackRequestID   *string
	DecidedBy           *string
	DecidedAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DecisionCounts are the always-recomputed aggregates over included items,
// scoped to the current active approver.
// Invariant: Pending + Approved + Rejected + FeedbackPending == Included.
type DecisionCounts struct {
	Included        int `json:"included"`
	Pending         int `json:"pending"`
	Approved        int `json:"approved"`
	Rejected        int `json:"rejected"`
	FeedbackPending int `json:"feedback_pending"`
}

// ChainAdvance is the result of completing an approver's review.
type ChainAdvance struct {
	CompletedApproverID string
	NextActive          *Approver // nil when the chain is exhausted
	WorkPackageStatus   string
	AlreadyComplete     bool // set when the approver had already been completed (idempotent retry)
}

// FeedbackRequest asks additional users for an advisory disposition
// recommendation on a set of items. While unresolved the affected items are
// feedback_pending and excluded from the acting approver's counts.
type FeedbackRequest struct {
	ID            string
	WorkPackageID string
	Message       string
	TargetUserIDs []string
	Resolved      bool
	CreatedBy     string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	ItemIDs       []string // loaded from the item ledger, not a column
}

// FeedbackResponse is one feedback user's recommendation for one item.
type FeedbackResponse struct {
	ID             string
	RequestID      string
	ItemID         string
	UserID         string
	Recommendation string // pending | approved | rejected
	Note           *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FeedbackUserCounts is the personal pending/approved/rejected triple a
// feedback user sees over the items in requests targeting them.
type FeedbackUserCounts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

// AuditEntry is one immutable record in the disposition audit log.
type AuditEntry struct {
	ID            string
	WorkPackageID string
	ApproverID    *string
	Action        string
	PerformedBy   string
	PerformedAt   time.Time
	StatusBefore  *string
	StatusAfter   *string
	Metadata      map[string]interface{}
}
