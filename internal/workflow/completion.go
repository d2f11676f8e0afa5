package workflow

import "github.com/pesio-ai/be-rm-dispositions/internal/repository"

// CanComplete reports whether the active approver may finish their review:
// every included item must carry an approved or rejected decision and none
// may be suspended awaiting feedback.
func CanComplete(c *repository.DecisionCounts) bool {
	return c.Pending == 0 && c.FeedbackPending == 0
}

// ActiveApprover returns the approver whose turn it is, or nil when no one
// is active. Only the primary chain ever holds the turn.
func ActiveApprover(approvers []*repository.Approver) *repository.Approver {
	for _, a := range approvers {
		if !a.Conditional && a.State == repository.ApproverActive {
			return a
		}
	}
	return nil
}

// ChainExhausted reports whether every primary approver has completed, which
// moves the package to READY_TO_COMPLETE.
func ChainExhausted(approvers []*repository.Approver) bool {
	for _, a := range approvers {
		if !a.Conditional && a.State != repository.ApproverComplete {
			return false
		}
	}
	return true
}

// NextWaiting returns the first waiting primary approver by position, or nil.
func NextWaiting(approvers []*repository.Approver) *repository.Approver {
	var next *repository.Approver
	for _, a := range approvers {
		if a.Conditional || a.State != repository.ApproverWaiting {
			continue
		}
		if next == nil || a.OrderBy < next.OrderBy {
			next = a
		}
	}
	return next
}
