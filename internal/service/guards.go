package service

import (
	"context"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/workflow"
)

// requireActiveApprover verifies the actor currently holds the review turn.
// Item commands and feedback requests only ever come from the active primary
// approver; any other identity is rejected.
func requireActiveApprover(ctx context.Context, approvers ApproverStore, wpID, actor string) error {
	chain, err := approvers.ListByWorkPackage(ctx, wpID)
	if err != nil {
		return err
	}
	active := workflow.ActiveApprover(chain)
	if active == nil || active.UserID != actor {
		return apperrors.Unauthorized("only the active approver may issue item commands")
	}
	return nil
}
