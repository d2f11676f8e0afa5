package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/repository"
)

func TestItemDecisionsOnlyUnderReview(t *testing.T) {
	env := defaultEnv()
	ctx := context.Background()

	details := env.createPackage(t, "not started", []string{"alice"})

	_, err := env.ledger.Approve(ctx, details.WorkPackage.ID, standardItems[:1], "alice")
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
}

func TestApproveReturnsAuthoritativeCounts(t *testing.T) {
	env := defaultEnv()
	ctx := context.Background()

	details := env.createPackage(t, "counts", []string{"alice"})
	id := details.WorkPackage.ID
	_, err := env.packages.Initiate(ctx, id, "operator")
	require.NoError(t, err)

	counts, err := env.ledger.Approve(ctx, id, standardItems[:2], "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Approved)
	assert.Equal(t, 3, counts.Pending)
	assert.Equal(t, counts.Included,
		counts.Pending+counts.Approved+counts.Rejected+counts.FeedbackPending)
}

func TestRejectWithDueDateExtension(t *testing.T) {
	env := defaultEnv()
	ctx := context.Background()

	details := env.createPackage(t, "extension", []string{"alice"})
	id := details.WorkPackage.ID
	originalDue := details.WorkPackage.DueDate
	_, err := env.packages.Initiate(ctx, id, "operator")
	require.NoError(t, err)

	_, err = env.ledger.Reject(ctx, &RejectItemsRequest{
		WorkPackageID: id,
		ItemIDs:       standardItems[:1],
		Reason:        "retention_not_met",
		Comment:       "keep until litigation closes",
		ExtendDays:    90,
		RejectedBy:    "alice",
	})
	require.NoError(t, err)

	after, err := env.packages.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, originalDue.AddDate(0, 0, 90), after.WorkPackage.DueDate)
	assert.Equal(t, 120, after.WorkPackage.DaysTotal)

	items, err := env.ledger.ListItems(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, repository.DecisionRejected, items[0].DecisionState)
	assert.Equal(t, "retention_not_met", *items[0].RejectReason)
}

func TestRejectRequiresReason(t *testing.T) {
	env := defaultEnv()
	ctx := context.Background()

	details := env.createPackage(t, "no reason", []string{"alice"})
	id := details.WorkPackage.ID
	_, err := env.packages.Initiate(ctx, id, "operator")
	require.NoError(t, err)

	_, err = env.ledger.Reject(ctx, &RejectItemsRequest{
		WorkPackageID: id, ItemIDs: standardItems[:1], RejectedBy: "alice",
	})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
}

func TestMoveToPendingUndoesAnyDecision(t *testing.T) {
	env := defaultEnv()
	ctx := context.Background()

	details := env.createPackage(t, "undo", []string{"alice"})
	id := details.WorkPackage.ID
	_, err := env.packages.Initiate(ctx, id, "operator")
	require.NoError(t, err)

	_, err = env.ledger.Approve(ctx, id, standardItems[:2], "alice")
	require.NoError(t, err)
	_, err = env.ledger.Reject(ctx, &RejectItemsRequest{
		WorkPackageID: id, ItemIDs: standardItems[2:3], Reason: "hold", RejectedBy: "alice",
	})
	require.NoError(t, err)

	counts, err := env.ledger.MoveToPending(ctx, id, standardItems[:3], "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, counts.Pending)

	items, err := env.ledger.ListItems(ctx, id)
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, repository.DecisionPending, it.DecisionState)
		assert.Nil(t, it.RejectReason)
	}
}

func TestMoveToPendingResolvesEmptiedFeedback(t *testing.T) {
	env := defaultEnv()
	ctx := context.Background()

	details := env.createPackage(t, "emptied feedback", []string{"alice"})
	id := details.WorkPackage.ID
	_, err := env.packages.Initiate(ctx, id, "operator")
	require.NoError(t, err)

	_, err = env.feedback.Request(ctx, &RequestFeedbackRequest{
		WorkPackageID: id,
		TargetUserIDs: []string{"gina"},
		ItemIDs:       standardItems[:2],
		RequestedBy:   "alice",
	})
	require.NoError(t, err)

	// Pulling one item back leaves the request open.
	_, err = env.ledger.MoveToPending(ctx, id, standardItems[:1], "alice")
	require.NoError(t, err)
	got, err := env.feedback.List(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Resolved)

	// Pulling the last item back resolves it.
	_, err = env.ledger.MoveToPending(ctx, id, standardItems[1:2], "alice")
	require.NoError(t, err)
	got, err = env.feedback.List(ctx, id)
	require.NoError(t, err)
	assert.True(t, got[0].Resolved)
	assert.Empty(t, got[0].ItemIDs)

	assert.Contains(t, env.store.actions(id), repository.ActionFeedbackClosed)
}

func TestItemCommandsRequireActiveApprover(t *testing.T) {
	env := defaultEnv()
	ctx := context.Background()

	details := env.createPackage(t, "gated commands", []string{"alice", "bob"})
	id := details.WorkPackage.ID
	details, err := env.packages.Initiate(ctx, id, "operator")
	require.NoError(t, err)

	// Alice holds the turn; neither the waiting bob nor the outsider dave may
	// decide items or open feedback.
	_, err = env.ledger.Approve(ctx, id, standardItems[:1], "dave")
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))

	_, err = env.ledger.Reject(ctx, &RejectItemsRequest{
		WorkPackageID: id, ItemIDs: standardItems[:1], Reason: "hold", RejectedBy: "bob",
	})
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))

	_, err = env.ledger.MoveToPending(ctx, id, standardItems[:1], "dave")
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))

	_, err = env.feedback.Request(ctx, &RequestFeedbackRequest{
		WorkPackageID: id, TargetUserIDs: []string{"gina"},
		ItemIDs: standardItems[:1], RequestedBy: "bob",
	})
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))

	_, err = env.chain.CompleteReview(ctx, id, details.Approvers[0].ID, "dave")
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))

	counts, err := env.ledger.Counts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, counts.Pending, "rejected commands must not decide any item")

	// The supervisor escalation stays open to other identities.
	_, err = env.ledger.Approve(ctx, id, standardItems, "alice")
	require.NoError(t, err)
	adv, err := env.chain.ForceApproval(ctx, id, details.Approvers[0].ID, "supervisor")
	require.NoError(t, err)
	assert.Equal(t, "bob", adv.NextActive.UserID)
}

func TestBatchAtomicity(t *testing.T) {
	env := defaultEnv()
	ctx := context.Background()

	details := env.createPackage(t, "atomic batch", []string{"alice"})
	id := details.WorkPackage.ID
	_, err := env.packages.Initiate(ctx, id, "operator")
	require.NoError(t, err)

	_, err = env.ledger.Approve(ctx, id, []string{"rec-1", "rec-unknown"}, "alice")
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))

	counts, err := env.ledger.Counts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, counts.Pending, "failed batch must not decide any item")
}
