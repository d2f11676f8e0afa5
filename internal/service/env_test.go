package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-rm-dispositions/internal/config"
	"github.com/pesio-ai/be-rm-dispositions/internal/logger"
	"github.com/pesio-ai/be-rm-dispositions/internal/workflow"
)

// testEnv wires every service onto one shared in-memory store.
type testEnv struct {
	store     *memStore
	notifier  *memNotifier
	identity  *memIdentity
	itemIndex *memItemIndex
	cfg       config.WorkflowConfig

	packages *WorkPackageService
	chain    *ChainService
	ledger   *LedgerService
	feedback *FeedbackService
}

func newTestEnv(cfg config.WorkflowConfig) *testEnv {
	env := &testEnv{
		store:    newMemStore(),
		notifier: &memNotifier{},
		identity: &memIdentity{known: map[string]bool{
			"alice": true, "bob": true, "carol": true, "dave": true,
			"gina": true, "hank": true,
		}},
		itemIndex: &memItemIndex{sources: map[string][]string{
			"retention-batch-7": {"rec-1", "rec-2", "rec-3", "rec-4", "rec-5"},
			"empty-source":      nil,
		}},
		cfg: cfg,
	}

	log := logger.New(logger.Config{Level: "error", Environment: "test", ServiceName: "be-rm-dispositions"})
	lifecycle := workflow.NewLifecycle()

	approvers := memApprovers{env.store}
	items := memItems{env.store}
	feedback := memFeedback{env.store}
	audit := memAudit{env.store}

	env.packages = NewWorkPackageService(env.store, approvers, items, audit,
		lifecycle, env.itemIndex, env.identity, env.notifier, log)
	env.chain = NewChainService(approvers, env.store, items, audit,
		env.identity, env.notifier, cfg, log)
	env.ledger = NewLedgerService(items, approvers, env.store, feedback, audit, env.notifier, log)
	env.feedback = NewFeedbackService(feedback, items, approvers, env.store, audit,
		env.identity, env.notifier, cfg, log)
	return env
}

func defaultEnv() *testEnv {
	return newTestEnv(config.WorkflowConfig{
		AllowFeedbackRequests: true,
		AllowReassign:         true,
		DefaultTab:            "pending",
	})
}

// createPackage creates a PENDING package with the standard five-item source.
func (env *testEnv) createPackage(t *testing.T, title string, approvers []string) *WorkPackageDetails {
	t.Helper()
	details, err := env.packages.Create(context.Background(), &CreateWorkPackageRequest{
		Title:           map[string]string{"en": title},
		SourceID:        "retention-batch-7",
		DueDate:         "2026-12-31",
		DaysTotal:       30,
		ApproverUserIDs: approvers,
		CreatedBy:       "alice",
	})
	require.NoError(t, err)
	return details
}

// standardItems mirrors the retention-batch-7 source in the item index fake.
var standardItems = []string{"rec-1", "rec-2", "rec-3", "rec-4", "rec-5"}
