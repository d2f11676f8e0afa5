// Package workflow holds the pure workflow rules of the disposition process:
// the work package lifecycle machine and the completion rules for review
// turns. It performs no I/O; the service layer feeds it current state and
// persists the outcomes.
package workflow

import (
	"github.com/anggasct/fluo"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
	"github.com/pesio-ai/be-rm-dispositions/internal/repository"
)

// Lifecycle events.
const (
	EventItemsCollected = "items_collected" // building batch finished a phase
	EventHandoff        = "handoff"         // building batch hands the package to operators
	EventInitiate       = "initiate"
	EventChainDone      = "chain_done" // last primary approver completed
	EventArchive        = "archive"
	EventRecall         = "recall"
)

// Lifecycle validates work package state transitions. The definition is built
// once and instantiated per evaluation, so Fire is safe for concurrent use.
type Lifecycle struct {
	def fluo.MachineDefinition
}

// NewLifecycle builds the lifecycle machine.
//
// The three building states belong to the external item-collection batch and
// only ever move forward into PENDING. Recall converges INITIATED,
// READY_TO_COMPLETE and ARCHIVE back onto PENDING.
func NewLifecycle() *Lifecycle {
	def := fluo.NewMachine().
		State(repository.StatusBuildingNew).Initial().
		To(repository.StatusBuildingPending).On(EventItemsCollected).
		State(repository.StatusBuildingPending).
		To(repository.StatusBuildingInitiated).On(EventItemsCollected).
		State(repository.StatusBuildingInitiated).
		To(repository.StatusPending).On(EventHandoff).
		State(repository.StatusPending).
		To(repository.StatusInitiated).On(EventInitiate).
		State(repository.StatusInitiated).
		To(repository.StatusReadyToComplete).On(EventChainDone).
		To(repository.StatusPending).On(EventRecall).
		State(repository.StatusReadyToComplete).
		To(repository.StatusArchive).On(EventArchive).
		To(repository.StatusPending).On(EventRecall).
		State(repository.StatusArchive).
		To(repository.StatusPending).On(EventRecall).
		Build()

	return &Lifecycle{def: def}
}

// Fire evaluates one event against the current status and returns the next
// status. An event the current status does not accept yields a CONFLICT.
func (l *Lifecycle) Fire(current, event string) (string, error) {
	m := l.def.CreateInstance()
	if err := m.Start(); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to start lifecycle machine")
	}
	if err := m.SetState(current); err != nil {
		return "", apperrors.Conflict("unknown work package status '" + current + "'")
	}

	result := m.HandleEvent(event, nil)
	if !result.Success() || !result.StateChanged {
		return "", apperrors.Conflict("work package in status '" + current + "' does not accept '" + event + "'")
	}
	return result.CurrentState, nil
}

// CanFire reports whether the event is legal from the current status.
func (l *Lifecycle) CanFire(current, event string) bool {
	_, err := l.Fire(current, event)
	return err == nil
}
