package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusProcessing))
	assert.False(t, StatusPending.CanTransitionTo(StatusProcessed))
	assert.False(t, StatusPending.CanTransitionTo(StatusFailed))

	// retry-in-place, completion, relay and permanent failure all leave PROCESSING
	assert.True(t, StatusProcessing.CanTransitionTo(StatusProcessing))
	assert.True(t, StatusProcessing.CanTransitionTo(StatusProcessed))
	assert.True(t, StatusProcessing.CanTransitionTo(StatusRelayed))
	assert.True(t, StatusProcessing.CanTransitionTo(StatusFailed))
	assert.False(t, StatusProcessing.CanTransitionTo(StatusPending))

	// RELAYED is terminal for the dispatcher but the reconciler may requeue it
	assert.True(t, StatusRelayed.Terminal())
	assert.True(t, StatusRelayed.CanTransitionTo(StatusPending))
	assert.False(t, StatusRelayed.CanTransitionTo(StatusProcessing))

	// PROCESSED and FAILED admit nothing
	for _, s := range []EventStatus{StatusProcessed, StatusFailed} {
		assert.True(t, s.Terminal())
		for _, next := range []EventStatus{StatusPending, StatusProcessing, StatusProcessed, StatusRelayed, StatusFailed} {
			assert.False(t, s.CanTransitionTo(next), "%s -> %s must be illegal", s, next)
		}
	}
}

func TestEventTypeClosedSet(t *testing.T) {
	for _, typ := range []EventType{
		EventDeliverableUploaded,
		EventDeliverableDeleted,
		EventDeliverableApproved,
		EventDeliverableRejected,
		EventDeliverableVersionUpdated,
	} {
		assert.True(t, typ.Valid())
	}
	assert.False(t, EventType("DELIVERABLE_ARCHIVED").Valid())
	assert.False(t, EventType("").Valid())
}
