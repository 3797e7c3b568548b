package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/pmcore/deliverable-outbox/internal/logger"
	"github.com/pmcore/deliverable-outbox/internal/model"
	"github.com/pmcore/deliverable-outbox/internal/repo"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*OutboxService, context.Context) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.OutboxEvent{}, &model.DeadLetterEvent{}))

	// cache misses fall through to the database, so no expectations needed
	rdb, _ := redismock.NewClientMock()

	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, nil, "deliverable-events", log)
	svc := NewOutboxService(repository, 5, log)

	return svc, context.Background()
}

func quarantine(t *testing.T, svc *OutboxService, ctx context.Context, aggregate, cause string) model.DeadLetterEvent {
	evt, err := svc.Enqueue(ctx, EnqueueInput{
		AggregateType: "Deliverable", AggregateID: aggregate,
		EventType: model.EventDeliverableUploaded, Payload: `{}`, ProjectID: 1,
	})
	assert.NoError(t, err)

	batch, err := svc.Repo().ClaimBatch(ctx, 10, time.Now(), time.Minute)
	assert.NoError(t, err)
	var claimed *model.OutboxEvent
	for i := range batch {
		if batch[i].ID == evt.ID {
			claimed = &batch[i]
		}
	}
	assert.NotNil(t, claimed)
	claimed.RetryCount = claimed.MaxRetries
	assert.NoError(t, svc.Repo().MoveToDeadLetter(ctx, *claimed, cause, time.Now()))

	var dl model.DeadLetterEvent
	assert.NoError(t, svc.Repo().DB(ctx).Where("event_id = ?", evt.ID).First(&dl).Error)
	return dl
}

func TestEnqueue_IdempotencyGuard(t *testing.T) {
	svc, ctx := newTestService(t)

	in := EnqueueInput{
		AggregateType: "Deliverable", AggregateID: "d-1",
		EventType: model.EventDeliverableUploaded, Payload: `{"name":"a.pdf"}`, ProjectID: 1,
	}
	first, err := svc.Enqueue(ctx, in)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, first.Status)

	// same (aggregate, type) while the first is in flight: conflict
	_, err = svc.Enqueue(ctx, in)
	assert.ErrorIs(t, err, repo.ErrDuplicateEvent)

	var count int64
	assert.NoError(t, svc.Repo().DB(ctx).Model(&model.OutboxEvent{}).
		Where("aggregate_id = ? AND event_type = ?", "d-1", model.EventDeliverableUploaded).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// a different event type for the same aggregate is fine
	in.EventType = model.EventDeliverableApproved
	_, err = svc.Enqueue(ctx, in)
	assert.NoError(t, err)

	// and once the first is processed, the pair is free again
	assert.NoError(t, svc.Repo().MarkProcessed(ctx, mustClaim(t, svc, ctx, first.ID), time.Now()))
	in.EventType = model.EventDeliverableUploaded
	_, err = svc.Enqueue(ctx, in)
	assert.NoError(t, err)
}

// mustClaim claims until the given event is held, returning its id.
func mustClaim(t *testing.T, svc *OutboxService, ctx context.Context, id uint64) uint64 {
	batch, err := svc.Repo().ClaimBatch(ctx, 100, time.Now(), time.Minute)
	assert.NoError(t, err)
	for _, evt := range batch {
		if evt.ID == id {
			return id
		}
	}
	t.Fatalf("event %d not claimable", id)
	return 0
}

func TestEnqueue_RejectsUnknownEventType(t *testing.T) {
	svc, ctx := newTestService(t)

	_, err := svc.Enqueue(ctx, EnqueueInput{
		AggregateType: "Deliverable", AggregateID: "d-1",
		EventType: "DELIVERABLE_EXPLODED", Payload: `{}`, ProjectID: 1,
	})
	assert.ErrorIs(t, err, ErrInvalidEventType)
}

func TestResolveDeadLetter_Workflow(t *testing.T) {
	svc, ctx := newTestService(t)
	dl := quarantine(t, svc, ctx, "d-1", "consumer schema mismatch")

	assert.NoError(t, svc.ResolveDeadLetter(ctx, dl.ID, "fixed upstream schema", "ops-1"))

	var got model.DeadLetterEvent
	assert.NoError(t, svc.Repo().DB(ctx).First(&got, dl.ID).Error)
	assert.Equal(t, model.ResolutionResolved, got.ResolutionStatus)
	assert.Equal(t, "fixed upstream schema", got.ResolutionNotes)
	assert.Equal(t, "ops-1", got.ResolvedBy)
	assert.NotNil(t, got.ResolvedAt)

	// repeat resolve is a conflict, never an overwrite
	err := svc.ResolveDeadLetter(ctx, dl.ID, "different notes", "ops-2")
	assert.ErrorIs(t, err, repo.ErrConflict)
	assert.NoError(t, svc.Repo().DB(ctx).First(&got, dl.ID).Error)
	assert.Equal(t, "ops-1", got.ResolvedBy)

	// validation
	assert.ErrorIs(t, svc.ResolveDeadLetter(ctx, dl.ID, "", "ops-1"), ErrMissingNotes)
	assert.ErrorIs(t, svc.ResolveDeadLetter(ctx, dl.ID, "notes", ""), ErrMissingActor)

	// unknown id is not found, not a state conflict
	assert.ErrorIs(t, svc.ResolveDeadLetter(ctx, 424242, "notes", "ops-1"), gorm.ErrRecordNotFound)
}

func TestIgnoreDeadLetter(t *testing.T) {
	svc, ctx := newTestService(t)
	dl := quarantine(t, svc, ctx, "d-1", "poison payload")

	assert.NoError(t, svc.IgnoreDeadLetter(ctx, dl.ID, "event superseded", "ops-2"))

	var got model.DeadLetterEvent
	assert.NoError(t, svc.Repo().DB(ctx).First(&got, dl.ID).Error)
	assert.Equal(t, model.ResolutionIgnored, got.ResolutionStatus)
	assert.True(t, got.ResolutionStatus.Settled())

	assert.ErrorIs(t, svc.IgnoreDeadLetter(ctx, 424242, "notes", "ops-2"), gorm.ErrRecordNotFound)
}

func TestRetryDeadLetter_RebornPending(t *testing.T) {
	svc, ctx := newTestService(t)
	dl := quarantine(t, svc, ctx, "d-1", "downstream outage")

	reborn, err := svc.RetryDeadLetter(ctx, dl.ID, "ops-1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, reborn.Status)
	assert.Equal(t, 0, reborn.RetryCount)
	assert.Equal(t, dl.AggregateID, reborn.AggregateID)
	assert.Equal(t, dl.Payload, reborn.Payload)

	var got model.DeadLetterEvent
	assert.NoError(t, svc.Repo().DB(ctx).First(&got, dl.ID).Error)
	assert.Equal(t, model.ResolutionRetrying, got.ResolutionStatus)

	// only UNRESOLVED entries can go to RETRYING
	_, err = svc.RetryDeadLetter(ctx, dl.ID, "ops-1")
	assert.ErrorIs(t, err, repo.ErrConflict)

	// missing actor and unknown id
	_, err = svc.RetryDeadLetter(ctx, dl.ID, "")
	assert.ErrorIs(t, err, ErrMissingActor)
	_, err = svc.RetryDeadLetter(ctx, 424242, "ops-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestListAndCountUnresolved(t *testing.T) {
	svc, ctx := newTestService(t)

	first := quarantine(t, svc, ctx, "d-1", "boom")
	time.Sleep(5 * time.Millisecond)
	second := quarantine(t, svc, ctx, "d-2", "boom")

	dls, err := svc.ListUnresolved(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, dls, 2)
	// newest first
	assert.Equal(t, second.ID, dls[0].ID)
	assert.Equal(t, first.ID, dls[1].ID)

	n, err := svc.CountUnresolved(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.NoError(t, svc.ResolveDeadLetter(ctx, first.ID, "fixed", "ops-1"))
	n, err = svc.CountUnresolved(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
