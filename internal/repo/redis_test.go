package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/pmcore/deliverable-outbox/internal/logger"
	"github.com/pmcore/deliverable-outbox/internal/model"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newRedisTestRepo(t *testing.T) (*Repository, redismock.ClientMock, context.Context) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.OutboxEvent{}, &model.DeadLetterEvent{}))

	rdb, mock := redismock.NewClientMock()
	r := NewRepository(db, rdb, nil, "deliverable-events", must(logger.NewLogger()))
	return r, mock, context.Background()
}

func TestCountUnresolved_CacheHit(t *testing.T) {
	r, mock, ctx := newRedisTestRepo(t)
	mock.ExpectGet(unresolvedCountKey).SetVal("7")

	n, err := r.CountUnresolvedDeadLetters(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountUnresolved_CacheMissFallsThrough(t *testing.T) {
	r, mock, ctx := newRedisTestRepo(t)
	mock.ExpectGet(unresolvedCountKey).RedisNil()
	mock.ExpectSet(unresolvedCountKey, "0", unresolvedCountTTL).SetVal("OK")

	n, err := r.CountUnresolvedDeadLetters(ctx)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayToStream_ReturnsStreamID(t *testing.T) {
	r, mock, ctx := newRedisTestRepo(t)

	evt := model.OutboxEvent{
		AggregateID: "d-1",
		EventType:   model.EventDeliverableVersionUpdated,
		Payload:     `{"version":2}`,
	}
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "deliverable-events",
		Values: []interface{}{
			"event_type", string(model.EventDeliverableVersionUpdated),
			"aggregate_id", "d-1",
			"payload", `{"version":2}`,
		},
	}).SetVal("1726000000000-0")

	id, err := r.RelayToStream(ctx, evt)
	assert.NoError(t, err)
	assert.Equal(t, "1726000000000-0", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRelayedRecordsHandle(t *testing.T) {
	r, _, ctx := newRedisTestRepo(t)
	seedPending(t, r, ctx, 1)

	now := time.Now()
	batch, err := r.ClaimBatch(ctx, 1, now, time.Minute)
	assert.NoError(t, err)
	id := batch[0].ID

	assert.NoError(t, r.MarkRelayed(ctx, id, "1726000000000-0", now))
	assert.ErrorIs(t, r.MarkRelayed(ctx, id, "1726000000000-1", now), ErrConflict)

	var evt model.OutboxEvent
	assert.NoError(t, r.DB(ctx).First(&evt, id).Error)
	assert.Equal(t, model.StatusRelayed, evt.Status)
	assert.Equal(t, "1726000000000-0", evt.StreamID)
	assert.NotNil(t, evt.RelayedAt)
	assert.Nil(t, evt.NextRetryAt)
}
