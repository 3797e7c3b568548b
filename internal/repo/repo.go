package repo

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pmcore/deliverable-outbox/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateEvent is returned when an event for the same (aggregate, type)
// pair is already in flight.
var ErrDuplicateEvent = errors.New("duplicate in-flight event")

// ErrConflict is returned when a conditional state transition matched zero
// rows. Callers must treat it as a no-op conflict, never as success.
var ErrConflict = errors.New("conflicting state transition")

const unresolvedCountKey = "outbox:dead_letter:unresolved"
const unresolvedCountTTL = 30 * time.Second

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	Enqueue(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uint64, now time.Time) error
	MarkRelayed(ctx context.Context, id uint64, streamID string, now time.Time) error
	MarkFailed(ctx context.Context, id uint64, cause string, now time.Time) error
	ScheduleRetry(ctx context.Context, id uint64, nextRetryAt time.Time, cause string, now time.Time) error
	MoveToDeadLetter(ctx context.Context, evt model.OutboxEvent, cause string, now time.Time) error
	GetDeadLetter(ctx context.Context, tx *gorm.DB, id uint64) (*model.DeadLetterEvent, error)
	ListUnresolvedDeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEvent, error)
	CountUnresolvedDeadLetters(ctx context.Context) (int64, error)
	MarkDeadLetterRetrying(ctx context.Context, tx *gorm.DB, id uint64) error
	MarkDeadLetterResolved(ctx context.Context, id uint64, notes, actor string, now time.Time) error
	MarkDeadLetterIgnored(ctx context.Context, id uint64, notes, actor string, now time.Time) error
	FindStaleRelayed(ctx context.Context, olderThan time.Time) ([]model.OutboxEvent, error)
	RequeueStaleRelayed(ctx context.Context, id uint64) error
	DeleteTerminalOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSettledDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	RelayToStream(ctx context.Context, evt model.OutboxEvent) (string, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db        *gorm.DB
	rdb       *redis.Client
	writer    *kafka.Writer
	streamKey string
	log       *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, streamKey string, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, streamKey: streamKey, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// Enqueue inserts a PENDING event inside the caller's transaction, rejecting
// duplicates for the same (aggregate_id, event_type) while one is in flight.
// The in-transaction count is the fast path; the partial unique index on the
// outbox table backstops it when two producers race past the count.
func (r *Repository) Enqueue(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	var inFlight int64
	err := tx.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("aggregate_id = ? AND event_type = ? AND status IN ?",
			evt.AggregateID, evt.EventType,
			[]model.EventStatus{model.StatusPending, model.StatusProcessing}).
		Count(&inFlight).Error
	if err != nil {
		return err
	}
	if inFlight > 0 {
		return ErrDuplicateEvent
	}
	evt.Status = model.StatusPending
	if evt.PartitionDate.IsZero() {
		evt.PartitionDate = time.Now().UTC().Truncate(24 * time.Hour)
	}
	if err := tx.WithContext(ctx).Create(evt).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

// ClaimBatch selects up to limit ready rows (PENDING, or PROCESSING with an
// elapsed retry deadline) oldest-first and transitions each to PROCESSING
// with next_retry_at advanced to now+lease. The lease takes a claimed retry
// row out of the ready predicate, so a second worker polling at the same
// instant cannot hold it too, and puts it back in if the claimer dies before
// committing its final transition. On postgres the select additionally skips
// rows locked by concurrent workers; the per-row conditional update makes a
// lost race a dropped row either way.
func (r *Repository) ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.OutboxEvent, error) {
	deadline := now.Add(lease)
	var claimed []model.OutboxEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ? OR (status = ? AND next_retry_at <= ?)",
			model.StatusPending, model.StatusProcessing, now).
			Order("created_at").Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var candidates []model.OutboxEvent
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}
		for _, evt := range candidates {
			res := tx.Model(&model.OutboxEvent{}).
				Where("id = ? AND status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
					evt.ID, evt.Status, now).
				Updates(map[string]interface{}{
					"status":        model.StatusProcessing,
					"next_retry_at": &deadline,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// lost the race to another worker
				continue
			}
			evt.Status = model.StatusProcessing
			evt.NextRetryAt = &deadline
			claimed = append(claimed, evt)
		}
		return nil
	})
	return claimed, err
}

// MarkProcessed finishes the direct delivery path.
func (r *Repository) MarkProcessed(ctx context.Context, id uint64, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.StatusProcessing).
		Updates(map[string]interface{}{
			"status":        model.StatusProcessed,
			"processed_at":  &now,
			"next_retry_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// MarkRelayed finishes the stream relay path, recording the handle the
// external stream returned.
func (r *Repository) MarkRelayed(ctx context.Context, id uint64, streamID string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.StatusProcessing).
		Updates(map[string]interface{}{
			"status":        model.StatusRelayed,
			"stream_id":     streamID,
			"relayed_at":    &now,
			"next_retry_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// MarkFailed records an explicit permanent failure. Terminal, kept for audit.
func (r *Repository) MarkFailed(ctx context.Context, id uint64, cause string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.StatusProcessing).
		Updates(map[string]interface{}{
			"status":        model.StatusFailed,
			"last_error":    cause,
			"last_error_at": &now,
			"next_retry_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ScheduleRetry bumps the retry counter and parks the row until nextRetryAt.
// The retry_count < max_retries condition keeps the budget invariant even if
// two crash-recovered workers race the same failure.
func (r *Repository) ScheduleRetry(ctx context.Context, id uint64, nextRetryAt time.Time, cause string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ? AND retry_count < max_retries", id, model.StatusProcessing).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"next_retry_at": &nextRetryAt,
			"last_error":    cause,
			"last_error_at": &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// MoveToDeadLetter quarantines a permanently failing event: one transaction
// inserts the dead-letter copy and deletes the source row so it stops
// blocking the head of the queue.
func (r *Repository) MoveToDeadLetter(ctx context.Context, evt model.OutboxEvent, cause string, now time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		history := evt.LastError
		if cause != "" && cause != history {
			history = strings.TrimSpace(history + "\n" + cause)
		}
		dl := model.DeadLetterEvent{
			EventID:          evt.ID,
			AggregateType:    evt.AggregateType,
			AggregateID:      evt.AggregateID,
			EventType:        evt.EventType,
			Payload:          evt.Payload,
			ProjectID:        evt.ProjectID,
			PartitionDate:    evt.PartitionDate,
			ErrorHistory:     history,
			DeliveryCount:    evt.RetryCount + 1,
			ResolutionStatus: model.ResolutionUnresolved,
			MovedAt:          now,
		}
		if err := tx.Create(&dl).Error; err != nil {
			return err
		}
		res := tx.Where("id = ? AND status = ?", evt.ID, model.StatusProcessing).
			Delete(&model.OutboxEvent{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
	if err == nil {
		r.invalidateUnresolvedCount(ctx)
	}
	return err
}

// GetDeadLetter loads one quarantined event.
func (r *Repository) GetDeadLetter(ctx context.Context, tx *gorm.DB, id uint64) (*model.DeadLetterEvent, error) {
	if tx == nil {
		tx = r.db
	}
	var dl model.DeadLetterEvent
	if err := tx.WithContext(ctx).First(&dl, id).Error; err != nil {
		return nil, err
	}
	return &dl, nil
}

// ListUnresolvedDeadLetters returns newest-first for operator dashboards.
func (r *Repository) ListUnresolvedDeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEvent, error) {
	var dls []model.DeadLetterEvent
	err := r.db.WithContext(ctx).
		Where("resolution_status = ?", model.ResolutionUnresolved).
		Order("moved_at desc").Limit(limit).Find(&dls).Error
	return dls, err
}

// CountUnresolvedDeadLetters supports alerting; cached briefly in Redis.
func (r *Repository) CountUnresolvedDeadLetters(ctx context.Context) (int64, error) {
	if r.rdb != nil {
		if str, err := r.rdb.Get(ctx, unresolvedCountKey).Result(); err == nil {
			if n, err := strconv.ParseInt(str, 10, 64); err == nil {
				return n, nil
			}
		}
	}
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.DeadLetterEvent{}).
		Where("resolution_status = ?", model.ResolutionUnresolved).Count(&n).Error; err != nil {
		return 0, err
	}
	if r.rdb != nil {
		if err := r.rdb.Set(ctx, unresolvedCountKey, strconv.FormatInt(n, 10), unresolvedCountTTL).Err(); err != nil {
			r.log.Warnf("cache unresolved count: %v", err)
		}
	}
	return n, nil
}

func (r *Repository) invalidateUnresolvedCount(ctx context.Context) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Del(ctx, unresolvedCountKey).Err(); err != nil {
		r.log.Warnf("invalidate unresolved count: %v", err)
	}
}

// MarkDeadLetterRetrying flips UNRESOLVED to RETRYING, and only that.
func (r *Repository) MarkDeadLetterRetrying(ctx context.Context, tx *gorm.DB, id uint64) error {
	if tx == nil {
		tx = r.db
	}
	res := tx.WithContext(ctx).Model(&model.DeadLetterEvent{}).
		Where("id = ? AND resolution_status = ?", id, model.ResolutionUnresolved).
		Update("resolution_status", model.ResolutionRetrying)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	r.invalidateUnresolvedCount(ctx)
	return nil
}

// MarkDeadLetterResolved records an out-of-band fix. A repeat call conflicts
// rather than overwriting the first resolution.
func (r *Repository) MarkDeadLetterResolved(ctx context.Context, id uint64, notes, actor string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.DeadLetterEvent{}).
		Where("id = ? AND resolution_status <> ?", id, model.ResolutionResolved).
		Updates(map[string]interface{}{
			"resolution_status": model.ResolutionResolved,
			"resolution_notes":  notes,
			"resolved_by":       actor,
			"resolved_at":       &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.deadLetterMissOrConflict(ctx, id)
	}
	r.invalidateUnresolvedCount(ctx)
	return nil
}

// MarkDeadLetterIgnored deliberately discards the event.
func (r *Repository) MarkDeadLetterIgnored(ctx context.Context, id uint64, notes, actor string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.DeadLetterEvent{}).
		Where("id = ? AND resolution_status <> ?", id, model.ResolutionIgnored).
		Updates(map[string]interface{}{
			"resolution_status": model.ResolutionIgnored,
			"resolution_notes":  notes,
			"resolved_by":       actor,
			"resolved_at":       &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.deadLetterMissOrConflict(ctx, id)
	}
	r.invalidateUnresolvedCount(ctx)
	return nil
}

// deadLetterMissOrConflict tells a resolution that matched zero rows apart:
// no such row at all, or a row already settled in that state.
func (r *Repository) deadLetterMissOrConflict(ctx context.Context, id uint64) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.DeadLetterEvent{}).
		Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return gorm.ErrRecordNotFound
	}
	return ErrConflict
}

// FindStaleRelayed returns RELAYED rows handed to the stream before olderThan
// and never confirmed consumed.
func (r *Repository) FindStaleRelayed(ctx context.Context, olderThan time.Time) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND relayed_at <= ?", model.StatusRelayed, olderThan).
		Order("relayed_at").Find(&evts).Error
	return evts, err
}

// RequeueStaleRelayed sends a stale relayed event back through the pipeline.
func (r *Repository) RequeueStaleRelayed(ctx context.Context, id uint64) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.StatusRelayed).
		Updates(map[string]interface{}{
			"status":     model.StatusPending,
			"stream_id":  "",
			"relayed_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteTerminalOutboxBefore removes delivered rows past the retention cutoff.
// FAILED rows are kept for audit.
func (r *Repository) DeleteTerminalOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]model.EventStatus{model.StatusProcessed, model.StatusRelayed}, cutoff).
		Delete(&model.OutboxEvent{})
	return res.RowsAffected, res.Error
}

// DeleteSettledDeadLettersBefore removes resolved/ignored quarantine rows.
func (r *Repository) DeleteSettledDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("resolution_status IN ? AND moved_at < ?",
			[]model.ResolutionStatus{model.ResolutionResolved, model.ResolutionIgnored}, cutoff).
		Delete(&model.DeadLetterEvent{})
	return res.RowsAffected, res.Error
}

// PublishEvent sends to Kafka (direct delivery path).
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "aggregate_type", Value: []byte(evt.AggregateType)},
		},
	}
	return r.writer.WriteMessages(ctx, msg)
}

// RelayToStream appends to the Redis stream and returns the entry id the
// stream assigned (the relay handle recorded on the row).
func (r *Repository) RelayToStream(ctx context.Context, evt model.OutboxEvent) (string, error) {
	return r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamKey,
		Values: []interface{}{
			"event_type", string(evt.EventType),
			"aggregate_id", evt.AggregateID,
			"payload", evt.Payload,
		},
	}).Result()
}
