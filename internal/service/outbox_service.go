package service

import (
	"context"
	"errors"
	"time"

	"github.com/pmcore/deliverable-outbox/internal/model"
	"github.com/pmcore/deliverable-outbox/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidEventType means the producer passed a type outside the closed set.
var ErrInvalidEventType = errors.New("unknown event type")

// ErrMissingActor means an operator action arrived without an identity.
var ErrMissingActor = errors.New("actor is required")

// ErrMissingNotes means resolve/ignore arrived without notes.
var ErrMissingNotes = errors.New("notes are required")

// OutboxService glues the producer contract and the operator workflow onto
// the repository.
type OutboxService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
	// default retry budget stamped on new events
	maxRetries int
}

// NewOutboxService returns OutboxService.
func NewOutboxService(r repo.RepositoryInterface, maxRetries int, logger *zap.SugaredLogger) *OutboxService {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &OutboxService{repo: r, log: logger, maxRetries: maxRetries}
}

// EnqueueInput is the producer-facing envelope.
type EnqueueInput struct {
	AggregateType string
	AggregateID   string
	EventType     model.EventType
	Payload       string
	ProjectID     uint64
}

// EnqueueTx records the event inside the caller's transaction, so the
// business mutation commits iff its event row commits. Producers with their
// own gorm transaction must use this form.
func (s *OutboxService) EnqueueTx(ctx context.Context, tx *gorm.DB, in EnqueueInput) (*model.OutboxEvent, error) {
	if !in.EventType.Valid() {
		return nil, ErrInvalidEventType
	}
	evt := &model.OutboxEvent{
		AggregateType: in.AggregateType,
		AggregateID:   in.AggregateID,
		EventType:     in.EventType,
		Payload:       in.Payload,
		ProjectID:     in.ProjectID,
		PartitionDate: time.Now().UTC().Truncate(24 * time.Hour),
		MaxRetries:    s.maxRetries,
	}
	if err := s.repo.Enqueue(ctx, tx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Enqueue wraps EnqueueTx in its own transaction for producers that have
// already committed their business change elsewhere.
func (s *OutboxService) Enqueue(ctx context.Context, in EnqueueInput) (*model.OutboxEvent, error) {
	var evt *model.OutboxEvent
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		evt, err = s.EnqueueTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return evt, nil
}

// ListUnresolved returns quarantined events newest-first for dashboards.
func (s *OutboxService) ListUnresolved(ctx context.Context, limit int) ([]model.DeadLetterEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.ListUnresolvedDeadLetters(ctx, limit)
}

// CountUnresolved supports alerting.
func (s *OutboxService) CountUnresolved(ctx context.Context) (int64, error) {
	return s.repo.CountUnresolvedDeadLetters(ctx)
}

// RetryDeadLetter flips an UNRESOLVED entry to RETRYING and re-creates a
// fresh PENDING outbox event with its retry budget reset, in one transaction.
// Returns repo.ErrConflict when the entry is not UNRESOLVED.
func (s *OutboxService) RetryDeadLetter(ctx context.Context, id uint64, actor string) (*model.OutboxEvent, error) {
	if actor == "" {
		return nil, ErrMissingActor
	}
	var reborn *model.OutboxEvent
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		dl, err := s.repo.GetDeadLetter(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.repo.MarkDeadLetterRetrying(ctx, tx, id); err != nil {
			return err
		}
		evt := &model.OutboxEvent{
			AggregateType: dl.AggregateType,
			AggregateID:   dl.AggregateID,
			EventType:     dl.EventType,
			Payload:       dl.Payload,
			ProjectID:     dl.ProjectID,
			PartitionDate: dl.PartitionDate,
			MaxRetries:    s.maxRetries,
		}
		if err := s.repo.Enqueue(ctx, tx, evt); err != nil {
			return err
		}
		reborn = evt
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infof("dead letter %d requeued as event %d by %s", id, reborn.ID, actor)
	return reborn, nil
}

// ResolveDeadLetter records that the underlying issue was fixed out-of-band.
func (s *OutboxService) ResolveDeadLetter(ctx context.Context, id uint64, notes, actor string) error {
	if actor == "" {
		return ErrMissingActor
	}
	if notes == "" {
		return ErrMissingNotes
	}
	if err := s.repo.MarkDeadLetterResolved(ctx, id, notes, actor, time.Now()); err != nil {
		return err
	}
	s.log.Infof("dead letter %d resolved by %s", id, actor)
	return nil
}

// IgnoreDeadLetter deliberately discards the event.
func (s *OutboxService) IgnoreDeadLetter(ctx context.Context, id uint64, notes, actor string) error {
	if actor == "" {
		return ErrMissingActor
	}
	if notes == "" {
		return ErrMissingNotes
	}
	if err := s.repo.MarkDeadLetterIgnored(ctx, id, notes, actor, time.Now()); err != nil {
		return err
	}
	s.log.Infof("dead letter %d ignored by %s", id, actor)
	return nil
}

// StaleRelayed returns relayed-but-unconfirmed events older than the window.
func (s *OutboxService) StaleRelayed(ctx context.Context, window time.Duration) ([]model.OutboxEvent, error) {
	return s.repo.FindStaleRelayed(ctx, time.Now().Add(-window))
}

// Repo exposes underlying repository (unit tests helper).
func (s *OutboxService) Repo() repo.RepositoryInterface {
	return s.repo
}
