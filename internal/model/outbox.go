package model

import "time"

// EventStatus is the delivery state of an outbox row.
type EventStatus string

const (
	StatusPending    EventStatus = "PENDING"
	StatusProcessing EventStatus = "PROCESSING"
	StatusProcessed  EventStatus = "PROCESSED"
	StatusRelayed    EventStatus = "RELAYED"
	StatusFailed     EventStatus = "FAILED"
)

// Terminal reports whether no further dispatcher work happens in this state.
// RELAYED counts as terminal here; the reconciler watches it separately.
func (s EventStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusRelayed || s == StatusFailed
}

// CanTransitionTo encodes the legal status transitions.
func (s EventStatus) CanTransitionTo(next EventStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusProcessed ||
			next == StatusRelayed || next == StatusFailed
	case StatusRelayed:
		// reconciliation requeues a stale relayed event
		return next == StatusPending
	default:
		return false
	}
}

// EventType is the closed set of deliverable domain events.
type EventType string

const (
	EventDeliverableUploaded       EventType = "DELIVERABLE_UPLOADED"
	EventDeliverableDeleted        EventType = "DELIVERABLE_DELETED"
	EventDeliverableApproved       EventType = "DELIVERABLE_APPROVED"
	EventDeliverableRejected       EventType = "DELIVERABLE_REJECTED"
	EventDeliverableVersionUpdated EventType = "DELIVERABLE_VERSION_UPDATED"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventDeliverableUploaded, EventDeliverableDeleted, EventDeliverableApproved,
		EventDeliverableRejected, EventDeliverableVersionUpdated:
		return true
	}
	return false
}

// OutboxEvent is one emitted domain event, written in the same transaction as
// the business change it announces. NextRetryAt is only set while PROCESSING.
type OutboxEvent struct {
	ID            uint64      `gorm:"primaryKey"`
	AggregateType string      `gorm:"size:64;not null"`
	AggregateID   string      `gorm:"size:64;not null;index:idx_outbox_inflight,unique,where:status = 'PENDING' OR status = 'PROCESSING'"`
	EventType     EventType   `gorm:"size:64;not null;index:idx_outbox_inflight,unique,where:status = 'PENDING' OR status = 'PROCESSING'"`
	Payload       string      `gorm:"type:jsonb;not null"`
	ProjectID     uint64      `gorm:"not null;index:idx_outbox_partition"`
	PartitionDate time.Time   `gorm:"type:date;not null;index:idx_outbox_partition"`
	Status        EventStatus `gorm:"size:20;not null;default:'PENDING';index"`
	RetryCount    int         `gorm:"not null;default:0"`
	MaxRetries    int         `gorm:"not null;default:5"`
	NextRetryAt   *time.Time  `gorm:"index"`
	LastError     string      `gorm:"type:text"`
	LastErrorAt   *time.Time
	StreamID      string `gorm:"size:64"`
	RelayedAt     *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime;index"`
	ProcessedAt   *time.Time
}

func (OutboxEvent) TableName() string { return "outbox" }
