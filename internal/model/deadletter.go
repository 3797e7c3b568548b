package model

import "time"

// ResolutionStatus tracks the operator workflow on a quarantined event.
type ResolutionStatus string

const (
	ResolutionUnresolved ResolutionStatus = "UNRESOLVED"
	ResolutionRetrying   ResolutionStatus = "RETRYING"
	ResolutionResolved   ResolutionStatus = "RESOLVED"
	ResolutionIgnored    ResolutionStatus = "IGNORED"
)

// DeadLetterEvent is the quarantined copy of an outbox event that exhausted
// its retry budget. EventID references the original outbox id by value; the
// source row is deleted when the copy is created.
type DeadLetterEvent struct {
	ID               uint64           `gorm:"primaryKey"`
	EventID          uint64           `gorm:"not null;index"`
	AggregateType    string           `gorm:"size:64;not null"`
	AggregateID      string           `gorm:"size:64;not null"`
	EventType        EventType        `gorm:"size:64;not null"`
	Payload          string           `gorm:"type:jsonb;not null"`
	ProjectID        uint64           `gorm:"not null;index:idx_dead_letter_partition"`
	PartitionDate    time.Time        `gorm:"type:date;not null;index:idx_dead_letter_partition"`
	ErrorHistory     string           `gorm:"type:text"`
	DeliveryCount    int              `gorm:"not null"`
	ResolutionStatus ResolutionStatus `gorm:"size:20;not null;default:'UNRESOLVED';index"`
	ResolutionNotes  string           `gorm:"type:text"`
	ResolvedBy       string           `gorm:"size:64"`
	ResolvedAt       *time.Time
	MovedAt          time.Time `gorm:"not null;index"`
}

func (DeadLetterEvent) TableName() string { return "outbox_dead_letter" }

// Settled reports whether the operator workflow is finished for this entry.
func (s ResolutionStatus) Settled() bool {
	return s == ResolutionResolved || s == ResolutionIgnored
}
