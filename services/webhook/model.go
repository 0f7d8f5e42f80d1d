package webhook

import (
	"time"

	"gorm.io/datatypes"
)

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeNoop     Outcome = "noop"
	OutcomeConflict Outcome = "conflict"
	OutcomeIgnored  Outcome = "ignored"
)

// WebhookEvent is written once, in the same transaction as the ledger outcome it records.
type WebhookEvent struct {
	ID            string         `gorm:"column:id;primaryKey"`
	EventID       string         `gorm:"column:event_id;uniqueIndex;not null"`
	EventType     string         `gorm:"column:event_type;not null"`
	TransactionID string         `gorm:"column:transaction_id;index"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	Outcome       Outcome        `gorm:"column:outcome;index;not null"`
	ProcessedAt   time.Time      `gorm:"column:processed_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

type Verdict int

const (
	FirstSeen Verdict = iota + 1
	AlreadySeen
)

func (v Verdict) String() string {
	switch v {
	case FirstSeen:
		return "first_seen"
	case AlreadySeen:
		return "already_seen"
	}
	return "unknown"
}
