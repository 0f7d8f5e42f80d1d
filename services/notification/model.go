package notification

import "time"

type AttemptKind string

const (
	KindAutomatic AttemptKind = "automatic"
	KindManual    AttemptKind = "manual"
)

// EmailAttempt keeps the full delivery history of a receipt; manual resends
// never erase earlier failures.
type EmailAttempt struct {
	ID                string      `gorm:"column:id;primaryKey"`
	ReceiptID         string      `gorm:"column:receipt_id;index;not null"`
	Kind              AttemptKind `gorm:"column:kind;not null"`
	Attempt           int         `gorm:"column:attempt;not null"`
	Success           bool        `gorm:"column:success;not null"`
	Error             string      `gorm:"column:error"`
	DurationMs        int64       `gorm:"column:duration_ms"`
	ProviderMessageID string      `gorm:"column:provider_message_id"`
	CreatedAt         time.Time   `gorm:"column:created_at"`
}

func (EmailAttempt) TableName() string { return "email_attempts" }

// Outcome describes one Send call.
type Outcome struct {
	ReceiptID     string        `json:"receipt_id"`
	Kind          AttemptKind   `json:"kind"`
	Attempt       int           `json:"attempt,omitempty"`
	Sent          bool          `json:"sent"`
	Skipped       bool          `json:"skipped,omitempty"`
	Error         string        `json:"error,omitempty"`
	NextAttemptIn time.Duration `json:"next_attempt_in,omitempty"`
}
