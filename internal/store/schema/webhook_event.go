package schema

import (
	"time"

	"github.com/chatforge/wa-gateway/internal/domain"
)

// WebhookEvent represents the webhook_events table - one row per distinct
// platform event id ever seen. Rows are never deleted; the unique id column
// is what makes duplicate deliveries idempotent.
type WebhookEvent struct {
	// ID is an auto-incrementing sequence number
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// PlatformEventID uniquely identifies the delivery. Derived from the
	// raw request body before any parsing, so malformed payloads still
	// get an audit record.
	PlatformEventID string `gorm:"column:platform_event_id;not null;unique;type:varchar(128)"`
	// RawPayloadHash is the SHA-256 of the raw request body
	RawPayloadHash string `gorm:"column:raw_payload_hash;not null;type:varchar(64)"`
	// ProcessingStatus is pending, processed or failed
	ProcessingStatus domain.EventProcessingStatus `gorm:"column:processing_status;not null;default:pending;type:varchar(16)"`
	// ErrorMessage contains details when processing failed
	ErrorMessage string `gorm:"column:error_message;type:text"`
	// ReceivedAt is when the event was first seen
	ReceivedAt time.Time `gorm:"column:received_at;not null;default:now();type:timestamptz"`
	// ProcessedAt is when processing finished
	ProcessedAt *time.Time `gorm:"column:processed_at;type:timestamptz"`
}

// TableName specifies the table name for the WebhookEvent model
func (WebhookEvent) TableName() string {
	return "webhook_events"
}
