package schema

import (
	"time"

	"github.com/chatforge/wa-gateway/internal/domain"
)

// OutboundMessageAttempt represents the outbound_message_attempts table -
// one immutable row per send attempt. The result column is written exactly
// once; delivery/read receipts only fill the timestamp columns afterwards.
type OutboundMessageAttempt struct {
	// ID is an auto-incrementing sequence number
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// AttemptID is a time-sortable unique id (ULID) returned to callers
	AttemptID string `gorm:"column:attempt_id;not null;unique;type:varchar(26)"`
	// TenantID is the sending tenant
	TenantID string `gorm:"column:tenant_id;not null;type:varchar(64);index"`
	// Recipient is the destination phone number
	Recipient string `gorm:"column:recipient;not null;type:varchar(32)"`
	// Body is the message text
	Body string `gorm:"column:body;not null;type:text"`
	// QuotaCharged records whether this attempt consumed quota.
	// Debits are never refunded; they model attempted sends.
	QuotaCharged bool `gorm:"column:quota_charged;not null;default:false"`
	// UpstreamMessageID is the id assigned by the platform on success
	UpstreamMessageID *string `gorm:"column:upstream_message_id;type:varchar(200);index"`
	// Result is sent, rejected_quota, rejected_upstream or failed
	Result domain.AttemptResult `gorm:"column:result;not null;type:varchar(24)"`
	// ErrorMessage contains upstream error details for failed attempts
	ErrorMessage string `gorm:"column:error_message;type:text"`
	// RequestedAt is when the send was requested
	RequestedAt time.Time `gorm:"column:requested_at;not null;default:now();type:timestamptz"`
	// DeliveredAt is set when a delivery receipt arrives
	DeliveredAt *time.Time `gorm:"column:delivered_at;type:timestamptz"`
	// ReadAt is set when a read receipt arrives
	ReadAt *time.Time `gorm:"column:read_at;type:timestamptz"`
}

// TableName specifies the table name for the OutboundMessageAttempt model
func (OutboundMessageAttempt) TableName() string {
	return "outbound_message_attempts"
}
