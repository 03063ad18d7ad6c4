package schema

import (
	"time"

	"gorm.io/datatypes"
)

// InboundMessage represents the inbound_messages table - messages received
// through the webhook. The unique upstream message id absorbs redeliveries
// that arrive inside differently framed webhook payloads.
type InboundMessage struct {
	// ID is an auto-incrementing sequence number
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// TenantID is the tenant whose channel received the message
	TenantID string `gorm:"column:tenant_id;not null;type:varchar(64);index"`
	// MessageID is the upstream-assigned message id
	MessageID string `gorm:"column:message_id;not null;unique;type:varchar(200)"`
	// Sender is the sending phone number (wa_id)
	Sender string `gorm:"column:sender;not null;type:varchar(32)"`
	// MessageType is the upstream message type (text, image, ...)
	MessageType string `gorm:"column:message_type;not null;type:varchar(32)"`
	// Body is the text content; empty for non-text messages
	Body string `gorm:"column:body;type:text"`
	// Raw is the original message object as received
	Raw datatypes.JSON `gorm:"column:raw;type:jsonb"`
	// ReceivedAt is when the gateway stored the message
	ReceivedAt time.Time `gorm:"column:received_at;not null;default:now();type:timestamptz"`
	// RepliedAt is set once the reply pipeline reached a terminal outcome for
	// this message. While it is nil a reclaimed event retries the reply.
	RepliedAt *time.Time `gorm:"column:replied_at;type:timestamptz"`
}

// TableName specifies the table name for the InboundMessage model
func (InboundMessage) TableName() string {
	return "inbound_messages"
}
