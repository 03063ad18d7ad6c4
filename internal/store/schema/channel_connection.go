package schema

import (
	"time"

	"github.com/chatforge/wa-gateway/internal/domain"
)

// ChannelConnection represents the channel_connections table - the stored
// credential and metadata linking a tenant to an upstream WhatsApp account.
// At most one row per tenant; disconnects are soft (status revoked/disconnected).
type ChannelConnection struct {
	// ID is an auto-incrementing sequence number
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// TenantID is the owning tenant; unique so a tenant has at most one connection
	TenantID string `gorm:"column:tenant_id;not null;unique;type:varchar(64)"`
	// EncryptedAccessToken is the sealed credential: key version tag, nonce
	// and AEAD ciphertext in one blob. Never stored in plaintext.
	EncryptedAccessToken []byte `gorm:"column:encrypted_access_token;type:bytea"`
	// WABAID is the upstream WhatsApp Business Account id
	WABAID string `gorm:"column:waba_id;type:varchar(100)"`
	// PhoneNumberID is the upstream phone number id used for sends and
	// for resolving inbound webhook events to a tenant
	PhoneNumberID string `gorm:"column:phone_number_id;type:varchar(100);index"`
	// PhoneNumber is the display phone number
	PhoneNumber string `gorm:"column:phone_number;type:varchar(32)"`
	// BusinessName is the upstream business display name
	BusinessName string `gorm:"column:business_name;type:varchar(200)"`
	// Status is the connection lifecycle state
	Status domain.ConnectionStatus `gorm:"column:status;not null;default:disconnected;type:varchar(16)"`
	// ConnectedAt is set when the OAuth exchange completes
	ConnectedAt *time.Time `gorm:"column:connected_at;type:timestamptz"`
	// CreatedAt is the timestamp when this row was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this row was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the ChannelConnection model
func (ChannelConnection) TableName() string {
	return "channel_connections"
}
