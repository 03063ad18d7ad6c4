package store

import (
	"context"
	"time"

	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/store/schema"
)

// Store defines the interface for database operations.
//
// The webhook event and quota methods are the synchronization points of the
// whole gateway: both are single-row compare-and-swap operations so that
// concurrent gateway processes cannot double-process an event or jointly
// exceed a quota limit.
type Store interface {
	// UpsertConnection creates or replaces the tenant's channel connection
	UpsertConnection(ctx context.Context, conn *schema.ChannelConnection) error
	// GetConnectionByTenant retrieves a tenant's connection; nil when absent
	GetConnectionByTenant(ctx context.Context, tenantID string) (*schema.ChannelConnection, error)
	// GetConnectionByPhoneNumberID resolves an inbound phone number id to a connection; nil when absent
	GetConnectionByPhoneNumberID(ctx context.Context, phoneNumberID string) (*schema.ChannelConnection, error)
	// UpdateConnectionStatus transitions a connection's lifecycle state
	UpdateConnectionStatus(ctx context.Context, tenantID string, status domain.ConnectionStatus, connectedAt *time.Time) error

	// CreateWebhookEvent inserts a first-sighting record. Returns false when
	// a record with the same platform event id already exists.
	CreateWebhookEvent(ctx context.Context, event *schema.WebhookEvent) (bool, error)
	// GetWebhookEvent retrieves an event record by platform event id; nil when absent
	GetWebhookEvent(ctx context.Context, platformEventID string) (*schema.WebhookEvent, error)
	// ReclaimFailedWebhookEvent atomically flips a failed event back to
	// pending. Returns true for exactly one caller.
	ReclaimFailedWebhookEvent(ctx context.Context, platformEventID string) (bool, error)
	// MarkWebhookEventProcessed records successful processing
	MarkWebhookEventProcessed(ctx context.Context, platformEventID string) error
	// MarkWebhookEventFailed records failed processing with details
	MarkWebhookEventFailed(ctx context.Context, platformEventID string, errMsg string) error

	// CreateInboundMessage stores an inbound message. Returns false when the
	// upstream message id was already stored.
	CreateInboundMessage(ctx context.Context, msg *schema.InboundMessage) (bool, error)
	// GetInboundMessage retrieves a stored inbound message by upstream message id; nil when absent
	GetInboundMessage(ctx context.Context, messageID string) (*schema.InboundMessage, error)
	// MarkInboundMessageReplied records that the reply pipeline finished for the message
	MarkInboundMessageReplied(ctx context.Context, messageID string, at time.Time) error

	// CreateOutboundAttempt stores an immutable send attempt record
	CreateOutboundAttempt(ctx context.Context, attempt *schema.OutboundMessageAttempt) error
	// MarkAttemptDelivered applies a delivery receipt to the matching attempt
	MarkAttemptDelivered(ctx context.Context, upstreamMessageID string, at time.Time) error
	// MarkAttemptRead applies a read receipt to the matching attempt
	MarkAttemptRead(ctx context.Context, upstreamMessageID string, at time.Time) error

	// EnsureQuotaCounter inserts the window's counter if it does not exist yet
	EnsureQuotaCounter(ctx context.Context, counter *schema.QuotaCounter) error
	// DebitQuota atomically adds amount to consumed if the limit allows it.
	// Returns false when the debit would exceed the limit or the counter is missing.
	DebitQuota(ctx context.Context, tenantID string, windowStart time.Time, amount int64) (bool, error)
	// GetQuotaCounter retrieves the counter for a window; nil when absent
	GetQuotaCounter(ctx context.Context, tenantID string, windowStart time.Time) (*schema.QuotaCounter, error)
	// GetLatestQuotaCounter retrieves the tenant's most recent counter; nil when absent
	GetLatestQuotaCounter(ctx context.Context, tenantID string) (*schema.QuotaCounter, error)
}
