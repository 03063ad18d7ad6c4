package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/store/schema"
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// AutoMigrate creates or updates the gateway tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&schema.ChannelConnection{},
		&schema.WebhookEvent{},
		&schema.InboundMessage{},
		&schema.OutboundMessageAttempt{},
		&schema.QuotaCounter{},
	)
}

// ConfigureConnectionPool configures the connection pool settings for a GORM
// database connection. Zero values fall back to safe defaults.
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// UpsertConnection creates or replaces the tenant's channel connection
func (s *pgStore) UpsertConnection(ctx context.Context, conn *schema.ChannelConnection) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"encrypted_access_token",
			"waba_id",
			"phone_number_id",
			"phone_number",
			"business_name",
			"status",
			"connected_at",
			"updated_at",
		}),
	}).Create(conn).Error
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	return nil
}

// GetConnectionByTenant retrieves a tenant's connection
func (s *pgStore) GetConnectionByTenant(ctx context.Context, tenantID string) (*schema.ChannelConnection, error) {
	var conn schema.ChannelConnection
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return &conn, nil
}

// GetConnectionByPhoneNumberID resolves an inbound phone number id to a connection
func (s *pgStore) GetConnectionByPhoneNumberID(ctx context.Context, phoneNumberID string) (*schema.ChannelConnection, error) {
	var conn schema.ChannelConnection
	err := s.db.WithContext(ctx).Where("phone_number_id = ?", phoneNumberID).First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get connection by phone number id: %w", err)
	}
	return &conn, nil
}

// UpdateConnectionStatus transitions a connection's lifecycle state
func (s *pgStore) UpdateConnectionStatus(ctx context.Context, tenantID string, status domain.ConnectionStatus, connectedAt *time.Time) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if connectedAt != nil {
		updates["connected_at"] = *connectedAt
	}
	err := s.db.WithContext(ctx).Model(&schema.ChannelConnection{}).
		Where("tenant_id = ?", tenantID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	return nil
}

// CreateWebhookEvent inserts a first-sighting record. ON CONFLICT DO NOTHING
// on the unique platform_event_id makes concurrent first sightings race-free:
// exactly one insert reports rows affected.
func (s *pgStore) CreateWebhookEvent(ctx context.Context, event *schema.WebhookEvent) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform_event_id"}},
		DoNothing: true,
	}).Create(event)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create webhook event: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetWebhookEvent retrieves an event record by platform event id
func (s *pgStore) GetWebhookEvent(ctx context.Context, platformEventID string) (*schema.WebhookEvent, error) {
	var event schema.WebhookEvent
	err := s.db.WithContext(ctx).Where("platform_event_id = ?", platformEventID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return &event, nil
}

// ReclaimFailedWebhookEvent atomically flips a failed event back to pending
func (s *pgStore) ReclaimFailedWebhookEvent(ctx context.Context, platformEventID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&schema.WebhookEvent{}).
		Where("platform_event_id = ? AND processing_status = ?", platformEventID, domain.EventStatusFailed).
		Updates(map[string]interface{}{
			"processing_status": domain.EventStatusPending,
			"error_message":     "",
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to reclaim webhook event: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkWebhookEventProcessed records successful processing
func (s *pgStore) MarkWebhookEventProcessed(ctx context.Context, platformEventID string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&schema.WebhookEvent{}).
		Where("platform_event_id = ?", platformEventID).
		Updates(map[string]interface{}{
			"processing_status": domain.EventStatusProcessed,
			"processed_at":      now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return nil
}

// MarkWebhookEventFailed records failed processing with details
func (s *pgStore) MarkWebhookEventFailed(ctx context.Context, platformEventID string, errMsg string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&schema.WebhookEvent{}).
		Where("platform_event_id = ?", platformEventID).
		Updates(map[string]interface{}{
			"processing_status": domain.EventStatusFailed,
			"error_message":     errMsg,
			"processed_at":      now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark webhook event failed: %w", err)
	}
	return nil
}

// CreateInboundMessage stores an inbound message, deduplicating on the
// upstream message id
func (s *pgStore) CreateInboundMessage(ctx context.Context, msg *schema.InboundMessage) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoNothing: true,
	}).Create(msg)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create inbound message: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetInboundMessage retrieves a stored inbound message by upstream message id
func (s *pgStore) GetInboundMessage(ctx context.Context, messageID string) (*schema.InboundMessage, error) {
	var msg schema.InboundMessage
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get inbound message: %w", err)
	}
	return &msg, nil
}

// MarkInboundMessageReplied records that the reply pipeline finished for the message
func (s *pgStore) MarkInboundMessageReplied(ctx context.Context, messageID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&schema.InboundMessage{}).
		Where("message_id = ?", messageID).
		Update("replied_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to mark inbound message replied: %w", err)
	}
	return nil
}

// CreateOutboundAttempt stores an immutable send attempt record
func (s *pgStore) CreateOutboundAttempt(ctx context.Context, attempt *schema.OutboundMessageAttempt) error {
	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to create outbound attempt: %w", err)
	}
	return nil
}

// MarkAttemptDelivered applies a delivery receipt to the matching attempt
func (s *pgStore) MarkAttemptDelivered(ctx context.Context, upstreamMessageID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&schema.OutboundMessageAttempt{}).
		Where("upstream_message_id = ?", upstreamMessageID).
		Update("delivered_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to mark attempt delivered: %w", err)
	}
	return nil
}

// MarkAttemptRead applies a read receipt to the matching attempt
func (s *pgStore) MarkAttemptRead(ctx context.Context, upstreamMessageID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&schema.OutboundMessageAttempt{}).
		Where("upstream_message_id = ?", upstreamMessageID).
		Update("read_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to mark attempt read: %w", err)
	}
	return nil
}

// EnsureQuotaCounter inserts the window's counter if it does not exist yet.
// Concurrent initializers race safely through ON CONFLICT DO NOTHING.
func (s *pgStore) EnsureQuotaCounter(ctx context.Context, counter *schema.QuotaCounter) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "window_start"}},
		DoNothing: true,
	}).Create(counter).Error
	if err != nil {
		return fmt.Errorf("failed to ensure quota counter: %w", err)
	}
	return nil
}

// DebitQuota atomically adds amount to consumed if the limit allows it.
// The guarded UPDATE is the single serialization point for a tenant's quota:
// of two concurrent debits that would jointly exceed the limit, exactly one
// matches the WHERE clause.
func (s *pgStore) DebitQuota(ctx context.Context, tenantID string, windowStart time.Time, amount int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&schema.QuotaCounter{}).
		Where("tenant_id = ? AND window_start = ? AND consumed + ? <= message_limit", tenantID, windowStart, amount).
		Updates(map[string]interface{}{
			"consumed":   gorm.Expr("consumed + ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to debit quota: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetQuotaCounter retrieves the counter for a window
func (s *pgStore) GetQuotaCounter(ctx context.Context, tenantID string, windowStart time.Time) (*schema.QuotaCounter, error) {
	var counter schema.QuotaCounter
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND window_start = ?", tenantID, windowStart).
		First(&counter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get quota counter: %w", err)
	}
	return &counter, nil
}

// GetLatestQuotaCounter retrieves the tenant's most recent counter
func (s *pgStore) GetLatestQuotaCounter(ctx context.Context, tenantID string) (*schema.QuotaCounter, error) {
	var counter schema.QuotaCounter
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("window_start DESC").
		First(&counter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest quota counter: %w", err)
	}
	return &counter, nil
}
