package domain

import "time"

// TenantID identifies the owning account whose WhatsApp channel and quota
// are scoped independently from other tenants.
type TenantID string

// ConnectionStatus represents the lifecycle state of a channel connection
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusRevoked      ConnectionStatus = "revoked"
)

// EventProcessingStatus represents the processing state of a webhook event
type EventProcessingStatus string

const (
	EventStatusPending   EventProcessingStatus = "pending"
	EventStatusProcessed EventProcessingStatus = "processed"
	EventStatusFailed    EventProcessingStatus = "failed"
)

// AttemptResult is the terminal result of an outbound send attempt
type AttemptResult string

const (
	AttemptResultSent             AttemptResult = "sent"
	AttemptResultRejectedQuota    AttemptResult = "rejected_quota"
	AttemptResultRejectedUpstream AttemptResult = "rejected_upstream"
	AttemptResultFailed           AttemptResult = "failed"
)

// WindowMode selects how quota windows are anchored.
// The upstream product never fixed this policy, so it is configuration.
type WindowMode string

const (
	// WindowModeCalendarMonth aligns windows to UTC calendar months
	WindowModeCalendarMonth WindowMode = "calendar_month"
	// WindowModeRolling uses fixed-size windows anchored at a tenant's first use
	WindowModeRolling WindowMode = "rolling"
)

// ConnectionSummary is the externally visible view of a channel connection
type ConnectionSummary struct {
	TenantID     TenantID         `json:"tenant_id"`
	Status       ConnectionStatus `json:"status"`
	ConnectedAt  *time.Time       `json:"connected_at,omitempty"`
	PhoneNumber  string           `json:"phone_number,omitempty"`
	BusinessName string           `json:"business_name,omitempty"`
	// TokenValid reports the upstream credential probe result; nil when the
	// probe was not applicable or could not be run
	TokenValid *bool `json:"token_valid,omitempty"`
}

// QuotaStatus is a non-mutating snapshot of a tenant's quota window
type QuotaStatus struct {
	Limit     int64     `json:"limit"`
	Consumed  int64     `json:"consumed"`
	Remaining int64     `json:"remaining"`
	WindowEnd time.Time `json:"window_end"`
}

// DeliveryReceipt is returned for an accepted outbound send
type DeliveryReceipt struct {
	AttemptID         string    `json:"attempt_id"`
	UpstreamMessageID string    `json:"upstream_message_id"`
	Recipient         string    `json:"recipient"`
	SentAt            time.Time `json:"sent_at"`
}
