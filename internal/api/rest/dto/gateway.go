package dto

import "time"

// ConnectRequest starts the OAuth flow for a tenant
type ConnectRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
}

// ConnectResponse carries the authorization URL to redirect the operator to
type ConnectResponse struct {
	OAuthURL string `json:"oauth_url"`
}

// CallbackRequest finishes the OAuth flow with the provider's redirect values
type CallbackRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	Code     string `json:"code" binding:"required"`
	State    string `json:"state" binding:"required"`
}

// SendRequest submits one outbound text message
type SendRequest struct {
	TenantID  string `json:"tenant_id" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

// SendResponse acknowledges an accepted send
type SendResponse struct {
	AttemptID         string    `json:"attempt_id"`
	UpstreamMessageID string    `json:"upstream_message_id"`
	Recipient         string    `json:"recipient"`
	SentAt            time.Time `json:"sent_at"`
}

// HealthResponse reports service liveness
type HealthResponse struct {
	Status string `json:"status"`
}
