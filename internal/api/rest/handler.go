package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatforge/wa-gateway/internal/api/rest/dto"
	"github.com/chatforge/wa-gateway/internal/dispatch"
	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/oauth"
	"github.com/chatforge/wa-gateway/internal/quota"
	"github.com/chatforge/wa-gateway/internal/router"
	"github.com/chatforge/wa-gateway/internal/webhook"
)

// signatureHeader is the platform's delivery signature header
const signatureHeader = "X-Hub-Signature-256"

// Handler defines the interface for REST API handlers
type Handler interface {
	// VerifyWebhook answers the platform's subscription handshake
	// GET /webhook?hub.mode=subscribe&hub.verify_token=<token>&hub.challenge=<challenge>
	VerifyWebhook(c *gin.Context)

	// ReceiveWebhook ingests a signed event delivery
	// POST /webhook
	ReceiveWebhook(c *gin.Context)

	// Connect starts the OAuth flow for a tenant
	// POST /connect
	Connect(c *gin.Context)

	// Callback finishes the OAuth flow
	// POST /callback
	Callback(c *gin.Context)

	// Disconnect tears down a tenant's channel connection (idempotent)
	// POST /disconnect/:tenant_id
	Disconnect(c *gin.Context)

	// Status reports a tenant's connection state
	// GET /status/:tenant_id
	Status(c *gin.Context)

	// Quota reports a tenant's current quota window
	// GET /quota/:tenant_id
	Quota(c *gin.Context)

	// Send submits one outbound text message
	// POST /send
	Send(c *gin.Context)

	// HealthCheck returns the health status of the gateway
	// GET /health
	HealthCheck(c *gin.Context)
}

// handler implements the Handler interface
type handler struct {
	verifier   *webhook.Verifier
	router     *router.Router
	connector  *oauth.Connector
	ledger     *quota.Ledger
	dispatcher *dispatch.Dispatcher
}

// NewHandler creates a new REST API handler
func NewHandler(verifier *webhook.Verifier, rt *router.Router, connector *oauth.Connector, ledger *quota.Ledger, dispatcher *dispatch.Dispatcher) Handler {
	return &handler{
		verifier:   verifier,
		router:     rt,
		connector:  connector,
		ledger:     ledger,
		dispatcher: dispatcher,
	}
}

// VerifyWebhook answers the subscription handshake with the raw challenge
func (h *handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	echo, err := h.verifier.VerifyHandshake(mode, token, challenge)
	if err != nil {
		respondForbidden(c, "Webhook verification failed")
		return
	}

	// The platform expects the bare challenge string, not JSON
	c.String(http.StatusOK, echo)
}

// ReceiveWebhook verifies the delivery signature over the raw body, claims
// the event and acks. All routing happens after the response.
func (h *handler) ReceiveWebhook(c *gin.Context) {
	rawBody, err := c.GetRawData()
	if err != nil {
		respondBadRequest(c, "Failed to read request body")
		return
	}

	if err := h.verifier.VerifySignature(rawBody, c.GetHeader(signatureHeader)); err != nil {
		respondWithError(c, http.StatusUnauthorized, errCodeUnauthorized, "Invalid delivery signature")
		return
	}

	if err := h.router.HandleEvent(c.Request.Context(), rawBody); err != nil {
		// Not acked; the platform will redeliver and hit the dedup claim again
		respondInternalError(c, err, "Failed to record webhook event")
		return
	}

	c.Status(http.StatusOK)
}

// Connect starts the OAuth flow for a tenant
func (h *handler) Connect(c *gin.Context) {
	var req dto.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	oauthURL, err := h.connector.Initiate(c.Request.Context(), domain.TenantID(req.TenantID))
	if err != nil {
		respondInternalError(c, err, "Failed to initiate connection",
			zap.String("tenant_id", req.TenantID),
		)
		return
	}

	c.JSON(http.StatusOK, dto.ConnectResponse{OAuthURL: oauthURL})
}

// Callback finishes the OAuth flow
func (h *handler) Callback(c *gin.Context) {
	var req dto.CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	summary, err := h.connector.Complete(c.Request.Context(), domain.TenantID(req.TenantID), req.State, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidState):
			respondWithError(c, http.StatusBadRequest, errCodeInvalidState, "State token is invalid, expired or already used")
		case errors.Is(err, domain.ErrCodeExpired):
			respondWithError(c, http.StatusBadRequest, errCodeInvalidState, "Authorization code was rejected; restart the connection flow")
		case errors.Is(err, domain.ErrUpstreamUnavailable):
			respondUpstreamUnavailable(c, "Token exchange failed upstream; retry the callback")
		default:
			respondInternalError(c, err, "Failed to complete connection",
				zap.String("tenant_id", req.TenantID),
			)
		}
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Disconnect tears down a tenant's channel connection
func (h *handler) Disconnect(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	if tenantID == "" {
		respondBadRequest(c, "Tenant id is required")
		return
	}

	if err := h.connector.Disconnect(c.Request.Context(), domain.TenantID(tenantID)); err != nil {
		respondInternalError(c, err, "Failed to disconnect",
			zap.String("tenant_id", tenantID),
		)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(domain.ConnectionStatusDisconnected)})
}

// Status reports a tenant's connection state
func (h *handler) Status(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	if tenantID == "" {
		respondBadRequest(c, "Tenant id is required")
		return
	}

	summary, err := h.connector.Status(c.Request.Context(), domain.TenantID(tenantID))
	if err != nil {
		respondInternalError(c, err, "Failed to get connection status",
			zap.String("tenant_id", tenantID),
		)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Quota reports a tenant's current quota window
func (h *handler) Quota(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	if tenantID == "" {
		respondBadRequest(c, "Tenant id is required")
		return
	}

	status, err := h.ledger.Peek(c.Request.Context(), domain.TenantID(tenantID))
	if err != nil {
		respondInternalError(c, err, "Failed to get quota status",
			zap.String("tenant_id", tenantID),
		)
		return
	}

	c.JSON(http.StatusOK, status)
}

// Send submits one outbound text message
func (h *handler) Send(c *gin.Context) {
	var req dto.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	receipt, err := h.dispatcher.Send(c.Request.Context(), domain.TenantID(req.TenantID), req.Recipient, req.Message)
	if err != nil {
		if quotaErr, ok := domain.IsQuotaExceeded(err); ok {
			respondQuotaExceeded(c, quotaErr.Remaining)
			return
		}
		switch {
		case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrCredentialRevoked):
			respondNotConnected(c)
		case errors.Is(err, domain.ErrInvalidRecipient):
			respondBadRequest(c, "Upstream rejected the recipient", err.Error())
		case errors.Is(err, domain.ErrSendTimeout), errors.Is(err, domain.ErrUpstreamUnavailable):
			respondUpstreamUnavailable(c, "Upstream send failed; the attempt was recorded and quota was charged")
		default:
			respondInternalError(c, err, "Failed to send message",
				zap.String("tenant_id", req.TenantID),
			)
		}
		return
	}

	c.JSON(http.StatusOK, dto.SendResponse{
		AttemptID:         receipt.AttemptID,
		UpstreamMessageID: receipt.UpstreamMessageID,
		Recipient:         receipt.Recipient,
		SentAt:            receipt.SentAt,
	})
}

// HealthCheck returns the health status of the gateway
func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok"})
}
