package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatforge/wa-gateway/internal/adapter"
	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/logger"
	"github.com/chatforge/wa-gateway/internal/store"
	"github.com/chatforge/wa-gateway/internal/store/schema"
	"github.com/chatforge/wa-gateway/internal/upstream"
	"github.com/chatforge/wa-gateway/internal/vault"
)

const stateKeyPrefix = "oauth:state:"

// Config holds the connector settings
type Config struct {
	ClientID     string
	RedirectURI  string
	AuthorizeURL string
	Scopes       string
	StateTTL     time.Duration
}

// stateRecord is what a pending state token points at in Redis
type stateRecord struct {
	TenantID  string    `json:"tenant_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Connector drives the channel connection lifecycle: authorization redirect,
// code exchange, account discovery and teardown. State tokens live in Redis
// with a TTL and are consumed with GETDEL, so a token authorizes at most one
// exchange attempt no matter how many callbacks race.
type Connector struct {
	config   Config
	redis    adapter.RedisClient
	store    store.Store
	vault    *vault.Vault
	upstream upstream.Client
	clock    adapter.Clock
}

// NewConnector creates a connector
func NewConnector(cfg Config, redis adapter.RedisClient, st store.Store, v *vault.Vault, up upstream.Client, clock adapter.Clock) *Connector {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	return &Connector{
		config:   cfg,
		redis:    redis,
		store:    st,
		vault:    v,
		upstream: up,
		clock:    clock,
	}
}

// Initiate arms a single-use state token for the tenant and returns the
// authorization URL to redirect the operator to. Initiating again before the
// previous token is used simply arms a second token; both remain single-use.
func (c *Connector) Initiate(ctx context.Context, tenantID domain.TenantID) (string, error) {
	state := uuid.New().String()
	record := stateRecord{
		TenantID:  string(tenantID),
		ExpiresAt: c.clock.Now().UTC().Add(c.config.StateTTL),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode state record: %w", err)
	}

	if err := c.redis.SetEx(ctx, stateKeyPrefix+state, string(value), c.config.StateTTL); err != nil {
		return "", fmt.Errorf("failed to store oauth state: %w", err)
	}

	if err := c.markConnecting(ctx, tenantID); err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("client_id", c.config.ClientID)
	params.Set("redirect_uri", c.config.RedirectURI)
	params.Set("response_type", "code")
	params.Set("scope", c.config.Scopes)
	params.Set("state", state)

	logger.Info("oauth flow initiated",
		zap.String("tenant_id", string(tenantID)),
	)
	return c.config.AuthorizeURL + "?" + params.Encode(), nil
}

// markConnecting moves the tenant's connection row to connecting, creating it
// on first contact. An existing encrypted token is left in place until the
// new exchange completes.
func (c *Connector) markConnecting(ctx context.Context, tenantID domain.TenantID) error {
	conn, err := c.store.GetConnectionByTenant(ctx, string(tenantID))
	if err != nil {
		return err
	}
	if conn == nil {
		return c.store.UpsertConnection(ctx, &schema.ChannelConnection{
			TenantID: string(tenantID),
			Status:   domain.ConnectionStatusConnecting,
		})
	}
	return c.store.UpdateConnectionStatus(ctx, string(tenantID), domain.ConnectionStatusConnecting, nil)
}

// Complete consumes a callback. The state token is taken out of Redis before
// anything else, so replays and cross-tenant guesses fail identically with
// ErrInvalidState. If the upstream exchange fails transiently the token is
// re-armed for its remaining lifetime so the operator's callback can be
// retried without restarting the flow.
func (c *Connector) Complete(ctx context.Context, tenantID domain.TenantID, state, code string) (*domain.ConnectionSummary, error) {
	raw, err := c.redis.GetDel(ctx, stateKeyPrefix+state)
	if err != nil {
		if adapter.IsNotFound(err) {
			return nil, domain.ErrInvalidState
		}
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	var record stateRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, domain.ErrInvalidState
	}

	now := c.clock.Now().UTC()
	if now.After(record.ExpiresAt) {
		return nil, domain.ErrInvalidState
	}
	if record.TenantID != string(tenantID) {
		// Token was minted for a different tenant; it stays consumed
		return nil, domain.ErrInvalidState
	}

	accessToken, err := c.upstream.ExchangeCode(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrUpstreamUnavailable) {
			c.rearmState(ctx, state, raw, record.ExpiresAt.Sub(now))
		}
		return nil, err
	}

	info, err := c.upstream.AccountInfo(ctx, accessToken)
	if err != nil {
		// The code is spent either way; account discovery failures are
		// transient upstream trouble from the operator's point of view.
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	blob, err := c.vault.Seal(accessToken)
	if err != nil {
		return nil, err
	}

	connectedAt := now
	conn := &schema.ChannelConnection{
		TenantID:             record.TenantID,
		EncryptedAccessToken: blob,
		WABAID:               info.WABAID,
		PhoneNumberID:        info.PhoneNumberID,
		PhoneNumber:          info.PhoneNumber,
		BusinessName:         info.BusinessName,
		Status:               domain.ConnectionStatusConnected,
		ConnectedAt:          &connectedAt,
	}
	if err := c.store.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}

	logger.Info("channel connected",
		zap.String("tenant_id", record.TenantID),
		zap.String("waba_id", info.WABAID),
		zap.String("phone_number_id", info.PhoneNumberID),
	)

	return &domain.ConnectionSummary{
		TenantID:     tenantID,
		Status:       domain.ConnectionStatusConnected,
		ConnectedAt:  &connectedAt,
		PhoneNumber:  info.PhoneNumber,
		BusinessName: info.BusinessName,
	}, nil
}

// rearmState puts a consumed state token back with its remaining lifetime
func (c *Connector) rearmState(ctx context.Context, state, raw string, remaining time.Duration) {
	if remaining <= 0 {
		return
	}
	if err := c.redis.SetEx(ctx, stateKeyPrefix+state, raw, remaining); err != nil {
		logger.Warn("failed to re-arm oauth state after transient exchange failure",
			zap.Error(err),
		)
	}
}

// Disconnect tears down the tenant's connection and discards the stored
// credential. Disconnecting a tenant that was never connected is a no-op.
func (c *Connector) Disconnect(ctx context.Context, tenantID domain.TenantID) error {
	conn, err := c.store.GetConnectionByTenant(ctx, string(tenantID))
	if err != nil {
		return err
	}
	if conn == nil || conn.Status == domain.ConnectionStatusDisconnected {
		return nil
	}

	conn.EncryptedAccessToken = nil
	conn.Status = domain.ConnectionStatusDisconnected
	if err := c.store.UpsertConnection(ctx, conn); err != nil {
		return err
	}

	logger.Info("channel disconnected",
		zap.String("tenant_id", string(tenantID)),
	)
	return nil
}

// Status reports the tenant's connection state. For connected tenants it also
// probes the token's validity upstream and demotes the connection to revoked
// when the platform no longer honors the credential.
func (c *Connector) Status(ctx context.Context, tenantID domain.TenantID) (*domain.ConnectionSummary, error) {
	conn, err := c.store.GetConnectionByTenant(ctx, string(tenantID))
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return &domain.ConnectionSummary{
			TenantID: tenantID,
			Status:   domain.ConnectionStatusDisconnected,
		}, nil
	}

	summary := &domain.ConnectionSummary{
		TenantID:     tenantID,
		Status:       conn.Status,
		ConnectedAt:  conn.ConnectedAt,
		PhoneNumber:  conn.PhoneNumber,
		BusinessName: conn.BusinessName,
	}

	if conn.Status != domain.ConnectionStatusConnected {
		return summary, nil
	}

	token, err := c.vault.Retrieve(ctx, tenantID)
	if err != nil {
		// An undecryptable stored token is as dead as a revoked one
		if errors.Is(err, domain.ErrDecryptFailed) || errors.Is(err, domain.ErrVaultNotFound) {
			return c.demote(ctx, summary)
		}
		return nil, err
	}

	valid, err := c.upstream.DebugToken(ctx, token)
	if err != nil {
		// Probe failure is not evidence of revocation; report stored state
		logger.Warn("token validity probe failed",
			zap.String("tenant_id", string(tenantID)),
			zap.Error(err),
		)
		return summary, nil
	}
	summary.TokenValid = &valid
	if !valid {
		return c.demote(ctx, summary)
	}
	return summary, nil
}

// demote flips a connection to revoked and reflects that in the summary
func (c *Connector) demote(ctx context.Context, summary *domain.ConnectionSummary) (*domain.ConnectionSummary, error) {
	if err := c.store.UpdateConnectionStatus(ctx, string(summary.TenantID), domain.ConnectionStatusRevoked, nil); err != nil {
		return nil, err
	}
	logger.Warn("channel credential revoked upstream",
		zap.String("tenant_id", string(summary.TenantID)),
	)
	summary.Status = domain.ConnectionStatusRevoked
	return summary, nil
}
