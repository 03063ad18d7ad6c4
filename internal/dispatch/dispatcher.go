package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/chatforge/wa-gateway/internal/adapter"
	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/logger"
	"github.com/chatforge/wa-gateway/internal/quota"
	"github.com/chatforge/wa-gateway/internal/ratelimit"
	"github.com/chatforge/wa-gateway/internal/store"
	"github.com/chatforge/wa-gateway/internal/store/schema"
	"github.com/chatforge/wa-gateway/internal/upstream"
	"github.com/chatforge/wa-gateway/internal/vault"
)

// Config holds dispatch settings
type Config struct {
	// SendTimeout bounds a single upstream send call
	SendTimeout time.Duration
}

// Dispatcher pushes outbound messages through the platform API. Quota is
// checked and debited before the platform is contacted, and never refunded:
// a debit models an attempted send, so a crash between debit and send costs
// at most one quota unit instead of risking a duplicate message.
type Dispatcher struct {
	config   Config
	store    store.Store
	ledger   *quota.Ledger
	vault    *vault.Vault
	upstream upstream.Client
	pacer    ratelimit.Pacer
	clock    adapter.Clock
}

// NewDispatcher creates a dispatcher. pacer may be nil to send unpaced.
func NewDispatcher(cfg Config, st store.Store, ledger *quota.Ledger, v *vault.Vault, up upstream.Client, pacer ratelimit.Pacer, clock adapter.Clock) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	return &Dispatcher{
		config:   cfg,
		store:    st,
		ledger:   ledger,
		vault:    v,
		upstream: up,
		pacer:    pacer,
		clock:    clock,
	}
}

// Send delivers one text message for the tenant. Exactly one upstream attempt
// is made per call; callers that want retries must issue new sends, each of
// which is quota-checked again.
func (d *Dispatcher) Send(ctx context.Context, tenantID domain.TenantID, recipient, body string) (*domain.DeliveryReceipt, error) {
	conn, err := d.store.GetConnectionByTenant(ctx, string(tenantID))
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != domain.ConnectionStatusConnected {
		return nil, domain.ErrNotConnected
	}

	// Pacing happens before the debit: a send that never gets a pacing
	// token was never attempted and costs no quota.
	if d.pacer != nil {
		if err := d.pacer.Acquire(ctx, tenantID); err != nil {
			return nil, err
		}
	}

	attempt := &schema.OutboundMessageAttempt{
		AttemptID:   ulid.Make().String(),
		TenantID:    string(tenantID),
		Recipient:   recipient,
		Body:        body,
		RequestedAt: d.clock.Now().UTC(),
	}

	if _, err := d.ledger.TryDebit(ctx, tenantID, 1); err != nil {
		if quotaErr, ok := domain.IsQuotaExceeded(err); ok {
			attempt.Result = domain.AttemptResultRejectedQuota
			attempt.ErrorMessage = quotaErr.Error()
			d.recordAttempt(ctx, attempt)
			return nil, err
		}
		// Quota storage trouble fails closed: no debit, no send
		return nil, err
	}
	attempt.QuotaCharged = true

	token, err := d.vault.Retrieve(ctx, tenantID)
	if err != nil {
		attempt.Result = domain.AttemptResultFailed
		attempt.ErrorMessage = err.Error()
		d.recordAttempt(ctx, attempt)
		if errors.Is(err, domain.ErrVaultNotFound) {
			return nil, domain.ErrNotConnected
		}
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	messageID, sendErr := d.upstream.SendText(sendCtx, token, conn.PhoneNumberID, recipient, body)
	if sendErr != nil {
		return nil, d.recordFailure(ctx, attempt, tenantID, sendErr)
	}

	attempt.Result = domain.AttemptResultSent
	attempt.UpstreamMessageID = &messageID
	d.recordAttempt(ctx, attempt)

	logger.Info("message sent",
		zap.String("tenant_id", string(tenantID)),
		zap.String("attempt_id", attempt.AttemptID),
		zap.String("upstream_message_id", messageID),
	)

	return &domain.DeliveryReceipt{
		AttemptID:         attempt.AttemptID,
		UpstreamMessageID: messageID,
		Recipient:         recipient,
		SentAt:            attempt.RequestedAt,
	}, nil
}

// recordFailure persists a failed attempt and reacts to credential
// revocation. The quota debit stands either way.
func (d *Dispatcher) recordFailure(ctx context.Context, attempt *schema.OutboundMessageAttempt, tenantID domain.TenantID, sendErr error) error {
	attempt.ErrorMessage = sendErr.Error()

	switch {
	case errors.Is(sendErr, domain.ErrInvalidRecipient):
		attempt.Result = domain.AttemptResultRejectedUpstream
	case errors.Is(sendErr, domain.ErrCredentialRevoked):
		attempt.Result = domain.AttemptResultFailed
		if err := d.store.UpdateConnectionStatus(ctx, string(tenantID), domain.ConnectionStatusRevoked, nil); err != nil {
			logger.Error(fmt.Errorf("failed to mark connection revoked: %w", err),
				zap.String("tenant_id", string(tenantID)),
			)
		} else {
			logger.Warn("connection revoked after upstream auth failure",
				zap.String("tenant_id", string(tenantID)),
			)
		}
	default:
		attempt.Result = domain.AttemptResultFailed
	}

	d.recordAttempt(ctx, attempt)
	return sendErr
}

// recordAttempt writes the attempt audit row. The attempt record is an audit
// trail, not a transactional participant; losing it does not undo the send.
func (d *Dispatcher) recordAttempt(ctx context.Context, attempt *schema.OutboundMessageAttempt) {
	if err := d.store.CreateOutboundAttempt(ctx, attempt); err != nil {
		logger.Error(fmt.Errorf("failed to record outbound attempt %s: %w", attempt.AttemptID, err),
			zap.String("tenant_id", attempt.TenantID),
		)
	}
}
