package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/chatforge/wa-gateway/internal/dispatch"
	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/logger"
	"github.com/chatforge/wa-gateway/internal/reply"
	"github.com/chatforge/wa-gateway/internal/store"
	"github.com/chatforge/wa-gateway/internal/store/schema"
	"github.com/chatforge/wa-gateway/internal/webhook"
)

const (
	defaultPoolSize  = 20
	defaultQueueSize = 2048
)

// Config holds the routing worker pool configuration
type Config struct {
	PoolSize  int
	QueueSize int
}

// Router turns verified webhook deliveries into side effects. A delivery is
// claimed in the event table first and acked immediately; the units inside it
// are processed on a bounded worker pool after the ack. Duplicate deliveries
// of the same raw body never produce a second side effect, except that a
// previously failed delivery is reclaimed by exactly one redelivery.
type Router struct {
	baseCtx    context.Context
	store      store.Store
	generator  reply.Generator
	dispatcher *dispatch.Dispatcher
	pool       pond.Pool
}

// NewRouter creates a router. ctx bounds all background unit processing.
func NewRouter(ctx context.Context, cfg Config, st store.Store, gen reply.Generator, disp *dispatch.Dispatcher) *Router {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Router{
		baseCtx:    ctx,
		store:      st,
		generator:  gen,
		dispatcher: disp,
		pool: pond.NewPool(
			cfg.PoolSize,
			pond.WithQueueSize(cfg.QueueSize),
			pond.WithContext(ctx),
		),
	}
}

// HandleEvent claims a verified raw delivery and schedules its processing.
// It returns quickly in every case; an error means the claim itself could
// not be recorded and the caller should not ack.
func (r *Router) HandleEvent(ctx context.Context, rawBody []byte) error {
	eventID, payloadHash := webhook.EventID(rawBody)

	claimed, err := r.store.CreateWebhookEvent(ctx, &schema.WebhookEvent{
		PlatformEventID:  eventID,
		RawPayloadHash:   payloadHash,
		ProcessingStatus: domain.EventStatusPending,
		ReceivedAt:       time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if !claimed {
		existing, err := r.store.GetWebhookEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if existing == nil || existing.ProcessingStatus != domain.EventStatusFailed {
			// Processed or currently in flight elsewhere: duplicate, ack only
			logger.Debug("duplicate webhook delivery skipped",
				zap.String("event_id", eventID),
			)
			return nil
		}
		reclaimed, err := r.store.ReclaimFailedWebhookEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if !reclaimed {
			// Another redelivery won the reclaim race
			return nil
		}
	}

	body := make([]byte, len(rawBody))
	copy(body, rawBody)
	r.pool.Go(func() {
		r.process(eventID, body)
	})
	return nil
}

// process runs after the ack, decoding the delivery and handling each unit
// independently. A single failing unit fails the event so a redelivery can
// reclaim it; units that already succeeded are shielded by their own
// idempotency (message id dedup, receipt timestamp updates).
func (r *Router) process(eventID string, rawBody []byte) {
	ctx := r.baseCtx

	payload, err := webhook.Parse(rawBody)
	if err != nil {
		logger.Warn("signed webhook delivery is not decodable",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		r.markFailed(ctx, eventID, err.Error())
		return
	}

	var failures []string
	for _, unit := range payload.Units() {
		if err := r.processUnit(ctx, unit); err != nil {
			failures = append(failures, err.Error())
			logger.Error(fmt.Errorf("webhook unit processing failed: %w", err),
				zap.String("event_id", eventID),
				zap.String("kind", string(unit.Kind)),
			)
		}
	}

	if len(failures) > 0 {
		r.markFailed(ctx, eventID, strings.Join(failures, "; "))
		return
	}
	if err := r.store.MarkWebhookEventProcessed(ctx, eventID); err != nil {
		logger.Error(fmt.Errorf("failed to mark webhook event processed: %w", err),
			zap.String("event_id", eventID),
		)
	}
}

func (r *Router) markFailed(ctx context.Context, eventID, reason string) {
	if err := r.store.MarkWebhookEventFailed(ctx, eventID, reason); err != nil {
		logger.Error(fmt.Errorf("failed to mark webhook event failed: %w", err),
			zap.String("event_id", eventID),
		)
	}
}

// processUnit handles one change unit. A nil return means the unit reached a
// terminal outcome, which includes deliberate rejections like an exhausted
// quota; only transient trouble worth a redelivery comes back as an error.
func (r *Router) processUnit(ctx context.Context, unit webhook.Unit) error {
	switch unit.Kind {
	case webhook.UnitKindMessage:
		return r.processMessage(ctx, unit)
	case webhook.UnitKindStatus:
		return r.processStatus(ctx, unit)
	default:
		logger.Debug("skipping webhook unit of unhandled kind",
			zap.String("field", unit.Field),
			zap.String("phone_number_id", unit.PhoneNumberID),
		)
		return nil
	}
}

// processMessage stores an inbound message and dispatches the generated reply
func (r *Router) processMessage(ctx context.Context, unit webhook.Unit) error {
	msg := unit.Message

	conn, err := r.store.GetConnectionByPhoneNumberID(ctx, unit.PhoneNumberID)
	if err != nil {
		return err
	}
	if conn == nil {
		// Delivery for a number no tenant owns anymore; nothing to do
		logger.Warn("inbound message for unknown phone number id",
			zap.String("phone_number_id", unit.PhoneNumberID),
			zap.String("message_id", msg.ID),
		)
		return nil
	}
	tenantID := domain.TenantID(conn.TenantID)

	created, err := r.store.CreateInboundMessage(ctx, &schema.InboundMessage{
		TenantID:    conn.TenantID,
		MessageID:   msg.ID,
		Sender:      msg.From,
		MessageType: msg.Type,
		Body:        msg.Body(),
		Raw:         []byte(msg.Raw),
		ReceivedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !created {
		existing, err := r.store.GetInboundMessage(ctx, msg.ID)
		if err != nil {
			return err
		}
		if existing == nil || existing.RepliedAt != nil {
			// Same upstream message seen inside a differently framed delivery
			logger.Debug("duplicate inbound message skipped",
				zap.String("message_id", msg.ID),
			)
			return nil
		}
		// Stored earlier but the reply never finished; the owning event was
		// failed and this is the reclaiming redelivery, so the reply runs again
		logger.Info("retrying unfinished reply for reclaimed message",
			zap.String("message_id", msg.ID),
		)
	}

	if msg.Type != "text" || msg.Body() == "" {
		// Stored for the record; only text messages get auto-replies
		return r.finishReply(ctx, msg.ID)
	}

	replyText, err := r.generator.Generate(ctx, tenantID, msg.From, msg.Body(), msg.ID)
	if err != nil {
		return fmt.Errorf("reply generation for message %s: %w", msg.ID, err)
	}

	_, err = r.dispatcher.Send(ctx, tenantID, msg.From, replyText)
	if err != nil {
		if _, ok := domain.IsQuotaExceeded(err); ok {
			logger.Warn("auto-reply rejected by quota",
				zap.String("tenant_id", conn.TenantID),
				zap.String("message_id", msg.ID),
			)
			return r.finishReply(ctx, msg.ID)
		}
		if errors.Is(err, domain.ErrNotConnected) || errors.Is(err, domain.ErrInvalidRecipient) || errors.Is(err, domain.ErrCredentialRevoked) {
			// Terminal for this unit; the attempt row carries the details
			logger.Warn("auto-reply not sendable",
				zap.String("tenant_id", conn.TenantID),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			return r.finishReply(ctx, msg.ID)
		}
		return fmt.Errorf("auto-reply send for message %s: %w", msg.ID, err)
	}
	return r.finishReply(ctx, msg.ID)
}

// finishReply records the terminal outcome of the reply pipeline on the
// inbound row. From here on, dedup suppresses the message everywhere; until
// then a reclaimed event retries the reply.
func (r *Router) finishReply(ctx context.Context, messageID string) error {
	if err := r.store.MarkInboundMessageReplied(ctx, messageID, time.Now().UTC()); err != nil {
		// The reply itself is done; at worst a redelivery repeats it
		logger.Error(fmt.Errorf("failed to record reply completion: %w", err),
			zap.String("message_id", messageID),
		)
	}
	return nil
}

// processStatus applies a delivery or read receipt to the matching attempt.
// Receipts for attempts this gateway never made fall through silently.
func (r *Router) processStatus(ctx context.Context, unit webhook.Unit) error {
	st := unit.Status
	at := receiptTime(st.Timestamp)

	switch st.Status {
	case "delivered":
		return r.store.MarkAttemptDelivered(ctx, st.MessageID, at)
	case "read":
		return r.store.MarkAttemptRead(ctx, st.MessageID, at)
	default:
		// "sent" and future statuses carry no state the gateway tracks
		return nil
	}
}

// receiptTime parses the platform's unix-seconds timestamp, falling back to
// the current time when it is absent or garbled
func receiptTime(ts string) time.Time {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

// Shutdown drains the worker pool, letting queued deliveries finish
func (r *Router) Shutdown() {
	logger.Info("draining webhook routing pool",
		zap.Uint64("submitted", r.pool.SubmittedTasks()),
		zap.Uint64("waiting", r.pool.WaitingTasks()),
	)
	r.pool.StopAndWait()
}
