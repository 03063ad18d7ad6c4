package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/wa-gateway/internal/dispatch"
	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/quota"
	"github.com/chatforge/wa-gateway/internal/store/schema"
	"github.com/chatforge/wa-gateway/internal/store/storetest"
	"github.com/chatforge/wa-gateway/internal/upstream"
	"github.com/chatforge/wa-gateway/internal/vault"
	"github.com/chatforge/wa-gateway/internal/webhook"
)

const testKey = "00000000000000000000000000000000000000000000000000000000000000cc"

type fakeUpstream struct {
	sendCalls atomic.Int64
	sendErr   error
}

func (f *fakeUpstream) ExchangeCode(context.Context, string) (string, error) {
	return "", domain.ErrUpstreamUnavailable
}

func (f *fakeUpstream) AccountInfo(context.Context, string) (*upstream.AccountInfo, error) {
	return nil, domain.ErrUpstreamUnavailable
}

func (f *fakeUpstream) SendText(context.Context, string, string, string, string) (string, error) {
	n := f.sendCalls.Add(1)
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "wamid.reply" + string(rune('0'+n%10)), nil
}

func (f *fakeUpstream) DebugToken(context.Context, string) (bool, error) { return true, nil }

type fakeGenerator struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (g *fakeGenerator) Generate(context.Context, domain.TenantID, string, string, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return "auto reply", nil
}

func (g *fakeGenerator) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

type fixture struct {
	router    *Router
	store     *storetest.FakeStore
	upstream  *fakeUpstream
	generator *fakeGenerator
}

func newFixture(t *testing.T, quotaLimit int64) *fixture {
	t.Helper()

	st := storetest.New()
	v, err := vault.New(vault.Config{
		Keys:      map[string]string{"v1": testKey},
		ActiveKey: "v1",
	}, st)
	require.NoError(t, err)

	ledger := quota.NewLedger(quota.Config{
		WindowMode:   domain.WindowModeCalendarMonth,
		DefaultLimit: quotaLimit,
	}, st, realClock{})

	up := &fakeUpstream{}
	dispatcher := dispatch.NewDispatcher(dispatch.Config{SendTimeout: time.Second}, st, ledger, v, up, nil, realClock{})
	gen := &fakeGenerator{}

	rt := NewRouter(context.Background(), Config{PoolSize: 4, QueueSize: 64}, st, gen, dispatcher)
	return &fixture{router: rt, store: st, upstream: up, generator: gen}
}

type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (f *fixture) connect(t *testing.T, tenantID, phoneNumberID string) {
	t.Helper()
	ctx := context.Background()

	v, err := vault.New(vault.Config{
		Keys:      map[string]string{"v1": testKey},
		ActiveKey: "v1",
	}, f.store)
	require.NoError(t, err)

	conn, err := v.Store(ctx, domain.TenantID(tenantID), "token")
	require.NoError(t, err)
	conn.Status = domain.ConnectionStatusConnected
	conn.PhoneNumberID = phoneNumberID
	require.NoError(t, f.store.UpsertConnection(ctx, conn))
}

const inboundBody = `{
	"object": "whatsapp_business_account",
	"entry": [{"id": "W", "changes": [{
		"field": "messages",
		"value": {
			"metadata": {"phone_number_id": "PHONE_1"},
			"messages": [{
				"id": "wamid.in1", "from": "15552223333",
				"timestamp": "1700000000", "type": "text",
				"text": {"body": "hello"}
			}]
		}
	}]}]
}`

// reframedInboundBody carries the same message as inboundBody inside a
// differently framed delivery, so its event id differs
const reframedInboundBody = `{
	"object": "whatsapp_business_account",
	"entry": [{"id": "W-requeued", "changes": [{
		"field": "messages",
		"value": {
			"metadata": {"phone_number_id": "PHONE_1"},
			"messages": [{
				"id": "wamid.in1", "from": "15552223333",
				"timestamp": "1700000000", "type": "text",
				"text": {"body": "hello"}
			}]
		}
	}]}]
}`

func TestHandleEventIdempotency(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate delivery produces one side effect", func(t *testing.T) {
		f := newFixture(t, 10)
		f.connect(t, "tenant-1", "PHONE_1")

		require.NoError(t, f.router.HandleEvent(ctx, []byte(inboundBody)))
		require.NoError(t, f.router.HandleEvent(ctx, []byte(inboundBody)))
		f.router.pool.StopAndWait()

		assert.Len(t, f.store.Messages(), 1)
		assert.Equal(t, int64(1), f.upstream.sendCalls.Load())

		eventID, _ := webhook.EventID([]byte(inboundBody))
		event, err := f.store.GetWebhookEvent(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventStatusProcessed, event.ProcessingStatus)
	})

	t.Run("failed event is reclaimed by exactly one redelivery", func(t *testing.T) {
		f := newFixture(t, 10)
		f.connect(t, "tenant-1", "PHONE_1")
		f.generator.setErr(errors.New("generator offline"))

		eventID, _ := webhook.EventID([]byte(inboundBody))

		// First delivery fails during processing
		require.NoError(t, f.router.HandleEvent(ctx, []byte(inboundBody)))
		f.router.pool.StopAndWait()

		event, err := f.store.GetWebhookEvent(ctx, eventID)
		require.NoError(t, err)
		require.Equal(t, domain.EventStatusFailed, event.ProcessingStatus)

		// The inbound row was stored before the generator failed, so nothing
		// was sent and the row carries no reply completion yet
		require.Len(t, f.store.Messages(), 1)
		require.Nil(t, f.store.Messages()[0].RepliedAt)
		require.Equal(t, int64(0), f.upstream.sendCalls.Load())

		// Redelivery reclaims and retries the unfinished reply once the
		// generator recovers; the stored inbound row does not suppress it
		f.generator.setErr(nil)
		f2 := fixtureWithStore(t, f)
		require.NoError(t, f2.router.HandleEvent(ctx, []byte(inboundBody)))
		f2.router.pool.StopAndWait()

		event, err = f.store.GetWebhookEvent(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventStatusProcessed, event.ProcessingStatus)
		assert.Equal(t, int64(1), f.upstream.sendCalls.Load())

		messages := f.store.Messages()
		require.Len(t, messages, 1)
		assert.NotNil(t, messages[0].RepliedAt)

		// With the reply completed, even a differently framed delivery
		// carrying the same message stays suppressed
		f3 := fixtureWithStore(t, f)
		require.NoError(t, f3.router.HandleEvent(ctx, []byte(reframedInboundBody)))
		f3.router.pool.StopAndWait()
		assert.Equal(t, int64(1), f.upstream.sendCalls.Load())
	})
}

// fixtureWithStore builds a fresh router over an existing fixture's state,
// standing in for a redelivery hitting another gateway process
func fixtureWithStore(t *testing.T, prev *fixture) *fixture {
	t.Helper()

	v, err := vault.New(vault.Config{
		Keys:      map[string]string{"v1": testKey},
		ActiveKey: "v1",
	}, prev.store)
	require.NoError(t, err)

	ledger := quota.NewLedger(quota.Config{
		WindowMode:   domain.WindowModeCalendarMonth,
		DefaultLimit: 10,
	}, prev.store, realClock{})

	dispatcher := dispatch.NewDispatcher(dispatch.Config{SendTimeout: time.Second}, prev.store, ledger, v, prev.upstream, nil, realClock{})
	rt := NewRouter(context.Background(), Config{PoolSize: 4, QueueSize: 64}, prev.store, prev.generator, dispatcher)
	return &fixture{router: rt, store: prev.store, upstream: prev.upstream, generator: prev.generator}
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("inbound message is stored and replied to", func(t *testing.T) {
		f := newFixture(t, 10)
		f.connect(t, "tenant-1", "PHONE_1")

		require.NoError(t, f.router.HandleEvent(ctx, []byte(inboundBody)))
		f.router.pool.StopAndWait()

		messages := f.store.Messages()
		require.Len(t, messages, 1)
		assert.Equal(t, "wamid.in1", messages[0].MessageID)
		assert.Equal(t, "tenant-1", messages[0].TenantID)
		assert.Equal(t, "hello", messages[0].Body)

		attempts := f.store.Attempts()
		require.Len(t, attempts, 1)
		assert.Equal(t, domain.AttemptResultSent, attempts[0].Result)
		assert.Equal(t, "15552223333", attempts[0].Recipient)
	})

	t.Run("quota exhaustion does not fail the event", func(t *testing.T) {
		f := newFixture(t, 0)
		f.connect(t, "tenant-1", "PHONE_1")

		require.NoError(t, f.router.HandleEvent(ctx, []byte(inboundBody)))
		f.router.pool.StopAndWait()

		eventID, _ := webhook.EventID([]byte(inboundBody))
		event, err := f.store.GetWebhookEvent(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventStatusProcessed, event.ProcessingStatus)

		// The message is stored, the reply was quota-rejected; the rejection
		// is terminal so a redelivery would not retry it
		messages := f.store.Messages()
		require.Len(t, messages, 1)
		assert.NotNil(t, messages[0].RepliedAt)
		assert.Equal(t, int64(0), f.upstream.sendCalls.Load())
	})

	t.Run("unknown phone number id is a terminal skip", func(t *testing.T) {
		f := newFixture(t, 10)

		require.NoError(t, f.router.HandleEvent(ctx, []byte(inboundBody)))
		f.router.pool.StopAndWait()

		eventID, _ := webhook.EventID([]byte(inboundBody))
		event, err := f.store.GetWebhookEvent(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventStatusProcessed, event.ProcessingStatus)
		assert.Empty(t, f.store.Messages())
	})

	t.Run("unknown change kinds are ignored without error", func(t *testing.T) {
		f := newFixture(t, 10)
		body := []byte(`{
			"object": "whatsapp_business_account",
			"entry": [{"id": "W", "changes": [{"field": "account_review_update", "value": {}}]}]
		}`)

		require.NoError(t, f.router.HandleEvent(ctx, body))
		f.router.pool.StopAndWait()

		eventID, _ := webhook.EventID(body)
		event, err := f.store.GetWebhookEvent(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventStatusProcessed, event.ProcessingStatus)
	})

	t.Run("signed but undecodable body is recorded as failed", func(t *testing.T) {
		f := newFixture(t, 10)
		body := []byte("definitely not json")

		require.NoError(t, f.router.HandleEvent(ctx, body))
		f.router.pool.StopAndWait()

		eventID, _ := webhook.EventID(body)
		event, err := f.store.GetWebhookEvent(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventStatusFailed, event.ProcessingStatus)
	})
}

func TestStatusReceipts(t *testing.T) {
	ctx := context.Background()

	t.Run("delivery and read receipts land on the matching attempt", func(t *testing.T) {
		f := newFixture(t, 10)
		f.connect(t, "tenant-1", "PHONE_1")

		// A prior outbound send to receive receipts for
		upID := "wamid.out42"
		require.NoError(t, f.store.CreateOutboundAttempt(ctx, &schema.OutboundMessageAttempt{
			AttemptID:         "01JTESTATTEMPT000000000001",
			TenantID:          "tenant-1",
			Recipient:         "1555",
			Body:              "earlier reply",
			QuotaCharged:      true,
			UpstreamMessageID: &upID,
			Result:            domain.AttemptResultSent,
			RequestedAt:       time.Now().UTC(),
		}))

		deliveredBody := []byte(`{
			"entry": [{"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "PHONE_1"},
					"statuses": [{"id": "wamid.out42", "status": "delivered", "timestamp": "1700000100", "recipient_id": "1555"}]
				}
			}]}]
		}`)
		readBody := []byte(`{
			"entry": [{"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "PHONE_1"},
					"statuses": [{"id": "wamid.out42", "status": "read", "timestamp": "1700000200", "recipient_id": "1555"}]
				}
			}]}]
		}`)

		require.NoError(t, f.router.HandleEvent(ctx, deliveredBody))
		require.NoError(t, f.router.HandleEvent(ctx, readBody))
		f.router.pool.StopAndWait()

		attempts := f.store.Attempts()
		require.Len(t, attempts, 1)
		require.NotNil(t, attempts[0].DeliveredAt)
		require.NotNil(t, attempts[0].ReadAt)
		assert.Equal(t, time.Unix(1700000100, 0).UTC(), attempts[0].DeliveredAt.UTC())
		assert.Equal(t, time.Unix(1700000200, 0).UTC(), attempts[0].ReadAt.UTC())
	})

	t.Run("receipt for an unknown attempt is harmless", func(t *testing.T) {
		f := newFixture(t, 10)
		body := []byte(`{
			"entry": [{"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "PHONE_1"},
					"statuses": [{"id": "wamid.stranger", "status": "delivered", "timestamp": "1700000100", "recipient_id": "1555"}]
				}
			}]}]
		}`)

		require.NoError(t, f.router.HandleEvent(ctx, body))
		f.router.pool.StopAndWait()

		eventID, _ := webhook.EventID(body)
		event, err := f.store.GetWebhookEvent(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventStatusProcessed, event.ProcessingStatus)
	})
}
