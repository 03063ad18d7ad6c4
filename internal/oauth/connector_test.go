package oauth_test

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/wa-gateway/internal/adapter"
	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/oauth"
	"github.com/chatforge/wa-gateway/internal/store/storetest"
	"github.com/chatforge/wa-gateway/internal/upstream"
	"github.com/chatforge/wa-gateway/internal/vault"
)

const testKey = "00000000000000000000000000000000000000000000000000000000000000bb"

// fakeRedis is an in-memory RedisClient with GETDEL semantics
type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (r *fakeRedis) SetEx(_ context.Context, key, value string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
	return nil
}

func (r *fakeRedis) GetDel(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.values[key]
	if !ok {
		return "", redis.Nil
	}
	delete(r.values, key)
	return value, nil
}

func (r *fakeRedis) NewRateLimiter() adapter.RedisRateLimiter { return nil }
func (r *fakeRedis) Ping(context.Context) error               { return nil }
func (r *fakeRedis) Close() error                             { return nil }

// fakeUpstream scripts the exchange and discovery calls
type fakeUpstream struct {
	exchangeErr error
	accountErr  error
	token       string
	info        upstream.AccountInfo
	tokenValid  bool
	probeErr    error
}

func (f *fakeUpstream) ExchangeCode(context.Context, string) (string, error) {
	if f.exchangeErr != nil {
		return "", f.exchangeErr
	}
	return f.token, nil
}

func (f *fakeUpstream) AccountInfo(context.Context, string) (*upstream.AccountInfo, error) {
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	info := f.info
	return &info, nil
}

func (f *fakeUpstream) SendText(context.Context, string, string, string, string) (string, error) {
	return "", domain.ErrUpstreamUnavailable
}

func (f *fakeUpstream) DebugToken(context.Context, string) (bool, error) {
	if f.probeErr != nil {
		return false, f.probeErr
	}
	return f.tokenValid, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	connector *oauth.Connector
	redis     *fakeRedis
	store     *storetest.FakeStore
	upstream  *fakeUpstream
	clock     *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := storetest.New()
	v, err := vault.New(vault.Config{
		Keys:      map[string]string{"v1": testKey},
		ActiveKey: "v1",
	}, st)
	require.NoError(t, err)

	r := newFakeRedis()
	up := &fakeUpstream{
		token:      "fresh-access-token",
		tokenValid: true,
		info: upstream.AccountInfo{
			WABAID:        "waba-1",
			BusinessName:  "Acme Dental",
			PhoneNumberID: "phone-1",
			PhoneNumber:   "15550001111",
		},
	}
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}

	connector := oauth.NewConnector(oauth.Config{
		ClientID:     "client-1",
		RedirectURI:  "https://example.com/callback",
		AuthorizeURL: "https://auth.example.com/dialog/oauth",
		Scopes:       "whatsapp_business_messaging",
		StateTTL:     10 * time.Minute,
	}, r, st, v, up, clock)

	return &fixture{connector: connector, redis: r, store: st, upstream: up, clock: clock}
}

// initiate runs Initiate and extracts the state token from the returned URL
func (f *fixture) initiate(t *testing.T, tenantID string) string {
	t.Helper()

	oauthURL, err := f.connector.Initiate(context.Background(), domain.TenantID(tenantID))
	require.NoError(t, err)

	parsed, err := url.Parse(oauthURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestInitiate(t *testing.T) {
	ctx := context.Background()

	t.Run("builds the authorization URL and marks the tenant connecting", func(t *testing.T) {
		f := newFixture(t)

		oauthURL, err := f.connector.Initiate(ctx, "tenant-1")
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(oauthURL, "https://auth.example.com/dialog/oauth?"))
		parsed, err := url.Parse(oauthURL)
		require.NoError(t, err)
		q := parsed.Query()
		assert.Equal(t, "client-1", q.Get("client_id"))
		assert.Equal(t, "https://example.com/callback", q.Get("redirect_uri"))
		assert.Equal(t, "code", q.Get("response_type"))
		assert.NotEmpty(t, q.Get("state"))

		conn, err := f.store.GetConnectionByTenant(ctx, "tenant-1")
		require.NoError(t, err)
		require.NotNil(t, conn)
		assert.Equal(t, domain.ConnectionStatusConnecting, conn.Status)
	})

	t.Run("each initiation mints a distinct state", func(t *testing.T) {
		f := newFixture(t)
		state1 := f.initiate(t, "tenant-1")
		state2 := f.initiate(t, "tenant-1")
		assert.NotEqual(t, state1, state2)
	})
}

func TestComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path connects the tenant", func(t *testing.T) {
		f := newFixture(t)
		state := f.initiate(t, "tenant-1")

		summary, err := f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionStatusConnected, summary.Status)
		assert.Equal(t, "15550001111", summary.PhoneNumber)
		assert.Equal(t, "Acme Dental", summary.BusinessName)

		conn, err := f.store.GetConnectionByTenant(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionStatusConnected, conn.Status)
		assert.Equal(t, "waba-1", conn.WABAID)
		assert.Equal(t, "phone-1", conn.PhoneNumberID)
		assert.NotEmpty(t, conn.EncryptedAccessToken)
	})

	t.Run("unknown state is rejected", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.connector.Complete(ctx, "tenant-1", "never-minted", "auth-code")
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("state is single use", func(t *testing.T) {
		f := newFixture(t)
		state := f.initiate(t, "tenant-1")

		_, err := f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		require.NoError(t, err)

		_, err = f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("expired state is rejected", func(t *testing.T) {
		f := newFixture(t)
		state := f.initiate(t, "tenant-1")

		f.clock.Advance(11 * time.Minute)

		_, err := f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("state bound to another tenant is rejected and consumed", func(t *testing.T) {
		f := newFixture(t)
		state := f.initiate(t, "tenant-1")

		_, err := f.connector.Complete(ctx, "tenant-2", state, "auth-code")
		assert.ErrorIs(t, err, domain.ErrInvalidState)

		// The mismatch burned the token; the owner cannot use it either
		_, err = f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("transient exchange failure re-arms the state", func(t *testing.T) {
		f := newFixture(t)
		state := f.initiate(t, "tenant-1")

		f.upstream.exchangeErr = domain.ErrUpstreamUnavailable
		_, err := f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

		// Upstream recovers; the same callback succeeds
		f.upstream.exchangeErr = nil
		summary, err := f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionStatusConnected, summary.Status)
	})

	t.Run("rejected code burns the state", func(t *testing.T) {
		f := newFixture(t)
		state := f.initiate(t, "tenant-1")

		f.upstream.exchangeErr = domain.ErrCodeExpired
		_, err := f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		assert.ErrorIs(t, err, domain.ErrCodeExpired)

		f.upstream.exchangeErr = nil
		_, err = f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("discards the credential and is idempotent", func(t *testing.T) {
		f := newFixture(t)
		state := f.initiate(t, "tenant-1")
		_, err := f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		require.NoError(t, err)

		require.NoError(t, f.connector.Disconnect(ctx, "tenant-1"))

		conn, err := f.store.GetConnectionByTenant(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionStatusDisconnected, conn.Status)
		assert.Empty(t, conn.EncryptedAccessToken)

		// Again, and for a tenant that never connected
		require.NoError(t, f.connector.Disconnect(ctx, "tenant-1"))
		require.NoError(t, f.connector.Disconnect(ctx, "stranger"))
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown tenant reads disconnected", func(t *testing.T) {
		f := newFixture(t)
		summary, err := f.connector.Status(ctx, "stranger")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionStatusDisconnected, summary.Status)
	})

	t.Run("connected tenant includes probe result", func(t *testing.T) {
		f := newFixture(t)
		state := f.initiate(t, "tenant-1")
		_, err := f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		require.NoError(t, err)

		summary, err := f.connector.Status(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionStatusConnected, summary.Status)
		require.NotNil(t, summary.TokenValid)
		assert.True(t, *summary.TokenValid)
	})

	t.Run("invalid token demotes the connection to revoked", func(t *testing.T) {
		f := newFixture(t)
		state := f.initiate(t, "tenant-1")
		_, err := f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		require.NoError(t, err)

		f.upstream.tokenValid = false
		summary, err := f.connector.Status(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionStatusRevoked, summary.Status)

		conn, err := f.store.GetConnectionByTenant(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionStatusRevoked, conn.Status)
	})

	t.Run("probe failure reports stored state", func(t *testing.T) {
		f := newFixture(t)
		state := f.initiate(t, "tenant-1")
		_, err := f.connector.Complete(ctx, "tenant-1", state, "auth-code")
		require.NoError(t, err)

		f.upstream.probeErr = domain.ErrUpstreamUnavailable
		summary, err := f.connector.Status(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionStatusConnected, summary.Status)
		assert.Nil(t, summary.TokenValid)
	})
}
