package dispatch_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/wa-gateway/internal/dispatch"
	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/quota"
	"github.com/chatforge/wa-gateway/internal/store/storetest"
	"github.com/chatforge/wa-gateway/internal/upstream"
	"github.com/chatforge/wa-gateway/internal/vault"
)

const testKey = "00000000000000000000000000000000000000000000000000000000000000aa"

// fakeUpstream counts calls and returns scripted results
type fakeUpstream struct {
	sendCalls  atomic.Int64
	sendErr    error
	messageID  string
	seenToken  string
	seenTo     string
	seenPhone  string
	tokenValid bool
}

func (f *fakeUpstream) ExchangeCode(context.Context, string) (string, error) {
	return "", domain.ErrUpstreamUnavailable
}

func (f *fakeUpstream) AccountInfo(context.Context, string) (*upstream.AccountInfo, error) {
	return nil, domain.ErrUpstreamUnavailable
}

func (f *fakeUpstream) SendText(_ context.Context, accessToken, phoneNumberID, recipient, _ string) (string, error) {
	f.sendCalls.Add(1)
	f.seenToken = accessToken
	f.seenTo = recipient
	f.seenPhone = phoneNumberID
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.messageID, nil
}

func (f *fakeUpstream) DebugToken(context.Context, string) (bool, error) {
	return f.tokenValid, nil
}

type fixture struct {
	dispatcher *dispatch.Dispatcher
	store      *storetest.FakeStore
	upstream   *fakeUpstream
	vault      *vault.Vault
}

func newFixture(t *testing.T, limit int64) *fixture {
	t.Helper()

	st := storetest.New()
	v, err := vault.New(vault.Config{
		Keys:      map[string]string{"v1": testKey},
		ActiveKey: "v1",
	}, st)
	require.NoError(t, err)

	ledger := quota.NewLedger(quota.Config{
		WindowMode:   domain.WindowModeCalendarMonth,
		DefaultLimit: limit,
	}, st, &realClock{})

	up := &fakeUpstream{messageID: "wamid.out1"}
	d := dispatch.NewDispatcher(dispatch.Config{SendTimeout: time.Second}, st, ledger, v, up, nil, &realClock{})

	return &fixture{dispatcher: d, store: st, upstream: up, vault: v}
}

type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

// connect seals a token onto a connected row for the tenant
func (f *fixture) connect(t *testing.T, tenantID string) {
	t.Helper()
	ctx := context.Background()

	conn, err := f.vault.Store(ctx, domain.TenantID(tenantID), "stored-token")
	require.NoError(t, err)
	conn.Status = domain.ConnectionStatusConnected
	conn.PhoneNumberID = "PHONE_" + tenantID
	require.NoError(t, f.store.UpsertConnection(ctx, conn))
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path charges quota and records a sent attempt", func(t *testing.T) {
		f := newFixture(t, 10)
		f.connect(t, "tenant-1")

		receipt, err := f.dispatcher.Send(ctx, "tenant-1", "15550009999", "hi")
		require.NoError(t, err)
		assert.Equal(t, "wamid.out1", receipt.UpstreamMessageID)
		assert.NotEmpty(t, receipt.AttemptID)

		assert.Equal(t, "stored-token", f.upstream.seenToken)
		assert.Equal(t, "PHONE_tenant-1", f.upstream.seenPhone)
		assert.Equal(t, "15550009999", f.upstream.seenTo)

		attempts := f.store.Attempts()
		require.Len(t, attempts, 1)
		assert.Equal(t, domain.AttemptResultSent, attempts[0].Result)
		assert.True(t, attempts[0].QuotaCharged)
	})

	t.Run("unconnected tenant never reaches upstream", func(t *testing.T) {
		f := newFixture(t, 10)

		_, err := f.dispatcher.Send(ctx, "nobody", "15550009999", "hi")
		assert.ErrorIs(t, err, domain.ErrNotConnected)
		assert.Equal(t, int64(0), f.upstream.sendCalls.Load())
		assert.Empty(t, f.store.Attempts())
	})

	t.Run("exhausted quota rejects before contacting upstream", func(t *testing.T) {
		f := newFixture(t, 0)
		f.connect(t, "tenant-1")

		_, err := f.dispatcher.Send(ctx, "tenant-1", "15550009999", "hi")
		quotaErr, ok := domain.IsQuotaExceeded(err)
		require.True(t, ok)
		assert.Equal(t, int64(0), quotaErr.Remaining)
		assert.Equal(t, int64(0), f.upstream.sendCalls.Load())

		attempts := f.store.Attempts()
		require.Len(t, attempts, 1)
		assert.Equal(t, domain.AttemptResultRejectedQuota, attempts[0].Result)
		assert.False(t, attempts[0].QuotaCharged)
	})

	t.Run("upstream failure keeps the quota debit", func(t *testing.T) {
		f := newFixture(t, 1)
		f.connect(t, "tenant-1")
		f.upstream.sendErr = domain.ErrUpstreamUnavailable

		_, err := f.dispatcher.Send(ctx, "tenant-1", "15550009999", "hi")
		assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

		attempts := f.store.Attempts()
		require.Len(t, attempts, 1)
		assert.Equal(t, domain.AttemptResultFailed, attempts[0].Result)
		assert.True(t, attempts[0].QuotaCharged)

		// The debit stood, so the next send is quota-rejected
		_, err = f.dispatcher.Send(ctx, "tenant-1", "15550009999", "hi")
		_, ok := domain.IsQuotaExceeded(err)
		assert.True(t, ok)
	})

	t.Run("invalid recipient records rejected_upstream", func(t *testing.T) {
		f := newFixture(t, 10)
		f.connect(t, "tenant-1")
		f.upstream.sendErr = domain.ErrInvalidRecipient

		_, err := f.dispatcher.Send(ctx, "tenant-1", "garbage", "hi")
		assert.ErrorIs(t, err, domain.ErrInvalidRecipient)

		attempts := f.store.Attempts()
		require.Len(t, attempts, 1)
		assert.Equal(t, domain.AttemptResultRejectedUpstream, attempts[0].Result)
	})

	t.Run("credential revocation demotes the connection", func(t *testing.T) {
		f := newFixture(t, 10)
		f.connect(t, "tenant-1")
		f.upstream.sendErr = domain.ErrCredentialRevoked

		_, err := f.dispatcher.Send(ctx, "tenant-1", "15550009999", "hi")
		assert.ErrorIs(t, err, domain.ErrCredentialRevoked)

		conn, err := f.store.GetConnectionByTenant(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionStatusRevoked, conn.Status)

		// Subsequent sends short-circuit on the demoted status
		_, err = f.dispatcher.Send(ctx, "tenant-1", "15550009999", "hi")
		assert.ErrorIs(t, err, domain.ErrNotConnected)
		assert.Equal(t, int64(1), f.upstream.sendCalls.Load())
	})

	t.Run("exactly one upstream attempt per call", func(t *testing.T) {
		f := newFixture(t, 10)
		f.connect(t, "tenant-1")
		f.upstream.sendErr = domain.ErrSendTimeout

		_, err := f.dispatcher.Send(ctx, "tenant-1", "15550009999", "hi")
		assert.ErrorIs(t, err, domain.ErrSendTimeout)
		assert.Equal(t, int64(1), f.upstream.sendCalls.Load())
	})
}
