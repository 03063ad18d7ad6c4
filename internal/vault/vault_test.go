package vault_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/store/schema"
	"github.com/chatforge/wa-gateway/internal/store/storetest"
	"github.com/chatforge/wa-gateway/internal/vault"
)

const (
	keyV1 = "0000000000000000000000000000000000000000000000000000000000000001"
	keyV2 = "0000000000000000000000000000000000000000000000000000000000000002"
)

func newVault(t *testing.T, keys map[string]string, active string, backing *storetest.FakeStore) *vault.Vault {
	t.Helper()
	v, err := vault.New(vault.Config{Keys: keys, ActiveKey: active}, backing)
	require.NoError(t, err)
	return v
}

func TestNew(t *testing.T) {
	t.Run("rejects missing key material", func(t *testing.T) {
		_, err := vault.New(vault.Config{}, storetest.New())
		assert.Error(t, err)
	})

	t.Run("rejects active key without material", func(t *testing.T) {
		_, err := vault.New(vault.Config{
			Keys:      map[string]string{"v1": keyV1},
			ActiveKey: "v2",
		}, storetest.New())
		assert.Error(t, err)
	})

	t.Run("rejects short keys", func(t *testing.T) {
		_, err := vault.New(vault.Config{
			Keys:      map[string]string{"v1": "abcd"},
			ActiveKey: "v1",
		}, storetest.New())
		assert.Error(t, err)
	})
}

func TestSealOpen(t *testing.T) {
	v := newVault(t, map[string]string{"v1": keyV1}, "v1", storetest.New())

	t.Run("round trips a token", func(t *testing.T) {
		blob, err := v.Seal("EAAG-secret-token")
		require.NoError(t, err)

		plaintext, err := v.Open(blob)
		require.NoError(t, err)
		assert.Equal(t, "EAAG-secret-token", plaintext)
	})

	t.Run("same plaintext seals to different blobs", func(t *testing.T) {
		blob1, err := v.Seal("token")
		require.NoError(t, err)
		blob2, err := v.Seal("token")
		require.NoError(t, err)
		assert.NotEqual(t, blob1, blob2)
	})

	t.Run("tampered ciphertext fails closed", func(t *testing.T) {
		blob, err := v.Seal("token")
		require.NoError(t, err)
		blob[len(blob)-1] ^= 0xff

		_, err = v.Open(blob)
		assert.ErrorIs(t, err, domain.ErrDecryptFailed)
	})

	t.Run("truncated blob fails closed", func(t *testing.T) {
		blob, err := v.Seal("token")
		require.NoError(t, err)

		for _, n := range []int{0, 1, 3, len(blob) / 2} {
			_, err = v.Open(blob[:n])
			assert.ErrorIs(t, err, domain.ErrDecryptFailed)
		}
	})

	t.Run("unknown key version fails closed", func(t *testing.T) {
		other := newVault(t, map[string]string{"v9": keyV2}, "v9", storetest.New())
		blob, err := other.Seal("token")
		require.NoError(t, err)

		_, err = v.Open(blob)
		assert.ErrorIs(t, err, domain.ErrDecryptFailed)
	})
}

func TestKeyRotation(t *testing.T) {
	t.Run("records sealed under an older key stay readable", func(t *testing.T) {
		old := newVault(t, map[string]string{"v1": keyV1}, "v1", storetest.New())
		blob, err := old.Seal("legacy-token")
		require.NoError(t, err)

		rotated := newVault(t, map[string]string{"v1": keyV1, "v2": keyV2}, "v2", storetest.New())
		plaintext, err := rotated.Open(blob)
		require.NoError(t, err)
		assert.Equal(t, "legacy-token", plaintext)

		// New seals use the active key, which the old vault cannot read
		fresh, err := rotated.Seal("new-token")
		require.NoError(t, err)
		_, err = old.Open(fresh)
		assert.ErrorIs(t, err, domain.ErrDecryptFailed)
	})
}

func TestStoreRetrieve(t *testing.T) {
	ctx := context.Background()

	t.Run("store then retrieve through a connected row", func(t *testing.T) {
		backing := storetest.New()
		v := newVault(t, map[string]string{"v1": keyV1}, "v1", backing)

		conn, err := v.Store(ctx, "tenant-1", "access-token")
		require.NoError(t, err)
		assert.NotEmpty(t, conn.EncryptedAccessToken)

		// Retrieve requires a connected status
		conn.Status = domain.ConnectionStatusConnected
		require.NoError(t, backing.UpsertConnection(ctx, conn))

		token, err := v.Retrieve(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, "access-token", token)
	})

	t.Run("retrieve for unknown tenant", func(t *testing.T) {
		v := newVault(t, map[string]string{"v1": keyV1}, "v1", storetest.New())
		_, err := v.Retrieve(ctx, "nobody")
		assert.ErrorIs(t, err, domain.ErrVaultNotFound)
	})

	t.Run("retrieve for disconnected tenant", func(t *testing.T) {
		backing := storetest.New()
		v := newVault(t, map[string]string{"v1": keyV1}, "v1", backing)

		blob, err := v.Seal("token")
		require.NoError(t, err)
		require.NoError(t, backing.UpsertConnection(ctx, &schema.ChannelConnection{
			TenantID:             "tenant-2",
			EncryptedAccessToken: blob,
			Status:               domain.ConnectionStatusDisconnected,
		}))

		_, err = v.Retrieve(ctx, "tenant-2")
		assert.ErrorIs(t, err, domain.ErrVaultNotFound)
	})
}
