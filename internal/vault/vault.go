package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/store"
	"github.com/chatforge/wa-gateway/internal/store/schema"
)

// Vault encrypts per-tenant channel access tokens at rest with AES-256-GCM.
// Every sealed blob embeds a key-version tag and a fresh random nonce:
//
//	[1 byte version length][version][nonce][ciphertext+tag]
//
// New records are sealed under the active key; records sealed under older
// keys stay readable, so keys can be rotated without rewriting rows.
type Vault struct {
	aeads   map[string]cipher.AEAD
	active  string
	backing store.Store
}

// Config holds the vault key material
type Config struct {
	// Keys maps a version tag to a hex-encoded 32-byte AES key
	Keys map[string]string
	// ActiveKey is the version tag used to seal new records
	ActiveKey string
}

// New creates a vault from hex-encoded key material
func New(cfg Config, backing store.Store) (*Vault, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("vault: no keys configured")
	}
	if _, ok := cfg.Keys[cfg.ActiveKey]; !ok {
		return nil, fmt.Errorf("vault: active key %q has no key material", cfg.ActiveKey)
	}

	aeads := make(map[string]cipher.AEAD, len(cfg.Keys))
	for version, hexKey := range cfg.Keys {
		if version == "" || len(version) > 255 {
			return nil, fmt.Errorf("vault: invalid key version %q", version)
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("vault: key %q is not valid hex: %w", version, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("vault: key %q must be 32 bytes, got %d", version, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("vault: failed to create cipher for key %q: %w", version, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("vault: failed to create AEAD for key %q: %w", version, err)
		}
		aeads[version] = aead
	}

	return &Vault{aeads: aeads, active: cfg.ActiveKey, backing: backing}, nil
}

// Seal encrypts a plaintext token under the active key
func (v *Vault) Seal(plaintext string) ([]byte, error) {
	aead := v.aeads[v.active]

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, 1+len(v.active)+len(nonce)+len(plaintext)+aead.Overhead())
	blob = append(blob, byte(len(v.active)))
	blob = append(blob, v.active...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, []byte(plaintext), nil)
	return blob, nil
}

// Open decrypts a sealed blob. Any malformed framing, unknown key version or
// authentication failure yields ErrDecryptFailed; partially decrypted data is
// never returned.
func (v *Vault) Open(blob []byte) (string, error) {
	if len(blob) < 2 {
		return "", domain.ErrDecryptFailed
	}
	versionLen := int(blob[0])
	if len(blob) < 1+versionLen {
		return "", domain.ErrDecryptFailed
	}
	version := string(blob[1 : 1+versionLen])

	aead, ok := v.aeads[version]
	if !ok {
		return "", domain.ErrDecryptFailed
	}

	rest := blob[1+versionLen:]
	if len(rest) < aead.NonceSize() {
		return "", domain.ErrDecryptFailed
	}
	nonce := rest[:aead.NonceSize()]
	ciphertext := rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", domain.ErrDecryptFailed
	}
	return string(plaintext), nil
}

// Store seals a token and writes it onto the tenant's connection row,
// creating the row when the tenant has none yet.
func (v *Vault) Store(ctx context.Context, tenantID domain.TenantID, token string) (*schema.ChannelConnection, error) {
	blob, err := v.Seal(token)
	if err != nil {
		return nil, err
	}

	conn, err := v.backing.GetConnectionByTenant(ctx, string(tenantID))
	if err != nil {
		return nil, err
	}
	if conn == nil {
		conn = &schema.ChannelConnection{
			TenantID: string(tenantID),
			Status:   domain.ConnectionStatusConnecting,
		}
	}
	conn.EncryptedAccessToken = blob

	if err := v.backing.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Retrieve decrypts the access token of the tenant's active connection.
// Returns ErrVaultNotFound when the tenant has no connected channel.
func (v *Vault) Retrieve(ctx context.Context, tenantID domain.TenantID) (string, error) {
	conn, err := v.backing.GetConnectionByTenant(ctx, string(tenantID))
	if err != nil {
		return "", err
	}
	if conn == nil || len(conn.EncryptedAccessToken) == 0 || conn.Status != domain.ConnectionStatusConnected {
		return "", domain.ErrVaultNotFound
	}
	return v.Open(conn.EncryptedAccessToken)
}
