package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrVaultNotFound is returned when no active connection holds a credential for the tenant
	ErrVaultNotFound = errors.New("vault: credential not found")

	// ErrDecryptFailed is returned when authentication of stored ciphertext fails.
	// Partially decrypted data is never returned.
	ErrDecryptFailed = errors.New("vault: decryption failed")

	// ErrTokenMismatch is returned when a webhook handshake verify token does not match
	ErrTokenMismatch = errors.New("webhook: verify token mismatch")

	// ErrBadSignature is returned when an event delivery signature does not match the payload
	ErrBadSignature = errors.New("webhook: bad signature")

	// ErrInvalidState is returned when an OAuth state token is missing, expired,
	// reused, or bound to a different tenant
	ErrInvalidState = errors.New("oauth: invalid state")

	// ErrCodeExpired is returned when the authorization code was rejected as
	// expired or already used. Terminal; the user must restart the flow.
	ErrCodeExpired = errors.New("oauth: authorization code expired")

	// ErrUpstreamUnavailable is returned on transient upstream failures.
	// The caller may retry; the state token stays valid until its own expiry.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNotConnected is returned when a tenant has no active channel connection
	ErrNotConnected = errors.New("channel not connected")

	// ErrSendTimeout is returned when an outbound upstream call exceeds its deadline
	ErrSendTimeout = errors.New("upstream send timed out")

	// ErrCredentialRevoked is returned when upstream rejects the stored credential
	ErrCredentialRevoked = errors.New("upstream credential revoked")

	// ErrInvalidRecipient is returned when upstream permanently rejects the recipient
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// QuotaExceededError is returned when a debit would exceed the window limit.
// Remaining reports the allowance left at the time of rejection.
type QuotaExceededError struct {
	Remaining int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %d remaining", e.Remaining)
}

// IsQuotaExceeded reports whether err is a quota rejection and returns the
// remaining allowance when it is.
func IsQuotaExceeded(err error) (*QuotaExceededError, bool) {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
