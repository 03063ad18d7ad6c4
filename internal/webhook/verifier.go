package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/chatforge/wa-gateway/internal/domain"
)

const (
	// subscribeMode is the only handshake mode the platform sends
	subscribeMode = "subscribe"
	// signaturePrefix is the algorithm tag on the signature header
	signaturePrefix = "sha256="
)

// Verifier validates webhook handshakes and event delivery signatures.
// Both comparisons are constant-time; a failed handshake reveals nothing
// about which input mismatched.
type Verifier struct {
	verifyToken []byte
	appSecret   []byte
}

// NewVerifier creates a verifier from the configured secrets
func NewVerifier(verifyToken, appSecret string) *Verifier {
	return &Verifier{
		verifyToken: []byte(verifyToken),
		appSecret:   []byte(appSecret),
	}
}

// VerifyHandshake checks a subscription handshake and returns the challenge
// to echo verbatim. Fails with ErrTokenMismatch otherwise.
func (v *Verifier) VerifyHandshake(mode, token, challenge string) (string, error) {
	modeOK := subtle.ConstantTimeCompare([]byte(mode), []byte(subscribeMode))
	tokenOK := subtle.ConstantTimeCompare([]byte(token), v.verifyToken)
	if modeOK&tokenOK != 1 {
		return "", domain.ErrTokenMismatch
	}
	return challenge, nil
}

// VerifySignature recomputes the HMAC-SHA256 of the raw, unparsed body and
// compares it against the X-Hub-Signature-256 header value. The payload must
// not be parsed or acted on before this check passes.
func (v *Verifier) VerifySignature(rawBody []byte, signatureHeader string) error {
	provided, ok := strings.CutPrefix(signatureHeader, signaturePrefix)
	if !ok {
		return domain.ErrBadSignature
	}

	providedMAC, err := hex.DecodeString(provided)
	if err != nil {
		return domain.ErrBadSignature
	}

	mac := hmac.New(sha256.New, v.appSecret)
	mac.Write(rawBody)
	if !hmac.Equal(mac.Sum(nil), providedMAC) {
		return domain.ErrBadSignature
	}
	return nil
}

// EventID derives the platform event id and payload hash from the raw body.
// It runs before any JSON parsing, so malformed-but-signed payloads still
// get an audit record, and a byte-identical redelivery maps to the same id.
func EventID(rawBody []byte) (eventID string, payloadHash string) {
	sum := sha256.Sum256(rawBody)
	payloadHash = hex.EncodeToString(sum[:])
	return "sha256:" + payloadHash, payloadHash
}
