package trigger

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

// VerifySignature checks the hex HMAC-SHA256 of the raw body against
// the X-Signature header value using a constant-time comparison. A
// mismatch rejects the delivery before any record is created.
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return schema.NewError(schema.ErrCodeSignature, "registration has no webhook secret")
	}
	if signature == "" {
		return schema.NewError(schema.ErrCodeSignature, "missing signature header")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Hex digits compare case-insensitively; senders may emit uppercase.
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return schema.NewError(schema.ErrCodeSignature, "signature mismatch")
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature for a body. Used by tests
// and by local delivery tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// IdempotencyKey derives the at-most-once key for a delivery: the
// provider-assigned event id when present, otherwise a hash of the raw
// body so replayed identical deliveries still deduplicate.
func IdempotencyKey(eventID string, body []byte) string {
	if eventID != "" {
		return "evt:" + eventID
	}
	sum := sha256.Sum256(body)
	return "body:" + hex.EncodeToString(sum[:])
}

// NewSecret generates a webhook shared secret for a registration.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
