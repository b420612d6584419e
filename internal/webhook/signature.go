// Package webhook terminates inbound provider events: signature
// verification over the raw body, durable storage of every verified event,
// and reconciliation of pull_request transitions with contribution state.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix is the scheme tag the provider prepends to the digest.
const signaturePrefix = "sha256="

// VerifySignature reports whether header carries a valid HMAC-SHA256 of
// body under secret. The comparison is constant-time; a malformed or
// missing header fails closed.
func VerifySignature(secret, header string, body []byte) bool {
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign computes the header value for body under secret. Used by tests and
// local tooling to produce valid requests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
