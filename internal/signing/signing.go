// Package signing implements the symmetric HMAC scheme used for outbound
// webhook payloads. The same construction is offered to receivers of
// third-party webhooks, so Sign and Verify are exact mirrors of each other.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix identifies the digest algorithm in the signature header value.
const Prefix = "sha256="

// Sign computes an HMAC-SHA256 over payload using secret and returns the
// hex-encoded digest prefixed with "sha256=". The payload must be the exact
// bytes that will be transmitted; any re-serialization between signing and
// sending invalidates the signature.
func Sign(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature for payload and compares it to the value
// from the signature header. Comparison is constant-time. A header without
// the "sha256=" prefix never verifies.
func Verify(payload []byte, signatureHeader string, secret []byte) bool {
	if !strings.HasPrefix(signatureHeader, Prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, Prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
