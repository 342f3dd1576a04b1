// Package signing computes the keyed payload signatures sent with every
// collector request.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Header is the request header carrying the payload signature.
const Header = "X-Signature"

// Sign returns the lowercase hex HMAC-SHA256 of payload keyed by secret.
// payload must be the exact bytes that go on the wire.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the valid signature of payload under
// secret. The comparison runs in constant time.
func Verify(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
