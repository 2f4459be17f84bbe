// Package signing provides the shared-secret utilities used for the
// control-plane handshake: secret generation and HMAC-SHA256 signatures
// over canonical payload bytes.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// SecretBytes is the entropy of a generated deployment secret.
const SecretBytes = 32

// GenerateSecret creates a new random shared secret. The value is URL-safe
// base64 without padding so it survives storage and HTTP headers unescaped.
func GenerateSecret() (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := base64.URLEncoding.EncodeToString(buf)
	return strings.ReplaceAll(secret, "=", ""), nil
}

// Sign computes the hex-encoded HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under secret using a
// constant-time comparison.
func Verify(secret string, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}
