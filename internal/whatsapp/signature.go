package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks Meta's X-Hub-Signature-256 header against the
// raw request body. Comparison is constant-time.
func VerifySignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" || header == "" {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	received := header[len(prefix):]

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(received))
}

// VerifyToken checks the webhook subscription challenge token in
// constant time.
func VerifyToken(expected, got string) bool {
	if expected == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(got))
}
