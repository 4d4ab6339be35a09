package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// 24 random bytes encode to exactly 32 URL-safe base64 characters.
const sessionTokenBytes = 24

// NewSessionToken returns a fresh opaque session token. Tokens are bound to
// a single connection at registration time and compared verbatim on every
// subsequent event.
func NewSessionToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
