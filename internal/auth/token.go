package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const DefaultTokenLength = 32

// GenerateToken returns DefaultTokenLength random bytes encoded as
// unpadded base64url.
func GenerateToken() (string, error) {
	b := make([]byte, DefaultTokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
