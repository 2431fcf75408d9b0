package auth

import (
	"time"

	"salesdesk/assistant/internal/expiry"
)

// Credential is one entry of the admins collection. Field names match the
// documents written by the admin panel.
type Credential struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password"`
}

// Session is one entry of the sessions collection. The raw token is never
// stored, only its one-way hash.
type Session struct {
	ID        string        `json:"id,omitempty"`
	Username  string        `json:"username"`
	TokenHash string        `json:"sessionId"`
	ExpiresAt expiry.Millis `json:"expirationTimestamp"`
}

type SessionView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

type LoginResult struct {
	Token     string
	Username  string
	ExpiresAt time.Time
}
