// AngelaMos | 2026
// entity.go

package auth

import (
	"time"
)

// Revocation reasons. A token is written once and only ever mutated to
// flip revoked/revocation_reason; the reason records which lifecycle
// event terminated it.
const (
	ReasonRotation       = "rotation"
	ReasonLogout         = "logout"
	ReasonPasswordChange = "password_change"
	ReasonTheftDetected  = "theft_detected"
)

// RefreshToken is one issued refresh credential. The opaque secret
// handed to the client is never stored; only its SHA-256 hash is.
// FamilyID ties together every token descended via rotation from a
// single login, so a whole chain can be revoked with one statement.
type RefreshToken struct {
	ID               string    `db:"id"`
	UserID           string    `db:"user_id"`
	TokenHash        string    `db:"token_hash"`
	FamilyID         string    `db:"family_id"`
	Revoked          bool      `db:"revoked"`
	RevocationReason *string   `db:"revocation_reason"`
	ExpiresAt        time.Time `db:"expires_at"`
	CreatedAt        time.Time `db:"created_at"`
	UserAgent        string    `db:"user_agent"`
	IPAddress        string    `db:"ip_address"`
}

func (t *RefreshToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

func (t *RefreshToken) IsActive() bool {
	return !t.Revoked && !t.IsExpired()
}

// Reason returns the revocation reason, or "" for an active token.
func (t *RefreshToken) Reason() string {
	if t.RevocationReason == nil {
		return ""
	}
	return *t.RevocationReason
}
