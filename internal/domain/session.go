package domain

import "time"

// SessionToken is an opaque bearer credential issued on successful login.
// It references its account by id only.
type SessionToken struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	RoleSnapshot Role      `json:"role_snapshot"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	// Verifier is stored but not yet checked on validation. Reserved for an
	// anti-replay check that pairs it with a client-held value.
	Verifier   string `json:"verifier"`
	CreationIP string `json:"creation_ip,omitempty"`
}

// ExpiredAt reports whether the token is expired at now. The expiry instant
// itself counts as expired.
func (t *SessionToken) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
