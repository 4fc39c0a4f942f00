package dto

import "time"

// RegisterRequest payload for self-registration.
type RegisterRequest struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Email       string  `json:"email"`
	Phone       string  `json:"phone"`
	Password    string  `json:"password"`
	Visibility  string  `json:"visibility"`
	Profile     Profile `json:"profile"`
}

// LoginRequest payload for login. Identifier is an email or account id;
// Email is accepted as an alias.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

// AuthResponse standard response for auth endpoints.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionResponse describes the caller's current session.
type SessionResponse struct {
	AccountID    string    `json:"account_id"`
	RoleSnapshot string    `json:"role_snapshot"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// PasswordChangeRequest payload for authenticated password changes.
type PasswordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}
