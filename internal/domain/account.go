package domain

import (
	"strings"
	"time"
)

// Role names a position in the role hierarchy. The valid set is supplied by
// the hierarchy table, not by this package.
type Role string

// AccountState represents lifecycle states for an account.
type AccountState string

const (
	AccountStateActive    AccountState = "ACTIVE"
	AccountStateInactive  AccountState = "INACTIVE"
	AccountStateSuspended AccountState = "SUSPENDED"
)

// Valid reports whether s is one of the enumerated states.
func (s AccountState) Valid() bool {
	switch s {
	case AccountStateActive, AccountStateInactive, AccountStateSuspended:
		return true
	}
	return false
}

// ParseAccountState normalizes case before validating.
func ParseAccountState(raw string) (AccountState, bool) {
	s := AccountState(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Visibility controls whether peers may see an account in listings.
type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

// Valid reports whether v is one of the enumerated visibilities.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// Profile holds free-text fields that the core never interprets.
type Profile struct {
	Occupation string `json:"occupation,omitempty"`
	Workplace  string `json:"workplace,omitempty"`
	Address    string `json:"address,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	TaxID      string `json:"tax_id,omitempty"`
}

// Account is the identity aggregate.
type Account struct {
	ID           string
	DisplayName  string
	Email        string
	Phone        string
	PasswordHash string
	Role         Role
	State        AccountState
	Visibility   Visibility
	Profile      Profile
	CreatedAt    time.Time
}

// IsActive reports whether the account may log in.
func (a *Account) IsActive() bool {
	return a != nil && a.State == AccountStateActive
}

// Clone returns a copy safe to mutate independently.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// NormalizeEmail is the canonical form used for uniqueness and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AccountStats tracks login bookkeeping; owned by exactly one account.
type AccountStats struct {
	AccountID        string
	SuccessfulLogins int64
	FailedLogins     int64
	FirstLoginAt     *time.Time
	LastLoginAt      *time.Time
	LastAttemptAt    *time.Time
	CreatedAt        time.Time
}

// Clone returns a deep copy.
func (s *AccountStats) Clone() *AccountStats {
	if s == nil {
		return nil
	}
	cp := *s
	cp.FirstLoginAt = cloneTime(s.FirstLoginAt)
	cp.LastLoginAt = cloneTime(s.LastLoginAt)
	cp.LastAttemptAt = cloneTime(s.LastAttemptAt)
	return &cp
}

// AuditLogEntry is an append-only record of a successful login.
type AuditLogEntry struct {
	ID        string
	AccountID string
	IP        string
	Host      string
	City      string
	Country   string
	LatLon    string
	TokenHash string
	LoggedAt  time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
