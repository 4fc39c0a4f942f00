package repository

import (
	"context"
	"errors"

	"github.com/spec-kit/identity-service/internal/domain"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is returned when a write collides with a uniqueness
	// constraint or a concurrent transaction. It is never retried here.
	ErrConflict = errors.New("repository: conflict")
)

// AccountFilter narrows List results. Zero values do not filter; a zero
// Limit returns every match.
type AccountFilter struct {
	Roles      []domain.Role
	State      *domain.AccountState
	Visibility *domain.Visibility
	Limit      int
	Offset     int
}

func (f AccountFilter) window() (limit, offset int) {
	limit = f.Limit
	if limit < 0 {
		limit = 0
	}
	offset = f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// AccountTx is the view of the account aggregate group inside one
// transaction. Reads of a single account lock it for the rest of the
// transaction where the backend supports locking.
type AccountTx interface {
	Get(ctx context.Context, id string) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	Insert(ctx context.Context, account *domain.Account) error
	Update(ctx context.Context, account *domain.Account) error
	// Delete removes the account together with its stats and audit log.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter AccountFilter) ([]domain.Account, error)

	Stats(ctx context.Context, accountID string) (*domain.AccountStats, error)
	PutStats(ctx context.Context, stats *domain.AccountStats) error

	AppendAudit(ctx context.Context, entry *domain.AuditLogEntry) error
	AuditLog(ctx context.Context, accountID string) ([]domain.AuditLogEntry, error)
}

// AccountStore persists accounts and their owned children. Every access
// goes through RunInTx, which commits when fn returns nil and rolls back on
// any error or panic.
type AccountStore interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx AccountTx) error) error
	Close() error
}

// TokenStore persists session tokens. Tokens live independently of the
// account store and expire on their own.
type TokenStore interface {
	Put(ctx context.Context, token *domain.SessionToken) error
	// Get returns ErrNotFound when the token is absent.
	Get(ctx context.Context, id string) (*domain.SessionToken, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	DeleteAllForAccount(ctx context.Context, accountID string) error
	Close() error
}
