package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/config"
	"github.com/spec-kit/identity-service/internal/domain"
	"github.com/spec-kit/identity-service/internal/repository"
	apperrors "github.com/spec-kit/identity-service/pkg/util/errorutil"
)

// SessionService issues, validates and revokes opaque bearer tokens.
type SessionService struct {
	accounts repository.AccountStore
	tokens   repository.TokenStore
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// SessionDependencies encapsulates store requirements for the session service.
type SessionDependencies struct {
	Accounts repository.AccountStore
	Tokens   repository.TokenStore
	Logger   *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// SessionView is the caller-visible description of a session. The verifier
// is never exposed.
type SessionView struct {
	TokenID      string
	AccountID    string
	RoleSnapshot domain.Role
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// NewSessionService builds the service.
func NewSessionService(cfg config.AuthConfig, deps SessionDependencies) *SessionService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TokenTTL()
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &SessionService{
		accounts: deps.Accounts,
		tokens:   deps.Tokens,
		ttl:      ttl,
		now:      now,
		logger:   logger,
	}
}

// TTL is the lifetime given to newly issued tokens.
func (s *SessionService) TTL() time.Duration {
	return s.ttl
}

// Issue creates and persists a token for accountID carrying role as its
// snapshot. An account may hold any number of concurrent sessions.
func (s *SessionService) Issue(ctx context.Context, accountID string, role domain.Role, clientIP string) (*domain.SessionToken, error) {
	token, err := s.Prepare(accountID, role, clientIP)
	if err != nil {
		return nil, err
	}
	if err := s.Persist(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// Prepare builds a token without storing it, so callers that must record
// the token elsewhere first can persist it as their last write.
func (s *SessionService) Prepare(accountID string, role domain.Role, clientIP string) (*domain.SessionToken, error) {
	id, err := auth.NewTokenID()
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	issuedAt := s.now().UTC()
	return &domain.SessionToken{
		ID:           id,
		AccountID:    accountID,
		RoleSnapshot: role,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt.Add(s.ttl),
		Verifier:     auth.NewVerifier(),
		CreationIP:   clientIP,
	}, nil
}

// Persist stores a prepared token.
func (s *SessionService) Persist(ctx context.Context, token *domain.SessionToken) error {
	if err := s.tokens.Put(ctx, token); err != nil {
		return apperrors.NewInternalError(err)
	}
	return nil
}

// Validate resolves tokenID to the session and its account. Missing and
// expired tokens are indistinguishable to the caller. A token whose account
// no longer exists is a consistency failure.
func (s *SessionService) Validate(ctx context.Context, tokenID string) (*auth.Principal, error) {
	token, err := s.lookup(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	var account *domain.Account
	err = s.accounts.RunInTx(ctx, func(ctx context.Context, tx repository.AccountTx) error {
		acc, err := tx.Get(ctx, token.AccountID)
		account = acc
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("session references missing account",
			zap.String("account_id", token.AccountID),
			zap.String("token_hash", auth.TokenHash(token.ID)))
		return nil, apperrors.NewConsistencyError("session references a missing account", nil)
	}
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	return &auth.Principal{Token: token, Account: account}, nil
}

func (s *SessionService) lookup(ctx context.Context, tokenID string) (*domain.SessionToken, error) {
	if tokenID == "" {
		return nil, apperrors.NewUnauthorized("invalid or expired token")
	}
	token, err := s.tokens.Get(ctx, tokenID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewUnauthorized("invalid or expired token")
	}
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if token.ExpiredAt(s.now()) {
		if err := s.tokens.Delete(ctx, token.ID); err != nil {
			s.logger.Warn("purge expired token", zap.Error(err))
		}
		return nil, apperrors.NewUnauthorized("invalid or expired token")
	}
	return token, nil
}

// Revoke deletes tokenID. Revoking an absent token succeeds.
func (s *SessionService) Revoke(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return nil
	}
	if err := s.tokens.Delete(ctx, tokenID); err != nil {
		return apperrors.NewInternalError(err)
	}
	return nil
}

// RevokeAll deletes every token held by accountID.
func (s *SessionService) RevokeAll(ctx context.Context, accountID string) error {
	if err := s.tokens.DeleteAllForAccount(ctx, accountID); err != nil {
		return apperrors.NewInternalError(err)
	}
	return nil
}

// Describe returns metadata for a valid token.
func (s *SessionService) Describe(ctx context.Context, tokenID string) (*SessionView, error) {
	principal, err := s.Validate(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	t := principal.Token
	return &SessionView{
		TokenID:      t.ID,
		AccountID:    t.AccountID,
		RoleSnapshot: t.RoleSnapshot,
		IssuedAt:     t.IssuedAt,
		ExpiresAt:    t.ExpiresAt,
	}, nil
}
