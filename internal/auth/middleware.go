package auth

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/identity-service/internal/domain"
	apperrors "github.com/spec-kit/identity-service/pkg/util/errorutil"
)

const tokenKey = "auth_token_id"

// Principal represents the authenticated caller: the session it presented
// and its account as currently stored.
type Principal struct {
	Token   *domain.SessionToken
	Account *domain.Account
}

// RoleSnapshot is the role captured when the session was issued.
func (p *Principal) RoleSnapshot() domain.Role {
	if p == nil || p.Token == nil {
		return ""
	}
	return p.Token.RoleSnapshot
}

// SessionValidator resolves a bearer token id to a principal.
type SessionValidator interface {
	Validate(ctx context.Context, tokenID string) (*Principal, error)
}

// AuthMiddleware validates bearer tokens before protected handlers run.
type AuthMiddleware struct {
	sessions SessionValidator
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(sessions SessionValidator) *AuthMiddleware {
	return &AuthMiddleware{sessions: sessions}
}

// Handle enforces authentication for protected routes.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	tokenID, err := ExtractBearer(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return apperrors.NewUnauthorized(err.Error())
	}

	if _, err := m.sessions.Validate(c.UserContext(), tokenID); err != nil {
		return err
	}

	c.Locals(tokenKey, tokenID)
	return c.Next()
}

// TokenFromContext returns the bearer token id accepted by Handle.
func TokenFromContext(c *fiber.Ctx) (string, bool) {
	val, ok := c.Locals(tokenKey).(string)
	return val, ok && val != ""
}
