package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/identity-service/internal/api/dto"
	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/domain"
	"github.com/spec-kit/identity-service/internal/service"
	apperrors "github.com/spec-kit/identity-service/pkg/util/errorutil"
)

// Headers a fronting proxy may set to describe the client.
const (
	headerClientCity   = "X-AppEngine-City"
	headerClientRegion = "X-AppEngine-Country"
	headerClientLatLon = "X-AppEngine-CityLatLong"
)

// AuthHandler exposes registration and session endpoints.
type AuthHandler struct {
	accounts *service.AccountService
	sessions *service.SessionService
}

// NewAuthHandler constructs handler.
func NewAuthHandler(accounts *service.AccountService, sessions *service.SessionService) *AuthHandler {
	return &AuthHandler{accounts: accounts, sessions: sessions}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req dto.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	account, err := h.accounts.Register(c.UserContext(), service.RegisterInput{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Phone:       req.Phone,
		Password:    req.Password,
		Visibility:  domain.Visibility(req.Visibility),
		Profile: domain.Profile{
			Occupation: req.Profile.Occupation,
			Workplace:  req.Profile.Workplace,
			Address:    req.Profile.Address,
			PostalCode: req.Profile.PostalCode,
			TaxID:      req.Profile.TaxID,
		},
	})
	if err != nil {
		return err
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"data": fiber.Map{"account": accountResponse(account)},
	})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	identifier := req.Identifier
	if identifier == "" {
		identifier = req.Email
	}

	res, err := h.accounts.Login(c.UserContext(), service.LoginInput{
		Identifier: identifier,
		Password:   req.Password,
		Client:     clientInfo(c),
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"account": accountResponse(res.Account),
			"auth":    dto.AuthResponse{Token: res.Token.ID, ExpiresAt: res.Token.ExpiresAt},
		},
	})
}

// Logout handles POST /auth/logout. It answers the same way whether or not
// the presented token was valid.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	tokenID, _ := auth.ExtractBearer(c.Get(fiber.HeaderAuthorization))
	_ = h.accounts.Logout(c.UserContext(), tokenID)
	return c.SendStatus(http.StatusNoContent)
}

// Session handles GET /auth/session.
func (h *AuthHandler) Session(c *fiber.Ctx) error {
	tokenID, ok := auth.TokenFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("missing token")
	}
	view, err := h.sessions.Describe(c.UserContext(), tokenID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": dto.SessionResponse{
			AccountID:    view.AccountID,
			RoleSnapshot: string(view.RoleSnapshot),
			IssuedAt:     view.IssuedAt,
			ExpiresAt:    view.ExpiresAt,
		},
	})
}

// clientInfo collects what is known about the caller for the audit log.
// The address comes from fiber, which only honors a forwarding header when
// the app is configured with a proxy header and the peer is trusted.
func clientInfo(c *fiber.Ctx) service.ClientInfo {
	return service.ClientInfo{
		IP:      c.IP(),
		Host:    c.Hostname(),
		City:    c.Get(headerClientCity),
		Country: c.Get(headerClientRegion),
		LatLon:  c.Get(headerClientLatLon),
	}
}
