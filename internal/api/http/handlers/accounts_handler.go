package handlers

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/identity-service/internal/api/dto"
	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/domain"
	"github.com/spec-kit/identity-service/internal/service"
	apperrors "github.com/spec-kit/identity-service/pkg/util/errorutil"
)

// AccountsHandler exposes privileged account operations. Every route sits
// behind the auth middleware.
type AccountsHandler struct {
	accounts *service.AccountService
}

// NewAccountsHandler constructs handler.
func NewAccountsHandler(accounts *service.AccountService) *AccountsHandler {
	return &AccountsHandler{accounts: accounts}
}

// List handles GET /accounts?page=&page_size=.
func (h *AccountsHandler) List(c *fiber.Ctx) error {
	tokenID, err := bearer(c)
	if err != nil {
		return err
	}
	page, err := h.accounts.ListAccounts(c.UserContext(), tokenID, service.PageRequest{
		Page:     parseIntQuery(c, "page", 1),
		PageSize: parseIntQuery(c, "page_size", 50),
	})
	if err != nil {
		return err
	}
	resp := make([]dto.AccountResponse, 0, len(page.Items))
	for i := range page.Items {
		resp = append(resp, viewResponse(&page.Items[i]))
	}
	meta := dto.PageMeta{Page: page.Page, PageSize: page.PageSize, Total: page.Total}
	if page.HasMore {
		next := page.Page + 1
		meta.NextPage = &next
	}
	return c.JSON(fiber.Map{"data": resp, "meta": meta})
}

// ChangePassword handles POST /accounts/password.
func (h *AccountsHandler) ChangePassword(c *fiber.Ctx) error {
	tokenID, err := bearer(c)
	if err != nil {
		return err
	}
	var req dto.PasswordChangeRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := h.accounts.ChangePassword(c.UserContext(), tokenID, service.ChangePasswordInput{
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
	}); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// ChangeRole handles PUT /accounts/:id/role.
func (h *AccountsHandler) ChangeRole(c *fiber.Ctx) error {
	tokenID, err := bearer(c)
	if err != nil {
		return err
	}
	var req dto.ChangeRoleRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	account, err := h.accounts.ChangeRole(c.UserContext(), tokenID, c.Params("id"), req.Role)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": accountResponse(account)})
}

// ChangeState handles PUT /accounts/:id/state.
func (h *AccountsHandler) ChangeState(c *fiber.Ctx) error {
	tokenID, err := bearer(c)
	if err != nil {
		return err
	}
	var req dto.ChangeStateRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	account, err := h.accounts.ChangeState(c.UserContext(), tokenID, c.Params("id"), req.State)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": accountResponse(account)})
}

// Update handles PATCH /accounts/:id.
func (h *AccountsHandler) Update(c *fiber.Ctx) error {
	tokenID, err := bearer(c)
	if err != nil {
		return err
	}
	var req dto.UpdateAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	set := service.AttributeSet{
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Phone:       req.Phone,
		Password:    req.Password,
		Occupation:  req.Occupation,
		Workplace:   req.Workplace,
		Address:     req.Address,
		PostalCode:  req.PostalCode,
		TaxID:       req.TaxID,
		Role:        req.Role,
		State:       req.State,
	}
	if req.Visibility != nil {
		v := domain.Visibility(*req.Visibility)
		set.Visibility = &v
	}
	account, err := h.accounts.UpdateAttributes(c.UserContext(), tokenID, c.Params("id"), set)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": accountResponse(account)})
}

// Remove handles DELETE /accounts/:id.
func (h *AccountsHandler) Remove(c *fiber.Ctx) error {
	tokenID, err := bearer(c)
	if err != nil {
		return err
	}
	if err := h.accounts.Remove(c.UserContext(), tokenID, c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

func parseIntQuery(c *fiber.Ctx, key string, defaultVal int) int {
	if val := c.Query(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultVal
}

func bearer(c *fiber.Ctx) (string, error) {
	tokenID, ok := auth.TokenFromContext(c)
	if !ok {
		return "", apperrors.NewUnauthorized("missing token")
	}
	return tokenID, nil
}

func accountResponse(a *domain.Account) dto.AccountResponse {
	created := a.CreatedAt
	return dto.AccountResponse{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		Email:       a.Email,
		Phone:       a.Phone,
		Role:        string(a.Role),
		State:       string(a.State),
		Visibility:  string(a.Visibility),
		Profile:     profileResponse(a.Profile),
		CreatedAt:   &created,
	}
}

func viewResponse(v *service.AccountView) dto.AccountResponse {
	if v.Limited {
		return dto.AccountResponse{ID: v.ID, DisplayName: v.DisplayName, Email: v.Email, Limited: true}
	}
	created := v.CreatedAt
	return dto.AccountResponse{
		ID:          v.ID,
		DisplayName: v.DisplayName,
		Email:       v.Email,
		Phone:       v.Phone,
		Role:        string(v.Role),
		State:       string(v.State),
		Visibility:  string(v.Visibility),
		Profile:     profileResponse(v.Profile),
		CreatedAt:   &created,
	}
}

func profileResponse(p domain.Profile) *dto.Profile {
	if p == (domain.Profile{}) {
		return nil
	}
	return &dto.Profile{
		Occupation: p.Occupation,
		Workplace:  p.Workplace,
		Address:    p.Address,
		PostalCode: p.PostalCode,
		TaxID:      p.TaxID,
	}
}
