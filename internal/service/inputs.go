package service

import (
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/domain"
	apperrors "github.com/spec-kit/identity-service/pkg/util/errorutil"
)

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// RegisterInput carries a self-registration request.
type RegisterInput struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Email       string            `json:"email"`
	Phone       string            `json:"phone"`
	Password    string            `json:"password"`
	Visibility  domain.Visibility `json:"visibility"`
	Profile     domain.Profile    `json:"profile"`
}

func (in *RegisterInput) normalize() {
	in.ID = strings.TrimSpace(in.ID)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.Email = domain.NormalizeEmail(in.Email)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Visibility = domain.Visibility(strings.ToUpper(strings.TrimSpace(string(in.Visibility))))
	if in.Visibility == "" {
		in.Visibility = domain.VisibilityPublic
	}
}

func (in RegisterInput) validate(policy auth.PasswordPolicy) error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.ID, validation.Required, validation.Length(3, 64), validation.Match(accountIDPattern)),
		validation.Field(&in.DisplayName, validation.Length(0, 200)),
		validation.Field(&in.Email, validation.Required, validation.Length(6, 254), is.Email),
		validation.Field(&in.Phone, validation.Length(0, 32)),
		validation.Field(&in.Password, validation.Required, policy),
		validation.Field(&in.Visibility, validation.In(domain.VisibilityPublic, domain.VisibilityPrivate)),
	)
}

// ClientInfo describes where a login came from. Every field is optional.
type ClientInfo struct {
	IP      string
	Host    string
	City    string
	Country string
	LatLon  string
}

// LoginInput carries a login attempt. Identifier is an email address or an
// account id.
type LoginInput struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	Client     ClientInfo
}

func (in LoginInput) validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Identifier, validation.Required),
		validation.Field(&in.Password, validation.Required),
	)
}

// ChangePasswordInput carries a self-service password change.
type ChangePasswordInput struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (in ChangePasswordInput) validate(policy auth.PasswordPolicy) error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.CurrentPassword, validation.Required),
		validation.Field(&in.NewPassword, validation.Required, policy),
	)
}

// AttributeSet is a partial update. Nil fields are left untouched.
type AttributeSet struct {
	DisplayName *string            `json:"display_name"`
	Email       *string            `json:"email"`
	Phone       *string            `json:"phone"`
	Password    *string            `json:"password"`
	Visibility  *domain.Visibility `json:"visibility"`
	Occupation  *string            `json:"occupation"`
	Workplace   *string            `json:"workplace"`
	Address     *string            `json:"address"`
	PostalCode  *string            `json:"postal_code"`
	TaxID       *string            `json:"tax_id"`
	Role        *string            `json:"role"`
	State       *string            `json:"state"`
}

func (in *AttributeSet) normalize() {
	if in.Email != nil {
		e := domain.NormalizeEmail(*in.Email)
		in.Email = &e
	}
	if in.Visibility != nil {
		v := domain.Visibility(strings.ToUpper(strings.TrimSpace(string(*in.Visibility))))
		in.Visibility = &v
	}
}

// requestedFields names the non-role, non-state fields present in the set.
func (in AttributeSet) requestedFields() []string {
	var fields []string
	for _, f := range []struct {
		name    string
		present bool
	}{
		{auth.AttrDisplayName, in.DisplayName != nil},
		{auth.AttrEmail, in.Email != nil},
		{auth.AttrPhone, in.Phone != nil},
		{auth.AttrPassword, in.Password != nil},
		{auth.AttrVisibility, in.Visibility != nil},
		{auth.AttrOccupation, in.Occupation != nil},
		{auth.AttrWorkplace, in.Workplace != nil},
		{auth.AttrAddress, in.Address != nil},
		{auth.AttrPostalCode, in.PostalCode != nil},
		{auth.AttrTaxID, in.TaxID != nil},
	} {
		if f.present {
			fields = append(fields, f.name)
		}
	}
	return fields
}

func (in AttributeSet) validate(policy auth.PasswordPolicy) error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.DisplayName, validation.Length(0, 200)),
		validation.Field(&in.Email, validation.NilOrNotEmpty, validation.Length(6, 254), is.Email),
		validation.Field(&in.Phone, validation.Length(0, 32)),
		validation.Field(&in.Password, validation.NilOrNotEmpty, policy),
		validation.Field(&in.Visibility, validation.NilOrNotEmpty, validation.In(domain.VisibilityPublic, domain.VisibilityPrivate)),
		validation.Field(&in.Role, validation.NilOrNotEmpty),
		validation.Field(&in.State, validation.NilOrNotEmpty),
	)
}

// BootstrapAdmin describes the administrator seeded at startup.
type BootstrapAdmin struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (in BootstrapAdmin) validate(policy auth.PasswordPolicy) error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.ID, validation.Required, validation.Match(accountIDPattern)),
		validation.Field(&in.Email, validation.Required, is.Email),
		validation.Field(&in.Password, validation.Required, policy),
	)
}

// validationFailed converts ozzo errors into a VALIDATION_FAILED domain
// error with one detail entry per field.
func validationFailed(err error) error {
	details := map[string]any{}
	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) {
		for field, fieldErr := range fieldErrs {
			details[field] = fieldErr.Error()
		}
	} else {
		details["input"] = err.Error()
	}
	return apperrors.NewValidationError("invalid input", details)
}
