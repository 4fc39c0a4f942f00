package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation"
	"golang.org/x/crypto/bcrypt"
)

// maxPasswordBytes is the bcrypt input limit.
const maxPasswordBytes = 72

// HashPassword hashes a plaintext password with configured cost.
func HashPassword(password string, cost int) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// ComparePassword verifies a password against its hashed value.
func ComparePassword(hashed, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}

// PasswordHasher is the one-way credential digest used by the account
// lifecycle. It has no side effects.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher falls back to bcrypt.DefaultCost for out-of-range costs.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash returns the digest of plaintext.
func (h *PasswordHasher) Hash(plaintext string) (string, error) {
	return HashPassword(plaintext, h.cost)
}

// Verify recomputes and compares. A malformed digest never verifies.
func (h *PasswordHasher) Verify(plaintext, digest string) bool {
	if digest == "" {
		return false
	}
	return ComparePassword(digest, plaintext) == nil
}

// PasswordPolicy is the complexity requirement applied to new passwords.
// It satisfies validation.Rule so it can sit in a ValidateStruct field list.
type PasswordPolicy struct {
	MinLength     int
	RequireDigit  bool
	RequireUpper  bool
	RequireLower  bool
	RequireSymbol bool
}

// DefaultPasswordPolicy mirrors the registration rule the service has
// always enforced: eight characters with digit, upper and lower case.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:    8,
		RequireDigit: true,
		RequireUpper: true,
		RequireLower: true,
	}
}

// Validate implements validation.Rule. Empty values are left to
// validation.Required.
func (p PasswordPolicy) Validate(value interface{}) error {
	value, isNil := validation.Indirect(value)
	if isNil || validation.IsEmpty(value) {
		return nil
	}
	s, ok := value.(string)
	if !ok {
		return errors.New("must be a string")
	}
	return p.Check(s)
}

// Check returns an error naming every unmet requirement.
func (p PasswordPolicy) Check(password string) error {
	var missing []string
	if len(password) < p.MinLength {
		missing = append(missing, fmt.Sprintf("at least %d characters", p.MinLength))
	}
	if len(password) > maxPasswordBytes {
		missing = append(missing, fmt.Sprintf("at most %d bytes", maxPasswordBytes))
	}

	var digit, upper, lower, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if p.RequireDigit && !digit {
		missing = append(missing, "a digit")
	}
	if p.RequireUpper && !upper {
		missing = append(missing, "an uppercase letter")
	}
	if p.RequireLower && !lower {
		missing = append(missing, "a lowercase letter")
	}
	if p.RequireSymbol && !symbol {
		missing = append(missing, "a symbol")
	}

	if len(missing) == 0 {
		return nil
	}
	return errors.New("password must contain " + strings.Join(missing, ", "))
}
