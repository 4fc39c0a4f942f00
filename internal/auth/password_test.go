package auth

import (
	"strings"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHasherRoundTrip(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)

	digest, err := h.Hash("Secr3tPass")
	require.NoError(t, err)
	assert.NotEqual(t, "Secr3tPass", digest)

	assert.True(t, h.Verify("Secr3tPass", digest))
	assert.False(t, h.Verify("secr3tpass", digest))
	assert.False(t, h.Verify("Secr3tPass", ""))
	assert.False(t, h.Verify("Secr3tPass", "not-a-bcrypt-digest"))
}

func TestNewPasswordHasherClampsCost(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewPasswordHasher(0).cost)
	assert.Equal(t, bcrypt.DefaultCost, NewPasswordHasher(bcrypt.MaxCost+1).cost)
	assert.Equal(t, bcrypt.MinCost, NewPasswordHasher(bcrypt.MinCost).cost)
}

func TestPasswordPolicyCheck(t *testing.T) {
	p := DefaultPasswordPolicy()

	assert.NoError(t, p.Check("Abcdefg1"))

	err := p.Check("abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 8 characters")
	assert.Contains(t, err.Error(), "a digit")
	assert.Contains(t, err.Error(), "an uppercase letter")
	assert.NotContains(t, err.Error(), "a lowercase letter")

	assert.Error(t, p.Check("Aa1"+strings.Repeat("x", 80)))

	strict := p
	strict.RequireSymbol = true
	assert.Error(t, strict.Check("Abcdefg1"))
	assert.NoError(t, strict.Check("Abcdefg1!"))
}

func TestPasswordPolicyAsValidationRule(t *testing.T) {
	p := DefaultPasswordPolicy()

	assert.NoError(t, validation.Validate("", p), "empty values are left to Required")
	assert.NoError(t, validation.Validate("Abcdefg1", p))
	assert.Error(t, validation.Validate("short", p))
	assert.Error(t, validation.Validate("", validation.Required, p))
}
