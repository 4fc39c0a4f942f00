package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// tokenIDBytes gives 256 bits of entropy per session id.
const tokenIDBytes = 32

var (
	ErrMissingBearer   = errors.New("missing authorization header")
	ErrMalformedBearer = errors.New("invalid authorization header")
)

// NewTokenID returns an unguessable, URL-safe session token id.
func NewTokenID() (string, error) {
	buf := make([]byte, tokenIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewVerifier returns the per-token verifier stored alongside the session.
func NewVerifier() string {
	return uuid.NewString()
}

// ExtractBearer parses an Authorization header value of the form
// "Bearer <tokenId>".
func ExtractBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingBearer
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrMalformedBearer
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMalformedBearer
	}
	return token, nil
}

// TokenHash is the fingerprint recorded wherever a token must be referenced
// without storing the bearer credential itself.
func TokenHash(tokenID string) string {
	sum := sha256.Sum256([]byte(tokenID))
	return hex.EncodeToString(sum[:])
}
