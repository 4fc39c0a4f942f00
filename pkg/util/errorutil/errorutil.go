package errorutil

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to callers.
const (
	CodeValidation         = "VALIDATION_FAILED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeForbidden          = "FORBIDDEN"
	CodeAccountNotActive   = "ACCOUNT_NOT_ACTIVE"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeConsistency        = "CONSISTENCY_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks. Matching is done on Code only.
var (
	ErrValidation         = &DomainError{Code: CodeValidation}
	ErrUnauthorized       = &DomainError{Code: CodeUnauthorized}
	ErrInvalidCredentials = &DomainError{Code: CodeInvalidCredentials}
	ErrForbidden          = &DomainError{Code: CodeForbidden}
	ErrAccountNotActive   = &DomainError{Code: CodeAccountNotActive}
	ErrNotFound           = &DomainError{Code: CodeNotFound}
	ErrConflict           = &DomainError{Code: CodeConflict}
	ErrConsistency        = &DomainError{Code: CodeConsistency}
	ErrInternal           = &DomainError{Code: CodeInternal}
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError carrying the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

// NewInvalidCredentials never says which half of the credentials was wrong.
func NewInvalidCredentials() error {
	return NewDomainError(CodeInvalidCredentials, "incorrect identifier or password", http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, message, http.StatusForbidden, nil)
}

func NewAccountNotActive() error {
	return NewDomainError(CodeAccountNotActive, "account is inactive or suspended", http.StatusForbidden, nil)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, message, http.StatusConflict, details)
}

// NewConsistencyError reports a broken internal invariant, e.g. a live token
// whose account no longer exists.
func NewConsistencyError(message string, details map[string]any) error {
	return &DomainError{
		Code:       CodeConsistency,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Details:    details,
	}
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		if domainErr.HTTPStatus == 0 {
			return &DomainError{
				Code:       domainErr.Code,
				Message:    domainErr.Error(),
				HTTPStatus: statusForCode(domainErr.Code),
				Details:    domainErr.Details,
				Err:        domainErr.Err,
			}
		}
		return domainErr
	}
	if de, ok := NewInternalError(err).(*DomainError); ok {
		return de
	}
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func MapError(err error) error {
	return ToDomainError(err)
}

// CodeOf returns the DomainError code carried by err, or "" when none.
func CodeOf(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

func statusForCode(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeInvalidCredentials:
		return http.StatusUnauthorized
	case CodeForbidden, CodeAccountNotActive:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
