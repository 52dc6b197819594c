// AngelaMos | 2026
// errors.go

package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")

	// ErrSessionCompromised signals reuse of an already-revoked refresh
	// token. The whole token family has been revoked; clients must purge
	// local session state and re-authenticate.
	ErrSessionCompromised = errors.New("session compromised")

	ErrRateLimited   = errors.New("rate limited")
	ErrAccountLocked = errors.New("account locked")
)

type AppError struct {
	Err        error
	Message    string
	Status     int
	Code       string
	RetryAfter time.Duration
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(err error, message string, status int, code string) *AppError {
	return &AppError{
		Err:     err,
		Message: message,
		Status:  status,
		Code:    code,
	}
}

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

func UnauthorizedError(message string) *AppError {
	if message == "" {
		message = "authentication required"
	}
	return NewAppError(
		ErrUnauthorized,
		message,
		http.StatusUnauthorized,
		"UNAUTHORIZED",
	)
}

func ForbiddenError(message string) *AppError {
	if message == "" {
		message = "insufficient permissions"
	}
	return NewAppError(ErrForbidden, message, http.StatusForbidden, "FORBIDDEN")
}

func NotFoundError(resource string) *AppError {
	return NewAppError(
		ErrNotFound,
		resource+" not found",
		http.StatusNotFound,
		"NOT_FOUND",
	)
}

func DuplicateError(field string) *AppError {
	return NewAppError(
		ErrDuplicateKey,
		field+" already exists",
		http.StatusConflict,
		"DUPLICATE",
	)
}

func TokenInvalidError() *AppError {
	return NewAppError(
		ErrTokenInvalid,
		"invalid or missing token",
		http.StatusUnauthorized,
		"TOKEN_INVALID",
	)
}

func TokenExpiredError() *AppError {
	return NewAppError(
		ErrTokenExpired,
		"token has expired",
		http.StatusUnauthorized,
		"TOKEN_EXPIRED",
	)
}

func TokenRevokedError() *AppError {
	return NewAppError(
		ErrTokenRevoked,
		"token has been revoked",
		http.StatusUnauthorized,
		"TOKEN_REVOKED",
	)
}

// SessionCompromisedError is deliberately distinct from the plain 401
// token errors so clients can force a full logout and show a security
// notice instead of silently retrying the refresh.
func SessionCompromisedError() *AppError {
	return NewAppError(
		ErrSessionCompromised,
		"refresh token reuse detected, all related sessions revoked",
		http.StatusUnauthorized,
		"SESSION_COMPROMISED",
	)
}

func RateLimitedError(retryAfter time.Duration) *AppError {
	e := NewAppError(
		ErrRateLimited,
		"too many failed attempts, try again later",
		http.StatusTooManyRequests,
		"RATE_LIMITED",
	)
	e.RetryAfter = retryAfter
	return e
}

func AccountLockedError(retryAfter time.Duration) *AppError {
	e := NewAppError(
		ErrAccountLocked,
		"account temporarily locked, try again later",
		http.StatusLocked,
		"ACCOUNT_LOCKED",
	)
	e.RetryAfter = retryAfter
	return e
}
