package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindValidation         Kind = "validation"
	KindUnauthorized       Kind = "unauthorized"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindLocked             Kind = "locked"
	KindThrottled          Kind = "throttled"
	KindMisconfigured      Kind = "misconfigured"
	KindInternal           Kind = "internal"
)

// AuthError is the error every Service operation returns. Status is the
// HTTP status the boundary writes verbatim; Message is safe to show to
// clients.
type AuthError struct {
	Kind              Kind
	Status            int
	Message           string
	RetryAfter        time.Duration
	RemainingAttempts *int
	Err               error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches another *AuthError of the same kind, so sentinel values like
// ErrInvalidCredentials work with errors.Is.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation         = &AuthError{Kind: KindValidation, Status: http.StatusBadRequest, Message: "Email and password are required"}
	ErrUnauthorized       = &AuthError{Kind: KindUnauthorized, Status: http.StatusUnauthorized, Message: "Unauthorized"}
	ErrInvalidCredentials = &AuthError{Kind: KindInvalidCredentials, Status: http.StatusUnauthorized, Message: "Invalid email or password"}
	ErrAccountLocked      = &AuthError{Kind: KindLocked, Status: http.StatusLocked, Message: "Account locked"}
	ErrTooManyAttempts    = &AuthError{Kind: KindThrottled, Status: http.StatusTooManyRequests, Message: "Too many attempts"}
	ErrMisconfigured      = &AuthError{Kind: KindMisconfigured, Status: http.StatusInternalServerError, Message: "Authentication is not configured"}
	ErrInternal           = &AuthError{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "Failed to login"}
)

func validationError(message string) *AuthError {
	return &AuthError{Kind: KindValidation, Status: http.StatusBadRequest, Message: message}
}

func lockedError(retryAfter time.Duration) *AuthError {
	return &AuthError{Kind: KindLocked, Status: http.StatusLocked, Message: ErrAccountLocked.Message, RetryAfter: retryAfter}
}

func throttledError(retryAfter time.Duration) *AuthError {
	return &AuthError{Kind: KindThrottled, Status: http.StatusTooManyRequests, Message: ErrTooManyAttempts.Message, RetryAfter: retryAfter}
}

func invalidCredentialsError(remaining int) *AuthError {
	return &AuthError{
		Kind:              KindInvalidCredentials,
		Status:            http.StatusUnauthorized,
		Message:           ErrInvalidCredentials.Message,
		RemainingAttempts: &remaining,
	}
}

func internalError(message string, err error) *AuthError {
	return &AuthError{Kind: KindInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
}

// MisconfiguredError wraps a fatal configuration problem, such as a missing
// signing secret in production.
func MisconfiguredError(err error) *AuthError {
	return &AuthError{Kind: KindMisconfigured, Status: http.StatusInternalServerError, Message: ErrMisconfigured.Message, Err: err}
}

// AsAuthError maps any error to an AuthError. Unknown errors become
// internal errors.
func AsAuthError(err error) *AuthError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return internalError(ErrInternal.Message, err)
}
