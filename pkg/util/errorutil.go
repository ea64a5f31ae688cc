package util

import (
	"errors"
	"fmt"
)

// Error codes shared by the session client.
const (
	CodeParse                = "PARSE_ERROR"
	CodeTransport            = "TRANSPORT_ERROR"
	CodeRetryExhausted       = "RETRY_EXHAUSTED"
	CodeLockUnavailable      = "LOCK_UNAVAILABLE"
	CodeRefreshRejected      = "REFRESH_REJECTED"
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeLogoutFailed         = "LOGOUT_FAILED"
	CodeProfileUnavailable   = "PROFILE_UNAVAILABLE"
	CodeInternal             = "INTERNAL_ERROR"
)

// Sentinels for errors.Is; they match any DomainError carrying the same code.
var (
	ErrParse                = &DomainError{Code: CodeParse}
	ErrTransport            = &DomainError{Code: CodeTransport}
	ErrRetryExhausted       = &DomainError{Code: CodeRetryExhausted}
	ErrLockUnavailable      = &DomainError{Code: CodeLockUnavailable}
	ErrRefreshRejected      = &DomainError{Code: CodeRefreshRejected}
	ErrAuthenticationFailed = &DomainError{Code: CodeAuthenticationFailed}
	ErrLogoutFailed         = &DomainError{Code: CodeLogoutFailed}
	ErrProfileUnavailable   = &DomainError{Code: CodeProfileUnavailable}
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
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError with the same code.
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

// NewParseError reports a malformed token payload.
func NewParseError(message string, err error) error {
	return &DomainError{Code: CodeParse, Message: message, Err: err}
}

// NewTransportError reports a network failure or timeout of one attempt.
func NewTransportError(endpoint string, attempt int, err error) error {
	return &DomainError{
		Code:    CodeTransport,
		Message: fmt.Sprintf("request to %s failed on attempt %d", endpoint, attempt),
		Details: map[string]any{"endpoint": endpoint, "attempt": attempt},
		Err:     err,
	}
}

// NewRetryExhausted reports that every attempt failed.
func NewRetryExhausted(endpoint string, attempts int, last error) error {
	return &DomainError{
		Code:    CodeRetryExhausted,
		Message: fmt.Sprintf("request to %s failed after %d attempts", endpoint, attempts),
		Details: map[string]any{"endpoint": endpoint, "attempts": attempts},
		Err:     last,
	}
}

// NewLockUnavailable reports that the lock on key could not be acquired.
func NewLockUnavailable(key string, attempts int) error {
	return &DomainError{
		Code:    CodeLockUnavailable,
		Message: fmt.Sprintf("unable to acquire lock %q after %d attempts", key, attempts),
		Details: map[string]any{"key": key, "attempts": attempts},
	}
}

// NewRefreshRejected reports a refresh answered with a non-200 status.
func NewRefreshRejected(status int) error {
	return &DomainError{
		Code:       CodeRefreshRejected,
		Message:    fmt.Sprintf("refresh rejected with status %d", status),
		HTTPStatus: status,
	}
}

// NewAuthenticationFailed reports a failed login.
func NewAuthenticationFailed(status int, err error) error {
	return &DomainError{
		Code:       CodeAuthenticationFailed,
		Message:    "authentication failed",
		HTTPStatus: status,
		Err:        err,
	}
}

// NewLogoutFailed reports a failed logout.
func NewLogoutFailed(status int, err error) error {
	return &DomainError{
		Code:       CodeLogoutFailed,
		Message:    "logout failed",
		HTTPStatus: status,
		Err:        err,
	}
}

// NewProfileUnavailable reports that the current user could not be loaded.
func NewProfileUnavailable(status int, err error) error {
	return &DomainError{
		Code:       CodeProfileUnavailable,
		Message:    "user profile unavailable",
		HTTPStatus: status,
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
		return domainErr
	}
	return &DomainError{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// CodeOf returns the code of err, or the empty string for nil.
func CodeOf(err error) string {
	if de := ToDomainError(err); de != nil {
		return de.Code
	}
	return ""
}
