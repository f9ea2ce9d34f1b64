package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for the failure categories the subsystem surfaces.
var (
	// ErrNetwork covers transport failures: DNS, refused connections, timeouts.
	ErrNetwork = errors.New("network failure")
	// ErrRemote covers well-formed rejections from a backend (error code + message).
	ErrRemote = errors.New("remote rejection")
	// ErrProtocol covers responses that violate the expected wire contract.
	ErrProtocol = errors.New("protocol violation")
	// ErrSecurity covers integrity violations such as a CSRF state mismatch.
	// Security errors are never downgraded or retried.
	ErrSecurity = errors.New("security violation")
	// ErrValidation covers locally rejected input, raised before any network call.
	ErrValidation = errors.New("invalid input")
	// ErrNotFound covers a missing remote resource (HTTP 404).
	ErrNotFound = errors.New("resource not found")
	// ErrCanceled covers operations abandoned by the caller or a timeout.
	ErrCanceled = errors.New("operation canceled")
)

// AppError represents a structured error with a stable machine-readable code.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Network creates an error for a failed transport attempt.
func Network(err error) *AppError {
	return &AppError{
		Code:    "NETWORK_ERROR",
		Message: "network request failed",
		Err:     fmt.Errorf("%w: %w", ErrNetwork, err),
	}
}

// Remote creates an error for a structured backend rejection. The code is the
// backend's own error identifier (e.g. EMAIL_EXISTS, INVALID_LOGIN_CREDENTIALS).
func Remote(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     ErrRemote,
	}
}

// Protocol creates an error for a malformed or contract-violating response.
func Protocol(message string) *AppError {
	return &AppError{
		Code:    "PROTOCOL_ERROR",
		Message: message,
		Err:     ErrProtocol,
	}
}

// Security creates an error for an integrity violation. Callers must abort the
// surrounding operation and discard any partial results.
func Security(message string) *AppError {
	return &AppError{
		Code:    "SECURITY_ERROR",
		Message: message,
		Err:     ErrSecurity,
	}
}

// Validation creates an error for input rejected before any network call.
func Validation(message string) *AppError {
	return &AppError{
		Code:    "VALIDATION_ERROR",
		Message: message,
		Err:     ErrValidation,
	}
}

// NotFound creates an error for a missing remote resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s %s not found", resource, id),
		Err:     ErrNotFound,
	}
}

// Canceled creates an error for an operation abandoned before completion.
func Canceled(operation string) *AppError {
	return &AppError{
		Code:    "CANCELED",
		Message: fmt.Sprintf("%s canceled", operation),
		Err:     ErrCanceled,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// Retryable reports whether the error is transient. Only network failures
// qualify; remote rejections, protocol violations and security errors are
// deterministic and retrying them cannot help.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// RemoteCode extracts the backend error code from a remote rejection.
// Returns the empty string for any other error.
func RemoteCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && errors.Is(appErr.Err, ErrRemote) {
		return appErr.Code
	}
	return ""
}
