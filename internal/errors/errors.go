package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Pool supply
	ErrCodeInsufficientAccounts ErrorCode = "INSUFFICIENT_ACCOUNTS"
	ErrCodeProvisioningFailed   ErrorCode = "PROVISIONING_FAILED"
	ErrCodeProvisionerDisabled  ErrorCode = "PROVISIONER_DISABLED"

	// Token refresh
	ErrCodeRefreshFailed    ErrorCode = "REFRESH_FAILED"
	ErrCodeRefreshThrottled ErrorCode = "REFRESH_THROTTLED"

	// Resource
	ErrCodeUnknownSession ErrorCode = "UNKNOWN_SESSION"
	ErrCodeUnknownAccount ErrorCode = "UNKNOWN_ACCOUNT"
	ErrCodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeExternal         ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func InsufficientAccounts(requested, allocated int) *AppError {
	return New(ErrCodeInsufficientAccounts,
		fmt.Sprintf("Requested %d accounts but only %d could be allocated", requested, allocated)).
		WithDetails(map[string]int{"requested": requested, "allocated": allocated})
}

func ProvisioningFailed(cause error) *AppError {
	return Wrap(ErrCodeProvisioningFailed, "Account provisioning failed", cause)
}

func ProvisionerDisabled() *AppError {
	return New(ErrCodeProvisionerDisabled, "No provisioner is configured")
}

func RefreshFailed(email string, cause error) *AppError {
	return Wrap(ErrCodeRefreshFailed, fmt.Sprintf("Token refresh failed for %s", email), cause)
}

func RefreshThrottled(email string) *AppError {
	return New(ErrCodeRefreshThrottled, fmt.Sprintf("Token for %s was refreshed too recently", email))
}

func UnknownSession(sessionID string) *AppError {
	return New(ErrCodeUnknownSession, fmt.Sprintf("Unknown session: %s", sessionID))
}

func UnknownAccount(email string) *AppError {
	return New(ErrCodeUnknownAccount, fmt.Sprintf("Unknown account: %s", email))
}

func AlreadyExists(resource string) *AppError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("%s already exists", resource))
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Store(cause error) *AppError {
	return Wrap(ErrCodeStoreUnavailable, "Account store error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err is an AppError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}
