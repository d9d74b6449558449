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
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired    ErrorCode = "MISSING_REQUIRED"
	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Preconditions
	ErrCodeSubscriptionRequired     ErrorCode = "SUBSCRIPTION_REQUIRED"
	ErrCodeSubscriptionExpired      ErrorCode = "SUBSCRIPTION_EXPIRED"
	ErrCodeCredentialsRequired      ErrorCode = "CREDENTIALS_REQUIRED"
	ErrCodePairingRequired          ErrorCode = "PAIRING_REQUIRED"
	ErrCodeInstanceLimitReached     ErrorCode = "INSTANCE_LIMIT_REACHED"
	ErrCodeActiveSubscriptionExists ErrorCode = "ACTIVE_SUBSCRIPTION_EXISTS"

	// Conflicts
	ErrCodeAlreadyDeploying  ErrorCode = "ALREADY_DEPLOYING"
	ErrCodeAlreadyOnline     ErrorCode = "ALREADY_ONLINE"
	ErrCodeNotRunning        ErrorCode = "NOT_RUNNING"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeStateChanged      ErrorCode = "STATE_CHANGED"

	// Connection
	ErrCodeTransientDisconnect ErrorCode = "TRANSIENT_DISCONNECT"

	// Security
	ErrCodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"
	ErrCodeDecryptionFailed ErrorCode = "DECRYPTION_FAILED"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// Class groups error codes by how callers are expected to react.
type Class string

const (
	ClassValidation   Class = "validation"
	ClassPrecondition Class = "precondition"
	ClassConflict     Class = "conflict"
	ClassExternal     Class = "external"
	ClassTransient    Class = "transient"
	ClassSecurity     Class = "security"
	ClassNotFound     Class = "not_found"
	ClassRetryable    Class = "retryable"
	ClassAuth         Class = "auth"
	ClassInternal     Class = "internal"
)

var codeClasses = map[ErrorCode]Class{
	ErrCodeUnauthorized:             ClassAuth,
	ErrCodeForbidden:                ClassAuth,
	ErrCodeRateLimitExceeded:        ClassAuth,
	ErrCodeValidation:               ClassValidation,
	ErrCodeInvalidInput:             ClassValidation,
	ErrCodeMissingRequired:          ClassValidation,
	ErrCodeInvalidCredentials:       ClassValidation,
	ErrCodeNotFound:                 ClassNotFound,
	ErrCodeSubscriptionRequired:     ClassPrecondition,
	ErrCodeSubscriptionExpired:      ClassPrecondition,
	ErrCodeCredentialsRequired:      ClassPrecondition,
	ErrCodePairingRequired:          ClassPrecondition,
	ErrCodeInstanceLimitReached:     ClassPrecondition,
	ErrCodeActiveSubscriptionExists: ClassPrecondition,
	ErrCodeAlreadyDeploying:         ClassConflict,
	ErrCodeAlreadyOnline:            ClassConflict,
	ErrCodeNotRunning:               ClassConflict,
	ErrCodeInvalidTransition:        ClassConflict,
	ErrCodeStateChanged:             ClassConflict,
	ErrCodeTransientDisconnect:      ClassTransient,
	ErrCodeInvalidSignature:         ClassSecurity,
	ErrCodeDecryptionFailed:         ClassSecurity,
	ErrCodeExternal:                 ClassExternal,
	ErrCodeDatabase:                 ClassRetryable,
	ErrCodeInternal:                 ClassInternal,
}

// ClassOfCode returns the class of a code; unknown codes are internal.
func ClassOfCode(code ErrorCode) Class {
	if c, ok := codeClasses[code]; ok {
		return c
	}
	return ClassInternal
}

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

// Class returns the error class of the code
func (e *AppError) Class() Class {
	return ClassOfCode(e.Code)
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

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
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

func InvalidCredentials(reason string) *AppError {
	return New(ErrCodeInvalidCredentials, fmt.Sprintf("Invalid credentials: %s", reason))
}

func SubscriptionRequired() *AppError {
	return New(ErrCodeSubscriptionRequired, "An active subscription is required")
}

func SubscriptionExpired() *AppError {
	return New(ErrCodeSubscriptionExpired, "Subscription has expired")
}

func CredentialsRequired() *AppError {
	return New(ErrCodeCredentialsRequired, "Credentials must be uploaded before deploying")
}

func PairingRequired() *AppError {
	return New(ErrCodePairingRequired, "Instance must be paired before uploading credentials")
}

func InstanceLimitReached(limit int) *AppError {
	return New(ErrCodeInstanceLimitReached, fmt.Sprintf("Plan allows at most %d instances", limit)).
		WithDetails(map[string]int{"limit": limit})
}

func ActiveSubscriptionExists() *AppError {
	return New(ErrCodeActiveSubscriptionExists, "An active subscription already exists")
}

func AlreadyDeploying() *AppError {
	return New(ErrCodeAlreadyDeploying, "Instance is already deploying")
}

func AlreadyOnline() *AppError {
	return New(ErrCodeAlreadyOnline, "Instance is already online")
}

func NotRunning() *AppError {
	return New(ErrCodeNotRunning, "Instance is not running")
}

func InvalidTransition(from, trigger string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("Cannot apply %s in state %s", trigger, from)).
		WithDetails(map[string]string{"state": from, "trigger": trigger})
}

func StateChanged() *AppError {
	return New(ErrCodeStateChanged, "Instance state changed concurrently")
}

func TransientDisconnect(reason string) *AppError {
	return New(ErrCodeTransientDisconnect, fmt.Sprintf("Connection dropped: %s", reason))
}

func InvalidSignature() *AppError {
	return New(ErrCodeInvalidSignature, "Invalid signature")
}

// DecryptionFailed never carries the underlying cipher error text to clients.
func DecryptionFailed(cause error) *AppError {
	return Wrap(ErrCodeDecryptionFailed, "Unable to decrypt credentials", cause)
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
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

// ClassOf returns the class of err, or ClassInternal for non-AppErrors.
func ClassOf(err error) Class {
	return ClassOfCode(GetCode(err))
}

// Is reports whether err is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	return GetCode(err) == code
}
