package common

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// ErrorCode represents different types of integration errors
type ErrorCode string

const (
	// Classification codes
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeNetworkError     ErrorCode = "NETWORK_ERROR"
	ErrCodeServerError      ErrorCode = "SERVER_ERROR"
	ErrCodeClientError      ErrorCode = "CLIENT_ERROR"
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeUnknown          ErrorCode = "UNKNOWN_ERROR"

	// Pool errors
	ErrCodeAcquireTimeout         ErrorCode = "ACQUIRE_TIMEOUT"
	ErrCodePoolShuttingDown       ErrorCode = "POOL_SHUTTING_DOWN"
	ErrCodeConnectionCreateFailed ErrorCode = "CONNECTION_CREATE_FAILED"
	ErrCodeConnectionInvalid      ErrorCode = "CONNECTION_INVALID"

	// Orchestration and discovery errors
	ErrCodeIntegrationNotFound ErrorCode = "INTEGRATION_NOT_FOUND"
	ErrCodeServiceNotFound     ErrorCode = "SERVICE_NOT_FOUND"
	ErrCodeServiceLimitReached ErrorCode = "SERVICE_LIMIT_REACHED"
	ErrCodeNoHealthyInstances  ErrorCode = "NO_HEALTHY_INSTANCES"
	ErrCodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	ErrCodeShutdownInProgress  ErrorCode = "SHUTDOWN_IN_PROGRESS"
	ErrCodeRecoveryFailed      ErrorCode = "RECOVERY_FAILED"
	ErrCodeThresholdNotFound   ErrorCode = "THRESHOLD_NOT_FOUND"
)

// ErrorCategory is the retry-relevant class of an error
type ErrorCategory string

const (
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryRateLimit   ErrorCategory = "rate_limit"
	CategoryNetwork     ErrorCategory = "network"
	CategoryServerError ErrorCategory = "server_error"
	CategoryClientError ErrorCategory = "client_error"
	CategoryValidation  ErrorCategory = "validation"
	CategoryUnknown     ErrorCategory = "unknown"
)

// AppError represents a structured, categorised integration error
type AppError struct {
	Code            ErrorCode              `json:"code"`
	Category        ErrorCategory          `json:"category"`
	Message         string                 `json:"message"`
	Retryable       bool                   `json:"retryable"`
	Timestamp       time.Time              `json:"timestamp"`
	IntegrationKind types.IntegrationKind  `json:"integration_kind,omitempty"`
	StatusCode      int                    `json:"status_code,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
	Cause           error                  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError by code
func (e *AppError) Is(target error) bool {
	var other *AppError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// WithDetail adds a detail entry to the error
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithKind tags the error with the integration kind it originated from
func (e *AppError) WithKind(kind types.IntegrationKind) *AppError {
	e.IntegrationKind = kind
	return e
}

// WithStatusCode records the upstream status code
func (e *AppError) WithStatusCode(status int) *AppError {
	e.StatusCode = status
	return e
}

// HTTPStatus maps the error onto an HTTP response status
func (e *AppError) HTTPStatus() int {
	return getHTTPStatusCode(e.Code)
}

// NewAppError creates a new error whose category follows from its code
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Category:  CategoryForCode(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewAppErrorWithCause creates a new error with an underlying cause
func NewAppErrorWithCause(code ErrorCode, message string, cause error) *AppError {
	return NewAppError(code, message).WithCause(cause)
}

// WrapError wraps an existing error with application error context
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	// If it's already an AppError, preserve it
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}

	return NewAppErrorWithCause(code, message, err)
}

// CategoryForCode returns the category implied by an error code
func CategoryForCode(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeTimeout, ErrCodeAcquireTimeout:
		return CategoryTimeout
	case ErrCodeRateLimited:
		return CategoryRateLimit
	case ErrCodeNetworkError, ErrCodeConnectionCreateFailed:
		return CategoryNetwork
	case ErrCodeServerError, ErrCodeCircuitOpen, ErrCodeNoHealthyInstances, ErrCodeRecoveryFailed:
		return CategoryServerError
	case ErrCodeClientError, ErrCodeIntegrationNotFound, ErrCodeServiceNotFound,
		ErrCodeServiceLimitReached, ErrCodeShutdownInProgress, ErrCodePoolShuttingDown:
		return CategoryClientError
	case ErrCodeValidationFailed, ErrCodeConnectionInvalid:
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}

// CodeForCategory returns the canonical code for a category
func CodeForCategory(category ErrorCategory) ErrorCode {
	switch category {
	case CategoryTimeout:
		return ErrCodeTimeout
	case CategoryRateLimit:
		return ErrCodeRateLimited
	case CategoryNetwork:
		return ErrCodeNetworkError
	case CategoryServerError:
		return ErrCodeServerError
	case CategoryClientError:
		return ErrCodeClientError
	case CategoryValidation:
		return ErrCodeValidationFailed
	default:
		return ErrCodeUnknown
	}
}

// getHTTPStatusCode maps error codes to HTTP status codes
func getHTTPStatusCode(code ErrorCode) int {
	switch code {
	case ErrCodeIntegrationNotFound, ErrCodeServiceNotFound, ErrCodeThresholdNotFound:
		return http.StatusNotFound
	case ErrCodeValidationFailed, ErrCodeConnectionInvalid, ErrCodeClientError:
		return http.StatusBadRequest
	case ErrCodeTimeout, ErrCodeAcquireTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeServiceLimitReached:
		return http.StatusConflict
	case ErrCodeNetworkError, ErrCodeCircuitOpen, ErrCodeNoHealthyInstances,
		ErrCodeShutdownInProgress, ErrCodePoolShuttingDown, ErrCodeConnectionCreateFailed:
		return http.StatusServiceUnavailable
	case ErrCodeServerError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasErrorCode checks if the error has a specific error code
func HasErrorCode(err error, code ErrorCode) bool {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code == code
	}
	return false
}

// Common error constructors

// ErrIntegrationNotFound creates an integration not found error
func ErrIntegrationNotFound(name string) *AppError {
	return NewAppError(ErrCodeIntegrationNotFound, fmt.Sprintf("integration %s not found", name))
}

// ErrServiceNotFound creates a service not found error
func ErrServiceNotFound(id string) *AppError {
	return NewAppError(ErrCodeServiceNotFound, fmt.Sprintf("service %s not found", id))
}

// ErrShutdownInProgress creates a shutdown in progress error
func ErrShutdownInProgress(component string) *AppError {
	return NewAppError(ErrCodeShutdownInProgress, fmt.Sprintf("%s is shutting down", component))
}

// ErrTimeout creates a timeout error tagged with the operation and its budget
func ErrTimeout(operation string, timeout time.Duration) *AppError {
	return NewAppError(ErrCodeTimeout, fmt.Sprintf("operation %s timed out after %v", operation, timeout)).
		WithDetail("operation", operation).
		WithDetail("timeout_ms", timeout.Milliseconds())
}

// ErrValidationFailed creates a validation failed error
func ErrValidationFailed(details string) *AppError {
	return NewAppError(ErrCodeValidationFailed, fmt.Sprintf("validation failed: %s", details))
}
