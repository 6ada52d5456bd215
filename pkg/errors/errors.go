package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType classifies errors the way clients observe them
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeRejected       ErrorType = "rejected"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeTransient      ErrorType = "transient"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"status_code"`
	Internal   error                  `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Internal.Error())
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Internal
}

// NewValidationError creates a new validation error
func NewValidationError(message string, details map[string]interface{}) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// NewAuthenticationError is returned for actions attempted without a signed-in user
func NewAuthenticationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewRejectedError carries a business rejection from the remote API. The message is shown verbatim.
func NewRejectedError(message string, internal error) *AppError {
	return &AppError{
		Type:       ErrorTypeRejected,
		Message:    message,
		StatusCode: http.StatusConflict,
		Internal:   internal,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewTransientError marks a recoverable fetch failure; callers keep prior state and retry later
func NewTransientError(message string, internal error) *AppError {
	return &AppError{
		Type:       ErrorTypeTransient,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Internal:   internal,
	}
}

// NewInternalError creates a new internal server error
func NewInternalError(message string, internal error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   internal,
	}
}

// NewExternalError creates a new external service error
func NewExternalError(message string, internal error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Internal:   internal,
	}
}

// As extracts an *AppError from err, if any
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType reports whether err is an *AppError of the given type
func IsType(err error, t ErrorType) bool {
	appErr, ok := As(err)
	return ok && appErr.Type == t
}

// ErrorResponse represents the JSON error response
type ErrorResponse struct {
	Success bool `json:"success"`
	Error   struct {
		Type      ErrorType              `json:"type"`
		Message   string                 `json:"message"`
		Details   map[string]interface{} `json:"details,omitempty"`
		RequestID string                 `json:"request_id,omitempty"`
		Timestamp string                 `json:"timestamp"`
	} `json:"error"`
}

// NewErrorResponse builds the response body for appErr
func NewErrorResponse(appErr *AppError, requestID string) *ErrorResponse {
	response := &ErrorResponse{}
	response.Error.Type = appErr.Type
	response.Error.Message = appErr.Message
	response.Error.Details = appErr.Details
	response.Error.RequestID = requestID
	response.Error.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return response
}
