package domain

import (
	"errors"
	"net/http"
)

// Common domain errors
var (
	ErrParamFormat      = errors.New("request parameter format is invalid")
	ErrUnauthorized     = errors.New("authentication required")
	ErrForbidden        = errors.New("request rejected by policy")
	ErrMethodNotAllowed = errors.New("request method not allowed")
	ErrTooManyRequests  = errors.New("request rate limit exceeded")
)

// ErrorCode is the machine-readable result code carried in every API response body.
type ErrorCode int

// Result codes understood by API clients.
const (
	CodeOK               ErrorCode = 0
	CodeAPIError         ErrorCode = 40000
	CodeUnauthorized     ErrorCode = 40100
	CodeForbidden        ErrorCode = 40300
	CodeMethodNotAllowed ErrorCode = 40500
	CodeTooManyRequests  ErrorCode = 42900
	CodeSystemError      ErrorCode = 50000
)

// HTTPStatus maps a result code onto the HTTP status used for the response.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeOK:
		return http.StatusOK
	case CodeAPIError:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// APIError describes a recoverable business error. Key is stable and
// machine-readable, Message is safe to show to clients.
type APIError struct {
	Key     string
	Message string
}

// Predefined API errors.
var (
	APIErrParamFormat  = APIError{Key: "PARAM_FORMAT_REQ_ERROR", Message: "request parameter format error"}
	APIErrMissingToken = APIError{Key: "TOKEN_REQUIRED", Message: "authorization token is required"}
	APIErrRateLimited  = APIError{Key: "TOO_MANY_REQUESTS", Message: "too many requests"}
	APIErrMethod       = APIError{Key: "METHOD_NOT_ALLOWED", Message: "request method not allowed"}
	APIErrForbidden    = APIError{Key: "REQUEST_FORBIDDEN", Message: "request rejected by policy"}
	APIErrSystem       = APIError{Key: "SYSTEM_ERROR", Message: "internal server error"}
)

// ExceptionKey marks responses produced from a reported Exception.
const ExceptionKey = "EXCEPTION"

// FieldCheckKey marks API errors produced by a request body's field check.
const FieldCheckKey = "FIELD_CHECK_ERROR"

// FieldCheckError wraps the message returned by a failed field check.
func FieldCheckError(message string) APIError {
	return APIError{Key: FieldCheckKey, Message: message}
}

// ErrorResponse defines the standard JSON body returned by every endpoint.
// TraceID should carry the current OpenTelemetry trace identifier when available.
type ErrorResponse struct {
	Code      ErrorCode `json:"code"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message"`
	Data      any       `json:"data"`
	RequestID string    `json:"request_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
}
