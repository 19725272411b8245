// Package errors defines the failure taxonomy shared by every upstream
// boundary and the HTTP surface.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a failure kind.
type ErrorCode string

const (
	CodeNetwork             ErrorCode = "NETWORK_ERROR"
	CodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeMalformedResponse   ErrorCode = "MALFORMED_RESPONSE"
	CodeAuthentication      ErrorCode = "AUTHENTICATION_ERROR"
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is a classified failure with a user-facing message.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches another ServiceError by code, so errors.Is(err, &ServiceError{Code: CodeNotFound}) works.
func (e *ServiceError) Is(target error) bool {
	var t *ServiceError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetails attaches a detail and returns the same error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Retryable reports whether a later attempt can reasonably succeed.
func (e *ServiceError) Retryable() bool {
	switch e.Code {
	case CodeNetwork, CodeUpstreamUnavailable, CodeRateLimited:
		return true
	default:
		return false
	}
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// =============================================================================
// Constructors
// =============================================================================

// Network reports that no response was received, including timeouts.
func Network(provider string, err error) *ServiceError {
	return newError(CodeNetwork, http.StatusBadGateway,
		"Network error. Please check your connection.", err).WithDetails("provider", provider)
}

// UpstreamUnavailable reports a 5xx or otherwise unusable upstream answer.
func UpstreamUnavailable(provider string, status int) *ServiceError {
	name := provider
	if name == "" {
		name = "Upstream"
	}
	return newError(CodeUpstreamUnavailable, http.StatusServiceUnavailable,
		fmt.Sprintf("%s service is temporarily unavailable.", name), nil).
		WithDetails("provider", provider).WithDetails("status", status)
}

// RateLimited reports an upstream 429.
func RateLimited(provider string) *ServiceError {
	return newError(CodeRateLimited, http.StatusTooManyRequests,
		"Rate limit exceeded. Please try again later.", nil).WithDetails("provider", provider)
}

// RateLimitExceeded reports an inbound request rejected by the API limiter.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimited, http.StatusTooManyRequests,
		"Rate limit exceeded. Please try again later.", nil).
		WithDetails("limit", limit).WithDetails("window", window)
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *ServiceError {
	msg := "Resource not found."
	switch resource {
	case "coin":
		msg = "Coin not found."
	case "poll":
		msg = "Poll not found."
	case "":
	default:
		msg = fmt.Sprintf("%s not found.", resource)
	}
	e := newError(CodeNotFound, http.StatusNotFound, msg, nil)
	if id != "" {
		e.WithDetails("id", id)
	}
	return e
}

// Malformed reports an upstream payload that does not satisfy the expected shape.
func Malformed(provider, field, reason string) *ServiceError {
	return newError(CodeMalformedResponse, http.StatusBadGateway,
		"Received an invalid response from the data provider.", nil).
		WithDetails("provider", provider).WithDetails("field", field).WithDetails("reason", reason)
}

// Unauthorized reports missing or rejected credentials.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Authentication required."
	}
	return newError(CodeAuthentication, http.StatusUnauthorized, message, nil)
}

// InvalidToken reports a bearer token that failed verification.
func InvalidToken(err error) *ServiceError {
	return newError(CodeAuthentication, http.StatusUnauthorized, "Invalid or expired session token.", err)
}

// InvalidAPIKey reports that an upstream rejected our configured credentials.
func InvalidAPIKey(provider string) *ServiceError {
	return newError(CodeAuthentication, http.StatusBadGateway,
		fmt.Sprintf("Invalid API key. Please check your %s configuration.", provider), nil).
		WithDetails("provider", provider)
}

// Validation reports caller input rejected before any network call.
func Validation(field, message string) *ServiceError {
	return newError(CodeValidation, http.StatusBadRequest, message, nil).WithDetails("field", field)
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// =============================================================================
// Inspection
// =============================================================================

// GetServiceError extracts a ServiceError from err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// CodeOf returns the code of err, or CodeInternal when err is unclassified.
func CodeOf(err error) ErrorCode {
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

// Message returns the user-facing message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if se := GetServiceError(err); se != nil {
		return se.Message
	}
	return "An unexpected error occurred."
}
