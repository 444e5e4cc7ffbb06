package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the "type" field of an OpenAI-style error body.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	ErrorTypeAuthentication ErrorType = "authentication_error"
	ErrorTypeNotFound       ErrorType = "not_found_error"
	ErrorTypeRateLimit      ErrorType = "rate_limit_error"
	ErrorTypeServerError    ErrorType = "server_error"
)

// ErrorBody is the inner object of an OpenAI-style error response. It is
// also what a server sends in an in-stream error frame.
type ErrorBody struct {
	Message string    `json:"message"`
	Type    ErrorType `json:"type,omitempty"`
	Param   string    `json:"param,omitempty"`
	Code    any       `json:"code,omitempty"`
}

// UnmarshalJSON accepts either the error object or a bare string, which
// some gateways send as {"error":"upstream failed"}.
func (b *ErrorBody) UnmarshalJSON(data []byte) error {
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil {
		*b = ErrorBody{Message: msg}
		return nil
	}

	type plain ErrorBody
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*b = ErrorBody(p)
	return nil
}

// ErrorResponse wraps an ErrorBody for JSON serialization as the top-level
// error response.
type ErrorResponse struct {
	Error *ErrorBody `json:"error"`
}

// CodeString returns the error code as a string. Servers send it either as
// a string, a number, or null.
func (b *ErrorBody) CodeString() string {
	if b == nil || b.Code == nil {
		return ""
	}
	switch v := b.Code.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}

// AuthError reports that the server rejected the credential (HTTP 401 or
// 403). It is never worth retrying with the same key.
type AuthError struct {
	StatusCode int
	Message    string
	// Body is the raw response body, truncated.
	Body string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// APIError reports any non-2xx response other than an authentication
// failure.
type APIError struct {
	StatusCode int
	Type       ErrorType
	Code       string
	Param      string
	Message    string
	// Body is the raw response body, truncated.
	Body string
}

func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("api error (HTTP %d): %s (param: %s)", e.StatusCode, e.Message, e.Param)
	}
	return fmt.Sprintf("api error (HTTP %d): %s", e.StatusCode, e.Message)
}

// TransportError reports a request that never produced an HTTP response:
// connection refused, DNS or TLS failures, timeouts, and cancellation of
// the caller's context.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StreamInterruptedError reports a stream that ended abnormally after the
// server accepted it. Partial holds the content yielded before the failure.
// The cause is either a read error or an *APIError from an in-stream error
// frame.
type StreamInterruptedError struct {
	Partial string
	Err     error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream interrupted after %d bytes of content: %v", len(e.Partial), e.Err)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Err }

// InvalidRequestError reports a request rejected before it was sent.
type InvalidRequestError struct {
	Param   string
	Message string
}

func (e *InvalidRequestError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("invalid request: %s (param: %s)", e.Message, e.Param)
	}
	return "invalid request: " + e.Message
}

// NewInvalidRequestError creates an InvalidRequestError for the given parameter.
func NewInvalidRequestError(param, message string) *InvalidRequestError {
	return &InvalidRequestError{Param: param, Message: message}
}

// IsRetryable reports whether a caller may reasonably retry the request
// that produced err. The client itself never retries.
//
// Transport failures are retryable unless the caller cancelled the context.
// API errors are retryable for 408, 409, 429 and 5xx statuses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return !errors.Is(te.Err, context.Canceled)
	}

	var ae *APIError
	if errors.As(err, &ae) {
		switch {
		case ae.StatusCode == http.StatusRequestTimeout,
			ae.StatusCode == http.StatusConflict,
			ae.StatusCode == http.StatusTooManyRequests,
			ae.StatusCode >= http.StatusInternalServerError:
			return true
		}
	}

	return false
}
