package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when the attempt budget is spent without success.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context ends while a request
	// is pending or the client is waiting to retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// rateLimitedType is the GraphQL error type GitHub uses for quota exhaustion.
const rateLimitedType = "RATE_LIMITED"

// APIError is a GraphQL error payload unrelated to rate limiting, usually a
// malformed query. It is never retried.
type APIError struct {
	Errors []GraphQLError
	// Raw is the errors member exactly as received.
	Raw json.RawMessage
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("GraphQL error: %s", string(e.Raw))
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, ge := range e.Errors {
		if ge.Type != "" {
			msgs = append(msgs, fmt.Sprintf("%s (%s)", ge.Message, ge.Type))
			continue
		}
		msgs = append(msgs, ge.Message)
	}
	return "GraphQL error: " + strings.Join(msgs, "; ")
}

// HTTPError is an unexpected status that is neither a rate limit nor a
// transient server error.
type HTTPError struct {
	StatusCode int
	Body       string
}

// maxErrorBody caps how much of a response body an error message carries.
const maxErrorBody = 512

// Error implements the error interface.
func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return fmt.Sprintf("GraphQL request failed: HTTP %d - %s", e.StatusCode, body)
}

// responseError describes a retriable outcome; it only surfaces wrapped in
// ErrRetryExhausted.
type responseError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *responseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("GitHub %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("GitHub %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *responseError) Unwrap() error {
	return e.Err
}

// shouldRetry determines if an error class is recovered inside Execute.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassRateLimit:
		return true
	case ErrorClassServer:
		return true
	case ErrorClassNetwork:
		return true
	case ErrorClassClient, ErrorClassAPI:
		return false
	default:
		return false
	}
}

// mentionsRateLimit is the textual fallback for rate limit detection.
func mentionsRateLimit(text string) bool {
	return strings.Contains(strings.ToLower(text), "rate limit")
}

// isRateLimitPayload reports whether a GraphQL errors member signals quota
// exhaustion. The structured type is checked first; the substring match on
// the raw payload covers responses that carry only a message.
func isRateLimitPayload(raw json.RawMessage, parsed []GraphQLError) bool {
	for _, ge := range parsed {
		if strings.EqualFold(ge.Type, rateLimitedType) {
			return true
		}
	}
	return mentionsRateLimit(string(raw))
}
