package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{name: "client error should not retry", errorClass: ErrorClassClient, expected: false},
		{name: "api error should not retry", errorClass: ErrorClassAPI, expected: false},
		{name: "server error should retry", errorClass: ErrorClassServer, expected: true},
		{name: "rate limit should retry", errorClass: ErrorClassRateLimit, expected: true},
		{name: "network error should retry", errorClass: ErrorClassNetwork, expected: true},
		{name: "empty error class should not retry", errorClass: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := shouldRetry(tt.errorClass)
			if result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
			}
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "single message",
			err:      &APIError{Errors: []GraphQLError{{Message: "Bad syntax"}}},
			expected: "GraphQL error: Bad syntax",
		},
		{
			name: "messages with types",
			err: &APIError{Errors: []GraphQLError{
				{Message: "Field 'x' doesn't exist", Type: "undefinedField"},
				{Message: "Could not resolve", Type: "NOT_FOUND"},
			}},
			expected: "GraphQL error: Field 'x' doesn't exist (undefinedField); Could not resolve (NOT_FOUND)",
		},
		{
			name:     "unparsed payload",
			err:      &APIError{Raw: json.RawMessage(`"boom"`)},
			expected: `GraphQL error: "boom"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestHTTPError_Error(t *testing.T) {
	err := &HTTPError{StatusCode: 401, Body: `{"message":"Bad credentials"}`}
	want := `GraphQL request failed: HTTP 401 - {"message":"Bad credentials"}`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	long := &HTTPError{StatusCode: 400, Body: strings.Repeat("x", 2000)}
	if got := long.Error(); !strings.HasSuffix(got, "...") || len(got) > 600 {
		t.Errorf("long body not truncated: len=%d", len(got))
	}
}

func TestResponseError_Unwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := &responseError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}

	wrapped := fmt.Errorf("%w after 5 attempts: %w", ErrRetryExhausted, err)
	var re *responseError
	if !errors.As(wrapped, &re) {
		t.Fatal("errors.As should find responseError")
	}
	if re.ErrorClass != ErrorClassNetwork {
		t.Errorf("ErrorClass = %q, want %q", re.ErrorClass, ErrorClassNetwork)
	}
	if !IsRetryExhausted(wrapped) {
		t.Error("IsRetryExhausted() = false, want true")
	}
}

func TestMentionsRateLimit(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{text: "API rate limit exceeded for user", want: true},
		{text: "You have exceeded a secondary RATE LIMIT", want: true},
		{text: "Bad credentials", want: false},
		{text: "", want: false},
	}

	for _, tt := range tests {
		if got := mentionsRateLimit(tt.text); got != tt.want {
			t.Errorf("mentionsRateLimit(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestIsRateLimitPayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{name: "structured type", raw: `[{"type":"RATE_LIMITED","message":"quota spent"}]`, want: true},
		{name: "message only", raw: `[{"message":"API rate limit exceeded"}]`, want: true},
		{name: "unrelated error", raw: `[{"type":"NOT_FOUND","message":"Could not resolve"}]`, want: false},
		{name: "syntax error", raw: `[{"message":"Bad syntax"}]`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var parsed []GraphQLError
			if err := json.Unmarshal([]byte(tt.raw), &parsed); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := isRateLimitPayload(json.RawMessage(tt.raw), parsed); got != tt.want {
				t.Errorf("isRateLimitPayload() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGraphQLResponse_HasErrors(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{`{"data":{"search":{}}}`, false},
		{`{"data":{"search":{}},"errors":null}`, false},
		{`{"data":null,"errors":[]}`, true},
		{`{"data":null,"errors":[{"message":"boom"}]}`, true},
		{`{"data":null,"errors":"boom"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			var resp graphQLResponse
			if err := json.Unmarshal([]byte(tt.body), &resp); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got := resp.hasErrors(); got != tt.want {
				t.Errorf("hasErrors() = %v, want %v", got, tt.want)
			}
		})
	}
}
