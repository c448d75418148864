// Package testutil provides testing utilities for the GitHub GraphQL client.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines one scripted reply of the mock server.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// RecordedRequest is what the mock server saw for one request.
type RecordedRequest struct {
	Authorization string
	ContentType   string
	Query         string
	Variables     map[string]any
}

// First returns the $first variable, or -1 when it is absent.
func (r RecordedRequest) First() int {
	v, ok := r.Variables["first"].(float64)
	if !ok {
		return -1
	}
	return int(v)
}

// After returns the $after variable; nil means it was null or absent.
func (r RecordedRequest) After() *string {
	v, ok := r.Variables["after"].(string)
	if !ok {
		return nil
	}
	return &v
}

// MockGraphQL is a scripted GraphQL server. Queued responses are served in
// order; once the queue is empty the fallback (a repository search over a
// synthetic result set) answers.
type MockGraphQL struct {
	server *httptest.Server

	mu       sync.Mutex
	queue    []MockResponse
	requests []RecordedRequest
	total    int
	remain   int
	resetAt  int64
}

// NewMockGraphQL starts a mock server whose fallback search has total
// repositories and reports a healthy quota.
func NewMockGraphQL(total int) *MockGraphQL {
	m := &MockGraphQL{
		total:   total,
		remain:  5000,
		resetAt: time.Now().Add(time.Hour).Unix(),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock server URL.
func (m *MockGraphQL) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGraphQL) Close() {
	m.server.Close()
}

// Enqueue appends scripted responses.
func (m *MockGraphQL) Enqueue(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resps...)
}

// SetQuota changes the rate limit headers sent by the fallback handler.
func (m *MockGraphQL) SetQuota(remaining int, resetEpoch int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remain = remaining
	m.resetAt = resetEpoch
}

// Requests returns a copy of every request received so far.
func (m *MockGraphQL) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of requests received so far.
func (m *MockGraphQL) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockGraphQL) handle(w http.ResponseWriter, r *http.Request) {
	rec := RecordedRequest{
		Authorization: r.Header.Get("Authorization"),
		ContentType:   r.Header.Get("Content-Type"),
	}

	body, _ := io.ReadAll(r.Body)
	var payload struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		rec.Query = payload.Query
		rec.Variables = payload.Variables
	}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	var scripted *MockResponse
	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		scripted = &next
	}
	remain, resetAt, total := m.remain, m.resetAt, m.total
	m.mu.Unlock()

	if scripted != nil {
		for k, v := range scripted.Headers {
			w.Header().Set(k, v)
		}
		if scripted.StatusCode == 0 {
			scripted.StatusCode = http.StatusOK
		}
		w.WriteHeader(scripted.StatusCode)
		_, _ = w.Write([]byte(scripted.Body))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remain))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(SearchPage(total, rec.First(), rec.After())))
}

// SearchPage renders a search response over repositories 0..total-1 using
// cursors of the form "cursor:<offset>".
func SearchPage(total, first int, after *string) string {
	offset := 0
	if after != nil {
		_, _ = fmt.Sscanf(*after, "cursor:%d", &offset)
	}
	if first < 0 {
		first = 0
	}
	end := min(offset+first, total)

	nodes := make([]string, 0, max(end-offset, 0))
	for i := offset; i < end; i++ {
		nodes = append(nodes, RepositoryNode(i))
	}

	return fmt.Sprintf(`{"data":{"search":{"pageInfo":{"hasNextPage":%t,"endCursor":"cursor:%d"},"nodes":[%s]}}}`,
		end < total, end, strings.Join(nodes, ","))
}

// RepositoryNode renders a repository node numbered i.
func RepositoryNode(i int) string {
	return fmt.Sprintf(`{"nameWithOwner":"owner/repo-%d","url":"https://github.com/owner/repo-%d","stargazerCount":%d,`+
		`"createdAt":"2015-01-01T00:00:00Z","pushedAt":"2024-01-01T00:00:00Z","primaryLanguage":{"name":"Go"},`+
		`"pullRequests":{"totalCount":%d},"releases":{"totalCount":3},"totalIssues":{"totalCount":10},"closedIssues":{"totalCount":8}}`,
		i, i, 100000-i, i*2)
}

// OK builds a 200 response with the given body and quota headers.
func OK(body string, remaining int, resetEpoch int64) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type":          "application/json",
			"X-RateLimit-Remaining": strconv.Itoa(remaining),
			"X-RateLimit-Reset":     strconv.FormatInt(resetEpoch, 10),
		},
	}
}

// RateLimited builds a 429 response with the given reset time.
func RateLimited(resetEpoch int64) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message":"API rate limit exceeded"}`,
		Headers: map[string]string{
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     strconv.FormatInt(resetEpoch, 10),
		},
	}
}

// Status builds a bare response with the given status and body.
func Status(code int, body string) MockResponse {
	return MockResponse{StatusCode: code, Body: body}
}

// GraphQLErrors builds a 200 response carrying an errors member.
func GraphQLErrors(errorsJSON string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       fmt.Sprintf(`{"data":null,"errors":%s}`, errorsJSON),
		Headers: map[string]string{
			"Content-Type":          "application/json",
			"X-RateLimit-Remaining": "4000",
		},
	}
}
