// Package client provides the GitHub GraphQL client with credential
// rotation, rate limit handling, transient error retry and pagination.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/gh-repo-collector/pkg/credentials"
	"github.com/Sternrassler/gh-repo-collector/pkg/logging"
	"github.com/Sternrassler/gh-repo-collector/pkg/pagination"
	"github.com/Sternrassler/gh-repo-collector/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for GitHub client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_requests_total",
		Help: "Total GraphQL requests by HTTP status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "github_request_duration_seconds",
		Help:    "GraphQL request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_errors_total",
		Help: "Total GraphQL request errors by class",
	}, []string{"class"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "github_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{1, 5, 10, 20, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_retry_exhausted_total",
		Help: "Total number of times the attempt budget was exhausted by last error class",
	}, []string{"error_class"})
)

// ErrorClass represents a classification of request outcomes.
type ErrorClass string

const (
	// ErrorClassClient represents unexpected non-retriable HTTP statuses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 500/502/503/504 responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 403/429 responses and rate limit payloads.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAPI represents GraphQL errors in a 200 response.
	ErrorClassAPI ErrorClass = "api"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// Config holds the client configuration.
type Config struct {
	// Endpoint is the GraphQL URL.
	Endpoint string

	// SearchQuery is the search expression passed as $searchQuery.
	SearchQuery string

	// PageSize is the preferred number of repositories per request (1..100).
	PageSize int

	// PageDelay is the courtesy pause between pages.
	PageDelay time.Duration

	// RequestTimeout bounds a single attempt, body read included.
	RequestTimeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultConfig returns the configuration used against api.github.com.
func DefaultConfig() Config {
	return Config{
		Endpoint:       DefaultEndpoint,
		SearchQuery:    DefaultSearchQuery,
		PageSize:       10,
		PageDelay:      1 * time.Second,
		RequestTimeout: 120 * time.Second,
		UserAgent:      "gh-repo-collector/0.1.0",
	}
}

// Client is the GitHub GraphQL client.
type Client struct {
	httpClient *http.Client
	rotator    *credentials.Rotator
	tracker    *ratelimit.Tracker
	pager      *pagination.Pager
	config     Config
	logger     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client (for testing or custom transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTracker sets the rate limit tracker. By default quotas are kept in memory.
func WithTracker(t *ratelimit.Tracker) Option {
	return func(c *Client) {
		c.tracker = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSleeper replaces the function used for backoff and inter-page waits.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// WithClock replaces the clock used to timestamp rate limit observations.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a new GitHub client.
func New(cfg Config, rotator *credentials.Rotator, opts ...Option) (*Client, error) {
	if rotator == nil {
		return nil, fmt.Errorf("credential rotator is required")
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	if cfg.SearchQuery == "" {
		return nil, fmt.Errorf("search query is required")
	}

	if cfg.PageSize < 1 || cfg.PageSize > pagination.MaxPageSize {
		return nil, fmt.Errorf("page_size must be between 1 and %d (got %d)", pagination.MaxPageSize, cfg.PageSize)
	}

	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request_timeout must be positive (got %s)", cfg.RequestTimeout)
	}

	logger := logging.NewLogger("github-client")

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		rotator: rotator,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		sleep:   credentials.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.tracker == nil {
		c.tracker = ratelimit.NewTracker(nil, c.logger)
	}

	c.pager = pagination.NewPager(c, pagination.Config{
		PageSize: cfg.PageSize,
		Delay:    cfg.PageDelay,
	}, pagination.WithSleeper(c.sleep), pagination.WithLogger(c.logger))

	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.config
}

// Rotator returns the credential rotator (for inspection in tests and logs).
func (c *Client) Rotator() *credentials.Rotator {
	return c.rotator
}

// FetchTop collects up to limit repositories in API order. On a fatal error
// the repositories collected before it are returned together with the error.
func (c *Client) FetchTop(ctx context.Context, limit int) ([]pagination.RawRecord, error) {
	return c.pager.Collect(ctx, limit)
}

// FetchPage runs the search query for one page. It implements
// pagination.PageFetcher.
func (c *Client) FetchPage(ctx context.Context, req pagination.PageRequest) (*pagination.Page, error) {
	variables := map[string]any{
		VarSearchQuery: c.config.SearchQuery,
		VarFirst:       req.Size,
		VarAfter:       req.After,
	}

	data, err := c.Execute(ctx, SearchRepositoriesQuery, variables)
	if err != nil {
		return nil, err
	}

	var sd searchData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("decode search data: %w", err)
	}

	page := &pagination.Page{
		Records:     make([]pagination.RawRecord, 0, len(sd.Search.Nodes)),
		HasNextPage: sd.Search.PageInfo.HasNextPage,
		EndCursor:   sd.Search.PageInfo.EndCursor,
	}
	for _, node := range sd.Search.Nodes {
		if isNullRecord(node) {
			continue
		}
		page.Records = append(page.Records, node)
	}

	return page, nil
}

// response is what one attempt brought back.
type response struct {
	statusCode int
	header     http.Header
	body       []byte
}

// Execute posts a GraphQL query and returns its data member, recovering from
// rate limiting (by rotating credentials and, once every credential is spent,
// waiting for the reset) and from transient server errors (by linear
// backoff). GraphQL errors and unexpected statuses fail immediately.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	maxAttempts := AttemptBudget(c.rotator.Count())
	var lastErr error
	var lastClass ErrorClass

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		credential := c.rotator.Fingerprint()
		resp, err := c.do(ctx, body)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctxErr)
			}
			lastClass = ErrorClassNetwork
			lastErr = &responseError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
			errorsTotal.WithLabelValues(string(lastClass)).Inc()
			requestsTotal.WithLabelValues("network_error").Inc()

			c.logger.Warn().Err(err).Int(logging.FieldAttempt, attempt).Msg("GraphQL request failed")

			if attempt < maxAttempts {
				if err := c.waitBeforeRetry(ctx, lastClass, attempt, ServerBackoff(attempt)); err != nil {
					return nil, err
				}
			}
			continue
		}

		requestsTotal.WithLabelValues(strconv.Itoa(resp.statusCode)).Inc()

		quota, perr := ratelimit.ParseHeaders(resp.header, c.now())
		if perr != nil {
			c.logger.Warn().Err(perr).Str(logging.FieldCredential, credential).Msg("Unreadable rate limit headers")
		}
		if err := c.tracker.Record(ctx, credential, quota); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record rate limit state")
		}

		class, data, err := c.classify(resp, quota)
		switch {
		case err == nil && class == "":
			if attempt > 1 {
				c.logger.Info().Int(logging.FieldAttempt, attempt).Msg("Request succeeded after retry")
			}
			return data, nil

		case !shouldRetry(class):
			errorsTotal.WithLabelValues(string(class)).Inc()
			c.logger.Error().
				Err(err).
				Int(logging.FieldStatus, resp.statusCode).
				Str(logging.FieldErrorClass, string(class)).
				Msg("GraphQL request failed permanently")
			return nil, err
		}

		lastClass, lastErr = class, err
		errorsTotal.WithLabelValues(string(class)).Inc()

		switch class {
		case ErrorClassRateLimit:
			if err := c.handleRateLimit(ctx, credential, quota, attempt, maxAttempts); err != nil {
				return nil, err
			}
		case ErrorClassServer:
			c.logger.Warn().
				Int(logging.FieldStatus, resp.statusCode).
				Int(logging.FieldAttempt, attempt).
				Int("max_attempts", maxAttempts).
				Msg("Transient server error")
			if attempt < maxAttempts {
				if err := c.waitBeforeRetry(ctx, class, attempt, ServerBackoff(attempt)); err != nil {
					return nil, err
				}
			}
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	c.logger.Error().
		Str(logging.FieldErrorClass, string(lastClass)).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, maxAttempts, lastErr)
}

// classify maps a response to its outcome. A successful response returns an
// empty class and the data member; every other outcome returns a class and an
// error describing it.
func (c *Client) classify(resp *response, quota ratelimit.Quota) (ErrorClass, json.RawMessage, error) {
	status := resp.statusCode

	if status == http.StatusOK {
		var payload graphQLResponse
		if err := json.Unmarshal(resp.body, &payload); err != nil {
			return ErrorClassClient, nil, fmt.Errorf("decode GraphQL response: %w", err)
		}

		if payload.hasErrors() {
			var parsed []GraphQLError
			// An errors member that is not a list of objects is still an error.
			_ = json.Unmarshal(payload.Errors, &parsed)

			if isRateLimitPayload(payload.Errors, parsed) {
				return ErrorClassRateLimit, nil, &responseError{
					StatusCode: status,
					ErrorClass: ErrorClassRateLimit,
					Message:    "rate limited (GraphQL errors)",
				}
			}
			return ErrorClassAPI, nil, &APIError{Errors: parsed, Raw: payload.Errors}
		}

		if quota.Low() {
			c.logger.Info().
				Str(logging.FieldCredential, c.rotator.Fingerprint()).
				Int(logging.FieldRemaining, quota.Remaining).
				Msg("Credential quota low, rotating before next request")
			c.rotator.Rotate(credentials.ReasonLowQuota)
		}
		return "", payload.Data, nil
	}

	if status == http.StatusForbidden || status == http.StatusTooManyRequests || mentionsRateLimit(string(resp.body)) {
		return ErrorClassRateLimit, nil, &responseError{
			StatusCode: status,
			ErrorClass: ErrorClassRateLimit,
			Message:    http.StatusText(status),
		}
	}

	if transientStatuses[status] {
		return ErrorClassServer, nil, &responseError{
			StatusCode: status,
			ErrorClass: ErrorClassServer,
			Message:    http.StatusText(status),
		}
	}

	return ErrorClassClient, nil, &HTTPError{StatusCode: status, Body: string(resp.body)}
}

// handleRateLimit rotates away from the exhausted credential. When rotation
// wraps to the first credential and the reset time is known, every credential
// is assumed exhausted and the call blocks until the reset.
func (c *Client) handleRateLimit(ctx context.Context, credential string, quota ratelimit.Quota, attempt, maxAttempts int) error {
	wrapped := c.rotator.Rotate(credentials.ReasonRateLimited)
	retriesTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()

	c.logger.Warn().
		Str(logging.FieldCredential, credential).
		Str("next_credential", c.rotator.Fingerprint()).
		Int(logging.FieldAttempt, attempt).
		Int("max_attempts", maxAttempts).
		Bool("wrapped", wrapped).
		Msg("Rate limited, rotating credential")

	if !wrapped || !quota.ResetKnown() || attempt >= maxAttempts {
		return nil
	}

	if err := c.rotator.WaitForReset(ctx, quota.ResetEpoch); err != nil {
		return fmt.Errorf("%w: %w", ErrContextCancelled, err)
	}
	return nil
}

// do performs one HTTP attempt and reads the whole body.
func (c *Client) do(ctx context.Context, body []byte) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.rotator.Apply(req)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().
		Str(logging.FieldCredential, c.rotator.Fingerprint()).
		Int("body_bytes", len(body)).
		Msg("Executing GraphQL request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &response{
		statusCode: resp.StatusCode,
		header:     resp.Header,
		body:       data,
	}, nil
}

// IsRetryExhausted reports whether err came from a spent attempt budget.
func IsRetryExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}
