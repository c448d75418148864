package client

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/gh-repo-collector/pkg/logging"
)

// Attempt budget: at least MinAttempts, and AttemptsPerCredential tries for
// every credential so a full rotation cycle fits in one Execute call.
const (
	MinAttempts           = 5
	AttemptsPerCredential = 3
)

// Linear backoff for transient server errors: base + attempt*step.
const (
	serverBackoffBase = 5 * time.Second
	serverBackoffStep = 2 * time.Second
)

// transientStatuses are retried without changing credentials.
var transientStatuses = map[int]bool{
	500: true,
	502: true,
	503: true,
	504: true,
}

// AttemptBudget returns max(MinAttempts, credentials*AttemptsPerCredential).
func AttemptBudget(credentials int) int {
	return max(MinAttempts, credentials*AttemptsPerCredential)
}

// ServerBackoff returns the wait after the given 1-based failed attempt.
func ServerBackoff(attempt int) time.Duration {
	return serverBackoffBase + time.Duration(attempt)*serverBackoffStep
}

// waitBeforeRetry sleeps for d unless ctx ends first.
func (c *Client) waitBeforeRetry(ctx context.Context, errorClass ErrorClass, attempt int, d time.Duration) error {
	retriesTotal.WithLabelValues(string(errorClass)).Inc()
	retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(d.Seconds())

	c.logger.Warn().
		Str(logging.FieldErrorClass, string(errorClass)).
		Int(logging.FieldAttempt, attempt).
		Dur("backoff", d).
		Msg("Retrying request after backoff")

	if err := c.sleep(ctx, d); err != nil {
		c.logger.Warn().
			Str(logging.FieldErrorClass, string(errorClass)).
			Int(logging.FieldAttempt, attempt).
			Msg("Context cancelled during retry backoff")
		return fmt.Errorf("%w: %w", ErrContextCancelled, err)
	}
	return nil
}
