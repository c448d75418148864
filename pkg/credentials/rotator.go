// Package credentials holds the set of GitHub tokens used by the collector and
// rotates through them when one runs out of quota.
package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// ErrNoCredentials is returned when no usable token remains after trimming.
var ErrNoCredentials = errors.New("no credentials configured: set GITHUB_TOKEN or GITHUB_TOKENS")

// resetSkew is added to every reset wait to absorb clock drift against the API.
const resetSkew = 2 * time.Second

var (
	rotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_credential_rotations_total",
		Help: "Credential rotations by reason",
	}, []string{"reason"})

	resetWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "github_rate_limit_waits_total",
		Help: "Number of times every credential was exhausted and the collector waited for a reset",
	})

	resetWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "github_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a rate limit reset",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600},
	})
)

// Rotation reasons used as metric labels.
const (
	ReasonRateLimited = "rate_limited"
	ReasonLowQuota    = "low_quota"
)

// Rotator owns an ordered, non-empty token list and a cursor into it.
//
// A Rotator is not safe for concurrent use; it belongs to the single goroutine
// issuing requests.
type Rotator struct {
	tokens []*oauth2.Token
	index  int

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger zerolog.Logger
}

// Option customizes a Rotator.
type Option func(*Rotator)

// WithClock replaces the wall clock and the sleep used by WaitForReset.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Rotator) {
		if now != nil {
			r.now = now
		}
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// WithLogger sets the logger used for wait and rotation events.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Rotator) {
		r.logger = logger
	}
}

// New builds a Rotator from raw token strings. Blank entries are dropped.
func New(tokens []string, opts ...Option) (*Rotator, error) {
	cleaned := make([]*oauth2.Token, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		cleaned = append(cleaned, &oauth2.Token{AccessToken: t, TokenType: "Bearer"})
	}
	if len(cleaned) == 0 {
		return nil, ErrNoCredentials
	}

	r := &Rotator{
		tokens: cleaned,
		now:    time.Now,
		sleep:  Sleep,
		logger: log.With().Str("component", "credentials").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Count returns the number of usable credentials.
func (r *Rotator) Count() int {
	return len(r.tokens)
}

// Index returns the position of the active credential.
func (r *Rotator) Index() int {
	return r.index
}

// Current returns the active token.
func (r *Rotator) Current() string {
	return r.tokens[r.index].AccessToken
}

// Fingerprint identifies the active credential without revealing it.
func (r *Rotator) Fingerprint() string {
	return Fingerprint(r.Current())
}

// Advance moves to the next credential, wrapping after the last one.
func (r *Rotator) Advance() {
	r.index = (r.index + 1) % len(r.tokens)
}

// Rotate advances and records why. It reports whether the cursor wrapped back
// to the first credential, which callers treat as "every credential has been
// tried since the last success". That is a heuristic: a run that starts failing
// mid-list reaches index 0 before it has tried every token.
func (r *Rotator) Rotate(reason string) bool {
	from := r.Fingerprint()
	r.Advance()
	rotationsTotal.WithLabelValues(reason).Inc()

	r.logger.Debug().
		Str("from", from).
		Str("to", r.Fingerprint()).
		Str("reason", reason).
		Int("index", r.index).
		Msg("Rotated credential")

	return r.Wrapped()
}

// Wrapped reports whether the cursor is back at the first credential.
func (r *Rotator) Wrapped() bool {
	return r.index == 0
}

// AuthHeaders returns the bearer authorization and JSON content type headers
// for the active credential.
func (r *Rotator) AuthHeaders() http.Header {
	tok := r.tokens[r.index]
	h := http.Header{}
	h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	h.Set("Content-Type", "application/json")
	return h
}

// Apply sets AuthHeaders on req.
func (r *Rotator) Apply(req *http.Request) {
	for k, v := range r.AuthHeaders() {
		req.Header[k] = v
	}
}

// ResetWait is how long to block for a reset at resetEpoch (Unix seconds):
// max(1s, reset - now + 2s), truncated to whole seconds.
func ResetWait(resetEpoch int64, now time.Time) time.Duration {
	secs := resetEpoch - now.Unix() + int64(resetSkew/time.Second)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// WaitForReset blocks until the rate limit window ending at resetEpoch is
// over. It returns ctx.Err() if the context ends first.
func (r *Rotator) WaitForReset(ctx context.Context, resetEpoch int64) error {
	wait := ResetWait(resetEpoch, r.now())

	r.logger.Warn().
		Int("credentials", len(r.tokens)).
		Dur("wait", wait).
		Time("reset_at", time.Unix(resetEpoch, 0)).
		Msg("All credentials exhausted, waiting for rate limit reset")

	resetWaitsTotal.Inc()
	resetWaitSeconds.Observe(wait.Seconds())

	return r.sleep(ctx, wait)
}

// Fingerprint returns a short non-reversible identifier for a token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
