// Package ratelimit parses GitHub's rate limit headers and tracks the last
// known quota of every credential. It reads X-RateLimit-Remaining and
// X-RateLimit-Reset from each API response.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response headers carrying rate limit telemetry.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Defaults applied when a header is absent or unreadable.
const (
	// DefaultRemaining assumes the credential is nearly spent, so a response
	// without telemetry still triggers a proactive rotation.
	DefaultRemaining = 1

	// DefaultResetEpoch means "reset time unknown".
	DefaultResetEpoch int64 = 0
)

// LowQuotaThreshold is the remaining count at or below which the active
// credential is rotated before the next request.
const LowQuotaThreshold = 1

// Quota is the rate limit state reported for one credential by one response.
type Quota struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetEpoch is the Unix time (seconds) when the window resets. Zero means unknown.
	ResetEpoch int64 `json:"reset_epoch"`

	// ObservedAt is when the response carrying this quota was received.
	ObservedAt time.Time `json:"observed_at"`
}

// ParseHeaders reads the quota from response headers. Missing headers fall
// back to the defaults; malformed ones also fall back but are reported in err,
// so callers may log and carry on with the returned quota.
func ParseHeaders(h http.Header, now time.Time) (Quota, error) {
	q := Quota{
		Remaining:  DefaultRemaining,
		ResetEpoch: DefaultResetEpoch,
		ObservedAt: now,
	}

	var errs []string

	if v := strings.TrimSpace(h.Get(HeaderRemaining)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("parse %s header %q: %v", HeaderRemaining, v, err))
		} else {
			q.Remaining = n
		}
	}

	if v := strings.TrimSpace(h.Get(HeaderReset)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("parse %s header %q: %v", HeaderReset, v, err))
		} else {
			q.ResetEpoch = n
		}
	}

	if len(errs) > 0 {
		return q, fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return q, nil
}

// Low reports whether the credential should be rotated away from before the
// next request.
func (q Quota) Low() bool {
	return q.Remaining <= LowQuotaThreshold
}

// ResetKnown reports whether the response carried a reset time.
func (q Quota) ResetKnown() bool {
	return q.ResetEpoch > 0
}

// ResetAt returns the reset time, or the zero time when unknown.
func (q Quota) ResetAt() time.Time {
	if !q.ResetKnown() {
		return time.Time{}
	}
	return time.Unix(q.ResetEpoch, 0)
}

// TimeUntilReset returns the duration from now until the reset.
// Returns 0 if the reset is unknown or already passed.
func (q Quota) TimeUntilReset(now time.Time) time.Duration {
	if !q.ResetKnown() {
		return 0
	}
	d := q.ResetAt().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the quota was observed more than maxAge ago or its
// window has already reset.
func (q Quota) IsStale(now time.Time, maxAge time.Duration) bool {
	if now.Sub(q.ObservedAt) > maxAge {
		return true
	}
	return q.ResetKnown() && !now.Before(q.ResetAt())
}
