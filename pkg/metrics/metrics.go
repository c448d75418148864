// Package metrics exposes the collector's Prometheus metrics over HTTP.
// Metrics are defined in their respective packages (client, credentials,
// pagination, ratelimit) and registered via promauto.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the collector.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// shutdownTimeout bounds how long Serve waits for in-flight scrapes.
const shutdownTimeout = 5 * time.Second

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - github_requests_total{status} (Counter): GraphQL requests by HTTP status
//   - github_request_duration_seconds (Histogram): Request duration
//   - github_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, api)
//
// Retry Metrics (pkg/client):
//   - github_retries_total{error_class} (Counter): Retry attempts by error class
//   - github_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - github_retry_exhausted_total{error_class} (Counter): Calls that spent their attempt budget
//
// Credential Metrics (pkg/credentials):
//   - github_credential_rotations_total{reason} (Counter): Rotations (rate_limited, low_quota)
//   - github_rate_limit_waits_total (Counter): Waits for a rate limit reset
//   - github_rate_limit_wait_seconds (Histogram): Duration of those waits
//
// Rate Limit Metrics (pkg/ratelimit):
//   - github_rate_limit_remaining{credential} (Gauge): Last observed remaining quota
//   - github_rate_limit_reset_timestamp_seconds{credential} (Gauge): Last observed reset epoch
//   - github_rate_limit_store_errors_total{operation} (Counter): Quota store failures
//
// Pagination Metrics (pkg/pagination):
//   - github_pages_fetched_total (Counter): Search pages fetched
//   - github_records_collected_total (Counter): Repositories collected
//
// Example Prometheus Queries:
//
//   # Lowest remaining quota across credentials
//   min(github_rate_limit_remaining)
//
//   # Rotation rate by reason
//   sum by (reason) (rate(github_credential_rotations_total[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(github_request_duration_seconds_bucket[5m]))

// Handler returns the HTTP mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Serve listens on addr and serves Handler until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return serve(ctx, ln, logger)
}

func serve(ctx context.Context, ln net.Listener, logger zerolog.Logger) error {
	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}
