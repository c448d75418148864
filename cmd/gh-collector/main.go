// Package main provides the gh-collector command: it collects the most
// starred public GitHub repositories and prints per-repository metrics and
// an aggregate summary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/run"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/gh-repo-collector/pkg/client"
	"github.com/Sternrassler/gh-repo-collector/pkg/config"
	"github.com/Sternrassler/gh-repo-collector/pkg/credentials"
	"github.com/Sternrassler/gh-repo-collector/pkg/logging"
	"github.com/Sternrassler/gh-repo-collector/pkg/metrics"
	"github.com/Sternrassler/gh-repo-collector/pkg/ratelimit"
	"github.com/Sternrassler/gh-repo-collector/pkg/repository"
	"github.com/Sternrassler/gh-repo-collector/pkg/stats"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd(os.LookupEnv).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// options are the command line overrides.
type options struct {
	configFile  string
	limit       int
	pageSize    int
	logLevel    string
	pretty      bool
	metricsAddr string
	jsonOutput  bool
}

// NewRootCmd builds the root command. lookupEnv is usually os.LookupEnv.
func NewRootCmd(lookupEnv func(string) (string, bool)) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "gh-collector",
		Short:        "Collect metrics of the most starred GitHub repositories",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts, lookupEnv)
			if err != nil {
				return err
			}
			return runCollection(cmd.Context(), cfg, opts.jsonOutput, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configFile, "config", "", "path to a TOML config file")
	f.IntVar(&opts.limit, "limit", config.DefaultLimit, "number of repositories to collect")
	f.IntVar(&opts.pageSize, "page-size", 10, "repositories per request (1-100)")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.BoolVar(&opts.pretty, "pretty", false, "human-readable logs instead of JSON")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address")
	f.BoolVar(&opts.jsonOutput, "json", false, "print repositories and summary as JSON")

	return cmd
}

// loadConfig layers defaults, the config file, the environment and the
// explicitly set flags, then validates the result.
func loadConfig(cmd *cobra.Command, opts options, lookupEnv func(string) (string, bool)) (config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.LoadFile(opts.configFile); err != nil {
			return config.Config{}, err
		}
	}

	if err := cfg.ApplyEnv(lookupEnv); err != nil {
		return config.Config{}, err
	}

	f := cmd.Flags()
	if f.Changed("limit") {
		cfg.Limit = opts.limit
	}
	if f.Changed("page-size") {
		cfg.PageSize = opts.pageSize
	}
	if f.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if f.Changed("pretty") {
		cfg.LogPretty = opts.pretty
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// report is the JSON output document.
type report struct {
	Repositories []repository.Metrics `json:"repositories"`
	Summary      stats.Summary        `json:"summary"`
	Error        string               `json:"error,omitempty"`
}

func runCollection(ctx context.Context, cfg config.Config, jsonOutput bool, stdout, stderr io.Writer) error {
	lc := cfg.LoggingConfig()
	lc.Output = stderr
	logger := logging.Setup(lc).With().
		Str(logging.FieldComponent, "gh-collector").
		Str("run_id", uuid.NewString()).
		Logger()

	collectCtx, cancelCollect := context.WithCancel(ctx)
	defer cancelCollect()

	g := &run.Group{}

	g.Add(func() error {
		return collect(collectCtx, cfg, jsonOutput, stdout, logger)
	}, func(error) {
		cancelCollect()
	})

	if cfg.MetricsAddr != "" {
		metricsCtx, cancelMetrics := context.WithCancel(ctx)
		defer cancelMetrics()

		g.Add(func() error {
			return metrics.Serve(metricsCtx, cfg.MetricsAddr, logger)
		}, func(error) {
			cancelMetrics()
		})
	}

	return g.Run()
}

// collect runs one collection and writes the report. Records gathered before
// a fatal error are still reported; the error is returned afterwards.
func collect(ctx context.Context, cfg config.Config, jsonOutput bool, stdout io.Writer, logger zerolog.Logger) error {
	tracker, closeStore, err := newTracker(ctx, cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rotator, err := credentials.New(cfg.Tokens, credentials.WithLogger(logging.NewLogger("credentials")))
	if err != nil {
		return err
	}
	warnLowQuotas(ctx, tracker, cfg.Tokens, time.Now(), logger)

	ghClient, err := client.New(cfg.ClientConfig(), rotator,
		client.WithTracker(tracker),
		client.WithLogger(logging.NewLogger("github-client")))
	if err != nil {
		return fmt.Errorf("failed to create GitHub client: %w", err)
	}

	logger.Info().
		Int(logging.FieldLimit, cfg.Limit).
		Int("page_size", cfg.PageSize).
		Int("credentials", rotator.Count()).
		Msg("Starting collection")

	records, fetchErr := ghClient.FetchTop(ctx, cfg.Limit)
	if fetchErr != nil {
		logger.Error().Err(fetchErr).Int(logging.FieldCollected, len(records)).Msg("Collection stopped early")
	}

	repos, err := repository.NormalizeAll(records, time.Now().UTC())
	if err != nil {
		return errors.Join(fetchErr, err)
	}
	summary := stats.Summarize(repos)

	if jsonOutput {
		rep := report{Repositories: repos, Summary: summary}
		if fetchErr != nil {
			rep.Error = fetchErr.Error()
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return errors.Join(fetchErr, fmt.Errorf("write report: %w", err))
		}
	} else {
		printReport(stdout, repos, summary)
	}

	logger.Info().Int(logging.FieldCollected, len(repos)).Msg("Collection finished")
	return fetchErr
}

// newTracker returns a redis-backed tracker when redisURL is set and an
// in-memory one otherwise.
func newTracker(ctx context.Context, redisURL string, logger zerolog.Logger) (*ratelimit.Tracker, func(), error) {
	if redisURL == "" {
		return ratelimit.NewTracker(nil, logger), func() {}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: redis url: %w", config.ErrInvalidConfig, err)
	}
	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")

	return ratelimit.NewTracker(ratelimit.NewRedisStore(rdb), logger), func() { rdb.Close() }, nil
}

// quotaSnapshotMaxAge bounds how old a stored quota may be and still be
// trusted at startup. GitHub windows last an hour.
const quotaSnapshotMaxAge = time.Hour

// warnLowQuotas reads the quotas stored by earlier runs and warns about
// credentials that are still exhausted. It returns their fingerprints.
func warnLowQuotas(ctx context.Context, tracker *ratelimit.Tracker, tokens []string, now time.Time, logger zerolog.Logger) []string {
	var low []string
	for _, token := range tokens {
		fp := credentials.Fingerprint(token)
		q, ok, err := tracker.Fresh(ctx, fp, now, quotaSnapshotMaxAge)
		if err != nil {
			logger.Warn().Err(err).Str(logging.FieldCredential, fp).Msg("Failed to load stored rate limit state")
			continue
		}
		if !ok || !q.Low() {
			continue
		}
		low = append(low, fp)
		logger.Warn().
			Str(logging.FieldCredential, fp).
			Int(logging.FieldRemaining, q.Remaining).
			Time(logging.FieldResetAt, q.ResetAt()).
			Msg("Credential quota exhausted by an earlier run")
	}
	return low
}

func printReport(w io.Writer, repos []repository.Metrics, s stats.Summary) {
	fmt.Fprintf(w, "\nTotal repositories: %d\n", s.TotalRepositories)

	for i, r := range repos {
		fmt.Fprintf(w, "\n[%d] Repository: %s\n", i+1, r.NameWithOwner)
		fmt.Fprintf(w, "URL: %s\n", r.URL)
		fmt.Fprintf(w, "Stars: %d\n", r.Stars)
		fmt.Fprintf(w, "Created at: %s\n", r.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "Last push: %s\n", r.PushedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "Age: %d days\n", r.AgeDays)
		fmt.Fprintf(w, "Merged pull requests: %d\n", r.MergedPullRequests)
		fmt.Fprintf(w, "Releases: %d\n", r.Releases)
		fmt.Fprintf(w, "Days since last update: %d\n", r.DaysSinceLastUpdate)
		fmt.Fprintf(w, "Primary language: %s\n", r.PrimaryLanguage)
		fmt.Fprintf(w, "Closed issues: %d\n", r.ClosedIssues)
		fmt.Fprintf(w, "Total issues: %d\n", r.TotalIssues)
		if r.ClosedIssuesRatio != nil {
			fmt.Fprintf(w, "Closed issues ratio: %.4f\n", *r.ClosedIssuesRatio)
		} else {
			fmt.Fprintf(w, "Closed issues ratio: N/A\n")
		}
	}

	fmt.Fprintf(w, "\nSummary\n")
	fmt.Fprintf(w, "Median age (days): %s\n", formatMedian(s.MedianAgeDays))
	fmt.Fprintf(w, "Median merged pull requests: %s\n", formatMedian(s.MedianMergedPullRequests))
	fmt.Fprintf(w, "Median releases: %s\n", formatMedian(s.MedianReleases))
	fmt.Fprintf(w, "Median days since last update: %s\n", formatMedian(s.MedianDaysSinceLastUpdate))
	fmt.Fprintf(w, "Median closed issues ratio: %s\n", formatMedian(s.MedianClosedIssuesRatio))

	if len(s.ByLanguage) > 0 {
		fmt.Fprintf(w, "\nBy language:\n")
		for _, l := range s.ByLanguage {
			fmt.Fprintf(w, "  %-20s repos=%d merged_prs=%.1f releases=%.1f days_since_update=%.1f\n",
				l.Language, l.Repositories, l.MedianMergedPullRequests, l.MedianReleases, l.MedianDaysSinceLastUpdate)
		}
	}

	fmt.Fprintf(w, "\nCollection finished. Total repositories collected: %d\n", len(repos))
}

func formatMedian(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.2f", *v)
}
