package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/gh-repo-collector/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "github_pages_fetched_total",
		Help: "Search result pages fetched",
	})

	recordsCollectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "github_records_collected_total",
		Help: "Repository records collected across all pages",
	})
)

// MaxPageSize is the largest "first" argument GitHub's search accepts.
const MaxPageSize = 100

// RawRecord is one repository node exactly as the API returned it.
type RawRecord = json.RawMessage

// PageRequest asks for one page of results.
type PageRequest struct {
	// Size is the number of records requested, 1..MaxPageSize.
	Size int

	// After is the cursor of the previous page, nil for the first page.
	After *string
}

// Page is one decoded page of search results.
type Page struct {
	Records     []RawRecord
	HasNextPage bool
	EndCursor   *string
}

// PageFetcher is implemented by the API client for single-page fetching.
type PageFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
}

// Config holds pager configuration.
type Config struct {
	// PageSize is the preferred number of records per request.
	// Small pages avoid 502s on the expensive repository query.
	PageSize int

	// Delay is the pause between consecutive pages.
	Delay time.Duration
}

// DefaultConfig returns the page size and delay used against api.github.com.
func DefaultConfig() Config {
	return Config{
		PageSize: 10,
		Delay:    1 * time.Second,
	}
}

// Pager collects records page by page from a PageFetcher.
type Pager struct {
	fetcher PageFetcher
	config  Config
	sleep   func(ctx context.Context, d time.Duration) error
	logger  zerolog.Logger
}

// Option customizes a Pager.
type Option func(*Pager)

// WithSleeper replaces the function used for the inter-page delay.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pager) {
		p.sleep = sleep
	}
}

// WithLogger sets the logger used for progress reporting.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pager) {
		p.logger = logger
	}
}

// NewPager creates a pager. Out-of-range page sizes are clamped to
// 1..MaxPageSize and a negative delay becomes zero.
func NewPager(fetcher PageFetcher, config Config, opts ...Option) *Pager {
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}
	if config.PageSize > MaxPageSize {
		config.PageSize = MaxPageSize
	}
	if config.Delay < 0 {
		config.Delay = 0
	}

	p := &Pager{
		fetcher: fetcher,
		config:  config,
		sleep:   credentials.Sleep,
		logger:  log.With().Str("component", "pagination").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pager) Config() Config {
	return p.config
}

// Collect fetches up to limit records. A limit <= 0 returns an empty slice
// without any request. On error the records gathered so far are returned
// alongside it.
func (p *Pager) Collect(ctx context.Context, limit int) ([]RawRecord, error) {
	if limit <= 0 {
		return []RawRecord{}, nil
	}

	start := time.Now()
	records := make([]RawRecord, 0, min(limit, MaxPageSize))
	var cursor *string
	pageNum := 0

	p.logger.Info().Int("limit", limit).Int("page_size", p.config.PageSize).Msg("Starting collection")

	for len(records) < limit {
		if err := ctx.Err(); err != nil {
			return records, fmt.Errorf("collection cancelled after %d records: %w", len(records), err)
		}

		pageNum++
		req := PageRequest{
			Size:  min(p.config.PageSize, limit-len(records)),
			After: cursor,
		}

		page, err := p.fetcher.FetchPage(ctx, req)
		if err != nil {
			p.logger.Error().
				Err(err).
				Int("page", pageNum).
				Int("collected", len(records)).
				Msg("Page fetch failed")
			return records, fmt.Errorf("fetch page %d: %w", pageNum, err)
		}
		pagesFetchedTotal.Inc()

		got := page.Records
		if room := limit - len(records); len(got) > room {
			got = got[:room]
		}
		records = append(records, got...)
		recordsCollectedTotal.Add(float64(len(got)))

		p.logger.Info().
			Int("page", pageNum).
			Int("collected", len(records)).
			Int("limit", limit).
			Msg("Page collected")

		if !page.HasNextPage || len(records) >= limit {
			break
		}
		if page.EndCursor == nil || *page.EndCursor == "" {
			p.logger.Warn().
				Int("page", pageNum).
				Msg("API reported another page without a cursor, stopping")
			break
		}
		cursor = page.EndCursor

		if err := p.sleep(ctx, p.config.Delay); err != nil {
			return records, fmt.Errorf("collection cancelled after %d records: %w", len(records), err)
		}
	}

	p.logger.Info().
		Int("collected", len(records)).
		Int("pages", pageNum).
		Dur("duration", time.Since(start)).
		Msg("Collection complete")

	return records, nil
}
