// Package repository turns raw search records into typed repositories and
// the derived per-repository metrics.
package repository

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// UnknownLanguage is reported when a repository has no primary language.
const UnknownLanguage = "Unknown"

type totalCount struct {
	TotalCount int `json:"totalCount"`
}

// Repository is the typed view of one search record.
type Repository struct {
	NameWithOwner   string    `json:"nameWithOwner"`
	URL             string    `json:"url"`
	StargazerCount  int       `json:"stargazerCount"`
	CreatedAt       time.Time `json:"createdAt"`
	PushedAt        time.Time `json:"pushedAt"`
	PrimaryLanguage *struct {
		Name string `json:"name"`
	} `json:"primaryLanguage"`
	PullRequests totalCount `json:"pullRequests"`
	Releases     totalCount `json:"releases"`
	TotalIssues  totalCount `json:"totalIssues"`
	ClosedIssues totalCount `json:"closedIssues"`
}

// Metrics are the values derived from a Repository at a point in time.
type Metrics struct {
	NameWithOwner       string    `json:"name_with_owner"`
	URL                 string    `json:"url"`
	Stars               int       `json:"stars"`
	CreatedAt           time.Time `json:"created_at"`
	PushedAt            time.Time `json:"pushed_at"`
	AgeDays             int       `json:"age_days"`
	MergedPullRequests  int       `json:"merged_pull_requests"`
	Releases            int       `json:"releases"`
	DaysSinceLastUpdate int       `json:"days_since_last_update"`
	PrimaryLanguage     string    `json:"primary_language"`
	ClosedIssues        int       `json:"closed_issues"`
	TotalIssues         int       `json:"total_issues"`
	// ClosedIssuesRatio is nil for repositories without issues.
	ClosedIssuesRatio *float64 `json:"closed_issues_ratio"`
}

// Decode parses a raw search record.
func Decode(raw json.RawMessage) (Repository, error) {
	var r Repository
	if err := json.Unmarshal(raw, &r); err != nil {
		return Repository{}, fmt.Errorf("decode repository: %w", err)
	}
	if r.NameWithOwner == "" {
		return Repository{}, fmt.Errorf("decode repository: missing nameWithOwner")
	}
	return r, nil
}

// Language returns the primary language name or UnknownLanguage.
func (r Repository) Language() string {
	if r.PrimaryLanguage == nil || r.PrimaryLanguage.Name == "" {
		return UnknownLanguage
	}
	return r.PrimaryLanguage.Name
}

// Normalize derives the repository metrics relative to now.
func (r Repository) Normalize(now time.Time) Metrics {
	m := Metrics{
		NameWithOwner:       r.NameWithOwner,
		URL:                 r.URL,
		Stars:               r.StargazerCount,
		CreatedAt:           r.CreatedAt,
		PushedAt:            r.PushedAt,
		AgeDays:             wholeDays(now.Sub(r.CreatedAt)),
		MergedPullRequests:  r.PullRequests.TotalCount,
		Releases:            r.Releases.TotalCount,
		DaysSinceLastUpdate: wholeDays(now.Sub(r.PushedAt)),
		PrimaryLanguage:     r.Language(),
		ClosedIssues:        r.ClosedIssues.TotalCount,
		TotalIssues:         r.TotalIssues.TotalCount,
	}
	if m.TotalIssues > 0 {
		ratio := float64(m.ClosedIssues) / float64(m.TotalIssues)
		m.ClosedIssuesRatio = &ratio
	}
	return m
}

// NormalizeAll decodes and normalizes every record. It stops at the first
// record that cannot be decoded and reports its position.
func NormalizeAll(records []json.RawMessage, now time.Time) ([]Metrics, error) {
	out := make([]Metrics, 0, len(records))
	for i, raw := range records {
		r, err := Decode(raw)
		if err != nil {
			return out, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, r.Normalize(now))
	}
	return out, nil
}

// wholeDays floors d to whole days, rounding toward negative infinity.
func wholeDays(d time.Duration) int {
	return int(math.Floor(d.Hours() / 24))
}
