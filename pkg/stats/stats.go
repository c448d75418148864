// Package stats aggregates repository metrics into a summary: medians over
// the whole set, language frequencies and per-language medians.
package stats

import (
	"sort"

	"github.com/Sternrassler/gh-repo-collector/pkg/repository"
)

// LanguageCount is the number of repositories with a primary language.
type LanguageCount struct {
	Language     string `json:"language"`
	Repositories int    `json:"repositories"`
}

// LanguageSummary holds per-language medians.
type LanguageSummary struct {
	Language                  string  `json:"language"`
	Repositories              int     `json:"repositories"`
	MedianMergedPullRequests  float64 `json:"median_merged_pull_requests"`
	MedianReleases            float64 `json:"median_releases"`
	MedianDaysSinceLastUpdate float64 `json:"median_days_since_last_update"`
}

// Summary is the aggregate view of a repository set. Medians are nil when no
// repository contributes a value.
type Summary struct {
	TotalRepositories         int               `json:"total_repositories"`
	MedianAgeDays             *float64          `json:"median_age_days"`
	MedianMergedPullRequests  *float64          `json:"median_merged_pull_requests"`
	MedianReleases            *float64          `json:"median_releases"`
	MedianDaysSinceLastUpdate *float64          `json:"median_days_since_last_update"`
	MedianClosedIssuesRatio   *float64          `json:"median_closed_issues_ratio"`
	Languages                 []LanguageCount   `json:"languages"`
	ByLanguage                []LanguageSummary `json:"by_language"`
}

// Summarize computes the summary of repos. Languages and ByLanguage are
// ordered by repository count descending, ties by language name.
func Summarize(repos []repository.Metrics) Summary {
	s := Summary{TotalRepositories: len(repos)}

	var ages, prs, releases, updates, ratios []float64
	groups := make(map[string][]repository.Metrics)
	for _, r := range repos {
		ages = append(ages, float64(r.AgeDays))
		prs = append(prs, float64(r.MergedPullRequests))
		releases = append(releases, float64(r.Releases))
		updates = append(updates, float64(r.DaysSinceLastUpdate))
		if r.ClosedIssuesRatio != nil {
			ratios = append(ratios, *r.ClosedIssuesRatio)
		}
		groups[r.PrimaryLanguage] = append(groups[r.PrimaryLanguage], r)
	}

	s.MedianAgeDays = medianPtr(ages)
	s.MedianMergedPullRequests = medianPtr(prs)
	s.MedianReleases = medianPtr(releases)
	s.MedianDaysSinceLastUpdate = medianPtr(updates)
	s.MedianClosedIssuesRatio = medianPtr(ratios)

	s.Languages = make([]LanguageCount, 0, len(groups))
	s.ByLanguage = make([]LanguageSummary, 0, len(groups))
	for lang, rs := range groups {
		s.Languages = append(s.Languages, LanguageCount{Language: lang, Repositories: len(rs)})

		var lp, lr, lu []float64
		for _, r := range rs {
			lp = append(lp, float64(r.MergedPullRequests))
			lr = append(lr, float64(r.Releases))
			lu = append(lu, float64(r.DaysSinceLastUpdate))
		}
		s.ByLanguage = append(s.ByLanguage, LanguageSummary{
			Language:                  lang,
			Repositories:              len(rs),
			MedianMergedPullRequests:  Median(lp),
			MedianReleases:            Median(lr),
			MedianDaysSinceLastUpdate: Median(lu),
		})
	}

	sort.Slice(s.Languages, func(i, j int) bool {
		a, b := s.Languages[i], s.Languages[j]
		if a.Repositories != b.Repositories {
			return a.Repositories > b.Repositories
		}
		return a.Language < b.Language
	})
	sort.Slice(s.ByLanguage, func(i, j int) bool {
		a, b := s.ByLanguage[i], s.ByLanguage[j]
		if a.Repositories != b.Repositories {
			return a.Repositories > b.Repositories
		}
		return a.Language < b.Language
	})

	return s
}

// Median returns the middle value of values, or the mean of the two middle
// values for an even count. It returns 0 for no values and does not modify
// its argument.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func medianPtr(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	m := Median(values)
	return &m
}
