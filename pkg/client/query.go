package client

import (
	"encoding/json"
	"strings"
)

// DefaultEndpoint is GitHub's GraphQL API.
const DefaultEndpoint = "https://api.github.com/graphql"

// DefaultSearchQuery selects public repositories ordered by stars, descending.
const DefaultSearchQuery = "stars:>1 sort:stars-desc is:public"

// SearchRepositoriesQuery is the only query the collector issues. Page size
// ($first) and cursor ($after) are the only variables that change between
// requests.
const SearchRepositoriesQuery = `
query ($searchQuery: String!, $first: Int!, $after: String) {
  search(query: $searchQuery, type: REPOSITORY, first: $first, after: $after) {
    pageInfo {
      hasNextPage
      endCursor
    }
    nodes {
      ... on Repository {
        nameWithOwner
        url
        stargazerCount
        createdAt
        pushedAt
        primaryLanguage {
          name
        }
        pullRequests(states: MERGED, first: 1) {
          totalCount
        }
        releases(first: 1) {
          totalCount
        }
        totalIssues: issues(first: 1) {
          totalCount
        }
        closedIssues: issues(states: CLOSED, first: 1) {
          totalCount
        }
      }
    }
  }
}
`

// Variable names used by SearchRepositoriesQuery.
const (
	VarSearchQuery = "searchQuery"
	VarFirst       = "first"
	VarAfter       = "after"
)

// graphQLRequest is the POST body.
type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// graphQLResponse keeps both members raw: data is handed to the caller as is
// and errors is inspected textually as well as structurally.
type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

func (r graphQLResponse) hasErrors() bool {
	s := strings.TrimSpace(string(r.Errors))
	return s != "" && s != "null"
}

// GraphQLError is one entry of the response's errors array.
type GraphQLError struct {
	Message string `json:"message"`
	// Type is GitHub's machine-readable code, e.g. RATE_LIMITED, NOT_FOUND.
	Type string `json:"type,omitempty"`
	Path []any  `json:"path,omitempty"`
}

// searchData mirrors the data member of a SearchRepositoriesQuery response.
type searchData struct {
	Search struct {
		PageInfo struct {
			HasNextPage bool    `json:"hasNextPage"`
			EndCursor   *string `json:"endCursor"`
		} `json:"pageInfo"`
		Nodes []json.RawMessage `json:"nodes"`
	} `json:"search"`
}

func isNullRecord(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
