// Package pagination walks GitHub's cursor-paginated search results one page
// at a time until a record limit is reached or the results run out.
//
// GraphQL search returns pageInfo{hasNextPage, endCursor} with every page; the
// cursor of one page is the "after" argument of the next, so pages cannot be
// fetched in parallel and never overlap.
//
// Example usage:
//
//	pager := pagination.NewPager(githubClient, pagination.DefaultConfig())
//	records, err := pager.Collect(ctx, 100)
//
// The pager:
//   - sizes each request as min(PageSize, limit - collected)
//   - appends records in API order and never returns more than limit
//   - stops when the API reports no further page
//   - pauses Delay between pages
//   - returns the records collected so far together with any error
package pagination
