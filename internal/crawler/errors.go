package crawler

import "errors"

var (
	// ErrInvalidSeed is returned by Run before any page is fetched.
	ErrInvalidSeed = errors.New("invalid seed")
	// ErrFetch wraps page load failures. The target is skipped and the crawl goes on.
	ErrFetch = errors.New("fetch failed")
	// ErrResourceClosed means the fetcher was used after release.
	ErrResourceClosed = errors.New("fetcher resource is closed")
)
