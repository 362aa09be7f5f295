package crawler

import (
	"strings"
	"sync"

	"github.com/IliaW/image-crawler/internal/model"
	"github.com/IliaW/image-crawler/internal/urlnorm"
)

type Outcome int

const (
	Enqueued Outcome = iota
	Duplicate
	DiscardedDepth
	DiscardedHost
)

func (o Outcome) String() string {
	return [...]string{"enqueued", "duplicate", "discarded depth", "discarded host"}[o]
}

// Frontier holds the traversal state of one crawl session: a FIFO of pending targets and the
// sets of URLs that are in flight, visited or failed. All methods are safe for concurrent use.
//
// A URL moves Pending -> InFlight -> Visited|Failed and is never enqueued again once it has been
// seen in any of those states.
type Frontier struct {
	mu       sync.Mutex
	baseHost string
	maxDepth int

	queue    []model.CrawlTarget
	pending  map[string]int
	inFlight map[string]int
	visited  map[string]int
	failed   map[string]struct{}
}

func NewFrontier(baseHost string, maxDepth int) *Frontier {
	return &Frontier{
		baseHost: strings.ToLower(baseHost),
		maxDepth: maxDepth,
		queue:    make([]model.CrawlTarget, 0, 64),
		pending:  make(map[string]int),
		inFlight: make(map[string]int),
		visited:  make(map[string]int),
		failed:   make(map[string]struct{}),
	}
}

// Discover classifies a normalized URL found at the given depth and enqueues it when it qualifies.
// Rediscovering a URL that is pending, in flight, visited or failed is a no-op.
func (f *Frontier) Discover(url string, depth int) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.seenLocked(url) {
		return Duplicate
	}
	if depth > f.maxDepth {
		return DiscardedDepth
	}
	if !f.inScope(url) {
		return DiscardedHost
	}
	f.pending[url] = depth
	f.queue = append(f.queue, model.CrawlTarget{URL: url, Depth: depth})

	return Enqueued
}

// Pop returns the oldest pending target and marks it in flight.
func (f *Frontier) Pop() (model.CrawlTarget, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.queue) == 0 {
		return model.CrawlTarget{}, false
	}
	target := f.queue[0]
	f.queue[0] = model.CrawlTarget{}
	f.queue = f.queue[1:]
	delete(f.pending, target.URL)
	f.inFlight[target.URL] = target.Depth

	return target, true
}

// MarkVisited records the depth of the first visit. Later calls for the same URL are ignored.
func (f *Frontier) MarkVisited(url string, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.inFlight, url)
	if _, ok := f.visited[url]; !ok {
		f.visited[url] = depth
	}
}

// MarkFailed releases an in-flight URL without visiting it. It is not retried.
func (f *Frontier) MarkFailed(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.inFlight, url)
	if _, ok := f.visited[url]; !ok {
		f.failed[url] = struct{}{}
	}
}

// Visited returns the depth at which url was first visited.
func (f *Frontier) Visited(url string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	depth, ok := f.visited[url]
	return depth, ok
}

// Len returns the number of pending targets.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

// Drain removes and returns every pending target.
func (f *Frontier) Drain() []model.CrawlTarget {
	f.mu.Lock()
	defer f.mu.Unlock()

	drained := f.queue
	f.queue = make([]model.CrawlTarget, 0)
	clear(f.pending)

	return drained
}

func (f *Frontier) seenLocked(url string) bool {
	if _, ok := f.pending[url]; ok {
		return true
	}
	if _, ok := f.inFlight[url]; ok {
		return true
	}
	if _, ok := f.visited[url]; ok {
		return true
	}
	_, ok := f.failed[url]
	return ok
}

// inScope accepts the base host and its subdomains.
func (f *Frontier) inScope(url string) bool {
	host, err := urlnorm.Hostname(url)
	if err != nil {
		return false
	}
	host = strings.ToLower(host)
	return host == f.baseHost || strings.HasSuffix(host, "."+f.baseHost)
}
