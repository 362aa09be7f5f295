package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IliaW/image-crawler/internal/model"
	"github.com/IliaW/image-crawler/internal/urlnorm"
	"github.com/google/uuid"
)

// Bounds for the crawl depth.
const (
	MinDepth = 0
	MaxDepth = 100
)

const (
	ReasonCancelled = "crawl cancelled"
	ReasonAborted   = "crawl aborted"
)

// PageFetcher loads a page and reports the images and links on it.
// It must be safe for concurrent use when the crawler runs more than one worker.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (*model.Page, error)
	Close() error
}

type Options struct {
	// Concurrency is the number of pages fetched at the same time. 1 keeps the crawl strictly sequential.
	Concurrency int
	// MaxPages caps the number of fetch attempts per session. 0 means no cap.
	MaxPages int
	Verbose  bool
	Observer Observer
	Logger   *slog.Logger
}

// Crawler owns a fetcher for exactly one crawl session. The fetcher is released when Run returns
// or when Close is called, whichever happens first.
type Crawler struct {
	fetcher  PageFetcher
	opts     Options
	logger   *slog.Logger
	observer Observer

	used      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type session struct {
	id       string
	seed     string
	baseHost string
	maxDepth int

	frontier *Frontier
	images   *Collector

	fetched atomic.Int64
	failed  atomic.Int64

	mu    sync.Mutex
	fatal error
}

func NewCrawler(fetcher PageFetcher, opts Options) *Crawler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxPages < 0 {
		opts.MaxPages = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		fetcher:  fetcher,
		opts:     opts,
		logger:   logger,
		observer: Observers(LogObserver(logger, opts.Verbose), opts.Observer),
	}
}

// Run crawls from seedURL down to maxDepth and returns every image found. Per page failures are
// reported through the observer and never abort the session. Cancelling ctx stops the crawl and
// returns what was collected so far.
func (c *Crawler) Run(ctx context.Context, seedURL string, maxDepth int) (*model.Result, error) {
	if !c.used.CompareAndSwap(false, true) {
		return nil, ErrResourceClosed
	}
	defer func() {
		if err := c.Close(); err != nil {
			c.logger.Error("failed to release fetcher.", slog.String("err", err.Error()))
		}
	}()

	s, err := newSession(seedURL, maxDepth)
	if err != nil {
		return nil, err
	}
	startedAt := time.Now().UTC()
	logger := c.logger.With(slog.String("session", s.id))
	logger.Info("crawl started.", slog.String("url", s.seed), slog.Int("depth", s.maxDepth),
		slog.Int("concurrency", c.opts.Concurrency))

	if s.frontier.Discover(s.seed, 0) == Enqueued {
		c.observer(Event{Kind: EventDiscovered, URL: s.seed, Depth: 0})
	}
	cancelled := c.loop(ctx, s)

	result := &model.Result{
		SessionID:    s.id,
		SeedURL:      s.seed,
		BaseHost:     s.baseHost,
		MaxDepth:     s.maxDepth,
		Images:       s.images.Snapshot(),
		PagesFetched: int(s.fetched.Load()),
		PagesFailed:  int(s.failed.Load()),
		Cancelled:    cancelled,
		StartedAt:    startedAt,
		FinishedAt:   time.Now().UTC(),
	}
	logger.Info("crawl finished.", slog.Int("images", len(result.Images)),
		slog.Int("pages fetched", result.PagesFetched), slog.Int("pages failed", result.PagesFailed),
		slog.Bool("cancelled", cancelled), slog.Duration("took", result.FinishedAt.Sub(startedAt)))

	return result, s.fatalErr()
}

// Close releases the fetcher. It is safe to call more than once.
func (c *Crawler) Close() error {
	c.closeOnce.Do(func() {
		c.used.Store(true)
		c.logger.Debug("closing fetcher.")
		c.closeErr = c.fetcher.Close()
	})
	return c.closeErr
}

// loop pops targets until the frontier is empty, the page budget is spent, ctx is done or the
// fetcher turns out to be closed. It returns true when the crawl was cancelled.
func (c *Crawler) loop(ctx context.Context, s *session) bool {
	done := make(chan struct{}, c.opts.Concurrency)
	inFlight, started := 0, 0
	budgetSpent := false

	wait := func() bool {
		select {
		case <-done:
			inFlight--
			return true
		case <-ctx.Done():
			return false
		}
	}

	for ctx.Err() == nil && s.fatalErr() == nil {
		if inFlight >= c.opts.Concurrency {
			if !wait() {
				break
			}
			continue
		}
		if c.opts.MaxPages > 0 && started >= c.opts.MaxPages {
			budgetSpent = true
			break
		}
		target, ok := s.frontier.Pop()
		if !ok {
			if inFlight == 0 || !wait() {
				break
			}
			continue
		}
		if _, visited := s.frontier.Visited(target.URL); visited {
			s.frontier.MarkVisited(target.URL, target.Depth)
			c.observer(Event{Kind: EventSkipped, URL: target.URL, Depth: target.Depth, Reason: ReasonVisited})
			continue
		}

		started++
		inFlight++
		go func(t model.CrawlTarget) {
			defer func() { done <- struct{}{} }()
			c.index(ctx, s, t)
		}(target)
	}
	for ; inFlight > 0; inFlight-- {
		<-done
	}

	cancelled := ctx.Err() != nil
	var reason string
	switch {
	case cancelled:
		reason = ReasonCancelled
	case s.fatalErr() != nil:
		reason = ReasonAborted
	case budgetSpent:
		reason = ReasonBudget
	}
	for _, t := range s.frontier.Drain() {
		c.observer(Event{Kind: EventDiscarded, URL: t.URL, Depth: t.Depth, Reason: reason})
	}

	return cancelled
}

// index fetches one target, records its images and feeds its links back into the frontier.
func (c *Crawler) index(ctx context.Context, s *session, t model.CrawlTarget) {
	page, err := c.fetcher.FetchPage(ctx, t.URL)
	if err != nil {
		if !errors.Is(err, ErrFetch) && !errors.Is(err, ErrResourceClosed) {
			err = fmt.Errorf("%w: %w", ErrFetch, err)
		}
		s.frontier.MarkFailed(t.URL)
		s.failed.Add(1)
		if errors.Is(err, ErrResourceClosed) {
			s.setFatal(err)
		}
		c.observer(Event{Kind: EventFetchFailed, URL: t.URL, Depth: t.Depth, Err: err})
		return
	}
	s.fetched.Add(1)
	c.observer(Event{Kind: EventFetched, URL: t.URL, Depth: t.Depth})

	for _, src := range page.ImageSrcs {
		imageURL, err := urlnorm.NormalizeImage(src)
		if err != nil {
			c.observer(Event{Kind: EventDiscarded, URL: src, Depth: t.Depth, Reason: ReasonInvalidURL, Err: err})
			continue
		}
		if s.images.Record(imageURL, t.URL, t.Depth) {
			c.observer(Event{Kind: EventImageRecorded, URL: imageURL, Depth: t.Depth})
		}
	}

	next := t.Depth + 1
	for _, href := range page.LinkHrefs {
		link, err := urlnorm.Normalize(href)
		if err != nil {
			c.observer(Event{Kind: EventDiscarded, URL: href, Depth: next, Reason: ReasonInvalidURL, Err: err})
			continue
		}
		switch s.frontier.Discover(link, next) {
		case Enqueued:
			c.observer(Event{Kind: EventDiscovered, URL: link, Depth: next})
		case DiscardedDepth:
			c.observer(Event{Kind: EventDiscarded, URL: link, Depth: next, Reason: ReasonDepth})
		case DiscardedHost:
			c.observer(Event{Kind: EventDiscarded, URL: link, Depth: next, Reason: ReasonHost})
		}
	}

	s.frontier.MarkVisited(t.URL, t.Depth)
}

func newSession(seedURL string, maxDepth int) (*session, error) {
	if maxDepth < MinDepth || maxDepth > MaxDepth {
		return nil, fmt.Errorf("%w: depth %d is outside [%d, %d]", ErrInvalidSeed, maxDepth, MinDepth, MaxDepth)
	}
	seed, err := urlnorm.Normalize(seedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}
	host, err := urlnorm.Hostname(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}
	return &session{
		id:       uuid.New().String(),
		seed:     seed,
		baseHost: host,
		maxDepth: maxDepth,
		frontier: NewFrontier(host, maxDepth),
		images:   NewCollector(),
	}, nil
}

func (s *session) setFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		s.fatal = err
	}
}

func (s *session) fatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}
