package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/IliaW/image-crawler/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeSite serves a fixed page graph and records every fetch.
type fakeSite struct {
	mu       sync.Mutex
	pages    map[string]*model.Page
	failures map[string]error
	fetched  []string
	closed   int

	FetchPageFunc func(ctx context.Context, url string) (*model.Page, error)
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		pages:    make(map[string]*model.Page),
		failures: make(map[string]error),
	}
}

func (s *fakeSite) page(url string, images []string, links []string) *fakeSite {
	s.pages[url] = &model.Page{URL: url, ImageSrcs: images, LinkHrefs: links}
	return s
}

func (s *fakeSite) FetchPage(ctx context.Context, url string) (*model.Page, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, url)
	err := s.failures[url]
	p, ok := s.pages[url]
	s.mu.Unlock()

	if s.FetchPageFunc != nil {
		return s.FetchPageFunc(ctx, url)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return &model.Page{URL: url}, nil
	}
	return p, nil
}

func (s *fakeSite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSite) fetchLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetched...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) discarded(reason string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var urls []string
	for _, e := range l.events {
		if e.Kind == EventDiscarded && e.Reason == reason {
			urls = append(urls, e.URL)
		}
	}
	return urls
}

func TestCrawler_Run(t *testing.T) {
	t.Run("depth zero never follows links", func(t *testing.T) {
		site := newFakeSite().page("https://example.com",
			[]string{"https://example.com/1.png", "https://example.com/2.png", "https://cdn.other.com/3.png"},
			[]string{
				"https://example.com/a", "https://example.com/b", "https://example.com/c",
				"https://example.com/d", "https://other.com/e",
			})
		events := &eventLog{}

		result, err := NewCrawler(site, Options{Observer: events.observe}).Run(context.Background(), "https://example.com/", 0)
		require.NoError(t, err)

		assert.Len(t, result.Images, 3)
		for _, img := range result.Images {
			assert.Equal(t, 0, img.Depth)
			assert.Equal(t, "https://example.com", img.SourceURL)
		}
		assert.Equal(t, []string{"https://example.com"}, site.fetchLog())
		assert.Len(t, events.discarded(ReasonDepth), 5)
		assert.Equal(t, 1, result.PagesFetched)
		assert.Equal(t, "example.com", result.BaseHost)
		assert.NotEmpty(t, result.SessionID)
	})
	t.Run("links to other hosts are discarded", func(t *testing.T) {
		site := newFakeSite().
			page("https://example.com", nil, []string{"https://example.com/a", "https://other.com/b"}).
			page("https://example.com/a", []string{"https://example.com/a.png"}, nil)
		events := &eventLog{}

		result, err := NewCrawler(site, Options{Observer: events.observe}).Run(context.Background(), "https://example.com/", 1)
		require.NoError(t, err)

		assert.Equal(t, []string{"https://example.com", "https://example.com/a"}, site.fetchLog())
		assert.Equal(t, []string{"https://other.com/b"}, events.discarded(ReasonHost))
		assert.Equal(t, []model.ImageRecord{
			{ImageURL: "https://example.com/a.png", SourceURL: "https://example.com/a", Depth: 1},
		}, result.Images)
	})
	t.Run("subdomains are followed", func(t *testing.T) {
		site := newFakeSite().
			page("https://example.com", nil, []string{"https://blog.example.com/post", "https://notexample.com"})

		_, err := NewCrawler(site, Options{}).Run(context.Background(), "example.com", 2)
		require.NoError(t, err)

		assert.Equal(t, []string{"https://example.com", "https://blog.example.com/post"}, site.fetchLog())
	})
	t.Run("the same image on two pages is recorded per page", func(t *testing.T) {
		site := newFakeSite().
			page("https://example.com", []string{"https://example.com/logo.png"}, []string{"https://example.com/a"}).
			page("https://example.com/a", []string{"https://example.com/logo.png#x", "https://example.com/logo.png"}, nil)

		result, err := NewCrawler(site, Options{}).Run(context.Background(), "https://example.com", 1)
		require.NoError(t, err)

		assert.Equal(t, []model.ImageRecord{
			{ImageURL: "https://example.com/logo.png", SourceURL: "https://example.com", Depth: 0},
			{ImageURL: "https://example.com/logo.png", SourceURL: "https://example.com/a", Depth: 1},
		}, result.Images)
	})
	t.Run("failed fetch is skipped and never retried", func(t *testing.T) {
		site := newFakeSite().
			page("https://example.com", []string{"https://example.com/0.png"},
				[]string{"https://example.com/broken", "https://example.com/b"}).
			page("https://example.com/b", []string{"https://example.com/b.png"},
				[]string{"https://example.com/broken", "https://example.com/c"}).
			page("https://example.com/c", []string{"https://example.com/c.png"}, nil)
		site.failures["https://example.com/broken"] = errors.New("connection reset by peer")
		events := &eventLog{}

		result, err := NewCrawler(site, Options{Observer: events.observe}).Run(context.Background(), "https://example.com", 3)
		require.NoError(t, err)

		assert.Equal(t, []string{
			"https://example.com",
			"https://example.com/broken",
			"https://example.com/b",
			"https://example.com/c",
		}, site.fetchLog())
		assert.Len(t, result.Images, 3)
		assert.Equal(t, 3, result.PagesFetched)
		assert.Equal(t, 1, result.PagesFailed)

		var failed []Event
		for _, e := range events.events {
			if e.Kind == EventFetchFailed {
				failed = append(failed, e)
			}
		}
		require.Len(t, failed, 1)
		assert.ErrorIs(t, failed[0].Err, ErrFetch)
	})
	t.Run("invalid links are discarded and inline images kept", func(t *testing.T) {
		site := newFakeSite().
			page("https://example.com",
				[]string{"DATA:image/PNG;base64,AAAA", "https://example.com/ok.png", "data:no-payload"},
				[]string{"mailto:me@example.com", "javascript:void(0)", "http://[::1", "data:text/html,<p>hi</p>"})
		events := &eventLog{}

		result, err := NewCrawler(site, Options{Observer: events.observe}).Run(context.Background(), "https://example.com", 2)
		require.NoError(t, err)

		assert.ElementsMatch(t, []model.ImageRecord{
			{ImageURL: "data:image/png;base64,AAAA", SourceURL: "https://example.com", Depth: 0},
			{ImageURL: "https://example.com/ok.png", SourceURL: "https://example.com", Depth: 0},
		}, result.Images)
		assert.Len(t, events.discarded(ReasonInvalidURL), 5)
		assert.Equal(t, []string{"https://example.com"}, site.fetchLog())
	})
	t.Run("page budget stops the crawl", func(t *testing.T) {
		site := newFakeSite().
			page("https://example.com", nil, []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"})
		events := &eventLog{}

		result, err := NewCrawler(site, Options{MaxPages: 2, Observer: events.observe}).
			Run(context.Background(), "https://example.com", 1)
		require.NoError(t, err)

		assert.Equal(t, []string{"https://example.com", "https://example.com/a"}, site.fetchLog())
		assert.ElementsMatch(t, []string{"https://example.com/b", "https://example.com/c"}, events.discarded(ReasonBudget))
		assert.False(t, result.Cancelled)
	})
}

func TestCrawler_RunInvalidSeed(t *testing.T) {
	tests := []struct {
		name  string
		seed  string
		depth int
	}{
		{"negative depth", "https://example.com", -1},
		{"depth above limit", "https://example.com", MaxDepth + 1},
		{"malformed url", "http://[::1", 1},
		{"unsupported scheme", "mailto:me@example.com", 1},
		{"empty url", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site := newFakeSite()

			result, err := NewCrawler(site, Options{}).Run(context.Background(), tt.seed, tt.depth)

			assert.ErrorIs(t, err, ErrInvalidSeed)
			assert.Nil(t, result)
			assert.Empty(t, site.fetchLog())
			assert.Equal(t, 1, site.closed, "fetcher must be released")
		})
	}
}

func TestCrawler_ReleasesFetcherOnce(t *testing.T) {
	site := newFakeSite()
	c := NewCrawler(site, Options{})

	_, err := c.Run(context.Background(), "https://example.com", 0)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Run(context.Background(), "https://example.com", 0)
	assert.ErrorIs(t, err, ErrResourceClosed)
	assert.Equal(t, 1, site.closed)
	assert.Len(t, site.fetchLog(), 1)
}

func TestCrawler_RunAfterClose(t *testing.T) {
	site := newFakeSite()
	c := NewCrawler(site, Options{})
	require.NoError(t, c.Close())

	_, err := c.Run(context.Background(), "https://example.com", 0)
	assert.ErrorIs(t, err, ErrResourceClosed)
	assert.Equal(t, 1, site.closed)
}

func TestCrawler_FetcherClosedDuringRun(t *testing.T) {
	site := newFakeSite().
		page("https://example.com", []string{"https://example.com/a.png"}, []string{"https://example.com/a", "https://example.com/b"})
	site.failures["https://example.com/a"] = ErrResourceClosed

	result, err := NewCrawler(site, Options{}).Run(context.Background(), "https://example.com", 1)

	assert.ErrorIs(t, err, ErrResourceClosed)
	require.NotNil(t, result)
	assert.Len(t, result.Images, 1, "collected images survive")
	assert.NotContains(t, site.fetchLog(), "https://example.com/b")
}

func TestCrawler_Cancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	site := newFakeSite().
		page("https://example.com", []string{"https://example.com/seed.png"},
			[]string{"https://example.com/slow", "https://example.com/never"})
	site.FetchPageFunc = func(fctx context.Context, url string) (*model.Page, error) {
		if url == "https://example.com/slow" {
			cancel()
			<-fctx.Done()
			return nil, fctx.Err()
		}
		return site.pages[url], nil
	}

	result, err := NewCrawler(site, Options{}).Run(ctx, "https://example.com", 2)
	require.NoError(t, err)

	assert.True(t, result.Cancelled)
	assert.Len(t, result.Images, 1)
	assert.NotContains(t, site.fetchLog(), "https://example.com/never")
	assert.Equal(t, 1, site.closed)
}

// denseSite links every page to every other page, so concurrent workers race on the same urls.
func denseSite(n int) *fakeSite {
	site := newFakeSite()
	urls := make([]string, 0, n)
	for i := 0; i < n; i++ {
		urls = append(urls, fmt.Sprintf("https://example.com/p%d", i))
	}
	links := append([]string{"https://example.com"}, urls...)
	site.page("https://example.com", []string{"https://example.com/root.png"}, links)
	for i, u := range urls {
		site.page(u, []string{"https://example.com/shared.png", fmt.Sprintf("https://example.com/%d.png", i)}, links)
	}
	return site
}

func TestCrawler_ConcurrentNoDoubleFetch(t *testing.T) {
	defer goleak.VerifyNone(t)

	site := denseSite(40)
	result, err := NewCrawler(site, Options{Concurrency: 8}).Run(context.Background(), "https://example.com", 2)
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, u := range site.fetchLog() {
		seen[u]++
	}
	for u, n := range seen {
		assert.Equal(t, 1, n, "fetched %s more than once", u)
	}
	assert.Len(t, seen, 41)
	assert.Equal(t, 41, result.PagesFetched)
	// root image plus two images per page
	assert.Len(t, result.Images, 1+2*40)

	dedup := make(map[model.ImageRecord]struct{})
	for _, img := range result.Images {
		assert.LessOrEqual(t, img.Depth, 2)
		dedup[img] = struct{}{}
	}
	assert.Len(t, dedup, len(result.Images))
}

func TestCrawler_DepthNeverExceeded(t *testing.T) {
	// a chain example.com -> /1 -> /2 -> ... -> /9
	site := newFakeSite()
	prev := "https://example.com"
	for i := 1; i < 10; i++ {
		next := fmt.Sprintf("https://example.com/%d", i)
		site.page(prev, []string{prev + "/img.png"}, []string{next})
		prev = next
	}

	for _, depth := range []int{0, 1, 3, 5} {
		t.Run(fmt.Sprintf("depth %d", depth), func(t *testing.T) {
			site.mu.Lock()
			site.fetched = nil
			site.mu.Unlock()

			result, err := NewCrawler(site, Options{Concurrency: 3}).Run(context.Background(), "https://example.com", depth)
			require.NoError(t, err)

			assert.Len(t, site.fetchLog(), depth+1)
			for _, img := range result.Images {
				assert.LessOrEqual(t, img.Depth, depth)
			}
		})
	}
}
