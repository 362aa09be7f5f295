package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IliaW/image-crawler/internal/crawler"
	"github.com/IliaW/image-crawler/internal/model"
	"github.com/gocolly/colly"
)

type CurlOptions struct {
	Timeout       time.Duration
	UserAgent     string
	Transport     *http.Transport
	RetryAttempts int
	RetryDelay    time.Duration
}

// CurlFetcher loads pages with plain HTTP requests. Scripts are not executed, so images and links
// added at runtime are invisible to it.
type CurlFetcher struct {
	opts   CurlOptions
	closed atomic.Bool
}

func NewCurlFetcher(opts CurlOptions) *CurlFetcher {
	return &CurlFetcher{opts: opts}
}

func (f *CurlFetcher) FetchPage(ctx context.Context, url string) (*model.Page, error) {
	if f.closed.Load() {
		return nil, crawler.ErrResourceClosed
	}

	page, status, err := f.visit(ctx, url)
	// Retries with exponential backoff for 429 status code
	for retry, delay := f.opts.RetryAttempts, f.opts.RetryDelay; status == http.StatusTooManyRequests &&
		retry > 0; retry, delay = retry-1, delay*2 {
		slog.Warn("too many requests status code. retrying...", slog.String("url", url),
			slog.Int("attempts left", retry))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", crawler.ErrFetch, url, ctx.Err())
		}
		page, status, err = f.visit(ctx, url)
	}
	if err != nil {
		return nil, err
	}

	return page, nil
}

func (f *CurlFetcher) visit(ctx context.Context, url string) (*model.Page, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %w", crawler.ErrFetch, url, err)
	}

	c := colly.NewCollector()
	if f.opts.Transport != nil {
		c.WithTransport(f.opts.Transport)
	}
	if f.opts.Timeout > 0 {
		c.SetRequestTimeout(f.opts.Timeout)
	}
	if f.opts.UserAgent != "" {
		c.UserAgent = f.opts.UserAgent
	}

	page := &model.Page{URL: url}
	status := 0
	c.OnResponse(func(resp *colly.Response) {
		status = resp.StatusCode
	})
	c.OnHTML("img[src]", func(e *colly.HTMLElement) {
		if abs := e.Request.AbsoluteURL(strings.TrimSpace(e.Attr("src"))); abs != "" {
			page.ImageSrcs = append(page.ImageSrcs, abs)
		}
	})
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if abs := e.Request.AbsoluteURL(strings.TrimSpace(e.Attr("href"))); abs != "" {
			page.LinkHrefs = append(page.LinkHrefs, abs)
		}
	})
	c.OnError(func(resp *colly.Response, err error) {
		if resp != nil {
			status = resp.StatusCode
		}
	})

	if err := c.Visit(url); err != nil {
		if status != 0 {
			return nil, status, fmt.Errorf("%w: %s: status %d: %w", crawler.ErrFetch, url, status, err)
		}
		return nil, status, fmt.Errorf("%w: %s: %w", crawler.ErrFetch, url, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, status, fmt.Errorf("%w: %s: %w", crawler.ErrFetch, url, err)
	}

	return page, status, nil
}

func (f *CurlFetcher) Close() error {
	f.closed.Store(true)
	return nil
}
