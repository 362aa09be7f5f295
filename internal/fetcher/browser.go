package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IliaW/image-crawler/internal/crawler"
	"github.com/IliaW/image-crawler/internal/model"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const (
	collectImages = `Array.from(document.images).map(i => i.src).filter(s => s)`
	collectLinks  = `Array.from(document.links).map(l => l.href).filter(h => h)`
)

type BrowserOptions struct {
	Timeout   time.Duration
	UserAgent string
	Headless  bool
	// WaitEvent is the page lifecycle event awaited before reading the DOM, e.g. "networkIdle".
	WaitEvent string
}

// BrowserFetcher renders pages in a headless Chrome and reads images and links from the live DOM.
// All pages share one browser process; each fetch runs in its own tab.
type BrowserFetcher struct {
	opts          BrowserOptions
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewBrowserFetcher(opts BrowserOptions) (*BrowserFetcher, error) {
	if opts.WaitEvent == "" {
		opts.WaitEvent = "networkIdle"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.UserAgent != "" {
		execOpts = append(execOpts, chromedp.UserAgent(opts.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// an empty run starts the browser so launch errors surface here and not on the first page
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	slog.Debug("browser started.", slog.Bool("headless", opts.Headless))

	return &BrowserFetcher{
		opts:          opts,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func (f *BrowserFetcher) FetchPage(ctx context.Context, url string) (*model.Page, error) {
	if f.closed.Load() {
		return nil, crawler.ErrResourceClosed
	}

	tabCtx, cancelTab := chromedp.NewContext(f.browserCtx)
	defer cancelTab()
	tCtx, cancel := context.WithTimeout(tabCtx, f.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var status atomic.Int64
	chromedp.ListenTarget(tCtx, func(event interface{}) {
		if e, ok := event.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			status.CompareAndSwap(0, e.Response.Status)
		}
	})

	result := &model.Page{URL: url}
	err := chromedp.Run(tCtx,
		network.Enable(),
		enableLifeCycleEvents(),
		navigateAndWaitFor(url, f.opts.WaitEvent),
		chromedp.Evaluate(collectImages, &result.ImageSrcs),
		chromedp.Evaluate(collectLinks, &result.LinkHrefs),
	)
	if err != nil {
		if f.closed.Load() {
			return nil, crawler.ErrResourceClosed
		}
		return nil, fmt.Errorf("%w: %s: %w", crawler.ErrFetch, url, err)
	}
	if code := status.Load(); code >= 400 {
		return nil, fmt.Errorf("%w: %s: status %d", crawler.ErrFetch, url, code)
	}

	return result, nil
}

// Close shuts the browser down. Fetches still running fail with crawler.ErrResourceClosed.
func (f *BrowserFetcher) Close() error {
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		f.closeErr = chromedp.Cancel(f.browserCtx)
		f.browserCancel()
		f.allocCancel()
		slog.Debug("browser closed.")
	})
	return f.closeErr
}

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		err := page.Enable().Do(ctx)
		if err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	}
}

// navigateAndWaitFor subscribes to lifecycle events before navigating so a fast page cannot fire
// eventName ahead of the listener.
func navigateAndWaitFor(url string, eventName string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ch := make(chan struct{})
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		var once sync.Once
		chromedp.ListenTarget(cctx, func(ev interface{}) {
			if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == eventName {
				once.Do(func() { close(ch) })
			}
		})

		_, _, errorText, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("navigation failed: %s", errorText)
		}

		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
