package fetcher

import (
	"fmt"
	"net/http"

	"github.com/IliaW/image-crawler/config"
	"github.com/IliaW/image-crawler/internal/crawler"
	"github.com/IliaW/image-crawler/internal/model"
)

// New builds the fetcher for the configured crawl mechanism. Every crawl session needs its own
// fetcher since the crawler releases it when the session ends.
func New(cfg *config.CrawlerConfig, transport *http.Transport) (crawler.PageFetcher, error) {
	switch mechanism := model.CrawlMechanism(cfg.CrawlMechanism); mechanism {
	case model.Curl:
		return NewCurlFetcher(CurlOptions{
			Timeout:       cfg.PageTimeout,
			UserAgent:     cfg.UserAgent,
			Transport:     transport,
			RetryAttempts: cfg.RetryAttempts,
			RetryDelay:    cfg.RetryDelay,
		}), nil
	case model.HeadlessBrowser:
		return NewBrowserFetcher(BrowserOptions{
			Timeout:   cfg.PageTimeout,
			UserAgent: cfg.UserAgent,
			Headless:  cfg.Headless,
			WaitEvent: cfg.WaitEvent,
		})
	case model.Archive:
		if cfg.Archive == nil {
			return nil, fmt.Errorf("archive settings are missing")
		}
		return NewArchiveFetcher(cfg.Archive), nil
	default:
		return nil, fmt.Errorf("unsupported crawl mechanism: %d", mechanism)
	}
}
