package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IliaW/image-crawler/config"
	"github.com/IliaW/image-crawler/internal/crawler"
	"github.com/IliaW/image-crawler/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/karust/gogetcrawl/common"
	"github.com/karust/gogetcrawl/commoncrawl"
	"github.com/patrickmn/go-cache"
)

const indexListUrl = "https://index.commoncrawl.org/collinfo.json"

var errNotArchived = errors.New("page not found in common crawl")

type Index struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Timegate string `json:"timegate"`
	CdxAPI   string `json:"cdx-api"`
}

// ArchiveFetcher reads pages from the most recent Common Crawl snapshots instead of the live site.
// The Common Crawl API is heavily rate limited, so requests are serialized.
type ArchiveFetcher struct {
	mu         sync.Mutex
	client     *commoncrawl.CommonCrawl
	cfg        *config.ArchiveConfig
	localCache *cache.Cache
	closed     atomic.Bool
}

func NewArchiveFetcher(cfg *config.ArchiveConfig) *ArchiveFetcher {
	c, err := commoncrawl.New(cfg.RequestTimeout, cfg.Retries)
	if err != nil {
		slog.Error("failed to create common crawl client.", slog.String("err", err.Error()))
	}
	return &ArchiveFetcher{
		client:     c,
		cfg:        cfg,
		localCache: cache.New(72*time.Hour, 72*time.Hour), // CommonCrawl indexes update every month
	}
}

func (f *ArchiveFetcher) FetchPage(ctx context.Context, url string) (*model.Page, error) {
	if f.closed.Load() {
		return nil, crawler.ErrResourceClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", crawler.ErrFetch, url, err)
	}

	if f.client == nil { // the client may fail to connect at startup due to request limits
		slog.Info("connection retry to common crawl.")
		c, err := commoncrawl.New(f.cfg.RequestTimeout, f.cfg.Retries)
		if err != nil {
			return nil, fmt.Errorf("%w: connection to common crawl failed: %w", crawler.ErrFetch, err)
		}
		f.client = c
	}

	indexList, err := f.getIndexes()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load common crawl indexes: %w", crawler.ErrFetch, err)
	}
	requestCfg := common.RequestConfig{
		URL:     url,
		Filters: []string{"statuscode:200", "mimetype:text/html"},
	}

	for i := 0; i < f.cfg.LastCrawlIndexes && i < len(indexList); i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", crawler.ErrFetch, url, err)
		}
		p, _ := f.client.GetPagesIndex(requestCfg, indexList[i].Id)
		if len(p) == 0 {
			slog.Debug("no crawls found in common crawl.", slog.String("url", url),
				slog.String("index", indexList[i].Id))
			continue
		}
		resp, err := f.client.GetFile(p[len(p)-1]) // last one is the most recent
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", crawler.ErrFetch, url, err)
		}
		html := extractHtml(string(resp))
		if html == "" {
			continue
		}
		return ExtractPage(url, strings.NewReader(html))
	}

	return nil, fmt.Errorf("%w: %s: %w", crawler.ErrFetch, url, errNotArchived)
}

func (f *ArchiveFetcher) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *ArchiveFetcher) getIndexes() ([]Index, error) {
	if i, ok := f.localCache.Get("indexes"); ok {
		return i.([]Index), nil
	}

	response, err := common.Get(indexListUrl, f.client.MaxTimeout, f.client.MaxRetries)
	if err != nil {
		return nil, err
	}

	var indexes []Index
	err = jsoniter.Unmarshal(response, &indexes)
	if err != nil {
		return nil, err
	}
	f.localCache.Set("indexes", indexes, cache.DefaultExpiration)

	return indexes, nil
}
