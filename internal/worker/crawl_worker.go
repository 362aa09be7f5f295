package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IliaW/image-crawler/config"
	"github.com/IliaW/image-crawler/internal/cache"
	"github.com/IliaW/image-crawler/internal/crawler"
	"github.com/IliaW/image-crawler/internal/export"
	"github.com/IliaW/image-crawler/internal/model"
	"github.com/IliaW/image-crawler/internal/persistence"
	"github.com/IliaW/image-crawler/internal/telemetry"
	"github.com/IliaW/image-crawler/internal/urlnorm"
	jsoniter "github.com/json-iterator/go"
)

var (
	ErrRecentlyCrawled = errors.New("seed was crawled recently")
	ErrShuttingDown    = errors.New("worker is shutting down")
)

type DeadLetterQueue interface {
	SendUrlToDLQ(payload string, reason error)
}

// CrawlWorker turns crawl tasks into exported crawl sessions. Each task gets a fresh fetcher since
// the crawler releases it when the session ends.
type CrawlWorker struct {
	TaskChan   <-chan *model.CrawlTask
	ExportChan chan<- *model.ExportTask
	Cfg        *config.Config
	NewFetcher func() (crawler.PageFetcher, error)
	Exporter   export.Exporter
	Db         persistence.SessionStorage
	Cache      cache.CachedClient
	Wg         *sync.WaitGroup
	KafkaDLQ   DeadLetterQueue
	Metrics    *telemetry.AppMetrics
}

// Run processes tasks until TaskChan is closed. Tasks still queued after ctx is done are parked in
// the DLQ instead of being crawled.
func (w *CrawlWorker) Run(ctx context.Context) {
	defer w.Wg.Done()
	slog.Debug("starting crawl worker.")

	for task := range w.TaskChan {
		if ctx.Err() != nil {
			w.KafkaDLQ.SendUrlToDLQ(dlqPayload(task), ErrShuttingDown)
			continue
		}

		exportTask, err := w.Process(ctx, *task)
		if errors.Is(err, ErrRecentlyCrawled) {
			continue
		}
		if exportTask == nil {
			slog.Error("crawl task failed.", slog.String("url", task.URL), slog.String("err", err.Error()))
			w.KafkaDLQ.SendUrlToDLQ(dlqPayload(task), err)
			continue
		}
		w.ExportChan <- exportTask
	}
}

// dlqPayload re-encodes task so it can be replayed onto the task topic as is.
func dlqPayload(task *model.CrawlTask) string {
	body, err := jsoniter.Marshal(task)
	if err != nil {
		return task.URL
	}
	return string(body)
}

// Process runs one crawl session and exports its result. It returns a nil task when nothing was
// exported. A non-nil task may come with an error when the session ended early.
func (w *CrawlWorker) Process(ctx context.Context, task model.CrawlTask) (*model.ExportTask, error) {
	seed, err := urlnorm.Normalize(task.URL)
	if err != nil {
		w.Metrics.SessionsFailedCnt(1)
		return nil, fmt.Errorf("%w: %w", crawler.ErrInvalidSeed, err)
	}
	if !task.Force {
		if info, ok := w.Cache.RecentSession(seed); ok {
			slog.Info("seed was crawled recently. skipping.", slog.String("url", seed),
				slog.String("session", info.SessionID), slog.String("location", info.Location))
			w.Metrics.SessionsSkippedCnt(1)
			return nil, ErrRecentlyCrawled
		}
	}

	fetcher, err := w.NewFetcher()
	if err != nil {
		w.Metrics.SessionsFailedCnt(1)
		return nil, fmt.Errorf("failed to create fetcher: %w", err)
	}
	c := crawler.NewCrawler(fetcher, crawler.Options{
		Concurrency: w.Cfg.CrawlerSettings.Concurrency,
		MaxPages:    w.Cfg.CrawlerSettings.MaxPages,
		Verbose:     w.Cfg.Verbose,
		Observer:    w.observe,
	})
	result, crawlErr := c.Run(ctx, seed, task.Depth)
	if result == nil {
		w.Metrics.SessionsFailedCnt(1)
		return nil, crawlErr
	}
	if crawlErr != nil {
		slog.Warn("crawl aborted. exporting partial result.", slog.String("session", result.SessionID),
			slog.String("err", crawlErr.Error()))
	}
	if result.Cancelled {
		w.Metrics.SessionsCancelledCnt(1)
	}

	// the session is exported even if ctx was cancelled mid crawl
	exportCtx := context.WithoutCancel(ctx)
	location, err := w.Exporter.Export(exportCtx, result)
	if err != nil {
		if location == "" {
			w.Metrics.SessionsFailedCnt(1)
			return nil, errors.Join(crawlErr, fmt.Errorf("export failed: %w", err))
		}
		slog.Warn("export partially failed.", slog.String("location", location), slog.String("err", err.Error()))
	}
	if w.Db != nil {
		w.Db.Save(exportCtx, result)
	}
	if !result.Cancelled && crawlErr == nil {
		w.Cache.SaveSessionInfo(result.SeedURL, &cache.SessionInfo{
			SessionID: result.SessionID,
			Location:  location,
			Images:    len(result.Images),
		})
	}
	w.Metrics.SessionsExportedCnt(1)

	return &model.ExportTask{
		SessionID: result.SessionID,
		SeedURL:   result.SeedURL,
		BaseHost:  result.BaseHost,
		Location:  location,
		Images:    len(result.Images),
		Cancelled: result.Cancelled,
	}, crawlErr
}

func (w *CrawlWorker) observe(e crawler.Event) {
	switch e.Kind {
	case crawler.EventFetched:
		w.Metrics.PagesFetchedCnt(1)
	case crawler.EventFetchFailed:
		w.Metrics.PagesFailedCnt(1)
	case crawler.EventImageRecorded:
		w.Metrics.ImagesRecordedCnt(1)
	case crawler.EventDiscarded:
		w.Metrics.LinksDiscardedCnt(1)
	}
}
