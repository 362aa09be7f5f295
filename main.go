package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/IliaW/image-crawler/config"
	"github.com/IliaW/image-crawler/internal/aws_s3"
	"github.com/IliaW/image-crawler/internal/broker"
	cacheClient "github.com/IliaW/image-crawler/internal/cache"
	"github.com/IliaW/image-crawler/internal/crawler"
	"github.com/IliaW/image-crawler/internal/export"
	"github.com/IliaW/image-crawler/internal/fetcher"
	"github.com/IliaW/image-crawler/internal/model"
	"github.com/IliaW/image-crawler/internal/persistence"
	"github.com/IliaW/image-crawler/internal/telemetry"
	"github.com/IliaW/image-crawler/internal/worker"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
)

var (
	cfg   *config.Config
	db    *sql.DB
	cache cacheClient.CachedClient
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	setupLogger()
	metrics := telemetry.SetupMetrics(context.Background(), cfg)
	defer metrics.Close()
	cache = setupCache()
	defer cache.Close()
	httpTransport := getHttpTransport()
	crawlMechanism := model.CrawlMechanism(cfg.CrawlerSettings.CrawlMechanism)

	crawlWorker := &worker.CrawlWorker{
		Cfg: cfg,
		NewFetcher: func() (crawler.PageFetcher, error) {
			return fetcher.New(cfg.CrawlerSettings, httpTransport)
		},
		Exporter: setupExporter(),
		Cache:    cache,
		Metrics:  metrics.AppMetrics,
	}
	if cfg.DbSettings.Enabled {
		db = setupDatabase()
		defer closeDatabase()
		crawlWorker.Db = persistence.NewSessionRepository(db)
	}

	if cfg.Mode == config.ModeKafka {
		slog.Info("starting application on port "+cfg.Port, slog.String("env", cfg.Env),
			slog.String("crawl mechanism", crawlMechanism.String()))
		runKafka(ctx, crawlWorker, metrics)
		return
	}

	slog.Info("starting crawl.", slog.String("crawl mechanism", crawlMechanism.String()))
	if err := runOnce(ctx, crawlWorker); err != nil {
		slog.Error("crawl failed.", slog.String("err", err.Error()))
		fmt.Fprintf(os.Stderr, "Error thrown: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// runOnce crawls the seed given on the command line. Ctrl+C stops the crawl and still exports
// what was collected.
func runOnce(ctx context.Context, crawlWorker *worker.CrawlWorker) error {
	task := model.CrawlTask{URL: cfg.SeedURL, Depth: cfg.Depth, Force: true}
	exportTask, err := crawlWorker.Process(ctx, task)
	if exportTask == nil {
		if err == nil {
			err = errors.New("nothing was exported")
		}
		return err
	}
	if err != nil {
		slog.Warn("crawl ended early.", slog.String("err", err.Error()))
	}
	slog.Info("done.", slog.String("session", exportTask.SessionID), slog.String("location", exportTask.Location),
		slog.Int("images", exportTask.Images), slog.Bool("cancelled", exportTask.Cancelled))

	return nil
}

func runKafka(ctx context.Context, crawlWorker *worker.CrawlWorker, metrics *telemetry.MetricsProvider) {
	kafkaDLQ := broker.NewKafkaDLQ(cfg.ServiceName, cfg.KafkaSettings.Producer)
	defer kafkaDLQ.Close()

	threadNum := parallelWorkers()
	taskChan := make(chan *model.CrawlTask, threadNum*2)
	exportChan := make(chan *model.ExportTask, threadNum*2)

	kafkaWg := &sync.WaitGroup{}
	kafkaWg.Add(1)
	kafkaConsumer := broker.NewKafkaConsumer(taskChan, kafkaDLQ, metrics.KafkaConsumerMetrics,
		cfg.KafkaSettings.Consumer, kafkaWg)
	go kafkaConsumer.Run(ctx)

	workerWg := &sync.WaitGroup{}
	crawlWorker.TaskChan = taskChan
	crawlWorker.ExportChan = exportChan
	crawlWorker.KafkaDLQ = kafkaDLQ
	crawlWorker.Wg = workerWg

	for i := 0; i < threadNum; i++ {
		workerWg.Add(1)
		go crawlWorker.Run(ctx)
	}

	kafkaWg.Add(1)
	kafkaProducer := broker.NewKafkaProducer(exportChan, metrics.KafkaProducerMetrics,
		cfg.KafkaSettings.Producer, kafkaWg)
	go kafkaProducer.Run()

	go healthCheckHandler()

	// Graceful shutdown.
	// 1. Stop Kafka Consumer by system call. Close taskChan
	// 2. Wait till all Workers processed all messages from taskChan. Close exportChan
	// 3. Wait till Producer process all messages from exportChan and write to Kafka. Stop Kafka Producer
	// 4. Close database and memcached connections
	<-ctx.Done()
	slog.Info("stopping server...")
	workerWg.Wait()
	close(exportChan)
	slog.Info("close exportChan.")
	kafkaWg.Wait()
	slog.Info("server stopped.")
}

func setupExporter() export.Exporter {
	exporters := export.MultiExporter{export.NewFileExporter(cfg.ExportSettings.Folder, cfg.ExportSettings.Prefix)}
	if cfg.ExportSettings.S3Enabled {
		s3, err := aws_s3.NewS3BucketClient(cfg)
		if err != nil {
			slog.Error("failed to connect to s3.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		exporters = append(exporters, s3)
	}

	return exporters
}

func setupCache() cacheClient.CachedClient {
	if cfg.CacheSettings.Enabled && len(cfg.CacheSettings.Servers) > 0 {
		return cacheClient.NewMemcachedClient(cfg.CacheSettings)
	}
	slog.Debug("memcached is disabled. using local cache.")
	return cacheClient.NewLocalClient(cfg.CacheSettings.TtlForSeed)
}

func setupLogger() *slog.Logger {
	envLogLevel := strings.ToLower(cfg.LogLevel)
	var slogLevel slog.Level
	err := slogLevel.UnmarshalText([]byte(envLogLevel))
	if err != nil {
		log.Printf("encountenred log level: '%s'. The package does not support custom log levels", envLogLevel)
		slogLevel = slog.LevelDebug
	}
	log.Printf("slog level overwritten to '%v'", slogLevel)
	slog.SetLogLoggerLevel(slogLevel)

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs,
			NoColor: func() bool {
				if cfg.Env == "local" {
					return false
				}
				return true
			}()}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupDatabase() *sql.DB {
	slog.Info("connecting to the database...")
	connStr := fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cfg.DbSettings.User,
		cfg.DbSettings.Password,
		cfg.DbSettings.Host,
		cfg.DbSettings.Port,
		cfg.DbSettings.Name,
	)
	database, err := sql.Open("postgres", connStr)
	if err != nil {
		slog.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		slog.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			slog.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				slog.Error("failed to establish database connection.")
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	slog.Info("connected to the database!")

	return database
}

func closeDatabase() {
	slog.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		slog.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}

// Set -1 to use all available CPUs
func parallelWorkers() int {
	customNumCPU := cfg.WorkerSettings.WorkersNum
	if customNumCPU == -1 {
		return runtime.NumCPU()
	}
	if customNumCPU <= 0 {
		slog.Error("workers number is 0 or less than -1")
		os.Exit(1)
	}

	return customNumCPU
}

func healthCheckHandler() {
	http.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	if err := http.ListenAndServe(":"+cfg.Port, nil); err != nil {
		slog.Error("http server error", slog.String("err", err.Error()))
	}
}

func getHttpTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        cfg.HttpClientSettings.MaxIdleConnections,
		MaxIdleConnsPerHost: cfg.HttpClientSettings.MaxIdleConnectionsPerHost,
		MaxConnsPerHost:     cfg.HttpClientSettings.MaxConnectionsPerHost,
		IdleConnTimeout:     cfg.HttpClientSettings.IdleConnectionTimeout,
		TLSHandshakeTimeout: cfg.HttpClientSettings.TlsHandshakeTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.HttpClientSettings.DialTimeout,
			KeepAlive: cfg.HttpClientSettings.DialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.HttpClientSettings.TlsInsecureSkipVerify,
		},
	}
}
