package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/detectors/aws/ecs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/IliaW/image-crawler/config"
	"github.com/google/uuid"
)

type MetricsProvider struct {
	KafkaConsumerMetrics *KafkaConsumerMetrics
	KafkaProducerMetrics *KafkaProducerMetrics
	AppMetrics           *AppMetrics
	Close                func()
}

type KafkaConsumerMetrics struct {
	SuccessfullyReadMsgCnt func(count int64)
	FailedReadMsgCnt       func(count int64)
}

type KafkaProducerMetrics struct {
	SuccessfullySendMsgCnt func(count int64)
	FailedSendMsgCnt       func(count int64)
}

type AppMetrics struct {
	PagesFetchedCnt      func(count int64)
	PagesFailedCnt       func(count int64)
	ImagesRecordedCnt    func(count int64)
	LinksDiscardedCnt    func(count int64)
	SessionsExportedCnt  func(count int64)
	SessionsFailedCnt    func(count int64)
	SessionsSkippedCnt   func(count int64)
	SessionsCancelledCnt func(count int64)
}

func SetupMetrics(ctx context.Context, cfg *config.Config) *MetricsProvider {
	metricsProvider := new(MetricsProvider)
	var meterProvider *sdkmetric.MeterProvider
	enabled := cfg.TelemetrySettings != nil && cfg.TelemetrySettings.Enabled

	if enabled {
		r, err := newResource(cfg)
		if err != nil {
			slog.Error("failed to get resource.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		exporter, err := newMetricExporter(ctx, cfg.TelemetrySettings)
		if err != nil {
			slog.Error("failed to get metric exporter.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		meterProvider = newMeterProvider(exporter, *r)
		otel.SetMeterProvider(meterProvider)
	}

	meter := otel.Meter(cfg.ServiceName)
	metricsProvider.Close = func() {
		if meterProvider != nil {
			err := meterProvider.Shutdown(ctx)
			if err != nil {
				slog.Error("failed to shutdown metrics provider.", slog.String("err", err.Error()))
			}
		}
	}

	// counter registers an Int64Counter and returns a recorder that is a no-op while telemetry is off
	counter := func(name, description, unit string) func(int64) {
		c, err := meter.Int64Counter("image-crawler."+name, metric.WithDescription(description),
			metric.WithUnit(unit))
		if err != nil {
			slog.Error("failed to create telemetry counter.", slog.String("name", name),
				slog.String("err", err.Error()))
			os.Exit(1)
		}
		return func(count int64) {
			if enabled {
				c.Add(ctx, count)
			}
		}
	}

	metricsProvider.KafkaConsumerMetrics = &KafkaConsumerMetrics{
		SuccessfullyReadMsgCnt: counter("kafka.read.success",
			"The number of crawl tasks that the kafka consumer successfully read", "{messages}"),
		FailedReadMsgCnt: counter("kafka.read.fail",
			"The number of crawl tasks that the kafka consumer could not read", "{messages}"),
	}
	metricsProvider.KafkaProducerMetrics = &KafkaProducerMetrics{
		SuccessfullySendMsgCnt: counter("kafka.send.success",
			"The number of export notifications that the kafka producer successfully sent", "{messages}"),
		FailedSendMsgCnt: counter("kafka.send.fail",
			"The number of export notifications that the kafka producer could not send", "{messages}"),
	}
	metricsProvider.AppMetrics = &AppMetrics{
		PagesFetchedCnt:   counter("pages.fetched", "The number of pages fetched and indexed", "{pages}"),
		PagesFailedCnt:    counter("pages.failed", "The number of pages the fetcher could not load", "{pages}"),
		ImagesRecordedCnt: counter("images.recorded", "The number of unique image records collected", "{images}"),
		LinksDiscardedCnt: counter("links.discarded",
			"The number of links dropped by depth, host or validity checks", "{links}"),
		SessionsExportedCnt: counter("sessions.exported", "The number of crawl sessions exported", "{sessions}"),
		SessionsFailedCnt: counter("sessions.fail",
			"The number of crawl tasks that could not be processed. Send to DLQ.", "{sessions}"),
		SessionsSkippedCnt: counter("sessions.skipped",
			"The number of crawl tasks skipped because the seed was crawled recently", "{sessions}"),
		SessionsCancelledCnt: counter("sessions.cancelled",
			"The number of crawl sessions stopped before the frontier was exhausted", "{sessions}"),
	}

	return metricsProvider
}

func newResource(cfg *config.Config) (*resource.Resource, error) {
	ecsResourceDetector := ecs.NewResourceDetector()
	ecsResource, err := ecsResourceDetector.Detect(context.Background())
	if err != nil {
		slog.Error("ecs detection failed", slog.String("err", err.Error()))
	}
	mergedResource, err := resource.Merge(ecsResource, resource.Default())
	if err != nil {
		slog.Error("failed to merge resources", slog.String("err", err.Error()))
	}
	keyValue, found := ecsResource.Set().Value("container.id")
	var serviceId string
	if found {
		serviceId = keyValue.AsString()
	} else {
		serviceId = uuid.New().String()
	}
	return resource.Merge(mergedResource,
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Env),
			semconv.ServiceInstanceID(serviceId),
		))
}

func newMetricExporter(ctx context.Context, cfg *config.TelemetryConfig) (sdkmetric.Exporter, error) {
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.CollectorUrl),
		otlpmetrichttp.WithInsecure())
}

func newMeterProvider(meterExporter sdkmetric.Exporter, resource resource.Resource) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(meterExporter)),
		sdkmetric.WithResource(&resource),
	)
}
