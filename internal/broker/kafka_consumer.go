package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/IliaW/image-crawler/config"
	"github.com/IliaW/image-crawler/internal/model"
	"github.com/IliaW/image-crawler/internal/telemetry"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
)

var ErrMalformedTask = errors.New("malformed crawl task")

type DeadLetterQueue interface {
	SendUrlToDLQ(payload string, reason error)
}

// messageReader is the part of *kafka.Reader the consumer relies on.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumerClient decodes crawl tasks from the task topic and hands them to the workers.
// A message is committed once a worker channel accepted it, or once it was parked in the DLQ.
type KafkaConsumerClient struct {
	taskChan chan<- *model.CrawlTask
	reader   messageReader
	dlq      DeadLetterQueue
	metrics  *telemetry.KafkaConsumerMetrics
	cfg      *config.ConsumerConfig
	wg       *sync.WaitGroup
}

// NewKafkaConsumer reads crawl tasks into taskChan. taskChan is closed when ctx is done.
func NewKafkaConsumer(taskChan chan<- *model.CrawlTask, dlq DeadLetterQueue, metrics *telemetry.KafkaConsumerMetrics,
	cfg *config.ConsumerConfig, wg *sync.WaitGroup) *KafkaConsumerClient {
	return &KafkaConsumerClient{
		taskChan: taskChan,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:          cfg.Brokers,
			Topic:            cfg.ReadTopicName,
			GroupID:          cfg.GroupID,
			MaxWait:          cfg.MaxWait,
			ReadBatchTimeout: cfg.ReadBatchTimeout,
			QueueCapacity:    cfg.QueueCapacity,
			MaxBytes:         cfg.MaxBytes,
			CommitInterval:   cfg.CommitInterval,
		}),
		dlq:     dlq,
		metrics: metrics,
		cfg:     cfg,
		wg:      wg,
	}
}

func (c *KafkaConsumerClient) Run(ctx context.Context) {
	slog.Info("starting kafka consumer.", slog.String("topic", c.cfg.ReadTopicName))
	defer c.wg.Done()
	defer func() {
		if err := c.reader.Close(); err != nil {
			slog.Error("failed to close kafka reader.", slog.String("err", err.Error()))
		}
		close(c.taskChan)
		slog.Info("close taskChan.")
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("stopping kafka reader.")
				return
			}
			slog.Error("failed to fetch message from kafka.", slog.String("err", err.Error()))
			c.metrics.FailedReadMsgCnt(1)
			continue
		}

		task, err := decodeTask(m.Value)
		if err != nil {
			slog.Warn("failed to decode crawl task. sending to dlq.", slog.Int64("offset", m.Offset),
				slog.String("err", err.Error()))
			c.metrics.FailedReadMsgCnt(1)
			c.dlq.SendUrlToDLQ(string(m.Value), err)
			c.commit(m)
			continue
		}

		select {
		case c.taskChan <- task:
		case <-ctx.Done():
			// left uncommitted, the group redelivers it after restart
			slog.Info("stopping kafka reader.", slog.String("pending", task.URL))
			return
		}
		if c.commit(m) {
			c.metrics.SuccessfullyReadMsgCnt(1)
			slog.Debug("crawl task handed to workers.", slog.String("url", task.URL), slog.Int("depth", task.Depth))
		}
	}
}

func (c *KafkaConsumerClient) commit(m kafka.Message) bool {
	if err := c.reader.CommitMessages(context.Background(), m); err != nil {
		slog.Error("failed to commit messages.", slog.Int64("offset", m.Offset), slog.String("err", err.Error()))
		c.metrics.FailedReadMsgCnt(1)
		return false
	}
	return true
}

func decodeTask(value []byte) (*model.CrawlTask, error) {
	var task model.CrawlTask
	if err := jsoniter.Unmarshal(value, &task); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTask, err)
	}
	task.URL = strings.TrimSpace(task.URL)
	if task.URL == "" {
		return nil, fmt.Errorf("%w: missing url", ErrMalformedTask)
	}
	return &task, nil
}
