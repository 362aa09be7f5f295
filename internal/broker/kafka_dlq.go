package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/IliaW/image-crawler/config"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
)

// DeadLetter is the payload written to the dead letter topic.
type DeadLetter struct {
	Service string    `json:"service"`
	Payload string    `json:"payload"`
	Error   string    `json:"error"`
	Time    time.Time `json:"time"`
}

// KafkaDLQClient parks crawl tasks that could not be processed.
type KafkaDLQClient struct {
	serviceName string
	kafkaWriter *kafka.Writer
}

func NewKafkaDLQ(serviceName string, cfg *config.ProducerConfig) *KafkaDLQClient {
	return &KafkaDLQClient{
		serviceName: serviceName,
		kafkaWriter: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Addr...),
			Topic:        cfg.DeadLetterTopicName,
			Balancer:     &kafka.LeastBytes{},
			MaxAttempts:  cfg.MaxAttempts,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (d *KafkaDLQClient) SendUrlToDLQ(payload string, reason error) {
	letter := DeadLetter{
		Service: d.serviceName,
		Payload: payload,
		Time:    time.Now().UTC(),
	}
	if reason != nil {
		letter.Error = reason.Error()
	}
	body, err := jsoniter.Marshal(letter)
	if err != nil {
		slog.Error("marshaling error.", slog.String("err", err.Error()))
		return
	}
	err = d.kafkaWriter.WriteMessages(context.Background(), kafka.Message{Value: body})
	if err != nil {
		slog.Error("failed to send message to dlq.", slog.String("payload", payload),
			slog.String("err", err.Error()))
		return
	}
	slog.Debug("message sent to dlq.", slog.String("payload", payload))
}

func (d *KafkaDLQClient) Close() {
	if err := d.kafkaWriter.Close(); err != nil {
		slog.Error("failed to close dlq writer.", slog.String("err", err.Error()))
	}
}
