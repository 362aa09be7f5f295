package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/image-crawler/config"
	"github.com/IliaW/image-crawler/internal/model"
	"github.com/IliaW/image-crawler/internal/telemetry"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		m := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type dlqRecorder struct {
	mu       sync.Mutex
	payloads []string
	reasons  []error
}

func (d *dlqRecorder) SendUrlToDLQ(payload string, reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, payload)
	d.reasons = append(d.reasons, reason)
}

func newTestConsumer(t *testing.T, taskChan chan *model.CrawlTask, values ...string) (*KafkaConsumerClient,
	*fakeReader, *dlqRecorder) {
	t.Helper()
	reader := &fakeReader{}
	for i, v := range values {
		reader.messages = append(reader.messages, kafka.Message{Offset: int64(i), Value: []byte(v)})
	}
	dlq := &dlqRecorder{}
	cfg := &config.Config{ServiceName: "image-crawler-test", TelemetrySettings: &config.TelemetryConfig{}}
	return &KafkaConsumerClient{
		taskChan: taskChan,
		reader:   reader,
		dlq:      dlq,
		metrics:  telemetry.SetupMetrics(context.Background(), cfg).KafkaConsumerMetrics,
		cfg:      &config.ConsumerConfig{ReadTopicName: "image-crawler.tasks"},
		wg:       &sync.WaitGroup{},
	}, reader, dlq
}

func TestKafkaConsumer_Run(t *testing.T) {
	defer goleak.VerifyNone(t)
	taskChan := make(chan *model.CrawlTask, 1)
	c, reader, dlq := newTestConsumer(t, taskChan,
		`{"url": " https://example.com ", "depth": 2, "force": true}`,
		`not json`,
		`{"depth": 1}`)
	ctx, cancel := context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.Run(ctx)

	task := <-taskChan
	assert.Equal(t, &model.CrawlTask{URL: "https://example.com", Depth: 2, Force: true}, task)
	assert.Eventually(t, func() bool { return len(reader.commits()) == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	c.wg.Wait()

	_, open := <-taskChan
	assert.False(t, open, "taskChan is closed on shutdown")
	assert.True(t, reader.closed)
	assert.ElementsMatch(t, []int64{0, 1, 2}, reader.commits())
	assert.Equal(t, []string{`not json`, `{"depth": 1}`}, dlq.payloads)
	for _, reason := range dlq.reasons {
		assert.ErrorIs(t, reason, ErrMalformedTask)
	}
}

func TestKafkaConsumer_RunLeavesPendingTaskUncommitted(t *testing.T) {
	defer goleak.VerifyNone(t)
	// unbuffered and never read, so the hand off can only end by cancellation
	taskChan := make(chan *model.CrawlTask)
	c, reader, _ := newTestConsumer(t, taskChan, `{"url": "https://example.com", "depth": 1}`)
	ctx, cancel := context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	c.wg.Wait()

	assert.Empty(t, reader.commits(), "a task no worker accepted is redelivered")
}

func TestDecodeTask(t *testing.T) {
	task, err := decodeTask([]byte(`{"url": "example.com", "depth": 3}`))
	require.NoError(t, err)
	assert.Equal(t, &model.CrawlTask{URL: "example.com", Depth: 3}, task)

	for _, value := range []string{``, `[]`, `{"url": "   "}`, `{"url": 42}`} {
		_, err := decodeTask([]byte(value))
		assert.ErrorIs(t, err, ErrMalformedTask, value)
	}
}
