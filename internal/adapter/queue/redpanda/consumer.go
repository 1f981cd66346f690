package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskhub/internal/adapter/queue/shared"
)

// Consumer reads envelopes from the queue topics and feeds them to a bounded
// worker pool. Offsets are marked only after the runner accepts an envelope,
// so a crash mid-task redelivers it to another worker.
type Consumer struct {
	client      *kgo.Client
	runner      *shared.Runner
	groupID     string
	topics      []string
	concurrency int

	jobQueue chan *kgo.Record
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewConsumer constructs a group consumer over the given queue topics.
func NewConsumer(brokers []string, groupID string, topics []string, concurrency int, runner *shared.Runner) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=consumer.new: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=consumer.new: missing required group ID")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("op=consumer.new: no topics to consume")
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	// Ensure topics exist before the group subscribes to them.
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("op=consumer.new: temp client: %w", err)
	}
	defer tempClient.Close()
	ctx := context.Background()
	for _, topic := range topics {
		if err := createTopicIfNotExists(ctx, tempClient, topic, 8, 1); err != nil {
			slog.Warn("topic ensure failed", slog.String("topic", topic), slog.Any("error", err))
		}
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),

		kgo.FetchMaxBytes(10*1024*1024),
		kgo.FetchMaxWait(5*time.Second),

		// Marks-based commits: records are committed only after the runner
		// returns, giving at-least-once delivery.
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=consumer.new: %w", err)
	}

	slog.Info("broker consumer created",
		slog.String("group_id", groupID),
		slog.Any("topics", topics),
		slog.Int("concurrency", concurrency))
	return &Consumer{
		client:      client,
		runner:      runner,
		groupID:     groupID,
		topics:      topics,
		concurrency: concurrency,
		jobQueue:    make(chan *kgo.Record, concurrency*2),
		shutdown:    make(chan struct{}),
	}, nil
}

// Start runs the fetch loop and worker pool until the context ends.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("consumer starting",
		slog.String("group_id", c.groupID),
		slog.Int("workers", c.concurrency))

	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	c.wg.Add(1)
	go c.fetchLoop(ctx)

	<-ctx.Done()
	c.signalShutdown()
	c.wg.Wait()
	slog.Info("consumer stopped", slog.String("group_id", c.groupID))
	return ctx.Err()
}

// fetchLoop polls the broker and hands records to the worker pool.
func (c *Consumer) fetchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				slog.Error("fetch error",
					slog.String("topic", err.Topic),
					slog.Int("partition", int(err.Partition)),
					slog.Any("error", err.Err))
			}
			time.Sleep(2 * time.Second)
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.jobQueue <- record:
			case <-ctx.Done():
			case <-c.shutdown:
			}
		})
	}
}

// worker drains the job queue through the runner.
func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()
	lg := slog.With(slog.Int("worker_id", id), slog.String("group_id", c.groupID))
	lg.Debug("worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case record := <-c.jobQueue:
			if record == nil {
				return
			}
			c.handleRecord(ctx, lg, record)
		}
	}
}

func (c *Consumer) handleRecord(ctx context.Context, lg *slog.Logger, record *kgo.Record) {
	env, err := shared.DecodeEnvelope(record.Value)
	if err != nil {
		// Malformed payloads cannot be retried; drop them after logging.
		lg.Error("malformed envelope, discarding",
			slog.String("topic", record.Topic),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		c.client.MarkCommitRecords(record)
		return
	}
	if err := c.runner.Process(ctx, env); err != nil {
		// Leave the offset unmarked so the envelope is redelivered.
		lg.Error("envelope processing failed, leaving for redelivery",
			slog.String("task_id", env.TaskID),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		return
	}
	c.client.MarkCommitRecords(record)
}

func (c *Consumer) signalShutdown() {
	c.once.Do(func() { close(c.shutdown) })
}

// Close stops polling and releases the client.
func (c *Consumer) Close() error {
	c.signalShutdown()
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
