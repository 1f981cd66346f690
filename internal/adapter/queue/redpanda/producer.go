// Package redpanda provides the Kafka/Redpanda broker adapter: a producer
// implementing the domain Broker port and a consumer feeding envelopes to a
// bounded worker pool. Each queue name maps to one topic.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskhub/internal/domain"
	"github.com/fairyhunter13/taskhub/internal/observability"
)

// SubmitBackoff bounds the retry loop inside Submit.
type SubmitBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultSubmitBackoff matches the documented submit retry budget.
func DefaultSubmitBackoff() SubmitBackoff {
	return SubmitBackoff{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	}
}

// Producer publishes envelopes to the topic named by the envelope's queue.
type Producer struct {
	client  *kgo.Client
	backoff SubmitBackoff

	mu     sync.Mutex
	topics map[string]bool
}

// NewProducer constructs a Producer.
func NewProducer(brokers []string, bo SubmitBackoff) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=producer.new: no seed brokers provided")
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=producer.new: %w", err)
	}
	slog.Info("broker producer created", slog.Any("brokers", brokers))
	return &Producer{client: client, backoff: bo, topics: map[string]bool{}}, nil
}

// Submit publishes the envelope and returns once the broker has accepted
// responsibility for it. Transient produce failures are retried with
// exponential backoff; when the budget runs out the caller gets
// ErrBrokerUnavailable and the task was not enqueued.
func (p *Producer) Submit(ctx context.Context, env domain.TaskEnvelope) error {
	if env.TaskID == "" || env.TaskName == "" || env.QueueName == "" {
		return fmt.Errorf("op=producer.submit: %w: task id, name and queue are required", domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=producer.submit: %w", err)
	}
	p.ensureTopic(ctx, env.QueueName)

	record := &kgo.Record{
		Topic: env.QueueName,
		Key:   []byte(env.TaskID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "task_id", Value: []byte(env.TaskID)},
			{Key: "task_name", Value: []byte(env.TaskName)},
			{Key: "retry_count", Value: []byte(fmt.Sprintf("%d", env.RetryCount))},
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.backoff.InitialInterval
	bo.MaxInterval = p.backoff.MaxInterval
	bo.MaxElapsedTime = p.backoff.MaxElapsedTime
	err = backoff.Retry(func() error {
		res := p.client.ProduceSync(ctx, record)
		if err := res.FirstErr(); err != nil {
			slog.Warn("produce attempt failed",
				slog.String("task_id", env.TaskID),
				slog.String("queue", env.QueueName),
				slog.Any("error", err))
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("op=producer.submit: %w: %w", domain.ErrBrokerUnavailable, err)
	}

	observability.EnqueueTask(env.TaskName, env.QueueName)
	slog.Info("task enqueued",
		slog.String("task_id", env.TaskID),
		slog.String("task_name", env.TaskName),
		slog.String("queue", env.QueueName),
		slog.Int("retry_count", env.RetryCount))
	return nil
}

// ensureTopic creates the queue's topic on first use. Failure is tolerated;
// most clusters auto-create topics and Submit will surface real errors.
func (p *Producer) ensureTopic(ctx context.Context, queue string) {
	p.mu.Lock()
	seen := p.topics[queue]
	if !seen {
		p.topics[queue] = true
	}
	p.mu.Unlock()
	if seen {
		return
	}
	if err := createTopicIfNotExists(ctx, p.client, queue, 8, 1); err != nil {
		slog.Warn("topic ensure failed", slog.String("topic", queue), slog.Any("error", err))
	}
}

// Ping checks broker connectivity for readiness probes.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("op=producer.ping: %w", err)
	}
	return nil
}

// Close flushes and releases the client.
func (p *Producer) Close() error {
	if p.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.client.Flush(ctx); err != nil {
			slog.Warn("producer flush on close", slog.Any("error", err))
		}
		p.client.Close()
	}
	return nil
}
