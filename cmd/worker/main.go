// Command worker consumes task envelopes from the broker and executes them.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/fairyhunter13/taskhub/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/taskhub/internal/adapter/queue/shared"
	"github.com/fairyhunter13/taskhub/internal/app"
	"github.com/fairyhunter13/taskhub/internal/config"
	"github.com/fairyhunter13/taskhub/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := app.BuildStores(ctx, cfg)
	if err != nil {
		slog.Error("tracker backend connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = stores.Close(context.Background()) }()

	// Workers republish retried envelopes, so they carry a producer too.
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, redpanda.SubmitBackoff{
		InitialInterval: cfg.SubmitInitialInterval,
		MaxInterval:     cfg.SubmitMaxInterval,
		MaxElapsedTime:  cfg.SubmitMaxElapsedTime,
	})
	if err != nil {
		slog.Error("broker producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	registry := shared.NewRegistry()
	registerBuiltinTasks(registry)

	workerID := workerIdentity()
	runner := shared.NewRunner(
		registry,
		stores.Tracker,
		stores.Results,
		stores.DLQ,
		producer,
		workerID,
		cfg.RetryPolicy(),
		cfg.ResultTTL,
		cfg.HandlerTimeout,
	)

	topics := registry.Queues(cfg.DefaultQueue)
	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, topics, cfg.WorkerConcurrency, runner)
	if err != nil {
		slog.Error("broker consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = consumer.Close() }()

	slog.Info("worker starting",
		slog.String("worker_id", workerID),
		slog.Any("tasks", registry.Names()),
		slog.Any("queues", topics),
		slog.Int("concurrency", cfg.WorkerConcurrency))

	if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("consumer stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

// workerIdentity is hostname plus a short random suffix so multiple workers
// per host stay distinguishable.
func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.New().String()[:8]
}
