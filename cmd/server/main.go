// Command server starts the task-management HTTP control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/taskhub/internal/adapter/httpserver"
	"github.com/fairyhunter13/taskhub/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/taskhub/internal/app"
	"github.com/fairyhunter13/taskhub/internal/config"
	"github.com/fairyhunter13/taskhub/internal/observability"
	"github.com/fairyhunter13/taskhub/internal/service/scheduler"
	"github.com/fairyhunter13/taskhub/internal/usecase"
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

	if stores.Retention != nil {
		go stores.Retention.Run(ctx, time.Hour)
	}

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, redpanda.SubmitBackoff{
		InitialInterval: cfg.SubmitInitialInterval,
		MaxInterval:     cfg.SubmitMaxInterval,
		MaxElapsedTime:  cfg.SubmitMaxElapsedTime,
	})
	if err != nil {
		slog.Error("broker producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close producer", slog.Any("error", err))
		}
	}()

	stores.Ready["broker"] = producer.Ping

	svc := usecase.NewTaskService(stores.Tracker, stores.Results, stores.DLQ, producer, cfg.DefaultQueue, cfg.RetryMaxRetries)

	// Scheduler runs inside the control plane; exactly one server instance
	// should carry a jobs file.
	var sched *scheduler.Scheduler
	if cfg.SchedulerJobsFile != "" {
		jobs, err := scheduler.LoadJobsFile(cfg.SchedulerJobsFile)
		if err != nil {
			slog.Error("scheduler jobs file load failed", slog.Any("error", err))
			os.Exit(1)
		}
		sched = scheduler.New(producer, stores.Tracker, cfg.RetryMaxRetries)
		for _, job := range jobs {
			if err := sched.AddJob(job); err != nil {
				slog.Error("scheduler job rejected", slog.String("job_id", job.JobID), slog.Any("error", err))
				os.Exit(1)
			}
		}
		go func() { _ = sched.Run(ctx) }()
	}

	sweeper := app.NewStaleSweeper(stores.Tracker, cfg.StaleSweepMaxAge, time.Minute)
	go sweeper.Run(ctx)

	var jobsCtl httpserver.SchedulerControl
	if sched != nil {
		jobsCtl = sched
	}
	srv := httpserver.NewServer(svc, jobsCtl)
	ready := app.NewReadinessChecker(stores.Ready)
	handler := app.BuildRouter(cfg, srv, ready)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
