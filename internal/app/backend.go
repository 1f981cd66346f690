package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/taskhub/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/taskhub/internal/adapter/repo/rediskv"
	"github.com/fairyhunter13/taskhub/internal/config"
	"github.com/fairyhunter13/taskhub/internal/domain"
)

// Stores bundles the tracker-backend trio plus the probes and cleanup hooks
// the backend needs.
type Stores struct {
	Tracker domain.Tracker
	Results domain.ResultStore
	DLQ     domain.DeadLetterStore

	// Ready holds per-dependency readiness probes.
	Ready map[string]Check
	// Retention is non-nil on the relational backend, which has no TTLs and
	// needs periodic sweeps.
	Retention *postgres.RetentionService

	close func(ctx context.Context) error
}

// Close releases backend connections.
func (s *Stores) Close(ctx context.Context) error {
	if s.close == nil {
		return nil
	}
	return s.close(ctx)
}

// BuildStores wires the tracker, result store and dead-letter store for the
// configured backend and verifies connectivity.
func BuildStores(ctx context.Context, cfg config.Config) (*Stores, error) {
	switch cfg.TrackerBackend {
	case config.BackendRedis:
		return buildRedisStores(ctx, cfg)
	case config.BackendPostgres:
		return buildPostgresStores(ctx, cfg)
	}
	return nil, fmt.Errorf("op=app.build_stores: unknown tracker backend %q", cfg.TrackerBackend)
}

func buildRedisStores(ctx context.Context, cfg config.Config) (*Stores, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	tracker := rediskv.NewTracker(rdb, cfg.KeyPrefix, cfg.RetentionTTL, cfg.RunningMarkerTTL)
	if err := tracker.Connect(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=app.build_stores: %w", err)
	}
	slog.Info("tracker backend connected",
		slog.String("backend", config.BackendRedis),
		slog.String("addr", cfg.RedisAddr))
	return &Stores{
		Tracker: tracker,
		Results: rediskv.NewResultStore(rdb, cfg.KeyPrefix+":result"),
		DLQ:     rediskv.NewDeadLetterStore(rdb, cfg.KeyPrefix, cfg.RetentionTTL),
		Ready: map[string]Check{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		close: func(context.Context) error { return rdb.Close() },
	}, nil
}

func buildPostgresStores(ctx context.Context, cfg config.Config) (*Stores, error) {
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("op=app.build_stores: %w", err)
	}
	tracker := postgres.NewTracker(pool)
	// Connect pings and applies the schema.
	if err := tracker.Connect(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=app.build_stores: %w", err)
	}
	slog.Info("tracker backend connected", slog.String("backend", config.BackendPostgres))
	return &Stores{
		Tracker:   tracker,
		Results:   postgres.NewResultStore(pool),
		DLQ:       postgres.NewDeadLetterStore(pool),
		Retention: postgres.NewRetentionService(pool, cfg.RetentionTTL),
		Ready: map[string]Check{
			"postgres": func(ctx context.Context) error { return pool.Ping(ctx) },
		},
		close: poolCloser(pool),
	}, nil
}

func poolCloser(pool *pgxpool.Pool) func(context.Context) error {
	return func(context.Context) error {
		pool.Close()
		return nil
	}
}
