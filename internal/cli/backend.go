package cli

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"paper-quiz-service/internal/app"
	"paper-quiz-service/internal/config"
	"paper-quiz-service/internal/infra/memory"
	pgbackend "paper-quiz-service/internal/infra/postgres"
	redisbackend "paper-quiz-service/internal/infra/redis"
	"paper-quiz-service/internal/metrics"
)

func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// openBackend connects the configured store. The returned func releases it.
func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (app.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client := newRedisClient(cfg)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return redisbackend.NewBackend(client, cfg.Redis.Prefix, logger), func() { client.Close() }, nil
	case config.BackendPostgres:
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return pgbackend.NewBackend(pool, logger), pool.Close, nil
	default:
		logger.Warn("using in-memory backend; state is lost on restart")
		return memory.NewBackend(), func() {}, nil
	}
}

// startLifecycle runs the lifecycle store in the background and waits for
// its first snapshot. Cancel ctx to stop it.
func startLifecycle(ctx context.Context, backend app.Backend, logger *zap.Logger, m *metrics.Metrics) (*app.Lifecycle, <-chan error, error) {
	lc := app.NewLifecycle(backend, logger, m)
	runErr := make(chan error, 1)
	go func() { runErr <- lc.Run(ctx) }()
	select {
	case <-lc.Ready():
		return lc, runErr, nil
	case err := <-runErr:
		if err == nil {
			err = ctx.Err()
		}
		return nil, nil, fmt.Errorf("load quiz state: %w", err)
	}
}
