// Package server wires every component's concrete implementation together:
// InitDeps establishes every external connection once at startup and
// produces an immutable handle, Server owns the HTTP listener, the metrics
// listener, and the asynq scheduler/worker that runs the periodic
// reconciliation sweep.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-pg/pg/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/lia-systems/vm-api/internal/config"
	"github.com/lia-systems/vm-api/internal/store"
)

// Dependency holds every external connection the server needs: Postgres and
// Redis back the Task Store, and AsynqRedis configures the scheduler/worker
// pair the reconciliation sweep runs on.
type Dependency struct {
	PG         *pg.DB
	Redis      *redis.Client
	AsynqRedis asynq.RedisClientOpt
	Logger     *slog.Logger
}

// InitDeps connects to Postgres and Redis, runs the Task Store's
// auto-migration, and returns the resulting handle. Any connection failure
// tears down everything already opened before returning the error.
func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
	}

	pgOpts, err := pg.ParseURL(cfg.Database.URL)
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pgOpts.PoolSize = cfg.Database.MaxConnections

	pgDB := pg.Connect(pgOpts)
	if _, err := pgDB.ExecContext(ctx, "SELECT 1"); err != nil {
		pgDB.Close()
		redisClient.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := store.Migrate(pgDB); err != nil {
		pgDB.Close()
		redisClient.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	asynqRedisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	return &Dependency{
		PG:         pgDB,
		Redis:      redisClient,
		AsynqRedis: asynqRedisOpt,
		Logger:     logger,
	}, nil
}

// Close releases every connection InitDeps opened, in reverse-of-acquisition
// order.
func (d *Dependency) Close() {
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
}
