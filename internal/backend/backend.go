// Package backend opens the participant and signal store selected by
// configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mossy-p/voice-call/config"
	"github.com/mossy-p/voice-call/internal/postgres"
	"github.com/mossy-p/voice-call/internal/redis"
	"github.com/mossy-p/voice-call/internal/store"
	"github.com/mossy-p/voice-call/internal/store/memstore"
)

// Open connects to the configured backend. The memory backend is private to
// the process, so peers only meet when they share it.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory, "":
		log.Info("using in-memory store")
		return memstore.New(), nil

	case config.BackendRedis:
		st, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("redis connection established", "addr", cfg.Redis.Host+":"+cfg.Redis.Port)
		return st, nil

	case config.BackendPostgres:
		db, err := postgres.New(ctx, cfg.Postgres.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if cfg.Postgres.Migrate {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		log.Info("postgres connection established", "migrated", cfg.Postgres.Migrate)
		return db, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
