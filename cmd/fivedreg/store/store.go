// Package store builds the job store selected by configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/fivedreg/cmd/fivedreg/config"
	"github.com/HatiCode/fivedreg/pkg/storage"
)

// Store is a job store that can be health-checked and released.
type Store interface {
	storage.Store
	Ping(ctx context.Context) error
	Close() error
}

// New opens the backend named by cfg.Backend.
func New(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		var s *storage.MemoryStore
		if cfg.MemoryTTL > 0 {
			s = storage.NewMemoryStoreWithTTL(cfg.MemoryTTL, time.Minute)
		} else {
			s = storage.NewMemoryStore()
		}
		logger.Info("using in-memory job store", "ttl", cfg.MemoryTTL)
		return memoryStore{s}, nil

	case "redis":
		s, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		logger.Info("using redis job store", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.RedisTTL)
		return s, nil

	case "sqlite":
		s, err := storage.NewSQLStore(ctx, cfg.SQLDriver, cfg.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("open sql store: %w", err)
		}
		logger.Info("using sql job store", "driver", cfg.SQLDriver, "dsn", cfg.SQLDSN)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// memoryStore adapts MemoryStore to the Store lifecycle.
type memoryStore struct {
	*storage.MemoryStore
}

func (memoryStore) Ping(context.Context) error { return nil }

func (m memoryStore) Close() error {
	m.Stop()
	return nil
}
