// Package store creates the reading store selected by configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/safecyl/safecyl/cmd/safecyl/config"
	"github.com/safecyl/safecyl/pkg/storage"
)

// New creates the configured backend. Backends that hold connections
// implement io.Closer; the caller is responsible for closing them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage {
	case "memory":
		logger.Info("using in-memory storage")
		return storage.NewMemoryStore(), nil

	case "redis":
		logger.Info("using Redis storage", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "prefix", cfg.RedisPrefix)
		s, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.StoreTimeout)
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		if cfg.RedisPrefix != "" {
			s = s.WithPrefix(cfg.RedisPrefix)
		}
		return s, nil

	case "cassandra":
		logger.Info("using Cassandra storage", "hosts", cfg.CassandraHosts, "keyspace", cfg.CassandraKeyspace, "node", cfg.CassandraNode)
		s, err := storage.NewCassandraStore(cfg.CassandraHosts, cfg.CassandraKeyspace, cfg.CassandraNode, cfg.StoreTimeout)
		if err != nil {
			return nil, fmt.Errorf("create cassandra store: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ensure cassandra schema: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (must be memory, redis, or cassandra)", cfg.Storage)
	}
}
