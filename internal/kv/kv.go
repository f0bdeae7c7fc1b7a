package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/xpmate-capture/internal/config"
)

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("kv: store closed")

// Store is the persistence collaborator behind the capture session. It is a
// plain string key-value store: Write with a nil value erases the key, so
// "erased" and "never written" are indistinguishable to readers.
type Store interface {
	// Read returns the stored value and whether the key exists.
	Read(ctx context.Context, key string) ([]byte, bool, error)
	// Write stores value under key, or erases the key when value is nil.
	Write(ctx context.Context, key string, value []byte) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Open builds the store selected by cfg.Backend and verifies it is reachable.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("kv")

	switch strings.ToLower(cfg.Backend) {
	case BackendMemory:
		log.Warn("Using in-memory session store; captures will not survive a restart.")
		return NewMemory(), nil
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.SQLite.Path, log)
	case BackendRedis:
		return OpenRedis(ctx, cfg.Redis, log)
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.Postgres.DSN, log)
	default:
		return nil, fmt.Errorf("unsupported store backend: %q", cfg.Backend)
	}
}
