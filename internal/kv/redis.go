package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/xpmate-capture/internal/config"
)

// Redis persists the session as a plain string key.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

// OpenRedis connects to the configured server and pings it.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("redis")

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		log.Error("Failed to connect to redis.", zap.Error(err))
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("Redis connection established.", zap.String("addr", cfg.Addr))
	return &Redis{client: client, log: log}, nil
}

func (r *Redis) Read(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, true, nil
}

func (r *Redis) Write(ctx context.Context, key string, value []byte) error {
	if value == nil {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to erase key %q: %w", key, err)
		}
		return nil
	}
	// No server-side expiry: session age is judged from the blob itself.
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		r.log.Error("Failed to close redis connection.", zap.Error(err))
		return err
	}
	r.log.Info("Redis connection closed.")
	return nil
}
