package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces identities, so several subscriptions can share
	// one database.
	KeyPrefix string
	Window    time.Duration
}

// RedisFilter is a Filter shared by every receiver pointed at the same
// Redis database. It relies on SET NX with an expiry.
type RedisFilter struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	prefix      string
	window      time.Duration
}

// NewRedisFilter creates and connects a RedisFilter.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisFilter(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisFilter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for duplicate filter.")

	return newRedisFilter(rdb, cfg, logger), nil
}

func newRedisFilter(rdb *redis.Client, cfg *RedisConfig, logger zerolog.Logger) *RedisFilter {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisFilter{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisFilter").Logger(),
		prefix:      cfg.KeyPrefix,
		window:      window,
	}
}

// MarkSeen implements Filter.
func (f *RedisFilter) MarkSeen(ctx context.Context, key string) (bool, error) {
	stored, err := f.redisClient.SetNX(ctx, f.prefix+key, 1, f.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed for key %s: %w", key, err)
	}
	if !stored {
		f.logger.Debug().Str("key", key).Msg("Identity already recorded.")
	}
	return !stored, nil
}

// Forget implements Filter.
func (f *RedisFilter) Forget(ctx context.Context, key string) error {
	if err := f.redisClient.Del(ctx, f.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (f *RedisFilter) Close() error {
	if f.redisClient != nil {
		f.logger.Info().Msg("Closing Redis client connection...")
		return f.redisClient.Close()
	}
	return nil
}
