package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/clima-dataflow/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// CacheTTL is the expiry set on every write. Zero means no expiry.
	CacheTTL time.Duration
	// KeyPrefix is prepended to every key.
	KeyPrefix string
}

// NewRedisConfigFromSettings reads the redis_* settings. It returns nil, nil when
// redis_addr is not set, meaning Redis is not in use.
func NewRedisConfigFromSettings(s config.Settings) (*RedisConfig, error) {
	addr := s.String(config.KeyRedisAddr, "")
	if addr == "" {
		return nil, nil
	}
	db, err := s.Int(config.KeyRedisDB, 0)
	if err != nil {
		return nil, err
	}
	ttl, err := s.Int(config.KeyRedisTTLSeconds, 0)
	if err != nil {
		return nil, err
	}
	return &RedisConfig{
		Addr:      addr,
		Password:  s.String(config.KeyRedisPassword, ""),
		DB:        db,
		CacheTTL:  time.Duration(ttl) * time.Second,
		KeyPrefix: "clima:",
	}, nil
}

// RedisCache is a generic cache implementation using Redis. Values are stored
// as JSON.
type RedisCache[K comparable, V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
}

// NewRedisCache creates and connects a new generic RedisCache.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisCache[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisCache[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisCache[K, V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisCache").Logger(),
		ttl:         cfg.CacheTTL,
		prefix:      cfg.KeyPrefix,
	}, nil
}

// FetchFromCache retrieves an item from Redis. A miss wraps ErrNotFound.
func (c *RedisCache[K, V]) FetchFromCache(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := c.key(key)
	cachedData, err := c.redisClient.Get(ctx, stringKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: '%s'", ErrNotFound, stringKey)
		}
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Unexpected Redis error during fetch.")
		return zero, err
	}

	var value V
	if err := json.Unmarshal([]byte(cachedData), &value); err != nil {
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to unmarshal cached data.")
		return zero, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	c.logger.Debug().Str("key", stringKey).Msg("Redis cache hit.")
	return value, nil
}

// WriteToCache sets a value in Redis with the configured TTL.
func (c *RedisCache[K, V]) WriteToCache(ctx context.Context, key K, value V) error {
	stringKey := c.key(key)
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := c.redisClient.Set(ctx, stringKey, jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}

	c.logger.Debug().Str("key", stringKey).Msg("Successfully stored data in Redis cache.")
	return nil
}

// Close closes the Redis client connection.
func (c *RedisCache[K, V]) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}

func (c *RedisCache[K, V]) key(key K) string {
	return fmt.Sprintf("%s%v", c.prefix, key)
}
