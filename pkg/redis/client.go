package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"battle-sync/pkg/logger"
)

// Nil is returned by Get when the key does not exist
const Nil = redis.Nil

type Client struct {
	rdb        *redis.Client
	KeyBuilder *KeyBuilder
	log        *logger.Logger
}

// Cache key constants
const (
	KeyBattleList       = "battles:list"          // last reconciled list of waiting battles
	KeyBattleListUpdate = "battles:list:updated"  // unix millis of the last save
	KeyNotifications    = "battles:notifications" // pub/sub channel for user-facing notifications
	KeyIdempotency      = "battles:idem:%s"
)

// TTL constants
const (
	TTLBattleList = 30 * time.Minute // matches the staleness window; older entries are filtered anyway
)

// NewClient creates a new Redis client
func NewClient(redisURL string, environment string, log *logger.Logger) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb, KeyBuilder: NewKeyBuilder(environment), log: log.Named("redis")}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// Get retrieves a value from Redis
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()
	val, err := c.rdb.Get(ctx, key).Result()
	dur := time.Since(start)
	if err != nil && err != redis.Nil {
		c.log.Info("redis_get",
			zap.String("key_prefix", prefixForLog(key)),
			zap.Duration("duration", dur),
			zap.Error(err))
	} else {
		c.log.Debug("redis_get",
			zap.String("key_prefix", prefixForLog(key)),
			zap.Duration("duration", dur))
	}
	return val, err
}

// SetNX sets a value only if it doesn't exist
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	dur := time.Since(start)
	if err != nil {
		c.log.Info("redis_setnx",
			zap.String("key_prefix", prefixForLog(key)),
			zap.Duration("duration", dur),
			zap.Error(err))
	} else {
		c.log.Debug("redis_setnx",
			zap.String("key_prefix", prefixForLog(key)),
			zap.Bool("result", ok),
			zap.Duration("duration", dur))
	}
	return ok, err
}

// TryLock claims an idempotency key for ttl. It returns false when the key is already held.
func (c *Client) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.SetNX(ctx, c.KeyBuilder.KeyIdempotency(key), "1", ttl)
}

// Delete removes a key from Redis
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := c.rdb.Del(ctx, keys...).Err()
	dur := time.Since(start)
	c.log.Debug("redis_del",
		zap.Int("keys", len(keys)),
		zap.Duration("duration", dur),
		zap.Error(err))
	return err
}

// SetMultiple sets multiple key-value pairs with the same TTL in one round trip
func (c *Client) SetMultiple(ctx context.Context, kvPairs map[string]interface{}, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	for key, value := range kvPairs {
		pipe.Set(ctx, key, value, ttl)
	}
	start := time.Now()
	_, err := pipe.Exec(ctx)
	dur := time.Since(start)
	if err != nil {
		c.log.Info("redis_set_multiple",
			zap.Int("keys", len(kvPairs)),
			zap.Duration("duration", dur),
			zap.Error(err))
	} else {
		c.log.Debug("redis_set_multiple",
			zap.Int("keys", len(kvPairs)),
			zap.Duration("duration", dur))
	}
	return err
}

// Publish sends a message on a pub/sub channel and returns the number of receivers
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) (int64, error) {
	start := time.Now()
	n, err := c.rdb.Publish(ctx, channel, message).Result()
	dur := time.Since(start)
	if err != nil {
		c.log.Info("redis_publish",
			zap.String("channel", channel),
			zap.Duration("duration", dur),
			zap.Error(err))
	} else {
		c.log.Debug("redis_publish",
			zap.String("channel", channel),
			zap.Int64("receivers", n),
			zap.Duration("duration", dur))
	}
	return n, err
}

// Health checks the Redis connection
func (c *Client) Health(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	dur := time.Since(start)
	if err != nil {
		c.log.Info("redis_ping",
			zap.Duration("duration", dur),
			zap.Error(err))
	} else {
		c.log.Debug("redis_ping", zap.Duration("duration", dur))
	}
	return err
}

// prefixForLog returns a safe prefix of a key to avoid logging ids
func prefixForLog(key string) string {
	if len(key) <= 24 {
		return key
	}
	return key[:24] + "…"
}
