package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"battle-sync/internal/domain"
	"battle-sync/pkg/logger"
	"battle-sync/pkg/redis"
)

// ListCache persists the last reconciled battle list in Redis so a restart can warm-start
type ListCache struct {
	redis  *redis.Client
	logger *logger.Logger
}

// NewListCache creates a new list cache
func NewListCache(redisClient *redis.Client, log *logger.Logger) *ListCache {
	return &ListCache{
		redis:  redisClient,
		logger: log.Named("list_cache"),
	}
}

// Load returns the cached list, or nil when nothing is cached. A corrupted entry is
// discarded and treated as a miss.
func (c *ListCache) Load(ctx context.Context) ([]*domain.Battle, error) {
	key := c.redis.KeyBuilder.KeyBattleList()

	cached, err := c.redis.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		c.logger.Debug("Battle list cache miss")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read battle list cache: %w", err)
	}

	var battles []*domain.Battle
	if err := json.Unmarshal([]byte(cached), &battles); err != nil {
		c.logger.WithError(err).Warn("Battle list cache corrupted, discarding")
		_ = c.redis.Delete(ctx, key)
		return nil, nil
	}

	c.logger.WithField("count", len(battles)).Debug("Battle list cache hit")
	return battles, nil
}

// Save replaces the cached list
func (c *ListCache) Save(ctx context.Context, battles []*domain.Battle) error {
	data, err := json.Marshal(battles)
	if err != nil {
		return fmt.Errorf("failed to marshal battle list: %w", err)
	}

	return c.redis.SetMultiple(ctx, map[string]interface{}{
		c.redis.KeyBuilder.KeyBattleList():       data,
		c.redis.KeyBuilder.KeyBattleListUpdate(): strconv.FormatInt(time.Now().UnixMilli(), 10),
	}, redis.TTLBattleList)
}

// LastSaved returns when the list was last saved, or the zero time when unknown
func (c *ListCache) LastSaved(ctx context.Context) time.Time {
	raw, err := c.redis.Get(ctx, c.redis.KeyBuilder.KeyBattleListUpdate())
	if err != nil {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
