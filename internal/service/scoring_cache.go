package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// scoringCache wraps the optional Redis client shared by the scoring services.
// A nil client turns every call into a miss.
type scoringCache struct {
	client *redis.Client
	logger zerolog.Logger
}

func newScoringCache(client *redis.Client, logger zerolog.Logger) scoringCache {
	return scoringCache{client: client, logger: logger}
}

func statusCacheKey(submissionID uint) string {
	return fmt.Sprintf("scoring:submission:%d:status", submissionID)
}

func statsCacheKey(assignmentID uint) string {
	return fmt.Sprintf("scoring:assignment:%d:stats", assignmentID)
}

func (c scoringCache) load(ctx context.Context, key string, target interface{}) bool {
	if c.client == nil {
		return false
	}

	cached, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("failed to read scoring cache")
		}
		return false
	}

	if err := json.Unmarshal(cached, target); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding malformed cache entry")
		return false
	}
	return true
}

func (c scoringCache) store(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if c.client == nil {
		return
	}

	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to encode cache entry")
		return
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to store scoring cache")
	}
}

func (c scoringCache) evict(ctx context.Context, keys ...string) {
	if c.client == nil || len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Strs("keys", keys).Msg("failed to evict scoring cache")
	}
}
