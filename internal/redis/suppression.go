package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// suppressionTTL bounds how stale a cached opt-out answer can be. New
// opt-outs take effect within this window; the scheduling pass runs far
// less often than that.
const suppressionTTL = 15 * time.Minute

// SuppressionSource is the authoritative opt-out store (the database).
type SuppressionSource interface {
	IsSuppressed(ctx context.Context, identifier, channel string) (bool, error)
}

// SuppressionCache is a read-through cache over the suppression store.
// The scheduling pass performs one lookup per (recipient, channel)
// tuple, which over a large roster hammers the same handful of rows;
// caching keeps the pass cheap.
type SuppressionCache struct {
	client *Client
	source SuppressionSource
	logger *zap.Logger
}

// NewSuppressionCache creates a read-through suppression cache.
func NewSuppressionCache(client *Client, source SuppressionSource, logger *zap.Logger) *SuppressionCache {
	return &SuppressionCache{
		client: client,
		source: source,
		logger: logger,
	}
}

func suppressionKey(identifier, channel string) string {
	return fmt.Sprintf("suppression:%s:%s", channel, identifier)
}

// IsSuppressed answers an opt-out lookup, consulting the cache first.
// Cache errors degrade to a direct store lookup rather than failing the
// scheduling pass.
func (s *SuppressionCache) IsSuppressed(ctx context.Context, identifier, channel string) (bool, error) {
	key := suppressionKey(identifier, channel)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == nil {
		return val == "1", nil
	}
	if err != redis.Nil {
		s.logger.Warn("suppression cache read failed, falling back to store",
			zap.Error(err),
			zap.String("channel", channel),
		)
	}

	suppressed, err := s.source.IsSuppressed(ctx, identifier, channel)
	if err != nil {
		return false, err
	}

	cached := "0"
	if suppressed {
		cached = "1"
	}
	if err := s.client.rdb.Set(ctx, key, cached, suppressionTTL).Err(); err != nil {
		s.logger.Warn("suppression cache write failed", zap.Error(err))
	}

	return suppressed, nil
}
