package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RunLock is a best-effort mutual exclusion for the scheduling pass,
// acquired with SET NX. Correctness does not depend on it, since the
// idempotency key makes concurrent passes safe; it only stops
// overlapping cron triggers from burning the same work twice.
type RunLock struct {
	client *Client
	logger *zap.Logger
}

// NewRunLock creates a run lock service.
func NewRunLock(client *Client, logger *zap.Logger) *RunLock {
	return &RunLock{client: client, logger: logger}
}

func lockKey(name string) string {
	return fmt.Sprintf("runlock:%s", name)
}

// Acquire takes the named lock for ttl. Returns false when another
// holder has it.
func (l *RunLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, lockKey(name), "held", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		l.logger.Debug("run lock contended", zap.String("name", name))
	}
	return ok, nil
}

// Release drops the named lock early. Safe to call after expiry.
func (l *RunLock) Release(ctx context.Context, name string) error {
	if err := l.client.rdb.Del(ctx, lockKey(name)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
