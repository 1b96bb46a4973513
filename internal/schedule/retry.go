package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kindful-app/kindful/internal/db"
	"github.com/kindful-app/kindful/internal/metrics"
)

// RetryRepository is the store surface the failure tracker needs.
type RetryRepository interface {
	GetFailedSendsToRetry(ctx context.Context, maxRetries int) ([]*db.ScheduledSend, error)
	ResetSendForRetry(ctx context.Context, id uuid.UUID) error
}

// RetryTracker periodically resets failed sends that are still under the
// retry cap back to pending for re-pickup by the dispatch step. Sends at
// or beyond the cap stay terminally failed and are left for an operator.
type RetryTracker struct {
	repo       RetryRepository
	maxRetries int
	logger     *zap.Logger
}

// NewRetryTracker creates a failure tracker with the given retry cap.
func NewRetryTracker(repo RetryRepository, maxRetries int, logger *zap.Logger) *RetryTracker {
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &RetryTracker{
		repo:       repo,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// MaxRetries returns the configured retry cap.
func (t *RetryTracker) MaxRetries() int {
	return t.maxRetries
}

// Sweep resets eligible failed sends once and returns how many were
// requeued. A reset failure on one row does not stop the sweep.
func (t *RetryTracker) Sweep(ctx context.Context) (int, error) {
	failed, err := t.repo.GetFailedSendsToRetry(ctx, t.maxRetries)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, send := range failed {
		if err := t.repo.ResetSendForRetry(ctx, send.ID); err != nil {
			t.logger.Error("failed to reset send for retry",
				zap.Error(err),
				zap.String("send_id", send.ID.String()),
			)
			continue
		}
		requeued++
		metrics.RecordRetryRequeued(1)
		t.logger.Info("send requeued for retry",
			zap.String("send_id", send.ID.String()),
			zap.Int("retry_count", send.RetryCount+1),
			zap.String("channel", send.Channel),
		)
	}

	return requeued, nil
}

// Start runs sweeps on a fixed interval until the context is canceled.
func (t *RetryTracker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("retry tracker stopping")
			return
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil {
				t.logger.Error("retry sweep failed", zap.Error(err))
			}
		}
	}
}
