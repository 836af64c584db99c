package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/foodops/internal/jobs"
)

// TaskIdempotencyCleanup prunes expired idempotency keys.
const TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"

// KeyPruner removes idempotency keys older than a retention window.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyCleanupJob prunes the idempotency_keys table.
type IdempotencyCleanupJob struct {
	store     KeyPruner
	retention time.Duration
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob initialises the cleanup handler.
func NewIdempotencyCleanupJob(store KeyPruner, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyCleanupJob{store: store, retention: retention, logger: logger, metrics: metrics}
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault))
}

// Handle executes the cleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	tracker := j.metrics.Track(TaskIdempotencyCleanup)
	defer func() { err = tracker.End(err) }()

	if err := j.store.Cleanup(ctx, j.retention); err != nil {
		j.logger.Warn("idempotency cleanup failed", slog.Any("error", err))
		return err
	}
	j.logger.Info("idempotency keys pruned", slog.Duration("retention", j.retention))
	return nil
}
