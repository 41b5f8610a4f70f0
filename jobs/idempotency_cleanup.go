package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency"

	// defaultIdempotencyRetention keeps keys long enough to catch delayed
	// client retries.
	defaultIdempotencyRetention = 72 * time.Hour
)

// IdempotencyCleanupPayload configures the retention window.
type IdempotencyCleanupPayload struct {
	RetainFor time.Duration `json:"retain_for"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(retainFor time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetainFor: retainFor})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

// KeyCleaner removes idempotency keys older than the given age.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// CleanupJob purges stale idempotency keys. Pure maintenance, so the gate
// policy skips the period check.
type CleanupJob struct {
	keys    KeyCleaner
	logger  *slog.Logger
	metrics MetricsPort
}

// NewCleanupJob builds the job handler.
func NewCleanupJob(keys KeyCleaner, logger *slog.Logger, metrics MetricsPort) *CleanupJob {
	return &CleanupJob{keys: keys, logger: logger, metrics: metrics}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *CleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retain := payload.RetainFor
	if retain <= 0 {
		retain = defaultIdempotencyRetention
	}
	if err := j.keys.Cleanup(ctx, retain); err != nil {
		j.observe("error")
		return err
	}
	j.logger.Info("idempotency cleanup finished", slog.Duration("retain_for", retain))
	j.observe("success")
	return nil
}

func (j *CleanupJob) observe(outcome string) {
	if j.metrics != nil {
		j.metrics.ObserveJob(TaskIdempotencyCleanup, outcome)
	}
}
