package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/periods"
)

const (
	// TaskInventoryRevaluation triggers nightly inventory revaluation.
	TaskInventoryRevaluation = "inventory:revaluation"
)

// InventoryRevaluationPayload carries scheduling metadata.
type InventoryRevaluationPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewInventoryRevaluationTask constructs an Asynq task for inventory revaluation.
func NewInventoryRevaluationTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(InventoryRevaluationPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryRevaluation, body, asynq.Queue(QueueDefault)), nil
}

// StateRecalculator rebuilds the per-product cost aggregates from batches.
type StateRecalculator interface {
	RecalcCostStates(ctx context.Context) (int64, error)
}

// RevaluationJob rebuilds running cost aggregates. It writes financially
// dated data, so the gate policy allows closed periods but never locked ones.
type RevaluationJob struct {
	states  StateRecalculator
	gate    GatePort
	logger  *slog.Logger
	metrics MetricsPort
	now     func() time.Time
}

// NewRevaluationJob builds the job handler.
func NewRevaluationJob(states StateRecalculator, gate GatePort, logger *slog.Logger, metrics MetricsPort) *RevaluationJob {
	return &RevaluationJob{states: states, gate: gate, logger: logger, metrics: metrics, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (j *RevaluationJob) WithNow(now func() time.Time) {
	if now != nil {
		j.now = now
	}
}

// Handle processes TaskInventoryRevaluation tasks. Cron registrations carry a
// zero ScheduledFor on purpose: the scheduler re-enqueues the same payload
// bytes on every tick, so the gate date must come from the execution clock,
// not from whenever the worker booted.
func (j *RevaluationJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload InventoryRevaluationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf := payload.ScheduledFor
	if asOf.IsZero() {
		asOf = j.now().UTC()
	}
	if _, err := j.gate.ValidateJob(ctx, TaskInventoryRevaluation, asOf, nil); err != nil {
		j.observe("blocked")
		if errors.Is(err, periods.ErrPeriodLocked) {
			j.logger.Warn("revaluation blocked by locked period",
				slog.Time("as_of", asOf))
			return asynq.SkipRetry
		}
		return err
	}
	updated, err := j.states.RecalcCostStates(ctx)
	if err != nil {
		j.observe("error")
		return err
	}
	j.logger.Info("inventory revaluation finished", slog.Int64("products", updated))
	j.observe("success")
	return nil
}

func (j *RevaluationJob) observe(outcome string) {
	if j.metrics != nil {
		j.metrics.ObserveJob(TaskInventoryRevaluation, outcome)
	}
}
