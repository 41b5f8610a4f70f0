package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/periods"
)

// GatePort validates a job against fiscal period lock state using the job
// policy table.
type GatePort interface {
	ValidateJob(ctx context.Context, job string, txDate time.Time, overrideID *uuid.UUID) (periods.Decision, error)
}

// MetricsPort records job executions.
type MetricsPort interface {
	ObserveJob(jobType, outcome string)
}
