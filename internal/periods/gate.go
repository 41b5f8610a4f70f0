package periods

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// PeriodSource loads the period covering a date. shared.ErrNotFound means no
// period is configured for that date.
type PeriodSource interface {
	FindByDate(ctx context.Context, date time.Time) (Period, error)
}

// OverrideValidator checks an override token against the period it targets
// without consuming it.
type OverrideValidator interface {
	ValidateForUse(ctx context.Context, overrideID uuid.UUID, period Period) error
}

// GateMetrics counts postings blocked by period state.
type GateMetrics interface {
	ObserveGateRejection(status string)
}

// Decision is the result of a successful gate check. When OverrideID is set
// the caller must consume the override once its own write commits.
type Decision struct {
	PeriodID   int64
	Status     Status
	OverrideID *uuid.UUID
}

// Gate validates transaction dates against fiscal period lock state. Reads
// never pass through the gate; administrative period endpoints bypass it by
// routing straight to Service.
type Gate struct {
	periods   PeriodSource
	overrides OverrideValidator
	policies  PolicyRegistry
	logger    *slog.Logger
	metrics   GateMetrics
}

// NewGate constructs a Gate.
func NewGate(periods PeriodSource, overrides OverrideValidator, policies PolicyRegistry, logger *slog.Logger) *Gate {
	if policies == nil {
		policies = PolicyRegistry{}
	}
	return &Gate{periods: periods, overrides: overrides, policies: policies, logger: logger}
}

// WithMetrics wires the rejection counter backing the period-gate alert.
func (g *Gate) WithMetrics(m GateMetrics) {
	g.metrics = m
}

func (g *Gate) observeRejection(status Status) {
	if g.metrics != nil {
		g.metrics.ObserveGateRejection(string(status))
	}
}

// Validate checks whether a financial write dated txDate may proceed.
// A date with no configured period is ungoverned and allowed. A failed period
// lookup (store error, not a miss) fails open with a warning: availability
// was chosen over strict enforcement here and changing that needs a product
// decision.
func (g *Gate) Validate(ctx context.Context, txDate time.Time, overrideID *uuid.UUID) (Decision, error) {
	period, err := g.periods.FindByDate(ctx, txDate)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Decision{}, nil
		}
		g.logger.Warn("period lookup failed, allowing write",
			slog.Time("tx_date", txDate), slog.Any("error", err))
		return Decision{}, nil
	}
	if period.Status == StatusOpen {
		return Decision{PeriodID: period.ID, Status: period.Status}, nil
	}
	if overrideID == nil {
		g.observeRejection(period.Status)
		return Decision{}, shared.Wrap(ErrPeriodLocked, "period %s (%s)", period.Code, period.Status)
	}
	if err := g.overrides.ValidateForUse(ctx, *overrideID, period); err != nil {
		return Decision{}, err
	}
	return Decision{PeriodID: period.ID, Status: period.Status, OverrideID: overrideID}, nil
}

// ValidateJob applies the named job's policy before a background run touches
// financially dated data. Unknown jobs get the strict policy.
func (g *Gate) ValidateJob(ctx context.Context, job string, txDate time.Time, overrideID *uuid.UUID) (Decision, error) {
	policy := g.policies.For(job)
	if !policy.CheckPeriod {
		return Decision{}, nil
	}
	period, err := g.periods.FindByDate(ctx, txDate)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Decision{}, nil
		}
		g.logger.Warn("period lookup failed for job, allowing run",
			slog.String("job", job), slog.Any("error", err))
		return Decision{}, nil
	}
	switch period.Status {
	case StatusOpen:
		return Decision{PeriodID: period.ID, Status: period.Status}, nil
	case StatusClosed:
		if policy.AllowedInClosed {
			return Decision{PeriodID: period.ID, Status: period.Status}, nil
		}
	case StatusLocked:
		if policy.AllowedInLocked {
			return Decision{PeriodID: period.ID, Status: period.Status}, nil
		}
	}
	if policy.AllowOverride && overrideID != nil {
		if err := g.overrides.ValidateForUse(ctx, *overrideID, period); err != nil {
			return Decision{}, err
		}
		return Decision{PeriodID: period.ID, Status: period.Status, OverrideID: overrideID}, nil
	}
	g.observeRejection(period.Status)
	return Decision{}, shared.Wrap(ErrPeriodLocked, "job %s blocked by period %s (%s)", job, period.Code, period.Status)
}
