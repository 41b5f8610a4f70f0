package periods

import (
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Status enumerates fiscal period lifecycle states.
type Status string

const (
	// StatusOpen allows all financially dated writes.
	StatusOpen Status = "OPEN"
	// StatusClosed blocks writes unless an approved override is supplied.
	StatusClosed Status = "CLOSED"
	// StatusLocked blocks writes and demands the strictest override tier.
	StatusLocked Status = "LOCKED"
)

// Period represents a fiscal period window with its lock state.
type Period struct {
	ID             int64
	Code           string
	StartDate      time.Time
	EndDate        time.Time
	Status         Status
	IsCritical     bool
	OverrideCount  int
	LastOverrideAt *time.Time
	LastOverrideBy *int64
	ClosedAt       *time.Time
	ClosedBy       *int64
	LockedAt       *time.Time
	LockedBy       *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Covers reports whether date falls inside the period window, inclusive.
func (p Period) Covers(date time.Time) bool {
	return !date.Before(p.StartDate) && !date.After(p.EndDate)
}

// ErrInvalidTransition indicates a period status change outside OPEN→CLOSED→LOCKED.
var ErrInvalidTransition = &shared.DomainError{Code: shared.CodeValidation, Message: "periods: status transition not allowed"}

// ErrPeriodLocked indicates a write dated inside a closed or locked period.
var ErrPeriodLocked = &shared.DomainError{Code: shared.CodePeriodLocked, Message: "periods: period is not open for posting"}

// ValidateTransition enforces the monotonic OPEN→CLOSED→LOCKED lifecycle.
// Periods never reopen automatically; there is no path back.
func ValidateTransition(current, target Status) error {
	if current == target {
		return nil
	}
	switch current {
	case StatusOpen:
		if target == StatusClosed || target == StatusLocked {
			return nil
		}
	case StatusClosed:
		if target == StatusLocked {
			return nil
		}
	}
	return ErrInvalidTransition
}

// CreateInput captures validation rules for new periods.
type CreateInput struct {
	Code       string
	StartDate  time.Time
	EndDate    time.Time
	IsCritical bool
	ActorID    int64
}

// Validate ensures the create input is coherent.
func (in CreateInput) Validate() error {
	if in.Code == "" {
		return shared.Wrap(shared.ErrValidation, "periods: code required")
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return shared.Wrap(shared.ErrValidation, "periods: start and end date required")
	}
	if in.StartDate.After(in.EndDate) {
		return shared.Wrap(shared.ErrValidation, "periods: start date cannot be after end date")
	}
	return nil
}
