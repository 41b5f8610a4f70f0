package periods

import (
	"context"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts persistence for the admin service.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (Period, error)
	List(ctx context.Context, limit, offset int) ([]Period, error)
	Insert(ctx context.Context, in CreateInput) (Period, error)
	UpdateStatus(ctx context.Context, id int64, from, to Status, actorID int64, at time.Time) (Period, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives the administrative period lifecycle. These operations change
// the period's own status and therefore bypass the gate by design of the
// routing, not by date.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	now   func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Get loads one period.
func (s *Service) Get(ctx context.Context, id int64) (Period, error) {
	return s.repo.Get(ctx, id)
}

// List returns periods.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Period, error) {
	return s.repo.List(ctx, limit, offset)
}

// Create inserts a new OPEN period.
func (s *Service) Create(ctx context.Context, in CreateInput) (Period, error) {
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	period, err := s.repo.Insert(ctx, in)
	if err != nil {
		return Period{}, err
	}
	s.recordAudit(ctx, in.ActorID, "periods:create", period)
	return period, nil
}

// Close transitions OPEN→CLOSED.
func (s *Service) Close(ctx context.Context, id, actorID int64) (Period, error) {
	return s.transition(ctx, id, actorID, StatusClosed)
}

// Lock transitions CLOSED→LOCKED (or OPEN→LOCKED for skip-close flows).
func (s *Service) Lock(ctx context.Context, id, actorID int64) (Period, error) {
	return s.transition(ctx, id, actorID, StatusLocked)
}

func (s *Service) transition(ctx context.Context, id, actorID int64, target Status) (Period, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Period{}, err
	}
	if current.Status == target {
		return current, nil
	}
	if err := ValidateTransition(current.Status, target); err != nil {
		return Period{}, err
	}
	period, err := s.repo.UpdateStatus(ctx, id, current.Status, target, actorID, s.now().UTC())
	if err != nil {
		return Period{}, err
	}
	s.recordAudit(ctx, actorID, "periods:"+string(target), period)
	return period, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, period Period) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "fiscal_period",
		EntityID: period.Code,
		Meta: map[string]any{
			"period_id": period.ID,
			"status":    string(period.Status),
		},
	})
}
