package overrides

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridian-erp/meridian-erp/internal/periods"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts override persistence.
type RepositoryPort interface {
	Insert(ctx context.Context, o Override) (Override, error)
	Get(ctx context.Context, id uuid.UUID) (Override, error)
	ListByPeriod(ctx context.Context, periodID int64) ([]Override, error)
	AppendApproval(ctx context.Context, id uuid.UUID, approval Approval, expiresAt time.Time) (Override, error)
	MarkRejected(ctx context.Context, id uuid.UUID, rejectorID int64, reason string) (Override, error)
	MarkCancelled(ctx context.Context, id uuid.UUID, actorID int64) (Override, error)
	MarkUsed(ctx context.Context, id uuid.UUID, userID int64, at time.Time) (Override, error)
	MarkExpired(ctx context.Context, id uuid.UUID, at time.Time) error
}

// PeriodPort exposes the period lookups and counters the workflow needs.
type PeriodPort interface {
	Get(ctx context.Context, id int64) (periods.Period, error)
	RecordOverrideUse(ctx context.Context, id int64, usedBy int64, at time.Time) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts consumed overrides.
type MetricsPort interface {
	ObserveOverrideUse()
}

// Service runs the override approval state machine.
type Service struct {
	repo    RepositoryPort
	periods PeriodPort
	audit   AuditPort
	metrics MetricsPort
	now     func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, periodPort PeriodPort, audit AuditPort) *Service {
	return &Service{repo: repo, periods: periodPort, audit: audit, now: time.Now}
}

// WithMetrics wires the override-use counter.
func (s *Service) WithMetrics(m MetricsPort) {
	s.metrics = m
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RequestInput describes an override request.
type RequestInput struct {
	PeriodID    int64
	RequestedBy int64
	Operation   string
	Reason      string
}

// Request opens an override request against a period. The approval quorum is
// fixed at request time from the period's status and criticality; a zero
// quorum approves immediately.
func (s *Service) Request(ctx context.Context, in RequestInput) (Override, error) {
	if in.RequestedBy == 0 {
		return Override{}, shared.Wrap(shared.ErrValidation, "overrides: requesting user required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return Override{}, shared.Wrap(shared.ErrValidation, "overrides: reason required")
	}
	period, err := s.periods.Get(ctx, in.PeriodID)
	if err != nil {
		return Override{}, err
	}
	now := s.now().UTC()
	required := RequiredApprovals(period.Status, period.IsCritical)
	o := Override{
		ID:                uuid.New(),
		PeriodID:          period.ID,
		RequestedBy:       in.RequestedBy,
		Operation:         in.Operation,
		Reason:            in.Reason,
		Status:            StatusPendingApproval,
		ApprovalsRequired: required,
	}
	if required == 0 {
		o.Status = StatusApproved
		expires := now.Add(ApprovalTTL)
		o.ExpiresAt = &expires
	}
	created, err := s.repo.Insert(ctx, o)
	if err != nil {
		return Override{}, err
	}
	s.recordAudit(ctx, in.RequestedBy, "overrides:request", created)
	return created, nil
}

// Approve records one approver's sign-off. Reaching the quorum transitions
// the override to APPROVED and starts the 24h usage window.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, approverID int64, note string) (Override, error) {
	if approverID == 0 {
		return Override{}, shared.Wrap(shared.ErrValidation, "overrides: approver required")
	}
	now := s.now().UTC()
	approval := Approval{ApproverID: approverID, Note: note, At: now}
	o, err := s.repo.AppendApproval(ctx, id, approval, now.Add(ApprovalTTL))
	if err == nil {
		s.recordAudit(ctx, approverID, "overrides:approve", o)
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Override{}, err
	}
	return Override{}, s.diagnoseApproval(ctx, id, approverID)
}

func (s *Service) diagnoseApproval(ctx context.Context, id uuid.UUID, approverID int64) error {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.HasApprover(approverID) {
		return ErrDuplicateApproval
	}
	if current.Status != StatusPendingApproval {
		return shared.Wrap(ErrInvalid, "cannot approve override in state %s", current.Status)
	}
	return ErrConflict
}

// Reject terminates a pending override.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, rejectorID int64, reason string) (Override, error) {
	o, err := s.repo.MarkRejected(ctx, id, rejectorID, reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, s.diagnoseTerminal(ctx, id, "reject")
		}
		return Override{}, err
	}
	s.recordAudit(ctx, rejectorID, "overrides:reject", o)
	return o, nil
}

// Cancel withdraws a pending or approved override; requester only.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actorID int64) (Override, error) {
	o, err := s.repo.MarkCancelled(ctx, id, actorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, s.diagnoseTerminal(ctx, id, "cancel")
		}
		return Override{}, err
	}
	s.recordAudit(ctx, actorID, "overrides:cancel", o)
	return o, nil
}

func (s *Service) diagnoseTerminal(ctx context.Context, id uuid.UUID, op string) error {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return shared.Wrap(ErrInvalid, "cannot %s override in state %s", op, current.Status)
}

// Get loads one override.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Override, error) {
	return s.repo.Get(ctx, id)
}

// ListByPeriod lists overrides for a period.
func (s *Service) ListByPeriod(ctx context.Context, periodID int64) ([]Override, error) {
	return s.repo.ListByPeriod(ctx, periodID)
}

// ValidateForUse checks the override can authorize a write into the supplied
// period without consuming it. Expiry is detected lazily here rather than by
// a background sweep.
func (s *Service) ValidateForUse(ctx context.Context, id uuid.UUID, period periods.Period) error {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.Wrap(ErrInvalid, "override %s not found", id)
		}
		return err
	}
	if o.PeriodID != period.ID {
		return ErrPeriodMismatch
	}
	switch o.Status {
	case StatusUsed:
		return ErrAlreadyUsed
	case StatusExpired:
		return ErrExpired
	case StatusApproved:
	default:
		return shared.Wrap(ErrInvalid, "override is %s", o.Status)
	}
	now := s.now().UTC()
	if o.ExpiresAt == nil || !now.Before(*o.ExpiresAt) {
		_ = s.repo.MarkExpired(ctx, id, now)
		return ErrExpired
	}
	if o.UsedAt != nil {
		return ErrAlreadyUsed
	}
	return nil
}

// Use consumes the override's single use on behalf of the requesting user and
// bumps the period's override counter.
func (s *Service) Use(ctx context.Context, id uuid.UUID, userID int64) (Override, error) {
	now := s.now().UTC()
	o, err := s.repo.MarkUsed(ctx, id, userID, now)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, s.diagnoseUse(ctx, id, userID, now)
		}
		return Override{}, err
	}
	if err := s.periods.RecordOverrideUse(ctx, o.PeriodID, userID, now); err != nil {
		return Override{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveOverrideUse()
	}
	s.recordAudit(ctx, userID, "overrides:use", o)
	return o, nil
}

func (s *Service) diagnoseUse(ctx context.Context, id uuid.UUID, userID int64, now time.Time) error {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case current.Status == StatusUsed || current.UsedAt != nil:
		return ErrAlreadyUsed
	case current.Status == StatusExpired:
		return ErrExpired
	case current.Status == StatusApproved && (current.ExpiresAt == nil || !now.Before(*current.ExpiresAt)):
		_ = s.repo.MarkExpired(ctx, id, now)
		return ErrExpired
	case current.Status == StatusApproved && current.RequestedBy != userID:
		return ErrNotRequester
	case current.Status != StatusApproved:
		return shared.Wrap(ErrInvalid, "override is %s", current.Status)
	}
	return ErrConflict
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, o Override) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "period_override",
		EntityID: o.ID.String(),
		Meta: map[string]any{
			"period_id": o.PeriodID,
			"status":    string(o.Status),
			"approvals": len(o.Approvals),
		},
	})
}
