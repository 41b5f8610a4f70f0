package overrides

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/periods"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// memoryOverrideRepo mirrors the conditional-update contract of the SQL
// repository: guarded writes that match nothing surface pgx.ErrNoRows.
type memoryOverrideRepo struct {
	overrides map[uuid.UUID]Override
}

func newMemoryOverrideRepo() *memoryOverrideRepo {
	return &memoryOverrideRepo{overrides: make(map[uuid.UUID]Override)}
}

func (r *memoryOverrideRepo) Insert(ctx context.Context, o Override) (Override, error) {
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	r.overrides[o.ID] = o
	return o, nil
}

func (r *memoryOverrideRepo) Get(ctx context.Context, id uuid.UUID) (Override, error) {
	o, ok := r.overrides[id]
	if !ok {
		return Override{}, shared.Wrap(shared.ErrNotFound, "override %s", id)
	}
	return o, nil
}

func (r *memoryOverrideRepo) ListByPeriod(ctx context.Context, periodID int64) ([]Override, error) {
	var out []Override
	for _, o := range r.overrides {
		if o.PeriodID == periodID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *memoryOverrideRepo) AppendApproval(ctx context.Context, id uuid.UUID, approval Approval, expiresAt time.Time) (Override, error) {
	o, ok := r.overrides[id]
	if !ok || o.Status != StatusPendingApproval || o.HasApprover(approval.ApproverID) {
		return Override{}, pgx.ErrNoRows
	}
	o.Approvals = append(o.Approvals, approval)
	if len(o.Approvals) >= o.ApprovalsRequired {
		o.Status = StatusApproved
		o.ExpiresAt = &expiresAt
	}
	r.overrides[id] = o
	return o, nil
}

func (r *memoryOverrideRepo) MarkRejected(ctx context.Context, id uuid.UUID, rejectorID int64, reason string) (Override, error) {
	o, ok := r.overrides[id]
	if !ok || o.Status != StatusPendingApproval {
		return Override{}, pgx.ErrNoRows
	}
	o.Status = StatusRejected
	o.RejectedBy = &rejectorID
	o.RejectReason = reason
	r.overrides[id] = o
	return o, nil
}

func (r *memoryOverrideRepo) MarkCancelled(ctx context.Context, id uuid.UUID, actorID int64) (Override, error) {
	o, ok := r.overrides[id]
	if !ok || (o.Status != StatusPendingApproval && o.Status != StatusApproved) || o.RequestedBy != actorID {
		return Override{}, pgx.ErrNoRows
	}
	o.Status = StatusCancelled
	r.overrides[id] = o
	return o, nil
}

func (r *memoryOverrideRepo) MarkUsed(ctx context.Context, id uuid.UUID, userID int64, at time.Time) (Override, error) {
	o, ok := r.overrides[id]
	if !ok || o.Status != StatusApproved || o.UsedAt != nil || o.RequestedBy != userID ||
		o.ExpiresAt == nil || !at.Before(*o.ExpiresAt) {
		return Override{}, pgx.ErrNoRows
	}
	o.Status = StatusUsed
	o.UsedAt = &at
	o.UsedBy = &userID
	r.overrides[id] = o
	return o, nil
}

func (r *memoryOverrideRepo) MarkExpired(ctx context.Context, id uuid.UUID, at time.Time) error {
	o, ok := r.overrides[id]
	if ok && o.Status == StatusApproved && o.ExpiresAt != nil && !o.ExpiresAt.After(at) {
		o.Status = StatusExpired
		r.overrides[id] = o
	}
	return nil
}

type staticPeriodPort struct {
	periods map[int64]periods.Period
	uses    int
}

func (p *staticPeriodPort) Get(ctx context.Context, id int64) (periods.Period, error) {
	return p.periods[id], nil
}

func (p *staticPeriodPort) RecordOverrideUse(ctx context.Context, id int64, usedBy int64, at time.Time) error {
	p.uses++
	return nil
}

type fixture struct {
	repo    *memoryOverrideRepo
	periods *staticPeriodPort
	svc     *Service
	clock   *time.Time
}

func newFixture(periodStatus periods.Status, critical bool) *fixture {
	repo := newMemoryOverrideRepo()
	pp := &staticPeriodPort{periods: map[int64]periods.Period{
		1: {ID: 1, Code: "2024-M05", Status: periodStatus, IsCritical: critical},
	}}
	svc := NewService(repo, pp, nil)
	start := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	clock := &start
	svc.WithNow(func() time.Time { return *clock })
	return &fixture{repo: repo, periods: pp, svc: svc, clock: clock}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) request(t *testing.T, requester int64) Override {
	t.Helper()
	o, err := f.svc.Request(context.Background(), RequestInput{PeriodID: 1, RequestedBy: requester, Operation: "sales:post", Reason: "late invoice"})
	require.NoError(t, err)
	return o
}

func TestRequestQuorumByPeriodState(t *testing.T) {
	cases := []struct {
		name     string
		status   periods.Status
		critical bool
		want     int
	}{
		{"closed", periods.StatusClosed, false, 1},
		{"closed_critical", periods.StatusClosed, true, 2},
		{"locked", periods.StatusLocked, false, 2},
		{"locked_critical", periods.StatusLocked, true, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(tc.status, tc.critical)
			o := f.request(t, 7)
			require.Equal(t, tc.want, o.ApprovalsRequired)
			require.Equal(t, StatusPendingApproval, o.Status)
		})
	}
}

func TestRequestOpenPeriodApprovesImmediately(t *testing.T) {
	f := newFixture(periods.StatusOpen, false)
	o := f.request(t, 7)
	require.Equal(t, StatusApproved, o.Status)
	require.Zero(t, o.ApprovalsRequired)
	require.NotNil(t, o.ExpiresAt)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(periods.StatusClosed, false)

	_, err := f.svc.Request(context.Background(), RequestInput{PeriodID: 1, Reason: "x"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Request(context.Background(), RequestInput{PeriodID: 1, RequestedBy: 7, Reason: "   "})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestApproveReachingQuorum(t *testing.T) {
	f := newFixture(periods.StatusLocked, false) // quorum 2
	o := f.request(t, 7)

	o2, err := f.svc.Approve(context.Background(), o.ID, 101, "ok")
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, o2.Status)
	require.Len(t, o2.Approvals, 1)

	o3, err := f.svc.Approve(context.Background(), o.ID, 102, "ok")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, o3.Status)
	require.NotNil(t, o3.ExpiresAt)
	require.Equal(t, f.clock.Add(ApprovalTTL), o3.ExpiresAt.UTC())
}

func TestApproveDuplicateApprover(t *testing.T) {
	f := newFixture(periods.StatusLocked, false)
	o := f.request(t, 7)

	_, err := f.svc.Approve(context.Background(), o.ID, 101, "")
	require.NoError(t, err)

	_, err = f.svc.Approve(context.Background(), o.ID, 101, "again")
	require.ErrorIs(t, err, ErrDuplicateApproval)
}

func TestApproveNonPendingFails(t *testing.T) {
	f := newFixture(periods.StatusClosed, false) // quorum 1
	o := f.request(t, 7)

	_, err := f.svc.Approve(context.Background(), o.ID, 101, "")
	require.NoError(t, err)

	_, err = f.svc.Approve(context.Background(), o.ID, 102, "")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestRejectOnlyPending(t *testing.T) {
	f := newFixture(periods.StatusClosed, false)
	o := f.request(t, 7)

	rejected, err := f.svc.Reject(context.Background(), o.ID, 500, "not justified")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "not justified", rejected.RejectReason)

	_, err = f.svc.Reject(context.Background(), o.ID, 500, "twice")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestCancelRequesterOnly(t *testing.T) {
	f := newFixture(periods.StatusClosed, false)
	o := f.request(t, 7)

	_, err := f.svc.Cancel(context.Background(), o.ID, 999)
	require.ErrorIs(t, err, ErrInvalid)

	cancelled, err := f.svc.Cancel(context.Background(), o.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
}

func TestUseConsumesSingleUse(t *testing.T) {
	f := newFixture(periods.StatusClosed, false)
	o := f.request(t, 7)
	_, err := f.svc.Approve(context.Background(), o.ID, 101, "")
	require.NoError(t, err)

	used, err := f.svc.Use(context.Background(), o.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusUsed, used.Status)
	require.Equal(t, 1, f.periods.uses)

	_, err = f.svc.Use(context.Background(), o.ID, 7)
	require.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestUseRequesterOnly(t *testing.T) {
	f := newFixture(periods.StatusClosed, false)
	o := f.request(t, 7)
	_, err := f.svc.Approve(context.Background(), o.ID, 101, "")
	require.NoError(t, err)

	_, err = f.svc.Use(context.Background(), o.ID, 999)
	require.ErrorIs(t, err, ErrNotRequester)
}

func TestUseAfterWindowExpires(t *testing.T) {
	f := newFixture(periods.StatusClosed, false)
	o := f.request(t, 7)
	_, err := f.svc.Approve(context.Background(), o.ID, 101, "")
	require.NoError(t, err)

	f.advance(ApprovalTTL + time.Minute)

	_, err = f.svc.Use(context.Background(), o.ID, 7)
	require.ErrorIs(t, err, ErrExpired)

	// Expiry was recorded lazily.
	current, err := f.svc.Get(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, current.Status)
}

func TestValidateForUse(t *testing.T) {
	f := newFixture(periods.StatusClosed, false)
	o := f.request(t, 7)
	_, err := f.svc.Approve(context.Background(), o.ID, 101, "")
	require.NoError(t, err)

	period := periods.Period{ID: 1}
	require.NoError(t, f.svc.ValidateForUse(context.Background(), o.ID, period))

	err = f.svc.ValidateForUse(context.Background(), o.ID, periods.Period{ID: 2})
	require.ErrorIs(t, err, ErrPeriodMismatch)

	err = f.svc.ValidateForUse(context.Background(), uuid.New(), period)
	require.ErrorIs(t, err, ErrInvalid)

	f.advance(ApprovalTTL + time.Minute)
	err = f.svc.ValidateForUse(context.Background(), o.ID, period)
	require.ErrorIs(t, err, ErrExpired)
}

func TestValidateForUsePendingIsInvalid(t *testing.T) {
	f := newFixture(periods.StatusLocked, true) // quorum 3, stays pending
	o := f.request(t, 7)

	err := f.svc.ValidateForUse(context.Background(), o.ID, periods.Period{ID: 1})
	require.ErrorIs(t, err, ErrInvalid)
}

type countingOverrideMetrics struct {
	uses int
}

func (m *countingOverrideMetrics) ObserveOverrideUse() {
	m.uses++
}

func TestUseCountsConsumedOverrides(t *testing.T) {
	f := newFixture(periods.StatusClosed, false)
	metrics := &countingOverrideMetrics{}
	f.svc.WithMetrics(metrics)

	o := f.request(t, 7)
	_, err := f.svc.Approve(context.Background(), o.ID, 101, "")
	require.NoError(t, err)

	_, err = f.svc.Use(context.Background(), o.ID, 7)
	require.NoError(t, err)
	require.Equal(t, 1, metrics.uses)

	_, err = f.svc.Use(context.Background(), o.ID, 7)
	require.ErrorIs(t, err, ErrAlreadyUsed)
	require.Equal(t, 1, metrics.uses)
}
