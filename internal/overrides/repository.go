package overrides

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists period overrides in PostgreSQL. Approvals live in a
// jsonb column so appending an approval and recomputing the status is a
// single statement.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const overrideColumns = `id, period_id, requested_by, operation, reason, status, approvals_required,
approvals, expires_at, used_at, used_by, rejected_by, reject_reason, created_at, updated_at`

func scanOverride(row pgx.Row) (Override, error) {
	var o Override
	var status string
	var approvalsJSON []byte
	err := row.Scan(&o.ID, &o.PeriodID, &o.RequestedBy, &o.Operation, &o.Reason, &status, &o.ApprovalsRequired,
		&approvalsJSON, &o.ExpiresAt, &o.UsedAt, &o.UsedBy, &o.RejectedBy, &o.RejectReason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Override{}, err
	}
	o.Status = Status(status)
	if len(approvalsJSON) > 0 {
		if err := json.Unmarshal(approvalsJSON, &o.Approvals); err != nil {
			return Override{}, err
		}
	}
	return o, nil
}

// Insert stores a new override request.
func (r *Repository) Insert(ctx context.Context, o Override) (Override, error) {
	approvalsJSON, err := json.Marshal(o.Approvals)
	if err != nil {
		return Override{}, err
	}
	if o.Approvals == nil {
		approvalsJSON = []byte("[]")
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO period_overrides
(id, period_id, requested_by, operation, reason, status, approvals_required, approvals, expires_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())
RETURNING `+overrideColumns,
		o.ID, o.PeriodID, o.RequestedBy, o.Operation, o.Reason, string(o.Status), o.ApprovalsRequired, approvalsJSON, o.ExpiresAt)
	return scanOverride(row)
}

// Get loads an override by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Override, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+overrideColumns+` FROM period_overrides WHERE id=$1`, id)
	o, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, shared.ErrNotFound
		}
		return Override{}, err
	}
	return o, nil
}

// ListByPeriod returns overrides targeting a period, newest first.
func (r *Repository) ListByPeriod(ctx context.Context, periodID int64) ([]Override, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+overrideColumns+`
FROM period_overrides WHERE period_id=$1 ORDER BY created_at DESC`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// AppendApproval atomically appends an approval and flips the status to
// APPROVED when the quorum is reached. The WHERE clause excludes duplicate
// approvers and non-pending overrides, so two concurrent approvals cannot
// both finish the workflow: only one statement observes the pre-quorum row.
func (r *Repository) AppendApproval(ctx context.Context, id uuid.UUID, approval Approval, expiresAt time.Time) (Override, error) {
	approvalJSON, err := json.Marshal(approval)
	if err != nil {
		return Override{}, err
	}
	row := r.pool.QueryRow(ctx, `UPDATE period_overrides SET
approvals = approvals || $2::jsonb,
status = CASE WHEN jsonb_array_length(approvals || $2::jsonb) >= approvals_required THEN 'APPROVED' ELSE status END,
expires_at = CASE WHEN jsonb_array_length(approvals || $2::jsonb) >= approvals_required THEN $3 ELSE expires_at END,
updated_at = NOW()
WHERE id=$1 AND status='PENDING_APPROVAL'
  AND NOT approvals @> jsonb_build_array(jsonb_build_object('approver_id', $4::bigint))
RETURNING `+overrideColumns, id, approvalJSON, expiresAt, approval.ApproverID)
	o, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, pgx.ErrNoRows
		}
		return Override{}, err
	}
	return o, nil
}

// MarkRejected moves a pending override to its terminal REJECTED state.
func (r *Repository) MarkRejected(ctx context.Context, id uuid.UUID, rejectorID int64, reason string) (Override, error) {
	row := r.pool.QueryRow(ctx, `UPDATE period_overrides SET
status='REJECTED', rejected_by=$2, reject_reason=$3, updated_at=NOW()
WHERE id=$1 AND status='PENDING_APPROVAL'
RETURNING `+overrideColumns, id, rejectorID, reason)
	o, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, pgx.ErrNoRows
		}
		return Override{}, err
	}
	return o, nil
}

// MarkCancelled cancels an approved override before use.
func (r *Repository) MarkCancelled(ctx context.Context, id uuid.UUID, actorID int64) (Override, error) {
	row := r.pool.QueryRow(ctx, `UPDATE period_overrides SET
status='CANCELLED', updated_at=NOW()
WHERE id=$1 AND status IN ('PENDING_APPROVAL','APPROVED') AND requested_by=$2
RETURNING `+overrideColumns, id, actorID)
	o, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, pgx.ErrNoRows
		}
		return Override{}, err
	}
	return o, nil
}

// MarkUsed spends the single use. The guards in the WHERE clause make the
// consumption atomic: expired, already-used and foreign-requester calls all
// fall through to zero rows.
func (r *Repository) MarkUsed(ctx context.Context, id uuid.UUID, userID int64, at time.Time) (Override, error) {
	row := r.pool.QueryRow(ctx, `UPDATE period_overrides SET
status='USED', used_at=$3, used_by=$2, updated_at=NOW()
WHERE id=$1 AND status='APPROVED' AND used_at IS NULL AND requested_by=$2 AND expires_at > $3
RETURNING `+overrideColumns, id, userID, at)
	o, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, pgx.ErrNoRows
		}
		return Override{}, err
	}
	return o, nil
}

// MarkExpired lazily records expiry observed at validation time.
func (r *Repository) MarkExpired(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE period_overrides SET status='EXPIRED', updated_at=NOW()
WHERE id=$1 AND status='APPROVED' AND expires_at <= $2`, id, at)
	return err
}
