package periods

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists fiscal periods in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const periodColumns = `id, code, start_date, end_date, status, is_critical, override_count,
last_override_at, last_override_by, closed_at, closed_by, locked_at, locked_by, created_at, updated_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	var status string
	err := row.Scan(&p.ID, &p.Code, &p.StartDate, &p.EndDate, &status, &p.IsCritical, &p.OverrideCount,
		&p.LastOverrideAt, &p.LastOverrideBy, &p.ClosedAt, &p.ClosedBy, &p.LockedAt, &p.LockedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Period{}, err
	}
	p.Status = Status(status)
	return p, nil
}

// FindByDate returns the period whose window covers the supplied date.
// The fiscal_periods(start_date, end_date) index backs this lookup.
func (r *Repository) FindByDate(ctx context.Context, date time.Time) (Period, error) {
	if r == nil {
		return Period{}, errors.New("periods repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+`
FROM fiscal_periods WHERE $1::date BETWEEN start_date AND end_date
ORDER BY start_date LIMIT 1`, date)
	p, err := scanPeriod(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, shared.ErrNotFound
		}
		return Period{}, err
	}
	return p, nil
}

// Get loads a period by id.
func (r *Repository) Get(ctx context.Context, id int64) (Period, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods WHERE id=$1`, id)
	p, err := scanPeriod(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, shared.ErrNotFound
		}
		return Period{}, err
	}
	return p, nil
}

// List returns periods ordered by start date.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Period, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+`
FROM fiscal_periods ORDER BY start_date DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// Insert creates a new period in OPEN status.
func (r *Repository) Insert(ctx context.Context, in CreateInput) (Period, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO fiscal_periods (code, start_date, end_date, status, is_critical, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
RETURNING `+periodColumns, in.Code, in.StartDate, in.EndDate, string(StatusOpen), in.IsCritical)
	p, err := scanPeriod(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Period{}, shared.Wrap(shared.ErrValidation, "periods: code %q already exists", in.Code)
		}
		if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
			return Period{}, shared.Wrap(shared.ErrValidation, "periods: window overlaps an existing period")
		}
		return Period{}, err
	}
	return p, nil
}

// UpdateStatus applies a status transition guarded by the current status so
// two concurrent admin calls cannot both succeed.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, from, to Status, actorID int64, at time.Time) (Period, error) {
	row := r.pool.QueryRow(ctx, `UPDATE fiscal_periods SET
status=$3,
closed_at=CASE WHEN $3='CLOSED' THEN $5 ELSE closed_at END,
closed_by=CASE WHEN $3='CLOSED' THEN $4 ELSE closed_by END,
locked_at=CASE WHEN $3='LOCKED' THEN $5 ELSE locked_at END,
locked_by=CASE WHEN $3='LOCKED' THEN $4 ELSE locked_by END,
updated_at=NOW()
WHERE id=$1 AND status=$2
RETURNING `+periodColumns, id, string(from), string(to), actorID, at)
	p, err := scanPeriod(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrInvalidTransition
		}
		return Period{}, err
	}
	return p, nil
}

// RecordOverrideUse bumps the override counter after an override is consumed.
func (r *Repository) RecordOverrideUse(ctx context.Context, id int64, usedBy int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE fiscal_periods SET
override_count=override_count+1, last_override_at=$2, last_override_by=$3, updated_at=NOW()
WHERE id=$1`, id, at, usedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
