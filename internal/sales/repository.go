package sales

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists sale lines in PostgreSQL. The frozen cost snapshot is
// stored as jsonb and only ever inserted; there is no update path, which is
// the storage-level half of the write-once contract.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const lineColumns = `id, reference, product_id, quantity, unit_price, sale_date, frozen_cost, period_id, override_id, posted_by, created_at`

func scanLine(row pgx.Row) (SaleLine, error) {
	var line SaleLine
	var frozenJSON []byte
	var periodID *int64
	err := row.Scan(&line.ID, &line.Reference, &line.ProductID, &line.Quantity, &line.UnitPrice,
		&line.SaleDate, &frozenJSON, &periodID, &line.OverrideID, &line.PostedBy, &line.CreatedAt)
	if err != nil {
		return SaleLine{}, err
	}
	if periodID != nil {
		line.PeriodID = *periodID
	}
	if len(frozenJSON) > 0 {
		var frozen costing.FrozenCOGS
		if err := json.Unmarshal(frozenJSON, &frozen); err != nil {
			return SaleLine{}, err
		}
		line.FrozenCost = frozen
	}
	return line, nil
}

// InsertLine stores a posted sale line with its frozen snapshot.
func (r *Repository) InsertLine(ctx context.Context, line SaleLine) (SaleLine, error) {
	frozenJSON, err := json.Marshal(line.FrozenCost)
	if err != nil {
		return SaleLine{}, err
	}
	var periodID *int64
	if line.PeriodID != 0 {
		periodID = &line.PeriodID
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO sale_lines
(reference, product_id, quantity, unit_price, sale_date, frozen_cost, period_id, override_id, posted_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
RETURNING `+lineColumns,
		line.Reference, line.ProductID, line.Quantity, line.UnitPrice, line.SaleDate, frozenJSON, periodID, line.OverrideID, line.PostedBy)
	return scanLine(row)
}

// GetLine loads one sale line.
func (r *Repository) GetLine(ctx context.Context, id int64) (SaleLine, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+lineColumns+` FROM sale_lines WHERE id=$1`, id)
	line, err := scanLine(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SaleLine{}, shared.ErrNotFound
		}
		return SaleLine{}, err
	}
	return line, nil
}

// ListLines returns sale lines for a product, newest first.
func (r *Repository) ListLines(ctx context.Context, productID int64, limit int) ([]SaleLine, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+lineColumns+`
FROM sale_lines WHERE product_id=$1 ORDER BY sale_date DESC, id DESC LIMIT $2`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []SaleLine
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
