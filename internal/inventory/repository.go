package inventory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists inventory records and movements in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `product_id, current_stock, reserved_stock, available_stock,
reorder_point, reorder_qty, status, version, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	var status string
	err := row.Scan(&r.ProductID, &r.CurrentStock, &r.ReservedStock, &r.AvailableStock,
		&r.ReorderPoint, &r.ReorderQuantity, &status, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	r.Status = RecordStatus(status)
	return r, nil
}

// Get loads the stock aggregate for a product.
func (r *Repository) Get(ctx context.Context, productID int64) (Record, error) {
	if r == nil {
		return Record{}, errors.New("inventory repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM inventory_records WHERE product_id=$1`, productID)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	return record, nil
}

// ApplyMovement writes the new stock level guarded by the expected version
// and appends the movement in the same transaction. A version mismatch
// affects zero rows and surfaces as the retryable ErrConflict. Reservations
// can never exceed what physically remains, so they clamp to the new level
// and available stock stays non-negative.
func (r *Repository) ApplyMovement(ctx context.Context, expected Record, newStock float64, newStatus RecordStatus, movement StockMovement) (Record, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `UPDATE inventory_records SET
current_stock=$3,
reserved_stock=LEAST(reserved_stock, $3),
available_stock=$3 - LEAST(reserved_stock, $3),
status=$4,
version=version+1,
updated_at=NOW()
WHERE product_id=$1 AND version=$2
RETURNING `+recordColumns, expected.ProductID, expected.Version, newStock, string(newStatus))
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrConflict
		}
		return Record{}, err
	}

	_, err = tx.Exec(ctx, `INSERT INTO stock_movements (product_id, movement_type, quantity, reason, reference, moved_at, performed_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())`,
		movement.ProductID, string(movement.Type), movement.Quantity, movement.Reason, movement.Reference, movement.Date, movement.PerformedBy)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Reserve increments reserved stock only when enough is available, in one
// atomic statement.
func (r *Repository) Reserve(ctx context.Context, productID int64, qty float64) (Record, error) {
	row := r.pool.QueryRow(ctx, `UPDATE inventory_records SET
reserved_stock=reserved_stock+$2,
available_stock=current_stock - (reserved_stock+$2),
version=version+1,
updated_at=NOW()
WHERE product_id=$1 AND current_stock - reserved_stock >= $2
RETURNING `+recordColumns, productID, qty)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish missing record from insufficient availability.
			if _, getErr := r.Get(ctx, productID); getErr != nil {
				return Record{}, getErr
			}
			return Record{}, ErrInsufficientStock
		}
		return Record{}, err
	}
	return record, nil
}

// Release decrements reserved stock, clamping at zero.
func (r *Repository) Release(ctx context.Context, productID int64, qty float64) (Record, error) {
	row := r.pool.QueryRow(ctx, `UPDATE inventory_records SET
reserved_stock=GREATEST(reserved_stock-$2, 0),
available_stock=current_stock - GREATEST(reserved_stock-$2, 0),
version=version+1,
updated_at=NOW()
WHERE product_id=$1
RETURNING `+recordColumns, productID, qty)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	return record, nil
}

// ListMovements returns movement history, newest first.
func (r *Repository) ListMovements(ctx context.Context, productID int64, limit int) ([]StockMovement, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, movement_type, quantity, reason, reference, moved_at, performed_by, created_at
FROM stock_movements WHERE product_id=$1 ORDER BY moved_at DESC, id DESC LIMIT $2`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var movements []StockMovement
	for rows.Next() {
		var m StockMovement
		var mt string
		if err := rows.Scan(&m.ID, &m.ProductID, &mt, &m.Quantity, &m.Reason, &m.Reference, &m.Date, &m.PerformedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = MovementType(mt)
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// ListBelowReorderPoint returns active records at or under their reorder point.
func (r *Repository) ListBelowReorderPoint(ctx context.Context) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+`
FROM inventory_records
WHERE status IN ('active','out_of_stock') AND reorder_point > 0 AND current_stock <= reorder_point
ORDER BY product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
