package costing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists cost batches, cost states and costing policies in
// PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("costing repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// GetCostState reads the running aggregate outside a transaction.
func (r *Repository) GetCostState(ctx context.Context, productID int64) (CostState, error) {
	return getCostState(ctx, r.pool, productID)
}

// ListBatches returns open batches for a product, oldest first.
func (r *Repository) ListBatches(ctx context.Context, productID int64) ([]CostBatch, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, qty_remaining, unit_cost, acquired_at, source_ref
FROM cost_batches WHERE product_id=$1 AND qty_remaining > 0
ORDER BY acquired_at ASC, id ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getCostState(ctx context.Context, q queryer, productID int64) (CostState, error) {
	var state CostState
	var avg decimal.Decimal
	err := q.QueryRow(ctx, `SELECT product_id, on_hand_qty, average_cost, updated_at
FROM product_cost_states WHERE product_id=$1`, productID).
		Scan(&state.ProductID, &state.OnHandQty, &avg, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CostState{ProductID: productID, AverageCost: decimal.Zero}, nil
		}
		return CostState{}, err
	}
	state.AverageCost = avg
	return state, nil
}

func scanBatches(rows pgx.Rows) ([]CostBatch, error) {
	var batches []CostBatch
	for rows.Next() {
		var b CostBatch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.QuantityRemaining, &b.UnitCost, &b.AcquiredAt, &b.SourceReference); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *txRepository) ListBatchesForUpdate(ctx context.Context, productID int64, asOf time.Time) ([]CostBatch, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, product_id, qty_remaining, unit_cost, acquired_at, source_ref
FROM cost_batches WHERE product_id=$1 AND qty_remaining > 0 AND acquired_at <= $2
ORDER BY acquired_at ASC, id ASC
FOR UPDATE`, productID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (r *txRepository) InsertBatch(ctx context.Context, batch CostBatch) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO cost_batches (product_id, qty_remaining, unit_cost, acquired_at, source_ref, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id`,
		batch.ProductID, batch.QuantityRemaining, batch.UnitCost, batch.AcquiredAt, batch.SourceReference).Scan(&id)
	return id, err
}

func (r *txRepository) ApplyConsumptions(ctx context.Context, productID int64, consumptions []Consumption) error {
	for _, c := range consumptions {
		tag, err := r.tx.Exec(ctx, `UPDATE cost_batches SET qty_remaining = qty_remaining - $2
WHERE id=$1 AND qty_remaining >= $2`, c.BatchID, c.Quantity)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.Wrap(shared.ErrValidation, "costing: batch %d no longer holds %g units", c.BatchID, c.Quantity)
		}
	}
	_, err := r.tx.Exec(ctx, `DELETE FROM cost_batches WHERE product_id=$1 AND qty_remaining <= 0`, productID)
	return err
}

func (r *txRepository) RestoreConsumptions(ctx context.Context, productID int64, consumptions []Consumption) error {
	for _, c := range consumptions {
		tag, err := r.tx.Exec(ctx, `UPDATE cost_batches SET qty_remaining = qty_remaining + $2
WHERE id=$1`, c.BatchID, c.Quantity)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// Batch was deleted at zero remaining; recreate it.
			_, err := r.tx.Exec(ctx, `INSERT INTO cost_batches (id, product_id, qty_remaining, unit_cost, acquired_at, source_ref, created_at)
VALUES ($1,$2,$3,$4,$5,'restored',NOW())
ON CONFLICT (id) DO UPDATE SET qty_remaining = cost_batches.qty_remaining + EXCLUDED.qty_remaining`,
				c.BatchID, productID, c.Quantity, c.UnitCost, c.AcquiredAt)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *txRepository) GetCostState(ctx context.Context, productID int64) (CostState, error) {
	return getCostState(ctx, r.tx, productID)
}

func (r *txRepository) UpsertCostState(ctx context.Context, state CostState) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO product_cost_states (product_id, on_hand_qty, average_cost, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (product_id) DO UPDATE SET on_hand_qty=EXCLUDED.on_hand_qty, average_cost=EXCLUDED.average_cost, updated_at=NOW()`,
		state.ProductID, state.OnHandQty, state.AverageCost)
	return err
}

// GetPolicy loads the product's costing policy.
func (r *Repository) GetPolicy(ctx context.Context, productID int64) (Policy, error) {
	var p Policy
	var method *string
	var lockedRef *string
	err := r.pool.QueryRow(ctx, `SELECT costing_method, costing_locked, costing_locked_at, costing_locked_by, costing_locked_ref, standard_cost
FROM products WHERE id=$1`, productID).
		Scan(&method, &p.IsLocked, &p.LockedAt, &p.LockedBy, &lockedRef, &p.StandardCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Policy{}, shared.ErrNotFound
		}
		return Policy{}, err
	}
	if method != nil {
		p.Method = Method(*method)
	}
	if lockedRef != nil {
		p.LockedOnPurchaseRef = *lockedRef
	}
	return p, nil
}

// SetMethod writes method and lock in a single guarded statement. The WHERE
// clause is the immutability enforcement at the storage layer: a locked row
// with a different method matches nothing.
func (r *Repository) SetMethod(ctx context.Context, productID int64, method Method, lockedBy int64, lockedAt time.Time, purchaseRef string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE products SET
costing_method=$2, costing_locked=TRUE,
costing_locked_at=COALESCE(costing_locked_at, $3),
costing_locked_by=COALESCE(costing_locked_by, $4),
costing_locked_ref=COALESCE(costing_locked_ref, NULLIF($5,'')),
updated_at=NOW()
WHERE id=$1 AND (costing_locked = FALSE OR costing_method = $2)`,
		productID, string(method), lockedAt, lockedBy, purchaseRef)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// LockExisting locks the currently configured method, if one is set.
func (r *Repository) LockExisting(ctx context.Context, productID int64, lockedBy int64, lockedAt time.Time, purchaseRef string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE products SET
costing_locked=TRUE, costing_locked_at=$2, costing_locked_by=$3, costing_locked_ref=NULLIF($4,''), updated_at=NOW()
WHERE id=$1 AND costing_locked = FALSE AND costing_method IS NOT NULL`,
		productID, lockedAt, lockedBy, purchaseRef)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetStandardCost updates the product's standard unit cost. The cost value is
// a tunable parameter; the method lock does not freeze it.
func (r *Repository) SetStandardCost(ctx context.Context, productID int64, cost decimal.Decimal) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE products SET standard_cost=$2, updated_at=NOW() WHERE id=$1`,
		productID, cost)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecalcCostStates rebuilds every product's running aggregate from its
// remaining batches. Products whose batches were fully consumed keep their
// last aggregate row untouched.
func (r *Repository) RecalcCostStates(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `INSERT INTO product_cost_states (product_id, on_hand_qty, average_cost, updated_at)
SELECT product_id,
       SUM(qty_remaining),
       COALESCE(SUM(qty_remaining * unit_cost) / NULLIF(SUM(qty_remaining), 0), 0),
       NOW()
FROM cost_batches
GROUP BY product_id
ON CONFLICT (product_id) DO UPDATE SET
on_hand_qty=EXCLUDED.on_hand_qty, average_cost=EXCLUDED.average_cost, updated_at=NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
