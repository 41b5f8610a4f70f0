package costing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// TxRepository exposes the transactional batch operations used by Store.
type TxRepository interface {
	ListBatchesForUpdate(ctx context.Context, productID int64, asOf time.Time) ([]CostBatch, error)
	InsertBatch(ctx context.Context, batch CostBatch) (int64, error)
	ApplyConsumptions(ctx context.Context, productID int64, consumptions []Consumption) error
	RestoreConsumptions(ctx context.Context, productID int64, consumptions []Consumption) error
	GetCostState(ctx context.Context, productID int64) (CostState, error)
	UpsertCostState(ctx context.Context, state CostState) error
}

// BatchRepositoryPort abstracts batch persistence for Store.
type BatchRepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetCostState(ctx context.Context, productID int64) (CostState, error)
	ListBatches(ctx context.Context, productID int64) ([]CostBatch, error)
}

// Store owns the per-product cost batch lists and the running weighted
// average. The batch invariant — summed remaining quantity never exceeding
// the product's on-hand stock — holds because receipts append a batch for
// exactly the received quantity and issues consume before stock decrements.
type Store struct {
	repo BatchRepositoryPort
	now  func() time.Time
}

// NewStore constructs Store.
func NewStore(repo BatchRepositoryPort) *Store {
	return &Store{repo: repo, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Store) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// AddBatchInput describes a stock receipt to record.
type AddBatchInput struct {
	ProductID       int64
	Quantity        float64
	UnitCost        decimal.Decimal
	AcquiredAt      time.Time
	SourceReference string
}

// AddBatch appends a cost batch and recomputes the running average in one
// transaction.
func (s *Store) AddBatch(ctx context.Context, in AddBatchInput) (CostBatch, error) {
	if in.Quantity <= 0 {
		return CostBatch{}, ErrInvalidQuantity
	}
	if in.UnitCost.IsNegative() {
		return CostBatch{}, shared.Wrap(shared.ErrValidation, "costing: unit cost must be >= 0")
	}
	acquiredAt := in.AcquiredAt
	if acquiredAt.IsZero() {
		acquiredAt = s.now().UTC()
	}
	batch := CostBatch{
		ProductID:         in.ProductID,
		QuantityRemaining: in.Quantity,
		UnitCost:          in.UnitCost,
		AcquiredAt:        acquiredAt,
		SourceReference:   in.SourceReference,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertBatch(ctx, batch)
		if err != nil {
			return err
		}
		batch.ID = id
		state, err := tx.GetCostState(ctx, in.ProductID)
		if err != nil {
			return err
		}
		state.ProductID = in.ProductID
		state.AverageCost = RecalcAverage(state.OnHandQty, state.AverageCost, in.Quantity, in.UnitCost)
		state.OnHandQty += in.Quantity
		state.UpdatedAt = s.now().UTC()
		return tx.UpsertCostState(ctx, state)
	})
	if err != nil {
		return CostBatch{}, err
	}
	return batch, nil
}

// Consume walks batches acquired on or before asOf in the requested order and
// reduces them by the planned takes. The consumed quantity leaves the running
// on-hand counter but the average cost is untouched: averages only move on
// receipts.
func (s *Store) Consume(ctx context.Context, productID int64, qty float64, order ConsumeOrder, asOf time.Time) (ConsumePlan, error) {
	if qty <= 0 {
		return ConsumePlan{}, ErrInvalidQuantity
	}
	if asOf.IsZero() {
		asOf = s.now().UTC()
	}
	var plan ConsumePlan
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		state, err := tx.GetCostState(ctx, productID)
		if err != nil {
			return err
		}
		batches, err := tx.ListBatchesForUpdate(ctx, productID, asOf)
		if err != nil {
			return err
		}
		plan, err = PlanConsumption(batches, qty, order, state.AverageCost)
		if err != nil {
			return err
		}
		if err := tx.ApplyConsumptions(ctx, productID, plan.Consumptions); err != nil {
			return err
		}
		state.ProductID = productID
		state.OnHandQty -= qty
		if state.OnHandQty < 0 {
			state.OnHandQty = 0
		}
		state.UpdatedAt = s.now().UTC()
		return tx.UpsertCostState(ctx, state)
	})
	if err != nil {
		return ConsumePlan{}, err
	}
	return plan, nil
}

// Restore puts consumed quantities back, compensating a sale whose stock
// write failed after the batches were already reduced.
func (s *Store) Restore(ctx context.Context, productID int64, consumptions []Consumption) error {
	if len(consumptions) == 0 {
		return nil
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.RestoreConsumptions(ctx, productID, consumptions); err != nil {
			return err
		}
		state, err := tx.GetCostState(ctx, productID)
		if err != nil {
			return err
		}
		var restored float64
		for _, c := range consumptions {
			restored += c.Quantity
		}
		state.ProductID = productID
		state.OnHandQty += restored
		state.UpdatedAt = s.now().UTC()
		return tx.UpsertCostState(ctx, state)
	})
}

// AverageCost returns the running weighted average for a product.
func (s *Store) AverageCost(ctx context.Context, productID int64) (decimal.Decimal, error) {
	state, err := s.repo.GetCostState(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return state.AverageCost, nil
}

// ListBatches returns the open batches for a product, oldest first.
func (s *Store) ListBatches(ctx context.Context, productID int64) ([]CostBatch, error) {
	return s.repo.ListBatches(ctx, productID)
}
