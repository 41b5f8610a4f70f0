package costing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// BatchPort exposes the batch operations the engine needs.
type BatchPort interface {
	Consume(ctx context.Context, productID int64, qty float64, order ConsumeOrder, asOf time.Time) (ConsumePlan, error)
	AverageCost(ctx context.Context, productID int64) (decimal.Decimal, error)
	ListBatches(ctx context.Context, productID int64) ([]CostBatch, error)
}

// PolicySource resolves a product's costing policy.
type PolicySource interface {
	GetPolicy(ctx context.Context, productID int64) (Policy, error)
}

// Engine computes the cost of goods sold for a requested quantity using the
// product's locked costing method. The engine returns a snapshot and never
// persists it: attaching the frozen value to the sale line is the caller's
// write, which keeps the freeze explicit at the call site.
type Engine struct {
	batches  BatchPort
	policies PolicySource
	now      func() time.Time
}

// NewEngine constructs Engine.
func NewEngine(batches BatchPort, policies PolicySource) *Engine {
	return &Engine{batches: batches, policies: policies, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// CalculateAndFreeze resolves the unit and total cost for qty units sold on
// saleDate. FIFO and LIFO only see batches acquired on or before the sale
// date; average reads the running average without touching batches; standard
// uses the fixed standard cost.
func (e *Engine) CalculateAndFreeze(ctx context.Context, productID int64, qty float64, saleDate time.Time) (FrozenCOGS, error) {
	if qty <= 0 {
		return FrozenCOGS{}, ErrInvalidQuantity
	}
	policy, err := e.policies.GetPolicy(ctx, productID)
	if err != nil {
		return FrozenCOGS{}, err
	}
	if policy.Method == "" {
		return FrozenCOGS{}, shared.Wrap(ErrMethodNotSet, "product %d", productID)
	}
	snapshot := FrozenCOGS{
		CostingMethod: policy.Method,
		CalculatedAt:  e.now().UTC(),
	}
	qtyDec := decimal.NewFromFloat(qty)
	switch policy.Method {
	case MethodFIFO, MethodLIFO:
		order := OldestFirst
		if policy.Method == MethodLIFO {
			order = NewestFirst
		}
		plan, err := e.batches.Consume(ctx, productID, qty, order, saleDate)
		if err != nil {
			return FrozenCOGS{}, err
		}
		snapshot.UnitCost = plan.UnitCost
		snapshot.TotalCost = plan.TotalCost
		snapshot.BatchesConsumed = plan.Consumptions
		snapshot.Note = plan.Note
	case MethodAverage:
		avg, err := e.batches.AverageCost(ctx, productID)
		if err != nil {
			return FrozenCOGS{}, err
		}
		snapshot.UnitCost = avg
		snapshot.TotalCost = avg.Mul(qtyDec)
	case MethodStandard:
		snapshot.UnitCost = policy.StandardCost
		snapshot.TotalCost = policy.StandardCost.Mul(qtyDec)
	default:
		return FrozenCOGS{}, shared.Wrap(ErrInvalidMethod, "product %d method %q", productID, policy.Method)
	}
	return snapshot, nil
}

// Preview computes the same snapshot as CalculateAndFreeze without consuming
// any batch quantity. FIFO and LIFO plans are built from a read-only batch
// listing, so a preview followed by the real sale can differ if a concurrent
// sale lands in between.
func (e *Engine) Preview(ctx context.Context, productID int64, qty float64, saleDate time.Time) (FrozenCOGS, error) {
	if qty <= 0 {
		return FrozenCOGS{}, ErrInvalidQuantity
	}
	policy, err := e.policies.GetPolicy(ctx, productID)
	if err != nil {
		return FrozenCOGS{}, err
	}
	if policy.Method == "" {
		return FrozenCOGS{}, shared.Wrap(ErrMethodNotSet, "product %d", productID)
	}
	if policy.Method != MethodFIFO && policy.Method != MethodLIFO {
		return e.CalculateAndFreeze(ctx, productID, qty, saleDate)
	}
	order := OldestFirst
	if policy.Method == MethodLIFO {
		order = NewestFirst
	}
	all, err := e.batches.ListBatches(ctx, productID)
	if err != nil {
		return FrozenCOGS{}, err
	}
	eligible := make([]CostBatch, 0, len(all))
	for _, b := range all {
		if !b.AcquiredAt.After(saleDate) {
			eligible = append(eligible, b)
		}
	}
	avg, err := e.batches.AverageCost(ctx, productID)
	if err != nil {
		return FrozenCOGS{}, err
	}
	plan, err := PlanConsumption(eligible, qty, order, avg)
	if err != nil {
		return FrozenCOGS{}, err
	}
	return FrozenCOGS{
		CostingMethod:   policy.Method,
		CalculatedAt:    e.now().UTC(),
		UnitCost:        plan.UnitCost,
		TotalCost:       plan.TotalCost,
		BatchesConsumed: plan.Consumptions,
		Note:            plan.Note,
	}, nil
}
