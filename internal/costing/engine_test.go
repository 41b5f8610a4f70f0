package costing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryBatchPort struct {
	batches []CostBatch
	average decimal.Decimal

	consumeCalls int
}

func (p *memoryBatchPort) Consume(ctx context.Context, productID int64, qty float64, order ConsumeOrder, asOf time.Time) (ConsumePlan, error) {
	p.consumeCalls++
	eligible := make([]CostBatch, 0, len(p.batches))
	for _, b := range p.batches {
		if b.ProductID == productID && !b.AcquiredAt.After(asOf) {
			eligible = append(eligible, b)
		}
	}
	plan, err := PlanConsumption(eligible, qty, order, p.average)
	if err != nil {
		return ConsumePlan{}, err
	}
	for _, c := range plan.Consumptions {
		for i := range p.batches {
			if p.batches[i].ID == c.BatchID {
				p.batches[i].QuantityRemaining -= c.Quantity
			}
		}
	}
	return plan, nil
}

func (p *memoryBatchPort) AverageCost(ctx context.Context, productID int64) (decimal.Decimal, error) {
	return p.average, nil
}

func (p *memoryBatchPort) ListBatches(ctx context.Context, productID int64) ([]CostBatch, error) {
	out := make([]CostBatch, 0, len(p.batches))
	for _, b := range p.batches {
		if b.ProductID == productID {
			out = append(out, b)
		}
	}
	return out, nil
}

type staticPolicySource struct {
	policies map[int64]Policy
}

func (s *staticPolicySource) GetPolicy(ctx context.Context, productID int64) (Policy, error) {
	return s.policies[productID], nil
}

func testEngine(batches *memoryBatchPort, policies map[int64]Policy) *Engine {
	eng := NewEngine(batches, &staticPolicySource{policies: policies})
	eng.WithNow(func() time.Time { return day("2024-06-01") })
	return eng
}

func TestCalculateAndFreezeFIFO(t *testing.T) {
	port := &memoryBatchPort{batches: twoBatches()}
	eng := testEngine(port, map[int64]Policy{9: {Method: MethodFIFO, IsLocked: true}})

	cogs, err := eng.CalculateAndFreeze(context.Background(), 9, 7, day("2024-02-01"))
	require.NoError(t, err)
	require.Equal(t, MethodFIFO, cogs.CostingMethod)
	require.True(t, cogs.TotalCost.Equal(decimal.NewFromInt(90)), "total %s", cogs.TotalCost)
	require.Len(t, cogs.BatchesConsumed, 2)
	require.Equal(t, day("2024-06-01"), cogs.CalculatedAt)

	// Consumption actually reduced the batches.
	require.Equal(t, 0.0, port.batches[0].QuantityRemaining)
	require.Equal(t, 3.0, port.batches[1].QuantityRemaining)
}

func TestCalculateAndFreezeLIFO(t *testing.T) {
	port := &memoryBatchPort{batches: twoBatches()}
	eng := testEngine(port, map[int64]Policy{9: {Method: MethodLIFO, IsLocked: true}})

	cogs, err := eng.CalculateAndFreeze(context.Background(), 9, 7, day("2024-02-01"))
	require.NoError(t, err)
	require.True(t, cogs.TotalCost.Equal(decimal.NewFromInt(120)), "total %s", cogs.TotalCost)
}

func TestCalculateAndFreezeIgnoresBatchesAfterSaleDate(t *testing.T) {
	port := &memoryBatchPort{batches: twoBatches(), average: decimal.NewFromInt(15)}
	eng := testEngine(port, map[int64]Policy{9: {Method: MethodFIFO, IsLocked: true}})

	// Sale dated before the second batch arrived: only batch 1 is eligible,
	// the remaining 2 units fall back to the average.
	cogs, err := eng.CalculateAndFreeze(context.Background(), 9, 7, day("2024-01-03"))
	require.NoError(t, err)
	require.Len(t, cogs.BatchesConsumed, 1)
	// 5*10 + 2*15 = 80
	require.True(t, cogs.TotalCost.Equal(decimal.NewFromInt(80)), "total %s", cogs.TotalCost)
	require.NotEmpty(t, cogs.Note)
}

func TestCalculateAndFreezeAverage(t *testing.T) {
	port := &memoryBatchPort{batches: twoBatches(), average: decimal.RequireFromString("14.5")}
	eng := testEngine(port, map[int64]Policy{9: {Method: MethodAverage, IsLocked: true}})

	cogs, err := eng.CalculateAndFreeze(context.Background(), 9, 4, day("2024-02-01"))
	require.NoError(t, err)
	require.True(t, cogs.UnitCost.Equal(decimal.RequireFromString("14.5")))
	require.True(t, cogs.TotalCost.Equal(decimal.NewFromInt(58)), "total %s", cogs.TotalCost)
	require.Empty(t, cogs.BatchesConsumed)
	require.Zero(t, port.consumeCalls)
}

func TestCalculateAndFreezeStandard(t *testing.T) {
	port := &memoryBatchPort{}
	eng := testEngine(port, map[int64]Policy{9: {Method: MethodStandard, IsLocked: true, StandardCost: decimal.NewFromInt(11)}})

	cogs, err := eng.CalculateAndFreeze(context.Background(), 9, 3, day("2024-02-01"))
	require.NoError(t, err)
	require.True(t, cogs.TotalCost.Equal(decimal.NewFromInt(33)), "total %s", cogs.TotalCost)
}

func TestCalculateAndFreezeRequiresMethod(t *testing.T) {
	eng := testEngine(&memoryBatchPort{}, map[int64]Policy{})

	_, err := eng.CalculateAndFreeze(context.Background(), 9, 1, day("2024-02-01"))
	require.ErrorIs(t, err, ErrMethodNotSet)
}

func TestCalculateAndFreezeRejectsNonPositiveQuantity(t *testing.T) {
	eng := testEngine(&memoryBatchPort{}, map[int64]Policy{9: {Method: MethodFIFO}})

	_, err := eng.CalculateAndFreeze(context.Background(), 9, 0, day("2024-02-01"))
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestPreviewDoesNotConsume(t *testing.T) {
	port := &memoryBatchPort{batches: twoBatches()}
	eng := testEngine(port, map[int64]Policy{9: {Method: MethodFIFO, IsLocked: true}})

	cogs, err := eng.Preview(context.Background(), 9, 7, day("2024-02-01"))
	require.NoError(t, err)
	require.True(t, cogs.TotalCost.Equal(decimal.NewFromInt(90)), "total %s", cogs.TotalCost)
	require.Zero(t, port.consumeCalls)
	require.Equal(t, 5.0, port.batches[0].QuantityRemaining)
	require.Equal(t, 5.0, port.batches[1].QuantityRemaining)
}

func TestPreviewDelegatesForAverage(t *testing.T) {
	port := &memoryBatchPort{average: decimal.NewFromInt(7)}
	eng := testEngine(port, map[int64]Policy{9: {Method: MethodAverage, IsLocked: true}})

	cogs, err := eng.Preview(context.Background(), 9, 2, day("2024-02-01"))
	require.NoError(t, err)
	require.True(t, cogs.TotalCost.Equal(decimal.NewFromInt(14)), "total %s", cogs.TotalCost)
}
