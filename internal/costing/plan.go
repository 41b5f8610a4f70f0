package costing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ConsumePlan is the outcome of walking cost batches for a requested quantity.
type ConsumePlan struct {
	Consumptions []Consumption
	UnitCost     decimal.Decimal
	TotalCost    decimal.Decimal
	ShortfallQty float64
	Note         string
}

// PlanConsumption walks batches in the requested order, taking
// min(outstanding, batch remaining) from each until the quantity is covered.
// A shortfall beyond the batches is costed at averageCost and noted. Batches
// with equal acquisition dates are taken in insertion order, earliest created
// first, in both directions.
func PlanConsumption(batches []CostBatch, qty float64, order ConsumeOrder, averageCost decimal.Decimal) (ConsumePlan, error) {
	if qty <= 0 {
		return ConsumePlan{}, ErrInvalidQuantity
	}
	ordered := make([]CostBatch, len(batches))
	copy(ordered, batches)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.AcquiredAt.Equal(b.AcquiredAt) {
			if order == NewestFirst {
				return a.AcquiredAt.After(b.AcquiredAt)
			}
			return a.AcquiredAt.Before(b.AcquiredAt)
		}
		return a.ID < b.ID
	})

	plan := ConsumePlan{TotalCost: decimal.Zero}
	outstanding := qty
	for _, batch := range ordered {
		if outstanding <= 0 {
			break
		}
		if batch.QuantityRemaining <= 0 {
			continue
		}
		take := batch.QuantityRemaining
		if outstanding < take {
			take = outstanding
		}
		plan.Consumptions = append(plan.Consumptions, Consumption{
			BatchID:    batch.ID,
			Quantity:   take,
			UnitCost:   batch.UnitCost,
			AcquiredAt: batch.AcquiredAt,
		})
		plan.TotalCost = plan.TotalCost.Add(decimal.NewFromFloat(take).Mul(batch.UnitCost))
		outstanding -= take
	}
	if outstanding > 0 {
		plan.ShortfallQty = outstanding
		plan.TotalCost = plan.TotalCost.Add(decimal.NewFromFloat(outstanding).Mul(averageCost))
		plan.Note = fmt.Sprintf("cost batches insufficient for %s order: %g units costed at weighted average", order, outstanding)
	}
	plan.UnitCost = plan.TotalCost.Div(decimal.NewFromFloat(qty))
	return plan, nil
}

// RecalcAverage recomputes the running weighted average after a receipt:
// (priorQty*priorAvg + qty*unitCost) / (priorQty + qty).
func RecalcAverage(priorQty float64, priorAvg decimal.Decimal, qty float64, unitCost decimal.Decimal) decimal.Decimal {
	newQty := priorQty + qty
	if newQty <= 0 {
		return decimal.Zero
	}
	priorValue := decimal.NewFromFloat(priorQty).Mul(priorAvg)
	addedValue := decimal.NewFromFloat(qty).Mul(unitCost)
	return priorValue.Add(addedValue).Div(decimal.NewFromFloat(newQty))
}
