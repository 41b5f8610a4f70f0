package costing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Method enumerates supported costing methods.
type Method string

const (
	// MethodFIFO consumes the oldest cost batches first.
	MethodFIFO Method = "fifo"
	// MethodLIFO consumes the newest cost batches first.
	MethodLIFO Method = "lifo"
	// MethodAverage costs every issue at the running weighted average.
	MethodAverage Method = "average"
	// MethodStandard costs every issue at the product's fixed standard cost.
	MethodStandard Method = "standard"
)

// Valid reports whether m is a known costing method.
func (m Method) Valid() bool {
	switch m {
	case MethodFIFO, MethodLIFO, MethodAverage, MethodStandard:
		return true
	}
	return false
}

// ConsumeOrder selects the batch walking direction.
type ConsumeOrder string

const (
	// OldestFirst implements FIFO batch selection.
	OldestFirst ConsumeOrder = "oldest-first"
	// NewestFirst implements LIFO batch selection.
	NewestFirst ConsumeOrder = "newest-first"
)

// Policy is the per-product costing configuration. Once IsLocked is true the
// method never changes for the lifetime of the product.
type Policy struct {
	Method              Method
	IsLocked            bool
	LockedAt            *time.Time
	LockedBy            *int64
	LockedOnPurchaseRef string
	StandardCost        decimal.Decimal
}

// CostBatch is one receipt of stock at a known unit cost. Quantity is reduced
// as sales consume it and the row disappears at zero.
type CostBatch struct {
	ID                int64
	ProductID         int64
	QuantityRemaining float64
	UnitCost          decimal.Decimal
	AcquiredAt        time.Time
	SourceReference   string
}

// Consumption records quantity taken from a single batch. AcquiredAt and
// UnitCost are carried so a failed downstream write can restore the batch.
type Consumption struct {
	BatchID    int64           `json:"batch_id"`
	Quantity   float64         `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	AcquiredAt time.Time       `json:"acquired_at"`
}

// FrozenCOGS is the write-once cost snapshot attached to a sale line. It is
// never recomputed, even when later purchases move the running average.
type FrozenCOGS struct {
	UnitCost        decimal.Decimal `json:"unit_cost"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	CostingMethod   Method          `json:"costing_method"`
	CalculatedAt    time.Time       `json:"calculated_at"`
	BatchesConsumed []Consumption   `json:"batches_consumed,omitempty"`
	Note            string          `json:"note,omitempty"`
}

// CostState is the denormalized running aggregate per product.
type CostState struct {
	ProductID   int64
	OnHandQty   float64
	AverageCost decimal.Decimal
	UpdatedAt   time.Time
}

var (
	// ErrMethodNotSet indicates a sale against a product with no costing method.
	ErrMethodNotSet = &shared.DomainError{Code: shared.CodeCostingMethodNotSet, Message: "costing: costing method not set"}
	// ErrMethodImmutable indicates an attempt to change a locked method.
	ErrMethodImmutable = &shared.DomainError{Code: shared.CodeCostingMethodImmutable, Message: "costing: costing method is locked and cannot change"}
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = &shared.DomainError{Code: shared.CodeValidation, Message: "costing: quantity must be positive"}
	// ErrInvalidMethod indicates an unknown costing method.
	ErrInvalidMethod = &shared.DomainError{Code: shared.CodeValidation, Message: "costing: unknown costing method"}
)
