package sales

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// SaleLine is one posted sale line with its frozen cost snapshot. The
// snapshot is written exactly once at creation and never recomputed, which
// is what keeps historical margin reporting auditable.
type SaleLine struct {
	ID           int64
	Reference    string
	ProductID    int64
	Quantity     float64
	UnitPrice    decimal.Decimal
	SaleDate     time.Time
	FrozenCost   costing.FrozenCOGS
	PeriodID     int64
	OverrideID   *uuid.UUID
	PostedBy     int64
	CreatedAt    time.Time
}

// PostSaleInput describes a sale posting request.
type PostSaleInput struct {
	ProductID  int64
	Quantity   float64
	UnitPrice  decimal.Decimal
	SaleDate   time.Time
	Reference  string
	ActorID    int64
	OverrideID *uuid.UUID
}

// Validate checks the input before any aggregate is touched.
func (in PostSaleInput) Validate() error {
	if in.ProductID == 0 {
		return shared.Wrap(shared.ErrValidation, "sales: product required")
	}
	if in.Quantity <= 0 {
		return shared.Wrap(shared.ErrValidation, "sales: quantity must be positive")
	}
	if in.SaleDate.IsZero() {
		return shared.Wrap(shared.ErrValidation, "sales: sale date required")
	}
	if in.ActorID == 0 {
		return shared.Wrap(shared.ErrValidation, "sales: actor required")
	}
	return nil
}
