package inventory

import (
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// MovementType enumerates supported stock movements.
type MovementType string

const (
	// MovementIn represents an inbound receipt.
	MovementIn MovementType = "in"
	// MovementOut represents an outbound issue.
	MovementOut MovementType = "out"
	// MovementAdjustment sets the absolute stock level.
	MovementAdjustment MovementType = "adjustment"
	// MovementTransfer records warehouse transfer legs.
	MovementTransfer MovementType = "transfer"
	// MovementReturn represents customer returns coming back to stock.
	MovementReturn MovementType = "return"
	// MovementDamage writes stock off as damaged.
	MovementDamage MovementType = "damage"
	// MovementTheft writes stock off as stolen.
	MovementTheft MovementType = "theft"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementIn, MovementOut, MovementAdjustment, MovementTransfer, MovementReturn, MovementDamage, MovementTheft:
		return true
	}
	return false
}

// RecordStatus enumerates inventory record states.
type RecordStatus string

const (
	StatusActive       RecordStatus = "active"
	StatusOutOfStock   RecordStatus = "out_of_stock"
	StatusInactive     RecordStatus = "inactive"
	StatusDiscontinued RecordStatus = "discontinued"
)

// Record is the authoritative stock aggregate for one product. Available
// stock is derived from current minus reserved and persisted denormalized
// for cheap reads. Version backs the optimistic compare-and-apply writes.
type Record struct {
	ProductID       int64
	CurrentStock    float64
	ReservedStock   float64
	AvailableStock  float64
	ReorderPoint    float64
	ReorderQuantity float64
	Status          RecordStatus
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StockMovement is one append-only entry in a record's movement history.
// Movements are never edited or removed once written.
type StockMovement struct {
	ID          int64
	ProductID   int64
	Type        MovementType
	Quantity    float64
	Reason      string
	Reference   string
	Date        time.Time
	PerformedBy int64
	CreatedAt   time.Time
}

// Delta returns the signed stock change for the movement applied to the
// current level. Adjustments set the absolute level, so their delta is the
// difference to the target.
func (m StockMovement) Delta(current float64) float64 {
	switch m.Type {
	case MovementIn, MovementReturn:
		return m.Quantity
	case MovementOut, MovementDamage, MovementTheft:
		return -m.Quantity
	case MovementAdjustment:
		return m.Quantity - current
	case MovementTransfer:
		// Transfer legs carry their sign in the quantity.
		return m.Quantity
	}
	return 0
}

// statusAfter recomputes the record status after a stock change. Inactive and
// discontinued are administrative states that stock math never overrides.
func statusAfter(prior RecordStatus, newStock float64) RecordStatus {
	if prior == StatusInactive || prior == StatusDiscontinued {
		return prior
	}
	if newStock == 0 {
		return StatusOutOfStock
	}
	return StatusActive
}

var (
	// ErrInsufficientStock indicates a movement would drive stock negative.
	ErrInsufficientStock = &shared.DomainError{Code: shared.CodeInsufficientStock, Message: "inventory: insufficient stock"}
	// ErrRecordNotFound indicates no inventory record exists for the product.
	ErrRecordNotFound = &shared.DomainError{Code: shared.CodeNotFound, Message: "inventory: record not found"}
	// ErrConflict is the retryable optimistic concurrency signal.
	ErrConflict = &shared.DomainError{Code: shared.CodeConcurrencyConflict, Message: "inventory: concurrent update, retry", Retryable: true}
	// ErrInvalidQuantity indicates a non-positive movement quantity.
	ErrInvalidQuantity = &shared.DomainError{Code: shared.CodeValidation, Message: "inventory: quantity must be positive"}
	// ErrInvalidMovementType indicates an unknown movement type.
	ErrInvalidMovementType = &shared.DomainError{Code: shared.CodeValidation, Message: "inventory: unknown movement type"}
)
