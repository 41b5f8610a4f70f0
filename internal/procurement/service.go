// Package procurement posts purchases: the mirror path of a sale. A purchase
// passes the period gate, increments stock, appends a cost batch, and on the
// product's first purchase locks the costing method for good.
package procurement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/periods"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// GatePort validates the purchase date against fiscal period lock state.
type GatePort interface {
	Validate(ctx context.Context, txDate time.Time, overrideID *uuid.UUID) (periods.Decision, error)
}

// LedgerPort increments stock for the receipt.
type LedgerPort interface {
	UpdateStock(ctx context.Context, productID int64, movement inventory.StockMovement) (inventory.Record, error)
}

// BatchPort appends the cost batch for the receipt.
type BatchPort interface {
	AddBatch(ctx context.Context, in costing.AddBatchInput) (costing.CostBatch, error)
}

// GuardPort locks the costing method on first purchase.
type GuardPort interface {
	LockOnFirstPurchase(ctx context.Context, productID int64, actorID int64, purchaseRef string) (costing.Policy, error)
}

// OverridePort consumes a period override after the purchase commits.
type OverridePort interface {
	Use(ctx context.Context, id uuid.UUID, userID int64) error
}

// IdempotencyPort guards against double-posting retried submissions.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service sequences purchase postings.
type Service struct {
	gate        GatePort
	ledger      LedgerPort
	batches     BatchPort
	guard       GuardPort
	overrides   OverridePort
	audit       AuditPort
	idempotency IdempotencyPort
	logger      *slog.Logger
}

// NewService constructs the purchase posting service.
func NewService(gate GatePort, ledger LedgerPort, batches BatchPort, guard GuardPort, overridePort OverridePort, audit AuditPort, idem IdempotencyPort, logger *slog.Logger) *Service {
	return &Service{gate: gate, ledger: ledger, batches: batches, guard: guard, overrides: overridePort, audit: audit, idempotency: idem, logger: logger}
}

// PostPurchaseInput describes a purchase receipt.
type PostPurchaseInput struct {
	ProductID    int64
	Quantity     float64
	UnitCost     decimal.Decimal
	PurchaseDate time.Time
	Reference    string
	ActorID      int64
	OverrideID   *uuid.UUID
}

// Validate checks the input before any aggregate is touched.
func (in PostPurchaseInput) Validate() error {
	if in.ProductID == 0 {
		return shared.Wrap(shared.ErrValidation, "procurement: product required")
	}
	if in.Quantity <= 0 {
		return shared.Wrap(shared.ErrValidation, "procurement: quantity must be positive")
	}
	if in.UnitCost.IsNegative() {
		return shared.Wrap(shared.ErrValidation, "procurement: unit cost must be >= 0")
	}
	if in.PurchaseDate.IsZero() {
		return shared.Wrap(shared.ErrValidation, "procurement: purchase date required")
	}
	if in.ActorID == 0 {
		return shared.Wrap(shared.ErrValidation, "procurement: actor required")
	}
	return nil
}

// PostPurchaseResult reports the posted receipt.
type PostPurchaseResult struct {
	Reference string
	Record    inventory.Record
	Batch     costing.CostBatch
	Policy    costing.Policy
}

// PostPurchase posts one receipt. The idempotency key makes retried
// submissions of the same reference a no-op instead of double stock.
func (s *Service) PostPurchase(ctx context.Context, in PostPurchaseInput) (PostPurchaseResult, error) {
	if err := in.Validate(); err != nil {
		return PostPurchaseResult{}, err
	}
	reference := in.Reference
	if reference == "" {
		reference = fmt.Sprintf("PUR-%d", time.Now().UnixNano())
	}

	key := fmt.Sprintf("purchase:%s:%d", reference, in.ProductID)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "procurement"); err != nil {
			return PostPurchaseResult{}, err
		}
		insertedKey = true
	}
	fail := func(err error) (PostPurchaseResult, error) {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return PostPurchaseResult{}, err
	}

	decision, err := s.gate.Validate(ctx, in.PurchaseDate, in.OverrideID)
	if err != nil {
		return fail(err)
	}

	movement := inventory.StockMovement{
		Type:        inventory.MovementIn,
		Quantity:    in.Quantity,
		Reason:      "purchase",
		Reference:   reference,
		Date:        in.PurchaseDate,
		PerformedBy: in.ActorID,
	}
	record, err := s.ledger.UpdateStock(ctx, in.ProductID, movement)
	if err != nil {
		return fail(err)
	}

	batch, err := s.batches.AddBatch(ctx, costing.AddBatchInput{
		ProductID:       in.ProductID,
		Quantity:        in.Quantity,
		UnitCost:        in.UnitCost,
		AcquiredAt:      in.PurchaseDate,
		SourceReference: reference,
	})
	if err != nil {
		reverse := inventory.StockMovement{
			Type:        inventory.MovementOut,
			Quantity:    in.Quantity,
			Reason:      "purchase rollback",
			Reference:   reference,
			Date:        in.PurchaseDate,
			PerformedBy: in.ActorID,
		}
		if _, revErr := s.ledger.UpdateStock(ctx, in.ProductID, reverse); revErr != nil {
			s.logger.Error("purchase rollback failed, stock and batches diverged",
				slog.String("reference", reference), slog.Any("error", revErr))
		}
		return fail(err)
	}

	policy, err := s.guard.LockOnFirstPurchase(ctx, in.ProductID, in.ActorID, reference)
	if err != nil {
		return fail(err)
	}

	if decision.OverrideID != nil {
		if err := s.overrides.Use(ctx, *decision.OverrideID, in.ActorID); err != nil {
			s.logger.Error("override consumption failed after purchase commit",
				slog.String("override_id", decision.OverrideID.String()), slog.Any("error", err))
		}
	}

	s.recordAudit(ctx, in.ActorID, reference, in, record)
	return PostPurchaseResult{Reference: reference, Record: record, Batch: batch, Policy: policy}, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, reference string, in PostPurchaseInput, record inventory.Record) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "procurement:post",
		Entity:   "purchase",
		EntityID: reference,
		Meta: map[string]any{
			"product_id": in.ProductID,
			"quantity":   in.Quantity,
			"unit_cost":  in.UnitCost.String(),
			"stock":      record.CurrentStock,
		},
	})
}
