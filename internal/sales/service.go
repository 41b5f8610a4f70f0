package sales

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/periods"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// GatePort validates the sale date against fiscal period lock state.
type GatePort interface {
	Validate(ctx context.Context, txDate time.Time, overrideID *uuid.UUID) (periods.Decision, error)
}

// CostingPort freezes cost for the sold quantity and restores batches when a
// downstream write fails.
type CostingPort interface {
	CalculateAndFreeze(ctx context.Context, productID int64, qty float64, saleDate time.Time) (costing.FrozenCOGS, error)
}

// BatchRestorePort compensates consumed batches.
type BatchRestorePort interface {
	Restore(ctx context.Context, productID int64, consumptions []costing.Consumption) error
}

// LedgerPort decrements stock for the sale.
type LedgerPort interface {
	UpdateStock(ctx context.Context, productID int64, movement inventory.StockMovement) (inventory.Record, error)
}

// OverridePort consumes a period override after the sale commits.
type OverridePort interface {
	Use(ctx context.Context, id uuid.UUID, userID int64) error
}

// RepositoryPort persists sale lines.
type RepositoryPort interface {
	InsertLine(ctx context.Context, line SaleLine) (SaleLine, error)
	GetLine(ctx context.Context, id int64) (SaleLine, error)
	ListLines(ctx context.Context, productID int64, limit int) ([]SaleLine, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service sequences a sale: period gate, cost freeze, stock decrement, then
// the write-once snapshot on the sale line. Each step touches one aggregate;
// failures roll back the batch consumption and the stock write so no partial
// effect survives.
type Service struct {
	gate      GatePort
	engine    CostingPort
	batches   BatchRestorePort
	ledger    LedgerPort
	overrides OverridePort
	repo      RepositoryPort
	audit     AuditPort
	logger    *slog.Logger
}

// NewService constructs the sale posting service.
func NewService(gate GatePort, engine CostingPort, batches BatchRestorePort, ledger LedgerPort, overridePort OverridePort, repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{gate: gate, engine: engine, batches: batches, ledger: ledger, overrides: overridePort, repo: repo, audit: audit, logger: logger}
}

// PostSale posts one sale line.
func (s *Service) PostSale(ctx context.Context, in PostSaleInput) (SaleLine, error) {
	if err := in.Validate(); err != nil {
		return SaleLine{}, err
	}
	reference := in.Reference
	if reference == "" {
		reference = fmt.Sprintf("SALE-%d", time.Now().UnixNano())
	}

	decision, err := s.gate.Validate(ctx, in.SaleDate, in.OverrideID)
	if err != nil {
		return SaleLine{}, err
	}

	snapshot, err := s.engine.CalculateAndFreeze(ctx, in.ProductID, in.Quantity, in.SaleDate)
	if err != nil {
		return SaleLine{}, err
	}

	movement := inventory.StockMovement{
		Type:        inventory.MovementOut,
		Quantity:    in.Quantity,
		Reason:      "sale",
		Reference:   reference,
		Date:        in.SaleDate,
		PerformedBy: in.ActorID,
	}
	if _, err := s.ledger.UpdateStock(ctx, in.ProductID, movement); err != nil {
		s.restoreBatches(ctx, in.ProductID, snapshot.BatchesConsumed)
		return SaleLine{}, err
	}

	line := SaleLine{
		Reference:  reference,
		ProductID:  in.ProductID,
		Quantity:   in.Quantity,
		UnitPrice:  in.UnitPrice,
		SaleDate:   in.SaleDate,
		FrozenCost: snapshot,
		PeriodID:   decision.PeriodID,
		OverrideID: decision.OverrideID,
		PostedBy:   in.ActorID,
	}
	created, err := s.repo.InsertLine(ctx, line)
	if err != nil {
		s.restoreBatches(ctx, in.ProductID, snapshot.BatchesConsumed)
		reverse := inventory.StockMovement{
			Type:        inventory.MovementIn,
			Quantity:    in.Quantity,
			Reason:      "sale rollback",
			Reference:   reference,
			Date:        in.SaleDate,
			PerformedBy: in.ActorID,
		}
		if _, revErr := s.ledger.UpdateStock(ctx, in.ProductID, reverse); revErr != nil {
			s.logger.Error("sale rollback failed, stock and sale line diverged",
				slog.String("reference", reference), slog.Any("error", revErr))
		}
		return SaleLine{}, err
	}

	if decision.OverrideID != nil {
		if err := s.overrides.Use(ctx, *decision.OverrideID, in.ActorID); err != nil {
			// The sale is committed; a failed consumption is logged, not unwound.
			s.logger.Error("override consumption failed after sale commit",
				slog.String("override_id", decision.OverrideID.String()), slog.Any("error", err))
		}
	}

	s.recordAudit(ctx, in.ActorID, created)
	return created, nil
}

// GetLine loads one posted sale line.
func (s *Service) GetLine(ctx context.Context, id int64) (SaleLine, error) {
	return s.repo.GetLine(ctx, id)
}

// ListLines lists posted lines for a product, newest first.
func (s *Service) ListLines(ctx context.Context, productID int64, limit int) ([]SaleLine, error) {
	return s.repo.ListLines(ctx, productID, limit)
}

func (s *Service) restoreBatches(ctx context.Context, productID int64, consumptions []costing.Consumption) {
	if len(consumptions) == 0 {
		return
	}
	if err := s.batches.Restore(ctx, productID, consumptions); err != nil {
		s.logger.Error("cost batch restore failed", slog.Int64("product_id", productID), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, line SaleLine) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "sales:post",
		Entity:   "sale_line",
		EntityID: line.Reference,
		Meta: map[string]any{
			"product_id": line.ProductID,
			"quantity":   line.Quantity,
			"unit_cost":  line.FrozenCost.UnitCost.String(),
			"total_cost": line.FrozenCost.TotalCost.String(),
			"method":     string(line.FrozenCost.CostingMethod),
		},
	})
}
