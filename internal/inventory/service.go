package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service. ApplyMovement
// must be a single compare-and-apply against the record's version; Reserve
// and Release must be single conditional statements, never read-then-write.
type RepositoryPort interface {
	Get(ctx context.Context, productID int64) (Record, error)
	ApplyMovement(ctx context.Context, expected Record, newStock float64, newStatus RecordStatus, movement StockMovement) (Record, error)
	Reserve(ctx context.Context, productID int64, qty float64) (Record, error)
	Release(ctx context.Context, productID int64, qty float64) (Record, error)
	ListMovements(ctx context.Context, productID int64, limit int) ([]StockMovement, error)
	ListBelowReorderPoint(ctx context.Context) ([]Record, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts domain events for observability.
type MetricsPort interface {
	ObserveStockConflictRetry()
	ObserveStockRejection(reason string)
}

// Service coordinates inventory mutations. Writers to different products
// never contend; writers to the same product race on the record version and
// the loser retries with backoff.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics MetricsPort
	retry   shared.RetryPolicy
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, metrics MetricsPort) *Service {
	return &Service{repo: repo, audit: audit, metrics: metrics, retry: shared.DefaultRetryPolicy}
}

// WithRetryPolicy overrides the conflict retry budget, mainly for tests.
func (s *Service) WithRetryPolicy(policy shared.RetryPolicy) {
	s.retry = policy
}

// Get returns the stock aggregate for a product.
func (s *Service) Get(ctx context.Context, productID int64) (Record, error) {
	return s.repo.Get(ctx, productID)
}

// ListMovements returns the most recent movement history entries.
func (s *Service) ListMovements(ctx context.Context, productID int64, limit int) ([]StockMovement, error) {
	return s.repo.ListMovements(ctx, productID, limit)
}

// ListBelowReorderPoint returns records due for replenishment.
func (s *Service) ListBelowReorderPoint(ctx context.Context) ([]Record, error) {
	return s.repo.ListBelowReorderPoint(ctx)
}

// UpdateStock applies a movement to the product's stock aggregate. The write
// is a compare-and-apply on the record version; conflicts are retried with
// exponential backoff before ErrConflict surfaces to the caller.
func (s *Service) UpdateStock(ctx context.Context, productID int64, movement StockMovement) (Record, error) {
	if !movement.Type.Valid() {
		return Record{}, shared.Wrap(ErrInvalidMovementType, "%q", movement.Type)
	}
	if movement.Quantity <= 0 && movement.Type != MovementAdjustment && movement.Type != MovementTransfer {
		return Record{}, ErrInvalidQuantity
	}
	if movement.Type == MovementAdjustment && movement.Quantity < 0 {
		return Record{}, shared.Wrap(ErrInvalidQuantity, "adjustment target cannot be negative")
	}
	if movement.Date.IsZero() {
		movement.Date = time.Now().UTC()
	}
	movement.ProductID = productID

	var updated Record
	err := s.retry.Retry(ctx, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, productID)
		if err != nil {
			return err
		}
		delta := movement.Delta(current.CurrentStock)
		newStock := current.CurrentStock + delta
		if newStock < 0 {
			if s.metrics != nil {
				s.metrics.ObserveStockRejection("insufficient_stock")
			}
			return shared.Wrap(ErrInsufficientStock, "product %d has %g, movement needs %g", productID, current.CurrentStock, -delta)
		}
		updated, err = s.repo.ApplyMovement(ctx, current, newStock, statusAfter(current.Status, newStock), movement)
		if err != nil {
			if shared.IsRetryable(err) && s.metrics != nil {
				s.metrics.ObserveStockConflictRetry()
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	s.recordAudit(ctx, movement.PerformedBy, fmt.Sprintf("inventory:%s", movement.Type), updated, movement)
	return updated, nil
}

// ReserveStock allocates stock to an in-progress order. The availability
// check and the increment happen in one statement at commit time, so two
// concurrent reservations cannot both pass the check.
func (s *Service) ReserveStock(ctx context.Context, productID int64, qty float64) (Record, error) {
	if qty <= 0 {
		return Record{}, ErrInvalidQuantity
	}
	record, err := s.repo.Reserve(ctx, productID, qty)
	if err != nil {
		if shared.ErrorCode(err) == shared.CodeInsufficientStock && s.metrics != nil {
			s.metrics.ObserveStockRejection("reserve_insufficient")
		}
		return Record{}, err
	}
	return record, nil
}

// ReleaseStock returns reserved stock to the available pool, clamping at
// zero rather than ever going negative.
func (s *Service) ReleaseStock(ctx context.Context, productID int64, qty float64) (Record, error) {
	if qty <= 0 {
		return Record{}, ErrInvalidQuantity
	}
	return s.repo.Release(ctx, productID, qty)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, record Record, movement StockMovement) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "inventory_record",
		EntityID: fmt.Sprintf("%d", record.ProductID),
		Meta: map[string]any{
			"quantity":  movement.Quantity,
			"reference": movement.Reference,
			"stock":     record.CurrentStock,
			"status":    string(record.Status),
		},
	})
}
