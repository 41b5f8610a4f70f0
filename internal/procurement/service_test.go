package procurement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/periods"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type stubGate struct {
	decision periods.Decision
	err      error
}

func (g *stubGate) Validate(ctx context.Context, txDate time.Time, overrideID *uuid.UUID) (periods.Decision, error) {
	return g.decision, g.err
}

type stubLedger struct {
	movements []inventory.StockMovement
	stock     float64
}

func (l *stubLedger) UpdateStock(ctx context.Context, productID int64, movement inventory.StockMovement) (inventory.Record, error) {
	l.movements = append(l.movements, movement)
	switch movement.Type {
	case inventory.MovementIn:
		l.stock += movement.Quantity
	case inventory.MovementOut:
		l.stock -= movement.Quantity
	}
	return inventory.Record{ProductID: productID, CurrentStock: l.stock}, nil
}

type stubBatches struct {
	added []costing.AddBatchInput
	err   error
}

func (b *stubBatches) AddBatch(ctx context.Context, in costing.AddBatchInput) (costing.CostBatch, error) {
	if b.err != nil {
		return costing.CostBatch{}, b.err
	}
	b.added = append(b.added, in)
	return costing.CostBatch{ID: int64(len(b.added)), ProductID: in.ProductID, QuantityRemaining: in.Quantity, UnitCost: in.UnitCost, AcquiredAt: in.AcquiredAt, SourceReference: in.SourceReference}, nil
}

type stubGuard struct {
	calls  int
	policy costing.Policy
}

func (g *stubGuard) LockOnFirstPurchase(ctx context.Context, productID int64, actorID int64, purchaseRef string) (costing.Policy, error) {
	g.calls++
	if g.calls == 1 && g.policy.Method != "" {
		g.policy.IsLocked = true
		g.policy.LockedOnPurchaseRef = purchaseRef
	}
	return g.policy, nil
}

type stubOverrides struct {
	used []uuid.UUID
}

func (o *stubOverrides) Use(ctx context.Context, id uuid.UUID, userID int64) error {
	o.used = append(o.used, id)
	return nil
}

type memoryIdempotency struct {
	keys map[string]bool
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]bool)}
}

func (s *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if s.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = true
	return nil
}

func (s *memoryIdempotency) Delete(ctx context.Context, key string) error {
	delete(s.keys, key)
	return nil
}

type purchaseFixture struct {
	gate        *stubGate
	ledger      *stubLedger
	batches     *stubBatches
	guard       *stubGuard
	overrides   *stubOverrides
	idempotency *memoryIdempotency
	svc         *Service
}

func newPurchaseFixture() *purchaseFixture {
	f := &purchaseFixture{
		gate:        &stubGate{decision: periods.Decision{PeriodID: 1, Status: periods.StatusOpen}},
		ledger:      &stubLedger{},
		batches:     &stubBatches{},
		guard:       &stubGuard{policy: costing.Policy{Method: costing.MethodFIFO}},
		overrides:   &stubOverrides{},
		idempotency: newMemoryIdempotency(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.gate, f.ledger, f.batches, f.guard, f.overrides, nil, f.idempotency, logger)
	return f
}

func purchaseInput() PostPurchaseInput {
	return PostPurchaseInput{
		ProductID:    9,
		Quantity:     10,
		UnitCost:     decimal.NewFromInt(12),
		PurchaseDate: time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC),
		Reference:    "PO-1001",
		ActorID:      7,
	}
}

func TestPostPurchaseHappyPath(t *testing.T) {
	f := newPurchaseFixture()

	result, err := f.svc.PostPurchase(context.Background(), purchaseInput())
	require.NoError(t, err)
	require.Equal(t, "PO-1001", result.Reference)
	require.Equal(t, 10.0, result.Record.CurrentStock)

	require.Len(t, f.batches.added, 1)
	require.Equal(t, "PO-1001", f.batches.added[0].SourceReference)
	require.True(t, f.batches.added[0].UnitCost.Equal(decimal.NewFromInt(12)))

	require.True(t, result.Policy.IsLocked)
	require.Equal(t, "PO-1001", result.Policy.LockedOnPurchaseRef)
}

func TestPostPurchaseDuplicateReferenceRejected(t *testing.T) {
	f := newPurchaseFixture()

	_, err := f.svc.PostPurchase(context.Background(), purchaseInput())
	require.NoError(t, err)

	_, err = f.svc.PostPurchase(context.Background(), purchaseInput())
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	// No double stock, no second batch.
	require.Equal(t, 10.0, f.ledger.stock)
	require.Len(t, f.batches.added, 1)
}

func TestPostPurchaseGateFailureReleasesKey(t *testing.T) {
	f := newPurchaseFixture()
	f.gate.err = periods.ErrPeriodLocked

	_, err := f.svc.PostPurchase(context.Background(), purchaseInput())
	require.ErrorIs(t, err, periods.ErrPeriodLocked)
	require.Empty(t, f.ledger.movements)

	// A retry after the period reopens must not hit the idempotency guard.
	f.gate.err = nil
	_, err = f.svc.PostPurchase(context.Background(), purchaseInput())
	require.NoError(t, err)
}

func TestPostPurchaseBatchFailureReversesStock(t *testing.T) {
	f := newPurchaseFixture()
	f.batches.err = errors.New("insert failed")

	_, err := f.svc.PostPurchase(context.Background(), purchaseInput())
	require.Error(t, err)

	require.Len(t, f.ledger.movements, 2)
	require.Equal(t, inventory.MovementIn, f.ledger.movements[0].Type)
	require.Equal(t, inventory.MovementOut, f.ledger.movements[1].Type)
	require.Equal(t, 0.0, f.ledger.stock)

	// The key was released, so a retry can succeed.
	f.batches.err = nil
	_, err = f.svc.PostPurchase(context.Background(), purchaseInput())
	require.NoError(t, err)
}

func TestPostPurchaseConsumesOverrideAfterCommit(t *testing.T) {
	f := newPurchaseFixture()
	overrideID := uuid.New()
	f.gate.decision = periods.Decision{PeriodID: 1, Status: periods.StatusClosed, OverrideID: &overrideID}

	in := purchaseInput()
	in.OverrideID = &overrideID
	_, err := f.svc.PostPurchase(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{overrideID}, f.overrides.used)
}

func TestPostPurchaseValidation(t *testing.T) {
	f := newPurchaseFixture()

	in := purchaseInput()
	in.Quantity = 0
	_, err := f.svc.PostPurchase(context.Background(), in)
	require.Error(t, err)

	in = purchaseInput()
	in.UnitCost = decimal.NewFromInt(-1)
	_, err = f.svc.PostPurchase(context.Background(), in)
	require.Error(t, err)
	require.Empty(t, f.ledger.movements)
}

func TestPostPurchaseGeneratesReference(t *testing.T) {
	f := newPurchaseFixture()

	in := purchaseInput()
	in.Reference = ""
	result, err := f.svc.PostPurchase(context.Background(), in)
	require.NoError(t, err)
	require.NotEmpty(t, result.Reference)
}
