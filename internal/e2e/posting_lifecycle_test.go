package e2e

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/overrides"
	"github.com/meridian-erp/meridian-erp/internal/periods"
	"github.com/meridian-erp/meridian-erp/internal/procurement"
	"github.com/meridian-erp/meridian-erp/internal/sales"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// The stores below are in-memory stand-ins for the SQL repositories, wired
// into the real services so the whole posting lifecycle runs in one process.

type memInventoryRepo struct {
	records   map[int64]inventory.Record
	movements []inventory.StockMovement
}

func (r *memInventoryRepo) Get(ctx context.Context, productID int64) (inventory.Record, error) {
	rec, ok := r.records[productID]
	if !ok {
		return inventory.Record{}, inventory.ErrRecordNotFound
	}
	return rec, nil
}

func (r *memInventoryRepo) ApplyMovement(ctx context.Context, expected inventory.Record, newStock float64, newStatus inventory.RecordStatus, movement inventory.StockMovement) (inventory.Record, error) {
	current := r.records[expected.ProductID]
	if current.Version != expected.Version {
		return inventory.Record{}, inventory.ErrConflict
	}
	current.CurrentStock = newStock
	if current.ReservedStock > newStock {
		current.ReservedStock = newStock
	}
	current.AvailableStock = newStock - current.ReservedStock
	current.Status = newStatus
	current.Version++
	r.records[expected.ProductID] = current
	r.movements = append(r.movements, movement)
	return current, nil
}

func (r *memInventoryRepo) Reserve(ctx context.Context, productID int64, qty float64) (inventory.Record, error) {
	rec := r.records[productID]
	if rec.CurrentStock-rec.ReservedStock < qty {
		return inventory.Record{}, inventory.ErrInsufficientStock
	}
	rec.ReservedStock += qty
	rec.AvailableStock = rec.CurrentStock - rec.ReservedStock
	r.records[productID] = rec
	return rec, nil
}

func (r *memInventoryRepo) Release(ctx context.Context, productID int64, qty float64) (inventory.Record, error) {
	rec := r.records[productID]
	rec.ReservedStock -= qty
	if rec.ReservedStock < 0 {
		rec.ReservedStock = 0
	}
	rec.AvailableStock = rec.CurrentStock - rec.ReservedStock
	r.records[productID] = rec
	return rec, nil
}

func (r *memInventoryRepo) ListMovements(ctx context.Context, productID int64, limit int) ([]inventory.StockMovement, error) {
	return r.movements, nil
}

func (r *memInventoryRepo) ListBelowReorderPoint(ctx context.Context) ([]inventory.Record, error) {
	return nil, nil
}

type memBatchRepo struct {
	batches map[int64]costing.CostBatch
	states  map[int64]costing.CostState
	nextID  int64
}

func (r *memBatchRepo) WithTx(ctx context.Context, fn func(context.Context, costing.TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memBatchRepo) ListBatchesForUpdate(ctx context.Context, productID int64, asOf time.Time) ([]costing.CostBatch, error) {
	var out []costing.CostBatch
	for _, b := range r.batches {
		if b.ProductID == productID && b.QuantityRemaining > 0 && !b.AcquiredAt.After(asOf) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memBatchRepo) ListBatches(ctx context.Context, productID int64) ([]costing.CostBatch, error) {
	var out []costing.CostBatch
	for _, b := range r.batches {
		if b.ProductID == productID && b.QuantityRemaining > 0 {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memBatchRepo) InsertBatch(ctx context.Context, batch costing.CostBatch) (int64, error) {
	r.nextID++
	batch.ID = r.nextID
	r.batches[batch.ID] = batch
	return batch.ID, nil
}

func (r *memBatchRepo) ApplyConsumptions(ctx context.Context, productID int64, consumptions []costing.Consumption) error {
	for _, c := range consumptions {
		b := r.batches[c.BatchID]
		b.QuantityRemaining -= c.Quantity
		r.batches[c.BatchID] = b
	}
	return nil
}

func (r *memBatchRepo) RestoreConsumptions(ctx context.Context, productID int64, consumptions []costing.Consumption) error {
	for _, c := range consumptions {
		b := r.batches[c.BatchID]
		b.QuantityRemaining += c.Quantity
		r.batches[c.BatchID] = b
	}
	return nil
}

func (r *memBatchRepo) GetCostState(ctx context.Context, productID int64) (costing.CostState, error) {
	return r.states[productID], nil
}

func (r *memBatchRepo) UpsertCostState(ctx context.Context, state costing.CostState) error {
	r.states[state.ProductID] = state
	return nil
}

type memPolicyRepo struct {
	policies map[int64]costing.Policy
}

func (r *memPolicyRepo) GetPolicy(ctx context.Context, productID int64) (costing.Policy, error) {
	return r.policies[productID], nil
}

func (r *memPolicyRepo) SetMethod(ctx context.Context, productID int64, method costing.Method, lockedBy int64, lockedAt time.Time, purchaseRef string) (bool, error) {
	p := r.policies[productID]
	if p.IsLocked && p.Method != method {
		return false, nil
	}
	p.Method = method
	p.IsLocked = true
	p.LockedAt = &lockedAt
	p.LockedBy = &lockedBy
	p.LockedOnPurchaseRef = purchaseRef
	r.policies[productID] = p
	return true, nil
}

func (r *memPolicyRepo) LockExisting(ctx context.Context, productID int64, lockedBy int64, lockedAt time.Time, purchaseRef string) (bool, error) {
	p := r.policies[productID]
	if p.Method == "" || p.IsLocked {
		return false, nil
	}
	p.IsLocked = true
	p.LockedAt = &lockedAt
	p.LockedBy = &lockedBy
	p.LockedOnPurchaseRef = purchaseRef
	r.policies[productID] = p
	return true, nil
}

func (r *memPolicyRepo) SetStandardCost(ctx context.Context, productID int64, cost decimal.Decimal) (bool, error) {
	p := r.policies[productID]
	p.StandardCost = cost
	r.policies[productID] = p
	return true, nil
}

type memPeriodRepo struct {
	periods map[int64]periods.Period
	nextID  int64
}

func (r *memPeriodRepo) Get(ctx context.Context, id int64) (periods.Period, error) {
	return r.periods[id], nil
}

func (r *memPeriodRepo) List(ctx context.Context, limit, offset int) ([]periods.Period, error) {
	var out []periods.Period
	for _, p := range r.periods {
		out = append(out, p)
	}
	return out, nil
}

func (r *memPeriodRepo) Insert(ctx context.Context, in periods.CreateInput) (periods.Period, error) {
	r.nextID++
	p := periods.Period{
		ID:         r.nextID,
		Code:       in.Code,
		StartDate:  in.StartDate,
		EndDate:    in.EndDate,
		Status:     periods.StatusOpen,
		IsCritical: in.IsCritical,
	}
	r.periods[p.ID] = p
	return p, nil
}

func (r *memPeriodRepo) UpdateStatus(ctx context.Context, id int64, from, to periods.Status, actorID int64, at time.Time) (periods.Period, error) {
	p := r.periods[id]
	p.Status = to
	r.periods[id] = p
	return p, nil
}

func (r *memPeriodRepo) FindByDate(ctx context.Context, date time.Time) (periods.Period, error) {
	for _, p := range r.periods {
		if p.Covers(date) {
			return p, nil
		}
	}
	return periods.Period{}, shared.Wrap(shared.ErrNotFound, "no period for %s", date.Format("2006-01-02"))
}

func (r *memPeriodRepo) RecordOverrideUse(ctx context.Context, id int64, usedBy int64, at time.Time) error {
	p := r.periods[id]
	p.OverrideCount++
	p.LastOverrideAt = &at
	p.LastOverrideBy = &usedBy
	r.periods[id] = p
	return nil
}

type memOverrideRepo struct {
	overrides map[uuid.UUID]overrides.Override
}

func (r *memOverrideRepo) Insert(ctx context.Context, o overrides.Override) (overrides.Override, error) {
	r.overrides[o.ID] = o
	return o, nil
}

func (r *memOverrideRepo) Get(ctx context.Context, id uuid.UUID) (overrides.Override, error) {
	o, ok := r.overrides[id]
	if !ok {
		return overrides.Override{}, shared.Wrap(shared.ErrNotFound, "override %s", id)
	}
	return o, nil
}

func (r *memOverrideRepo) ListByPeriod(ctx context.Context, periodID int64) ([]overrides.Override, error) {
	var out []overrides.Override
	for _, o := range r.overrides {
		if o.PeriodID == periodID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *memOverrideRepo) AppendApproval(ctx context.Context, id uuid.UUID, approval overrides.Approval, expiresAt time.Time) (overrides.Override, error) {
	o, ok := r.overrides[id]
	if !ok || o.Status != overrides.StatusPendingApproval || o.HasApprover(approval.ApproverID) {
		return overrides.Override{}, pgx.ErrNoRows
	}
	o.Approvals = append(o.Approvals, approval)
	if len(o.Approvals) >= o.ApprovalsRequired {
		o.Status = overrides.StatusApproved
		o.ExpiresAt = &expiresAt
	}
	r.overrides[id] = o
	return o, nil
}

func (r *memOverrideRepo) MarkRejected(ctx context.Context, id uuid.UUID, rejectorID int64, reason string) (overrides.Override, error) {
	o, ok := r.overrides[id]
	if !ok || o.Status != overrides.StatusPendingApproval {
		return overrides.Override{}, pgx.ErrNoRows
	}
	o.Status = overrides.StatusRejected
	r.overrides[id] = o
	return o, nil
}

func (r *memOverrideRepo) MarkCancelled(ctx context.Context, id uuid.UUID, actorID int64) (overrides.Override, error) {
	o, ok := r.overrides[id]
	if !ok || (o.Status != overrides.StatusPendingApproval && o.Status != overrides.StatusApproved) || o.RequestedBy != actorID {
		return overrides.Override{}, pgx.ErrNoRows
	}
	o.Status = overrides.StatusCancelled
	r.overrides[id] = o
	return o, nil
}

func (r *memOverrideRepo) MarkUsed(ctx context.Context, id uuid.UUID, userID int64, at time.Time) (overrides.Override, error) {
	o, ok := r.overrides[id]
	if !ok || o.Status != overrides.StatusApproved || o.UsedAt != nil || o.RequestedBy != userID ||
		o.ExpiresAt == nil || !at.Before(*o.ExpiresAt) {
		return overrides.Override{}, pgx.ErrNoRows
	}
	o.Status = overrides.StatusUsed
	o.UsedAt = &at
	o.UsedBy = &userID
	r.overrides[id] = o
	return o, nil
}

func (r *memOverrideRepo) MarkExpired(ctx context.Context, id uuid.UUID, at time.Time) error {
	o, ok := r.overrides[id]
	if ok && o.Status == overrides.StatusApproved {
		o.Status = overrides.StatusExpired
		r.overrides[id] = o
	}
	return nil
}

type memSaleRepo struct {
	lines []sales.SaleLine
}

func (r *memSaleRepo) InsertLine(ctx context.Context, line sales.SaleLine) (sales.SaleLine, error) {
	line.ID = int64(len(r.lines) + 1)
	r.lines = append(r.lines, line)
	return line, nil
}

func (r *memSaleRepo) GetLine(ctx context.Context, id int64) (sales.SaleLine, error) {
	for _, l := range r.lines {
		if l.ID == id {
			return l, nil
		}
	}
	return sales.SaleLine{}, shared.Wrap(shared.ErrNotFound, "sale line %d", id)
}

func (r *memSaleRepo) ListLines(ctx context.Context, productID int64, limit int) ([]sales.SaleLine, error) {
	return r.lines, nil
}

type memIdempotency struct {
	keys map[string]bool
}

func (s *memIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if s.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = true
	return nil
}

func (s *memIdempotency) Delete(ctx context.Context, key string) error {
	delete(s.keys, key)
	return nil
}

type overrideConsumer struct {
	svc *overrides.Service
}

func (c overrideConsumer) Use(ctx context.Context, id uuid.UUID, userID int64) error {
	_, err := c.svc.Use(ctx, id, userID)
	return err
}

type world struct {
	inventoryRepo *memInventoryRepo
	batchRepo     *memBatchRepo
	policyRepo    *memPolicyRepo
	periodRepo    *memPeriodRepo
	overrideRepo  *memOverrideRepo
	saleRepo      *memSaleRepo

	periodsSvc   *periods.Service
	overridesSvc *overrides.Service
	guard        *costing.Guard
	inventorySvc *inventory.Service
	salesSvc     *sales.Service
	purchaseSvc  *procurement.Service
}

func newWorld() *world {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := &world{
		inventoryRepo: &memInventoryRepo{records: map[int64]inventory.Record{
			9: {ProductID: 9, Status: inventory.StatusActive, Version: 1},
		}},
		batchRepo:    &memBatchRepo{batches: map[int64]costing.CostBatch{}, states: map[int64]costing.CostState{}},
		policyRepo:   &memPolicyRepo{policies: map[int64]costing.Policy{9: {Method: costing.MethodFIFO}}},
		periodRepo:   &memPeriodRepo{periods: map[int64]periods.Period{}},
		overrideRepo: &memOverrideRepo{overrides: map[uuid.UUID]overrides.Override{}},
		saleRepo:     &memSaleRepo{},
	}

	w.periodsSvc = periods.NewService(w.periodRepo, nil)
	w.overridesSvc = overrides.NewService(w.overrideRepo, w.periodRepo, nil)
	gate := periods.NewGate(w.periodRepo, w.overridesSvc, periods.DefaultJobPolicies(), logger)

	store := costing.NewStore(w.batchRepo)
	engine := costing.NewEngine(store, w.policyRepo)
	w.guard = costing.NewGuard(w.policyRepo, nil)

	w.inventorySvc = inventory.NewService(w.inventoryRepo, nil, nil)
	w.salesSvc = sales.NewService(gate, engine, store, w.inventorySvc, overrideConsumer{svc: w.overridesSvc}, w.saleRepo, nil, logger)
	w.purchaseSvc = procurement.NewService(gate, w.inventorySvc, store, w.guard, overrideConsumer{svc: w.overridesSvc}, nil, &memIdempotency{keys: map[string]bool{}}, logger)
	return w
}

func TestPostingLifecycle(t *testing.T) {
	ctx := context.Background()
	w := newWorld()

	period, err := w.periodsSvc.Create(ctx, periods.CreateInput{
		Code:      "2024-M05",
		StartDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
		ActorID:   1,
	})
	require.NoError(t, err)

	// First purchase locks the configured FIFO method.
	first, err := w.purchaseSvc.PostPurchase(ctx, procurement.PostPurchaseInput{
		ProductID: 9, Quantity: 5, UnitCost: decimal.NewFromInt(10),
		PurchaseDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Reference:    "PO-1", ActorID: 1,
	})
	require.NoError(t, err)
	require.True(t, first.Policy.IsLocked)
	require.Equal(t, "PO-1", first.Policy.LockedOnPurchaseRef)

	_, err = w.purchaseSvc.PostPurchase(ctx, procurement.PostPurchaseInput{
		ProductID: 9, Quantity: 5, UnitCost: decimal.NewFromInt(20),
		PurchaseDate: time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC),
		Reference:    "PO-2", ActorID: 1,
	})
	require.NoError(t, err)

	// The locked method refuses to change.
	_, err = w.guard.SetCostingMethod(ctx, 9, costing.MethodLIFO, 1)
	require.ErrorIs(t, err, costing.ErrMethodImmutable)

	// Sell 7 in the open period: FIFO takes 5 @ $10 then 2 @ $20.
	line, err := w.salesSvc.PostSale(ctx, sales.PostSaleInput{
		ProductID: 9, Quantity: 7, UnitPrice: decimal.NewFromInt(30),
		SaleDate: time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC),
		ActorID:  1,
	})
	require.NoError(t, err)
	require.True(t, line.FrozenCost.TotalCost.Equal(decimal.NewFromInt(90)), "total %s", line.FrozenCost.TotalCost)
	require.Equal(t, costing.MethodFIFO, line.FrozenCost.CostingMethod)
	require.Equal(t, period.ID, line.PeriodID)

	rec, err := w.inventorySvc.Get(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, 3.0, rec.CurrentStock)

	// Close and lock the period; posting without an override now fails.
	_, err = w.periodsSvc.Close(ctx, period.ID, 1)
	require.NoError(t, err)
	_, err = w.periodsSvc.Lock(ctx, period.ID, 1)
	require.NoError(t, err)

	_, err = w.salesSvc.PostSale(ctx, sales.PostSaleInput{
		ProductID: 9, Quantity: 1, UnitPrice: decimal.NewFromInt(30),
		SaleDate: time.Date(2024, 5, 12, 0, 0, 0, 0, time.UTC),
		ActorID:  1,
	})
	require.ErrorIs(t, err, periods.ErrPeriodLocked)

	// Locked non-critical period wants two approvals.
	o, err := w.overridesSvc.Request(ctx, overrides.RequestInput{
		PeriodID: period.ID, RequestedBy: 1, Operation: "sales:post", Reason: "late correction",
	})
	require.NoError(t, err)
	require.Equal(t, 2, o.ApprovalsRequired)

	_, err = w.overridesSvc.Approve(ctx, o.ID, 101, "")
	require.NoError(t, err)
	approved, err := w.overridesSvc.Approve(ctx, o.ID, 102, "")
	require.NoError(t, err)
	require.Equal(t, overrides.StatusApproved, approved.Status)

	// The override authorizes exactly one posting into the locked period.
	overrideLine, err := w.salesSvc.PostSale(ctx, sales.PostSaleInput{
		ProductID: 9, Quantity: 1, UnitPrice: decimal.NewFromInt(30),
		SaleDate:   time.Date(2024, 5, 12, 0, 0, 0, 0, time.UTC),
		ActorID:    1,
		OverrideID: &o.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, overrideLine.OverrideID)

	used, err := w.overridesSvc.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, overrides.StatusUsed, used.Status)

	updatedPeriod, err := w.periodsSvc.Get(ctx, period.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updatedPeriod.OverrideCount)

	_, err = w.salesSvc.PostSale(ctx, sales.PostSaleInput{
		ProductID: 9, Quantity: 1, UnitPrice: decimal.NewFromInt(30),
		SaleDate:   time.Date(2024, 5, 12, 0, 0, 0, 0, time.UTC),
		ActorID:    1,
		OverrideID: &o.ID,
	})
	require.ErrorIs(t, err, overrides.ErrAlreadyUsed)

	// The frozen snapshot on the first line never moves, even as stock does.
	stored, err := w.salesSvc.GetLine(ctx, line.ID)
	require.NoError(t, err)
	require.True(t, stored.FrozenCost.TotalCost.Equal(decimal.NewFromInt(90)))
}

func TestLifecycleDatesOutsideAnyPeriodAreUngoverned(t *testing.T) {
	ctx := context.Background()
	w := newWorld()

	// No period configured at all: purchases post freely.
	_, err := w.purchaseSvc.PostPurchase(ctx, procurement.PostPurchaseInput{
		ProductID: 9, Quantity: 2, UnitCost: decimal.NewFromInt(10),
		PurchaseDate: time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC),
		Reference:    "PO-OLD", ActorID: 1,
	})
	require.NoError(t, err)
}
