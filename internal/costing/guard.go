package costing

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// PolicyRepositoryPort abstracts costing policy persistence for the guard.
type PolicyRepositoryPort interface {
	GetPolicy(ctx context.Context, productID int64) (Policy, error)
	// SetMethod writes the method and lock atomically, refusing when another
	// method is already locked in. Returns false when the guard condition
	// rejected the write.
	SetMethod(ctx context.Context, productID int64, method Method, lockedBy int64, lockedAt time.Time, purchaseRef string) (bool, error)
	// LockExisting locks whatever method is currently set, if any. Returns
	// true when this call performed the lock.
	LockExisting(ctx context.Context, productID int64, lockedBy int64, lockedAt time.Time, purchaseRef string) (bool, error)
	// SetStandardCost updates the tunable standard unit cost. Returns false
	// when the product does not exist.
	SetStandardCost(ctx context.Context, productID int64, cost decimal.Decimal) (bool, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Guard enforces that a product's costing method, once locked, never changes.
// Full-record replaces and partial field updates run through separate code
// paths, so each checks the prior locked state on its own.
type Guard struct {
	repo  PolicyRepositoryPort
	audit AuditPort
	now   func() time.Time
}

// NewGuard constructs Guard.
func NewGuard(repo PolicyRepositoryPort, audit AuditPort) *Guard {
	return &Guard{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (g *Guard) WithNow(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// CheckMethodChange is the partial-update interception: it validates a single
// method field change against the prior policy. Re-asserting the locked
// method is a no-op, not an error.
func (g *Guard) CheckMethodChange(prior Policy, next Method) error {
	if next != "" && !next.Valid() {
		return shared.Wrap(ErrInvalidMethod, "%q", next)
	}
	if !prior.IsLocked {
		return nil
	}
	if next == prior.Method {
		return nil
	}
	return shared.Wrap(ErrMethodImmutable, "locked to %q, attempted %q", prior.Method, next)
}

// CheckReplace is the full-document interception: it validates an entire
// incoming policy against the prior one, including attempts to clear the
// lock itself.
func (g *Guard) CheckReplace(prior, incoming Policy) error {
	if err := g.CheckMethodChange(prior, incoming.Method); err != nil {
		return err
	}
	if prior.IsLocked && !incoming.IsLocked {
		return shared.Wrap(ErrMethodImmutable, "costing lock cannot be removed")
	}
	return nil
}

// SetCostingMethod explicitly sets and locks a product's costing method.
func (g *Guard) SetCostingMethod(ctx context.Context, productID int64, method Method, actorID int64) (Policy, error) {
	if !method.Valid() {
		return Policy{}, shared.Wrap(ErrInvalidMethod, "%q", method)
	}
	prior, err := g.repo.GetPolicy(ctx, productID)
	if err != nil {
		return Policy{}, err
	}
	if err := g.CheckMethodChange(prior, method); err != nil {
		return Policy{}, err
	}
	if prior.IsLocked {
		// Same method re-asserted against a locked policy.
		return prior, nil
	}
	now := g.now().UTC()
	ok, err := g.repo.SetMethod(ctx, productID, method, actorID, now, "")
	if err != nil {
		return Policy{}, err
	}
	if !ok {
		// Lost the race to a concurrent lock; re-read and re-validate.
		current, err := g.repo.GetPolicy(ctx, productID)
		if err != nil {
			return Policy{}, err
		}
		if err := g.CheckMethodChange(current, method); err != nil {
			return Policy{}, err
		}
		return current, nil
	}
	g.recordAudit(ctx, actorID, "costing:set-method", productID, method)
	return g.repo.GetPolicy(ctx, productID)
}

// LockOnFirstPurchase locks the product's configured method when the first
// purchase lands. Products with no method yet stay unlocked; a later explicit
// SetCostingMethod or configured purchase locks them.
func (g *Guard) LockOnFirstPurchase(ctx context.Context, productID int64, actorID int64, purchaseRef string) (Policy, error) {
	locked, err := g.repo.LockExisting(ctx, productID, actorID, g.now().UTC(), purchaseRef)
	if err != nil {
		return Policy{}, err
	}
	policy, err := g.repo.GetPolicy(ctx, productID)
	if err != nil {
		return Policy{}, err
	}
	if locked {
		g.recordAudit(ctx, actorID, "costing:lock-on-purchase", productID, policy.Method)
	}
	return policy, nil
}

func (g *Guard) recordAudit(ctx context.Context, actorID int64, action string, productID int64, method Method) {
	if g.audit == nil {
		return
	}
	_ = g.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "product_costing",
		EntityID: strconv.FormatInt(productID, 10),
		Meta:     map[string]any{"method": string(method)},
	})
}

// SetStandardCost updates the tunable standard cost. The cost must be
// non-negative; the method lock never applies to the value itself.
func (g *Guard) SetStandardCost(ctx context.Context, productID int64, cost decimal.Decimal, actorID int64) (Policy, error) {
	if cost.IsNegative() {
		return Policy{}, shared.Wrap(shared.ErrValidation, "costing: standard cost cannot be negative")
	}
	found, err := g.repo.SetStandardCost(ctx, productID, cost)
	if err != nil {
		return Policy{}, err
	}
	if !found {
		return Policy{}, shared.Wrap(shared.ErrNotFound, "costing: product %d", productID)
	}
	return g.repo.GetPolicy(ctx, productID)
}
