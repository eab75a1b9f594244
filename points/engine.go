/*
engine.go - Entry point for every points operation

PURPOSE:
  Engine bundles the store, clock, logger and plan cache. Each public
  method is one unit of work: it runs inside TxStore.WithTx so either all
  of its balance changes, entity writes and ledger rows persist, or none do.

ACTOR:
  Every operation takes the authenticated Actor explicitly. A Manager acts
  on behalf of its parent (Owner or Master); effectiveParent resolves that.

SEE ALSO:
  - transfer.go: Create, recharge, reverse, adjust
  - refund.go: Refund workflow
  - history.go: Read-only listings
*/
package points

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Observer receives operation outcomes. metrics.Recorder implements it.
type Observer interface {
	ObserveOperation(op string, d time.Duration, err error)
	ObserveTransfer(op string, points int64)
	ObserveRefund(status RefundStatus)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, time.Duration, error) {}
func (nopObserver) ObserveTransfer(string, int64)                 {}
func (nopObserver) ObserveRefund(RefundStatus)                    {}

const DefaultRefundWindowDays = 7

type Engine struct {
	store            TxStore
	plans            *PlanCache
	log              *slog.Logger
	obs              Observer
	now              func() time.Time
	refundWindowDays int
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.obs = o } }

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithRefundWindowDays(days int) Option {
	return func(e *Engine) { e.refundWindowDays = days }
}

func WithPlanCache(c *PlanCache) Option { return func(e *Engine) { e.plans = c } }

func New(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		log:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		obs:              nopObserver{},
		now:              time.Now,
		refundWindowDays: DefaultRefundWindowDays,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.plans == nil {
		e.plans = NewPlanCache(DefaultPlanCacheSize)
	}
	return e
}

func (e *Engine) Store() TxStore { return e.store }

func (e *Engine) today() Date { return DateOf(e.now()) }

// withTx runs fn as one unit of work and reports its outcome.
func (e *Engine) withTx(ctx context.Context, op string, actor Actor, fn func(Store) error) error {
	start := time.Now()
	log := e.log.With("op", op, "actor", actor.UserID, "role", actor.Role, "tenant", actor.TenantID)

	err := e.store.WithTx(ctx, fn)
	e.obs.ObserveOperation(op, time.Since(start), err)
	if err != nil {
		log.WarnContext(ctx, "operation failed", "kind", KindOf(err), "error", err)
		return err
	}
	log.InfoContext(ctx, "operation completed")
	return nil
}

// effectiveParent resolves the account that funds on the actor's behalf.
// Managers act through their parent; every other role acts as itself.
func effectiveParent(ctx context.Context, s AccountStore, actor Actor) (*Account, error) {
	acc, err := s.FindAccount(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, &NotFoundError{Kind: EntityUser, ID: actor.UserID}
	}
	if acc.Role != actor.Role {
		return nil, &PermissionDeniedError{Role: actor.Role, Task: "act as " + string(acc.Role)}
	}
	if acc.Role != RoleManager {
		return acc, nil
	}

	parent, err := s.FindAccount(ctx, acc.ParentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, &NotFoundError{Kind: EntityUser, ID: acc.ParentID}
	}
	return parent, nil
}

// maxHierarchyDepth bounds the parent walk. The deepest chain is
// Admin > Owner > SuperMaster > Master > Manager or Subscriber.
const maxHierarchyDepth = 6

// withinHierarchy reports whether acc sits somewhere below ancestorID.
func withinHierarchy(ctx context.Context, s AccountStore, acc *Account, ancestorID int64) (bool, error) {
	id := acc.ParentID
	for depth := 0; id != 0 && depth < maxHierarchyDepth; depth++ {
		if id == ancestorID {
			return true, nil
		}
		parent, err := s.FindAccount(ctx, id)
		if err != nil || parent == nil {
			return false, err
		}
		id = parent.ParentID
	}
	return false, nil
}

// requireSubscription loads a subscriber account and its window.
func requireSubscription(ctx context.Context, s Store, subscriberID int64) (*Account, *Subscription, error) {
	acc, err := s.FindAccount(ctx, subscriberID)
	if err != nil {
		return nil, nil, err
	}
	if acc == nil || acc.Role != RoleSubscriber {
		return nil, nil, &NotFoundError{Kind: EntityUser, ID: subscriberID}
	}
	sub, err := s.FindSubscription(ctx, subscriberID)
	if err != nil {
		return nil, nil, err
	}
	if sub == nil {
		return nil, nil, &NotFoundError{Kind: EntitySubscription, ID: subscriberID}
	}
	return acc, sub, nil
}

// activePlan fetches a plan through the cache using the tx-scoped store.
func (e *Engine) activePlan(ctx context.Context, s PlanStore, id int64) (*Plan, error) {
	p, err := e.plans.Get(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &NotFoundError{Kind: EntityPlan, ID: id}
	}
	if !p.Active {
		return nil, invalid("plan is not active")
	}
	if p.DurationInMonths < 0 || p.DurationInDays < 0 || p.RequiredPoints < 0 {
		return nil, invalid("plan has negative duration or price")
	}
	return p, nil
}
