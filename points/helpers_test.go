package points_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var ctx = context.Background()

// fixture is a small hierarchy on an in-memory store:
//
//	admin(100000) -> owner(10000) -> superMaster(5000) -> master(1000)
//	                     |                                    |
//	                     +-> ownerManager                     +-> manager
type fixture struct {
	t      *testing.T
	store  *store.Memory
	engine *points.Engine
	now    time.Time
	seq    int

	admin        *points.Account
	owner        *points.Account
	ownerManager *points.Account
	superMaster  *points.Account
	master       *points.Account
	manager      *points.Account
	monthly      *points.Plan
	yearly       *points.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		store: store.NewMemory(),
		now:   time.Date(2025, time.May, 7, 10, 0, 0, 0, time.UTC),
	}
	f.engine = points.New(f.store, points.WithClock(func() time.Time { return f.now }))

	f.admin = f.seed(points.RoleAdmin, nil, 100000)
	f.owner = f.seed(points.RoleOwner, f.admin, 10000)
	f.ownerManager = f.seed(points.RoleManager, f.owner, 0)
	f.superMaster = f.seed(points.RoleSuperMaster, f.owner, 5000)
	f.master = f.seed(points.RoleMaster, f.superMaster, 1000)
	f.manager = f.seed(points.RoleManager, f.master, 0)

	f.monthly = f.plan("Monthly", 1, 0, 300)
	f.yearly = f.plan("Yearly", 12, 0, 1200)
	return f
}

// seed writes an account straight to the store, bypassing funding.
func (f *fixture) seed(role points.Role, parent *points.Account, pts int64) *points.Account {
	f.t.Helper()
	f.seq++
	acc := &points.Account{
		Name:      string(role) + " account",
		Username:  fmt.Sprintf("%s-%d", strings.ToLower(string(role)), f.seq),
		Role:      role,
		Points:    pts,
		Enabled:   true,
		CreatedAt: points.DateOf(f.now),
	}
	if parent != nil {
		acc.ParentID = parent.ID
		acc.ParentRole = parent.Role
	}
	require.NoError(f.t, f.store.CreateAccount(ctx, acc))
	return acc
}

func (f *fixture) plan(name string, months, days int, cost int64) *points.Plan {
	f.t.Helper()
	p := &points.Plan{
		Name:             name,
		DurationInMonths: months,
		DurationInDays:   days,
		Type:             points.PlanPaid,
		RequiredPoints:   cost,
		Active:           true,
	}
	require.NoError(f.t, f.store.SavePlan(ctx, p))
	return p
}

// subscriber creates and funds a subscriber under parent with plan.
func (f *fixture) subscriber(parent *points.Account, username string, plan *points.Plan) *points.Account {
	f.t.Helper()
	r, err := f.engine.CreateAndFund(ctx, actorOf(parent), points.CreateChild{
		Role:     points.RoleSubscriber,
		Name:     username,
		Username: username,
		PlanID:   plan.ID,
	})
	require.NoError(f.t, err)
	return r.Account
}

func (f *fixture) balance(acc *points.Account) int64 {
	f.t.Helper()
	got, err := f.store.FindAccount(ctx, acc.ID)
	require.NoError(f.t, err)
	require.NotNil(f.t, got)
	return got.Points
}

func (f *fixture) subscription(acc *points.Account) *points.Subscription {
	f.t.Helper()
	sub, err := f.store.FindSubscription(ctx, acc.ID)
	require.NoError(f.t, err)
	require.NotNil(f.t, sub)
	return sub
}

func (f *fixture) entries(acc *points.Account) []points.LedgerEntry {
	f.t.Helper()
	page, err := f.store.QueryEntries(ctx, acc.ID, points.Query{
		Sorting:    []points.SortColumn{{ID: points.ColCreatedAt}},
		Pagination: points.Pagination{PageSize: points.MaxPageSize},
	})
	require.NoError(f.t, err)
	return page.Items
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func actorOf(acc *points.Account) points.Actor {
	return points.Actor{UserID: acc.ID, Role: acc.Role, TenantID: "test"}
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

var errDiskFull = errors.New("disk full")

// failingLedger wraps a TxStore so every ledger append fails.
type failingLedger struct {
	points.TxStore
}

func (fl failingLedger) WithTx(ctx context.Context, fn func(points.Store) error) error {
	return fl.TxStore.WithTx(ctx, func(s points.Store) error {
		return fn(failingAppend{Store: s})
	})
}

type failingAppend struct {
	points.Store
}

func (failingAppend) AppendEntries(context.Context, []points.LedgerEntry) error {
	return errDiskFull
}
