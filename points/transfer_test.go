package points_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// CREATE AND FUND
// =============================================================================

func TestCreateAndFund_Subscriber_DebitsParentAndOpensWindow(t *testing.T) {
	f := newFixture(t)

	// WHEN: master (1000) creates a subscriber on the 300-point monthly plan
	r, err := f.engine.CreateAndFund(ctx, actorOf(f.master), points.CreateChild{
		Role:     points.RoleSubscriber,
		Name:     "Alice",
		Username: "  Alice ",
		PlanID:   f.monthly.ID,
	})
	require.NoError(t, err)

	// THEN: master is debited and the subscriber is under the master
	assert.Equal(t, int64(700), f.balance(f.master))
	assert.Equal(t, "alice", r.Account.Username)
	assert.Equal(t, f.master.ID, r.Account.ParentID)
	assert.Equal(t, points.RoleMaster, r.Account.ParentRole)

	// THEN: the window starts today and runs one month
	sub := f.subscription(r.Account)
	assert.Equal(t, points.NewDate(2025, time.May, 7), sub.StartAt)
	assert.Equal(t, points.NewDate(2025, time.June, 7), sub.EndAt)
	assert.Equal(t, sub.StartAt, sub.LastRecharge)
	assert.True(t, sub.CanRefund)
	assert.Equal(t, 1, sub.RefundableMonths)

	// THEN: one ledger pair records the movement
	from := f.entries(f.master)
	to := f.entries(r.Account)
	require.Len(t, from, 1)
	require.Len(t, to, 1)
	assert.False(t, from[0].IsCredit)
	assert.Equal(t, int64(1000), from[0].Before)
	assert.Equal(t, int64(700), from[0].After)
	assert.True(t, to[0].IsCredit)
	assert.Equal(t, int64(0), to[0].Before)
	assert.Equal(t, int64(300), to[0].After)
	assert.Equal(t, from[0].TransferID, to[0].TransferID)
	assert.Equal(t, from[0].CreatedAt, to[0].CreatedAt)
}

func TestCreateAndFund_InsufficientPoints_NothingPersists(t *testing.T) {
	f := newFixture(t)
	poor := f.seed(points.RoleMaster, f.owner, 100)

	// WHEN: a master with 100 points tries to buy a 300-point plan
	_, err := f.engine.CreateAndFund(ctx, actorOf(poor), points.CreateChild{
		Role:     points.RoleSubscriber,
		Name:     "Bob",
		Username: "bob",
		PlanID:   f.monthly.ID,
	})

	// THEN: the guard refuses and no subscriber or ledger row exists
	var ip *points.InsufficientPointsError
	require.ErrorAs(t, err, &ip)
	assert.Equal(t, int64(100), ip.Available)
	assert.Equal(t, int64(300), ip.Requested)
	assert.Equal(t, points.KindInsufficientPoints, points.KindOf(err))

	assert.Equal(t, int64(100), f.balance(poor))
	assert.Empty(t, f.entries(poor))
	bob, err := f.store.FindByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, bob)
}

func TestCreateAndFund_BalanceHoldingChild_StartsWithFundedPoints(t *testing.T) {
	f := newFixture(t)

	// WHEN: owner creates a master with 2500 points
	r, err := f.engine.CreateAndFund(ctx, actorOf(f.owner), points.CreateChild{
		Role:     points.RoleMaster,
		Name:     "North",
		Username: "north",
		Points:   2500,
	})
	require.NoError(t, err)

	// THEN: points moved from owner to the new master
	assert.Equal(t, int64(7500), f.balance(f.owner))
	assert.Equal(t, int64(2500), f.balance(r.Account))
	require.Len(t, r.Entries, 2)
	assert.Equal(t, "Created New Master: north", r.Entries[0].Description)
	assert.Equal(t, "Recharge", r.Entries[1].Description)
}

func TestCreateAndFund_AdminFundsOwner(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.CreateAndFund(ctx, actorOf(f.admin), points.CreateChild{
		Role:     points.RoleOwner,
		Name:     "Second Owner",
		Username: "owner2",
		Points:   40000,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(60000), f.balance(f.admin))
	assert.Equal(t, int64(40000), f.balance(r.Account))
	assert.Equal(t, points.RoleAdmin, r.Account.ParentRole)
}

func TestCreateAndFund_ManagerActsThroughParent(t *testing.T) {
	f := newFixture(t)

	// WHEN: the master's manager creates a subscriber
	r, err := f.engine.CreateAndFund(ctx, actorOf(f.manager), points.CreateChild{
		Role:     points.RoleSubscriber,
		Name:     "Carol",
		Username: "carol",
		PlanID:   f.monthly.ID,
	})
	require.NoError(t, err)

	// THEN: the master pays and becomes the parent
	assert.Equal(t, int64(700), f.balance(f.master))
	assert.Equal(t, f.master.ID, r.Account.ParentID)
	assert.Equal(t, int64(0), f.balance(f.manager))
}

func TestCreateAndFund_FundingMatrix(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		actor *points.Account
		child points.Role
	}{
		{"master cannot create master", f.master, points.RoleMaster},
		{"super master cannot create super master", f.superMaster, points.RoleSuperMaster},
		{"owner cannot create owner", f.owner, points.RoleOwner},
		{"admin cannot create master", f.admin, points.RoleMaster},
		{"master cannot create super master", f.master, points.RoleSuperMaster},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateAndFund(ctx, actorOf(tt.actor), points.CreateChild{
				Role:     tt.child,
				Name:     "x",
				Username: "matrix-" + string(rune('a'+i)),
				Points:   1,
			})
			assert.ErrorIs(t, err, points.ErrPermissionDenied)
		})
	}
}

func TestCreateAndFund_NonFundingChildRoles(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreateAndFund(ctx, actorOf(f.owner), points.CreateChild{
		Role: points.RoleManager, Name: "m", Username: "m",
	})
	assert.ErrorIs(t, err, points.ErrUnsupportedRole)

	_, err = f.engine.CreateAndFund(ctx, actorOf(f.owner), points.CreateChild{
		Role: "PIRATE", Name: "p", Username: "p",
	})
	assert.ErrorIs(t, err, points.ErrInvalidRequest)
}

func TestCreateAndFund_DuplicateUsername(t *testing.T) {
	f := newFixture(t)
	f.subscriber(f.master, "dave", f.monthly)

	_, err := f.engine.CreateAndFund(ctx, actorOf(f.master), points.CreateChild{
		Role:     points.RoleSubscriber,
		Name:     "Dave again",
		Username: "DAVE",
		PlanID:   f.monthly.ID,
	})

	assert.ErrorIs(t, err, points.ErrInvalidRequest)
	assert.ErrorIs(t, err, points.ErrDuplicateUsername)
	assert.Equal(t, int64(700), f.balance(f.master))
}

func TestCreateAndFund_InactivePlan(t *testing.T) {
	f := newFixture(t)
	retired := f.plan("Retired", 1, 0, 10)
	retired.Active = false
	require.NoError(t, f.store.SavePlan(ctx, retired))

	_, err := f.engine.CreateAndFund(ctx, actorOf(f.master), points.CreateChild{
		Role: points.RoleSubscriber, Name: "e", Username: "e", PlanID: retired.ID,
	})
	assert.ErrorIs(t, err, points.ErrInvalidRequest)

	_, err = f.engine.CreateAndFund(ctx, actorOf(f.master), points.CreateChild{
		Role: points.RoleSubscriber, Name: "e", Username: "e", PlanID: 999,
	})
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestCreateAndFund_LedgerFailure_RollsBackEverything(t *testing.T) {
	f := newFixture(t)
	engine := points.New(failingLedger{TxStore: f.store}, points.WithClock(func() time.Time { return f.now }))

	// WHEN: the ledger append fails after the debit and the child insert
	_, err := engine.CreateAndFund(ctx, actorOf(f.master), points.CreateChild{
		Role: points.RoleSubscriber, Name: "Eve", Username: "eve", PlanID: f.monthly.ID,
	})

	// THEN: the failure is fatal and nothing survives
	var lw *points.LedgerWriteError
	require.ErrorAs(t, err, &lw)
	assert.True(t, errors.Is(err, errDiskFull))
	assert.Equal(t, points.KindLedgerWriteFailed, points.KindOf(err))

	assert.Equal(t, int64(1000), f.balance(f.master))
	eve, err := f.store.FindByUsername(ctx, "eve")
	require.NoError(t, err)
	assert.Nil(t, eve)
}

// =============================================================================
// CREATE MANAGER
// =============================================================================

func TestCreateManager(t *testing.T) {
	f := newFixture(t)

	mgr, err := f.engine.CreateManager(ctx, actorOf(f.owner), points.NewAccount{Name: "Ops", Username: "ops"})
	require.NoError(t, err)
	assert.Equal(t, points.RoleManager, mgr.Role)
	assert.Equal(t, f.owner.ID, mgr.ParentID)
	assert.Equal(t, int64(10000), f.balance(f.owner))
	assert.Empty(t, f.entries(f.owner))

	_, err = f.engine.CreateManager(ctx, actorOf(f.superMaster), points.NewAccount{Name: "x", Username: "x"})
	assert.ErrorIs(t, err, points.ErrPermissionDenied)

	_, err = f.engine.CreateManager(ctx, actorOf(f.manager), points.NewAccount{Name: "y", Username: "y"})
	assert.ErrorIs(t, err, points.ErrPermissionDenied)
}

// =============================================================================
// RECHARGE
// =============================================================================

func TestRecharge_Subscriber_ExtendsRunningWindowFromEnd(t *testing.T) {
	f := newFixture(t)
	sub := f.subscriber(f.master, "frank", f.monthly)

	// GIVEN: ten days later the window still runs until June 7
	f.advance(10 * 24 * time.Hour)

	// WHEN: the master recharges the monthly plan
	r, err := f.engine.Recharge(ctx, actorOf(f.master), points.RechargeRequest{ChildID: sub.ID, PlanID: f.monthly.ID})
	require.NoError(t, err)

	// THEN: the window is extended from its end, not from today
	assert.Equal(t, points.NewDate(2025, time.May, 7), r.Subscription.StartAt)
	assert.Equal(t, points.NewDate(2025, time.July, 7), r.Subscription.EndAt)
	assert.Equal(t, points.NewDate(2025, time.May, 17), r.Subscription.LastRecharge)
	assert.Equal(t, int64(400), f.balance(f.master))
	assert.Len(t, f.entries(sub), 2)
}

func TestRecharge_Subscriber_ExpiredWindowRestartsToday(t *testing.T) {
	f := newFixture(t)
	sub := f.subscriber(f.owner, "grace", f.monthly)

	// GIVEN: the window ended long ago
	f.advance(60 * 24 * time.Hour)

	r, err := f.engine.Recharge(ctx, actorOf(f.owner), points.RechargeRequest{ChildID: sub.ID, PlanID: f.yearly.ID})
	require.NoError(t, err)

	today := points.DateOf(f.now)
	assert.Equal(t, today, r.Subscription.StartAt)
	assert.Equal(t, today.AddMonths(12), r.Subscription.EndAt)
	assert.Equal(t, f.yearly.ID, r.Subscription.PlanID)
	assert.Equal(t, 12, r.Subscription.RefundableMonths)
	assert.True(t, r.Subscription.CanRefund)
}

func TestRecharge_Master_CreditsChild(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.Recharge(ctx, actorOf(f.superMaster), points.RechargeRequest{ChildID: f.master.ID, Points: 400})
	require.NoError(t, err)

	assert.Equal(t, int64(4600), f.balance(f.superMaster))
	assert.Equal(t, int64(1400), f.balance(f.master))
	assert.Equal(t, int64(1400), r.Account.Points)
	assert.Equal(t, points.DateOf(f.now), r.Account.LastRecharge)

	credit := r.Entries[1]
	assert.Equal(t, int64(1000), credit.Before)
	assert.Equal(t, int64(1400), credit.After)
}

func TestRecharge_NotADirectChild(t *testing.T) {
	f := newFixture(t)

	// owner is the master's grandparent, not its parent
	_, err := f.engine.Recharge(ctx, actorOf(f.owner), points.RechargeRequest{ChildID: f.master.ID, Points: 10})
	assert.ErrorIs(t, err, points.ErrPermissionDenied)

	_, err = f.engine.Recharge(ctx, actorOf(f.owner), points.RechargeRequest{ChildID: 404, Points: 10})
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestRecharge_NonPositivePoints(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Recharge(ctx, actorOf(f.superMaster), points.RechargeRequest{ChildID: f.master.ID, Points: 0})
	assert.ErrorIs(t, err, points.ErrInvalidRequest)
	assert.Equal(t, int64(5000), f.balance(f.superMaster))
}

// =============================================================================
// REVERSE TRANSFER
// =============================================================================

func TestReverseTransfer_MasterUnderSuperMaster(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.ReverseTransfer(ctx, actorOf(f.owner), f.master.ID, 250)
	require.NoError(t, err)

	assert.Equal(t, int64(750), f.balance(f.master))
	assert.Equal(t, int64(10250), f.balance(f.owner))
	assert.Equal(t, f.master.ID, r.Entries[0].UserID)
	assert.Equal(t, f.owner.ID, r.Entries[1].UserID)
	assert.Equal(t, "Reverse Transaction", r.Entries[0].Description)
}

func TestReverseTransfer_OwnerManagerActsForOwner(t *testing.T) {
	f := newFixture(t)
	direct := f.seed(points.RoleMaster, f.owner, 80)

	_, err := f.engine.ReverseTransfer(ctx, actorOf(f.ownerManager), direct.ID, 80)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.balance(direct))
}

func TestReverseTransfer_Refusals(t *testing.T) {
	f := newFixture(t)
	otherOwner := f.seed(points.RoleOwner, f.admin, 0)

	_, err := f.engine.ReverseTransfer(ctx, actorOf(f.superMaster), f.master.ID, 10)
	assert.ErrorIs(t, err, points.ErrPermissionDenied)

	_, err = f.engine.ReverseTransfer(ctx, actorOf(otherOwner), f.master.ID, 10)
	assert.ErrorIs(t, err, points.ErrPermissionDenied)

	_, err = f.engine.ReverseTransfer(ctx, actorOf(f.owner), f.master.ID, 5000)
	assert.ErrorIs(t, err, points.ErrInsufficientPoints)

	_, err = f.engine.ReverseTransfer(ctx, actorOf(f.owner), f.master.ID, -1)
	assert.ErrorIs(t, err, points.ErrInvalidRequest)

	assert.Equal(t, int64(1000), f.balance(f.master))
}

// =============================================================================
// ADJUST WINDOW
// =============================================================================

func TestAdjustWindow_RewritesDatesWithZeroPointPair(t *testing.T) {
	f := newFixture(t)
	sub := f.subscriber(f.master, "heidi", f.monthly)
	start := points.NewDate(2025, time.May, 1)
	end := points.NewDate(2025, time.August, 31)

	r, err := f.engine.AdjustWindow(ctx, actorOf(f.manager), sub.ID, start, end)
	require.NoError(t, err)

	assert.Equal(t, start, r.Subscription.StartAt)
	assert.Equal(t, end, r.Subscription.EndAt)
	require.Len(t, r.Entries, 2)
	for _, e := range r.Entries {
		assert.Equal(t, int64(0), e.Points)
		assert.Equal(t, e.Before, e.After)
		assert.Equal(t, "Adjustment: heidi new Dates 20250501-20250831", e.Description)
	}
	assert.Equal(t, int64(700), r.Entries[0].Before)
	assert.Equal(t, int64(700), f.balance(f.master))
}

func TestAdjustWindow_StartAfterEnd(t *testing.T) {
	f := newFixture(t)
	sub := f.subscriber(f.master, "ivan", f.monthly)

	_, err := f.engine.AdjustWindow(ctx, actorOf(f.master), sub.ID,
		points.NewDate(2025, time.June, 2), points.NewDate(2025, time.June, 1))
	assert.ErrorIs(t, err, points.ErrInvalidRequest)
	assert.Equal(t, points.NewDate(2025, time.May, 7), f.subscription(sub).StartAt)
}

// =============================================================================
// CONSERVATION
// =============================================================================

func TestLedger_PairsConservePoints(t *testing.T) {
	f := newFixture(t)
	sub := f.subscriber(f.master, "judy", f.monthly)
	_, err := f.engine.Recharge(ctx, actorOf(f.superMaster), points.RechargeRequest{ChildID: f.master.ID, Points: 100})
	require.NoError(t, err)
	_, err = f.engine.ReverseTransfer(ctx, actorOf(f.owner), f.master.ID, 50)
	require.NoError(t, err)
	_, err = f.engine.Recharge(ctx, actorOf(f.master), points.RechargeRequest{ChildID: sub.ID, PlanID: f.monthly.ID})
	require.NoError(t, err)

	// THEN: every transfer id has one debit and one credit of equal points
	byTransfer := map[string][]points.LedgerEntry{}
	for _, acc := range []*points.Account{f.owner, f.superMaster, f.master, sub} {
		for _, e := range f.entries(acc) {
			byTransfer[e.TransferID] = append(byTransfer[e.TransferID], e)
		}
	}
	require.Len(t, byTransfer, 4)
	for id, pair := range byTransfer {
		require.Len(t, pair, 2, id)
		assert.NotEqual(t, pair[0].IsCredit, pair[1].IsCredit)
		assert.Equal(t, pair[0].Points, pair[1].Points)
		for _, e := range pair {
			if e.IsCredit {
				assert.Equal(t, e.Before+e.Points, e.After)
			} else {
				assert.Equal(t, e.Before-e.Points, e.After)
			}
		}
	}
}
