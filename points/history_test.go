package points_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
)

func TestRefundHistory_CountsWindowsAndStatuses(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2023, time.November, 1, 9, 0, 0, 0, time.UTC)

	// GIVEN: refunds requested at different ages, all against the owner
	request := func(name string) *points.RefundRequest {
		sub := f.subscriber(f.owner, name, f.yearly)
		r, err := f.engine.RequestRefund(ctx, actorOf(f.owner), sub.ID, 1, "")
		require.NoError(t, err)
		return r
	}
	old := request("old")
	f.now = time.Date(2024, time.November, 1, 9, 0, 0, 0, time.UTC)
	monthOld := request("month-old")
	f.now = time.Date(2024, time.November, 28, 9, 0, 0, 0, time.UTC)
	request("week-old")
	f.now = time.Date(2024, time.December, 3, 9, 0, 0, 0, time.UTC)

	_, err := f.engine.AcceptRefund(ctx, actorOf(f.owner), old.ID)
	require.NoError(t, err)
	_, err = f.engine.RejectRefund(ctx, actorOf(f.owner), monthOld.ID)
	require.NoError(t, err)

	// WHEN
	st, err := f.engine.RefundHistory(ctx, f.owner.ID)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, points.RefundStats{
		Total:     3,
		LastWeek:  1,
		LastMonth: 1,
		LastYear:  2,
		Refunded:  1,
		Rejected:  1,
		Pending:   1,
	}, st)

	empty, err := f.engine.RefundHistory(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
}

func TestListTransactions_FiltersAndPages(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.advance(time.Minute)
		_, err := f.engine.Recharge(ctx, actorOf(f.superMaster), points.RechargeRequest{ChildID: f.master.ID, Points: 10})
		require.NoError(t, err)
	}
	f.advance(time.Minute)
	_, err := f.engine.ReverseTransfer(ctx, actorOf(f.owner), f.master.ID, 5)
	require.NoError(t, err)

	// WHEN: the master's manager lists only credits, two per page
	page, err := f.engine.ListTransactions(ctx, actorOf(f.manager), points.Query{
		ColumnFilters: []points.ColumnFilter{{ID: points.ColIsCredit, Value: "true"}},
		Sorting:       []points.SortColumn{{ID: points.ColCreatedAt, Desc: true}},
		Pagination:    points.Pagination{PageIndex: 1, PageSize: 2},
	})
	require.NoError(t, err)

	// THEN: the master's ledger is shown, newest first
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	for _, e := range page.Items {
		assert.Equal(t, f.master.ID, e.UserID)
		assert.True(t, e.IsCredit)
	}
	assert.Greater(t, page.Items[0].CreatedAt, page.Items[1].CreatedAt)

	reversed, err := f.engine.ListTransactions(ctx, actorOf(f.master), points.Query{GlobalFilter: "reverse"})
	require.NoError(t, err)
	assert.Equal(t, 1, reversed.Total)
	assert.Equal(t, points.DefaultPageSize, reversed.PageSize)
}

func TestListTransactions_RejectsUnknownColumns(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ListTransactions(ctx, actorOf(f.master), points.Query{
		Sorting: []points.SortColumn{{ID: "points; DROP TABLE accounts"}},
	})
	assert.ErrorIs(t, err, points.ErrInvalidRequest)

	_, err = f.engine.ListTransactions(ctx, actorOf(f.master), points.Query{
		ColumnFilters: []points.ColumnFilter{{ID: points.ColIsCredit, Value: "maybe"}},
	})
	assert.ErrorIs(t, err, points.ErrInvalidRequest)
}

func TestListRefunds_FiltersAndScopes(t *testing.T) {
	f := newFixture(t)
	a := f.subscriber(f.owner, "anna", f.yearly)
	b := f.subscriber(f.master, "ben", f.plan("Quarter", 3, 0, 600))
	_, err := f.engine.RequestRefund(ctx, actorOf(f.owner), a.ID, 12, "moving abroad")
	require.NoError(t, err)
	_, err = f.engine.RequestRefund(ctx, actorOf(f.master), b.ID, 1, "too expensive")
	require.NoError(t, err)

	// Owners see every request
	all, err := f.engine.ListRefunds(ctx, actorOf(f.owner), points.Query{})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)

	// Masters only see their own subscribers' requests
	mine, err := f.engine.ListRefunds(ctx, actorOf(f.manager), points.Query{})
	require.NoError(t, err)
	require.Equal(t, 1, mine.Total)
	assert.Equal(t, "ben", mine.Items[0].Username)

	full, err := f.engine.ListRefunds(ctx, actorOf(f.owner), points.Query{
		ColumnFilters: []points.ColumnFilter{{ID: points.ColType, Value: points.RefundTypeFull}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, full.Total)
	assert.Equal(t, "anna", full.Items[0].Username)

	search, err := f.engine.ListRefunds(ctx, actorOf(f.owner), points.Query{GlobalFilter: "EXPENSIVE"})
	require.NoError(t, err)
	assert.Equal(t, 1, search.Total)

	pending, err := f.engine.ListRefunds(ctx, actorOf(f.owner), points.Query{
		ColumnFilters: []points.ColumnFilter{{ID: points.ColStatus, Value: "pending"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, pending.Total)
}

func TestListRefunds_UnknownStatusIsEmptyPage(t *testing.T) {
	f := newFixture(t)
	sub := f.subscriber(f.owner, "cleo", f.yearly)
	_, err := f.engine.RequestRefund(ctx, actorOf(f.owner), sub.ID, 1, "")
	require.NoError(t, err)

	page, err := f.engine.ListRefunds(ctx, actorOf(f.owner), points.Query{
		ColumnFilters: []points.ColumnFilter{{ID: points.ColStatus, Value: "ARCHIVED"}},
	})

	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
}

func TestSavePlan_AdminOnlyAndInvalidatesCache(t *testing.T) {
	f := newFixture(t)

	err := f.engine.SavePlan(ctx, actorOf(f.owner), &points.Plan{Name: "x", DurationInMonths: 1})
	assert.ErrorIs(t, err, points.ErrPermissionDenied)

	// GIVEN: the monthly plan is cached by a purchase
	f.subscriber(f.master, "dan", f.monthly)

	// WHEN: the admin retires it
	retired := *f.monthly
	retired.Active = false
	require.NoError(t, f.engine.SavePlan(ctx, actorOf(f.admin), &retired))

	// THEN: the next purchase sees the change
	_, err = f.engine.CreateAndFund(ctx, actorOf(f.master), points.CreateChild{
		Role: points.RoleSubscriber, Name: "eli", Username: "eli", PlanID: f.monthly.ID,
	})
	assert.ErrorIs(t, err, points.ErrInvalidRequest)

	plans, err := f.engine.Plans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 2)
}

func TestAccount_ReturnsSubscriptionForSubscribers(t *testing.T) {
	f := newFixture(t)
	sub := f.subscriber(f.master, "fay", f.monthly)

	acc, window, err := f.engine.Account(ctx, actorOf(f.master), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "fay", acc.Username)
	require.NotNil(t, window)
	assert.Equal(t, f.monthly.ID, window.PlanID)

	acc, window, err = f.engine.Account(ctx, actorOf(f.owner), f.master.ID)
	require.NoError(t, err)
	assert.Equal(t, points.RoleMaster, acc.Role)
	assert.Nil(t, window)

	_, _, err = f.engine.Account(ctx, actorOf(f.admin), 31337)
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestAccount_ScopedToCallerHierarchy(t *testing.T) {
	f := newFixture(t)
	sub := f.subscriber(f.master, "gil", f.monthly)
	rival := f.seed(points.RoleOwner, f.admin, 10000)
	rivalManager := f.seed(points.RoleManager, rival, 0)

	tests := []struct {
		name   string
		viewer *points.Account
		target *points.Account
		want   error
	}{
		{"admin sees everything", f.admin, sub, nil},
		{"owner sees its subtree", f.owner, sub, nil},
		{"manager sees through its master", f.manager, sub, nil},
		{"manager sees its own parent", f.manager, f.master, nil},
		{"subscriber sees itself", sub, sub, nil},
		{"master sees itself", f.master, f.master, nil},
		{"other owner is refused", rival, sub, points.ErrPermissionDenied},
		{"other owner's manager is refused", rivalManager, f.master, points.ErrPermissionDenied},
		{"master cannot look upward", f.master, f.owner, points.ErrPermissionDenied},
		{"subscriber cannot see its parent", sub, f.master, points.ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, _, err := f.engine.Account(ctx, actorOf(tt.viewer), tt.target.ID)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				assert.Nil(t, acc)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.target.ID, acc.ID)
		})
	}
}
