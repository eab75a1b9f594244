package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
	"github.com/warp/points-engine/points/storetest"
)

var ctx = context.Background()

func newAccount(t *testing.T, m *store.Memory, username string, role points.Role, pts int64) *points.Account {
	t.Helper()
	acc := &points.Account{Name: username, Username: username, Role: role, Points: pts}
	require.NoError(t, m.CreateAccount(ctx, acc))
	return acc
}

func TestMemory_CreateAccount_AssignsIDsAndEnforcesUsername(t *testing.T) {
	m := store.NewMemory()

	a := newAccount(t, m, "alpha", points.RoleOwner, 10)
	b := newAccount(t, m, "beta", points.RoleMaster, 0)
	assert.NotEqual(t, a.ID, b.ID)

	err := m.CreateAccount(ctx, &points.Account{Username: " ALPHA ", Role: points.RoleMaster})
	assert.ErrorIs(t, err, points.ErrDuplicateUsername)

	got, err := m.FindByUsername(ctx, "Alpha")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)

	missing, err := m.FindAccount(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemory_DebitIfSufficient(t *testing.T) {
	m := store.NewMemory()
	acc := newAccount(t, m, "gamma", points.RoleMaster, 100)

	before, err := m.DebitIfSufficient(ctx, acc.Ref(), 60)
	require.NoError(t, err)
	assert.Equal(t, int64(100), before)

	_, err = m.DebitIfSufficient(ctx, acc.Ref(), 60)
	var ip *points.InsufficientPointsError
	require.ErrorAs(t, err, &ip)
	assert.Equal(t, int64(40), ip.Available)

	_, err = m.DebitIfSufficient(ctx, points.AccountRef{ID: acc.ID, Role: points.RoleOwner}, 1)
	assert.ErrorIs(t, err, points.ErrNotFound)

	bal, err := m.Balance(ctx, acc.Ref())
	require.NoError(t, err)
	assert.Equal(t, int64(40), bal)
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	m := store.NewMemory()
	acc := newAccount(t, m, "delta", points.RoleOwner, 500)
	boom := errors.New("boom")

	// WHEN: a unit of work writes everywhere and then fails
	err := m.WithTx(ctx, func(s points.Store) error {
		_, err := s.DebitIfSufficient(ctx, acc.Ref(), 200)
		require.NoError(t, err)
		require.NoError(t, s.CreateAccount(ctx, &points.Account{Username: "ghost", Role: points.RoleMaster}))
		require.NoError(t, s.AppendEntries(ctx, []points.LedgerEntry{{UserID: acc.ID, Points: 200}}))
		require.NoError(t, s.SaveRefund(ctx, &points.RefundRequest{UserID: acc.ID, Status: points.RefundPending}))
		return boom
	})

	// THEN: none of it is visible
	assert.ErrorIs(t, err, boom)
	bal, err := m.Balance(ctx, acc.Ref())
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	ghost, err := m.FindByUsername(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, ghost)

	page, err := m.QueryEntries(ctx, acc.ID, points.Query{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	r, err := m.FindRefund(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestMemory_WithTx_CommitsOnSuccess(t *testing.T) {
	m := store.NewMemory()
	acc := newAccount(t, m, "epsilon", points.RoleOwner, 500)

	err := m.WithTx(ctx, func(s points.Store) error {
		_, err := s.Credit(ctx, acc.Ref(), 25)
		return err
	})

	require.NoError(t, err)
	bal, err := m.Balance(ctx, acc.Ref())
	require.NoError(t, err)
	assert.Equal(t, int64(525), bal)
}

func TestMemory_SaveRefund_UpdateUnknownFails(t *testing.T) {
	m := store.NewMemory()

	err := m.SaveRefund(ctx, &points.RefundRequest{ID: 12})
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestMemory_SaveRefund_SettledIsNeverRewritten(t *testing.T) {
	m := store.NewMemory()
	r := &points.RefundRequest{UserID: 3, Points: 300, Status: points.RefundPending}
	require.NoError(t, m.SaveRefund(ctx, r))

	r.Status = points.RefundRefunded
	require.NoError(t, m.SaveRefund(ctx, r))

	// WHEN: a stale copy tries to settle it again
	stale := *r
	stale.Status = points.RefundRejected
	err := m.SaveRefund(ctx, &stale)

	// THEN: the first settlement stands
	assert.ErrorIs(t, err, points.ErrRefundNotPending)
	assert.ErrorIs(t, err, points.ErrInvalidRequest)
	got, err := m.FindRefund(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, points.RefundRefunded, got.Status)
}

func TestMemory_RefundStatistics_BoundariesInclusive(t *testing.T) {
	m := store.NewMemory()
	for _, r := range []points.RefundRequest{
		{ParentID: 1, RequestedOn: 20250101, Status: points.RefundPending},
		{ParentID: 1, RequestedOn: 20250110, Status: points.RefundRefunded},
		{ParentID: 2, RequestedOn: 20250110, Status: points.RefundRejected},
	} {
		r := r
		require.NoError(t, m.SaveRefund(ctx, &r))
	}

	st, err := m.RefundStatistics(ctx, 1, points.RefundWindows{Week: 20250110, Month: 20250101, Year: 20240110})
	require.NoError(t, err)
	assert.Equal(t, points.RefundStats{Total: 2, LastWeek: 1, LastMonth: 2, LastYear: 2, Refunded: 1, Pending: 1}, st)
}

func TestMemory_ListPlans_OrderedByID(t *testing.T) {
	m := store.NewMemory()
	require.NoError(t, m.SavePlan(ctx, &points.Plan{ID: 7, Name: "seven"}))
	require.NoError(t, m.SavePlan(ctx, &points.Plan{Name: "eight"}))
	require.NoError(t, m.SavePlan(ctx, &points.Plan{ID: 2, Name: "two"}))

	plans, err := m.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 3)
	assert.Equal(t, []string{"two", "seven", "eight"}, []string{plans[0].Name, plans[1].Name, plans[2].Name})
}

func TestMemory_ConcurrentRefundRequestsFileOnce(t *testing.T) {
	storetest.RefundRequestRace(t, store.NewMemory())
}

func TestMemory_ConcurrentAcceptRefundAppliesOnce(t *testing.T) {
	storetest.RefundAcceptRace(t, store.NewMemory())
}
