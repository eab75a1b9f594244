/*
scenarios_test.go - Tests for the demo scenarios

PURPOSE:
	Loads each scenario straight through Seed and checks the resulting
	balances, subscriptions and refund queue. The balances are worked out
	by hand from the loader steps, so a change to either side shows up here.
*/
package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/logging"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
)

func setupScenarioEngine(t *testing.T) *points.Engine {
	t.Helper()
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	return points.New(store.NewMemory(),
		points.WithLogger(logging.Discard()),
		points.WithClock(func() time.Time { return now }),
	)
}

func TestSeed_ResellerNetworkBalances(t *testing.T) {
	engine := setupScenarioEngine(t)

	result, err := Seed(ctxBG, engine, "reseller-network")
	require.NoError(t, err)
	assert.Len(t, result.Plans, 3)

	expected := map[string]int64{
		"admin":  AdminPoints - 200_000,
		"acme":   200_000 - 60_000 - 10_000 - 300 + 2_000,
		"north":  60_000 - 20_000 - 5_000,
		"harbor": 20_000 - 300 - 800 - 3_000 - 300 + 5_000,
		"direct": 10_000 - 3_000 - 2_000,
	}
	admin := points.Actor{UserID: result.Accounts["admin"], Role: points.RoleAdmin}
	var held int64
	for name, want := range expected {
		acc, _, err := engine.Account(ctxBG, admin, result.Accounts[name])
		require.NoError(t, err, name)
		assert.Equal(t, want, acc.Points, name)
		held += acc.Points
	}

	// everything not held by a reseller went into subscriptions
	spent := int64(300 + 300 + 300 + 800 + 3_000 + 3_000)
	assert.Equal(t, int64(AdminPoints), held+spent)

	for _, name := range []string{"acme.ops", "harbor.desk", "alice", "dana"} {
		acc, _, err := engine.Account(ctxBG, admin, result.Accounts[name])
		require.NoError(t, err, name)
		assert.Zero(t, acc.Points, name)
	}
}

func TestSeed_SubscriptionsFollowPlans(t *testing.T) {
	engine := setupScenarioEngine(t)
	result, err := Seed(ctxBG, engine, "reseller-network")
	require.NoError(t, err)

	// acme owns the whole network
	acme := points.Actor{UserID: result.Accounts["acme"], Role: points.RoleOwner}
	_, alice, err := engine.Account(ctxBG, acme, result.Accounts["alice"])
	require.NoError(t, err)
	require.NotNil(t, alice)
	// created on Monthly, then recharged with another month on top
	assert.Equal(t, alice.StartAt.AddMonths(2), alice.EndAt)
	assert.Equal(t, result.Plans["Monthly"], alice.PlanID)

	_, chen, err := engine.Account(ctxBG, acme, result.Accounts["chen"])
	require.NoError(t, err)
	assert.Equal(t, 12, chen.RefundableMonths)
	assert.True(t, chen.CanRefund)
}

func TestSeed_RefundReviewQueue(t *testing.T) {
	engine := setupScenarioEngine(t)
	result, err := Seed(ctxBG, engine, "refund-review")
	require.NoError(t, err)

	owner := points.Actor{UserID: result.Accounts["acme"], Role: points.RoleOwner}
	all, err := engine.ListRefunds(ctxBG, owner, points.Query{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)

	harbor := points.Actor{UserID: result.Accounts["harbor"], Role: points.RoleMaster}
	page, err := engine.ListRefunds(ctxBG, harbor, points.Query{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	byUser := map[string]points.RefundRequest{}
	for _, r := range page.Items {
		byUser[r.Username] = r
		assert.Equal(t, points.RefundPending, r.Status)
		assert.Equal(t, result.Accounts["harbor"], r.ParentID)
	}
	assert.Equal(t, int64(1_500), byUser["chen"].Points)
	assert.Equal(t, points.RefundTypePartial, byUser["chen"].RefundType)
	assert.Equal(t, int64(266), byUser["bruno"].Points)

	// the front desk manager filed bruno's refund on harbor's behalf
	assert.Equal(t, result.Accounts["harbor"], byUser["bruno"].RequesterID)

	stats, err := engine.RefundHistory(ctxBG, result.Accounts["direct"])
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestSeed_ReloadStartsClean(t *testing.T) {
	engine := setupScenarioEngine(t)

	_, err := Seed(ctxBG, engine, "refund-review")
	require.NoError(t, err)
	result, err := Seed(ctxBG, engine, "reseller-network")
	require.NoError(t, err)

	owner := points.Actor{UserID: result.Accounts["acme"], Role: points.RoleOwner}
	page, err := engine.ListRefunds(ctxBG, owner, points.Query{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestSeed_UnknownScenario(t *testing.T) {
	engine := setupScenarioEngine(t)

	_, err := Seed(ctxBG, engine, "black-friday")
	assert.Equal(t, points.KindInvalidRequest, points.KindOf(err))
}
