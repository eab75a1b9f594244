/*
Package storetest runs engine-level races against any points.TxStore.

PURPOSE:
  Each backend serialises units of work differently: Memory and SQLite
  hold a process lock, PostgreSQL relies on row locks. These helpers drive
  the same refund races through the Engine so every backend is held to one
  outcome: exactly one writer wins and the ledger moves once.

USAGE:
  func TestRefundRaces(t *testing.T) {
      storetest.RefundRequestRace(t, newStore(t))
  }

  The store must be empty; the helpers seed their own hierarchy.

SEE ALSO:
  - points/refund.go: The workflow under test
  - store/postgres: FOR UPDATE reads inside WithTx
*/
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
)

// Racers is how many goroutines compete for the same refund.
const Racers = 8

type network struct {
	engine     *points.Engine
	store      points.TxStore
	owner      *points.Account
	subscriber *points.Account
}

// seedNetwork builds admin -> owner -> subscriber on a yearly plan.
func seedNetwork(t *testing.T, st points.TxStore) network {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, time.May, 7, 10, 0, 0, 0, time.UTC)
	engine := points.New(st, points.WithClock(func() time.Time { return now }))

	admin := &points.Account{Name: "admin", Username: "race.admin", Role: points.RoleAdmin,
		Points: 100_000, Enabled: true, CreatedAt: points.DateOf(now)}
	require.NoError(t, st.CreateAccount(ctx, admin))
	adminActor := points.Actor{UserID: admin.ID, Role: points.RoleAdmin}

	yearly := &points.Plan{Name: "Yearly", DurationInMonths: 12, RequiredPoints: 1200, Active: true}
	require.NoError(t, engine.SavePlan(ctx, adminActor, yearly))

	owner, err := engine.CreateAndFund(ctx, adminActor, points.CreateChild{
		Role: points.RoleOwner, Name: "owner", Username: "race.owner", Points: 10_000,
	})
	require.NoError(t, err)
	sub, err := engine.CreateAndFund(ctx, actorFor(owner.Account), points.CreateChild{
		Role: points.RoleSubscriber, Name: "sub", Username: "race.sub", PlanID: yearly.ID,
	})
	require.NoError(t, err)

	return network{engine: engine, store: st, owner: owner.Account, subscriber: sub.Account}
}

func actorFor(acc *points.Account) points.Actor {
	return points.Actor{UserID: acc.ID, Role: acc.Role}
}

// race runs op from Racers goroutines at once and returns every error.
func race(op func() error) []error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
		errs  []error
	)
	for i := 0; i < Racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := op()
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()
	return errs
}

// winners counts nil errors and checks every loser is an invalid request.
func winners(t *testing.T, errs []error) int {
	t.Helper()
	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.Equal(t, points.KindInvalidRequest, points.KindOf(err), "%v", err)
	}
	return won
}

func (n network) entryCount(t *testing.T, acc *points.Account) int {
	t.Helper()
	page, err := n.store.QueryEntries(context.Background(), acc.ID, points.Query{})
	require.NoError(t, err)
	return page.Total
}

func (n network) balance(t *testing.T, acc *points.Account) int64 {
	t.Helper()
	got, err := n.store.FindAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got.Points
}

// RefundRequestRace files the same refund from Racers goroutines. Exactly
// one request is recorded; the rest see the subscriber already locked.
func RefundRequestRace(t *testing.T, st points.TxStore) {
	t.Helper()
	ctx := context.Background()
	n := seedNetwork(t, st)

	errs := race(func() error {
		_, err := n.engine.RequestRefund(ctx, actorFor(n.owner), n.subscriber.ID, 3, "race")
		return err
	})

	assert.Equal(t, 1, winners(t, errs))
	page, err := n.engine.ListRefunds(ctx, actorFor(n.owner), points.Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	sub, err := st.FindSubscription(ctx, n.subscriber.ID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.False(t, sub.CanRefund)
	assert.Equal(t, 12, sub.RefundableMonths)
}

// RefundAcceptRace settles one pending refund from Racers goroutines. The
// owner is credited once, one ledger pair is written and the window shrinks
// once; every other accept sees the refund already settled.
func RefundAcceptRace(t *testing.T, st points.TxStore) {
	t.Helper()
	ctx := context.Background()
	n := seedNetwork(t, st)

	r, err := n.engine.RequestRefund(ctx, actorFor(n.owner), n.subscriber.ID, 3, "race")
	require.NoError(t, err)
	balance := n.balance(t, n.owner)
	ownerRows := n.entryCount(t, n.owner)
	subRows := n.entryCount(t, n.subscriber)
	before, err := st.FindSubscription(ctx, n.subscriber.ID)
	require.NoError(t, err)
	require.NotNil(t, before)

	errs := race(func() error {
		_, err := n.engine.AcceptRefund(ctx, actorFor(n.owner), r.ID)
		return err
	})

	assert.Equal(t, 1, winners(t, errs))
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, points.ErrRefundNotPending)
		}
	}

	assert.Equal(t, balance+r.Points, n.balance(t, n.owner))
	assert.Equal(t, ownerRows+1, n.entryCount(t, n.owner))
	assert.Equal(t, subRows+1, n.entryCount(t, n.subscriber))

	after, err := st.FindSubscription(ctx, n.subscriber.ID)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.True(t, after.CanRefund)
	assert.Equal(t, before.RefundableMonths-3, after.RefundableMonths)
	assert.Equal(t, before.EndAt.AddMonths(-3).AddDays(-1), after.EndAt)

	stored, err := st.FindRefund(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, points.RefundRefunded, stored.Status, "refund %d", r.ID)
}
