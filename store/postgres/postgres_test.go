package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/storetest"
	"github.com/warp/points-engine/store/postgres"
)

func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dbURL := os.Getenv("POINTS_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("POINTS_TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	ctx := context.Background()
	store, err := postgres.Open(ctx, dbURL)
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx))
	t.Cleanup(func() {
		_ = store.Reset(context.Background())
		store.Close()
	})
	return store
}

func TestPostgres_EnsureSchemaIdempotent(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.EnsureSchema(context.Background()))
}

func TestPostgres_DebitAndDuplicateUsername(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	owner := &points.Account{Name: "o", Username: "owner", Role: points.RoleOwner, Points: 100, Enabled: true}
	require.NoError(t, store.CreateAccount(ctx, owner))

	err := store.CreateAccount(ctx, &points.Account{Name: "x", Username: "OWNER", Role: points.RoleMaster})
	assert.ErrorIs(t, err, points.ErrDuplicateUsername)

	before, err := store.DebitIfSufficient(ctx, owner.Ref(), 60)
	require.NoError(t, err)
	assert.Equal(t, int64(100), before)

	_, err = store.DebitIfSufficient(ctx, owner.Ref(), 60)
	assert.ErrorIs(t, err, points.ErrInsufficientPoints)
}

func TestPostgres_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	owner := &points.Account{Name: "o", Username: "owner", Role: points.RoleOwner, Points: 100, Enabled: true}
	require.NoError(t, store.CreateAccount(ctx, owner))

	// WHEN: ten transactions race to take 20 points each
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithTx(ctx, func(s points.Store) error {
				_, err := s.DebitIfSufficient(ctx, owner.Ref(), 20)
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// THEN: exactly five win and the balance is zero
	assert.Equal(t, 5, succeeded)
	bal, err := store.Balance(ctx, owner.Ref())
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestPostgres_ConcurrentRefundRequestsFileOnce(t *testing.T) {
	storetest.RefundRequestRace(t, setupTestStore(t))
}

func TestPostgres_ConcurrentAcceptRefundAppliesOnce(t *testing.T) {
	storetest.RefundAcceptRace(t, setupTestStore(t))
}

func TestPostgres_SettledRefundIsNeverRewritten(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	owner := &points.Account{Name: "o", Username: "owner", Role: points.RoleOwner, Enabled: true}
	require.NoError(t, store.CreateAccount(ctx, owner))
	r := &points.RefundRequest{UserID: owner.ID, ParentID: owner.ID, Status: points.RefundPending, RequestedOn: 20250501}
	require.NoError(t, store.SaveRefund(ctx, r))

	r.Status = points.RefundRejected
	require.NoError(t, store.SaveRefund(ctx, r))

	r.Status = points.RefundRefunded
	err := store.SaveRefund(ctx, r)
	assert.ErrorIs(t, err, points.ErrRefundNotPending)

	err = store.SaveRefund(ctx, &points.RefundRequest{ID: 999, Status: points.RefundRefunded})
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestPostgres_RefundListing(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	owner := &points.Account{Name: "o", Username: "owner", Role: points.RoleOwner, Enabled: true}
	require.NoError(t, store.CreateAccount(ctx, owner))
	sub := &points.Account{Name: "s", Username: "sub", Role: points.RoleSubscriber, ParentID: owner.ID, ParentRole: points.RoleOwner}
	require.NoError(t, store.CreateAccount(ctx, sub))

	require.NoError(t, store.SaveRefund(ctx, &points.RefundRequest{
		UserID: sub.ID, Username: "sub", ParentID: owner.ID, RequesterID: owner.ID,
		RefundType: points.RefundTypeFull, RefundingMonths: 1, Status: points.RefundPending,
		RequestedOn: 20250501,
	}))

	page, err := store.QueryRefunds(ctx, points.Query{
		ColumnFilters: []points.ColumnFilter{{ID: points.ColStatus, Value: string(points.RefundPending)}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	st, err := store.RefundStatistics(ctx, owner.ID, points.RefundWindows{Week: 20250430, Month: 20250401, Year: 20240501})
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.LastWeek)
	assert.Equal(t, int64(1), st.Pending)
}
