// Package store provides an in-memory points.TxStore.
package store

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is safe for concurrent use. Every call takes the lock; WithTx holds
// the write lock for the whole unit of work.
type Memory struct {
	mu sync.RWMutex
	d  *data
}

type data struct {
	accounts      map[int64]points.Account
	subscriptions map[int64]points.Subscription
	plans         map[int64]points.Plan
	refunds       map[int64]points.RefundRequest
	entries       []points.LedgerEntry

	nextAccount int64
	nextPlan    int64
	nextRefund  int64
	nextEntry   int64
}

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

func newData() *data {
	return &data{
		accounts:      make(map[int64]points.Account),
		subscriptions: make(map[int64]points.Subscription),
		plans:         make(map[int64]points.Plan),
		refunds:       make(map[int64]points.RefundRequest),
	}
}

var _ points.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction, simulated with a snapshot that
// is restored if fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(points.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(m.d); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Reset drops all data.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d = newData()
	return nil
}

func (d *data) clone() *data {
	c := *d
	c.accounts = cloneMap(d.accounts)
	c.subscriptions = cloneMap(d.subscriptions)
	c.plans = cloneMap(d.plans)
	c.refunds = cloneMap(d.refunds)
	c.entries = slices.Clone(d.entries)
	return &c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// LOCKED WRAPPERS
// =============================================================================

func (m *Memory) FindAccount(ctx context.Context, id int64) (*points.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.FindAccount(ctx, id)
}

func (m *Memory) FindByUsername(ctx context.Context, username string) (*points.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.FindByUsername(ctx, username)
}

func (m *Memory) CreateAccount(ctx context.Context, acc *points.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateAccount(ctx, acc)
}

func (m *Memory) SetLastRecharge(ctx context.Context, id int64, d points.Date) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SetLastRecharge(ctx, id, d)
}

func (m *Memory) Balance(ctx context.Context, ref points.AccountRef) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Balance(ctx, ref)
}

func (m *Memory) DebitIfSufficient(ctx context.Context, ref points.AccountRef, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DebitIfSufficient(ctx, ref, n)
}

func (m *Memory) Credit(ctx context.Context, ref points.AccountRef, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.Credit(ctx, ref, n)
}

func (m *Memory) FindSubscription(ctx context.Context, id int64) (*points.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.FindSubscription(ctx, id)
}

func (m *Memory) SaveSubscription(ctx context.Context, sub *points.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SaveSubscription(ctx, sub)
}

func (m *Memory) FindPlan(ctx context.Context, id int64) (*points.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.FindPlan(ctx, id)
}

func (m *Memory) SavePlan(ctx context.Context, p *points.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SavePlan(ctx, p)
}

func (m *Memory) ListPlans(ctx context.Context) ([]points.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ListPlans(ctx)
}

func (m *Memory) AppendEntries(ctx context.Context, entries []points.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.AppendEntries(ctx, entries)
}

func (m *Memory) QueryEntries(ctx context.Context, userID int64, q points.Query) (points.Page[points.LedgerEntry], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.QueryEntries(ctx, userID, q)
}

func (m *Memory) FindRefund(ctx context.Context, id int64) (*points.RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.FindRefund(ctx, id)
}

func (m *Memory) SaveRefund(ctx context.Context, r *points.RefundRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SaveRefund(ctx, r)
}

func (m *Memory) QueryRefunds(ctx context.Context, q points.Query) (points.Page[points.RefundRequest], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.QueryRefunds(ctx, q)
}

func (m *Memory) RefundStatistics(ctx context.Context, parentID int64, since points.RefundWindows) (points.RefundStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.RefundStatistics(ctx, parentID, since)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (d *data) FindAccount(_ context.Context, id int64) (*points.Account, error) {
	acc, ok := d.accounts[id]
	if !ok {
		return nil, nil
	}
	return &acc, nil
}

func (d *data) FindByUsername(_ context.Context, username string) (*points.Account, error) {
	username = points.NormalizeUsername(username)
	for _, acc := range d.accounts {
		if acc.Username == username {
			return &acc, nil
		}
	}
	return nil, nil
}

func (d *data) CreateAccount(ctx context.Context, acc *points.Account) error {
	acc.Username = points.NormalizeUsername(acc.Username)
	if existing, _ := d.FindByUsername(ctx, acc.Username); existing != nil {
		return points.ErrDuplicateUsername
	}
	d.nextAccount++
	acc.ID = d.nextAccount
	d.accounts[acc.ID] = *acc
	return nil
}

func (d *data) SetLastRecharge(_ context.Context, id int64, date points.Date) error {
	acc, ok := d.accounts[id]
	if !ok {
		return &points.NotFoundError{Kind: points.EntityUser, ID: id}
	}
	acc.LastRecharge = date
	d.accounts[id] = acc
	return nil
}

func (d *data) account(ref points.AccountRef) (points.Account, error) {
	acc, ok := d.accounts[ref.ID]
	if !ok || acc.Role != ref.Role {
		return acc, &points.NotFoundError{Kind: points.EntityUser, ID: ref.ID}
	}
	return acc, nil
}

func (d *data) Balance(_ context.Context, ref points.AccountRef) (int64, error) {
	acc, err := d.account(ref)
	if err != nil {
		return 0, err
	}
	return acc.Points, nil
}

func (d *data) DebitIfSufficient(_ context.Context, ref points.AccountRef, n int64) (int64, error) {
	acc, err := d.account(ref)
	if err != nil {
		return 0, err
	}
	if acc.Points < n {
		return 0, &points.InsufficientPointsError{AccountID: ref.ID, Role: ref.Role, Available: acc.Points, Requested: n}
	}
	before := acc.Points
	acc.Points -= n
	d.accounts[acc.ID] = acc
	return before, nil
}

func (d *data) Credit(_ context.Context, ref points.AccountRef, n int64) (int64, error) {
	acc, err := d.account(ref)
	if err != nil {
		return 0, err
	}
	before := acc.Points
	acc.Points += n
	d.accounts[acc.ID] = acc
	return before, nil
}

// =============================================================================
// SUBSCRIPTIONS & PLANS
// =============================================================================

func (d *data) FindSubscription(_ context.Context, id int64) (*points.Subscription, error) {
	sub, ok := d.subscriptions[id]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (d *data) SaveSubscription(_ context.Context, sub *points.Subscription) error {
	d.subscriptions[sub.SubscriberID] = *sub
	return nil
}

func (d *data) FindPlan(_ context.Context, id int64) (*points.Plan, error) {
	p, ok := d.plans[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (d *data) SavePlan(_ context.Context, p *points.Plan) error {
	if p.ID == 0 {
		d.nextPlan++
		p.ID = d.nextPlan
	} else if p.ID > d.nextPlan {
		d.nextPlan = p.ID
	}
	d.plans[p.ID] = *p
	return nil
}

func (d *data) ListPlans(_ context.Context) ([]points.Plan, error) {
	out := make([]points.Plan, 0, len(d.plans))
	for _, p := range d.plans {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b points.Plan) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// =============================================================================
// LEDGER - append-only
// =============================================================================

func (d *data) AppendEntries(_ context.Context, entries []points.LedgerEntry) error {
	for i := range entries {
		d.nextEntry++
		entries[i].ID = d.nextEntry
		d.entries = append(d.entries, entries[i])
	}
	return nil
}

func (d *data) QueryEntries(_ context.Context, userID int64, q points.Query) (points.Page[points.LedgerEntry], error) {
	q = q.Normalized()
	global := strings.ToLower(q.GlobalFilter)
	credit, hasCredit := q.Column(points.ColIsCredit)

	var rows []points.LedgerEntry
	for _, e := range d.entries {
		if e.UserID != userID {
			continue
		}
		if global != "" && !strings.Contains(strings.ToLower(e.Description), global) {
			continue
		}
		if hasCredit && strconv.FormatBool(e.IsCredit) != strings.ToLower(credit) {
			continue
		}
		rows = append(rows, e)
	}

	slices.SortStableFunc(rows, func(a, b points.LedgerEntry) int {
		for _, s := range q.Sorting {
			var c int
			switch s.ID {
			case points.ColCreatedAt:
				c = cmp.Compare(a.CreatedAt, b.CreatedAt)
			case points.ColPoints:
				c = cmp.Compare(a.Points, b.Points)
			case points.ColIsCredit:
				c = cmp.Compare(boolInt(a.IsCredit), boolInt(b.IsCredit))
			case points.ColDescription:
				c = cmp.Compare(a.Description, b.Description)
			}
			if s.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return paginate(rows, q), nil
}

// =============================================================================
// REFUNDS
// =============================================================================

func (d *data) FindRefund(_ context.Context, id int64) (*points.RefundRequest, error) {
	r, ok := d.refunds[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (d *data) SaveRefund(_ context.Context, r *points.RefundRequest) error {
	if r.ID == 0 {
		d.nextRefund++
		r.ID = d.nextRefund
	} else if stored, ok := d.refunds[r.ID]; !ok {
		return &points.NotFoundError{Kind: points.EntityRefund, ID: r.ID}
	} else if stored.Status != points.RefundPending {
		return points.NewRefundNotPending()
	}
	d.refunds[r.ID] = *r
	return nil
}

func (d *data) QueryRefunds(_ context.Context, q points.Query) (points.Page[points.RefundRequest], error) {
	q = q.Normalized()
	global := strings.ToLower(q.GlobalFilter)

	var rows []points.RefundRequest
	for _, r := range d.refunds {
		if global != "" &&
			!strings.Contains(strings.ToLower(r.Reason), global) &&
			!strings.Contains(strings.ToLower(r.Username), global) {
			continue
		}
		if !matchRefund(r, q.ColumnFilters) {
			continue
		}
		rows = append(rows, r)
	}

	slices.SortStableFunc(rows, func(a, b points.RefundRequest) int {
		for _, s := range q.Sorting {
			var c int
			switch s.ID {
			case points.ColRequestedOn:
				c = cmp.Compare(a.RequestedOn, b.RequestedOn)
			case points.ColCreatedAt:
				c = cmp.Compare(a.CreatedAt, b.CreatedAt)
			case points.ColPoints:
				c = cmp.Compare(a.Points, b.Points)
			case points.ColMonths:
				c = cmp.Compare(a.RefundingMonths, b.RefundingMonths)
			case points.ColStatus:
				c = cmp.Compare(a.Status, b.Status)
			case points.ColUsername:
				c = cmp.Compare(a.Username, b.Username)
			}
			if s.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return paginate(rows, q), nil
}

func matchRefund(r points.RefundRequest, filters []points.ColumnFilter) bool {
	for _, f := range filters {
		switch f.ID {
		case points.ColType:
			if !strings.EqualFold(r.RefundType, f.Value) {
				return false
			}
		case points.ColStatus:
			if string(r.Status) != f.Value {
				return false
			}
		case points.ColUsername:
			if r.Username != points.NormalizeUsername(f.Value) {
				return false
			}
		case points.ColParentID:
			if strconv.FormatInt(r.ParentID, 10) != f.Value {
				return false
			}
		}
	}
	return true
}

func (d *data) RefundStatistics(_ context.Context, parentID int64, since points.RefundWindows) (points.RefundStats, error) {
	var st points.RefundStats
	for _, r := range d.refunds {
		if r.ParentID != parentID {
			continue
		}
		st.Total++
		if !r.RequestedOn.Before(since.Week) {
			st.LastWeek++
		}
		if !r.RequestedOn.Before(since.Month) {
			st.LastMonth++
		}
		if !r.RequestedOn.Before(since.Year) {
			st.LastYear++
		}
		switch r.Status {
		case points.RefundRefunded:
			st.Refunded++
		case points.RefundRejected:
			st.Rejected++
		case points.RefundPending:
			st.Pending++
		}
	}
	return st, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func paginate[T any](rows []T, q points.Query) points.Page[T] {
	page := points.Page[T]{
		Items:     []T{},
		Total:     len(rows),
		PageIndex: q.Pagination.PageIndex,
		PageSize:  q.Pagination.PageSize,
	}
	start := min(q.Offset(), len(rows))
	end := min(start+q.Limit(), len(rows))
	page.Items = append(page.Items, rows[start:end]...)
	return page
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
