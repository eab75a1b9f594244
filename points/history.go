package points

import (
	"context"
	"fmt"
	"strconv"
)

// =============================================================================
// HISTORY READER - read-only views, no unit of work needed
// =============================================================================

var (
	ledgerFilters = map[string]bool{ColIsCredit: true}
	ledgerSorts   = map[string]bool{ColCreatedAt: true, ColPoints: true, ColIsCredit: true, ColDescription: true}

	refundFilters = map[string]bool{ColType: true, ColStatus: true, ColUsername: true, ColParentID: true}
	refundSorts   = map[string]bool{ColRequestedOn: true, ColCreatedAt: true, ColPoints: true, ColMonths: true, ColStatus: true, ColUsername: true}
)

// RefundHistory counts a parent's refunds, overall and over the last week,
// month and year, measured back from today by calendar arithmetic.
func (e *Engine) RefundHistory(ctx context.Context, parentID int64) (RefundStats, error) {
	today := e.today()
	return e.store.RefundStatistics(ctx, parentID, RefundWindows{
		Week:  today.AddDays(-7),
		Month: today.AddMonths(-1),
		Year:  today.AddYears(-1),
	})
}

// ListTransactions pages through the ledger rows of the actor's effective
// account. Managers see their parent's ledger.
func (e *Engine) ListTransactions(ctx context.Context, actor Actor, q Query) (Page[LedgerEntry], error) {
	q = q.Normalized()
	if err := checkQuery(q, ledgerFilters, ledgerSorts); err != nil {
		return Page[LedgerEntry]{}, err
	}
	if v, ok := q.Column(ColIsCredit); ok {
		if _, err := strconv.ParseBool(v); err != nil {
			return Page[LedgerEntry]{}, invalid(fmt.Sprintf("isCredit must be true or false, got %q", v))
		}
	}

	acc, err := effectiveParent(ctx, e.store, actor)
	if err != nil {
		return Page[LedgerEntry]{}, err
	}
	return e.store.QueryEntries(ctx, acc.ID, q)
}

// ListRefunds pages through refund requests. Admins and Owners see every
// request; other roles only those filed against their effective parent.
// An unrecognised status filter matches nothing.
func (e *Engine) ListRefunds(ctx context.Context, actor Actor, q Query) (Page[RefundRequest], error) {
	q = q.Normalized()
	empty := Page[RefundRequest]{Items: []RefundRequest{}, PageIndex: q.Pagination.PageIndex, PageSize: q.Pagination.PageSize}
	if err := checkQuery(q, refundFilters, refundSorts); err != nil {
		return empty, err
	}
	if v, ok := q.Column(ColStatus); ok {
		st, ok := ParseRefundStatus(v)
		if !ok {
			return empty, nil
		}
		q = withColumn(q, ColStatus, string(st))
	}

	acc, err := effectiveParent(ctx, e.store, actor)
	if err != nil {
		return empty, err
	}
	if acc.Role != RoleAdmin && acc.Role != RoleOwner {
		q = withColumn(q, ColParentID, strconv.FormatInt(acc.ID, 10))
	} else if v, ok := q.Column(ColParentID); ok {
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return empty, invalid(fmt.Sprintf("parentId must be numeric, got %q", v))
		}
	}
	return e.store.QueryRefunds(ctx, q)
}

// Plans lists every plan, active or not.
func (e *Engine) Plans(ctx context.Context) ([]Plan, error) {
	return e.store.ListPlans(ctx)
}

// SavePlan creates or updates a plan. Admin only.
func (e *Engine) SavePlan(ctx context.Context, actor Actor, p *Plan) error {
	if actor.Role != RoleAdmin {
		return &PermissionDeniedError{Role: actor.Role, Task: "manage plans"}
	}
	if p.Name == "" {
		return invalid("plan name is required")
	}
	if p.DurationInMonths < 0 || p.DurationInDays < 0 || p.RequiredPoints < 0 {
		return invalid("plan durations and price cannot be negative")
	}
	if p.DurationInMonths == 0 && p.DurationInDays == 0 {
		return invalid("plan must last at least one day")
	}
	if p.Type == "" {
		p.Type = PlanPaid
	}
	err := e.withTx(ctx, "save_plan", actor, func(s Store) error {
		return s.SavePlan(ctx, p)
	})
	if err != nil {
		return err
	}
	e.plans.Invalidate(p.ID)
	return nil
}

// Account returns a single account by id. Admin sees every account; anyone
// else sees itself, its effective parent and the accounts below that parent.
func (e *Engine) Account(ctx context.Context, actor Actor, id int64) (*Account, *Subscription, error) {
	acc, err := e.store.FindAccount(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if acc == nil {
		return nil, nil, &NotFoundError{Kind: EntityUser, ID: id}
	}
	if err := canView(ctx, e.store, actor, acc); err != nil {
		return nil, nil, err
	}
	if acc.Role != RoleSubscriber {
		return acc, nil, nil
	}
	sub, err := e.store.FindSubscription(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return acc, sub, nil
}

func canView(ctx context.Context, s AccountStore, actor Actor, acc *Account) error {
	viewer, err := effectiveParent(ctx, s, actor)
	if err != nil {
		return err
	}
	if viewer.Role == RoleAdmin || acc.ID == actor.UserID || acc.ID == viewer.ID {
		return nil
	}
	ok, err := withinHierarchy(ctx, s, acc, viewer.ID)
	if err != nil {
		return err
	}
	if !ok {
		return &PermissionDeniedError{Role: actor.Role, Task: fmt.Sprintf("view account %d", acc.ID)}
	}
	return nil
}

func checkQuery(q Query, filters, sorts map[string]bool) error {
	for _, f := range q.ColumnFilters {
		if !filters[f.ID] {
			return invalid(fmt.Sprintf("unknown filter column %q", f.ID))
		}
	}
	for _, s := range q.Sorting {
		if !sorts[s.ID] {
			return invalid(fmt.Sprintf("unknown sort column %q", s.ID))
		}
	}
	return nil
}

// withColumn replaces or appends a column filter without touching the
// caller's slice.
func withColumn(q Query, id, value string) Query {
	out := make([]ColumnFilter, 0, len(q.ColumnFilters)+1)
	for _, f := range q.ColumnFilters {
		if f.ID != id {
			out = append(out, f)
		}
	}
	q.ColumnFilters = append(out, ColumnFilter{ID: id, Value: value})
	return q
}
