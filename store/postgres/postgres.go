/*
Package postgres provides a PostgreSQL-backed implementation of points.TxStore.

PURPOSE:
  Same contract and schema shape as store/sqlite, on a pgx connection pool.
  Used when the server runs with --db-driver postgres.

CONCURRENCY:
  No process-level lock. The conditional debit is a single UPDATE, so two
  transactions debiting the same account serialise on its row lock and the
  loser sees the reduced balance.

  Inside WithTx, FindRefund and FindSubscription read with FOR UPDATE. A
  second accept or request on the same row blocks until the first commits
  and then sees the settled status or the cleared CanRefund flag. Locks are
  taken refund, then subscription, then account. The refund UPDATE also
  requires status PENDING, so a stale writer fails instead of applying twice.

SEE ALSO:
  - store/sqlite: Reference implementation of the same contract
  - store/sqlq: Shared listing SQL ($n placeholders here)
*/
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/sqlq"
)

// Store implements points.TxStore on a pgx pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

var _ points.TxStore = (*Store)(nil)

// Open connects to databaseURL and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. Call EnsureSchema before use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{q: pool}, pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// EnsureSchema creates the tables and indices if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
    id            BIGSERIAL PRIMARY KEY,
    name          TEXT NOT NULL,
    username      TEXT NOT NULL UNIQUE,
    role          TEXT NOT NULL,
    points        BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
    parent_id     BIGINT REFERENCES accounts(id),
    parent_role   TEXT NOT NULL DEFAULT '',
    enabled       BOOLEAN NOT NULL DEFAULT TRUE,
    last_recharge INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL DEFAULT 0
)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_parent ON accounts (parent_id)`,
		`CREATE TABLE IF NOT EXISTS plans (
    id              BIGSERIAL PRIMARY KEY,
    name            TEXT NOT NULL,
    duration_months INTEGER NOT NULL DEFAULT 0,
    duration_days   INTEGER NOT NULL DEFAULT 0,
    plan_type       TEXT NOT NULL DEFAULT 'PAID',
    required_points BIGINT NOT NULL DEFAULT 0 CHECK (required_points >= 0),
    active          BOOLEAN NOT NULL DEFAULT TRUE
)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
    subscriber_id     BIGINT PRIMARY KEY REFERENCES accounts(id),
    plan_id           BIGINT NOT NULL REFERENCES plans(id),
    start_at          INTEGER NOT NULL,
    end_at            INTEGER NOT NULL,
    last_recharge     INTEGER NOT NULL,
    can_refund        BOOLEAN NOT NULL DEFAULT TRUE,
    refundable_months INTEGER NOT NULL DEFAULT 0 CHECK (refundable_months >= 0)
)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
    id            BIGSERIAL PRIMARY KEY,
    transfer_id   TEXT NOT NULL,
    user_id       BIGINT NOT NULL REFERENCES accounts(id),
    points        BIGINT NOT NULL CHECK (points >= 0),
    description   TEXT NOT NULL DEFAULT '',
    is_credit     BOOLEAN NOT NULL,
    created_at    BIGINT NOT NULL,
    before_points BIGINT NOT NULL,
    after_points  BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user_created ON ledger_entries (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_transfer ON ledger_entries (transfer_id)`,
		`CREATE TABLE IF NOT EXISTS refunds (
    id                      BIGSERIAL PRIMARY KEY,
    user_id                 BIGINT NOT NULL REFERENCES accounts(id),
    username                TEXT NOT NULL,
    parent_id               BIGINT NOT NULL,
    requester_id            BIGINT NOT NULL,
    subscription_name       TEXT NOT NULL DEFAULT '',
    subscription_started_at INTEGER NOT NULL DEFAULT 0,
    refund_type             TEXT NOT NULL,
    refunding_months        INTEGER NOT NULL,
    points                  BIGINT NOT NULL DEFAULT 0,
    reason                  TEXT NOT NULL DEFAULT '',
    status                  TEXT NOT NULL CHECK (status IN ('PENDING', 'REFUNDED', 'REJECTED')),
    requested_on            INTEGER NOT NULL,
    created_at              BIGINT NOT NULL,
    updated_at              BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_refunds_parent ON refunds (parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_refunds_status ON refunds (status)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure points schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn in one transaction, committed only if fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(store points.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&queries{q: tx, lock: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) AppendEntries(ctx context.Context, entries []points.LedgerEntry) error {
	return s.WithTx(ctx, func(st points.Store) error {
		return st.AppendEntries(ctx, entries)
	})
}

// Reset truncates every table.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE ledger_entries, refunds, subscriptions, accounts, plans RESTART IDENTITY CASCADE`)
	return err
}

// =============================================================================
// QUERIES
// =============================================================================

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q dbtx
	// lock adds FOR UPDATE to reads of rows a unit of work will rewrite.
	lock bool
}

func (q *queries) forUpdate() string {
	if q.lock {
		return " FOR UPDATE"
	}
	return ""
}

const accountColumns = `id, name, username, role, points, COALESCE(parent_id, 0), parent_role,
	enabled, last_recharge, created_at`

func scanAccount(row pgx.Row) (*points.Account, error) {
	var a points.Account
	err := row.Scan(&a.ID, &a.Name, &a.Username, &a.Role, &a.Points, &a.ParentID, &a.ParentRole,
		&a.Enabled, &a.LastRecharge, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (q *queries) FindAccount(ctx context.Context, id int64) (*points.Account, error) {
	return scanAccount(q.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (q *queries) FindByUsername(ctx context.Context, username string) (*points.Account, error) {
	return scanAccount(q.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE username = $1`, points.NormalizeUsername(username)))
}

func (q *queries) CreateAccount(ctx context.Context, acc *points.Account) error {
	acc.Username = points.NormalizeUsername(acc.Username)
	var parent *int64
	if acc.ParentID != 0 {
		parent = &acc.ParentID
	}
	err := q.q.QueryRow(ctx, `
		INSERT INTO accounts (name, username, role, points, parent_id, parent_role, enabled, last_recharge, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		acc.Name, acc.Username, acc.Role, acc.Points, parent, acc.ParentRole,
		acc.Enabled, acc.LastRecharge, acc.CreatedAt).Scan(&acc.ID)
	if isUniqueViolation(err) {
		return points.ErrDuplicateUsername
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (q *queries) SetLastRecharge(ctx context.Context, id int64, d points.Date) error {
	tag, err := q.q.Exec(ctx, `UPDATE accounts SET last_recharge = $1 WHERE id = $2`, d, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &points.NotFoundError{Kind: points.EntityUser, ID: id}
	}
	return nil
}

func (q *queries) Balance(ctx context.Context, ref points.AccountRef) (int64, error) {
	var pts int64
	err := q.q.QueryRow(ctx, `SELECT points FROM accounts WHERE id = $1 AND role = $2`, ref.ID, ref.Role).Scan(&pts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &points.NotFoundError{Kind: points.EntityUser, ID: ref.ID}
	}
	return pts, err
}

func (q *queries) DebitIfSufficient(ctx context.Context, ref points.AccountRef, n int64) (int64, error) {
	var after int64
	err := q.q.QueryRow(ctx, `
		UPDATE accounts SET points = points - $1
		WHERE id = $2 AND role = $3 AND points >= $1
		RETURNING points`, n, ref.ID, ref.Role).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		available, berr := q.Balance(ctx, ref)
		if berr != nil {
			return 0, berr
		}
		return 0, &points.InsufficientPointsError{AccountID: ref.ID, Role: ref.Role, Available: available, Requested: n}
	}
	if err != nil {
		return 0, fmt.Errorf("debit account %d: %w", ref.ID, err)
	}
	return after + n, nil
}

func (q *queries) Credit(ctx context.Context, ref points.AccountRef, n int64) (int64, error) {
	var after int64
	err := q.q.QueryRow(ctx, `
		UPDATE accounts SET points = points + $1
		WHERE id = $2 AND role = $3
		RETURNING points`, n, ref.ID, ref.Role).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &points.NotFoundError{Kind: points.EntityUser, ID: ref.ID}
	}
	if err != nil {
		return 0, fmt.Errorf("credit account %d: %w", ref.ID, err)
	}
	return after - n, nil
}

func (q *queries) FindSubscription(ctx context.Context, subscriberID int64) (*points.Subscription, error) {
	var sub points.Subscription
	err := q.q.QueryRow(ctx, `
		SELECT subscriber_id, plan_id, start_at, end_at, last_recharge, can_refund, refundable_months
		FROM subscriptions WHERE subscriber_id = $1`+q.forUpdate(), subscriberID).
		Scan(&sub.SubscriberID, &sub.PlanID, &sub.StartAt, &sub.EndAt, &sub.LastRecharge, &sub.CanRefund, &sub.RefundableMonths)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (q *queries) SaveSubscription(ctx context.Context, sub *points.Subscription) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO subscriptions (subscriber_id, plan_id, start_at, end_at, last_recharge, can_refund, refundable_months)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subscriber_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			last_recharge = EXCLUDED.last_recharge,
			can_refund = EXCLUDED.can_refund,
			refundable_months = EXCLUDED.refundable_months`,
		sub.SubscriberID, sub.PlanID, sub.StartAt, sub.EndAt, sub.LastRecharge, sub.CanRefund, sub.RefundableMonths)
	if err != nil {
		return fmt.Errorf("save subscription %d: %w", sub.SubscriberID, err)
	}
	return nil
}

const planColumns = `id, name, duration_months, duration_days, plan_type, required_points, active`

func scanPlan(row pgx.Row) (*points.Plan, error) {
	var p points.Plan
	err := row.Scan(&p.ID, &p.Name, &p.DurationInMonths, &p.DurationInDays, &p.Type, &p.RequiredPoints, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *queries) FindPlan(ctx context.Context, id int64) (*points.Plan, error) {
	return scanPlan(q.q.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

func (q *queries) SavePlan(ctx context.Context, p *points.Plan) error {
	if p.ID == 0 {
		err := q.q.QueryRow(ctx, `
			INSERT INTO plans (name, duration_months, duration_days, plan_type, required_points, active)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			p.Name, p.DurationInMonths, p.DurationInDays, p.Type, p.RequiredPoints, p.Active).Scan(&p.ID)
		if err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}
		return nil
	}
	_, err := q.q.Exec(ctx, `
		INSERT INTO plans (id, name, duration_months, duration_days, plan_type, required_points, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			duration_months = EXCLUDED.duration_months,
			duration_days = EXCLUDED.duration_days,
			plan_type = EXCLUDED.plan_type,
			required_points = EXCLUDED.required_points,
			active = EXCLUDED.active`,
		p.ID, p.Name, p.DurationInMonths, p.DurationInDays, p.Type, p.RequiredPoints, p.Active)
	if err != nil {
		return fmt.Errorf("save plan %d: %w", p.ID, err)
	}
	// keep the sequence ahead of explicitly numbered plans
	_, err = q.q.Exec(ctx, `SELECT setval(pg_get_serial_sequence('plans', 'id'), (SELECT MAX(id) FROM plans))`)
	return err
}

func (q *queries) ListPlans(ctx context.Context) ([]points.Plan, error) {
	rows, err := q.q.Query(ctx, `SELECT `+planColumns+` FROM plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := []points.Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

func (q *queries) AppendEntries(ctx context.Context, entries []points.LedgerEntry) error {
	for i := range entries {
		e := &entries[i]
		err := q.q.QueryRow(ctx, `
			INSERT INTO ledger_entries
			(transfer_id, user_id, points, description, is_credit, created_at, before_points, after_points)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			e.TransferID, e.UserID, e.Points, e.Description, e.IsCredit, e.CreatedAt, e.Before, e.After).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("insert ledger entry for user %d: %w", e.UserID, err)
		}
	}
	return nil
}

func (q *queries) QueryEntries(ctx context.Context, userID int64, query points.Query) (points.Page[points.LedgerEntry], error) {
	query = query.Normalized()
	page := points.Page[points.LedgerEntry]{
		Items:     []points.LedgerEntry{},
		PageIndex: query.Pagination.PageIndex,
		PageSize:  query.Pagination.PageSize,
	}

	b := sqlq.New(sqlq.Dollar)
	sqlq.Ledger(b, userID, query)
	where := b.WhereClause()
	if err := q.q.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries`+where, b.CountArgs()...).Scan(&page.Total); err != nil {
		return page, err
	}

	rows, err := q.q.Query(ctx, `
		SELECT id, transfer_id, user_id, points, description, is_credit, created_at, before_points, after_points
		FROM ledger_entries`+where+
		sqlq.OrderBy(query.Sorting, sqlq.LedgerSorts, sqlq.LedgerFallback)+
		b.Page(query), b.Args()...)
	if err != nil {
		return page, err
	}
	defer rows.Close()

	for rows.Next() {
		var e points.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransferID, &e.UserID, &e.Points, &e.Description, &e.IsCredit,
			&e.CreatedAt, &e.Before, &e.After); err != nil {
			return page, err
		}
		page.Items = append(page.Items, e)
	}
	return page, rows.Err()
}

const refundColumns = `id, user_id, username, parent_id, requester_id, subscription_name,
	subscription_started_at, refund_type, refunding_months, points, reason, status,
	requested_on, created_at, updated_at`

func scanRefund(row pgx.Row) (*points.RefundRequest, error) {
	var r points.RefundRequest
	err := row.Scan(&r.ID, &r.UserID, &r.Username, &r.ParentID, &r.RequesterID, &r.SubscriptionName,
		&r.SubscriptionStartedAt, &r.RefundType, &r.RefundingMonths, &r.Points, &r.Reason, &r.Status,
		&r.RequestedOn, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (q *queries) FindRefund(ctx context.Context, id int64) (*points.RefundRequest, error) {
	return scanRefund(q.q.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`+q.forUpdate(), id))
}

func (q *queries) SaveRefund(ctx context.Context, r *points.RefundRequest) error {
	if r.ID == 0 {
		err := q.q.QueryRow(ctx, `
			INSERT INTO refunds (user_id, username, parent_id, requester_id, subscription_name,
				subscription_started_at, refund_type, refunding_months, points, reason, status,
				requested_on, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			RETURNING id`,
			r.UserID, r.Username, r.ParentID, r.RequesterID, r.SubscriptionName,
			r.SubscriptionStartedAt, r.RefundType, r.RefundingMonths, r.Points, r.Reason, r.Status,
			r.RequestedOn, r.CreatedAt, r.UpdatedAt).Scan(&r.ID)
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		return nil
	}

	tag, err := q.q.Exec(ctx, `
		UPDATE refunds SET status = $1, reason = $2, points = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		r.Status, r.Reason, r.Points, r.UpdatedAt, r.ID, points.RefundPending)
	if err != nil {
		return fmt.Errorf("update refund %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := q.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refunds WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check refund %d: %w", r.ID, err)
	}
	if !exists {
		return &points.NotFoundError{Kind: points.EntityRefund, ID: r.ID}
	}
	return points.NewRefundNotPending()
}

func (q *queries) QueryRefunds(ctx context.Context, query points.Query) (points.Page[points.RefundRequest], error) {
	query = query.Normalized()
	page := points.Page[points.RefundRequest]{
		Items:     []points.RefundRequest{},
		PageIndex: query.Pagination.PageIndex,
		PageSize:  query.Pagination.PageSize,
	}

	b := sqlq.New(sqlq.Dollar)
	sqlq.Refunds(b, query)
	where := b.WhereClause()
	if err := q.q.QueryRow(ctx, `SELECT COUNT(*) FROM refunds`+where, b.CountArgs()...).Scan(&page.Total); err != nil {
		return page, err
	}

	rows, err := q.q.Query(ctx, `SELECT `+refundColumns+` FROM refunds`+where+
		sqlq.OrderBy(query.Sorting, sqlq.RefundSorts, sqlq.RefundFallback)+
		b.Page(query), b.Args()...)
	if err != nil {
		return page, err
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return page, err
		}
		page.Items = append(page.Items, *r)
	}
	return page, rows.Err()
}

func (q *queries) RefundStatistics(ctx context.Context, parentID int64, since points.RefundWindows) (points.RefundStats, error) {
	var st points.RefundStats
	err := q.q.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE requested_on >= $1),
			COUNT(*) FILTER (WHERE requested_on >= $2),
			COUNT(*) FILTER (WHERE requested_on >= $3),
			COUNT(*) FILTER (WHERE status = 'REFUNDED'),
			COUNT(*) FILTER (WHERE status = 'REJECTED'),
			COUNT(*) FILTER (WHERE status = 'PENDING')
		FROM refunds WHERE parent_id = $4`,
		since.Week, since.Month, since.Year, parentID).
		Scan(&st.Total, &st.LastWeek, &st.LastMonth, &st.LastYear, &st.Refunded, &st.Rejected, &st.Pending)
	return st, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
