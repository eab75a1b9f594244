/*
Package sqlite provides a SQLite-backed implementation of points.TxStore.

PURPOSE:
  Persists accounts, plans, subscriptions, the dual-entry ledger and refund
  requests. The engine runs every operation through WithTx, so a failed
  ledger write rolls back the balance change and entity write with it.

KEY TABLES:
  accounts:        Every user in the hierarchy, one row per account
  plans:           Plans subscribers can buy
  subscriptions:   One window per subscriber (keyed by subscriber id)
  ledger_entries:  Immutable ledger rows, two per transfer
  refunds:         Refund requests and their status

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE is ever issued against ledger_entries outside Reset.

BALANCE SAFETY:
  DebitIfSufficient is a single conditional UPDATE:
    UPDATE accounts SET points = points - ? WHERE ... AND points >= ? RETURNING points
  The CHECK (points >= 0) constraint backs it up.

CONCURRENCY:
  One connection, and WithTx holds a mutex for its duration. Writers are
  serialised; SQLite would do the same at the file level anyway.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := points.New(store)

SEE ALSO:
  - points/store.go: Interface definitions
  - store/postgres: Same contract on PostgreSQL
  - store/sqlq: Shared listing SQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/sqlq"
)

// Store implements points.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

var _ points.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and writers serial
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		username TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		parent_id INTEGER REFERENCES accounts(id),
		parent_role TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		last_recharge INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_parent ON accounts(parent_id);

	CREATE TABLE IF NOT EXISTS plans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		duration_months INTEGER NOT NULL DEFAULT 0,
		duration_days INTEGER NOT NULL DEFAULT 0,
		plan_type TEXT NOT NULL DEFAULT 'PAID',
		required_points INTEGER NOT NULL DEFAULT 0 CHECK (required_points >= 0),
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		subscriber_id INTEGER PRIMARY KEY REFERENCES accounts(id),
		plan_id INTEGER NOT NULL REFERENCES plans(id),
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		last_recharge INTEGER NOT NULL,
		can_refund INTEGER NOT NULL DEFAULT 1,
		refundable_months INTEGER NOT NULL DEFAULT 0 CHECK (refundable_months >= 0)
	);

	-- Ledger (append-only, two rows per transfer)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transfer_id TEXT NOT NULL,
		user_id INTEGER NOT NULL REFERENCES accounts(id),
		points INTEGER NOT NULL CHECK (points >= 0),
		description TEXT NOT NULL DEFAULT '',
		is_credit INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		before_points INTEGER NOT NULL,
		after_points INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_user_created ON ledger_entries(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_transfer ON ledger_entries(transfer_id);

	CREATE TABLE IF NOT EXISTS refunds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES accounts(id),
		username TEXT NOT NULL,
		parent_id INTEGER NOT NULL,
		requester_id INTEGER NOT NULL,
		subscription_name TEXT NOT NULL DEFAULT '',
		subscription_started_at INTEGER NOT NULL DEFAULT 0,
		refund_type TEXT NOT NULL,
		refunding_months INTEGER NOT NULL,
		points INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'REFUNDED', 'REJECTED')),
		requested_on INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_refunds_parent ON refunds(parent_id);
	CREATE INDEX IF NOT EXISTS idx_refunds_status ON refunds(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (points.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store points.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// AppendEntries outside a unit of work still writes all rows or none.
func (s *Store) AppendEntries(ctx context.Context, entries []points.LedgerEntry) error {
	return s.WithTx(ctx, func(st points.Store) error {
		return st.AppendEntries(ctx, entries)
	})
}

// Reset deletes all data. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, table := range []string{"ledger_entries", "refunds", "subscriptions", "accounts", "plans", "sqlite_sequence"} {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return sqlTx.Commit()
}

// =============================================================================
// QUERIES - shared by the DB handle and transactions
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q dbtx
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `id, name, username, role, points, COALESCE(parent_id, 0), parent_role,
	enabled, last_recharge, created_at`

func scanAccount(row scanner) (*points.Account, error) {
	var a points.Account
	err := row.Scan(&a.ID, &a.Name, &a.Username, &a.Role, &a.Points, &a.ParentID, &a.ParentRole,
		&a.Enabled, &a.LastRecharge, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (q *queries) FindAccount(ctx context.Context, id int64) (*points.Account, error) {
	return scanAccount(q.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
}

func (q *queries) FindByUsername(ctx context.Context, username string) (*points.Account, error) {
	return scanAccount(q.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE username = ?`, points.NormalizeUsername(username)))
}

func (q *queries) CreateAccount(ctx context.Context, acc *points.Account) error {
	acc.Username = points.NormalizeUsername(acc.Username)
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO accounts (name, username, role, points, parent_id, parent_role, enabled, last_recharge, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acc.Name, acc.Username, acc.Role, acc.Points, nullID(acc.ParentID), acc.ParentRole,
		acc.Enabled, acc.LastRecharge, acc.CreatedAt)
	if isUniqueConstraintError(err) {
		return points.ErrDuplicateUsername
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	acc.ID, err = res.LastInsertId()
	return err
}

func (q *queries) SetLastRecharge(ctx context.Context, id int64, d points.Date) error {
	res, err := q.q.ExecContext(ctx, `UPDATE accounts SET last_recharge = ? WHERE id = ?`, d, id)
	if err != nil {
		return err
	}
	return requireRow(res, points.EntityUser, id)
}

func (q *queries) Balance(ctx context.Context, ref points.AccountRef) (int64, error) {
	var pts int64
	err := q.q.QueryRowContext(ctx,
		`SELECT points FROM accounts WHERE id = ? AND role = ?`, ref.ID, ref.Role).Scan(&pts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &points.NotFoundError{Kind: points.EntityUser, ID: ref.ID}
	}
	return pts, err
}

func (q *queries) DebitIfSufficient(ctx context.Context, ref points.AccountRef, n int64) (int64, error) {
	var after int64
	err := q.q.QueryRowContext(ctx, `
		UPDATE accounts SET points = points - ?
		WHERE id = ? AND role = ? AND points >= ?
		RETURNING points`, n, ref.ID, ref.Role, n).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
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
	err := q.q.QueryRowContext(ctx, `
		UPDATE accounts SET points = points + ?
		WHERE id = ? AND role = ?
		RETURNING points`, n, ref.ID, ref.Role).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &points.NotFoundError{Kind: points.EntityUser, ID: ref.ID}
	}
	if err != nil {
		return 0, fmt.Errorf("credit account %d: %w", ref.ID, err)
	}
	return after - n, nil
}

// =============================================================================
// SUBSCRIPTIONS & PLANS
// =============================================================================

func (q *queries) FindSubscription(ctx context.Context, subscriberID int64) (*points.Subscription, error) {
	var sub points.Subscription
	err := q.q.QueryRowContext(ctx, `
		SELECT subscriber_id, plan_id, start_at, end_at, last_recharge, can_refund, refundable_months
		FROM subscriptions WHERE subscriber_id = ?`, subscriberID).
		Scan(&sub.SubscriberID, &sub.PlanID, &sub.StartAt, &sub.EndAt, &sub.LastRecharge, &sub.CanRefund, &sub.RefundableMonths)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (q *queries) SaveSubscription(ctx context.Context, sub *points.Subscription) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO subscriptions (subscriber_id, plan_id, start_at, end_at, last_recharge, can_refund, refundable_months)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscriber_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			last_recharge = excluded.last_recharge,
			can_refund = excluded.can_refund,
			refundable_months = excluded.refundable_months`,
		sub.SubscriberID, sub.PlanID, sub.StartAt, sub.EndAt, sub.LastRecharge, sub.CanRefund, sub.RefundableMonths)
	if err != nil {
		return fmt.Errorf("save subscription %d: %w", sub.SubscriberID, err)
	}
	return nil
}

const planColumns = `id, name, duration_months, duration_days, plan_type, required_points, active`

func scanPlan(row scanner) (*points.Plan, error) {
	var p points.Plan
	err := row.Scan(&p.ID, &p.Name, &p.DurationInMonths, &p.DurationInDays, &p.Type, &p.RequiredPoints, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *queries) FindPlan(ctx context.Context, id int64) (*points.Plan, error) {
	return scanPlan(q.q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id))
}

func (q *queries) SavePlan(ctx context.Context, p *points.Plan) error {
	if p.ID == 0 {
		res, err := q.q.ExecContext(ctx, `
			INSERT INTO plans (name, duration_months, duration_days, plan_type, required_points, active)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.Name, p.DurationInMonths, p.DurationInDays, p.Type, p.RequiredPoints, p.Active)
		if err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}
		p.ID, err = res.LastInsertId()
		return err
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO plans (id, name, duration_months, duration_days, plan_type, required_points, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			duration_months = excluded.duration_months,
			duration_days = excluded.duration_days,
			plan_type = excluded.plan_type,
			required_points = excluded.required_points,
			active = excluded.active`,
		p.ID, p.Name, p.DurationInMonths, p.DurationInDays, p.Type, p.RequiredPoints, p.Active)
	if err != nil {
		return fmt.Errorf("save plan %d: %w", p.ID, err)
	}
	return nil
}

func (q *queries) ListPlans(ctx context.Context) ([]points.Plan, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY id`)
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

// =============================================================================
// LEDGER
// =============================================================================

func (q *queries) AppendEntries(ctx context.Context, entries []points.LedgerEntry) error {
	for i := range entries {
		e := &entries[i]
		res, err := q.q.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(transfer_id, user_id, points, description, is_credit, created_at, before_points, after_points)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.TransferID, e.UserID, e.Points, e.Description, e.IsCredit, e.CreatedAt, e.Before, e.After)
		if err != nil {
			return fmt.Errorf("insert ledger entry for user %d: %w", e.UserID, err)
		}
		if e.ID, err = res.LastInsertId(); err != nil {
			return err
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

	b := sqlq.New(sqlq.Question)
	sqlq.Ledger(b, userID, query)
	where := b.WhereClause()
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`+where, b.CountArgs()...).Scan(&page.Total); err != nil {
		return page, err
	}

	rows, err := q.q.QueryContext(ctx, `
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

// =============================================================================
// REFUNDS
// =============================================================================

const refundColumns = `id, user_id, username, parent_id, requester_id, subscription_name,
	subscription_started_at, refund_type, refunding_months, points, reason, status,
	requested_on, created_at, updated_at`

func scanRefund(row scanner) (*points.RefundRequest, error) {
	var r points.RefundRequest
	err := row.Scan(&r.ID, &r.UserID, &r.Username, &r.ParentID, &r.RequesterID, &r.SubscriptionName,
		&r.SubscriptionStartedAt, &r.RefundType, &r.RefundingMonths, &r.Points, &r.Reason, &r.Status,
		&r.RequestedOn, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (q *queries) FindRefund(ctx context.Context, id int64) (*points.RefundRequest, error) {
	return scanRefund(q.q.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = ?`, id))
}

func (q *queries) SaveRefund(ctx context.Context, r *points.RefundRequest) error {
	if r.ID == 0 {
		res, err := q.q.ExecContext(ctx, `
			INSERT INTO refunds (user_id, username, parent_id, requester_id, subscription_name,
				subscription_started_at, refund_type, refunding_months, points, reason, status,
				requested_on, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.UserID, r.Username, r.ParentID, r.RequesterID, r.SubscriptionName,
			r.SubscriptionStartedAt, r.RefundType, r.RefundingMonths, r.Points, r.Reason, r.Status,
			r.RequestedOn, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		r.ID, err = res.LastInsertId()
		return err
	}

	res, err := q.q.ExecContext(ctx, `
		UPDATE refunds SET status = ?, reason = ?, points = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		r.Status, r.Reason, r.Points, r.UpdatedAt, r.ID, points.RefundPending)
	if err != nil {
		return fmt.Errorf("update refund %d: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	var exists bool
	if err := q.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM refunds WHERE id = ?)`, r.ID).Scan(&exists); err != nil {
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

	b := sqlq.New(sqlq.Question)
	sqlq.Refunds(b, query)
	where := b.WhereClause()
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM refunds`+where, b.CountArgs()...).Scan(&page.Total); err != nil {
		return page, err
	}

	rows, err := q.q.QueryContext(ctx, `SELECT `+refundColumns+` FROM refunds`+where+
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
	err := q.q.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN requested_on >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN requested_on >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN requested_on >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'REFUNDED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'REJECTED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0)
		FROM refunds WHERE parent_id = ?`,
		since.Week, since.Month, since.Year, parentID).
		Scan(&st.Total, &st.LastWeek, &st.LastMonth, &st.LastYear, &st.Refunded, &st.Rejected, &st.Pending)
	return st, err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func requireRow(res sql.Result, kind points.EntityKind, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &points.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
