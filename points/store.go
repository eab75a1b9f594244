/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the boundary between the points engine and the database. The
  engine never talks to a driver directly; it works against these
  interfaces inside a single TxStore.WithTx unit of work per operation.

KEY INTERFACES:
  AccountStore:      Accounts and their balances (atomic conditional debit)
  SubscriptionStore: One subscription window per subscriber
  PlanStore:         Plans subscribers can buy
  LedgerStore:       Append-only dual-entry rows
  RefundStore:       Refund requests and their statistics
  TxStore:           All of the above plus WithTx

APPEND-ONLY CONTRACT:
  LedgerStore has no Update or Delete. Corrections are new transfers.

BALANCE CONTRACT:
  DebitIfSufficient must be atomic "decrement if balance >= n". Two
  concurrent debits may never both succeed against a balance that only
  covers one of them.

IMPLEMENTATIONS:
  - points/store/memory.go: In-memory for tests and demos
  - store/sqlite/sqlite.go: SQLite (mattn/go-sqlite3)
  - store/postgres/postgres.go: PostgreSQL (pgx)

SEE ALSO:
  - guard.go: Only caller of DebitIfSufficient
  - query.go: Query and Page used by the list methods
*/
package points

import "context"

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountStore interface {
	// FindAccount returns nil, nil when the id does not exist.
	FindAccount(ctx context.Context, id int64) (*Account, error)

	// FindByUsername returns nil, nil when no account has the username.
	FindByUsername(ctx context.Context, username string) (*Account, error)

	// CreateAccount assigns acc.ID. Returns ErrDuplicateUsername on conflict.
	CreateAccount(ctx context.Context, acc *Account) error

	// SetLastRecharge stamps the account's last recharge date.
	SetLastRecharge(ctx context.Context, id int64, d Date) error

	// Balance returns the balance of an account with the given role.
	// Returns a NotFoundError if no such account exists.
	Balance(ctx context.Context, ref AccountRef) (int64, error)

	// DebitIfSufficient atomically subtracts n when balance >= n and
	// returns the balance before the debit. A short balance yields an
	// *InsufficientPointsError; a missing account a NotFoundError.
	DebitIfSufficient(ctx context.Context, ref AccountRef, n int64) (int64, error)

	// Credit adds n and returns the balance before the credit.
	Credit(ctx context.Context, ref AccountRef, n int64) (int64, error)
}

// =============================================================================
// SUBSCRIPTIONS & PLANS
// =============================================================================

type SubscriptionStore interface {
	// FindSubscription returns nil, nil when the subscriber has none.
	FindSubscription(ctx context.Context, subscriberID int64) (*Subscription, error)

	// SaveSubscription inserts or replaces the subscriber's window.
	SaveSubscription(ctx context.Context, sub *Subscription) error
}

type PlanStore interface {
	// FindPlan returns nil, nil when the plan does not exist.
	FindPlan(ctx context.Context, id int64) (*Plan, error)
	SavePlan(ctx context.Context, p *Plan) error
	ListPlans(ctx context.Context) ([]Plan, error)
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerStore is APPEND-ONLY.
type LedgerStore interface {
	// AppendEntries persists all entries or none. IDs are assigned in place.
	AppendEntries(ctx context.Context, entries []LedgerEntry) error

	// QueryEntries lists the entries of one user.
	QueryEntries(ctx context.Context, userID int64, q Query) (Page[LedgerEntry], error)
}

// =============================================================================
// REFUNDS
// =============================================================================

type RefundStore interface {
	// FindRefund returns nil, nil when the refund does not exist.
	FindRefund(ctx context.Context, id int64) (*RefundRequest, error)

	// SaveRefund inserts when r.ID is zero (assigning it), otherwise updates.
	// An update only applies to a row still PENDING; a settled row yields
	// NewRefundNotPending and an unknown one a NotFoundError.
	SaveRefund(ctx context.Context, r *RefundRequest) error

	QueryRefunds(ctx context.Context, q Query) (Page[RefundRequest], error)

	// RefundStatistics counts the refunds of one parent. Requests with
	// RequestedOn on or after each threshold fall into that window.
	RefundStatistics(ctx context.Context, parentID int64, since RefundWindows) (RefundStats, error)
}

// RefundWindows are the lower bounds for the rolling counts.
type RefundWindows struct {
	Week  Date
	Month Date
	Year  Date
}

// RefundStats aggregates refund requests for a parent.
type RefundStats struct {
	Total     int64 `json:"total"`
	LastWeek  int64 `json:"lastWeek"`
	LastMonth int64 `json:"lastMonth"`
	LastYear  int64 `json:"lastYear"`
	Refunded  int64 `json:"refunded"`
	Rejected  int64 `json:"rejected"`
	Pending   int64 `json:"pending"`
}

// =============================================================================
// STORE & TRANSACTIONS
// =============================================================================

type Store interface {
	AccountStore
	SubscriptionStore
	PlanStore
	LedgerStore
	RefundStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error

	Close() error
}
