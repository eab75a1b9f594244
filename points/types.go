/*
types.go - Core domain types for the points engine

PURPOSE:
  Defines the accounts of the reseller hierarchy, the plans subscribers buy,
  the subscription window a subscriber holds, the ledger rows that record
  every points movement, and the refund requests that reverse part of a
  subscription.

HIERARCHY:
  Admin ──▶ Owner ──▶ SuperMaster ──▶ Master ──▶ Subscriber
                 │                       ▲
                 └───────────────────────┘
  Managers hang off an Owner or a Master and act on that parent's behalf.
  Managers and Subscribers never hold a balance.

ACCOUNTS:
  One Account record carries a Role tag. Only roles where HoldsBalance()
  is true have a meaningful Points value.

SEE ALSO:
  - date.go: YYYYMMDD dates used by subscriptions
  - ledger.go: How LedgerEntry pairs are written
  - refund.go: RefundRequest lifecycle
*/
package points

import "strings"

// =============================================================================
// ROLES
// =============================================================================

type Role string

const (
	RoleAdmin       Role = "ADMIN"
	RoleOwner       Role = "OWNER"
	RoleSuperMaster Role = "SUPER_MASTER"
	RoleManager     Role = "MANAGER"
	RoleMaster      Role = "MASTER"
	RoleSubscriber  Role = "SUBSCRIBER"
)

// HoldsBalance reports whether accounts of this role carry a points balance.
func (r Role) HoldsBalance() bool {
	switch r {
	case RoleAdmin, RoleOwner, RoleSuperMaster, RoleMaster:
		return true
	}
	return false
}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOwner, RoleSuperMaster, RoleManager, RoleMaster, RoleSubscriber:
		return true
	}
	return false
}

func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Valid()
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is any user in the hierarchy.
type Account struct {
	ID           int64
	Name         string
	Username     string
	Role         Role
	Points       int64 // only for roles where HoldsBalance()
	ParentID     int64 // zero for Admin
	ParentRole   Role
	Enabled      bool
	LastRecharge Date
	CreatedAt    Date
}

// Ref returns the balance reference for the account.
func (a *Account) Ref() AccountRef {
	return AccountRef{ID: a.ID, Role: a.Role}
}

// AccountRef identifies an account together with the role it is expected to have.
type AccountRef struct {
	ID   int64
	Role Role
}

// NormalizeUsername lower-cases and trims a username.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// =============================================================================
// PLAN & SUBSCRIPTION
// =============================================================================

type PlanType string

const (
	PlanFree PlanType = "FREE"
	PlanPaid PlanType = "PAID"
)

type Plan struct {
	ID               int64
	Name             string
	DurationInMonths int
	DurationInDays   int
	Type             PlanType
	RequiredPoints   int64
	Active           bool
}

// Subscription is the active window held by a Subscriber account.
// CanRefund is false while a refund request is pending.
type Subscription struct {
	SubscriberID     int64
	PlanID           int64
	StartAt          Date
	EndAt            Date
	LastRecharge     Date
	CanRefund        bool
	RefundableMonths int
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// LedgerEntry is one account's side of a transfer. Never mutated or deleted.
type LedgerEntry struct {
	ID          int64
	TransferID  string
	UserID      int64
	Points      int64
	Description string
	IsCredit    bool
	CreatedAt   int64 // epoch millis
	Before      int64
	After       int64
}

// =============================================================================
// REFUND REQUEST
// =============================================================================

type RefundStatus string

const (
	RefundPending  RefundStatus = "PENDING"
	RefundRefunded RefundStatus = "REFUNDED"
	RefundRejected RefundStatus = "REJECTED"
)

func (s RefundStatus) Terminal() bool {
	return s == RefundRefunded || s == RefundRejected
}

func ParseRefundStatus(s string) (RefundStatus, bool) {
	st := RefundStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case RefundPending, RefundRefunded, RefundRejected:
		return st, true
	}
	return "", false
}

const (
	RefundTypeFull    = "Full"
	RefundTypePartial = "Partial"
)

type RefundRequest struct {
	ID                    int64
	UserID                int64
	Username              string
	ParentID              int64
	RequesterID           int64
	SubscriptionName      string
	SubscriptionStartedAt Date
	RefundType            string
	RefundingMonths       int
	Points                int64
	Reason                string
	Status                RefundStatus
	RequestedOn           Date
	CreatedAt             int64
	UpdatedAt             int64
}

// =============================================================================
// ACTOR
// =============================================================================

// Actor is the authenticated caller of an operation. It is passed explicitly
// into every engine call.
type Actor struct {
	UserID   int64
	Role     Role
	TenantID string
}
