/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure an operation can surface has a stable machine-readable
  kind (KindOf) plus a human message.

ERROR CATEGORIES:
  1. Business errors - insufficient points, invalid request, permissions
  2. Lookup errors   - missing accounts, refunds, plans
  3. Ledger errors   - failed dual-entry writes (fatal to the transfer)

USAGE:
  Callers match with errors.Is on the sentinels, or errors.As on the
  structured types for details:

    var ip *points.InsufficientPointsError
    if errors.As(err, &ip) {
        log.Printf("short by %d", ip.Requested-ip.Available)
    }

SEE ALSO:
  - guard.go: Produces InsufficientPointsError
  - ledger.go: Produces LedgerWriteError
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnsupportedRole    = errors.New("unsupported role")
	ErrLedgerWriteFailed  = errors.New("ledger write failed")

	// Refund-specific reasons. Each also matches ErrInvalidRequest.
	ErrInsufficientRefundableMonths = errors.New("insufficient refundable months")
	ErrRefundWindowExpired          = errors.New("refund request period has expired")
	ErrRefundNotPending             = errors.New("refund is not pending")

	// ErrDuplicateUsername is returned by stores on a unique username violation.
	ErrDuplicateUsername = errors.New("username already taken")
)

// =============================================================================
// KINDS - Stable machine-readable classification
// =============================================================================

type Kind string

const (
	KindInsufficientPoints Kind = "insufficient_points"
	KindPermissionDenied   Kind = "permission_denied"
	KindNotFound           Kind = "not_found"
	KindInvalidRequest     Kind = "invalid_request"
	KindUnsupportedRole    Kind = "unsupported_role"
	KindLedgerWriteFailed  Kind = "ledger_write_failed"
	KindInternal           Kind = "internal"
)

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLedgerWriteFailed):
		return KindLedgerWriteFailed
	case errors.Is(err, ErrInsufficientPoints):
		return KindInsufficientPoints
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnsupportedRole):
		return KindUnsupportedRole
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	}
	return KindInternal
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientPointsError reports a balance shortage on a funding account.
type InsufficientPointsError struct {
	AccountID int64
	Role      Role
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: %s %d has %d, needs %d",
		e.Role, e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

type PermissionDeniedError struct {
	Role Role
	Task string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s cannot %s", e.Role, e.Task)
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

type EntityKind string

const (
	EntityUser         EntityKind = "user"
	EntityRefund       EntityKind = "refund"
	EntityPlan         EntityKind = "plan"
	EntitySubscription EntityKind = "subscription"
)

type NotFoundError struct {
	Kind EntityKind
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidRequestError carries a human reason and, optionally, a more specific
// sentinel such as ErrRefundWindowExpired.
type InvalidRequestError struct {
	Reason string
	Err    error
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

func (e *InvalidRequestError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidRequest, e.Err}
	}
	return []error{ErrInvalidRequest}
}

func invalid(reason string) error {
	return &InvalidRequestError{Reason: reason}
}

func invalidBecause(err error) error {
	return &InvalidRequestError{Reason: err.Error(), Err: err}
}

// NewRefundNotPending is returned by stores asked to update a refund that
// already left PENDING.
func NewRefundNotPending() error {
	return invalidBecause(ErrRefundNotPending)
}

type UnsupportedRoleError struct {
	Role      Role
	Operation string
}

func (e *UnsupportedRoleError) Error() string {
	return fmt.Sprintf("unsupported role %s for %s", e.Role, e.Operation)
}

func (e *UnsupportedRoleError) Unwrap() error { return ErrUnsupportedRole }

// LedgerWriteError wraps the storage failure that prevented a ledger pair
// from being persisted. The enclosing transfer must abort.
type LedgerWriteError struct {
	TransferID string
	Err        error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger write failed (transfer %s): %v", e.TransferID, e.Err)
}

func (e *LedgerWriteError) Unwrap() []error {
	return []error{ErrLedgerWriteFailed, e.Err}
}
