package points

import (
	"context"
	"errors"
)

// =============================================================================
// BALANCE GUARD
// =============================================================================

// fundingRoles are the roles whose accounts may be debited.
// Manager and Subscriber are absent and never fund.
var fundingRoles = map[Role]bool{
	RoleAdmin:       true,
	RoleOwner:       true,
	RoleSuperMaster: true,
	RoleMaster:      true,
}

// VerifyAndDeduct checks that ref can afford required and deducts it in one
// atomic step. It returns the balance before the deduction.
//
// An account that cannot be found is reported as insufficient points since
// its balance is unobtainable.
func VerifyAndDeduct(ctx context.Context, accounts AccountStore, ref AccountRef, required int64) (int64, error) {
	if !fundingRoles[ref.Role] {
		return 0, &PermissionDeniedError{Role: ref.Role, Task: "fund accounts"}
	}
	if required < 0 {
		return 0, invalid("required points cannot be negative")
	}

	before, err := accounts.DebitIfSufficient(ctx, ref, required)
	if errors.Is(err, ErrNotFound) {
		return 0, &InsufficientPointsError{AccountID: ref.ID, Role: ref.Role, Requested: required}
	}
	if err != nil {
		return 0, err
	}
	return before, nil
}

// Credit adds n to a balance-holding account and returns its prior balance.
func Credit(ctx context.Context, accounts AccountStore, ref AccountRef, n int64) (int64, error) {
	if !ref.Role.HoldsBalance() {
		return 0, &UnsupportedRoleError{Role: ref.Role, Operation: "credit"}
	}
	if n < 0 {
		return 0, invalid("credit points cannot be negative")
	}
	return accounts.Credit(ctx, ref, n)
}
