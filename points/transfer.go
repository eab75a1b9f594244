/*
transfer.go - Parent-to-child funding operations

PURPOSE:
  Implements the operations that move points down (and, for reversals,
  back up) the hierarchy. Every operation follows the same shape inside
  one unit of work:

    1. Resolve the effective parent of the actor (Manager -> its parent)
    2. Check the parent may act on the child
    3. Guard: atomic debit of the sender, capturing its prior balance
    4. Apply the entity change (new child, credit, subscription window)
    5. Record the ledger pair

  Any failure after step 3 rolls the whole unit back, so there is never a
  debited parent without its ledger rows, or a child without its funding.

FUNDING MATRIX:
  Admin                      -> Owner
  Owner                      -> SuperMaster
  Owner, SuperMaster         -> Master
  Owner, SuperMaster, Master -> Subscriber

SEE ALSO:
  - guard.go: VerifyAndDeduct
  - ledger.go: RecordTransfer
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

// CreateChild describes a new funded account. Points is the initial balance
// for balance-holding roles; PlanID is required for subscribers.
type CreateChild struct {
	Role     Role
	Name     string
	Username string
	Points   int64
	PlanID   int64
}

type NewAccount struct {
	Name     string
	Username string
}

// RechargeRequest tops up a direct child. Points applies to balance-holding
// children, PlanID to subscribers.
type RechargeRequest struct {
	ChildID int64
	Points  int64
	PlanID  int64
}

// Receipt is what a funding operation changed.
type Receipt struct {
	Account      *Account
	Subscription *Subscription
	Entries      []LedgerEntry
}

var fundingMatrix = map[Role][]Role{
	RoleOwner:       {RoleAdmin},
	RoleSuperMaster: {RoleOwner},
	RoleMaster:      {RoleOwner, RoleSuperMaster},
	RoleSubscriber:  {RoleOwner, RoleSuperMaster, RoleMaster},
}

// MayFund reports whether a parent of role funder may create or recharge a
// child of role child.
func MayFund(funder, child Role) bool {
	for _, r := range fundingMatrix[child] {
		if r == funder {
			return true
		}
	}
	return false
}

// =============================================================================
// CREATE
// =============================================================================

// CreateAndFund creates a child account under the actor's effective parent
// and funds it in the same unit of work.
func (e *Engine) CreateAndFund(ctx context.Context, actor Actor, req CreateChild) (*Receipt, error) {
	if err := validateNewAccount(req.Name, req.Username); err != nil {
		return nil, err
	}
	if !req.Role.Valid() {
		return nil, invalid(fmt.Sprintf("unknown role %q", req.Role))
	}
	if _, ok := fundingMatrix[req.Role]; !ok {
		return nil, &UnsupportedRoleError{Role: req.Role, Operation: "create and fund"}
	}
	if req.Role.HoldsBalance() && req.Points < 0 {
		return nil, invalid("points cannot be negative")
	}

	var receipt Receipt
	var cost int64
	op := "create_" + strings.ToLower(string(req.Role))
	err := e.withTx(ctx, op, actor, func(s Store) error {
		funder, err := effectiveParent(ctx, s, actor)
		if err != nil {
			return err
		}
		if !MayFund(funder.Role, req.Role) {
			return &PermissionDeniedError{Role: actor.Role, Task: "create " + string(req.Role)}
		}
		if err := ensureUsernameFree(ctx, s, req.Username); err != nil {
			return err
		}

		var plan *Plan
		cost = req.Points
		if req.Role == RoleSubscriber {
			if plan, err = e.activePlan(ctx, s, req.PlanID); err != nil {
				return err
			}
			cost = plan.RequiredPoints
		}

		funderBefore, err := VerifyAndDeduct(ctx, s, funder.Ref(), cost)
		if err != nil {
			return err
		}

		today := e.today()
		child := &Account{
			Name:         strings.TrimSpace(req.Name),
			Username:     NormalizeUsername(req.Username),
			Role:         req.Role,
			ParentID:     funder.ID,
			ParentRole:   funder.Role,
			Enabled:      true,
			LastRecharge: today,
			CreatedAt:    today,
		}
		if req.Role.HoldsBalance() {
			child.Points = cost
		}
		if err := s.CreateAccount(ctx, child); err != nil {
			if errors.Is(err, ErrDuplicateUsername) {
				return invalidBecause(err)
			}
			return err
		}

		t := Transfer{
			FromID:     funder.ID,
			ToID:       child.ID,
			Points:     cost,
			FromDesc:   fmt.Sprintf("Created New %s: %s", roleTitle(req.Role), child.Username),
			ToDesc:     "Recharge",
			FromBefore: funderBefore,
			ToBefore:   0,
			At:         e.now(),
		}
		if plan != nil {
			sub := &Subscription{
				SubscriberID:     child.ID,
				PlanID:           plan.ID,
				StartAt:          today,
				EndAt:            today.AddMonths(plan.DurationInMonths).AddDays(plan.DurationInDays),
				LastRecharge:     today,
				CanRefund:        true,
				RefundableMonths: plan.DurationInMonths,
			}
			if err := s.SaveSubscription(ctx, sub); err != nil {
				return err
			}
			receipt.Subscription = sub
			t.FromDesc = fmt.Sprintf("Created Subscriber With Recharge: %s / %s", child.Username, plan.Name)
			t.ToDesc = fmt.Sprintf("Recharge %s Plan", plan.Name)
		}

		pair, err := RecordTransfer(ctx, s, t)
		if err != nil {
			return err
		}
		receipt.Account = child
		receipt.Entries = pair[:]
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.obs.ObserveTransfer(op, cost)
	return &receipt, nil
}

// CreateManager adds a Manager under the actor. Only Owners and Masters
// have managers; no points move.
func (e *Engine) CreateManager(ctx context.Context, actor Actor, req NewAccount) (*Account, error) {
	if err := validateNewAccount(req.Name, req.Username); err != nil {
		return nil, err
	}

	var mgr *Account
	err := e.withTx(ctx, "create_manager", actor, func(s Store) error {
		parent, err := s.FindAccount(ctx, actor.UserID)
		if err != nil {
			return err
		}
		if parent == nil {
			return &NotFoundError{Kind: EntityUser, ID: actor.UserID}
		}
		if parent.Role != actor.Role || (parent.Role != RoleOwner && parent.Role != RoleMaster) {
			return &PermissionDeniedError{Role: actor.Role, Task: "create managers"}
		}
		if err := ensureUsernameFree(ctx, s, req.Username); err != nil {
			return err
		}

		today := e.today()
		mgr = &Account{
			Name:       strings.TrimSpace(req.Name),
			Username:   NormalizeUsername(req.Username),
			Role:       RoleManager,
			ParentID:   parent.ID,
			ParentRole: parent.Role,
			Enabled:    true,
			CreatedAt:  today,
		}
		if err := s.CreateAccount(ctx, mgr); err != nil {
			if errors.Is(err, ErrDuplicateUsername) {
				return invalidBecause(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mgr, nil
}

// =============================================================================
// RECHARGE
// =============================================================================

// Recharge tops up a direct child of the actor's effective parent.
//
// Subscriber windows are extended from EndAt while still running; an
// expired window restarts today. Months are added before days.
func (e *Engine) Recharge(ctx context.Context, actor Actor, req RechargeRequest) (*Receipt, error) {
	var receipt Receipt
	var moved int64
	err := e.withTx(ctx, "recharge", actor, func(s Store) error {
		parent, err := effectiveParent(ctx, s, actor)
		if err != nil {
			return err
		}
		child, err := s.FindAccount(ctx, req.ChildID)
		if err != nil {
			return err
		}
		if child == nil {
			return &NotFoundError{Kind: EntityUser, ID: req.ChildID}
		}
		if child.ParentID != parent.ID || !MayFund(parent.Role, child.Role) {
			return &PermissionDeniedError{Role: actor.Role, Task: fmt.Sprintf("recharge account %d", child.ID)}
		}

		today := e.today()
		t := Transfer{FromID: parent.ID, ToID: child.ID, At: e.now()}

		if child.Role == RoleSubscriber {
			plan, err := e.activePlan(ctx, s, req.PlanID)
			if err != nil {
				return err
			}
			sub, err := s.FindSubscription(ctx, child.ID)
			if err != nil {
				return err
			}
			if sub == nil {
				sub = &Subscription{SubscriberID: child.ID}
			}

			t.FromBefore, err = VerifyAndDeduct(ctx, s, parent.Ref(), plan.RequiredPoints)
			if err != nil {
				return err
			}

			base := today
			if sub.EndAt.After(today) {
				base = sub.EndAt
			} else {
				sub.StartAt = today
			}
			sub.EndAt = base.AddMonths(plan.DurationInMonths).AddDays(plan.DurationInDays)
			sub.PlanID = plan.ID
			sub.CanRefund = true
			sub.RefundableMonths = plan.DurationInMonths
			sub.LastRecharge = today
			if err := s.SaveSubscription(ctx, sub); err != nil {
				return err
			}
			receipt.Subscription = sub

			t.Points = plan.RequiredPoints
			t.FromDesc = fmt.Sprintf("Recharge Subscription: %s / %s", child.Name, plan.Name)
			t.ToDesc = fmt.Sprintf("Recharge %s Plan", plan.Name)
		} else {
			if req.Points <= 0 {
				return invalid("points must be positive")
			}
			t.FromBefore, err = VerifyAndDeduct(ctx, s, parent.Ref(), req.Points)
			if err != nil {
				return err
			}
			t.ToBefore, err = Credit(ctx, s, child.Ref(), req.Points)
			if err != nil {
				return err
			}
			child.Points = t.ToBefore + req.Points

			t.Points = req.Points
			t.FromDesc = fmt.Sprintf("Recharge to %s: %s", roleTitle(child.Role), child.Username)
			t.ToDesc = "Recharge"
		}

		if err := s.SetLastRecharge(ctx, child.ID, today); err != nil {
			return err
		}
		child.LastRecharge = today

		pair, err := RecordTransfer(ctx, s, t)
		if err != nil {
			return err
		}
		moved = t.Points
		receipt.Account = child
		receipt.Entries = pair[:]
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.obs.ObserveTransfer("recharge", moved)
	return &receipt, nil
}

// =============================================================================
// REVERSE
// =============================================================================

// ReverseTransfer pulls points back from a Master to the Owner above it.
// The Master may sit directly under the Owner or under one of its
// SuperMasters.
func (e *Engine) ReverseTransfer(ctx context.Context, actor Actor, masterID, pts int64) (*Receipt, error) {
	if pts <= 0 {
		return nil, invalid("points must be positive")
	}

	var receipt Receipt
	err := e.withTx(ctx, "reverse_transfer", actor, func(s Store) error {
		owner, err := effectiveParent(ctx, s, actor)
		if err != nil {
			return err
		}
		if owner.Role != RoleOwner {
			return &PermissionDeniedError{Role: actor.Role, Task: "reverse transfers"}
		}
		master, err := s.FindAccount(ctx, masterID)
		if err != nil {
			return err
		}
		if master == nil || master.Role != RoleMaster {
			return &NotFoundError{Kind: EntityUser, ID: masterID}
		}
		ok, err := withinHierarchy(ctx, s, master, owner.ID)
		if err != nil {
			return err
		}
		if !ok {
			return &PermissionDeniedError{Role: actor.Role, Task: fmt.Sprintf("reverse from master %d", masterID)}
		}

		masterBefore, err := VerifyAndDeduct(ctx, s, master.Ref(), pts)
		if err != nil {
			return err
		}
		ownerBefore, err := Credit(ctx, s, owner.Ref(), pts)
		if err != nil {
			return err
		}

		pair, err := RecordTransfer(ctx, s, Transfer{
			FromID:     master.ID,
			ToID:       owner.ID,
			Points:     pts,
			FromDesc:   "Reverse Transaction",
			ToDesc:     fmt.Sprintf("Reversed Transaction from Master: %d", master.ID),
			FromBefore: masterBefore,
			ToBefore:   ownerBefore,
			At:         e.now(),
		})
		if err != nil {
			return err
		}
		master.Points = masterBefore - pts
		receipt.Account = master
		receipt.Entries = pair[:]
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.obs.ObserveTransfer("reverse_transfer", pts)
	return &receipt, nil
}

// =============================================================================
// ADJUST
// =============================================================================

// AdjustWindow rewrites a subscriber's start and end dates. A zero-point
// ledger pair records the change.
func (e *Engine) AdjustWindow(ctx context.Context, actor Actor, subscriberID int64, start, end Date) (*Receipt, error) {
	if !start.Valid() || !end.Valid() {
		return nil, invalid("start and end must be valid YYYYMMDD dates")
	}
	if start.After(end) {
		return nil, invalid("start date must not be after end date")
	}

	var receipt Receipt
	err := e.withTx(ctx, "adjust_window", actor, func(s Store) error {
		parent, err := effectiveParent(ctx, s, actor)
		if err != nil {
			return err
		}
		acc, sub, err := requireSubscription(ctx, s, subscriberID)
		if err != nil {
			return err
		}
		if acc.ParentID != parent.ID {
			return &PermissionDeniedError{Role: actor.Role, Task: fmt.Sprintf("adjust subscriber %d", subscriberID)}
		}
		parentBefore, err := s.Balance(ctx, parent.Ref())
		if err != nil {
			return err
		}

		sub.StartAt, sub.EndAt = start, end
		if err := s.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		desc := fmt.Sprintf("Adjustment: %s new Dates %s-%s", acc.Username, start, end)
		pair, err := RecordTransfer(ctx, s, Transfer{
			FromID:     parent.ID,
			ToID:       acc.ID,
			Points:     0,
			FromDesc:   desc,
			ToDesc:     desc,
			FromBefore: parentBefore,
			ToBefore:   0,
			At:         e.now(),
		})
		if err != nil {
			return err
		}
		receipt.Account = acc
		receipt.Subscription = sub
		receipt.Entries = pair[:]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func validateNewAccount(name, username string) error {
	if strings.TrimSpace(name) == "" {
		return invalid("name is required")
	}
	if NormalizeUsername(username) == "" {
		return invalid("username is required")
	}
	return nil
}

func ensureUsernameFree(ctx context.Context, s AccountStore, username string) error {
	existing, err := s.FindByUsername(ctx, NormalizeUsername(username))
	if err != nil {
		return err
	}
	if existing != nil {
		return invalidBecause(ErrDuplicateUsername)
	}
	return nil
}

func roleTitle(r Role) string {
	switch r {
	case RoleSuperMaster:
		return "Super Master"
	case RoleSubscriber:
		return "Subscriber"
	}
	s := strings.ToLower(string(r))
	return strings.ToUpper(s[:1]) + s[1:]
}
