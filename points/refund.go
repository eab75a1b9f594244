/*
refund.go - Refund request workflow

PURPOSE:
  Lets a parent ask for part of a subscriber's plan back. A request locks
  the subscriber (CanRefund=false) until an Owner or Manager accepts or
  rejects it. Requesters and reviewers act only on subscribers below
  their effective parent.

STATE MACHINE:
  PENDING --accept--> REFUNDED
  PENDING --reject--> REJECTED
  Terminal states never change again.

PRORATION:
  points = floor(plan.RequiredPoints * months / plan.DurationInMonths)

  A 12-month plan costing 1200 refunded for 3 months returns 300 points.

ACCEPT EFFECTS (one unit of work):
  - status REFUNDED, CanRefund=true
  - EndAt = EndAt - months - 1 day
  - RefundableMonths -= months
  - parent credited, ledger pair subscriber -> parent

SEE ALSO:
  - history.go: RefundHistory statistics
*/
package points

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RequestRefund files a refund for months of the subscriber's plan.
func (e *Engine) RequestRefund(ctx context.Context, actor Actor, subscriberID int64, months int, reason string) (*RefundRequest, error) {
	if actor.Role == RoleSubscriber {
		return nil, &PermissionDeniedError{Role: actor.Role, Task: "request refunds"}
	}
	if months <= 0 {
		return nil, invalid("duration should be greater than 0")
	}

	var refund *RefundRequest
	err := e.withTx(ctx, "request_refund", actor, func(s Store) error {
		requester, err := effectiveParent(ctx, s, actor)
		if err != nil {
			return err
		}
		acc, sub, err := requireSubscription(ctx, s, subscriberID)
		if err != nil {
			return err
		}
		ok, err := withinHierarchy(ctx, s, acc, requester.ID)
		if err != nil {
			return err
		}
		if !ok {
			return &PermissionDeniedError{Role: actor.Role, Task: fmt.Sprintf("request refunds for subscriber %d", acc.ID)}
		}
		if !sub.CanRefund {
			return invalid("subscriber cannot request a refund while one is pending")
		}
		if sub.RefundableMonths < months {
			return invalidBecause(ErrInsufficientRefundableMonths)
		}

		today := e.today()
		if sub.LastRecharge.AddDays(e.refundWindowDays).Before(today) {
			return invalidBecause(ErrRefundWindowExpired)
		}

		plan, err := e.plans.Get(ctx, s, sub.PlanID)
		if err != nil {
			return err
		}
		if plan == nil {
			return &NotFoundError{Kind: EntityPlan, ID: sub.PlanID}
		}
		if months > plan.DurationInMonths {
			return invalid("duration should not exceed the plan months")
		}

		refundType := RefundTypePartial
		if months == plan.DurationInMonths {
			refundType = RefundTypeFull
		}

		nowMs := e.now().UnixMilli()
		refund = &RefundRequest{
			UserID:                acc.ID,
			Username:              acc.Username,
			ParentID:              acc.ParentID,
			RequesterID:           requester.ID,
			SubscriptionName:      plan.Name,
			SubscriptionStartedAt: sub.LastRecharge,
			RefundType:            refundType,
			RefundingMonths:       months,
			Points:                ProratedPoints(plan.RequiredPoints, months, plan.DurationInMonths),
			Reason:                strings.TrimSpace(reason),
			Status:                RefundPending,
			RequestedOn:           today,
			CreatedAt:             nowMs,
			UpdatedAt:             nowMs,
		}

		sub.CanRefund = false
		if err := s.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		return s.SaveRefund(ctx, refund)
	})
	if err != nil {
		return nil, err
	}
	e.obs.ObserveRefund(RefundPending)
	return refund, nil
}

// AcceptRefund settles a pending refund and returns its points upstream.
func (e *Engine) AcceptRefund(ctx context.Context, actor Actor, refundID int64) (*RefundRequest, error) {
	if err := requireRefundReviewer(actor); err != nil {
		return nil, err
	}

	var refund *RefundRequest
	err := e.withTx(ctx, "accept_refund", actor, func(s Store) error {
		var (
			acc *Account
			sub *Subscription
			err error
		)
		refund, acc, sub, err = loadPendingRefund(ctx, s, actor, refundID)
		if err != nil {
			return err
		}
		if sub.RefundableMonths < refund.RefundingMonths {
			return invalidBecause(ErrInsufficientRefundableMonths)
		}
		if acc.ParentRole != RoleMaster && acc.ParentRole != RoleOwner {
			return &UnsupportedRoleError{Role: acc.ParentRole, Operation: "refund"}
		}
		parent, err := s.FindAccount(ctx, acc.ParentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return &NotFoundError{Kind: EntityUser, ID: acc.ParentID}
		}

		sub.CanRefund = true
		sub.EndAt = sub.EndAt.AddMonths(-refund.RefundingMonths).AddDays(-1)
		sub.RefundableMonths -= refund.RefundingMonths
		if err := s.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		parentBefore, err := Credit(ctx, s, parent.Ref(), refund.Points)
		if err != nil {
			return err
		}
		_, err = RecordTransfer(ctx, s, Transfer{
			FromID:     acc.ID,
			ToID:       parent.ID,
			Points:     refund.Points,
			FromDesc:   fmt.Sprintf("Refunding Months: %d", refund.RefundingMonths),
			ToDesc:     fmt.Sprintf("Refund Received for %d from %s", refund.RefundingMonths, acc.Username),
			FromBefore: 0,
			ToBefore:   parentBefore,
			At:         e.now(),
		})
		if err != nil {
			return err
		}

		refund.Status = RefundRefunded
		refund.UpdatedAt = e.now().UnixMilli()
		return s.SaveRefund(ctx, refund)
	})
	if err != nil {
		return nil, err
	}
	e.obs.ObserveRefund(RefundRefunded)
	e.obs.ObserveTransfer("accept_refund", refund.Points)
	return refund, nil
}

// RejectRefund closes a pending refund without moving points.
func (e *Engine) RejectRefund(ctx context.Context, actor Actor, refundID int64) (*RefundRequest, error) {
	if err := requireRefundReviewer(actor); err != nil {
		return nil, err
	}

	var refund *RefundRequest
	err := e.withTx(ctx, "reject_refund", actor, func(s Store) error {
		var (
			sub *Subscription
			err error
		)
		refund, _, sub, err = loadPendingRefund(ctx, s, actor, refundID)
		if err != nil {
			return err
		}
		sub.CanRefund = true
		if err := s.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		refund.Status = RefundRejected
		refund.UpdatedAt = e.now().UnixMilli()
		return s.SaveRefund(ctx, refund)
	})
	if err != nil {
		return nil, err
	}
	e.obs.ObserveRefund(RefundRejected)
	return refund, nil
}

// ProratedPoints returns floor(total * months / duration). A non-positive
// duration yields zero.
func ProratedPoints(total int64, months, duration int) int64 {
	if duration <= 0 || months <= 0 || total <= 0 {
		return 0
	}
	return decimal.NewFromInt(total).
		Mul(decimal.NewFromInt(int64(months))).
		Div(decimal.NewFromInt(int64(duration))).
		Floor().
		IntPart()
}

func requireRefundReviewer(actor Actor) error {
	if actor.Role != RoleOwner && actor.Role != RoleManager {
		return &PermissionDeniedError{Role: actor.Role, Task: "review refunds"}
	}
	return nil
}

// loadPendingRefund fetches a refund the actor may review. The reviewer's
// effective parent must sit above the subscriber.
func loadPendingRefund(ctx context.Context, s Store, actor Actor, refundID int64) (*RefundRequest, *Account, *Subscription, error) {
	reviewer, err := effectiveParent(ctx, s, actor)
	if err != nil {
		return nil, nil, nil, err
	}
	refund, err := s.FindRefund(ctx, refundID)
	if err != nil {
		return nil, nil, nil, err
	}
	if refund == nil {
		return nil, nil, nil, &NotFoundError{Kind: EntityRefund, ID: refundID}
	}
	acc, sub, err := requireSubscription(ctx, s, refund.UserID)
	if err != nil {
		return nil, nil, nil, err
	}
	ok, err := withinHierarchy(ctx, s, acc, reviewer.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		return nil, nil, nil, &PermissionDeniedError{Role: actor.Role, Task: fmt.Sprintf("review refund %d", refundID)}
	}
	if refund.Status != RefundPending {
		return nil, nil, nil, invalidBecause(ErrRefundNotPending)
	}
	return refund, acc, sub, nil
}
