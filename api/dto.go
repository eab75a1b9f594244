/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP contract. Domain types in package points carry no
  JSON tags; everything crossing the wire goes through these.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DATES:
  Calendar dates travel as "2006-01-02"; ledger timestamps as RFC 3339.
  Zero dates are omitted.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/warp/points-engine/points"
)

const isoDate = "2006-01-02"

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Username     string `json:"username"`
	Role         string `json:"role"`
	Points       int64  `json:"points"`
	ParentID     int64  `json:"parentId,omitempty"`
	ParentRole   string `json:"parentRole,omitempty"`
	Enabled      bool   `json:"enabled"`
	LastRecharge string `json:"lastRecharge,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

type SubscriptionDTO struct {
	PlanID           int64  `json:"planId"`
	StartAt          string `json:"startAt"`
	EndAt            string `json:"endAt"`
	LastRecharge     string `json:"lastRecharge"`
	CanRefund        bool   `json:"canRefund"`
	RefundableMonths int    `json:"refundableMonths"`
}

// AccountDetailDTO is returned by GET /api/accounts/{id}.
type AccountDetailDTO struct {
	Account      AccountDTO       `json:"account"`
	Subscription *SubscriptionDTO `json:"subscription,omitempty"`
}

// ReceiptDTO is returned by every transfer endpoint.
type ReceiptDTO struct {
	Account      AccountDTO       `json:"account"`
	Subscription *SubscriptionDTO `json:"subscription,omitempty"`
	Entries      []LedgerEntryDTO `json:"entries"`
}

type CreateAccountRequest struct {
	Role     string `json:"role"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Points   int64  `json:"points"`
	PlanID   int64  `json:"planId"`
}

type CreateManagerRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

type RechargeRequest struct {
	Points int64 `json:"points"`
	PlanID int64 `json:"planId"`
}

type ReverseRequest struct {
	Points int64 `json:"points"`
}

type AdjustWindowRequest struct {
	StartAt string `json:"startAt"`
	EndAt   string `json:"endAt"`
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerEntryDTO struct {
	ID          int64  `json:"id"`
	TransferID  string `json:"transferId"`
	UserID      int64  `json:"userId"`
	Points      int64  `json:"points"`
	Description string `json:"description"`
	IsCredit    bool   `json:"isCredit"`
	CreatedAt   string `json:"createdAt"`
	Before      int64  `json:"before"`
	After       int64  `json:"after"`
}

// =============================================================================
// REFUNDS & PLANS
// =============================================================================

type RefundDTO struct {
	ID                    int64  `json:"id"`
	UserID                int64  `json:"userId"`
	Username              string `json:"username"`
	ParentID              int64  `json:"parentId"`
	RequesterID           int64  `json:"requesterId"`
	SubscriptionName      string `json:"subscriptionName"`
	SubscriptionStartedAt string `json:"subscriptionStartedAt,omitempty"`
	RefundType            string `json:"refundType"`
	RefundingMonths       int    `json:"refundingMonths"`
	Points                int64  `json:"points"`
	Reason                string `json:"reason"`
	Status                string `json:"status"`
	RequestedOn           string `json:"requestedOn"`
	UpdatedAt             string `json:"updatedAt"`
}

type RefundRequestBody struct {
	Months int    `json:"months"`
	Reason string `json:"reason"`
}

type PlanDTO struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	DurationInMonths int    `json:"durationInMonths"`
	DurationInDays   int    `json:"durationInDays"`
	Type             string `json:"type"`
	RequiredPoints   int64  `json:"requiredPoints"`
	Active           bool   `json:"active"`
}

// PageDTO mirrors points.Page with converted items.
type PageDTO[T any] struct {
	Items     []T `json:"items"`
	Total     int `json:"total"`
	PageIndex int `json:"pageIndex"`
	PageSize  int `json:"pageSize"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatDate(d points.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(isoDate)
}

func parseDate(s string) (points.Date, error) {
	t, err := time.Parse(isoDate, s)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return points.DateOf(t), nil
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func toAccountDTO(a *points.Account) AccountDTO {
	return AccountDTO{
		ID:           a.ID,
		Name:         a.Name,
		Username:     a.Username,
		Role:         string(a.Role),
		Points:       a.Points,
		ParentID:     a.ParentID,
		ParentRole:   string(a.ParentRole),
		Enabled:      a.Enabled,
		LastRecharge: formatDate(a.LastRecharge),
		CreatedAt:    formatDate(a.CreatedAt),
	}
}

func toSubscriptionDTO(s *points.Subscription) *SubscriptionDTO {
	if s == nil {
		return nil
	}
	return &SubscriptionDTO{
		PlanID:           s.PlanID,
		StartAt:          formatDate(s.StartAt),
		EndAt:            formatDate(s.EndAt),
		LastRecharge:     formatDate(s.LastRecharge),
		CanRefund:        s.CanRefund,
		RefundableMonths: s.RefundableMonths,
	}
}

func toLedgerEntryDTO(e points.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:          e.ID,
		TransferID:  e.TransferID,
		UserID:      e.UserID,
		Points:      e.Points,
		Description: e.Description,
		IsCredit:    e.IsCredit,
		CreatedAt:   formatMillis(e.CreatedAt),
		Before:      e.Before,
		After:       e.After,
	}
}

func toReceiptDTO(r *points.Receipt) ReceiptDTO {
	entries := make([]LedgerEntryDTO, len(r.Entries))
	for i, e := range r.Entries {
		entries[i] = toLedgerEntryDTO(e)
	}
	return ReceiptDTO{
		Account:      toAccountDTO(r.Account),
		Subscription: toSubscriptionDTO(r.Subscription),
		Entries:      entries,
	}
}

func toRefundDTO(r *points.RefundRequest) RefundDTO {
	return RefundDTO{
		ID:                    r.ID,
		UserID:                r.UserID,
		Username:              r.Username,
		ParentID:              r.ParentID,
		RequesterID:           r.RequesterID,
		SubscriptionName:      r.SubscriptionName,
		SubscriptionStartedAt: formatDate(r.SubscriptionStartedAt),
		RefundType:            r.RefundType,
		RefundingMonths:       r.RefundingMonths,
		Points:                r.Points,
		Reason:                r.Reason,
		Status:                string(r.Status),
		RequestedOn:           formatDate(r.RequestedOn),
		UpdatedAt:             formatMillis(r.UpdatedAt),
	}
}

func toPlanDTO(p points.Plan) PlanDTO {
	return PlanDTO{
		ID:               p.ID,
		Name:             p.Name,
		DurationInMonths: p.DurationInMonths,
		DurationInDays:   p.DurationInDays,
		Type:             string(p.Type),
		RequiredPoints:   p.RequiredPoints,
		Active:           p.Active,
	}
}

func toPageDTO[T, D any](p points.Page[T], conv func(T) D) PageDTO[D] {
	items := make([]D, len(p.Items))
	for i, it := range p.Items {
		items[i] = conv(it)
	}
	return PageDTO[D]{Items: items, Total: p.Total, PageIndex: p.PageIndex, PageSize: p.PageSize}
}
