/*
handlers.go - HTTP API handlers for the points engine

PURPOSE:
  Exposes points.Engine over JSON. Handlers decode the request, call one
  engine operation with the authenticated actor and encode the result.
  All business rules live in the engine.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                    Create and fund a child account
    POST   /api/managers                    Create a Manager
    GET    /api/accounts/{id}               Account and subscription
    POST   /api/accounts/{id}/recharge      Recharge a direct child

  Transfers:
    POST   /api/masters/{id}/reverse        Pull points back from a Master
    POST   /api/subscribers/{id}/adjust     Rewrite a subscription window

  Refunds:
    POST   /api/refunds/filter              Refund listing
    POST   /api/refunds/{id}                Request a refund for subscriber {id}
    POST   /api/refunds/{id}/accept         Accept a pending refund
    POST   /api/refunds/{id}/reject         Reject a pending refund
    GET    /api/refunds/history/{parentId}  Refund statistics

  Ledger & plans:
    POST   /api/transactions/filter         Ledger listing for the actor
    GET    /api/plans                       Plan catalogue
    POST   /api/plans                       Create or update a plan (Admin)

ERROR HANDLING:
  Engine errors map by points.KindOf:
  - 400: invalid_request
  - 402: insufficient_points
  - 403: permission_denied
  - 404: not_found
  - 422: unsupported_role
  - 500: ledger_write_failed, internal

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Bearer token authentication
  - server.go: Router setup
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter is implemented by stores that can drop all data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *points.Engine
	Log    *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(engine *points.Engine, log *slog.Logger) *Handler {
	return &Handler{Engine: engine, Log: log}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}
	role, ok := points.ParseRole(req.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid role", fmt.Errorf("unknown role %q", req.Role))
		return
	}

	receipt, err := h.Engine.CreateAndFund(r.Context(), actor(r), points.CreateChild{
		Role:     role,
		Name:     req.Name,
		Username: req.Username,
		Points:   req.Points,
		PlanID:   req.PlanID,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(receipt))
}

func (h *Handler) CreateManager(w http.ResponseWriter, r *http.Request) {
	var req CreateManagerRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.Engine.CreateManager(r.Context(), actor(r), points.NewAccount{Name: req.Name, Username: req.Username})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acc))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	acc, sub, err := h.Engine.Account(r.Context(), actor(r), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountDetailDTO{Account: toAccountDTO(acc), Subscription: toSubscriptionDTO(sub)})
}

func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req RechargeRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.Engine.Recharge(r.Context(), actor(r), points.RechargeRequest{
		ChildID: id,
		Points:  req.Points,
		PlanID:  req.PlanID,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(receipt))
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

func (h *Handler) ReverseTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ReverseRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.Engine.ReverseTransfer(r.Context(), actor(r), id, req.Points)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(receipt))
}

func (h *Handler) AdjustWindow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req AdjustWindowRequest
	if !decode(w, r, &req) {
		return
	}
	start, err := parseDate(req.StartAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid startAt", err)
		return
	}
	end, err := parseDate(req.EndAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid endAt", err)
		return
	}

	receipt, err := h.Engine.AdjustWindow(r.Context(), actor(r), id, start, end)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(receipt))
}

// =============================================================================
// REFUND HANDLERS
// =============================================================================

func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	var q points.Query
	if !decode(w, r, &q) {
		return
	}
	page, err := h.Engine.ListRefunds(r.Context(), actor(r), q)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(page, func(rr points.RefundRequest) RefundDTO { return toRefundDTO(&rr) }))
}

func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req RefundRequestBody
	if !decode(w, r, &req) {
		return
	}
	refund, err := h.Engine.RequestRefund(r.Context(), actor(r), userID, req.Months, req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRefundDTO(refund))
}

func (h *Handler) AcceptRefund(w http.ResponseWriter, r *http.Request) {
	h.reviewRefund(w, r, h.Engine.AcceptRefund)
}

func (h *Handler) RejectRefund(w http.ResponseWriter, r *http.Request) {
	h.reviewRefund(w, r, h.Engine.RejectRefund)
}

func (h *Handler) reviewRefund(w http.ResponseWriter, r *http.Request,
	review func(context.Context, points.Actor, int64) (*points.RefundRequest, error)) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	refund, err := review(r.Context(), actor(r), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundDTO(refund))
}

func (h *Handler) RefundHistory(w http.ResponseWriter, r *http.Request) {
	parentID, ok := pathID(w, r, "parentId")
	if !ok {
		return
	}
	stats, err := h.Engine.RefundHistory(r.Context(), parentID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// LEDGER & PLAN HANDLERS
// =============================================================================

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	var q points.Query
	if !decode(w, r, &q) {
		return
	}
	page, err := h.Engine.ListTransactions(r.Context(), actor(r), q)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(page, toLedgerEntryDTO))
}

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Engine.Plans(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toPlanDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SavePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanDTO
	if !decode(w, r, &req) {
		return
	}
	p := &points.Plan{
		ID:               req.ID,
		Name:             req.Name,
		DurationInMonths: req.DurationInMonths,
		DurationInDays:   req.DurationInDays,
		Type:             points.PlanType(req.Type),
		RequiredPoints:   req.RequiredPoints,
		Active:           req.Active,
	}
	status := http.StatusOK
	if p.ID == 0 {
		status = http.StatusCreated
	}
	if err := h.Engine.SavePlan(r.Context(), actor(r), p); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, status, toPlanDTO(*p))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Kind: string(points.KindInvalidRequest)}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps an engine error to its HTTP status.
// Internal failures do not leak details.
func writeEngineError(w http.ResponseWriter, err error) {
	kind := points.KindOf(err)
	resp := ErrorResponse{Kind: string(kind), Details: err.Error()}
	status := http.StatusInternalServerError

	switch kind {
	case points.KindInvalidRequest:
		status, resp.Error = http.StatusBadRequest, "Invalid request"
	case points.KindInsufficientPoints:
		status, resp.Error = http.StatusPaymentRequired, "Insufficient points"
	case points.KindPermissionDenied:
		status, resp.Error = http.StatusForbidden, "Permission denied"
	case points.KindNotFound:
		status, resp.Error = http.StatusNotFound, "Not found"
	case points.KindUnsupportedRole:
		status, resp.Error = http.StatusUnprocessableEntity, "Unsupported role"
	case points.KindLedgerWriteFailed:
		resp.Error = "Ledger write failed"
		var lw *points.LedgerWriteError
		if errors.As(err, &lw) {
			resp.Details = "transfer " + lw.TransferID + " was rolled back"
		} else {
			resp.Details = ""
		}
	default:
		resp.Error, resp.Details = "Internal error", ""
	}
	writeJSON(w, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid "+name, fmt.Errorf("%q is not a positive id", raw))
		return 0, false
	}
	return id, true
}

// actor is set by Authenticate on every /api route.
func actor(r *http.Request) points.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}
