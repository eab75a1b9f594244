/*
scenarios.go - Demo hierarchies for development and demonstrations

PURPOSE:
  Populates an empty store with a realistic reseller network. Everything
  below the Admin is created through the engine, so the ledger of a freshly
  loaded scenario is complete and balances reconcile.

AVAILABLE SCENARIOS:
  reseller-network:  Admin -> Owner -> Super Master -> Master -> Subscribers,
                     plus Managers and a monthly/quarterly/yearly catalogue
  refund-review:     reseller-network plus pending refund requests

HOW SCENARIOS WORK:
  1. Reset the store (clear all data)
  2. Write the Admin account directly (nobody funds the Admin)
  3. Create plans as the Admin
  4. Create and fund the hierarchy top-down
  5. Optionally raise refund requests

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "refund-review"}

USAGE VIA CLI:
  points-server seed --scenario reseller-network

NOTE:
  Scenarios reset the database. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "reseller-network",
		Name:        "Reseller Network",
		Description: "Full hierarchy with funded accounts and subscribers on every plan",
	},
	{
		ID:          "refund-review",
		Name:        "Refund Review",
		Description: "Reseller network with pending refund requests awaiting review",
	},
}

// AdminPoints is the balance the demo Admin starts with.
const AdminPoints = 1_000_000

// ScenarioResult maps demo usernames to the ids they were given.
type ScenarioResult struct {
	Scenario string           `json:"scenario"`
	Accounts map[string]int64 `json:"accounts"`
	Plans    map[string]int64 `json:"plans"`
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a scenario. Admin only.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if a := actor(r); a.Role != points.RoleAdmin {
		writeEngineError(w, &points.PermissionDeniedError{Role: a.Role, Task: "load scenario"})
		return
	}
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := Seed(r.Context(), h.Engine, req.ScenarioID)
	if err != nil {
		h.Log.ErrorContext(r.Context(), "scenario load failed", "scenario", req.ScenarioID, "error", err)
		writeEngineError(w, err)
		return
	}
	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, result)
}

// Seed resets the engine's store and loads scenarioID.
func Seed(ctx context.Context, engine *points.Engine, scenarioID string) (*ScenarioResult, error) {
	var withRefunds bool
	switch scenarioID {
	case "reseller-network":
	case "refund-review":
		withRefunds = true
	default:
		return nil, &points.InvalidRequestError{Reason: fmt.Sprintf("unknown scenario %q", scenarioID)}
	}

	resetter, ok := engine.Store().(Resetter)
	if !ok {
		return nil, fmt.Errorf("store %T cannot be reset", engine.Store())
	}
	if err := resetter.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset store: %w", err)
	}

	l := &loader{ctx: ctx, engine: engine, result: &ScenarioResult{
		Scenario: scenarioID,
		Accounts: map[string]int64{},
		Plans:    map[string]int64{},
	}}
	l.network()
	if withRefunds {
		l.refunds()
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.result, nil
}

// =============================================================================
// LOADER
// =============================================================================

// loader stops at the first error; later steps become no-ops.
type loader struct {
	ctx    context.Context
	engine *points.Engine
	result *ScenarioResult
	actors map[string]points.Actor
	err    error
}

func (l *loader) network() {
	today := points.DateOf(time.Now())
	admin := &points.Account{
		Name:      "Platform Admin",
		Username:  "admin",
		Role:      points.RoleAdmin,
		Points:    AdminPoints,
		Enabled:   true,
		CreatedAt: today,
	}
	if err := l.engine.Store().CreateAccount(l.ctx, admin); err != nil {
		l.err = fmt.Errorf("create admin: %w", err)
		return
	}
	l.actors = map[string]points.Actor{"admin": {UserID: admin.ID, Role: points.RoleAdmin, TenantID: "demo"}}
	l.result.Accounts["admin"] = admin.ID

	l.plan("Monthly", 1, 300)
	l.plan("Quarterly", 3, 800)
	l.plan("Yearly", 12, 3000)

	l.child("admin", points.RoleOwner, "acme", "Acme Networks", 200_000, "")
	l.manager("acme", "acme.ops", "Acme Operations")
	l.child("acme", points.RoleSuperMaster, "north", "North Region", 60_000, "")
	l.child("north", points.RoleMaster, "harbor", "Harbor Telecom", 20_000, "")
	l.child("acme", points.RoleMaster, "direct", "Direct Sales", 10_000, "")
	l.manager("harbor", "harbor.desk", "Harbor Front Desk")

	l.child("harbor", points.RoleSubscriber, "alice", "Alice", 0, "Monthly")
	l.child("harbor", points.RoleSubscriber, "bruno", "Bruno", 0, "Quarterly")
	l.child("harbor", points.RoleSubscriber, "chen", "Chen", 0, "Yearly")
	l.child("direct", points.RoleSubscriber, "dana", "Dana", 0, "Yearly")
	l.child("acme", points.RoleSubscriber, "eli", "Eli", 0, "Monthly")

	l.recharge("harbor", "alice", 0, "Monthly")
	l.recharge("north", "harbor", 5_000, "")
	if l.err == nil {
		_, l.err = l.engine.ReverseTransfer(l.ctx, l.actors["acme"], l.result.Accounts["direct"], 2_000)
	}
}

func (l *loader) refunds() {
	l.refund("harbor", "chen", 6, "Relocating abroad")
	l.refund("direct", "dana", 12, "Duplicate purchase")
	l.refund("harbor.desk", "bruno", 1, "Service outage in March")
}

func (l *loader) plan(name string, months int, cost int64) {
	if l.err != nil {
		return
	}
	p := &points.Plan{Name: name, DurationInMonths: months, Type: points.PlanPaid, RequiredPoints: cost, Active: true}
	if err := l.engine.SavePlan(l.ctx, l.actors["admin"], p); err != nil {
		l.err = fmt.Errorf("plan %s: %w", name, err)
		return
	}
	l.result.Plans[name] = p.ID
}

func (l *loader) child(parent string, role points.Role, username, name string, pts int64, plan string) {
	if l.err != nil {
		return
	}
	receipt, err := l.engine.CreateAndFund(l.ctx, l.actors[parent], points.CreateChild{
		Role:     role,
		Name:     name,
		Username: username,
		Points:   pts,
		PlanID:   l.result.Plans[plan],
	})
	if err != nil {
		l.err = fmt.Errorf("create %s: %w", username, err)
		return
	}
	l.remember(username, receipt.Account)
}

func (l *loader) manager(parent, username, name string) {
	if l.err != nil {
		return
	}
	acc, err := l.engine.CreateManager(l.ctx, l.actors[parent], points.NewAccount{Name: name, Username: username})
	if err != nil {
		l.err = fmt.Errorf("create manager %s: %w", username, err)
		return
	}
	l.remember(username, acc)
}

func (l *loader) recharge(parent, child string, pts int64, plan string) {
	if l.err != nil {
		return
	}
	_, err := l.engine.Recharge(l.ctx, l.actors[parent], points.RechargeRequest{
		ChildID: l.result.Accounts[child],
		Points:  pts,
		PlanID:  l.result.Plans[plan],
	})
	if err != nil {
		l.err = fmt.Errorf("recharge %s: %w", child, err)
	}
}

func (l *loader) refund(requester, subscriber string, months int, reason string) {
	if l.err != nil {
		return
	}
	_, err := l.engine.RequestRefund(l.ctx, l.actors[requester], l.result.Accounts[subscriber], months, reason)
	if err != nil {
		l.err = fmt.Errorf("refund for %s: %w", subscriber, err)
	}
}

func (l *loader) remember(username string, acc *points.Account) {
	l.result.Accounts[username] = acc.ID
	l.actors[username] = points.Actor{UserID: acc.ID, Role: acc.Role, TenantID: "demo"}
}
