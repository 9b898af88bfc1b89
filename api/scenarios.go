/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Every scenario goes through the real services, so the
	resulting balances and commissions obey the same rules as live traffic.

AVAILABLE SCENARIOS:

	direct-referral:       Tier-1 agent with a tier-2 recruit, both selling
	withdrawal-lifecycle:  Approved, rejected and pending payouts
	settlement:            Mix of pending and settled commissions
	rate-tiers:            Agents in each sales band after rate adjustment

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Apply and approve agents
 3. Replay completed orders through the commission engine
 4. Optionally request, process and settle

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "direct-referral"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Service wiring
  - commission/engine.go: OnOrderCompleted
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/agent"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/withdrawal"
)

// Resetter is implemented by stores that can be wiped.
type Resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "direct-referral",
		Name:        "Direct and Referral",
		Description: "Tier-1 agent recruits a tier-2 agent; both sell and the recruiter earns referral commission",
	},
	{
		ID:          "withdrawal-lifecycle",
		Name:        "Withdrawal Lifecycle",
		Description: "One approved, one rejected and one pending withdrawal with the 2% fee",
	},
	{
		ID:          "settlement",
		Name:        "Settlement",
		Description: "Commissions across several orders, some already settled",
	},
	{
		ID:          "rate-tiers",
		Name:        "Rate Tiers",
		Description: "Agents below, between and above the sales thresholds after a rate adjustment run",
	},
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"direct-referral":      h.loadDirectReferralScenario,
		"withdrawal-lifecycle": h.loadWithdrawalLifecycleScenario,
		"settlement":           h.loadSettlementScenario,
		"rate-tiers":           h.loadRateTiersScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r, "load scenarios") {
		return
	}
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, ledger.CodeValidation, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := load(ctx); err != nil {
		h.Log.Error("scenario load failed", zap.String("scenario", req.ScenarioID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, ledger.Code(err), fmt.Sprintf("Failed to load scenario: %v", err), nil)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Log.Info("scenario loaded", zap.String("scenario", req.ScenarioID))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r, "reset the ledger") {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// reset must be called with h.mu held.
func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Store.(Resetter)
	if !ok {
		return fmt.Errorf("store %T does not support reset", h.Store)
	}
	if err := rs.Reset(ctx); err != nil {
		return err
	}
	h.currentScenario = ""
	return nil
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request, action string) bool {
	actor := actorFrom(r.Context())
	if actor.IsAdmin() {
		return true
	}
	h.fail(w, r, &ledger.PermissionError{Actor: actor, Action: action})
	return false
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadDirectReferralScenario(ctx context.Context) error {
	// Alice (tier 1) recruits Bob (tier 2).
	alice, err := h.enroll(ctx, "alice", "")
	if err != nil {
		return err
	}
	bob, err := h.enroll(ctx, "bob", string(alice.ID))
	if err != nil {
		return err
	}

	base := daysAgo(10)
	sales := []struct {
		order  string
		agent  ledger.AgentID
		amount string
		at     time.Time
	}{
		{"ord-1001", alice.ID, "2000.00", base},
		{"ord-1002", bob.ID, "5000.00", base.Add(24 * time.Hour)},
		{"ord-1003", bob.ID, "1250.50", base.Add(72 * time.Hour)},
		{"ord-1004", alice.ID, "800.00", base.Add(96 * time.Hour)},
		// No agent: recorded nowhere, shows the skip path in the logs.
		{"ord-1005", "", "300.00", base.Add(120 * time.Hour)},
	}
	for _, s := range sales {
		if err := h.sell(ctx, s.order, s.agent, s.amount, s.at); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadWithdrawalLifecycleScenario(ctx context.Context) error {
	carol, err := h.enroll(ctx, "carol", "")
	if err != nil {
		return err
	}
	// 20000 at 0.15 leaves a 3000.00 balance.
	if err := h.sell(ctx, "ord-2001", carol.ID, "20000.00", daysAgo(20)); err != nil {
		return err
	}

	payouts := []struct {
		amount   string
		method   ledger.PayoutMethod
		account  string
		decision withdrawal.Decision
	}{
		{"1000.00", ledger.PayoutBank, "DE89370400440532013000", withdrawal.Approve},
		{"500.00", ledger.PayoutCrypto, "0x52908400098527886E0F", withdrawal.Reject},
		{"250.00", ledger.PayoutMobileMoney, "+254700000001", ""},
	}
	for _, p := range payouts {
		wd, err := h.Withdrawals.Request(ctx, withdrawal.RequestCommand{
			Actor:   ledger.SystemActor,
			UserID:  carol.UserID,
			Amount:  ledger.MustParseMoney(p.amount),
			Method:  p.method,
			Account: p.account,
		})
		if err != nil {
			return err
		}
		if p.decision == "" {
			continue
		}
		if _, err := h.Withdrawals.Process(ctx, withdrawal.ProcessCommand{
			Actor:        ledger.SystemActor,
			WithdrawalID: wd.ID,
			Decision:     p.decision,
			Remark:       "demo",
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadSettlementScenario(ctx context.Context) error {
	dave, err := h.enroll(ctx, "dave", "")
	if err != nil {
		return err
	}
	erin, err := h.enroll(ctx, "erin", string(dave.ID))
	if err != nil {
		return err
	}

	var settle []ledger.CommissionID
	for i := 0; i < 6; i++ {
		acc, err := h.Commissions.OnOrderCompleted(ctx, commission.OrderCompleted{
			OrderID:     ledger.OrderID(fmt.Sprintf("ord-30%02d", i+1)),
			AgentID:     erin.ID,
			TotalAmount: ledger.MustParseMoney(fmt.Sprintf("%d.00", 1000*(i+1))),
			CompletedAt: daysAgo(30 - 4*i),
		})
		if err != nil {
			return err
		}
		// Settle the first half of the orders, both levels.
		if i < 3 && acc.Credited() {
			settle = append(settle, acc.Direct.ID)
			if acc.Referral != nil {
				settle = append(settle, acc.Referral.ID)
			}
		}
	}
	_, err = h.Commissions.Settle(ctx, commission.SettleCommand{Actor: ledger.SystemActor, IDs: settle})
	return err
}

func (h *Handler) loadRateTiersScenario(ctx context.Context) error {
	agents := []struct {
		user   ledger.UserID
		amount string
	}{
		{"frank", "30000.00"},  // below mid threshold: min rate
		{"grace", "60000.00"},  // mid band: midpoint
		{"heidi", "120000.00"}, // top band: max rate
	}
	for i, a := range agents {
		ag, err := h.enroll(ctx, a.user, "")
		if err != nil {
			return err
		}
		if err := h.sell(ctx, fmt.Sprintf("ord-40%02d", i+1), ag.ID, a.amount, daysAgo(5)); err != nil {
			return err
		}
	}
	_, err := h.Commissions.AdjustAll(ctx, ledger.SystemActor)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// enroll applies and approves an agent for user.
func (h *Handler) enroll(ctx context.Context, user ledger.UserID, invite string) (*ledger.Agent, error) {
	a, err := h.Agents.Apply(ctx, agent.ApplyCommand{Actor: ledger.SystemActor, UserID: user, InviteCode: invite})
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", user, err)
	}
	a, err = h.Agents.Review(ctx, agent.ReviewCommand{Actor: ledger.SystemActor, AgentID: a.ID, Status: ledger.AgentApproved})
	if err != nil {
		return nil, fmt.Errorf("approve %s: %w", user, err)
	}
	return a, nil
}

func (h *Handler) sell(ctx context.Context, orderID string, agentID ledger.AgentID, amount string, at time.Time) error {
	_, err := h.Commissions.OnOrderCompleted(ctx, commission.OrderCompleted{
		OrderID:     ledger.OrderID(orderID),
		AgentID:     agentID,
		TotalAmount: ledger.MustParseMoney(amount),
		CompletedAt: at,
	})
	if err != nil {
		return fmt.Errorf("order %s: %w", orderID, err)
	}
	return nil
}

func daysAgo(n int) time.Time {
	return time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -n)
}
