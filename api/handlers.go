/*
handlers.go - HTTP API handlers for the commission ledger

PURPOSE:
  Exposes the commission engine, withdrawals and reporting via REST API.
  Handles HTTP request/response and JSON serialization, and delegates every
  decision to the domain services.

ENDPOINTS:
  Agents:
    POST   /api/agents                    Apply as an agent
    GET    /api/agents                    List agents (admin)
    GET    /api/agents/{id}               Agent details
    PUT    /api/agents/{id}/review        Approve/reject, rate overrides (admin)
    POST   /api/agents/{id}/adjust-rate   Apply the sales-based rate (admin)
    GET    /api/agents/{id}/team          Recruits and team sales
    GET    /api/agents/{id}/audit         Conservation check (admin)

  Orders:
    POST   /api/orders/completed          Order collaborator notification (system)

  Commissions:
    GET    /api/commissions               Commission history
    POST   /api/commissions/settle        Batch settlement (admin)

  Withdrawals:
    POST   /api/withdrawals               Request a payout (rate limited)
    GET    /api/withdrawals               Withdrawal history
    GET    /api/withdrawals/{id}          Withdrawal details
    PUT    /api/withdrawals/{id}          Approve/reject (admin)

  Reporting and admin:
    GET    /api/profile/finance           Finance summary
    POST   /api/admin/adjust-rates        Rate adjustment run (admin)
    GET    /api/admin/audit               Audit every agent (admin)
    GET    /api/admin/stats               Platform totals (admin)
    GET    /api/policy                    Active rate policy

REQUEST FLOW:
  1. Resolve the actor (server.go middleware)
  2. Decode the body into a *Request type
  3. Build the service command and call the service
  4. Serialize the result as a *DTO

ERROR HANDLING:
  Service errors are mapped by ledger.Code:
  - 400: validation_error
  - 403: permission_denied
  - 404: not_found
  - 409: conflict
  - 422: insufficient_balance
  - 503: storage_error (retryable)
  - 500: internal_error

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/agent"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/reporting"
	"github.com/warp/commission-engine/withdrawal"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store         ledger.Store
	Policy        commission.Policy
	PolicyFactory *factory.PolicyFactory

	Agents      *agent.Directory
	Commissions *commission.Service
	Withdrawals *withdrawal.Service
	Reports     *reporting.Reporter
	Log         *zap.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the services over one store and publisher.
func NewHandler(store ledger.Store, policy commission.Policy, pub events.Publisher, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:         store,
		Policy:        policy,
		PolicyFactory: factory.NewPolicyFactory(),
		Agents:        agent.NewDirectory(store, policy, pub, log),
		Commissions:   commission.NewService(store, policy, pub, log),
		Withdrawals:   withdrawal.NewService(store, policy, pub, log),
		Reports:       reporting.NewReporter(store, log),
		Log:           log,
	}
}

// SetClock pins the time source of every service.
func (h *Handler) SetClock(now ledger.Clock) {
	h.Agents.Now = now
	h.Commissions.Now = now
	h.Withdrawals.Now = now
	h.Reports.Now = now
}

// =============================================================================
// AGENT HANDLERS
// =============================================================================

// ApplyAgent creates a pending agent for the caller.
func (h *Handler) ApplyAgent(w http.ResponseWriter, r *http.Request) {
	var req ApplyAgentRequest
	if !decode(w, r, &req) {
		return
	}
	actor := actorFrom(r.Context())
	userID := ledger.UserID(req.UserID)
	if userID == "" {
		userID = actor.UserID
	}

	a, err := h.Agents.Apply(r.Context(), agent.ApplyCommand{Actor: actor, UserID: userID, InviteCode: req.InviteCode})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentDTO(a))
}

// ListAgents returns agents filtered by status, parent_id and tier.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.AgentFilter{
		Status:   ledger.AgentStatus(q.Get("status")),
		ParentID: ledger.AgentID(q.Get("parent_id")),
	}
	if s := q.Get("tier"); s != "" {
		tier, err := strconv.Atoi(s)
		if err != nil || !ledger.Tier(tier).Valid() {
			h.fail(w, r, ledger.NewValidationError("tier", "must be 1 or 2"))
			return
		}
		filter.Tier = ledger.Tier(tier)
	}

	agents, err := h.Agents.List(r.Context(), actorFrom(r.Context()), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]AgentDTO, len(agents))
	for i := range agents {
		dtos[i] = toAgentDTO(&agents[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAgent returns one agent.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Get(r.Context(), actorFrom(r.Context()), ledger.AgentID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentDTO(a))
}

// ReviewAgent applies an admin review.
func (h *Handler) ReviewAgent(w http.ResponseWriter, r *http.Request) {
	var req ReviewAgentRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.Agents.Review(r.Context(), agent.ReviewCommand{
		Actor:          actorFrom(r.Context()),
		AgentID:        ledger.AgentID(chi.URLParam(r, "id")),
		Status:         ledger.AgentStatus(req.Status),
		CommissionRate: req.CommissionRate,
		ReferralRate:   req.ReferralRate,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentDTO(a))
}

// AdjustAgentRate applies the policy rate for one agent's sales.
func (h *Handler) AdjustAgentRate(w http.ResponseWriter, r *http.Request) {
	adj, err := h.Commissions.AdjustRate(r.Context(), actorFrom(r.Context()), ledger.AgentID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateAdjustmentDTO(*adj))
}

// GetTeam returns the agent's recruits.
func (h *Handler) GetTeam(w http.ResponseWriter, r *http.Request) {
	team, err := h.Reports.Team(r.Context(), actorFrom(r.Context()), ledger.AgentID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTeamDTO(team))
}

// AuditAgent checks one agent's balance conservation.
func (h *Handler) AuditAgent(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reports.Audit(r.Context(), actorFrom(r.Context()), ledger.AgentID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(res))
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// OrderCompleted credits commissions for a completed order. Only the
// system role (or an admin) may deliver order notifications.
func (h *Handler) OrderCompleted(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if !actor.IsAdmin() {
		h.fail(w, r, &ledger.PermissionError{Actor: actor, Action: "report completed orders"})
		return
	}
	var req OrderCompletedRequest
	if !decode(w, r, &req) {
		return
	}

	cmd := commission.OrderCompleted{
		OrderID:     ledger.OrderID(req.OrderID),
		AgentID:     ledger.AgentID(req.AgentID),
		TotalAmount: req.TotalAmount,
		Currency:    req.Currency,
	}
	if req.CompletedAt != nil {
		cmd.CompletedAt = req.CompletedAt.UTC()
	}

	acc, err := h.Commissions.OnOrderCompleted(r.Context(), cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if acc.Credited() {
		status = http.StatusCreated
	}
	writeJSON(w, status, toAccrualDTO(acc))
}

// =============================================================================
// COMMISSION HANDLERS
// =============================================================================

// ListCommissions returns commission history, newest first.
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := h.paging(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	entries, err := h.Reports.Commissions(r.Context(), actorFrom(r.Context()), reporting.CommissionQuery{
		AgentID: ledger.AgentID(q.Get("agent_id")),
		Type:    ledger.CommissionType(q.Get("type")),
		Status:  ledger.CommissionStatus(q.Get("status")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]*CommissionDTO, len(entries))
	for i := range entries {
		dtos[i] = toCommissionDTO(&entries[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SettleCommissions moves pending commissions to settled.
func (h *Handler) SettleCommissions(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}
	ids := make([]ledger.CommissionID, len(req.IDs))
	for i, id := range req.IDs {
		ids[i] = ledger.CommissionID(id)
	}

	count, err := h.Commissions.Settle(r.Context(), commission.SettleCommand{Actor: actorFrom(r.Context()), IDs: ids})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SettleResponse{Count: count})
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

// RequestWithdrawal reserves balance for a payout.
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	actor := actorFrom(r.Context())
	userID := ledger.UserID(req.UserID)
	if userID == "" {
		userID = actor.UserID
	}

	wd, err := h.Withdrawals.Request(r.Context(), withdrawal.RequestCommand{
		Actor:   actor,
		UserID:  userID,
		Amount:  req.Amount,
		Method:  ledger.PayoutMethod(req.Method),
		Account: req.Account,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(wd))
}

// ListWithdrawals returns withdrawal history, newest first.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := h.paging(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	ws, err := h.Withdrawals.History(r.Context(), actorFrom(r.Context()), ledger.WithdrawalFilter{
		UserID: ledger.UserID(q.Get("user_id")),
		Status: ledger.WithdrawalStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(ws))
}

// GetWithdrawal returns one withdrawal.
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.Withdrawals.Get(r.Context(), actorFrom(r.Context()), ledger.WithdrawalID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(wd))
}

// ProcessWithdrawal applies an admin decision.
func (h *Handler) ProcessWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req ProcessWithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	wd, err := h.Withdrawals.Process(r.Context(), withdrawal.ProcessCommand{
		Actor:        actorFrom(r.Context()),
		WithdrawalID: ledger.WithdrawalID(chi.URLParam(r, "id")),
		Decision:     withdrawal.Decision(req.Decision),
		Remark:       req.Remark,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(wd))
}

// =============================================================================
// REPORTING AND ADMIN HANDLERS
// =============================================================================

// GetFinance returns the caller's finance summary. Admins may pass user_id.
func (h *Handler) GetFinance(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	userID := ledger.UserID(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = actor.UserID
	}
	sum, err := h.Reports.Summary(r.Context(), actor, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFinanceSummaryDTO(sum))
}

// AdjustAllRates runs the rate adjustment over every approved agent.
func (h *Handler) AdjustAllRates(w http.ResponseWriter, r *http.Request) {
	changed, err := h.Commissions.AdjustAll(r.Context(), actorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]RateAdjustmentDTO, len(changed))
	for i, a := range changed {
		dtos[i] = toRateAdjustmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AuditAll checks every agent.
func (h *Handler) AuditAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.Reports.AuditAll(r.Context(), actorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]AuditDTO, len(results))
	for i := range results {
		dtos[i] = toAuditDTO(&results[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStats returns platform-wide totals.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Reports.Stats(r.Context(), actorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

// GetPolicy returns the active rate policy document.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(h.Policy))
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case ledger.CodeValidation:
		return http.StatusBadRequest
	case ledger.CodeNotFound:
		return http.StatusNotFound
	case ledger.CodePermission:
		return http.StatusForbidden
	case ledger.CodeConflict:
		return http.StatusConflict
	case ledger.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case ledger.CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes a service error. Server-side failures are logged and their
// details withheld from the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := ledger.Code(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err))
		writeError(w, status, code, http.StatusText(status), nil)
		return
	}
	writeError(w, status, code, err.Error(), nil)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ledger.CodeValidation, "Invalid request body", err)
		return false
	}
	return true
}

func (h *Handler) paging(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		s := q.Get(p.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.fail(w, r, ledger.NewValidationError(p.name, "must be a non-negative integer"))
			return 0, 0, false
		}
		*p.dst = n
	}
	return limit, offset, true
}
