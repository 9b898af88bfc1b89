/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small response wrappers

MONEY AND RATES:
  Amounts are rendered as fixed two-place strings ("980.00") and rates as
  decimal strings ("0.08"). Requests accept strings or numbers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/reporting"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ApplyAgentRequest registers the caller (or, for admins, UserID) as an agent.
type ApplyAgentRequest struct {
	UserID     string `json:"user_id,omitempty"`
	InviteCode string `json:"invite_code,omitempty"`
}

// ReviewAgentRequest approves or rejects an application.
type ReviewAgentRequest struct {
	Status         string           `json:"status"`
	CommissionRate *decimal.Decimal `json:"commission_rate,omitempty"`
	ReferralRate   *decimal.Decimal `json:"referral_rate,omitempty"`
}

// OrderCompletedRequest is sent by the order collaborator.
type OrderCompletedRequest struct {
	OrderID     string       `json:"order_id"`
	AgentID     string       `json:"agent_id,omitempty"`
	TotalAmount ledger.Money `json:"total_amount"`
	Currency    string       `json:"currency,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// SettleRequest lists commission ids to settle.
type SettleRequest struct {
	IDs []string `json:"ids"`
}

// WithdrawalRequest asks for a payout.
type WithdrawalRequest struct {
	UserID  string       `json:"user_id,omitempty"`
	Amount  ledger.Money `json:"amount"`
	Method  string       `json:"method"`
	Account string       `json:"account"`
}

// ProcessWithdrawalRequest is an admin decision.
type ProcessWithdrawalRequest struct {
	Decision string `json:"decision"`
	Remark   string `json:"remark,omitempty"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

type AgentDTO struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	ParentID        string       `json:"parent_id,omitempty"`
	Tier            int          `json:"tier"`
	CommissionRate  string       `json:"commission_rate"`
	ReferralRate    string       `json:"referral_rate"`
	TotalSales      ledger.Money `json:"total_sales"`
	TotalCommission ledger.Money `json:"total_commission"`
	Balance         ledger.Money `json:"balance"`
	Status          string       `json:"status"`
	CreatedAt       string       `json:"created_at"`
	UpdatedAt       string       `json:"updated_at"`
}

type CommissionDTO struct {
	ID        string       `json:"id"`
	AgentID   string       `json:"agent_id"`
	OrderID   string       `json:"order_id"`
	Amount    ledger.Money `json:"amount"`
	Rate      string       `json:"rate"`
	Type      string       `json:"type"`
	Status    string       `json:"status"`
	CreatedAt string       `json:"created_at"`
	SettledAt *string      `json:"settled_at,omitempty"`
}

type WithdrawalDTO struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	AgentID      string       `json:"agent_id"`
	Amount       ledger.Money `json:"amount"`
	Fee          ledger.Money `json:"fee"`
	ActualAmount ledger.Money `json:"actual_amount"`
	Method       string       `json:"method"`
	Account      string       `json:"account"`
	Status       string       `json:"status"`
	Remark       string       `json:"remark,omitempty"`
	ProcessedBy  string       `json:"processed_by,omitempty"`
	CreatedAt    string       `json:"created_at"`
	ProcessedAt  *string      `json:"processed_at,omitempty"`
}

// AccrualDTO reports the outcome of an order notification.
type AccrualDTO struct {
	OrderID   string         `json:"order_id"`
	Credited  bool           `json:"credited"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Skipped   string         `json:"skipped,omitempty"`
	Direct    *CommissionDTO `json:"direct,omitempty"`
	Referral  *CommissionDTO `json:"referral,omitempty"`
}

type SettleResponse struct {
	Count int `json:"count"`
}

type RateAdjustmentDTO struct {
	AgentID    string       `json:"agent_id"`
	Tier       int          `json:"tier"`
	TotalSales ledger.Money `json:"total_sales"`
	OldRate    string       `json:"old_rate"`
	NewRate    string       `json:"new_rate"`
	Changed    bool         `json:"changed"`
}

type FinanceSummaryDTO struct {
	AgentID            string          `json:"agent_id"`
	UserID             string          `json:"user_id"`
	Tier               int             `json:"tier"`
	Status             string          `json:"status"`
	CommissionRate     string          `json:"commission_rate"`
	ReferralRate       string          `json:"referral_rate"`
	Balance            ledger.Money    `json:"balance"`
	TotalSales         ledger.Money    `json:"total_sales"`
	TotalCommission    ledger.Money    `json:"total_commission"`
	PendingCommission  ledger.Money    `json:"pending_commission"`
	SettledCommission  ledger.Money    `json:"settled_commission"`
	DirectCommission   ledger.Money    `json:"direct_commission"`
	ReferralCommission ledger.Money    `json:"referral_commission"`
	TodayCommission    ledger.Money    `json:"today_commission"`
	WeekCommission     ledger.Money    `json:"week_commission"`
	MonthCommission    ledger.Money    `json:"month_commission"`
	PendingWithdrawal  ledger.Money    `json:"pending_withdrawal"`
	PaidOut            ledger.Money    `json:"paid_out"`
	TotalWithdrawn     ledger.Money    `json:"total_withdrawn"`
	RecentWithdrawals  []WithdrawalDTO `json:"recent_withdrawals"`
	AsOf               string          `json:"as_of"`
}

type TeamMemberDTO struct {
	AgentID    string       `json:"agent_id"`
	UserID     string       `json:"user_id"`
	Tier       int          `json:"tier"`
	Status     string       `json:"status"`
	TotalSales ledger.Money `json:"total_sales"`
	JoinedAt   string       `json:"joined_at"`
}

type TeamDTO struct {
	AgentID       string          `json:"agent_id"`
	DirectCount   int             `json:"direct_count"`
	IndirectCount int             `json:"indirect_count"`
	TeamSales     ledger.Money    `json:"team_sales"`
	Members       []TeamMemberDTO `json:"members"`
}

type AuditDTO struct {
	AgentID         string       `json:"agent_id"`
	OK              bool         `json:"ok"`
	Balance         ledger.Money `json:"balance"`
	TotalCommission ledger.Money `json:"total_commission"`
	CommissionSum   ledger.Money `json:"commission_sum"`
	Reserved        ledger.Money `json:"reserved"`
	ExpectedBalance ledger.Money `json:"expected_balance"`
	Problems        []string     `json:"problems,omitempty"`
}

type StatsDTO struct {
	ApprovedAgents     int          `json:"approved_agents"`
	TotalOrders        int          `json:"total_orders"`
	PendingWithdrawals int          `json:"pending_withdrawals"`
	TotalSales         ledger.Money `json:"total_sales"`
	TotalCommission    ledger.Money `json:"total_commission"`
	AsOf               string       `json:"as_of"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toAgentDTO(a *ledger.Agent) AgentDTO {
	return AgentDTO{
		ID:              string(a.ID),
		UserID:          string(a.UserID),
		ParentID:        string(a.ParentID),
		Tier:            int(a.Tier),
		CommissionRate:  a.CommissionRate.String(),
		ReferralRate:    a.ReferralRate.String(),
		TotalSales:      a.TotalSales,
		TotalCommission: a.TotalCommission,
		Balance:         a.Balance,
		Status:          string(a.Status),
		CreatedAt:       formatTime(a.CreatedAt),
		UpdatedAt:       formatTime(a.UpdatedAt),
	}
}

func toCommissionDTO(c *ledger.Commission) *CommissionDTO {
	if c == nil {
		return nil
	}
	return &CommissionDTO{
		ID:        string(c.ID),
		AgentID:   string(c.AgentID),
		OrderID:   string(c.OrderID),
		Amount:    c.Amount,
		Rate:      c.Rate.String(),
		Type:      string(c.Type),
		Status:    string(c.Status),
		CreatedAt: formatTime(c.CreatedAt),
		SettledAt: formatTimePtr(c.SettledAt),
	}
}

func toWithdrawalDTO(w *ledger.Withdrawal) WithdrawalDTO {
	return WithdrawalDTO{
		ID:           string(w.ID),
		UserID:       string(w.UserID),
		AgentID:      string(w.AgentID),
		Amount:       w.Amount,
		Fee:          w.Fee,
		ActualAmount: w.ActualAmount,
		Method:       string(w.Method),
		Account:      w.Account,
		Status:       string(w.Status),
		Remark:       w.Remark,
		ProcessedBy:  w.ProcessedBy,
		CreatedAt:    formatTime(w.CreatedAt),
		ProcessedAt:  formatTimePtr(w.ProcessedAt),
	}
}

func toWithdrawalDTOs(ws []ledger.Withdrawal) []WithdrawalDTO {
	dtos := make([]WithdrawalDTO, len(ws))
	for i := range ws {
		dtos[i] = toWithdrawalDTO(&ws[i])
	}
	return dtos
}

func toAccrualDTO(a *commission.Accrual) AccrualDTO {
	return AccrualDTO{
		OrderID:   string(a.OrderID),
		Credited:  a.Credited(),
		Duplicate: a.Duplicate,
		Skipped:   string(a.Skipped),
		Direct:    toCommissionDTO(a.Direct),
		Referral:  toCommissionDTO(a.Referral),
	}
}

func toRateAdjustmentDTO(a commission.RateAdjustment) RateAdjustmentDTO {
	return RateAdjustmentDTO{
		AgentID:    string(a.AgentID),
		Tier:       int(a.Tier),
		TotalSales: a.TotalSales,
		OldRate:    a.OldRate.String(),
		NewRate:    a.NewRate.String(),
		Changed:    a.Changed,
	}
}

func toFinanceSummaryDTO(s *reporting.FinanceSummary) FinanceSummaryDTO {
	return FinanceSummaryDTO{
		AgentID:            string(s.AgentID),
		UserID:             string(s.UserID),
		Tier:               int(s.Tier),
		Status:             string(s.Status),
		CommissionRate:     s.CommissionRate.String(),
		ReferralRate:       s.ReferralRate.String(),
		Balance:            s.Balance,
		TotalSales:         s.TotalSales,
		TotalCommission:    s.TotalCommission,
		PendingCommission:  s.PendingCommission,
		SettledCommission:  s.SettledCommission,
		DirectCommission:   s.DirectCommission,
		ReferralCommission: s.ReferralCommission,
		TodayCommission:    s.TodayCommission,
		WeekCommission:     s.WeekCommission,
		MonthCommission:    s.MonthCommission,
		PendingWithdrawal:  s.PendingWithdrawal,
		PaidOut:            s.PaidOut,
		TotalWithdrawn:     s.TotalWithdrawn,
		RecentWithdrawals:  toWithdrawalDTOs(s.RecentWithdrawals),
		AsOf:               formatTime(s.AsOf),
	}
}

func toTeamDTO(t *reporting.TeamView) TeamDTO {
	dto := TeamDTO{
		AgentID:       string(t.AgentID),
		DirectCount:   t.DirectCount,
		IndirectCount: t.IndirectCount,
		TeamSales:     t.TeamSales,
		Members:       make([]TeamMemberDTO, len(t.Members)),
	}
	for i, m := range t.Members {
		dto.Members[i] = TeamMemberDTO{
			AgentID:    string(m.AgentID),
			UserID:     string(m.UserID),
			Tier:       int(m.Tier),
			Status:     string(m.Status),
			TotalSales: m.TotalSales,
			JoinedAt:   formatTime(m.JoinedAt),
		}
	}
	return dto
}

func toAuditDTO(a *reporting.AuditResult) AuditDTO {
	return AuditDTO{
		AgentID:         string(a.AgentID),
		OK:              a.OK(),
		Balance:         a.Balance,
		TotalCommission: a.TotalCommission,
		CommissionSum:   a.CommissionSum,
		Reserved:        a.Reserved,
		ExpectedBalance: a.ExpectedBalance,
		Problems:        a.Problems,
	}
}

func toStatsDTO(s *reporting.PlatformStats) StatsDTO {
	return StatsDTO{
		ApprovedAgents:     s.ApprovedAgents,
		TotalOrders:        s.TotalOrders,
		PendingWithdrawals: s.PendingWithdrawals,
		TotalSales:         s.TotalSales,
		TotalCommission:    s.TotalCommission,
		AsOf:               formatTime(s.AsOf),
	}
}
