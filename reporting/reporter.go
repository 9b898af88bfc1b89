/*
Package reporting derives read-only views from the ledger.

PURPOSE:
  Agents see their balance, what is pending versus settled, how much they
  earned today, this week and this month, and their withdrawal history.
  Admins additionally run the conservation audit. Nothing here writes.

KEY VIEWS:
  FinanceSummary: Balance, totals and windowed commission sums
  TeamView:       An agent's recruits and their sales
  AuditResult:    Balance conservation check for one agent

SEE ALSO:
  - window.go: Time ranges
  - audit.go: Conservation invariant
*/
package reporting

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/ledger"
)

// recentWithdrawals is how many withdrawals the summary embeds.
const recentWithdrawals = 10

// Reporter answers read-only queries.
type Reporter struct {
	Store ledger.Store
	Log   *zap.Logger
	Now   ledger.Clock
}

func NewReporter(store ledger.Store, log *zap.Logger) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{Store: store, Log: log, Now: ledger.SystemClock}
}

// =============================================================================
// FINANCE SUMMARY
// =============================================================================

// FinanceSummary is an agent's financial position as of AsOf.
type FinanceSummary struct {
	AgentID        ledger.AgentID
	UserID         ledger.UserID
	Tier           ledger.Tier
	Status         ledger.AgentStatus
	CommissionRate decimal.Decimal
	ReferralRate   decimal.Decimal

	Balance         ledger.Money
	TotalSales      ledger.Money
	TotalCommission ledger.Money

	PendingCommission  ledger.Money
	SettledCommission  ledger.Money
	DirectCommission   ledger.Money
	ReferralCommission ledger.Money

	TodayCommission ledger.Money
	WeekCommission  ledger.Money
	MonthCommission ledger.Money

	PendingWithdrawal ledger.Money // reserved, awaiting decision
	PaidOut           ledger.Money // actual amount of completed withdrawals
	TotalWithdrawn    ledger.Money // requested amount of completed withdrawals

	RecentWithdrawals []ledger.Withdrawal
	AsOf              time.Time
}

// Summary builds the finance summary for a user's agent.
func (r *Reporter) Summary(ctx context.Context, actor ledger.Actor, userID ledger.UserID) (*FinanceSummary, error) {
	if !actor.CanActFor(userID) {
		return nil, &ledger.PermissionError{Actor: actor, Action: "view another user's finances"}
	}
	agent, err := r.Store.GetAgentByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := r.Now()
	w := WindowsAt(now)
	s := &FinanceSummary{
		AgentID:            agent.ID,
		UserID:             agent.UserID,
		Tier:               agent.Tier,
		Status:             agent.Status,
		CommissionRate:     agent.CommissionRate,
		ReferralRate:       agent.ReferralRate,
		Balance:            agent.Balance,
		TotalSales:         agent.TotalSales,
		TotalCommission:    agent.TotalCommission,
		PendingCommission:  ledger.Zero,
		SettledCommission:  ledger.Zero,
		DirectCommission:   ledger.Zero,
		ReferralCommission: ledger.Zero,
		TodayCommission:    ledger.Zero,
		WeekCommission:     ledger.Zero,
		MonthCommission:    ledger.Zero,
		PendingWithdrawal:  ledger.Zero,
		PaidOut:            ledger.Zero,
		TotalWithdrawn:     ledger.Zero,
		AsOf:               now,
	}

	commissions, err := r.Store.ListCommissions(ctx, ledger.CommissionFilter{AgentIDs: []ledger.AgentID{agent.ID}})
	if err != nil {
		return nil, err
	}
	for _, c := range commissions {
		switch c.Status {
		case ledger.CommissionPending:
			s.PendingCommission = s.PendingCommission.Add(c.Amount)
		case ledger.CommissionSettled:
			s.SettledCommission = s.SettledCommission.Add(c.Amount)
		}
		switch c.Type {
		case ledger.CommissionDirect:
			s.DirectCommission = s.DirectCommission.Add(c.Amount)
		case ledger.CommissionReferral:
			s.ReferralCommission = s.ReferralCommission.Add(c.Amount)
		}
		if c.CreatedAt.After(now) {
			continue
		}
		if !c.CreatedAt.Before(w.Today) {
			s.TodayCommission = s.TodayCommission.Add(c.Amount)
		}
		if !c.CreatedAt.Before(w.Week) {
			s.WeekCommission = s.WeekCommission.Add(c.Amount)
		}
		if !c.CreatedAt.Before(w.Month) {
			s.MonthCommission = s.MonthCommission.Add(c.Amount)
		}
	}

	withdrawals, err := r.Store.ListWithdrawals(ctx, ledger.WithdrawalFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	for _, wd := range withdrawals {
		switch wd.Status {
		case ledger.WithdrawalPending:
			s.PendingWithdrawal = s.PendingWithdrawal.Add(wd.Amount)
		case ledger.WithdrawalCompleted:
			s.PaidOut = s.PaidOut.Add(wd.ActualAmount)
			s.TotalWithdrawn = s.TotalWithdrawn.Add(wd.Amount)
		}
	}
	if len(withdrawals) > recentWithdrawals {
		withdrawals = withdrawals[:recentWithdrawals]
	}
	s.RecentWithdrawals = withdrawals
	return s, nil
}

// =============================================================================
// COMMISSION HISTORY
// =============================================================================

// CommissionQuery selects commission history. AgentID empty means the
// actor's own agent, or every agent for admins.
type CommissionQuery struct {
	AgentID ledger.AgentID
	Type    ledger.CommissionType
	Status  ledger.CommissionStatus
	Limit   int
	Offset  int
}

// Commissions lists commission entries newest first.
func (r *Reporter) Commissions(ctx context.Context, actor ledger.Actor, q CommissionQuery) ([]ledger.Commission, error) {
	filter := ledger.CommissionFilter{Type: q.Type, Status: q.Status, Limit: q.Limit, Offset: q.Offset}

	if actor.IsAdmin() {
		if q.AgentID != "" {
			filter.AgentIDs = []ledger.AgentID{q.AgentID}
		}
		return r.Store.ListCommissions(ctx, filter)
	}

	own, err := r.Store.GetAgentByUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if q.AgentID != "" && q.AgentID != own.ID {
		return nil, &ledger.PermissionError{Actor: actor, Action: "view another agent's commissions"}
	}
	filter.AgentIDs = []ledger.AgentID{own.ID}
	return r.Store.ListCommissions(ctx, filter)
}

// =============================================================================
// TEAM
// =============================================================================

// TeamMember is one recruit in a team view.
type TeamMember struct {
	AgentID    ledger.AgentID
	UserID     ledger.UserID
	Tier       ledger.Tier
	Status     ledger.AgentStatus
	TotalSales ledger.Money
	JoinedAt   time.Time
}

// TeamView summarizes an agent's downline.
type TeamView struct {
	AgentID       ledger.AgentID
	Members       []TeamMember
	DirectCount   int
	IndirectCount int
	TeamSales     ledger.Money // sales of direct and indirect members
}

// Team lists the agent's direct recruits and counts their recruits.
func (r *Reporter) Team(ctx context.Context, actor ledger.Actor, agentID ledger.AgentID) (*TeamView, error) {
	agent, err := r.Store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !actor.CanActFor(agent.UserID) {
		return nil, &ledger.PermissionError{Actor: actor, Action: "view another agent's team"}
	}

	children, err := r.Store.ListAgents(ctx, ledger.AgentFilter{ParentID: agent.ID})
	if err != nil {
		return nil, err
	}

	view := &TeamView{AgentID: agent.ID, DirectCount: len(children), TeamSales: ledger.Zero}
	for _, c := range children {
		view.Members = append(view.Members, TeamMember{
			AgentID:    c.ID,
			UserID:     c.UserID,
			Tier:       c.Tier,
			Status:     c.Status,
			TotalSales: c.TotalSales,
			JoinedAt:   c.CreatedAt,
		})
		view.TeamSales = view.TeamSales.Add(c.TotalSales)

		grandchildren, err := r.Store.ListAgents(ctx, ledger.AgentFilter{ParentID: c.ID})
		if err != nil {
			return nil, err
		}
		view.IndirectCount += len(grandchildren)
		for _, g := range grandchildren {
			view.TeamSales = view.TeamSales.Add(g.TotalSales)
		}
	}
	return view, nil
}
