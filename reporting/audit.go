package reporting

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// AUDIT - Balance conservation
// =============================================================================
//
// For every agent the ledger must satisfy:
//
//   balance == total_commission - sum(pending + completed withdrawal amounts)
//   total_commission == sum(commission entry amounts)
//   balance >= 0
//
// Rejected withdrawals are excluded because their reservation was returned.
// Each agent is checked inside one transaction holding its row lock, so
// the agent, its entries and its withdrawals are read at one instant.

// AuditResult is the outcome of checking one agent.
type AuditResult struct {
	AgentID         ledger.AgentID
	Balance         ledger.Money
	TotalCommission ledger.Money
	CommissionSum   ledger.Money
	Reserved        ledger.Money // pending + completed withdrawal amounts
	ExpectedBalance ledger.Money
	Problems        []string
}

// OK reports whether every check passed.
func (a AuditResult) OK() bool { return len(a.Problems) == 0 }

// Audit checks the conservation invariants for one agent.
func (r *Reporter) Audit(ctx context.Context, actor ledger.Actor, agentID ledger.AgentID) (*AuditResult, error) {
	if !actor.IsAdmin() {
		return nil, &ledger.PermissionError{Actor: actor, Action: "audit agents"}
	}
	return r.audit(ctx, agentID)
}

// AuditAll audits every agent and returns one result per agent.
func (r *Reporter) AuditAll(ctx context.Context, actor ledger.Actor) ([]AuditResult, error) {
	if !actor.IsAdmin() {
		return nil, &ledger.PermissionError{Actor: actor, Action: "audit agents"}
	}
	agents, err := r.Store.ListAgents(ctx, ledger.AgentFilter{})
	if err != nil {
		return nil, err
	}

	results := make([]AuditResult, 0, len(agents))
	failed := 0
	for i := range agents {
		res, err := r.audit(ctx, agents[i].ID)
		if err != nil {
			return nil, err
		}
		if !res.OK() {
			failed++
		}
		results = append(results, *res)
	}

	r.Log.Info("ledger audit finished", zap.Int("agents", len(results)), zap.Int("failed", failed))
	return results, nil
}

func (r *Reporter) audit(ctx context.Context, agentID ledger.AgentID) (*AuditResult, error) {
	var (
		agent       *ledger.Agent
		commissions []ledger.Commission
		withdrawals []ledger.Withdrawal
	)
	err := r.Store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		agent, err = tx.LockAgent(ctx, agentID)
		if err != nil {
			return err
		}
		commissions, err = tx.ListCommissions(ctx, ledger.CommissionFilter{AgentIDs: []ledger.AgentID{agent.ID}})
		if err != nil {
			return err
		}
		withdrawals, err = tx.ListWithdrawals(ctx, ledger.WithdrawalFilter{UserID: agent.UserID})
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &AuditResult{
		AgentID:         agent.ID,
		Balance:         agent.Balance,
		TotalCommission: agent.TotalCommission,
		CommissionSum:   ledger.Zero,
		Reserved:        ledger.Zero,
	}
	for _, c := range commissions {
		res.CommissionSum = res.CommissionSum.Add(c.Amount)
	}
	for _, w := range withdrawals {
		if w.Status == ledger.WithdrawalRejected {
			continue
		}
		res.Reserved = res.Reserved.Add(w.Amount)
	}
	res.ExpectedBalance = agent.TotalCommission.Sub(res.Reserved)

	if !res.Balance.Equal(res.ExpectedBalance) {
		res.Problems = append(res.Problems, fmt.Sprintf("balance %s, expected %s", res.Balance, res.ExpectedBalance))
	}
	if !res.CommissionSum.Equal(res.TotalCommission) {
		res.Problems = append(res.Problems, fmt.Sprintf("commission entries sum to %s, total_commission is %s",
			res.CommissionSum, res.TotalCommission))
	}
	if res.Balance.IsNegative() {
		res.Problems = append(res.Problems, fmt.Sprintf("negative balance %s", res.Balance))
	}
	if !res.OK() {
		r.Log.Warn("ledger audit mismatch",
			zap.String("agent_id", string(agent.ID)),
			zap.Strings("problems", res.Problems))
	}
	return res, nil
}
