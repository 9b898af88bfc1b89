package commission

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// RATE ADJUSTMENT - Explicit admin or scheduled action
// =============================================================================

// RateAdjustment records one evaluation of an agent's rate.
type RateAdjustment struct {
	AgentID    ledger.AgentID
	Tier       ledger.Tier
	TotalSales ledger.Money
	OldRate    decimal.Decimal
	NewRate    decimal.Decimal
	Changed    bool
}

// AdjustRate writes the recommended rate for the agent's current sales
// back to the agent when it differs from the stored one.
func (s *Service) AdjustRate(ctx context.Context, actor ledger.Actor, agentID ledger.AgentID) (*RateAdjustment, error) {
	if !actor.IsAdmin() {
		return nil, &ledger.PermissionError{Actor: actor, Action: "adjust commission rates"}
	}

	var adj RateAdjustment
	err := s.Store.WithTx(ctx, func(tx ledger.Tx) error {
		agent, err := tx.LockAgent(ctx, agentID)
		if err != nil {
			return err
		}
		rate, err := s.Policy.RateFor(agent.Tier, agent.TotalSales)
		if err != nil {
			return err
		}

		adj = RateAdjustment{
			AgentID:    agent.ID,
			Tier:       agent.Tier,
			TotalSales: agent.TotalSales,
			OldRate:    agent.CommissionRate,
			NewRate:    rate,
		}
		if rate.Equal(agent.CommissionRate) {
			return nil
		}

		agent.CommissionRate = rate
		agent.UpdatedAt = s.Now()
		adj.Changed = true
		return tx.UpdateAgent(ctx, *agent)
	})
	if err != nil {
		return nil, err
	}

	if adj.Changed {
		s.Log.Info("commission rate adjusted",
			zap.String("agent_id", string(adj.AgentID)),
			zap.String("old_rate", adj.OldRate.String()),
			zap.String("new_rate", adj.NewRate.String()),
			zap.Stringer("total_sales", adj.TotalSales))

		e := events.New(events.AgentRateAdjusted, s.Now())
		e.AgentID = adj.AgentID
		e.Rate = adj.NewRate.String()
		events.Emit(ctx, s.Events, s.Log, e)
	}
	return &adj, nil
}

// AdjustAll evaluates every approved agent, one transaction each, and
// returns the adjustments that changed a rate.
func (s *Service) AdjustAll(ctx context.Context, actor ledger.Actor) ([]RateAdjustment, error) {
	if !actor.IsAdmin() {
		return nil, &ledger.PermissionError{Actor: actor, Action: "adjust commission rates"}
	}

	agents, err := s.Store.ListAgents(ctx, ledger.AgentFilter{Status: ledger.AgentApproved})
	if err != nil {
		return nil, err
	}

	var changed []RateAdjustment
	for _, a := range agents {
		adj, err := s.AdjustRate(ctx, actor, a.ID)
		if err != nil {
			return changed, err
		}
		if adj.Changed {
			changed = append(changed, *adj)
		}
	}
	s.Log.Info("rate adjustment run finished",
		zap.Int("evaluated", len(agents)),
		zap.Int("changed", len(changed)))
	return changed, nil
}
