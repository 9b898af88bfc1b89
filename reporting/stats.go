package reporting

import (
	"context"
	"time"

	"github.com/warp/commission-engine/ledger"
)

// PlatformStats is the admin dashboard view of the whole ledger.
type PlatformStats struct {
	ApprovedAgents     int
	TotalOrders        int
	PendingWithdrawals int
	TotalSales         ledger.Money
	TotalCommission    ledger.Money
	AsOf               time.Time
}

// Stats aggregates the ledger for admins. All counts come from one
// transaction so they agree with each other.
func (r *Reporter) Stats(ctx context.Context, actor ledger.Actor) (*PlatformStats, error) {
	if !actor.IsAdmin() {
		return nil, &ledger.PermissionError{Actor: actor, Action: "view platform stats"}
	}

	stats := &PlatformStats{AsOf: r.Now()}
	err := r.Store.WithTx(ctx, func(tx ledger.Tx) error {
		agents, err := tx.ListAgents(ctx, ledger.AgentFilter{Status: ledger.AgentApproved})
		if err != nil {
			return err
		}
		pending, err := tx.ListWithdrawals(ctx, ledger.WithdrawalFilter{Status: ledger.WithdrawalPending})
		if err != nil {
			return err
		}
		totals, err := tx.Totals(ctx)
		if err != nil {
			return err
		}
		stats.ApprovedAgents = len(agents)
		stats.PendingWithdrawals = len(pending)
		stats.TotalOrders = totals.Orders
		stats.TotalSales = totals.Sales
		stats.TotalCommission = totals.Commission
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
