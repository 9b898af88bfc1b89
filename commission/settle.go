package commission

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// SETTLEMENT - Batch pending -> settled
// =============================================================================

// SettleCommand marks commission entries as reconciled.
type SettleCommand struct {
	Actor ledger.Actor
	IDs   []ledger.CommissionID
}

// Settle moves the pending entries among IDs to settled and returns how
// many moved. Unknown and already settled ids are skipped. No balance
// changes.
func (s *Service) Settle(ctx context.Context, cmd SettleCommand) (int, error) {
	if !cmd.Actor.IsAdmin() {
		return 0, &ledger.PermissionError{Actor: cmd.Actor, Action: "settle commissions"}
	}

	ids := uniqueIDs(cmd.IDs)
	if len(ids) == 0 {
		return 0, ledger.NewValidationError("ids", "at least one commission id is required")
	}

	now := s.Now()
	var count int
	err := s.Store.WithTx(ctx, func(tx ledger.Tx) error {
		n, err := tx.SettleCommissions(ctx, ids, now)
		count = n
		return err
	})
	if err != nil {
		return 0, err
	}

	s.Log.Info("commissions settled",
		zap.Int("requested", len(ids)),
		zap.Int("settled", count),
		zap.String("actor", cmd.Actor.ID))

	if count > 0 {
		e := events.New(events.CommissionsSettled, now)
		e.Count = count
		events.Emit(ctx, s.Events, s.Log, e)
	}
	return count, nil
}

func uniqueIDs(ids []ledger.CommissionID) []ledger.CommissionID {
	seen := make(map[ledger.CommissionID]bool, len(ids))
	out := make([]ledger.CommissionID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
