package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/ledger"
)

// StoreContract checks the behavior every ledger.Store backend must share.
// newStore is called once per subtest and must return an empty store.
func StoreContract(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("AgentRoundTrip", func(t *testing.T) { contractAgents(t, newStore(t)) })
	t.Run("AgentUniqueUser", func(t *testing.T) { contractUniqueUser(t, newStore(t)) })
	t.Run("CommissionUniqueKey", func(t *testing.T) { contractCommissionKey(t, newStore(t)) })
	t.Run("CommissionListing", func(t *testing.T) { contractCommissionListing(t, newStore(t)) })
	t.Run("SettleOnlyPending", func(t *testing.T) { contractSettle(t, newStore(t)) })
	t.Run("Withdrawals", func(t *testing.T) { contractWithdrawals(t, newStore(t)) })
	t.Run("Orders", func(t *testing.T) { contractOrders(t, newStore(t)) })
	t.Run("Totals", func(t *testing.T) { contractTotals(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { contractRollback(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { contractNotFound(t, newStore(t)) })
}

var contractEpoch = time.Date(2025, time.February, 1, 8, 0, 0, 0, time.UTC)

func commissionAt(id, agent, order string, typ ledger.CommissionType, amount string, at time.Time) ledger.Commission {
	return ledger.Commission{
		ID:        ledger.CommissionID(id),
		AgentID:   ledger.AgentID(agent),
		OrderID:   ledger.OrderID(order),
		Amount:    M(amount),
		Rate:      decimal.RequireFromString("0.15"),
		Type:      typ,
		Status:    ledger.CommissionPending,
		CreatedAt: at,
	}
}

func insertCommissions(t *testing.T, s ledger.Store, cs ...ledger.Commission) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		for _, c := range cs {
			if err := tx.InsertCommission(ctx, c); err != nil {
				return err
			}
		}
		return nil
	}))
}

func contractAgents(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	SeedAgents(t, s, Tier1("root"), Tier2("kid", "root").WithStatus(ledger.AgentPending))

	got, err := s.GetAgentByUser(ctx, "user-kid")
	require.NoError(t, err)
	assert.Equal(t, ledger.AgentID("kid"), got.ID)
	assert.Equal(t, ledger.AgentID("root"), got.ParentID)
	assert.Equal(t, ledger.Tier2, got.Tier)
	assert.True(t, got.CommissionRate.Equal(decimal.RequireFromString("0.08")))

	// Update inside a locked transaction
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		a, err := tx.LockAgent(ctx, "root")
		if err != nil {
			return err
		}
		a.Balance = M("123.45")
		a.TotalCommission = M("200.00")
		a.TotalSales = M("1333.00")
		return tx.UpdateAgent(ctx, *a)
	}))
	root := MustAgent(t, s, "root")
	assert.Equal(t, "123.45", root.Balance.String())
	assert.Equal(t, "200.00", root.TotalCommission.String())
	assert.Equal(t, "1333.00", root.TotalSales.String())

	pending, err := s.ListAgents(ctx, ledger.AgentFilter{Status: ledger.AgentPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ledger.AgentID("kid"), pending[0].ID)

	children, err := s.ListAgents(ctx, ledger.AgentFilter{ParentID: "root"})
	require.NoError(t, err)
	assert.Len(t, children, 1)

	tier1, err := s.ListAgents(ctx, ledger.AgentFilter{Tier: ledger.Tier1})
	require.NoError(t, err)
	assert.Len(t, tier1, 1)
}

func contractUniqueUser(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	SeedAgents(t, s, Tier1("a1"))

	dup := Tier1("a2").Build(contractEpoch)
	dup.UserID = "user-a1"
	err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertAgent(ctx, dup) })
	assert.ErrorIs(t, err, ledger.ErrAgentExists)

	_, err = s.GetAgent(ctx, "a2")
	assert.ErrorIs(t, err, ledger.ErrAgentNotFound)
}

func contractCommissionKey(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	SeedAgents(t, s, Tier1("root"))
	insertCommissions(t, s, commissionAt("c1", "root", "o1", ledger.CommissionDirect, "15.00", contractEpoch))

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		has, err := tx.HasCommission(ctx, "root", "o1", ledger.CommissionDirect)
		if err != nil {
			return err
		}
		assert.True(t, has)
		has, err = tx.HasCommission(ctx, "root", "o1", ledger.CommissionReferral)
		if err != nil {
			return err
		}
		assert.False(t, has)
		return tx.InsertCommission(ctx, commissionAt("c2", "root", "o1", ledger.CommissionDirect, "15.00", contractEpoch))
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateCommission)
	assert.Equal(t, ledger.CodeConflict, ledger.Code(err))

	// Same order, other type is a different key
	insertCommissions(t, s, commissionAt("c3", "root", "o1", ledger.CommissionReferral, "3.00", contractEpoch))
}

func contractCommissionListing(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	SeedAgents(t, s, Tier1("a"), Tier1("b"))
	var cs []ledger.Commission
	for i := 0; i < 5; i++ {
		cs = append(cs, commissionAt(fmt.Sprintf("ca%d", i), "a", fmt.Sprintf("o%d", i),
			ledger.CommissionDirect, "10.00", contractEpoch.Add(time.Duration(i)*time.Hour)))
	}
	cs = append(cs, commissionAt("cb0", "b", "o9", ledger.CommissionReferral, "2.50", contractEpoch.Add(10*time.Hour)))
	insertCommissions(t, s, cs...)

	got, err := s.ListCommissions(ctx, ledger.CommissionFilter{AgentIDs: []ledger.AgentID{"a"}})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, ledger.CommissionID("ca4"), got[0].ID, "newest first")
	assert.Equal(t, "10.00", got[0].Amount.String())
	assert.True(t, got[0].Rate.Equal(decimal.RequireFromString("0.15")))

	got, err = s.ListCommissions(ctx, ledger.CommissionFilter{AgentIDs: []ledger.AgentID{"a"}, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ledger.CommissionID("ca3"), got[0].ID)

	since, until := contractEpoch.Add(time.Hour), contractEpoch.Add(3*time.Hour)
	got, err = s.ListCommissions(ctx, ledger.CommissionFilter{Since: &since, Until: &until})
	require.NoError(t, err)
	assert.Len(t, got, 2, "since inclusive, until exclusive")

	got, err = s.ListCommissions(ctx, ledger.CommissionFilter{Type: ledger.CommissionReferral})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ledger.AgentID("b"), got[0].AgentID)

	got, err = s.ListCommissions(ctx, ledger.CommissionFilter{OrderID: "o2"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func contractSettle(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	SeedAgents(t, s, Tier1("root"))
	insertCommissions(t, s,
		commissionAt("c1", "root", "o1", ledger.CommissionDirect, "1.00", contractEpoch),
		commissionAt("c2", "root", "o2", ledger.CommissionDirect, "2.00", contractEpoch),
		commissionAt("c3", "root", "o3", ledger.CommissionDirect, "3.00", contractEpoch),
	)
	at := contractEpoch.Add(48 * time.Hour)

	var n int
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) (err error) {
		n, err = tx.SettleCommissions(ctx, []ledger.CommissionID{"c1", "c2", "missing"}, at)
		return err
	}))
	assert.Equal(t, 2, n)

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) (err error) {
		n, err = tx.SettleCommissions(ctx, []ledger.CommissionID{"c1", "c2", "c3"}, at)
		return err
	}))
	assert.Equal(t, 1, n, "already settled entries are skipped")

	c, err := s.GetCommission(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ledger.CommissionSettled, c.Status)
	require.NotNil(t, c.SettledAt)
	assert.True(t, c.SettledAt.Equal(at))
	assert.Equal(t, "1.00", c.Amount.String(), "amount never changes")
}

func contractWithdrawals(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	SeedAgents(t, s, Tier1("root"))

	mk := func(id string, at time.Time) ledger.Withdrawal {
		return ledger.Withdrawal{
			ID: ledger.WithdrawalID(id), UserID: "user-root", AgentID: "root",
			Amount: M("100.00"), Fee: M("2.00"), ActualAmount: M("98.00"),
			Method: ledger.PayoutBank, Account: "DE89370400440532013000",
			Status: ledger.WithdrawalPending, CreatedAt: at,
		}
	}
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		for i, id := range []string{"w1", "w2", "w3"} {
			if err := tx.InsertWithdrawal(ctx, mk(id, contractEpoch.Add(time.Duration(i)*time.Minute))); err != nil {
				return err
			}
		}
		return nil
	}))

	processed := contractEpoch.Add(time.Hour)
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		w, err := tx.LockWithdrawal(ctx, "w2")
		if err != nil {
			return err
		}
		w.Status = ledger.WithdrawalRejected
		w.Remark = "wrong account"
		w.ProcessedBy = "admin-1"
		w.ProcessedAt = &processed
		return tx.UpdateWithdrawal(ctx, *w)
	}))

	w2, err := s.GetWithdrawal(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalRejected, w2.Status)
	assert.Equal(t, "wrong account", w2.Remark)
	assert.Equal(t, "98.00", w2.ActualAmount.String())
	require.NotNil(t, w2.ProcessedAt)
	assert.True(t, w2.ProcessedAt.Equal(processed))

	all, err := s.ListWithdrawals(ctx, ledger.WithdrawalFilter{UserID: "user-root"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ledger.WithdrawalID("w3"), all[0].ID)

	pending, err := s.ListWithdrawals(ctx, ledger.WithdrawalFilter{Status: ledger.WithdrawalPending, Limit: 1})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ledger.WithdrawalID("w3"), pending[0].ID)

	none, err := s.ListWithdrawals(ctx, ledger.WithdrawalFilter{UserID: "user-other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func contractOrders(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	SeedAgents(t, s, Tier1("root"))
	o := ledger.Order{ID: "o1", AgentID: "root", TotalAmount: M("1234.56"), Currency: "USD",
		Status: ledger.OrderCompleted, CompletedAt: contractEpoch}
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.SaveOrder(ctx, o) }))

	got, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "1234.56", got.TotalAmount.String())
	assert.Equal(t, "USD", got.Currency)
	assert.True(t, got.CompletedAt.Equal(contractEpoch))

	// Same agent may rewrite its order; another agent may not take it over.
	o.Currency = "EUR"
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.SaveOrder(ctx, o) }))
	SeedAgents(t, s, Tier1("other"))
	moved := o
	moved.AgentID = "other"
	err = s.WithTx(ctx, func(tx ledger.Tx) error { return tx.SaveOrder(ctx, moved) })
	assert.ErrorIs(t, err, ledger.ErrOrderAgentMismatch)

	got, err = s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ledger.AgentID("root"), got.AgentID)
	assert.Equal(t, "EUR", got.Currency)
}

func contractTotals(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	empty, err := s.Totals(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Orders)
	assert.True(t, empty.Sales.IsZero())
	assert.True(t, empty.Commission.IsZero())

	SeedAgents(t, s, Tier1("root"), Tier2("kid", "root"))
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		for _, o := range []ledger.Order{
			{ID: "o1", AgentID: "root", TotalAmount: M("100.10"), Status: ledger.OrderCompleted, CompletedAt: contractEpoch},
			{ID: "o2", AgentID: "kid", TotalAmount: M("200.25"), Status: ledger.OrderCompleted, CompletedAt: contractEpoch},
		} {
			if err := tx.SaveOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}))
	insertCommissions(t, s,
		commissionAt("c1", "root", "o1", ledger.CommissionDirect, "15.02", contractEpoch),
		commissionAt("c2", "kid", "o2", ledger.CommissionDirect, "16.02", contractEpoch),
		commissionAt("c3", "root", "o2", ledger.CommissionReferral, "20.03", contractEpoch),
	)

	got, err := s.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Orders)
	assert.Equal(t, "300.35", got.Sales.String())
	assert.Equal(t, "51.07", got.Commission.String())

	var inTx *ledger.Totals
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		inTx, err = tx.Totals(ctx)
		return err
	}))
	assert.Equal(t, got.Sales.String(), inTx.Sales.String())
}

func contractRollback(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	SeedAgents(t, s, Tier1("root"))
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		a, err := tx.LockAgent(ctx, "root")
		if err != nil {
			return err
		}
		a.Balance = M("999.00")
		if err := tx.UpdateAgent(ctx, *a); err != nil {
			return err
		}
		if err := tx.InsertCommission(ctx, commissionAt("c1", "root", "o1", ledger.CommissionDirect, "999.00", contractEpoch)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.True(t, MustAgent(t, s, "root").Balance.IsZero())
	_, err = s.GetCommission(ctx, "c1")
	assert.ErrorIs(t, err, ledger.ErrCommissionNotFound)
}

func contractNotFound(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	_, err := s.GetAgent(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrAgentNotFound)
	_, err = s.GetAgentByUser(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrAgentNotFound)
	_, err = s.GetOrder(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrOrderNotFound)
	_, err = s.GetWithdrawal(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrWithdrawalNotFound)

	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.LockWithdrawal(ctx, "nope")
		return err
	})
	assert.True(t, ledger.IsNotFound(err))
	assert.False(t, ledger.IsRetryable(err))
}
