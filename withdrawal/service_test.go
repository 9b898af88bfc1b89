package withdrawal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
	"github.com/warp/commission-engine/withdrawal"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var start = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

const account = "6222021234567890"

func newService(s ledger.Store) (*withdrawal.Service, *events.Recorder) {
	rec := &events.Recorder{}
	svc := withdrawal.NewService(s, commission.DefaultPolicy(), rec, nil)
	svc.Now = ledgertest.NewClock(start).Now
	return svc, rec
}

// fund gives a root agent a balance of amount through a real order at 0.15.
func fund(t *testing.T, s ledger.Store, id, sales string) {
	t.Helper()
	ledgertest.SeedAgents(t, s, ledgertest.Tier1(id))
	engine := commission.NewService(s, commission.DefaultPolicy(), nil, nil)
	_, err := engine.OnOrderCompleted(context.Background(), commission.OrderCompleted{
		OrderID:     ledger.OrderID("seed-" + id),
		AgentID:     ledger.AgentID(id),
		TotalAmount: ledgertest.M(sales),
	})
	require.NoError(t, err)
}

func request(user ledger.UserID, amount string) withdrawal.RequestCommand {
	return withdrawal.RequestCommand{
		Actor:   ledgertest.User(user),
		UserID:  user,
		Amount:  ledgertest.M(amount),
		Method:  ledger.PayoutBank,
		Account: account,
	}
}

// conserved checks balance == total_commission - reserved withdrawals.
func conserved(t *testing.T, s ledger.Store, id string) {
	t.Helper()
	a := ledgertest.MustAgent(t, s, id)
	ws, err := s.ListWithdrawals(context.Background(), ledger.WithdrawalFilter{UserID: a.UserID})
	require.NoError(t, err)
	reserved := ledger.Zero
	for _, w := range ws {
		if w.Status != ledger.WithdrawalRejected {
			reserved = reserved.Add(w.Amount)
		}
	}
	assert.Equal(t, a.TotalCommission.Sub(reserved).String(), a.Balance.String(), "conservation for %s", id)
	assert.False(t, a.Balance.IsNegative())
}

// =============================================================================
// FEE ACCOUNTING AND REJECTION
// =============================================================================

func TestRequest_FeeAccounting(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		// GIVEN: an agent with a balance of exactly 1,000
		fund(t, s, "a1", "6666.67") // 0.15 x 6666.67 = 1000.0005 -> 1000.00
		svc, rec := newService(s)
		require.Equal(t, "1000.00", ledgertest.MustAgent(t, s, "a1").Balance.String())

		// WHEN: the whole balance is requested
		w, err := svc.Request(context.Background(), request("user-a1", "1000"))

		// THEN: 2% fee, full amount reserved
		require.NoError(t, err)
		assert.Equal(t, "20.00", w.Fee.String())
		assert.Equal(t, "980.00", w.ActualAmount.String())
		assert.Equal(t, ledger.WithdrawalPending, w.Status)
		assert.Equal(t, ledger.AgentID("a1"), w.AgentID)
		assert.Equal(t, "0.00", ledgertest.MustAgent(t, s, "a1").Balance.String())
		assert.Len(t, rec.OfType(events.WithdrawalRequested), 1)
		conserved(t, s, "a1")
	})
}

func TestProcess_RejectRestoresBalance(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		// GIVEN: a pending withdrawal of the whole 1,000 balance
		fund(t, s, "a1", "6666.67")
		svc, rec := newService(s)
		ctx := context.Background()
		w, err := svc.Request(ctx, request("user-a1", "1000"))
		require.NoError(t, err)

		// WHEN: an admin rejects it
		done, err := svc.Process(ctx, withdrawal.ProcessCommand{
			Actor:        ledgertest.Admin,
			WithdrawalID: w.ID,
			Decision:     withdrawal.Reject,
			Remark:       "  account closed ",
		})

		// THEN: the full amount is back and the decision is recorded
		require.NoError(t, err)
		assert.Equal(t, ledger.WithdrawalRejected, done.Status)
		require.NotNil(t, done.ProcessedAt)
		assert.Equal(t, "account closed", done.Remark)
		assert.Equal(t, ledgertest.Admin.ID, done.ProcessedBy)
		assert.Equal(t, "1000.00", ledgertest.MustAgent(t, s, "a1").Balance.String())
		assert.Len(t, rec.OfType(events.WithdrawalRejected), 1)
		conserved(t, s, "a1")

		stored, err := s.GetWithdrawal(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.WithdrawalRejected, stored.Status)
	})
}

func TestProcess_ApproveKeepsReservation(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		fund(t, s, "a1", "10000") // 1,500
		svc, _ := newService(s)
		ctx := context.Background()
		w, err := svc.Request(ctx, request("user-a1", "500"))
		require.NoError(t, err)

		done, err := svc.Process(ctx, withdrawal.ProcessCommand{Actor: ledgertest.Admin, WithdrawalID: w.ID, Decision: withdrawal.Approve})

		require.NoError(t, err)
		assert.Equal(t, ledger.WithdrawalCompleted, done.Status)
		assert.Equal(t, "1000.00", ledgertest.MustAgent(t, s, "a1").Balance.String())
		conserved(t, s, "a1")
	})
}

// =============================================================================
// CONFLICTS
// =============================================================================

func TestProcess_DoubleProcessingConflicts(t *testing.T) {
	for _, first := range []withdrawal.Decision{withdrawal.Approve, withdrawal.Reject} {
		t.Run(string(first), func(t *testing.T) {
			ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
				// GIVEN: a withdrawal already decided
				fund(t, s, "a1", "10000")
				svc, _ := newService(s)
				ctx := context.Background()
				w, err := svc.Request(ctx, request("user-a1", "500"))
				require.NoError(t, err)
				_, err = svc.Process(ctx, withdrawal.ProcessCommand{Actor: ledgertest.Admin, WithdrawalID: w.ID, Decision: first})
				require.NoError(t, err)
				before := ledgertest.MustAgent(t, s, "a1").Balance

				// WHEN: it is processed again with either decision
				for _, second := range []withdrawal.Decision{withdrawal.Approve, withdrawal.Reject} {
					_, err = svc.Process(ctx, withdrawal.ProcessCommand{Actor: ledgertest.Admin, WithdrawalID: w.ID, Decision: second})

					// THEN: conflict and no balance change
					assert.ErrorIs(t, err, ledger.ErrConflict)
					assert.Equal(t, ledger.CodeConflict, ledger.Code(err))
				}
				assert.True(t, before.Equal(ledgertest.MustAgent(t, s, "a1").Balance))
				conserved(t, s, "a1")
			})
		})
	}
}

func TestRequest_ConcurrentRequestsNoDoubleSpend(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		// GIVEN: a balance of 1,000
		fund(t, s, "a1", "6666.67")
		svc, _ := newService(s)
		ctx := context.Background()

		// WHEN: ten 400 requests race for it
		var wg sync.WaitGroup
		results := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Request(ctx, request("user-a1", "400"))
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		// THEN: only two fit and the rest see an insufficient balance
		ok := 0
		for err := range results {
			if err == nil {
				ok++
				continue
			}
			assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		}
		assert.Equal(t, 2, ok)
		assert.Equal(t, "200.00", ledgertest.MustAgent(t, s, "a1").Balance.String())

		pending, err := s.ListWithdrawals(ctx, ledger.WithdrawalFilter{UserID: "user-a1", Status: ledger.WithdrawalPending})
		require.NoError(t, err)
		assert.Len(t, pending, 2)
		conserved(t, s, "a1")
	})
}

func TestProcess_ConcurrentRejectsCreditOnce(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		fund(t, s, "a1", "10000")
		svc, _ := newService(s)
		ctx := context.Background()
		w, err := svc.Request(ctx, request("user-a1", "500"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Process(ctx, withdrawal.ProcessCommand{Actor: ledgertest.Admin, WithdrawalID: w.ID, Decision: withdrawal.Reject})
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		ok := 0
		for err := range results {
			if err == nil {
				ok++
				continue
			}
			assert.ErrorIs(t, err, ledger.ErrConflict)
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, "1500.00", ledgertest.MustAgent(t, s, "a1").Balance.String())
	})
}

func TestProcess_Rules(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		fund(t, s, "a1", "10000")
		svc, _ := newService(s)
		ctx := context.Background()
		w, err := svc.Request(ctx, request("user-a1", "500"))
		require.NoError(t, err)

		_, err = svc.Process(ctx, withdrawal.ProcessCommand{Actor: ledgertest.User("user-a1"), WithdrawalID: w.ID, Decision: withdrawal.Approve})
		assert.ErrorIs(t, err, ledger.ErrPermission)

		_, err = svc.Process(ctx, withdrawal.ProcessCommand{Actor: ledgertest.Admin, WithdrawalID: w.ID, Decision: "maybe"})
		assert.ErrorIs(t, err, ledger.ErrValidation)

		_, err = svc.Process(ctx, withdrawal.ProcessCommand{Actor: ledgertest.Admin, WithdrawalID: "missing", Decision: withdrawal.Approve})
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

// =============================================================================
// REQUEST VALIDATION
// =============================================================================

func TestRequest_InsufficientBalance(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		// GIVEN: a balance of 150
		fund(t, s, "a1", "1000")
		svc, rec := newService(s)
		ctx := context.Background()

		// WHEN: more than the balance is requested
		_, err := svc.Request(ctx, request("user-a1", "150.01"))

		// THEN: rejected with no state change
		var ib *ledger.InsufficientBalanceError
		require.ErrorAs(t, err, &ib)
		assert.Equal(t, "150.00", ib.Available.String())
		assert.Equal(t, ledger.CodeInsufficientBalance, ledger.Code(err))
		assert.Equal(t, "150.00", ledgertest.MustAgent(t, s, "a1").Balance.String())

		ws, err := s.ListWithdrawals(ctx, ledger.WithdrawalFilter{UserID: "user-a1"})
		require.NoError(t, err)
		assert.Empty(t, ws)
		assert.Empty(t, rec.Events())
	})
}

func TestRequest_Validation(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*withdrawal.RequestCommand)
	}{
		{"zero amount", func(c *withdrawal.RequestCommand) { c.Amount = ledger.Zero }},
		{"negative amount", func(c *withdrawal.RequestCommand) { c.Amount = ledgertest.M("-100") }},
		{"sub-cent amount", func(c *withdrawal.RequestCommand) { c.Amount = ledgertest.M("100.001") }},
		{"below minimum", func(c *withdrawal.RequestCommand) { c.Amount = ledgertest.M("99.99") }},
		{"above maximum", func(c *withdrawal.RequestCommand) { c.Amount = ledgertest.M("100000.01") }},
		{"unsupported method", func(c *withdrawal.RequestCommand) { c.Method = "cheque" }},
		{"short account", func(c *withdrawal.RequestCommand) { c.Account = " 1234 " }},
		{"missing user", func(c *withdrawal.RequestCommand) { c.UserID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := request("user-a1", "500")
			tt.mutate(&cmd)
			_, err := svc.Request(ctx, cmd)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestRequest_Permissions(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		fund(t, s, "a1", "10000")
		ledgertest.SeedAgents(t, s, ledgertest.Tier1("waiting").WithStatus(ledger.AgentPending))
		svc, _ := newService(s)
		ctx := context.Background()

		// another user's balance
		cmd := request("user-a1", "500")
		cmd.Actor = ledgertest.User("user-other")
		_, err := svc.Request(ctx, cmd)
		assert.ErrorIs(t, err, ledger.ErrPermission)

		// not an approved agent
		_, err = svc.Request(ctx, request("user-waiting", "100"))
		assert.ErrorIs(t, err, ledger.ErrAgentNotApproved)
		assert.ErrorIs(t, err, ledger.ErrPermission)

		// not an agent at all
		_, err = svc.Request(ctx, request("user-nobody", "100"))
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

// =============================================================================
// HISTORY
// =============================================================================

func TestHistory(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		fund(t, s, "a1", "10000")
		fund(t, s, "a2", "10000")
		svc, _ := newService(s)
		clock := ledgertest.NewClock(start)
		svc.Now = clock.Now
		ctx := context.Background()

		first, err := svc.Request(ctx, request("user-a1", "100"))
		require.NoError(t, err)
		clock.Advance(time.Minute)
		second, err := svc.Request(ctx, request("user-a1", "200"))
		require.NoError(t, err)
		_, err = svc.Request(ctx, request("user-a2", "300"))
		require.NoError(t, err)

		// own history, newest first
		own, err := svc.History(ctx, ledgertest.User("user-a1"), ledger.WithdrawalFilter{})
		require.NoError(t, err)
		require.Len(t, own, 2)
		assert.Equal(t, second.ID, own[0].ID)
		assert.Equal(t, first.ID, own[1].ID)

		// someone else's history
		_, err = svc.History(ctx, ledgertest.User("user-a1"), ledger.WithdrawalFilter{UserID: "user-a2"})
		assert.ErrorIs(t, err, ledger.ErrPermission)

		// admin sees everything
		all, err := svc.History(ctx, ledgertest.Admin, ledger.WithdrawalFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		_, err = svc.Get(ctx, ledgertest.User("user-a2"), first.ID)
		assert.ErrorIs(t, err, ledger.ErrPermission)
		got, err := svc.Get(ctx, ledgertest.User("user-a1"), first.ID)
		require.NoError(t, err)
		assert.Equal(t, "100.00", got.Amount.String())
	})
}

func TestFeeFor(t *testing.T) {
	tests := []struct{ amount, fee, actual string }{
		{"1000", "20.00", "980.00"},
		{"100", "2.00", "98.00"},
		{"123.45", "2.47", "120.98"}, // 2.469 rounds up
		{"100.25", "2.01", "98.24"},  // 2.005 rounds half away from zero
	}
	rate := commission.DefaultPolicy().WithdrawalFeeRate
	for _, tt := range tests {
		fee, actual := withdrawal.FeeFor(ledgertest.M(tt.amount), rate)
		assert.Equal(t, tt.fee, fee.String(), tt.amount)
		assert.Equal(t, tt.actual, actual.String(), tt.amount)
		assert.True(t, fee.Add(actual).Equal(ledgertest.M(tt.amount)))
	}
}
