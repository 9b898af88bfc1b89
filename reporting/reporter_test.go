package reporting_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
	"github.com/warp/commission-engine/reporting"
	"github.com/warp/commission-engine/withdrawal"
)

// now is a Wednesday in the middle of March.
var now = time.Date(2025, time.March, 12, 15, 0, 0, 0, time.UTC)

type fixture struct {
	store    ledger.Store
	clock    *ledgertest.Clock
	engine   *commission.Service
	payouts  *withdrawal.Service
	reporter *reporting.Reporter
}

func newFixture(s ledger.Store) *fixture {
	clock := ledgertest.NewClock(now)
	f := &fixture{
		store:    s,
		clock:    clock,
		engine:   commission.NewService(s, commission.DefaultPolicy(), nil, nil),
		payouts:  withdrawal.NewService(s, commission.DefaultPolicy(), nil, nil),
		reporter: reporting.NewReporter(s, nil),
	}
	f.engine.Now = clock.Now
	f.payouts.Now = clock.Now
	f.reporter.Now = clock.Now
	return f
}

func (f *fixture) sell(t *testing.T, at time.Time, id, agentID, amount string) *commission.Accrual {
	t.Helper()
	f.clock.T = at
	acc, err := f.engine.OnOrderCompleted(context.Background(), commission.OrderCompleted{
		OrderID:     ledger.OrderID(id),
		AgentID:     ledger.AgentID(agentID),
		TotalAmount: ledgertest.M(amount),
	})
	require.NoError(t, err)
	return acc
}

func TestWindowsAt(t *testing.T) {
	w := reporting.WindowsAt(time.Date(2025, time.March, 12, 23, 30, 0, 0, time.FixedZone("UTC-5", -5*3600)))

	// 23:30 at UTC-5 is 04:30 on the 13th in UTC
	assert.True(t, w.Today.Equal(time.Date(2025, time.March, 13, 0, 0, 0, 0, time.UTC)), w.Today)
	assert.True(t, w.Week.Equal(time.Date(2025, time.March, 6, 4, 30, 0, 0, time.UTC)), w.Week)
	assert.True(t, w.Month.Equal(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)), w.Month)
}

func TestSummary(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		// GIVEN: sales spread over three windows plus a referral
		ledgertest.SeedAgents(t, s, ledgertest.Tier1("root"), ledgertest.Tier2("child", "root"))
		f := newFixture(s)
		ctx := context.Background()

		f.sell(t, now.Add(-2*time.Hour), "today", "root", "1000")             // 150
		f.sell(t, now.AddDate(0, 0, -3), "this-week", "root", "2000")         // 300
		f.sell(t, now.AddDate(0, 0, -10), "this-month", "root", "4000")       // 600
		old := f.sell(t, now.AddDate(0, -1, 0), "last-month", "root", "8000") // 1200
		f.sell(t, now.Add(-time.Hour), "child-sale", "child", "1000")         // referral 200 to root

		f.clock.T = now
		_, err := f.engine.Settle(ctx, commission.SettleCommand{Actor: ledgertest.Admin, IDs: []ledger.CommissionID{old.Direct.ID}})
		require.NoError(t, err)

		pending, err := f.payouts.Request(ctx, withdrawal.RequestCommand{
			Actor: ledgertest.User("user-root"), UserID: "user-root",
			Amount: ledgertest.M("200"), Method: ledger.PayoutCrypto, Account: "wallet-0001",
		})
		require.NoError(t, err)
		paid, err := f.payouts.Request(ctx, withdrawal.RequestCommand{
			Actor: ledgertest.User("user-root"), UserID: "user-root",
			Amount: ledgertest.M("500"), Method: ledger.PayoutBank, Account: "bank-000001",
		})
		require.NoError(t, err)
		_, err = f.payouts.Process(ctx, withdrawal.ProcessCommand{Actor: ledgertest.Admin, WithdrawalID: paid.ID, Decision: withdrawal.Approve})
		require.NoError(t, err)

		// WHEN: the agent asks for the finance summary
		sum, err := f.reporter.Summary(ctx, ledgertest.User("user-root"), "user-root")
		require.NoError(t, err)

		// THEN: totals, windows and withdrawals line up
		assert.Equal(t, "2450.00", sum.TotalCommission.String())
		assert.Equal(t, "1750.00", sum.Balance.String())
		assert.Equal(t, "15000.00", sum.TotalSales.String())
		assert.Equal(t, "1250.00", sum.PendingCommission.String())
		assert.Equal(t, "1200.00", sum.SettledCommission.String())
		assert.Equal(t, "2250.00", sum.DirectCommission.String())
		assert.Equal(t, "200.00", sum.ReferralCommission.String())
		assert.Equal(t, "350.00", sum.TodayCommission.String())
		assert.Equal(t, "650.00", sum.WeekCommission.String())
		assert.Equal(t, "1250.00", sum.MonthCommission.String())
		assert.Equal(t, "200.00", sum.PendingWithdrawal.String())
		assert.Equal(t, "500.00", sum.TotalWithdrawn.String())
		assert.Equal(t, "490.00", sum.PaidOut.String())
		require.Len(t, sum.RecentWithdrawals, 2)
		ids := []ledger.WithdrawalID{sum.RecentWithdrawals[0].ID, sum.RecentWithdrawals[1].ID}
		assert.ElementsMatch(t, []ledger.WithdrawalID{pending.ID, paid.ID}, ids)

		// another user cannot see it
		_, err = f.reporter.Summary(ctx, ledgertest.User("user-child"), "user-root")
		assert.ErrorIs(t, err, ledger.ErrPermission)

		// a user without an agent
		_, err = f.reporter.Summary(ctx, ledgertest.User("user-nobody"), "user-nobody")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestCommissions_Scoping(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		ledgertest.SeedAgents(t, s, ledgertest.Tier1("root"), ledgertest.Tier2("child", "root"))
		f := newFixture(s)
		ctx := context.Background()
		f.sell(t, now.Add(-2*time.Hour), "o-1", "child", "1000")
		f.sell(t, now.Add(-1*time.Hour), "o-2", "root", "1000")

		mine, err := f.reporter.Commissions(ctx, ledgertest.User("user-root"), reporting.CommissionQuery{})
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, ledger.OrderID("o-2"), mine[0].OrderID, "newest first")

		referrals, err := f.reporter.Commissions(ctx, ledgertest.User("user-root"), reporting.CommissionQuery{Type: ledger.CommissionReferral})
		require.NoError(t, err)
		assert.Len(t, referrals, 1)

		_, err = f.reporter.Commissions(ctx, ledgertest.User("user-child"), reporting.CommissionQuery{AgentID: "root"})
		assert.ErrorIs(t, err, ledger.ErrPermission)

		all, err := f.reporter.Commissions(ctx, ledgertest.Admin, reporting.CommissionQuery{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		paged, err := f.reporter.Commissions(ctx, ledgertest.Admin, reporting.CommissionQuery{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Len(t, paged, 1)
	})
}

func TestTeam(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		ledgertest.SeedAgents(t, s,
			ledgertest.Tier1("root"),
			ledgertest.Tier2("c1", "root"),
			ledgertest.Tier2("c2", "root").WithStatus(ledger.AgentPending),
			ledgertest.Tier1("other"),
		)
		f := newFixture(s)
		f.sell(t, now, "o-1", "c1", "3000")

		team, err := f.reporter.Team(context.Background(), ledgertest.User("user-root"), "root")
		require.NoError(t, err)
		assert.Equal(t, 2, team.DirectCount)
		assert.Equal(t, 0, team.IndirectCount)
		assert.Equal(t, "3000.00", team.TeamSales.String())
		assert.Len(t, team.Members, 2)

		_, err = f.reporter.Team(context.Background(), ledgertest.User("user-other"), "root")
		assert.ErrorIs(t, err, ledger.ErrPermission)
	})
}

func TestAudit(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		// GIVEN: a history of credits, a rejection and a payout
		ledgertest.SeedAgents(t, s, ledgertest.Tier1("root"), ledgertest.Tier2("child", "root"))
		f := newFixture(s)
		ctx := context.Background()
		f.sell(t, now, "o-1", "root", "10000")
		f.sell(t, now, "o-2", "child", "5000")

		req := func(amount string) *ledger.Withdrawal {
			w, err := f.payouts.Request(ctx, withdrawal.RequestCommand{
				Actor: ledgertest.User("user-root"), UserID: "user-root",
				Amount: ledgertest.M(amount), Method: ledger.PayoutBank, Account: "bank-000001",
			})
			require.NoError(t, err)
			return w
		}
		rejected := req("300")
		_, err := f.payouts.Process(ctx, withdrawal.ProcessCommand{Actor: ledgertest.Admin, WithdrawalID: rejected.ID, Decision: withdrawal.Reject})
		require.NoError(t, err)
		approved := req("400")
		_, err = f.payouts.Process(ctx, withdrawal.ProcessCommand{Actor: ledgertest.Admin, WithdrawalID: approved.ID, Decision: withdrawal.Approve})
		require.NoError(t, err)
		req("100")

		// WHEN: auditing everyone
		results, err := f.reporter.AuditAll(ctx, ledgertest.Admin)

		// THEN: every agent balances
		require.NoError(t, err)
		require.Len(t, results, 2)
		for _, r := range results {
			assert.True(t, r.OK(), "%s: %v", r.AgentID, r.Problems)
		}

		one, err := f.reporter.Audit(ctx, ledgertest.Admin, "root")
		require.NoError(t, err)
		assert.Equal(t, "500.00", one.Reserved.String())
		assert.Equal(t, "2500.00", one.TotalCommission.String())
		assert.Equal(t, "2000.00", one.ExpectedBalance.String())

		_, err = f.reporter.AuditAll(ctx, ledgertest.User("user-root"))
		assert.ErrorIs(t, err, ledger.ErrPermission)
	})
}

func TestAudit_DetectsDrift(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		// GIVEN: a balance edited outside the services
		ledgertest.SeedAgents(t, s, ledgertest.Tier1("root"))
		f := newFixture(s)
		ctx := context.Background()
		f.sell(t, now, "o-1", "root", "1000")

		require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
			a, err := tx.LockAgent(ctx, "root")
			if err != nil {
				return err
			}
			a.Balance = a.Balance.Add(ledgertest.M("0.01"))
			return tx.UpdateAgent(ctx, *a)
		}))

		// THEN: the audit flags it
		res, err := f.reporter.Audit(ctx, ledgertest.Admin, "root")
		require.NoError(t, err)
		assert.False(t, res.OK())
		assert.Len(t, res.Problems, 1)
	})
}

func TestAudit_ConsistentUnderConcurrentWrites(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		// GIVEN: a funded agent
		ledgertest.SeedAgents(t, s, ledgertest.Tier1("root"))
		f := newFixture(s)
		ctx := context.Background()
		f.sell(t, now, "seed", "root", "20000")

		// WHEN: credits and withdrawals land while the audit runs
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := f.engine.OnOrderCompleted(ctx, commission.OrderCompleted{
					OrderID: ledger.OrderID(fmt.Sprintf("o-%d", i)), AgentID: "root", TotalAmount: ledgertest.M("1000"),
				})
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := f.payouts.Request(ctx, withdrawal.RequestCommand{
					Actor: ledgertest.User("user-root"), UserID: "user-root",
					Amount: ledgertest.M("100"), Method: ledger.PayoutBank, Account: "bank-000001",
				})
				assert.NoError(t, err)
			}
		}()

		// THEN: every snapshot the audit takes balances
		for i := 0; i < 30; i++ {
			res, err := f.reporter.Audit(ctx, ledgertest.Admin, "root")
			require.NoError(t, err)
			assert.True(t, res.OK(), "%v", res.Problems)
		}
		wg.Wait()

		res, err := f.reporter.Audit(ctx, ledgertest.Admin, "root")
		require.NoError(t, err)
		assert.True(t, res.OK(), "%v", res.Problems)
		assert.Equal(t, "6000.00", res.TotalCommission.String())
		assert.Equal(t, "2000.00", res.Reserved.String())
	})
}

// =============================================================================
// PLATFORM STATS
// =============================================================================

func TestStats(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		// GIVEN: two approved agents, one pending applicant, two orders and a payout request
		ledgertest.SeedAgents(t, s,
			ledgertest.Tier1("root"),
			ledgertest.Tier2("child", "root"),
			ledgertest.Tier1("applicant").WithStatus(ledger.AgentPending),
		)
		f := newFixture(s)
		ctx := context.Background()
		f.sell(t, now, "o-1", "root", "10000")
		f.sell(t, now, "o-2", "child", "5000")
		_, err := f.payouts.Request(ctx, withdrawal.RequestCommand{
			Actor: ledgertest.User("user-root"), UserID: "user-root",
			Amount: ledgertest.M("100"), Method: ledger.PayoutBank, Account: "bank-000001",
		})
		require.NoError(t, err)

		// WHEN: an admin asks for the platform numbers
		stats, err := f.reporter.Stats(ctx, ledgertest.Admin)

		// THEN: counts and sums cover the whole ledger
		require.NoError(t, err)
		assert.Equal(t, 2, stats.ApprovedAgents)
		assert.Equal(t, 2, stats.TotalOrders)
		assert.Equal(t, 1, stats.PendingWithdrawals)
		assert.Equal(t, "15000.00", stats.TotalSales.String())
		// 1500 direct + 400 direct + 1000 referral
		assert.Equal(t, "2900.00", stats.TotalCommission.String())
		assert.True(t, stats.AsOf.Equal(now))

		_, err = f.reporter.Stats(ctx, ledgertest.User("user-root"))
		assert.ErrorIs(t, err, ledger.ErrPermission)
	})
}
