package commission_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
)

func TestRateFor(t *testing.T) {
	p := commission.DefaultPolicy()

	tests := []struct {
		tier  ledger.Tier
		sales string
		want  string
	}{
		{ledger.Tier1, "0", "0.15"},
		{ledger.Tier1, "49999.99", "0.15"},
		{ledger.Tier1, "50000", "0.2"},
		{ledger.Tier1, "99999.99", "0.2"},
		{ledger.Tier1, "100000", "0.25"},
		{ledger.Tier1, "2500000", "0.25"},
		{ledger.Tier2, "0", "0.08"},
		{ledger.Tier2, "50000", "0.1"},
		{ledger.Tier2, "100000", "0.12"},
	}
	for _, tt := range tests {
		got, err := p.RateFor(tt.tier, ledgertest.M(tt.sales))
		require.NoError(t, err)
		assert.True(t, got.Equal(rate(tt.want)), "tier %d sales %s: got %s want %s", tt.tier, tt.sales, got, tt.want)
	}

	_, err := p.RateFor(ledger.Tier(3), ledger.Zero)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestReferralRate(t *testing.T) {
	p := commission.DefaultPolicy()

	r1, err := p.ReferralRate(ledger.Tier1)
	require.NoError(t, err)
	assert.True(t, r1.Equal(rate("0.20")))

	r2, err := p.ReferralRate(ledger.Tier2)
	require.NoError(t, err)
	assert.True(t, r2.Equal(rate("0.10")))
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, commission.DefaultPolicy().Validate())

	inverted := commission.DefaultPolicy()
	inverted.Tiers[ledger.Tier1] = commission.TierPolicy{MinRate: rate("0.3"), MaxRate: rate("0.2"), ReferralRate: rate("0.2")}
	assert.ErrorIs(t, inverted.Validate(), ledger.ErrValidation)

	thresholds := commission.DefaultPolicy()
	thresholds.TopSalesThreshold = ledgertest.M("10")
	assert.ErrorIs(t, thresholds.Validate(), ledger.ErrValidation)

	missing := commission.DefaultPolicy()
	delete(missing.Tiers, ledger.Tier2)
	assert.ErrorIs(t, missing.Validate(), ledger.ErrValidation)
}

// =============================================================================
// RATE ADJUSTMENT
// =============================================================================

func TestAdjustRate(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		// GIVEN: a root agent who has sold 60,000 at the starting rate
		ledgertest.SeedAgents(t, s, ledgertest.Tier1("root"), ledgertest.Tier1("idle"))
		svc, rec := newService(s)
		ctx := context.Background()
		_, err := svc.OnOrderCompleted(ctx, order("big", "root", "60000"))
		require.NoError(t, err)

		// THEN: crediting did not change the rate on its own
		assert.True(t, ledgertest.MustAgent(t, s, "root").CommissionRate.Equal(rate("0.15")))

		// WHEN: an admin runs the adjustment
		changed, err := svc.AdjustAll(ctx, ledgertest.Admin)
		require.NoError(t, err)

		// THEN: only the busy agent moves to the band midpoint
		require.Len(t, changed, 1)
		assert.Equal(t, ledger.AgentID("root"), changed[0].AgentID)
		assert.True(t, changed[0].OldRate.Equal(rate("0.15")))
		assert.True(t, changed[0].NewRate.Equal(rate("0.20")))
		assert.True(t, ledgertest.MustAgent(t, s, "root").CommissionRate.Equal(rate("0.20")))
		assert.Len(t, rec.OfType(events.AgentRateAdjusted), 1)

		// WHEN: run again
		changed, err = svc.AdjustAll(ctx, ledgertest.Admin)

		// THEN: nothing changes
		require.NoError(t, err)
		assert.Empty(t, changed)
	})
}

func TestAdjustRate_RequiresAdmin(t *testing.T) {
	svc, _ := newService(nil)

	_, err := svc.AdjustRate(context.Background(), ledgertest.User("user-root"), "root")
	assert.ErrorIs(t, err, ledger.ErrPermission)

	_, err = svc.AdjustAll(context.Background(), ledgertest.User("user-root"))
	assert.ErrorIs(t, err, ledger.ErrPermission)
}
