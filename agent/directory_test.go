package agent_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/agent"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
)

func newDirectory(s ledger.Store) (*agent.Directory, *events.Recorder) {
	rec := &events.Recorder{}
	return agent.NewDirectory(s, commission.DefaultPolicy(), rec, nil), rec
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestApply_TierFromInvite(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		ledgertest.SeedAgents(t, s,
			ledgertest.Tier1("root"),
			ledgertest.Tier1("unapproved").WithStatus(ledger.AgentPending),
			ledgertest.Tier2("child", "root"),
		)
		d, _ := newDirectory(s)
		ctx := context.Background()

		tests := []struct {
			name       string
			user       ledger.UserID
			invite     string
			wantTier   ledger.Tier
			wantParent ledger.AgentID
			wantRate   string
		}{
			{"no invite", "u1", "", ledger.Tier1, "", "0.15"},
			{"approved tier-1 inviter", "u2", "root", ledger.Tier2, "root", "0.08"},
			{"unknown inviter", "u3", "ghost", ledger.Tier1, "", "0.15"},
			{"unapproved inviter", "u4", "unapproved", ledger.Tier1, "", "0.15"},
		}
		for _, tt := range tests {
			a, err := d.Apply(ctx, agent.ApplyCommand{Actor: ledgertest.User(tt.user), UserID: tt.user, InviteCode: tt.invite})
			require.NoError(t, err, tt.name)
			assert.Equal(t, tt.wantTier, a.Tier, tt.name)
			assert.Equal(t, tt.wantParent, a.ParentID, tt.name)
			assert.True(t, a.CommissionRate.Equal(decimal.RequireFromString(tt.wantRate)), tt.name)
			assert.Equal(t, ledger.AgentPending, a.Status, tt.name)
			assert.True(t, a.Balance.IsZero(), tt.name)
		}

		// a tier-2 agent cannot recruit
		_, err := d.Apply(ctx, agent.ApplyCommand{Actor: ledgertest.User("u5"), UserID: "u5", InviteCode: "child"})
		assert.ErrorIs(t, err, ledger.ErrValidation)

		// one agent per user
		_, err = d.Apply(ctx, agent.ApplyCommand{Actor: ledgertest.User("u1"), UserID: "u1"})
		assert.ErrorIs(t, err, ledger.ErrAgentExists)
		assert.ErrorIs(t, err, ledger.ErrConflict)

		// applying for someone else
		_, err = d.Apply(ctx, agent.ApplyCommand{Actor: ledgertest.User("u6"), UserID: "u7"})
		assert.ErrorIs(t, err, ledger.ErrPermission)
	})
}

func TestReview(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		ledgertest.SeedAgents(t, s, ledgertest.Tier1("root").WithStatus(ledger.AgentPending))
		d, rec := newDirectory(s)
		ctx := context.Background()

		// WHEN: an admin approves with overrides inside the bands
		a, err := d.Review(ctx, agent.ReviewCommand{
			Actor:          ledgertest.Admin,
			AgentID:        "root",
			Status:         ledger.AgentApproved,
			CommissionRate: dec("0.22"),
			ReferralRate:   dec("0.30"),
		})

		// THEN: the agent is approved with the new rates
		require.NoError(t, err)
		assert.Equal(t, ledger.AgentApproved, a.Status)
		stored := ledgertest.MustAgent(t, s, "root")
		assert.True(t, stored.IsApproved())
		assert.True(t, stored.CommissionRate.Equal(decimal.RequireFromString("0.22")))
		assert.True(t, stored.ReferralRate.Equal(decimal.RequireFromString("0.30")))
		assert.Len(t, rec.OfType(events.AgentReviewed), 1)

		// out-of-band commission rate
		_, err = d.Review(ctx, agent.ReviewCommand{Actor: ledgertest.Admin, AgentID: "root", Status: ledger.AgentApproved, CommissionRate: dec("0.30")})
		assert.ErrorIs(t, err, ledger.ErrValidation)

		// out-of-range referral rate
		_, err = d.Review(ctx, agent.ReviewCommand{Actor: ledgertest.Admin, AgentID: "root", Status: ledger.AgentApproved, ReferralRate: dec("0.75")})
		assert.ErrorIs(t, err, ledger.ErrValidation)

		// bad status
		_, err = d.Review(ctx, agent.ReviewCommand{Actor: ledgertest.Admin, AgentID: "root", Status: "frozen"})
		assert.ErrorIs(t, err, ledger.ErrValidation)

		// non-admin
		_, err = d.Review(ctx, agent.ReviewCommand{Actor: ledgertest.User("user-root"), AgentID: "root", Status: ledger.AgentApproved})
		assert.ErrorIs(t, err, ledger.ErrPermission)

		// unknown agent
		_, err = d.Review(ctx, agent.ReviewCommand{Actor: ledgertest.Admin, AgentID: "ghost", Status: ledger.AgentApproved})
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestReview_CannotResetToPending(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		// GIVEN: an approved agent
		ledgertest.SeedAgents(t, s, ledgertest.Tier1("root"))
		d, rec := newDirectory(s)

		// WHEN: an admin reviews it back to pending
		_, err := d.Review(context.Background(), agent.ReviewCommand{
			Actor:   ledgertest.Admin,
			AgentID: "root",
			Status:  ledger.AgentPending,
		})

		// THEN: the decision is rejected and the agent stays approved
		var verr *ledger.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "status", verr.Field)
		assert.True(t, ledgertest.MustAgent(t, s, "root").IsApproved())
		assert.Empty(t, rec.OfType(events.AgentReviewed))
	})
}

func TestGet_Visibility(t *testing.T) {
	ledgertest.ForEachStore(t, func(t *testing.T, s ledger.Store) {
		ledgertest.SeedAgents(t, s, ledgertest.Tier1("root"), ledgertest.Tier1("other"), ledgertest.Tier2("child", "root"))
		d, _ := newDirectory(s)
		ctx := context.Background()

		_, err := d.Get(ctx, ledgertest.User("user-child"), "child")
		assert.NoError(t, err, "self")
		_, err = d.Get(ctx, ledgertest.User("user-root"), "child")
		assert.NoError(t, err, "parent")
		_, err = d.Get(ctx, ledgertest.Admin, "child")
		assert.NoError(t, err, "admin")
		_, err = d.Get(ctx, ledgertest.User("user-other"), "child")
		assert.ErrorIs(t, err, ledger.ErrPermission)
		_, err = d.Get(ctx, ledgertest.User("user-child"), "root")
		assert.ErrorIs(t, err, ledger.ErrPermission)

		all, err := d.List(ctx, ledgertest.Admin, ledger.AgentFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)
		children, err := d.List(ctx, ledgertest.Admin, ledger.AgentFilter{ParentID: "root"})
		require.NoError(t, err)
		assert.Len(t, children, 1)
		_, err = d.List(ctx, ledgertest.User("user-root"), ledger.AgentFilter{})
		assert.ErrorIs(t, err, ledger.ErrPermission)

		mine, err := d.ForUser(ctx, ledgertest.User("user-root"), "user-root")
		require.NoError(t, err)
		assert.Equal(t, ledger.AgentID("root"), mine.ID)
	})
}
