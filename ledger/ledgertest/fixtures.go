// Package ledgertest holds fixtures shared by the service tests.
package ledgertest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/store"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// ACTORS
// =============================================================================

var Admin = ledger.Actor{ID: "admin-1", Role: ledger.RoleAdmin}

// User returns a non-admin actor owning userID.
func User(userID ledger.UserID) ledger.Actor {
	return ledger.Actor{ID: string(userID), UserID: userID, Role: ledger.RoleAgent}
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock is a settable clock for deterministic timestamps.
type Clock struct {
	T time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{T: t.UTC()} }

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// =============================================================================
// AGENTS
// =============================================================================

// AgentSpec describes a seeded agent. Zero rates default to the tier's
// starting rates.
type AgentSpec struct {
	ID             ledger.AgentID
	UserID         ledger.UserID
	ParentID       ledger.AgentID
	Tier           ledger.Tier
	Status         ledger.AgentStatus
	CommissionRate string
	ReferralRate   string
	Balance        string
}

// Tier1 is an approved tier-1 root agent.
func Tier1(id string) AgentSpec {
	return AgentSpec{ID: ledger.AgentID(id), UserID: ledger.UserID("user-" + id), Tier: ledger.Tier1, Status: ledger.AgentApproved}
}

// Tier2 is an approved tier-2 agent under parent.
func Tier2(id, parent string) AgentSpec {
	return AgentSpec{
		ID:       ledger.AgentID(id),
		UserID:   ledger.UserID("user-" + id),
		ParentID: ledger.AgentID(parent),
		Tier:     ledger.Tier2,
		Status:   ledger.AgentApproved,
	}
}

func (s AgentSpec) WithStatus(status ledger.AgentStatus) AgentSpec {
	s.Status = status
	return s
}

func (s AgentSpec) WithRates(commission, referral string) AgentSpec {
	s.CommissionRate = commission
	s.ReferralRate = referral
	return s
}

func (s AgentSpec) Build(now time.Time) ledger.Agent {
	commission, referral := "0.15", "0.20"
	if s.Tier == ledger.Tier2 {
		commission, referral = "0.08", "0.10"
	}
	if s.CommissionRate != "" {
		commission = s.CommissionRate
	}
	if s.ReferralRate != "" {
		referral = s.ReferralRate
	}
	status := s.Status
	if status == "" {
		status = ledger.AgentApproved
	}
	balance := ledger.Zero
	if s.Balance != "" {
		balance = ledger.MustParseMoney(s.Balance)
	}
	return ledger.Agent{
		ID:              s.ID,
		UserID:          s.UserID,
		ParentID:        s.ParentID,
		Tier:            s.Tier,
		CommissionRate:  decimal.RequireFromString(commission),
		ReferralRate:    decimal.RequireFromString(referral),
		TotalSales:      ledger.Zero,
		TotalCommission: balance,
		Balance:         balance,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// SeedAgents inserts agents in order, so parents must come first.
func SeedAgents(t testing.TB, s ledger.Store, specs ...AgentSpec) {
	t.Helper()
	now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		for _, spec := range specs {
			if err := tx.InsertAgent(context.Background(), spec.Build(now)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// MustAgent loads an agent or fails the test.
func MustAgent(t testing.TB, s ledger.Store, id string) *ledger.Agent {
	t.Helper()
	a, err := s.GetAgent(context.Background(), ledger.AgentID(id))
	require.NoError(t, err)
	return a
}

// M parses a money literal.
func M(s string) ledger.Money { return ledger.MustParseMoney(s) }

// =============================================================================
// STORES
// =============================================================================

// ForEachStore runs fn against a fresh memory store and a fresh SQLite
// database, so service behavior is checked on both backends.
func ForEachStore(t *testing.T, fn func(t *testing.T, s ledger.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}
