package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
	"github.com/warp/commission-engine/ledger/store"
)

type countingAdjuster struct {
	calls atomic.Int32
	actor atomic.Value
	err   error
}

func (c *countingAdjuster) AdjustAll(_ context.Context, actor ledger.Actor) ([]commission.RateAdjustment, error) {
	c.calls.Add(1)
	c.actor.Store(actor)
	return []commission.RateAdjustment{{Changed: true}}, c.err
}

func TestScheduler_Disabled(t *testing.T) {
	adj := &countingAdjuster{}
	rs := NewRateAdjustScheduler(adj, 0, nil)

	rs.Start()
	rs.Stop()

	assert.False(t, rs.Enabled())
	assert.Zero(t, adj.calls.Load())
}

func TestScheduler_RunsOnInterval(t *testing.T) {
	adj := &countingAdjuster{}
	rs := NewRateAdjustScheduler(adj, 5*time.Millisecond, nil)

	rs.Start()
	assert.Eventually(t, func() bool { return adj.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	rs.Stop()

	after := adj.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, adj.calls.Load(), "no runs after Stop")
	assert.Equal(t, ledger.SystemActor, adj.actor.Load())
}

func TestScheduler_RunNowRecordsResult(t *testing.T) {
	adj := &countingAdjuster{err: ledger.StorageError.New("db down")}
	rs := NewRateAdjustScheduler(adj, time.Hour, nil)

	_, ok := rs.LastRun()
	assert.False(t, ok)

	res := rs.RunNow(context.Background())
	assert.Error(t, res.Err)

	last, ok := rs.LastRun()
	require.True(t, ok)
	assert.True(t, errors.Is(last.Err, res.Err))
	assert.Equal(t, 1, last.Changed)
}

func TestScheduler_AdjustsStoredRates(t *testing.T) {
	// GIVEN: an agent past the top sales threshold still on the starting rate
	s := store.NewMemory()
	spec := ledgertest.Tier1("top")
	ledgertest.SeedAgents(t, s, spec)
	svc := commission.NewService(s, commission.DefaultPolicy(), nil, nil)
	_, err := svc.OnOrderCompleted(context.Background(), commission.OrderCompleted{
		OrderID: "ord-1", AgentID: "top", TotalAmount: ledgertest.M("100000"),
	})
	require.NoError(t, err)

	// WHEN: the scheduler runs once
	res := NewRateAdjustScheduler(svc, time.Hour, nil).RunNow(context.Background())

	// THEN: the rate moves to the band maximum
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, "0.25", ledgertest.MustAgent(t, s, "top").CommissionRate.String())
}
