package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
	"github.com/warp/commission-engine/ledger/store"
)

func TestMemory_Contract(t *testing.T) {
	ledgertest.StoreContract(t, func(t *testing.T) ledger.Store { return store.NewMemory() })
}

func TestMemory_ReadsReturnCopies(t *testing.T) {
	s := store.NewMemory()
	ledgertest.SeedAgents(t, s, ledgertest.Tier1("root"))

	a := ledgertest.MustAgent(t, s, "root")
	a.Balance = ledgertest.M("1000000")

	assert.True(t, ledgertest.MustAgent(t, s, "root").Balance.IsZero())
}

func TestMemory_Reset(t *testing.T) {
	s := store.NewMemory()
	ledgertest.SeedAgents(t, s, ledgertest.Tier1("root"))

	require.NoError(t, s.Reset(context.Background()))

	agents, err := s.ListAgents(context.Background(), ledger.AgentFilter{})
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestMemory_CanceledContext(t *testing.T) {
	s := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WithTx(ctx, func(ledger.Tx) error { return nil })
	assert.True(t, ledger.IsRetryable(err))
}

func TestMemory_SerializedTransactions(t *testing.T) {
	s := store.NewMemory()
	ledgertest.SeedAgents(t, s, ledgertest.Tier1("root"))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithTx(ctx, func(tx ledger.Tx) error {
				a, err := tx.LockAgent(ctx, "root")
				if err != nil {
					return err
				}
				a.Balance = a.Balance.Add(ledgertest.M("1.00"))
				return tx.UpdateAgent(ctx, *a)
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, "50.00", ledgertest.MustAgent(t, s, "root").Balance.String())
}
