package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
	"github.com/warp/commission-engine/store/postgres"
)

// Set COMMISSION_TEST_POSTGRES_DSN to run against a disposable database.
// Every subtest truncates all tables.
func TestPostgres_Contract(t *testing.T) {
	dsn := os.Getenv("COMMISSION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COMMISSION_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ledgertest.StoreContract(t, func(t *testing.T) ledger.Store {
		require.NoError(t, s.Reset(ctx))
		return s
	})
}
