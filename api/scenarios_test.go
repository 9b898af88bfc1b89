/*
scenarios_test.go - Tests for demo scenario loading

Every scenario must load through the real services and leave a ledger
that passes the audit.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/ledger"
)

func TestLoadScenario_AllPassAudit(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			// GIVEN: a fresh server
			ts := newTestServer(t, RouterOptions{})

			// WHEN: the scenario is loaded
			rr := ts.do(t, admin, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: sc.ID})
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

			// THEN: it is current and every agent balances
			rr = ts.do(t, admin, http.MethodGet, "/api/scenarios/current", nil)
			assert.Equal(t, sc.ID, decodeAs[ScenarioDTO](t, rr).ID)

			rr = ts.do(t, admin, http.MethodGet, "/api/admin/audit", nil)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			results := decodeAs[[]AuditDTO](t, rr)
			require.NotEmpty(t, results)
			for _, res := range results {
				assert.True(t, res.OK, "agent %s: %v", res.AgentID, res.Problems)
			}
		})
	}
}

func TestLoadScenario_DirectReferral(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	rr := ts.do(t, admin, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "direct-referral"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	alice, err := ts.store.GetAgentByUser(context.Background(), "alice")
	require.NoError(t, err)
	bob, err := ts.store.GetAgentByUser(context.Background(), "bob")
	require.NoError(t, err)

	// Alice: 2800 * 0.15 direct + 6250.50 * 0.20 referral = 420.00 + 1250.10
	assert.Equal(t, "1670.10", alice.Balance.String())
	// Bob: 6250.50 * 0.08 = 500.04
	assert.Equal(t, "500.04", bob.Balance.String())
	assert.Equal(t, alice.ID, bob.ParentID)
}

func TestLoadScenario_RateTiers(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	rr := ts.do(t, admin, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "rate-tiers"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	want := map[ledger.UserID]string{"frank": "0.15", "grace": "0.2", "heidi": "0.25"}
	for user, rate := range want {
		a, err := ts.store.GetAgentByUser(context.Background(), user)
		require.NoError(t, err)
		assert.Equal(t, rate, a.CommissionRate.String(), user)
	}
}

func TestLoadScenario_ReplacesPrevious(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.do(t, admin, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "settlement"})
	rr := ts.do(t, admin, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "withdrawal-lifecycle"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	agents, err := ts.store.ListAgents(context.Background(), ledger.AgentFilter{})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	// 3000 earned, 1000 approved and 250 pending stay reserved, 500 rejected came back.
	assert.Equal(t, "1750.00", agents[0].Balance.String())
}

func TestLoadScenario_Errors(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	rr := ts.do(t, agentUser("user-1"), http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "settlement"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, admin, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, agentUser("user-1"), http.MethodPost, "/api/scenarios/reset", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, admin, http.MethodPost, "/api/scenarios/reset", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, caller{}, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeAs[[]ScenarioDTO](t, rr), len(scenarios))
}
