package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserLimiter_Allow(t *testing.T) {
	l := NewUserLimiter(2)
	defer l.Close()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "burst exhausted")
	assert.True(t, l.Allow("b"), "callers are independent")
}

func TestWithdrawalRoute_RateLimited(t *testing.T) {
	// GIVEN: a router allowing two withdrawal requests per caller
	l := NewUserLimiter(2)
	defer l.Close()
	ts := newTestServer(t, RouterOptions{Limiter: l})
	owner := agentUser("user-1")

	// WHEN: the caller sends three requests (bodies are invalid, the limiter runs first)
	for i := 0; i < 2; i++ {
		rr := ts.do(t, owner, http.MethodPost, "/api/withdrawals", `{`)
		require.Equal(t, http.StatusBadRequest, rr.Code)
	}
	rr := ts.do(t, owner, http.MethodPost, "/api/withdrawals", `{`)

	// THEN: the third is throttled, other callers and routes are not
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	rr = ts.do(t, agentUser("user-2"), http.MethodPost, "/api/withdrawals", `{`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, owner, http.MethodGet, "/api/withdrawals?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
