// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps all records in maps guarded by one mutex. WithTx holds the
// mutex for the whole callback, so transactions are fully serialized.
type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	agents      map[ledger.AgentID]ledger.Agent
	byUser      map[ledger.UserID]ledger.AgentID
	orders      map[ledger.OrderID]ledger.Order
	commissions []ledger.Commission
	commIndex   map[ledger.CommissionID]int
	commKeys    map[commissionKey]ledger.CommissionID
	withdrawals []ledger.Withdrawal
	wdIndex     map[ledger.WithdrawalID]int
}

type commissionKey struct {
	AgentID ledger.AgentID
	OrderID ledger.OrderID
	Type    ledger.CommissionType
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

func newMemoryState() memoryState {
	return memoryState{
		agents:    make(map[ledger.AgentID]ledger.Agent),
		byUser:    make(map[ledger.UserID]ledger.AgentID),
		orders:    make(map[ledger.OrderID]ledger.Order),
		commIndex: make(map[ledger.CommissionID]int),
		commKeys:  make(map[commissionKey]ledger.CommissionID),
		wdIndex:   make(map[ledger.WithdrawalID]int),
	}
}

func (m *Memory) Close() error { return nil }

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemoryState()
	return nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ledger.StorageError.Wrap(err)
	}

	snapshot := m.state.clone()
	if err := fn(&memoryTx{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *memoryState) clone() memoryState {
	c := memoryState{
		agents:      make(map[ledger.AgentID]ledger.Agent, len(s.agents)),
		byUser:      make(map[ledger.UserID]ledger.AgentID, len(s.byUser)),
		orders:      make(map[ledger.OrderID]ledger.Order, len(s.orders)),
		commissions: append([]ledger.Commission(nil), s.commissions...),
		commIndex:   make(map[ledger.CommissionID]int, len(s.commIndex)),
		commKeys:    make(map[commissionKey]ledger.CommissionID, len(s.commKeys)),
		withdrawals: append([]ledger.Withdrawal(nil), s.withdrawals...),
		wdIndex:     make(map[ledger.WithdrawalID]int, len(s.wdIndex)),
	}
	for k, v := range s.agents {
		c.agents[k] = v
	}
	for k, v := range s.byUser {
		c.byUser[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.commIndex {
		c.commIndex[k] = v
	}
	for k, v := range s.commKeys {
		c.commKeys[k] = v
	}
	for k, v := range s.wdIndex {
		c.wdIndex[k] = v
	}
	return c
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetAgent(_ context.Context, id ledger.AgentID) (*ledger.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getAgent(id)
}

func (m *Memory) GetAgentByUser(_ context.Context, userID ledger.UserID) (*ledger.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getAgentByUser(userID)
}

func (m *Memory) ListAgents(_ context.Context, filter ledger.AgentFilter) ([]ledger.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listAgents(filter), nil
}

func (m *Memory) GetOrder(_ context.Context, id ledger.OrderID) (*ledger.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getOrder(id)
}

func (m *Memory) GetCommission(_ context.Context, id ledger.CommissionID) (*ledger.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getCommission(id)
}

func (m *Memory) ListCommissions(_ context.Context, filter ledger.CommissionFilter) ([]ledger.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listCommissions(filter), nil
}

func (m *Memory) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getWithdrawal(id)
}

func (m *Memory) ListWithdrawals(_ context.Context, filter ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listWithdrawals(filter), nil
}

func (m *Memory) Totals(_ context.Context) (*ledger.Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.totals(), nil
}

func (s *memoryState) getAgent(id ledger.AgentID) (*ledger.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, ledger.ErrAgentNotFound
	}
	return &a, nil
}

func (s *memoryState) getAgentByUser(userID ledger.UserID) (*ledger.Agent, error) {
	id, ok := s.byUser[userID]
	if !ok {
		return nil, ledger.ErrAgentNotFound
	}
	return s.getAgent(id)
}

func (s *memoryState) listAgents(filter ledger.AgentFilter) []ledger.Agent {
	var result []ledger.Agent
	for _, a := range s.agents {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.ParentID != "" && a.ParentID != filter.ParentID {
			continue
		}
		if filter.Tier != 0 && a.Tier != filter.Tier {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result
}

func (s *memoryState) getOrder(id ledger.OrderID) (*ledger.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, ledger.ErrOrderNotFound
	}
	return &o, nil
}

func (s *memoryState) totals() *ledger.Totals {
	t := &ledger.Totals{Orders: len(s.orders), Sales: ledger.Zero, Commission: ledger.Zero}
	for _, o := range s.orders {
		t.Sales = t.Sales.Add(o.TotalAmount)
	}
	for _, c := range s.commissions {
		t.Commission = t.Commission.Add(c.Amount)
	}
	return t
}

func (s *memoryState) getCommission(id ledger.CommissionID) (*ledger.Commission, error) {
	i, ok := s.commIndex[id]
	if !ok {
		return nil, ledger.ErrCommissionNotFound
	}
	c := s.commissions[i]
	return &c, nil
}

func (s *memoryState) listCommissions(filter ledger.CommissionFilter) []ledger.Commission {
	agents := make(map[ledger.AgentID]bool, len(filter.AgentIDs))
	for _, id := range filter.AgentIDs {
		agents[id] = true
	}

	var result []ledger.Commission
	for i := len(s.commissions) - 1; i >= 0; i-- {
		c := s.commissions[i]
		if len(agents) > 0 && !agents[c.AgentID] {
			continue
		}
		if filter.OrderID != "" && c.OrderID != filter.OrderID {
			continue
		}
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Since != nil && c.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !c.CreatedAt.Before(*filter.Until) {
			continue
		}
		result = append(result, c)
	}
	return page(result, filter.Offset, filter.Limit)
}

func (s *memoryState) getWithdrawal(id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	i, ok := s.wdIndex[id]
	if !ok {
		return nil, ledger.ErrWithdrawalNotFound
	}
	w := s.withdrawals[i]
	return &w, nil
}

func (s *memoryState) listWithdrawals(filter ledger.WithdrawalFilter) []ledger.Withdrawal {
	var result []ledger.Withdrawal
	for i := len(s.withdrawals) - 1; i >= 0; i-- {
		w := s.withdrawals[i]
		if filter.UserID != "" && w.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		if filter.Since != nil && w.CreatedAt.Before(*filter.Since) {
			continue
		}
		result = append(result, w)
	}
	return page(result, filter.Offset, filter.Limit)
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memoryTx operates on the state while the parent holds the write lock.
type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) GetAgent(_ context.Context, id ledger.AgentID) (*ledger.Agent, error) {
	return t.state.getAgent(id)
}

func (t *memoryTx) GetAgentByUser(_ context.Context, userID ledger.UserID) (*ledger.Agent, error) {
	return t.state.getAgentByUser(userID)
}

func (t *memoryTx) ListAgents(_ context.Context, filter ledger.AgentFilter) ([]ledger.Agent, error) {
	return t.state.listAgents(filter), nil
}

func (t *memoryTx) GetOrder(_ context.Context, id ledger.OrderID) (*ledger.Order, error) {
	return t.state.getOrder(id)
}

func (t *memoryTx) Totals(_ context.Context) (*ledger.Totals, error) {
	return t.state.totals(), nil
}

func (t *memoryTx) GetCommission(_ context.Context, id ledger.CommissionID) (*ledger.Commission, error) {
	return t.state.getCommission(id)
}

func (t *memoryTx) ListCommissions(_ context.Context, filter ledger.CommissionFilter) ([]ledger.Commission, error) {
	return t.state.listCommissions(filter), nil
}

func (t *memoryTx) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	return t.state.getWithdrawal(id)
}

func (t *memoryTx) ListWithdrawals(_ context.Context, filter ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	return t.state.listWithdrawals(filter), nil
}

// Locks are implicit: the whole transaction runs under the store mutex.
func (t *memoryTx) LockAgent(_ context.Context, id ledger.AgentID) (*ledger.Agent, error) {
	return t.state.getAgent(id)
}

func (t *memoryTx) LockAgentByUser(_ context.Context, userID ledger.UserID) (*ledger.Agent, error) {
	return t.state.getAgentByUser(userID)
}

func (t *memoryTx) LockWithdrawal(_ context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	return t.state.getWithdrawal(id)
}

func (t *memoryTx) InsertAgent(_ context.Context, agent ledger.Agent) error {
	if _, ok := t.state.byUser[agent.UserID]; ok {
		return ledger.ErrAgentExists
	}
	if _, ok := t.state.agents[agent.ID]; ok {
		return ledger.ErrAgentExists
	}
	t.state.agents[agent.ID] = agent
	t.state.byUser[agent.UserID] = agent.ID
	return nil
}

func (t *memoryTx) UpdateAgent(_ context.Context, agent ledger.Agent) error {
	if _, ok := t.state.agents[agent.ID]; !ok {
		return ledger.ErrAgentNotFound
	}
	t.state.agents[agent.ID] = agent
	return nil
}

func (t *memoryTx) HasCommission(_ context.Context, agentID ledger.AgentID, orderID ledger.OrderID, typ ledger.CommissionType) (bool, error) {
	_, ok := t.state.commKeys[commissionKey{AgentID: agentID, OrderID: orderID, Type: typ}]
	return ok, nil
}

func (t *memoryTx) InsertCommission(_ context.Context, c ledger.Commission) error {
	k := commissionKey{AgentID: c.AgentID, OrderID: c.OrderID, Type: c.Type}
	if _, ok := t.state.commKeys[k]; ok {
		return ledger.ErrDuplicateCommission
	}
	t.state.commIndex[c.ID] = len(t.state.commissions)
	t.state.commissions = append(t.state.commissions, c)
	t.state.commKeys[k] = c.ID
	return nil
}

func (t *memoryTx) SettleCommissions(_ context.Context, ids []ledger.CommissionID, at time.Time) (int, error) {
	count := 0
	for _, id := range ids {
		i, ok := t.state.commIndex[id]
		if !ok || t.state.commissions[i].Status != ledger.CommissionPending {
			continue
		}
		settledAt := at
		t.state.commissions[i].Status = ledger.CommissionSettled
		t.state.commissions[i].SettledAt = &settledAt
		count++
	}
	return count, nil
}

func (t *memoryTx) InsertWithdrawal(_ context.Context, w ledger.Withdrawal) error {
	t.state.wdIndex[w.ID] = len(t.state.withdrawals)
	t.state.withdrawals = append(t.state.withdrawals, w)
	return nil
}

func (t *memoryTx) UpdateWithdrawal(_ context.Context, w ledger.Withdrawal) error {
	i, ok := t.state.wdIndex[w.ID]
	if !ok {
		return ledger.ErrWithdrawalNotFound
	}
	t.state.withdrawals[i] = w
	return nil
}

func (t *memoryTx) SaveOrder(_ context.Context, order ledger.Order) error {
	if prev, ok := t.state.orders[order.ID]; ok && prev.AgentID != "" && prev.AgentID != order.AgentID {
		return ledger.ErrOrderAgentMismatch
	}
	t.state.orders[order.ID] = order
	return nil
}
