/*
store.go - Persistence contract for the commission ledger

PURPOSE:
  Defines the interface between the services and the database. Services
  never hold balances in memory; every balance change is a locked
  read-modify-write inside WithTx.

KEY INTERFACES:
  Reader: Point lookups and filtered listings
  Tx:     Reader plus row-locking reads and writes, valid inside WithTx
  Store:  Reader plus WithTx

ATOMICITY:
  WithTx is all-or-nothing. When an order accrues a direct and a referral
  commission, both entries and both agent updates commit together or not
  at all.

LOCKING:
  LockAgent and LockWithdrawal serialize writers on the same row until
  the transaction ends. Callers lock a child agent before its parent and
  a withdrawal before its agent, so lock order is acyclic.

IDEMPOTENCY:
  InsertCommission fails with ErrDuplicateCommission when an entry for
  the same (agent, order, type) exists. This backs up the HasCommission
  check against concurrent deliveries of the same order. SaveOrder
  refuses to move an order to a different agent, so one order id can only
  ever credit one seller.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL with SELECT ... FOR UPDATE

SEE ALSO:
  - errors.go: Sentinels returned by stores
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

// AgentFilter selects agents. Zero fields match everything.
type AgentFilter struct {
	Status   AgentStatus
	ParentID AgentID
	Tier     Tier
}

// CommissionFilter selects commission entries. Since is inclusive, Until
// exclusive.
type CommissionFilter struct {
	AgentIDs []AgentID
	OrderID  OrderID
	Type     CommissionType
	Status   CommissionStatus
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// WithdrawalFilter selects withdrawals.
type WithdrawalFilter struct {
	UserID UserID
	Status WithdrawalStatus
	Since  *time.Time
	Limit  int
	Offset int
}

// Totals are platform-wide sums over the ledger.
type Totals struct {
	Orders     int
	Sales      Money // sum of order totals
	Commission Money // sum of commission entries, direct and referral
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Reader is the read side shared by Store and Tx. Listings are ordered
// newest first.
type Reader interface {
	GetAgent(ctx context.Context, id AgentID) (*Agent, error)
	GetAgentByUser(ctx context.Context, userID UserID) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]Agent, error)

	GetOrder(ctx context.Context, id OrderID) (*Order, error)

	GetCommission(ctx context.Context, id CommissionID) (*Commission, error)
	ListCommissions(ctx context.Context, filter CommissionFilter) ([]Commission, error)

	GetWithdrawal(ctx context.Context, id WithdrawalID) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]Withdrawal, error)

	Totals(ctx context.Context) (*Totals, error)
}

// Tx is the transactional view handed to WithTx callbacks.
type Tx interface {
	Reader

	// LockAgent reads an agent and holds its row until the transaction ends.
	LockAgent(ctx context.Context, id AgentID) (*Agent, error)
	LockAgentByUser(ctx context.Context, userID UserID) (*Agent, error)
	LockWithdrawal(ctx context.Context, id WithdrawalID) (*Withdrawal, error)

	InsertAgent(ctx context.Context, agent Agent) error
	UpdateAgent(ctx context.Context, agent Agent) error

	HasCommission(ctx context.Context, agentID AgentID, orderID OrderID, typ CommissionType) (bool, error)
	InsertCommission(ctx context.Context, c Commission) error

	// SettleCommissions moves the pending entries among ids to settled and
	// returns how many moved. Unknown and already settled ids are skipped.
	SettleCommissions(ctx context.Context, ids []CommissionID, at time.Time) (int, error)

	InsertWithdrawal(ctx context.Context, w Withdrawal) error
	UpdateWithdrawal(ctx context.Context, w Withdrawal) error

	// SaveOrder records the order summary, replacing an earlier copy for
	// the same agent. It fails with ErrOrderAgentMismatch when the order is
	// already recorded under another agent.
	SaveOrder(ctx context.Context, order Order) error
}

// Store is the persistence handle the services are built on.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Close() error
}
