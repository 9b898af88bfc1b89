/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists agents, commission entries, withdrawals and order summaries.
  The PostgreSQL store in store/postgres follows the same schema with
  dialect differences only.

KEY TABLES:
  agents:      One row per agent, holds the running balance and totals
  commissions: Earning entries, unique per (agent_id, order_id, type)
  withdrawals: Payout requests and their decisions
  orders:      Summaries of completed orders

INDEXES:
  - idx_commissions_agent_order_type: Enforces commission idempotency
  - idx_commissions_agent_created: Reporting windows (hot path)
  - idx_withdrawals_user_created: Withdrawal history
  - idx_agents_parent: Team queries

MONEY:
  Amounts and rates are stored as TEXT decimal strings so no value ever
  passes through a float.

CONCURRENCY:
  Transactions are opened with BEGIN IMMEDIATE (_txlock=immediate), which
  takes the database write lock up front. Together with the store mutex
  this serializes every read-modify-write, so LockAgent needs no row lock.
  The pool is limited to one connection so ":memory:" databases are shared.

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/ledger"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		parent_id TEXT REFERENCES agents(id),
		tier INTEGER NOT NULL,
		commission_rate TEXT NOT NULL,
		referral_rate TEXT NOT NULL,
		total_sales TEXT NOT NULL DEFAULT '0',
		total_commission TEXT NOT NULL DEFAULT '0',
		balance TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_parent
		ON agents(parent_id) WHERE parent_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_agents_status
		ON agents(status);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		agent_id TEXT,
		total_amount TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		order_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		rate TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		settled_at TEXT
	);

	-- One entry per (agent, order, type): the idempotency guard
	CREATE UNIQUE INDEX IF NOT EXISTS idx_commissions_agent_order_type
		ON commissions(agent_id, order_id, type);
	CREATE INDEX IF NOT EXISTS idx_commissions_agent_created
		ON commissions(agent_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_commissions_status
		ON commissions(status);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		amount TEXT NOT NULL,
		fee TEXT NOT NULL,
		actual_amount TEXT NOT NULL,
		method TEXT NOT NULL,
		account TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		remark TEXT NOT NULL DEFAULT '',
		processed_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		processed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_user_created
		ON withdrawals(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_status
		ON withdrawals(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.StorageError.New("begin transaction: %v", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.StorageError.New("commit: %v", err)
	}
	return nil
}

// txStore is the ledger.Tx view over an open *sql.Tx.
type txStore struct {
	q querier
}

func (t *txStore) GetAgent(ctx context.Context, id ledger.AgentID) (*ledger.Agent, error) {
	return getAgent(ctx, t.q, "id", string(id))
}

func (t *txStore) GetAgentByUser(ctx context.Context, userID ledger.UserID) (*ledger.Agent, error) {
	return getAgent(ctx, t.q, "user_id", string(userID))
}

func (t *txStore) ListAgents(ctx context.Context, filter ledger.AgentFilter) ([]ledger.Agent, error) {
	return listAgents(ctx, t.q, filter)
}

func (t *txStore) GetOrder(ctx context.Context, id ledger.OrderID) (*ledger.Order, error) {
	return getOrder(ctx, t.q, id)
}

func (t *txStore) Totals(ctx context.Context) (*ledger.Totals, error) {
	return totals(ctx, t.q)
}

func (t *txStore) GetCommission(ctx context.Context, id ledger.CommissionID) (*ledger.Commission, error) {
	return getCommission(ctx, t.q, id)
}

func (t *txStore) ListCommissions(ctx context.Context, filter ledger.CommissionFilter) ([]ledger.Commission, error) {
	return listCommissions(ctx, t.q, filter)
}

func (t *txStore) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	return getWithdrawal(ctx, t.q, id)
}

func (t *txStore) ListWithdrawals(ctx context.Context, filter ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	return listWithdrawals(ctx, t.q, filter)
}

// The immediate transaction already holds the write lock.
func (t *txStore) LockAgent(ctx context.Context, id ledger.AgentID) (*ledger.Agent, error) {
	return t.GetAgent(ctx, id)
}

func (t *txStore) LockAgentByUser(ctx context.Context, userID ledger.UserID) (*ledger.Agent, error) {
	return t.GetAgentByUser(ctx, userID)
}

func (t *txStore) LockWithdrawal(ctx context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	return t.GetWithdrawal(ctx, id)
}

func (t *txStore) InsertAgent(ctx context.Context, a ledger.Agent) error {
	query := `
		INSERT INTO agents (id, user_id, parent_id, tier, commission_rate, referral_rate,
			total_sales, total_commission, balance, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := t.q.ExecContext(ctx, query,
		a.ID, a.UserID, nullString(string(a.ParentID)), int(a.Tier),
		a.CommissionRate.String(), a.ReferralRate.String(),
		a.TotalSales.Value.String(), a.TotalCommission.Value.String(), a.Balance.Value.String(),
		a.Status, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrAgentExists
		}
		return ledger.StorageError.New("insert agent: %v", err)
	}
	return nil
}

func (t *txStore) UpdateAgent(ctx context.Context, a ledger.Agent) error {
	query := `
		UPDATE agents SET
			parent_id = ?, tier = ?, commission_rate = ?, referral_rate = ?,
			total_sales = ?, total_commission = ?, balance = ?, status = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := t.q.ExecContext(ctx, query,
		nullString(string(a.ParentID)), int(a.Tier),
		a.CommissionRate.String(), a.ReferralRate.String(),
		a.TotalSales.Value.String(), a.TotalCommission.Value.String(), a.Balance.Value.String(),
		a.Status, formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return ledger.StorageError.New("update agent: %v", err)
	}
	return requireRow(res, ledger.ErrAgentNotFound)
}

func (t *txStore) HasCommission(ctx context.Context, agentID ledger.AgentID, orderID ledger.OrderID, typ ledger.CommissionType) (bool, error) {
	var count int
	err := t.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM commissions WHERE agent_id = ? AND order_id = ? AND type = ?",
		agentID, orderID, typ,
	).Scan(&count)
	if err != nil {
		return false, ledger.StorageError.New("check commission: %v", err)
	}
	return count > 0, nil
}

func (t *txStore) InsertCommission(ctx context.Context, c ledger.Commission) error {
	query := `
		INSERT INTO commissions (id, agent_id, order_id, amount, rate, type, status, created_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := t.q.ExecContext(ctx, query,
		c.ID, c.AgentID, c.OrderID, c.Amount.Value.String(), c.Rate.String(),
		c.Type, c.Status, formatTime(c.CreatedAt), nullTime(c.SettledAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateCommission
		}
		return ledger.StorageError.New("insert commission: %v", err)
	}
	return nil
}

func (t *txStore) SettleCommissions(ctx context.Context, ids []ledger.CommissionID, at time.Time) (int, error) {
	count := 0
	for _, id := range ids {
		res, err := t.q.ExecContext(ctx,
			"UPDATE commissions SET status = ?, settled_at = ? WHERE id = ? AND status = ?",
			ledger.CommissionSettled, formatTime(at), id, ledger.CommissionPending,
		)
		if err != nil {
			return 0, ledger.StorageError.New("settle commission: %v", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, ledger.StorageError.Wrap(err)
		}
		count += int(n)
	}
	return count, nil
}

func (t *txStore) InsertWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	query := `
		INSERT INTO withdrawals (id, user_id, agent_id, amount, fee, actual_amount, method, account,
			status, remark, processed_by, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := t.q.ExecContext(ctx, query,
		w.ID, w.UserID, w.AgentID, w.Amount.Value.String(), w.Fee.Value.String(), w.ActualAmount.Value.String(),
		w.Method, w.Account, w.Status, w.Remark, w.ProcessedBy,
		formatTime(w.CreatedAt), nullTime(w.ProcessedAt),
	)
	if err != nil {
		return ledger.StorageError.New("insert withdrawal: %v", err)
	}
	return nil
}

func (t *txStore) UpdateWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	query := `
		UPDATE withdrawals SET status = ?, remark = ?, processed_by = ?, processed_at = ?
		WHERE id = ?
	`
	res, err := t.q.ExecContext(ctx, query, w.Status, w.Remark, w.ProcessedBy, nullTime(w.ProcessedAt), w.ID)
	if err != nil {
		return ledger.StorageError.New("update withdrawal: %v", err)
	}
	return requireRow(res, ledger.ErrWithdrawalNotFound)
}

func (t *txStore) SaveOrder(ctx context.Context, o ledger.Order) error {
	query := `
		INSERT INTO orders (id, agent_id, total_amount, currency, status, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			total_amount = excluded.total_amount,
			currency = excluded.currency,
			status = excluded.status,
			completed_at = excluded.completed_at
		WHERE orders.agent_id IS NULL OR orders.agent_id = excluded.agent_id
	`
	res, err := t.q.ExecContext(ctx, query,
		o.ID, nullString(string(o.AgentID)), o.TotalAmount.Value.String(), o.Currency, o.Status,
		formatTime(o.CompletedAt),
	)
	if err != nil {
		return ledger.StorageError.New("save order: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.StorageError.New("save order: %v", err)
	}
	if n == 0 {
		return ledger.ErrOrderAgentMismatch
	}
	return nil
}

// =============================================================================
// READS (outside a transaction)
// =============================================================================

func (s *Store) GetAgent(ctx context.Context, id ledger.AgentID) (*ledger.Agent, error) {
	return getAgent(ctx, s.db, "id", string(id))
}

func (s *Store) GetAgentByUser(ctx context.Context, userID ledger.UserID) (*ledger.Agent, error) {
	return getAgent(ctx, s.db, "user_id", string(userID))
}

func (s *Store) ListAgents(ctx context.Context, filter ledger.AgentFilter) ([]ledger.Agent, error) {
	return listAgents(ctx, s.db, filter)
}

func (s *Store) GetOrder(ctx context.Context, id ledger.OrderID) (*ledger.Order, error) {
	return getOrder(ctx, s.db, id)
}

func (s *Store) Totals(ctx context.Context) (*ledger.Totals, error) {
	return totals(ctx, s.db)
}

func (s *Store) GetCommission(ctx context.Context, id ledger.CommissionID) (*ledger.Commission, error) {
	return getCommission(ctx, s.db, id)
}

func (s *Store) ListCommissions(ctx context.Context, filter ledger.CommissionFilter) ([]ledger.Commission, error) {
	return listCommissions(ctx, s.db, filter)
}

func (s *Store) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	return getWithdrawal(ctx, s.db, id)
}

func (s *Store) ListWithdrawals(ctx context.Context, filter ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	return listWithdrawals(ctx, s.db, filter)
}

// Reset deletes all data. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"withdrawals", "commissions", "orders", "agents"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return ledger.StorageError.New("reset %s: %v", table, err)
		}
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

const agentColumns = `id, user_id, parent_id, tier, commission_rate, referral_rate,
	total_sales, total_commission, balance, status, created_at, updated_at`

const commissionColumns = `id, agent_id, order_id, amount, rate, type, status, created_at, settled_at`

const withdrawalColumns = `id, user_id, agent_id, amount, fee, actual_amount, method, account,
	status, remark, processed_by, created_at, processed_at`

type scanner interface {
	Scan(dest ...any) error
}

func getAgent(ctx context.Context, q querier, column, value string) (*ledger.Agent, error) {
	row := q.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE "+column+" = ?", value)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAgentNotFound
	}
	if err != nil {
		return nil, ledger.StorageError.New("get agent: %v", err)
	}
	return a, nil
}

func listAgents(ctx context.Context, q querier, filter ledger.AgentFilter) ([]ledger.Agent, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.Tier != 0 {
		where = append(where, "tier = ?")
		args = append(args, int(filter.Tier))
	}

	query := "SELECT " + agentColumns + " FROM agents" + whereClause(where) + " ORDER BY created_at DESC, id DESC"
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.StorageError.New("list agents: %v", err)
	}
	defer rows.Close()

	var agents []ledger.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, ledger.StorageError.New("scan agent: %v", err)
		}
		agents = append(agents, *a)
	}
	return agents, ledger.StorageError.Wrap(rows.Err())
}

func scanAgent(row scanner) (*ledger.Agent, error) {
	var p columnParser
	var (
		a                                    ledger.Agent
		parentID                             sql.NullString
		tier                                 int
		commissionRate, referralRate         string
		totalSales, totalCommission, balance string
		createdAt, updatedAt                 string
	)
	err := row.Scan(&a.ID, &a.UserID, &parentID, &tier, &commissionRate, &referralRate,
		&totalSales, &totalCommission, &balance, &a.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.ParentID = ledger.AgentID(parentID.String)
	a.Tier = ledger.Tier(tier)
	a.CommissionRate = p.rate("commission_rate", commissionRate)
	a.ReferralRate = p.rate("referral_rate", referralRate)
	a.TotalSales = p.money("total_sales", totalSales)
	a.TotalCommission = p.money("total_commission", totalCommission)
	a.Balance = p.money("balance", balance)
	a.CreatedAt = p.timestamp("created_at", createdAt)
	a.UpdatedAt = p.timestamp("updated_at", updatedAt)
	if p.err != nil {
		return nil, p.err
	}
	return &a, nil
}

func getOrder(ctx context.Context, q querier, id ledger.OrderID) (*ledger.Order, error) {
	var p columnParser
	var (
		o           ledger.Order
		agentID     sql.NullString
		total       string
		completedAt string
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, agent_id, total_amount, currency, status, completed_at FROM orders WHERE id = ?", id,
	).Scan(&o.ID, &agentID, &total, &o.Currency, &o.Status, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrOrderNotFound
	}
	if err != nil {
		return nil, ledger.StorageError.New("get order: %v", err)
	}
	o.AgentID = ledger.AgentID(agentID.String)
	o.TotalAmount = p.money("total_amount", total)
	o.CompletedAt = p.timestamp("completed_at", completedAt)
	if p.err != nil {
		return nil, p.err
	}
	return &o, nil
}

// totals sums in Go: amounts are stored as TEXT and SQLite's SUM would
// go through floating point.
func totals(ctx context.Context, q querier) (*ledger.Totals, error) {
	t := &ledger.Totals{Sales: ledger.Zero, Commission: ledger.Zero}
	var err error
	t.Sales, t.Orders, err = sumColumn(ctx, q, "orders", "total_amount")
	if err != nil {
		return nil, err
	}
	t.Commission, _, err = sumColumn(ctx, q, "commissions", "amount")
	if err != nil {
		return nil, err
	}
	return t, nil
}

func sumColumn(ctx context.Context, q querier, table, column string) (ledger.Money, int, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+column+" FROM "+table)
	if err != nil {
		return ledger.Zero, 0, ledger.StorageError.New("sum %s: %v", table, err)
	}
	defer rows.Close()

	var p columnParser
	sum, n := ledger.Zero, 0
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return ledger.Zero, 0, ledger.StorageError.New("sum %s: %v", table, err)
		}
		sum = sum.Add(p.money(column, s))
		n++
	}
	if p.err != nil {
		return ledger.Zero, 0, p.err
	}
	return sum, n, ledger.StorageError.Wrap(rows.Err())
}

func getCommission(ctx context.Context, q querier, id ledger.CommissionID) (*ledger.Commission, error) {
	row := q.QueryRowContext(ctx, "SELECT "+commissionColumns+" FROM commissions WHERE id = ?", id)
	c, err := scanCommission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrCommissionNotFound
	}
	if err != nil {
		return nil, ledger.StorageError.New("get commission: %v", err)
	}
	return c, nil
}

func listCommissions(ctx context.Context, q querier, filter ledger.CommissionFilter) ([]ledger.Commission, error) {
	var where []string
	var args []any
	if len(filter.AgentIDs) > 0 {
		placeholders := make([]string, len(filter.AgentIDs))
		for i, id := range filter.AgentIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, "agent_id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.OrderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, filter.OrderID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*filter.Until))
	}

	query := "SELECT " + commissionColumns + " FROM commissions" + whereClause(where) +
		" ORDER BY created_at DESC, rowid DESC" + limitClause(filter.Limit, filter.Offset)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.StorageError.New("list commissions: %v", err)
	}
	defer rows.Close()

	var commissions []ledger.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, ledger.StorageError.New("scan commission: %v", err)
		}
		commissions = append(commissions, *c)
	}
	return commissions, ledger.StorageError.Wrap(rows.Err())
}

func scanCommission(row scanner) (*ledger.Commission, error) {
	var p columnParser
	var (
		c         ledger.Commission
		amount    string
		rate      string
		createdAt string
		settledAt sql.NullString
	)
	err := row.Scan(&c.ID, &c.AgentID, &c.OrderID, &amount, &rate, &c.Type, &c.Status, &createdAt, &settledAt)
	if err != nil {
		return nil, err
	}
	c.Amount = p.money("amount", amount)
	c.Rate = p.rate("rate", rate)
	c.CreatedAt = p.timestamp("created_at", createdAt)
	c.SettledAt = p.nullTimestamp("settled_at", settledAt)
	if p.err != nil {
		return nil, p.err
	}
	return &c, nil
}

func getWithdrawal(ctx context.Context, q querier, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	row := q.QueryRowContext(ctx, "SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = ?", id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, ledger.StorageError.New("get withdrawal: %v", err)
	}
	return w, nil
}

func listWithdrawals(ctx context.Context, q querier, filter ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}

	query := "SELECT " + withdrawalColumns + " FROM withdrawals" + whereClause(where) +
		" ORDER BY created_at DESC, rowid DESC" + limitClause(filter.Limit, filter.Offset)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.StorageError.New("list withdrawals: %v", err)
	}
	defer rows.Close()

	var withdrawals []ledger.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, ledger.StorageError.New("scan withdrawal: %v", err)
		}
		withdrawals = append(withdrawals, *w)
	}
	return withdrawals, ledger.StorageError.Wrap(rows.Err())
}

func scanWithdrawal(row scanner) (*ledger.Withdrawal, error) {
	var p columnParser
	var (
		w                   ledger.Withdrawal
		amount, fee, actual string
		createdAt           string
		processedAt         sql.NullString
	)
	err := row.Scan(&w.ID, &w.UserID, &w.AgentID, &amount, &fee, &actual, &w.Method, &w.Account,
		&w.Status, &w.Remark, &w.ProcessedBy, &createdAt, &processedAt)
	if err != nil {
		return nil, err
	}
	w.Amount = p.money("amount", amount)
	w.Fee = p.money("fee", fee)
	w.ActualAmount = p.money("actual_amount", actual)
	w.CreatedAt = p.timestamp("created_at", createdAt)
	w.ProcessedAt = p.nullTimestamp("processed_at", processedAt)
	if p.err != nil {
		return nil, p.err
	}
	return &w, nil
}

// Helper functions

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitClause(limit, offset int) string {
	if limit <= 0 && offset <= 0 {
		return ""
	}
	if limit <= 0 {
		limit = -1
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.StorageError.Wrap(err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// columnParser converts stored text columns and keeps the first failure,
// so a corrupt value surfaces as a storage error instead of a zero.
type columnParser struct {
	err error
}

func (p *columnParser) fail(column, value string, err error) {
	if p.err == nil {
		p.err = ledger.StorageError.New("corrupt %s %q: %v", column, value, err)
	}
}

func (p *columnParser) rate(column, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.fail(column, s, err)
	}
	return d
}

func (p *columnParser) money(column, s string) ledger.Money {
	return ledger.MoneyFromDecimal(p.rate(column, s))
}

func (p *columnParser) timestamp(column, s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		p.fail(column, s, err)
	}
	return t
}

func (p *columnParser) nullTimestamp(column string, s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := p.timestamp(column, s.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
