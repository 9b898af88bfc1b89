/*
Package postgres provides a PostgreSQL implementation of ledger.Store.

PURPOSE:
  Production storage for multi-instance deployments. Unlike SQLite, many
  writers run concurrently; per-agent serialization comes from row locks.

LOCKING:
  LockAgent, LockAgentByUser and LockWithdrawal issue SELECT ... FOR UPDATE
  inside the pgx transaction. Two concurrent withdrawals for one agent
  queue on the agent row, so balance checks always see committed state.

MONEY:
  Amounts are NUMERIC(20,2) and rates NUMERIC(8,4). Values cross the
  driver as text so they never pass through a float.

ERRORS:
  - pgx.ErrNoRows maps to the ledger not-found sentinels
  - unique_violation (23505) maps to ErrDuplicateCommission / ErrAgentExists
  - everything else is wrapped in ledger.StorageError

SEE ALSO:
  - store/sqlite/sqlite.go: Same schema for SQLite
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/ledger"
)

const uniqueViolation = "23505"

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		parent_id TEXT REFERENCES agents(id),
		tier SMALLINT NOT NULL,
		commission_rate NUMERIC(8,4) NOT NULL,
		referral_rate NUMERIC(8,4) NOT NULL,
		total_sales NUMERIC(20,2) NOT NULL DEFAULT 0,
		total_commission NUMERIC(20,2) NOT NULL DEFAULT 0,
		balance NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_id) WHERE parent_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		agent_id TEXT,
		total_amount NUMERIC(20,2) NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commissions (
		seq BIGINT GENERATED ALWAYS AS IDENTITY,
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		order_id TEXT NOT NULL,
		amount NUMERIC(20,2) NOT NULL,
		rate NUMERIC(8,4) NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL,
		settled_at TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_commissions_agent_order_type ON commissions(agent_id, order_id, type);
	CREATE INDEX IF NOT EXISTS idx_commissions_agent_created ON commissions(agent_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS withdrawals (
		seq BIGINT GENERATED ALWAYS AS IDENTITY,
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		amount NUMERIC(20,2) NOT NULL,
		fee NUMERIC(20,2) NOT NULL,
		actual_amount NUMERIC(20,2) NOT NULL,
		method TEXT NOT NULL,
		account TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		remark TEXT NOT NULL DEFAULT '',
		processed_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_user_created ON withdrawals(user_id, created_at DESC);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Reset removes all rows. Used by tests and the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE withdrawals, commissions, orders, agents")
	return ledger.StorageError.Wrap(err)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return ledger.StorageError.New("begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.StorageError.New("commit: %v", err)
	}
	return nil
}

type txStore struct {
	q querier
}

func (t *txStore) GetAgent(ctx context.Context, id ledger.AgentID) (*ledger.Agent, error) {
	return getAgent(ctx, t.q, "id", string(id), "")
}

func (t *txStore) GetAgentByUser(ctx context.Context, userID ledger.UserID) (*ledger.Agent, error) {
	return getAgent(ctx, t.q, "user_id", string(userID), "")
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
	return getWithdrawal(ctx, t.q, id, "")
}

func (t *txStore) ListWithdrawals(ctx context.Context, filter ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	return listWithdrawals(ctx, t.q, filter)
}

func (t *txStore) LockAgent(ctx context.Context, id ledger.AgentID) (*ledger.Agent, error) {
	return getAgent(ctx, t.q, "id", string(id), " FOR UPDATE")
}

func (t *txStore) LockAgentByUser(ctx context.Context, userID ledger.UserID) (*ledger.Agent, error) {
	return getAgent(ctx, t.q, "user_id", string(userID), " FOR UPDATE")
}

func (t *txStore) LockWithdrawal(ctx context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	return getWithdrawal(ctx, t.q, id, " FOR UPDATE")
}

func (t *txStore) InsertAgent(ctx context.Context, a ledger.Agent) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO agents (id, user_id, parent_id, tier, commission_rate, referral_rate,
			total_sales, total_commission, balance, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(a.ID), string(a.UserID), nullString(string(a.ParentID)), int16(a.Tier),
		a.CommissionRate.String(), a.ReferralRate.String(),
		a.TotalSales.Value.String(), a.TotalCommission.Value.String(), a.Balance.Value.String(),
		string(a.Status), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrAgentExists
		}
		return ledger.StorageError.New("insert agent: %v", err)
	}
	return nil
}

func (t *txStore) UpdateAgent(ctx context.Context, a ledger.Agent) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE agents SET parent_id = $1, tier = $2, commission_rate = $3, referral_rate = $4,
			total_sales = $5, total_commission = $6, balance = $7, status = $8, updated_at = $9
		WHERE id = $10`,
		nullString(string(a.ParentID)), int16(a.Tier),
		a.CommissionRate.String(), a.ReferralRate.String(),
		a.TotalSales.Value.String(), a.TotalCommission.Value.String(), a.Balance.Value.String(),
		string(a.Status), a.UpdatedAt, string(a.ID),
	)
	if err != nil {
		return ledger.StorageError.New("update agent: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAgentNotFound
	}
	return nil
}

func (t *txStore) HasCommission(ctx context.Context, agentID ledger.AgentID, orderID ledger.OrderID, typ ledger.CommissionType) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM commissions WHERE agent_id = $1 AND order_id = $2 AND type = $3)",
		string(agentID), string(orderID), string(typ),
	).Scan(&exists)
	if err != nil {
		return false, ledger.StorageError.New("check commission: %v", err)
	}
	return exists, nil
}

func (t *txStore) InsertCommission(ctx context.Context, c ledger.Commission) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO commissions (id, agent_id, order_id, amount, rate, type, status, created_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(c.ID), string(c.AgentID), string(c.OrderID), c.Amount.Value.String(), c.Rate.String(),
		string(c.Type), string(c.Status), c.CreatedAt, c.SettledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateCommission
		}
		return ledger.StorageError.New("insert commission: %v", err)
	}
	return nil
}

func (t *txStore) SettleCommissions(ctx context.Context, ids []ledger.CommissionID, at time.Time) (int, error) {
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	tag, err := t.q.Exec(ctx,
		"UPDATE commissions SET status = $1, settled_at = $2 WHERE id = ANY($3) AND status = $4",
		string(ledger.CommissionSettled), at, raw, string(ledger.CommissionPending),
	)
	if err != nil {
		return 0, ledger.StorageError.New("settle commissions: %v", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *txStore) InsertWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO withdrawals (id, user_id, agent_id, amount, fee, actual_amount, method, account,
			status, remark, processed_by, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		string(w.ID), string(w.UserID), string(w.AgentID),
		w.Amount.Value.String(), w.Fee.Value.String(), w.ActualAmount.Value.String(),
		string(w.Method), w.Account, string(w.Status), w.Remark, w.ProcessedBy,
		w.CreatedAt, w.ProcessedAt,
	)
	if err != nil {
		return ledger.StorageError.New("insert withdrawal: %v", err)
	}
	return nil
}

func (t *txStore) UpdateWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE withdrawals SET status = $1, remark = $2, processed_by = $3, processed_at = $4 WHERE id = $5",
		string(w.Status), w.Remark, w.ProcessedBy, w.ProcessedAt, string(w.ID),
	)
	if err != nil {
		return ledger.StorageError.New("update withdrawal: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrWithdrawalNotFound
	}
	return nil
}

func (t *txStore) SaveOrder(ctx context.Context, o ledger.Order) error {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO orders (id, agent_id, total_amount, currency, status, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			total_amount = EXCLUDED.total_amount,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at
		WHERE orders.agent_id IS NULL OR orders.agent_id = EXCLUDED.agent_id`,
		string(o.ID), nullString(string(o.AgentID)), o.TotalAmount.Value.String(), o.Currency,
		string(o.Status), o.CompletedAt,
	)
	if err != nil {
		return ledger.StorageError.New("save order: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrOrderAgentMismatch
	}
	return nil
}

// =============================================================================
// READS (outside a transaction)
// =============================================================================

func (s *Store) GetAgent(ctx context.Context, id ledger.AgentID) (*ledger.Agent, error) {
	return getAgent(ctx, s.pool, "id", string(id), "")
}

func (s *Store) GetAgentByUser(ctx context.Context, userID ledger.UserID) (*ledger.Agent, error) {
	return getAgent(ctx, s.pool, "user_id", string(userID), "")
}

func (s *Store) ListAgents(ctx context.Context, filter ledger.AgentFilter) ([]ledger.Agent, error) {
	return listAgents(ctx, s.pool, filter)
}

func (s *Store) GetOrder(ctx context.Context, id ledger.OrderID) (*ledger.Order, error) {
	return getOrder(ctx, s.pool, id)
}

func (s *Store) Totals(ctx context.Context) (*ledger.Totals, error) {
	return totals(ctx, s.pool)
}

func (s *Store) GetCommission(ctx context.Context, id ledger.CommissionID) (*ledger.Commission, error) {
	return getCommission(ctx, s.pool, id)
}

func (s *Store) ListCommissions(ctx context.Context, filter ledger.CommissionFilter) ([]ledger.Commission, error) {
	return listCommissions(ctx, s.pool, filter)
}

func (s *Store) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	return getWithdrawal(ctx, s.pool, id, "")
}

func (s *Store) ListWithdrawals(ctx context.Context, filter ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	return listWithdrawals(ctx, s.pool, filter)
}

// =============================================================================
// QUERIES
// =============================================================================

const agentColumns = `id, user_id, parent_id, tier, commission_rate::text, referral_rate::text,
	total_sales::text, total_commission::text, balance::text, status, created_at, updated_at`

const commissionColumns = `id, agent_id, order_id, amount::text, rate::text, type, status, created_at, settled_at`

const withdrawalColumns = `id, user_id, agent_id, amount::text, fee::text, actual_amount::text,
	method, account, status, remark, processed_by, created_at, processed_at`

func getAgent(ctx context.Context, q querier, column, value, lock string) (*ledger.Agent, error) {
	row := q.QueryRow(ctx, "SELECT "+agentColumns+" FROM agents WHERE "+column+" = $1"+lock, value)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAgentNotFound
	}
	if err != nil {
		return nil, ledger.StorageError.New("get agent: %v", err)
	}
	return a, nil
}

func listAgents(ctx context.Context, q querier, filter ledger.AgentFilter) ([]ledger.Agent, error) {
	var b queryBuilder
	if filter.Status != "" {
		b.where("status = ?", string(filter.Status))
	}
	if filter.ParentID != "" {
		b.where("parent_id = ?", string(filter.ParentID))
	}
	if filter.Tier != 0 {
		b.where("tier = ?", int16(filter.Tier))
	}

	rows, err := q.Query(ctx, "SELECT "+agentColumns+" FROM agents"+b.clause()+" ORDER BY created_at DESC, id DESC", b.args...)
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

func scanAgent(row pgx.Row) (*ledger.Agent, error) {
	var p columnParser
	var (
		a                                    ledger.Agent
		id, userID, status                   string
		parentID                             *string
		tier                                 int16
		commissionRate, referralRate         string
		totalSales, totalCommission, balance string
	)
	err := row.Scan(&id, &userID, &parentID, &tier, &commissionRate, &referralRate,
		&totalSales, &totalCommission, &balance, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ID = ledger.AgentID(id)
	a.UserID = ledger.UserID(userID)
	if parentID != nil {
		a.ParentID = ledger.AgentID(*parentID)
	}
	a.Tier = ledger.Tier(tier)
	a.Status = ledger.AgentStatus(status)
	a.CommissionRate = p.rate("commission_rate", commissionRate)
	a.ReferralRate = p.rate("referral_rate", referralRate)
	a.TotalSales = p.money("total_sales", totalSales)
	a.TotalCommission = p.money("total_commission", totalCommission)
	a.Balance = p.money("balance", balance)
	if p.err != nil {
		return nil, p.err
	}
	return &a, nil
}

func getOrder(ctx context.Context, q querier, id ledger.OrderID) (*ledger.Order, error) {
	var p columnParser
	var (
		o           ledger.Order
		oid, status string
		agentID     *string
		total       string
	)
	err := q.QueryRow(ctx,
		"SELECT id, agent_id, total_amount::text, currency, status, completed_at FROM orders WHERE id = $1",
		string(id),
	).Scan(&oid, &agentID, &total, &o.Currency, &status, &o.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrOrderNotFound
	}
	if err != nil {
		return nil, ledger.StorageError.New("get order: %v", err)
	}
	o.ID = ledger.OrderID(oid)
	if agentID != nil {
		o.AgentID = ledger.AgentID(*agentID)
	}
	o.TotalAmount = p.money("total_amount", total)
	o.Status = ledger.OrderStatus(status)
	if p.err != nil {
		return nil, p.err
	}
	return &o, nil
}

func totals(ctx context.Context, q querier) (*ledger.Totals, error) {
	var sales, commission string
	t := &ledger.Totals{}
	err := q.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM orders),
			(SELECT COALESCE(SUM(total_amount), 0)::text FROM orders),
			(SELECT COALESCE(SUM(amount), 0)::text FROM commissions)`,
	).Scan(&t.Orders, &sales, &commission)
	if err != nil {
		return nil, ledger.StorageError.New("totals: %v", err)
	}
	var p columnParser
	t.Sales = p.money("orders.total_amount", sales)
	t.Commission = p.money("commissions.amount", commission)
	if p.err != nil {
		return nil, p.err
	}
	return t, nil
}

func getCommission(ctx context.Context, q querier, id ledger.CommissionID) (*ledger.Commission, error) {
	c, err := scanCommission(q.QueryRow(ctx, "SELECT "+commissionColumns+" FROM commissions WHERE id = $1", string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrCommissionNotFound
	}
	if err != nil {
		return nil, ledger.StorageError.New("get commission: %v", err)
	}
	return c, nil
}

func listCommissions(ctx context.Context, q querier, filter ledger.CommissionFilter) ([]ledger.Commission, error) {
	var b queryBuilder
	if len(filter.AgentIDs) > 0 {
		ids := make([]string, len(filter.AgentIDs))
		for i, id := range filter.AgentIDs {
			ids[i] = string(id)
		}
		b.where("agent_id = ANY(?)", ids)
	}
	if filter.OrderID != "" {
		b.where("order_id = ?", string(filter.OrderID))
	}
	if filter.Type != "" {
		b.where("type = ?", string(filter.Type))
	}
	if filter.Status != "" {
		b.where("status = ?", string(filter.Status))
	}
	if filter.Since != nil {
		b.where("created_at >= ?", *filter.Since)
	}
	if filter.Until != nil {
		b.where("created_at < ?", *filter.Until)
	}

	query := "SELECT " + commissionColumns + " FROM commissions" + b.clause() +
		" ORDER BY created_at DESC, seq DESC" + limitClause(filter.Limit, filter.Offset)
	rows, err := q.Query(ctx, query, b.args...)
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

func scanCommission(row pgx.Row) (*ledger.Commission, error) {
	var p columnParser
	var (
		c                         ledger.Commission
		id, agentID, orderID      string
		amount, rate, typ, status string
	)
	err := row.Scan(&id, &agentID, &orderID, &amount, &rate, &typ, &status, &c.CreatedAt, &c.SettledAt)
	if err != nil {
		return nil, err
	}
	c.ID = ledger.CommissionID(id)
	c.AgentID = ledger.AgentID(agentID)
	c.OrderID = ledger.OrderID(orderID)
	c.Amount = p.money("amount", amount)
	c.Rate = p.rate("rate", rate)
	c.Type = ledger.CommissionType(typ)
	c.Status = ledger.CommissionStatus(status)
	if p.err != nil {
		return nil, p.err
	}
	return &c, nil
}

func getWithdrawal(ctx context.Context, q querier, id ledger.WithdrawalID, lock string) (*ledger.Withdrawal, error) {
	w, err := scanWithdrawal(q.QueryRow(ctx, "SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = $1"+lock, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, ledger.StorageError.New("get withdrawal: %v", err)
	}
	return w, nil
}

func listWithdrawals(ctx context.Context, q querier, filter ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	var b queryBuilder
	if filter.UserID != "" {
		b.where("user_id = ?", string(filter.UserID))
	}
	if filter.Status != "" {
		b.where("status = ?", string(filter.Status))
	}
	if filter.Since != nil {
		b.where("created_at >= ?", *filter.Since)
	}

	query := "SELECT " + withdrawalColumns + " FROM withdrawals" + b.clause() +
		" ORDER BY created_at DESC, seq DESC" + limitClause(filter.Limit, filter.Offset)
	rows, err := q.Query(ctx, query, b.args...)
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

func scanWithdrawal(row pgx.Row) (*ledger.Withdrawal, error) {
	var p columnParser
	var (
		w                   ledger.Withdrawal
		id, userID, agentID string
		amount, fee, actual string
		method, status      string
	)
	err := row.Scan(&id, &userID, &agentID, &amount, &fee, &actual, &method, &w.Account,
		&status, &w.Remark, &w.ProcessedBy, &w.CreatedAt, &w.ProcessedAt)
	if err != nil {
		return nil, err
	}
	w.ID = ledger.WithdrawalID(id)
	w.UserID = ledger.UserID(userID)
	w.AgentID = ledger.AgentID(agentID)
	w.Amount = p.money("amount", amount)
	w.Fee = p.money("fee", fee)
	w.ActualAmount = p.money("actual_amount", actual)
	w.Method = ledger.PayoutMethod(method)
	w.Status = ledger.WithdrawalStatus(status)
	if p.err != nil {
		return nil, p.err
	}
	return &w, nil
}

// Helper functions

// queryBuilder numbers "?" placeholders as $n in the order they are added.
type queryBuilder struct {
	conds []string
	args  []any
}

func (b *queryBuilder) where(cond string, arg any) {
	b.args = append(b.args, arg)
	b.conds = append(b.conds, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(b.args)), 1))
}

func (b *queryBuilder) clause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

func limitClause(limit, offset int) string {
	var s string
	if limit > 0 {
		s += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		s += fmt.Sprintf(" OFFSET %d", offset)
	}
	return s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// columnParser converts numeric columns read as text and keeps the first
// failure, so a corrupt value surfaces as a storage error instead of a zero.
type columnParser struct {
	err error
}

func (p *columnParser) rate(column, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = ledger.StorageError.New("corrupt %s %q: %v", column, s, err)
	}
	return d
}

func (p *columnParser) money(column, s string) ledger.Money {
	return ledger.MoneyFromDecimal(p.rate(column, s))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
