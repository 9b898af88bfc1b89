/*
Package ledger provides the core types of the commission ledger.

PURPOSE:
  This package contains the records every other package works with:
  agents, commission entries, withdrawals and the completed orders that
  produce commissions. It also defines money, the error taxonomy and the
  Store contract the persistence layers implement.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A fixed-point amount with two fractional digits
  - Agent: A participant who earns commission and holds a balance
  - Commission: An immutable earning entry (direct or referral)
  - Withdrawal: A payout request with its own lifecycle
  - Actor: The authenticated caller of an operation

DESIGN PRINCIPLES:
  1. Precision: Money uses decimal.Decimal, never float64 arithmetic
  2. Type Safety: Distinct ID types prevent mixing agent and user ids
  3. Auditability: Commission entries keep the rate that produced them

USAGE:
  amount := ledger.MustParseMoney("1000.00")
  direct := amount.MulRate(agent.CommissionRate)

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence contract
  - money.go: Money arithmetic
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AgentID string
type UserID string
type OrderID string
type CommissionID string
type WithdrawalID string

// =============================================================================
// AGENT
// =============================================================================

// Tier is the agent level. Tier-2 agents are recruited by a tier-1 parent.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
)

func (t Tier) Valid() bool { return t == Tier1 || t == Tier2 }

type AgentStatus string

const (
	AgentPending  AgentStatus = "pending"
	AgentApproved AgentStatus = "approved"
	AgentRejected AgentStatus = "rejected"
)

// Agent is a participant in the commission program.
//
// Balance is the withdrawable amount. It is credited by commissions and
// debited in full when a withdrawal is requested, so at any time:
//
//	Balance == TotalCommission - sum(non-rejected withdrawal amounts)
type Agent struct {
	ID              AgentID
	UserID          UserID
	ParentID        AgentID // empty for tier-1 agents
	Tier            Tier
	CommissionRate  decimal.Decimal
	ReferralRate    decimal.Decimal
	TotalSales      Money
	TotalCommission Money
	Balance         Money
	Status          AgentStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a *Agent) IsApproved() bool { return a.Status == AgentApproved }

func (a *Agent) HasParent() bool { return a.ParentID != "" }

// =============================================================================
// COMMISSION - Immutable earning entry
// =============================================================================

type CommissionType string

const (
	CommissionDirect   CommissionType = "direct"
	CommissionReferral CommissionType = "referral"
)

type CommissionStatus string

const (
	CommissionPending CommissionStatus = "pending"
	CommissionSettled CommissionStatus = "settled"
)

// Commission records one earning produced by one order. At most one entry
// exists per (AgentID, OrderID, Type). Only Status and SettledAt ever change.
type Commission struct {
	ID        CommissionID
	AgentID   AgentID
	OrderID   OrderID
	Amount    Money
	Rate      decimal.Decimal
	Type      CommissionType
	Status    CommissionStatus
	CreatedAt time.Time
	SettledAt *time.Time
}

// =============================================================================
// WITHDRAWAL - Payout request
// =============================================================================

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalRejected
}

type PayoutMethod string

const (
	PayoutBank        PayoutMethod = "bank"
	PayoutCrypto      PayoutMethod = "crypto"
	PayoutMobileMoney PayoutMethod = "mobile_money"
)

// Withdrawal is a request to pay out part of an agent's balance.
// Fee + ActualAmount == Amount.
type Withdrawal struct {
	ID           WithdrawalID
	UserID       UserID
	AgentID      AgentID
	Amount       Money
	Fee          Money
	ActualAmount Money
	Method       PayoutMethod
	Account      string
	Status       WithdrawalStatus
	Remark       string
	ProcessedBy  string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// =============================================================================
// ORDER - Summary supplied by the order collaborator
// =============================================================================

type OrderStatus string

const (
	OrderCompleted OrderStatus = "completed"
)

// Order is the part of an order the ledger needs. Orders are owned by
// another component; the ledger keeps a summary for reporting.
type Order struct {
	ID          OrderID
	AgentID     AgentID
	TotalAmount Money
	Currency    string
	Status      OrderStatus
	CompletedAt time.Time
}

// =============================================================================
// ACTOR - Authenticated caller
// =============================================================================

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleAgent  Role = "agent"
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// Actor identifies who performs an operation.
type Actor struct {
	ID     string
	UserID UserID
	Role   Role
}

// SystemActor is used by scheduled jobs and the CLI.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }

// CanActFor reports whether the actor may operate on the user's records.
func (a Actor) CanActFor(userID UserID) bool {
	return a.IsAdmin() || (a.UserID != "" && a.UserID == userID)
}
