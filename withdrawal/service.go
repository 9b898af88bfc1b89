/*
Package withdrawal handles payout requests against agent balances.

PURPOSE:
  Converts ledger balance into off-system payouts through an admin
  decision. The full requested amount is reserved at request time.

STATE MACHINE:
  pending ──approve──▶ completed   (no balance change)
     │
     └────reject────▶ rejected    (full amount credited back)

  Only pending withdrawals can be processed; anything else is a conflict.

FEE:
  fee = amount x fee rate, rounded to cents; actual = amount - fee.
  The fee is informational: the balance moves by the full amount on
  request and on rejection, never by the fee.

LOCK ORDER:
  Process locks the withdrawal row before the agent row.

SEE ALSO:
  - commission/policy.go: Fee rate and limits
  - reporting/audit.go: Conservation check over withdrawals
*/
package withdrawal

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/ledger"
)

// Service implements withdrawal requests and decisions.
type Service struct {
	Store  ledger.Store
	Policy commission.Policy
	Events events.Publisher
	Log    *zap.Logger
	Now    ledger.Clock
}

func NewService(store ledger.Store, policy commission.Policy, pub events.Publisher, log *zap.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{Store: store, Policy: policy, Events: pub, Log: log, Now: ledger.SystemClock}
}

// FeeFor splits an amount into fee and the amount actually paid out.
func FeeFor(amount ledger.Money, rate decimal.Decimal) (fee, actual ledger.Money) {
	fee = amount.MulRate(rate)
	return fee, amount.Sub(fee)
}

// =============================================================================
// REQUEST
// =============================================================================

type RequestCommand struct {
	Actor   ledger.Actor
	UserID  ledger.UserID       `validate:"required,max=128"`
	Amount  ledger.Money
	Method  ledger.PayoutMethod `validate:"required,oneof=bank crypto mobile_money"`
	Account string              `validate:"required,min=5,max=100"`
}

func (s *Service) validateRequest(cmd *RequestCommand) error {
	cmd.Account = strings.TrimSpace(cmd.Account)
	if err := ledger.Validate(*cmd); err != nil {
		return err
	}
	switch {
	case !cmd.Amount.IsPositive():
		return ledger.NewValidationError("amount", "must be positive")
	case !cmd.Amount.HasCents():
		return ledger.NewValidationError("amount", "at most two decimal places")
	case cmd.Amount.LessThan(s.Policy.MinWithdrawal):
		return ledger.NewValidationError("amount", "minimum withdrawal is %s", s.Policy.MinWithdrawal)
	case cmd.Amount.GreaterThan(s.Policy.MaxWithdrawal):
		return ledger.NewValidationError("amount", "maximum withdrawal is %s", s.Policy.MaxWithdrawal)
	}
	return nil
}

// Request reserves the amount from the user's agent balance and creates a
// pending withdrawal.
func (s *Service) Request(ctx context.Context, cmd RequestCommand) (*ledger.Withdrawal, error) {
	if err := s.validateRequest(&cmd); err != nil {
		return nil, err
	}
	if !cmd.Actor.CanActFor(cmd.UserID) {
		return nil, &ledger.PermissionError{Actor: cmd.Actor, Action: "withdraw for another user"}
	}

	var w ledger.Withdrawal
	err := s.Store.WithTx(ctx, func(tx ledger.Tx) error {
		agent, err := tx.LockAgentByUser(ctx, cmd.UserID)
		if err != nil {
			return err
		}
		if !agent.IsApproved() {
			return ledger.ErrAgentNotApproved
		}
		if agent.Balance.LessThan(cmd.Amount) {
			return &ledger.InsufficientBalanceError{
				AgentID:   agent.ID,
				Available: agent.Balance,
				Requested: cmd.Amount,
			}
		}

		now := s.Now()
		fee, actual := FeeFor(cmd.Amount, s.Policy.WithdrawalFeeRate)
		w = ledger.Withdrawal{
			ID:           ledger.WithdrawalID(ledger.NewID()),
			UserID:       cmd.UserID,
			AgentID:      agent.ID,
			Amount:       cmd.Amount,
			Fee:          fee,
			ActualAmount: actual,
			Method:       cmd.Method,
			Account:      cmd.Account,
			Status:       ledger.WithdrawalPending,
			CreatedAt:    now,
		}
		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			return err
		}

		agent.Balance = agent.Balance.Sub(cmd.Amount)
		agent.UpdatedAt = now
		return tx.UpdateAgent(ctx, *agent)
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info("withdrawal requested",
		zap.String("withdrawal_id", string(w.ID)),
		zap.String("user_id", string(w.UserID)),
		zap.Stringer("amount", w.Amount),
		zap.Stringer("fee", w.Fee))
	s.emit(ctx, events.WithdrawalRequested, &w)
	return &w, nil
}

// =============================================================================
// PROCESS
// =============================================================================

type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

type ProcessCommand struct {
	Actor        ledger.Actor
	WithdrawalID ledger.WithdrawalID `validate:"required"`
	Decision     Decision            `validate:"required,oneof=approve reject"`
	Remark       string              `validate:"max=500"`
}

// Process applies an admin decision to a pending withdrawal. Rejection
// returns the full amount to the agent.
func (s *Service) Process(ctx context.Context, cmd ProcessCommand) (*ledger.Withdrawal, error) {
	if !cmd.Actor.IsAdmin() {
		return nil, &ledger.PermissionError{Actor: cmd.Actor, Action: "process withdrawals"}
	}
	if err := ledger.Validate(cmd); err != nil {
		return nil, err
	}

	var w ledger.Withdrawal
	err := s.Store.WithTx(ctx, func(tx ledger.Tx) error {
		locked, err := tx.LockWithdrawal(ctx, cmd.WithdrawalID)
		if err != nil {
			return err
		}
		if locked.Status != ledger.WithdrawalPending {
			return ledger.ErrAlreadyProcessed
		}

		now := s.Now()
		w = *locked
		w.Remark = strings.TrimSpace(cmd.Remark)
		w.ProcessedBy = cmd.Actor.ID
		w.ProcessedAt = &now

		switch cmd.Decision {
		case Approve:
			w.Status = ledger.WithdrawalCompleted
		case Reject:
			w.Status = ledger.WithdrawalRejected
			agent, err := tx.LockAgent(ctx, w.AgentID)
			if err != nil {
				return err
			}
			agent.Balance = agent.Balance.Add(w.Amount)
			agent.UpdatedAt = now
			if err := tx.UpdateAgent(ctx, *agent); err != nil {
				return err
			}
		}
		return tx.UpdateWithdrawal(ctx, w)
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info("withdrawal processed",
		zap.String("withdrawal_id", string(w.ID)),
		zap.String("status", string(w.Status)),
		zap.String("actor", cmd.Actor.ID))

	typ := events.WithdrawalCompleted
	if w.Status == ledger.WithdrawalRejected {
		typ = events.WithdrawalRejected
	}
	s.emit(ctx, typ, &w)
	return &w, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns a withdrawal visible to the actor.
func (s *Service) Get(ctx context.Context, actor ledger.Actor, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	w, err := s.Store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanActFor(w.UserID) {
		return nil, &ledger.PermissionError{Actor: actor, Action: "view another user's withdrawal"}
	}
	return w, nil
}

// History lists withdrawals, newest first. Non-admins only see their own;
// admins see everyone's when filter.UserID is empty.
func (s *Service) History(ctx context.Context, actor ledger.Actor, filter ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	if !actor.IsAdmin() {
		if filter.UserID == "" {
			filter.UserID = actor.UserID
		}
		if !actor.CanActFor(filter.UserID) {
			return nil, &ledger.PermissionError{Actor: actor, Action: "view another user's withdrawals"}
		}
	}
	return s.Store.ListWithdrawals(ctx, filter)
}

func (s *Service) emit(ctx context.Context, typ events.Type, w *ledger.Withdrawal) {
	at := w.CreatedAt
	if w.ProcessedAt != nil {
		at = *w.ProcessedAt
	}
	e := events.New(typ, at).WithAmount(w.Amount)
	e.AgentID = w.AgentID
	e.UserID = w.UserID
	e.WithdrawalID = w.ID
	e.Status = string(w.Status)
	events.Emit(ctx, s.Events, s.Log, e)
}
