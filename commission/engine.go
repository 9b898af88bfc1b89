/*
engine.go - Commission accrual for completed orders

PURPOSE:
  Turns an "order completed" signal into ledger entries. The seller earns
  a direct commission at their stored rate; an approved parent earns a
  referral commission at the parent's referral rate.

ACCRUAL FLOW (one transaction):
  1. Lock the agent; skip if absent or not approved
  2. Return Duplicate if a direct entry for the order exists
  3. Insert the direct entry; credit sales, commission and balance
  4. Lock the parent; if approved, insert the referral entry and credit
     the parent's commission and balance (not its sales)

IDEMPOTENCY:
  A second delivery of the same order finds the direct entry and returns
  Duplicate without touching balances. Two concurrent deliveries serialize
  on the agent row; if one still slips through, the unique index on
  (agent, order, type) fails the insert and the transaction rolls back.

ROUNDING:
  Amounts are total x rate rounded to cents, half away from zero.

SEE ALSO:
  - policy.go: Rate bands
  - settle.go: Marks entries settled
*/
package commission

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/ledger"
)

// Service owns the commission side of the ledger: accrual, settlement and
// rate adjustment.
type Service struct {
	Store  ledger.Store
	Policy Policy
	Events events.Publisher
	Log    *zap.Logger
	Now    ledger.Clock
}

func NewService(store ledger.Store, policy Policy, pub events.Publisher, log *zap.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{Store: store, Policy: policy, Events: pub, Log: log, Now: ledger.SystemClock}
}

// =============================================================================
// ORDER COMPLETED
// =============================================================================

// OrderCompleted is the signal sent by the order collaborator.
type OrderCompleted struct {
	OrderID     ledger.OrderID `validate:"required,max=128"`
	AgentID     ledger.AgentID `validate:"max=128"`
	TotalAmount ledger.Money
	Currency    string `validate:"max=8"`
	CompletedAt time.Time
}

// SkipReason explains why an order produced no commission.
type SkipReason string

const (
	SkipNoAgent      SkipReason = "no_agent"
	SkipUnknownAgent SkipReason = "unknown_agent"
	SkipAgentPending SkipReason = "agent_not_approved"
)

// Accrual reports what OnOrderCompleted did.
type Accrual struct {
	OrderID   ledger.OrderID
	Direct    *ledger.Commission
	Referral  *ledger.Commission
	Duplicate bool
	Skipped   SkipReason
}

// Credited reports whether any balance changed.
func (a *Accrual) Credited() bool { return a.Direct != nil }

func (cmd OrderCompleted) validate() error {
	if err := ledger.Validate(cmd); err != nil {
		return err
	}
	if !cmd.TotalAmount.IsPositive() {
		return ledger.NewValidationError("total_amount", "must be positive")
	}
	if !cmd.TotalAmount.HasCents() {
		return ledger.NewValidationError("total_amount", "at most two decimal places")
	}
	return nil
}

// OnOrderCompleted credits the order's agent and, when approved, the
// agent's parent. Orders without an approved agent are skipped, not
// rejected. Calling it again for the same order changes nothing.
func (s *Service) OnOrderCompleted(ctx context.Context, cmd OrderCompleted) (*Accrual, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	if cmd.AgentID == "" {
		s.Log.Debug("order without agent skipped", zap.String("order_id", string(cmd.OrderID)))
		return &Accrual{OrderID: cmd.OrderID, Skipped: SkipNoAgent}, nil
	}

	now := s.Now()
	completedAt := cmd.CompletedAt
	if completedAt.IsZero() {
		completedAt = now
	}

	var result Accrual
	err := s.Store.WithTx(ctx, func(tx ledger.Tx) error {
		result = Accrual{OrderID: cmd.OrderID}

		agent, err := tx.LockAgent(ctx, cmd.AgentID)
		if errors.Is(err, ledger.ErrAgentNotFound) {
			result.Skipped = SkipUnknownAgent
			return nil
		}
		if err != nil {
			return err
		}
		if !agent.IsApproved() {
			result.Skipped = SkipAgentPending
			return nil
		}

		prev, err := tx.GetOrder(ctx, cmd.OrderID)
		if err != nil && !errors.Is(err, ledger.ErrOrderNotFound) {
			return err
		}
		if prev != nil && prev.AgentID != "" && prev.AgentID != agent.ID {
			return ledger.ErrOrderAgentMismatch
		}

		exists, err := tx.HasCommission(ctx, agent.ID, cmd.OrderID, ledger.CommissionDirect)
		if err != nil {
			return err
		}
		if exists {
			result.Duplicate = true
			return nil
		}

		if err := tx.SaveOrder(ctx, ledger.Order{
			ID:          cmd.OrderID,
			AgentID:     agent.ID,
			TotalAmount: cmd.TotalAmount,
			Currency:    cmd.Currency,
			Status:      ledger.OrderCompleted,
			CompletedAt: completedAt,
		}); err != nil {
			return err
		}

		direct, err := credit(ctx, tx, agent, cmd, ledger.CommissionDirect, agent.CommissionRate, now)
		if err != nil {
			return err
		}
		result.Direct = direct

		if !agent.HasParent() {
			return nil
		}
		parent, err := tx.LockAgent(ctx, agent.ParentID)
		if errors.Is(err, ledger.ErrAgentNotFound) {
			s.Log.Warn("agent parent missing", zap.String("agent_id", string(agent.ID)),
				zap.String("parent_id", string(agent.ParentID)))
			return nil
		}
		if err != nil {
			return err
		}
		if !parent.IsApproved() {
			return nil
		}
		referral, err := credit(ctx, tx, parent, cmd, ledger.CommissionReferral, parent.ReferralRate, now)
		if err != nil {
			return err
		}
		result.Referral = referral
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateCommission) {
		return &Accrual{OrderID: cmd.OrderID, Duplicate: true}, nil
	}
	if err != nil {
		s.Log.Error("commission accrual failed", zap.String("order_id", string(cmd.OrderID)), zap.Error(err))
		return nil, err
	}

	s.logAccrual(&result)
	s.emitAccrual(ctx, &result)
	return &result, nil
}

// credit inserts one entry and applies it to the locked agent. Only the
// seller's own sales count toward TotalSales.
func credit(ctx context.Context, tx ledger.Tx, agent *ledger.Agent, cmd OrderCompleted,
	typ ledger.CommissionType, rate decimal.Decimal, now time.Time) (*ledger.Commission, error) {
	c := ledger.Commission{
		ID:        ledger.CommissionID(ledger.NewID()),
		AgentID:   agent.ID,
		OrderID:   cmd.OrderID,
		Amount:    cmd.TotalAmount.MulRate(rate),
		Rate:      rate,
		Type:      typ,
		Status:    ledger.CommissionPending,
		CreatedAt: now,
	}
	if err := tx.InsertCommission(ctx, c); err != nil {
		return nil, err
	}

	if typ == ledger.CommissionDirect {
		agent.TotalSales = agent.TotalSales.Add(cmd.TotalAmount)
	}
	agent.TotalCommission = agent.TotalCommission.Add(c.Amount)
	agent.Balance = agent.Balance.Add(c.Amount)
	agent.UpdatedAt = now
	if err := tx.UpdateAgent(ctx, *agent); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) logAccrual(a *Accrual) {
	fields := []zap.Field{zap.String("order_id", string(a.OrderID))}
	switch {
	case a.Duplicate:
		s.Log.Info("order already credited", fields...)
	case a.Skipped != "":
		s.Log.Info("order skipped", append(fields, zap.String("reason", string(a.Skipped)))...)
	default:
		fields = append(fields,
			zap.String("agent_id", string(a.Direct.AgentID)),
			zap.Stringer("direct", a.Direct.Amount))
		if a.Referral != nil {
			fields = append(fields,
				zap.String("parent_id", string(a.Referral.AgentID)),
				zap.Stringer("referral", a.Referral.Amount))
		}
		s.Log.Info("commission accrued", fields...)
	}
}

func (s *Service) emitAccrual(ctx context.Context, a *Accrual) {
	var evts []events.Event
	for _, c := range []*ledger.Commission{a.Direct, a.Referral} {
		if c == nil {
			continue
		}
		e := events.New(events.CommissionCredited, c.CreatedAt).WithAmount(c.Amount)
		e.AgentID = c.AgentID
		e.OrderID = c.OrderID
		e.CommissionID = c.ID
		e.CommissionType = string(c.Type)
		e.Rate = c.Rate.String()
		evts = append(evts, e)
	}
	events.Emit(ctx, s.Events, s.Log, evts...)
}
