/*
Package events publishes ledger changes to downstream consumers.

PURPOSE:
  Notifications, dashboards and the payout worker react to commissions
  and withdrawals without polling the ledger. Services emit events after
  their transaction commits; a failed publish is logged and never rolls
  back ledger state.

PUBLISHERS:
  RedisPublisher: PUBLISH JSON on a pub/sub channel
  KafkaPublisher: One message per event, keyed by agent id
  Multi:          Fan out to several publishers
  Recorder:       Keeps events in memory (tests)
  Nop:            Drops everything

SEE ALSO:
  - commission/engine.go: Emits commission.credited
  - withdrawal/service.go: Emits withdrawal.*
*/
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/ledger"
)

type Type string

const (
	CommissionCredited  Type = "commission.credited"
	CommissionsSettled  Type = "commission.settled"
	WithdrawalRequested Type = "withdrawal.requested"
	WithdrawalCompleted Type = "withdrawal.completed"
	WithdrawalRejected  Type = "withdrawal.rejected"
	AgentRateAdjusted   Type = "agent.rate_adjusted"
	AgentReviewed       Type = "agent.reviewed"
)

// Event is the wire payload. Fields that do not apply are omitted.
type Event struct {
	ID             string              `json:"id"`
	Type           Type                `json:"type"`
	AgentID        ledger.AgentID      `json:"agent_id,omitempty"`
	UserID         ledger.UserID       `json:"user_id,omitempty"`
	OrderID        ledger.OrderID      `json:"order_id,omitempty"`
	CommissionID   ledger.CommissionID `json:"commission_id,omitempty"`
	WithdrawalID   ledger.WithdrawalID `json:"withdrawal_id,omitempty"`
	CommissionType string              `json:"commission_type,omitempty"`
	Amount         *ledger.Money       `json:"amount,omitempty"`
	Rate           string              `json:"rate,omitempty"`
	Status         string              `json:"status,omitempty"`
	Count          int                 `json:"count,omitempty"`
	At             time.Time           `json:"at"`
}

// New returns an event with a fresh id.
func New(typ Type, at time.Time) Event {
	return Event{ID: ledger.NewID(), Type: typ, At: at}
}

func (e Event) WithAmount(m ledger.Money) Event {
	e.Amount = &m
	return e
}

// key picks the partition key so one agent's events stay ordered.
func (e Event) key() string {
	switch {
	case e.AgentID != "":
		return string(e.AgentID)
	case e.UserID != "":
		return string(e.UserID)
	default:
		return e.ID
	}
}

// Publisher delivers events to a transport.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Emit publishes and logs instead of returning failures.
func Emit(ctx context.Context, pub Publisher, log *zap.Logger, evts ...Event) {
	if pub == nil || len(evts) == 0 {
		return
	}
	if err := pub.Publish(ctx, evts...); err != nil {
		log.Warn("event publish failed",
			zap.String("type", string(evts[0].Type)),
			zap.Int("count", len(evts)),
			zap.Error(err))
	}
}

// =============================================================================
// NOP / MULTI / RECORDER
// =============================================================================

type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error                            { return nil }

// Multi publishes to every publisher and joins the errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evts ...Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evts...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, evts ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, evts...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what was published.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events.
func (r *Recorder) OfType(typ Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
