/*
Package agent manages agent records: applications, admin review and
lookups.

PURPOSE:
  An agent starts as a pending application. An invite code naming an
  approved tier-1 agent makes the applicant a tier-2 agent under that
  parent; otherwise the applicant becomes a tier-1 root. Admins approve or
  reject applications and may override rates within policy bounds.

STARTING RATES:
  tier 1: commission = tier-1 min (0.15), referral = 0.20
  tier 2: commission = tier-2 min (0.08), referral = 0.10

SEE ALSO:
  - commission/policy.go: Rate bands
  - commission/adjust.go: Sales-based rate changes
*/
package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/ledger"
)

// Directory is the agent registry.
type Directory struct {
	Store  ledger.Store
	Policy commission.Policy
	Events events.Publisher
	Log    *zap.Logger
	Now    ledger.Clock
}

func NewDirectory(store ledger.Store, policy commission.Policy, pub events.Publisher, log *zap.Logger) *Directory {
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{Store: store, Policy: policy, Events: pub, Log: log, Now: ledger.SystemClock}
}

// =============================================================================
// APPLY
// =============================================================================

type ApplyCommand struct {
	Actor      ledger.Actor
	UserID     ledger.UserID `validate:"required,max=128"`
	InviteCode string        `validate:"max=128"`
}

// Apply creates a pending agent for the user.
func (d *Directory) Apply(ctx context.Context, cmd ApplyCommand) (*ledger.Agent, error) {
	if err := ledger.Validate(cmd); err != nil {
		return nil, err
	}
	if !cmd.Actor.CanActFor(cmd.UserID) {
		return nil, &ledger.PermissionError{Actor: cmd.Actor, Action: "apply for another user"}
	}

	var created ledger.Agent
	err := d.Store.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetAgentByUser(ctx, cmd.UserID); err == nil {
			return ledger.ErrAgentExists
		} else if !errors.Is(err, ledger.ErrAgentNotFound) {
			return err
		}

		tier, parentID, err := d.resolveInvite(ctx, tx, strings.TrimSpace(cmd.InviteCode))
		if err != nil {
			return err
		}
		tp, err := d.Policy.Tier(tier)
		if err != nil {
			return err
		}

		now := d.Now()
		created = ledger.Agent{
			ID:              ledger.AgentID(ledger.NewID()),
			UserID:          cmd.UserID,
			ParentID:        parentID,
			Tier:            tier,
			CommissionRate:  tp.MinRate,
			ReferralRate:    tp.ReferralRate,
			TotalSales:      ledger.Zero,
			TotalCommission: ledger.Zero,
			Balance:         ledger.Zero,
			Status:          ledger.AgentPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return tx.InsertAgent(ctx, created)
	})
	if err != nil {
		return nil, err
	}

	d.Log.Info("agent application created",
		zap.String("agent_id", string(created.ID)),
		zap.String("user_id", string(created.UserID)),
		zap.Int("tier", int(created.Tier)))
	return &created, nil
}

// resolveInvite maps an invite code (the inviting agent's id) to the new
// agent's tier and parent. Unknown or unapproved inviters are ignored.
func (d *Directory) resolveInvite(ctx context.Context, tx ledger.Tx, code string) (ledger.Tier, ledger.AgentID, error) {
	if code == "" {
		return ledger.Tier1, "", nil
	}
	parent, err := tx.GetAgent(ctx, ledger.AgentID(code))
	if errors.Is(err, ledger.ErrAgentNotFound) {
		return ledger.Tier1, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	if !parent.IsApproved() {
		return ledger.Tier1, "", nil
	}
	if parent.Tier != ledger.Tier1 {
		return 0, "", ledger.NewValidationError("invite_code", "inviting agent must be tier 1")
	}
	return ledger.Tier2, parent.ID, nil
}

// =============================================================================
// REVIEW
// =============================================================================

type ReviewCommand struct {
	Actor          ledger.Actor
	AgentID        ledger.AgentID     `validate:"required"`
	Status         ledger.AgentStatus `validate:"required,oneof=approved rejected"`
	CommissionRate *decimal.Decimal
	ReferralRate   *decimal.Decimal
}

// Review sets an agent's status and optional rate overrides. The
// commission rate must stay inside the agent's tier band.
func (d *Directory) Review(ctx context.Context, cmd ReviewCommand) (*ledger.Agent, error) {
	if !cmd.Actor.IsAdmin() {
		return nil, &ledger.PermissionError{Actor: cmd.Actor, Action: "review agents"}
	}
	if err := ledger.Validate(cmd); err != nil {
		return nil, err
	}
	if r := cmd.ReferralRate; r != nil {
		if r.LessThan(d.Policy.ReferralOverrideMin) || r.GreaterThan(d.Policy.ReferralOverrideMax) {
			return nil, ledger.NewValidationError("referral_rate", "must be between %s and %s",
				d.Policy.ReferralOverrideMin, d.Policy.ReferralOverrideMax)
		}
	}

	var updated ledger.Agent
	err := d.Store.WithTx(ctx, func(tx ledger.Tx) error {
		a, err := tx.LockAgent(ctx, cmd.AgentID)
		if err != nil {
			return err
		}
		if r := cmd.CommissionRate; r != nil {
			tp, err := d.Policy.Tier(a.Tier)
			if err != nil {
				return err
			}
			if !tp.Contains(*r) {
				return ledger.NewValidationError("commission_rate", "must be between %s and %s for tier %d",
					tp.MinRate, tp.MaxRate, a.Tier)
			}
			a.CommissionRate = *r
		}
		if cmd.ReferralRate != nil {
			a.ReferralRate = *cmd.ReferralRate
		}
		a.Status = cmd.Status
		a.UpdatedAt = d.Now()
		updated = *a
		return tx.UpdateAgent(ctx, *a)
	})
	if err != nil {
		return nil, err
	}

	d.Log.Info("agent reviewed",
		zap.String("agent_id", string(updated.ID)),
		zap.String("status", string(updated.Status)),
		zap.String("actor", cmd.Actor.ID))

	e := events.New(events.AgentReviewed, updated.UpdatedAt)
	e.AgentID = updated.ID
	e.UserID = updated.UserID
	e.Status = string(updated.Status)
	events.Emit(ctx, d.Events, d.Log, e)
	return &updated, nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

// Get returns an agent the actor may see: admins see everyone, users see
// their own record and their direct recruits.
func (d *Directory) Get(ctx context.Context, actor ledger.Actor, id ledger.AgentID) (*ledger.Agent, error) {
	a, err := d.Store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.CanActFor(a.UserID) {
		return a, nil
	}
	if a.HasParent() {
		if parent, err := d.Store.GetAgent(ctx, a.ParentID); err == nil && actor.CanActFor(parent.UserID) {
			return a, nil
		}
	}
	return nil, &ledger.PermissionError{Actor: actor, Action: "view this agent"}
}

// ForUser returns the agent owned by a user.
func (d *Directory) ForUser(ctx context.Context, actor ledger.Actor, userID ledger.UserID) (*ledger.Agent, error) {
	if !actor.CanActFor(userID) {
		return nil, &ledger.PermissionError{Actor: actor, Action: "view another user's agent"}
	}
	return d.Store.GetAgentByUser(ctx, userID)
}

// List returns agents matching filter. Admin only.
func (d *Directory) List(ctx context.Context, actor ledger.Actor, filter ledger.AgentFilter) ([]ledger.Agent, error) {
	if !actor.IsAdmin() {
		return nil, &ledger.PermissionError{Actor: actor, Action: "list agents"}
	}
	return d.Store.ListAgents(ctx, filter)
}
