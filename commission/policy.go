/*
policy.go - Commission rate policy

PURPOSE:
  Defines the rate bands per tier and the sales thresholds that pick a
  rate inside the band. RateFor is a pure recommendation: the engine
  always credits at the rate stored on the agent, which changes only when
  AdjustRate writes the recommendation back.

RATE TABLE (default):
  tier  band          referral
  1     0.15 - 0.25   0.20
  2     0.08 - 0.12   0.10

  cumulative sales >= 100,000  -> max of band
  cumulative sales >= 50,000   -> midpoint of band
  otherwise                    -> min of band

WITHDRAWAL LIMITS:
  The policy also carries the withdrawal fee rate (2%) and the per-request
  bounds, so a single JSON document configures the whole program.

SEE ALSO:
  - adjust.go: Applies RateFor to stored agents
  - factory/policy.go: JSON representation
*/
package commission

import (
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// POLICY
// =============================================================================

// TierPolicy is the rate band of one tier.
type TierPolicy struct {
	MinRate      decimal.Decimal
	MaxRate      decimal.Decimal
	ReferralRate decimal.Decimal
}

// Midpoint returns (MinRate + MaxRate) / 2.
func (tp TierPolicy) Midpoint() decimal.Decimal {
	return tp.MinRate.Add(tp.MaxRate).Div(decimal.NewFromInt(2))
}

// Contains reports whether rate lies inside the band, bounds included.
func (tp TierPolicy) Contains(rate decimal.Decimal) bool {
	return rate.GreaterThanOrEqual(tp.MinRate) && rate.LessThanOrEqual(tp.MaxRate)
}

// Policy is the complete commission program configuration.
type Policy struct {
	Tiers map[ledger.Tier]TierPolicy

	// Sales thresholds selecting the midpoint and the max of a band.
	MidSalesThreshold ledger.Money
	TopSalesThreshold ledger.Money

	WithdrawalFeeRate decimal.Decimal
	MinWithdrawal     ledger.Money
	MaxWithdrawal     ledger.Money

	// Band admins may set referral rates in.
	ReferralOverrideMin decimal.Decimal
	ReferralOverrideMax decimal.Decimal
}

// DefaultPolicy returns the standard two-tier program.
func DefaultPolicy() Policy {
	return Policy{
		Tiers: map[ledger.Tier]TierPolicy{
			ledger.Tier1: {
				MinRate:      decimal.RequireFromString("0.15"),
				MaxRate:      decimal.RequireFromString("0.25"),
				ReferralRate: decimal.RequireFromString("0.20"),
			},
			ledger.Tier2: {
				MinRate:      decimal.RequireFromString("0.08"),
				MaxRate:      decimal.RequireFromString("0.12"),
				ReferralRate: decimal.RequireFromString("0.10"),
			},
		},
		MidSalesThreshold:   ledger.MustParseMoney("50000"),
		TopSalesThreshold:   ledger.MustParseMoney("100000"),
		WithdrawalFeeRate:   decimal.RequireFromString("0.02"),
		MinWithdrawal:       ledger.MustParseMoney("100"),
		MaxWithdrawal:       ledger.MustParseMoney("100000"),
		ReferralOverrideMin: decimal.RequireFromString("0.01"),
		ReferralOverrideMax: decimal.RequireFromString("0.50"),
	}
}

// Tier returns the band for a tier.
func (p Policy) Tier(tier ledger.Tier) (TierPolicy, error) {
	tp, ok := p.Tiers[tier]
	if !ok {
		return TierPolicy{}, ledger.NewValidationError("tier", "unknown tier %d", tier)
	}
	return tp, nil
}

// RateFor recommends a commission rate for a tier at a sales volume.
func (p Policy) RateFor(tier ledger.Tier, cumulativeSales ledger.Money) (decimal.Decimal, error) {
	tp, err := p.Tier(tier)
	if err != nil {
		return decimal.Zero, err
	}
	switch {
	case cumulativeSales.GreaterOrEqual(p.TopSalesThreshold):
		return tp.MaxRate, nil
	case cumulativeSales.GreaterOrEqual(p.MidSalesThreshold):
		return tp.Midpoint(), nil
	default:
		return tp.MinRate, nil
	}
}

// ReferralRate returns the referral rate a new agent of tier starts with.
func (p Policy) ReferralRate(tier ledger.Tier) (decimal.Decimal, error) {
	tp, err := p.Tier(tier)
	if err != nil {
		return decimal.Zero, err
	}
	return tp.ReferralRate, nil
}

// Validate checks that the bands and thresholds are coherent.
func (p Policy) Validate() error {
	for _, tier := range []ledger.Tier{ledger.Tier1, ledger.Tier2} {
		tp, err := p.Tier(tier)
		if err != nil {
			return err
		}
		if !tp.MinRate.IsPositive() || tp.MinRate.GreaterThan(tp.MaxRate) || tp.MaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return ledger.NewValidationError("tiers", "tier %d band [%s, %s] is invalid", tier, tp.MinRate, tp.MaxRate)
		}
		if tp.ReferralRate.IsNegative() || tp.ReferralRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return ledger.NewValidationError("tiers", "tier %d referral rate %s is invalid", tier, tp.ReferralRate)
		}
	}
	if p.MidSalesThreshold.IsNegative() || p.TopSalesThreshold.LessThan(p.MidSalesThreshold) {
		return ledger.NewValidationError("thresholds", "sales thresholds must satisfy 0 <= mid <= top")
	}
	if p.WithdrawalFeeRate.IsNegative() || p.WithdrawalFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ledger.NewValidationError("withdrawal_fee_rate", "must be in [0, 1)")
	}
	if !p.MinWithdrawal.IsPositive() || p.MaxWithdrawal.LessThan(p.MinWithdrawal) {
		return ledger.NewValidationError("withdrawal_limits", "must satisfy 0 < min <= max")
	}
	if p.ReferralOverrideMin.IsNegative() || p.ReferralOverrideMax.LessThan(p.ReferralOverrideMin) {
		return ledger.NewValidationError("referral_override", "must satisfy 0 <= min <= max")
	}
	return nil
}
