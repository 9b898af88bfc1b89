/*
Package factory provides JSON to Go rate-policy conversion.

PURPOSE:
  Converts JSON policy documents into commission.Policy values, so the rate
  bands, sales thresholds and withdrawal limits can change without a code
  change. Every field is optional; missing fields keep the default program.

JSON SCHEMA:
  {
    "tiers": [
      {"tier": 1, "min_rate": "0.15", "max_rate": "0.25", "referral_rate": "0.20"},
      {"tier": 2, "min_rate": "0.08", "max_rate": "0.12", "referral_rate": "0.10"}
    ],
    "mid_sales_threshold": "50000",
    "top_sales_threshold": "100000",
    "withdrawal": {"fee_rate": "0.02", "min_amount": "100", "max_amount": "100000"},
    "referral_override": {"min": "0.01", "max": "0.50"}
  }

  Rates and amounts may be JSON strings or numbers. Strings are preferred
  because they never pass through a float.

USAGE:
  f := factory.NewPolicyFactory()
  policy, err := f.LoadFile("policy.json")

SEE ALSO:
  - commission/policy.go: Policy type definition
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a policy.
type PolicyJSON struct {
	Tiers             []TierJSON            `json:"tiers,omitempty"`
	MidSalesThreshold *ledger.Money         `json:"mid_sales_threshold,omitempty"`
	TopSalesThreshold *ledger.Money         `json:"top_sales_threshold,omitempty"`
	Withdrawal        *WithdrawalJSON       `json:"withdrawal,omitempty"`
	ReferralOverride  *ReferralOverrideJSON `json:"referral_override,omitempty"`
}

// TierJSON is one tier's band.
type TierJSON struct {
	Tier         int              `json:"tier"`
	MinRate      decimal.Decimal  `json:"min_rate"`
	MaxRate      decimal.Decimal  `json:"max_rate"`
	ReferralRate *decimal.Decimal `json:"referral_rate,omitempty"`
}

// WithdrawalJSON holds the payout fee and bounds.
type WithdrawalJSON struct {
	FeeRate   *decimal.Decimal `json:"fee_rate,omitempty"`
	MinAmount *ledger.Money    `json:"min_amount,omitempty"`
	MaxAmount *ledger.Money    `json:"max_amount,omitempty"`
}

// ReferralOverrideJSON bounds the referral rates admins may set.
type ReferralOverrideJSON struct {
	Min *decimal.Decimal `json:"min,omitempty"`
	Max *decimal.Decimal `json:"max,omitempty"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to commission.Policy.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// LoadFile reads and parses a policy document from disk.
func (f *PolicyFactory) LoadFile(path string) (commission.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return commission.Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return f.ParsePolicy(string(data))
}

// ParsePolicy parses a JSON string into a validated Policy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (commission.Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return commission.Policy{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON overlays pj on the default policy and validates the result.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (commission.Policy, error) {
	p := commission.DefaultPolicy()

	for _, tj := range pj.Tiers {
		tier := ledger.Tier(tj.Tier)
		if !tier.Valid() {
			return commission.Policy{}, ledger.NewValidationError("tiers", "unknown tier %d", tj.Tier)
		}
		tp := commission.TierPolicy{
			MinRate:      tj.MinRate,
			MaxRate:      tj.MaxRate,
			ReferralRate: p.Tiers[tier].ReferralRate,
		}
		if tj.ReferralRate != nil {
			tp.ReferralRate = *tj.ReferralRate
		}
		p.Tiers[tier] = tp
	}

	if pj.MidSalesThreshold != nil {
		p.MidSalesThreshold = *pj.MidSalesThreshold
	}
	if pj.TopSalesThreshold != nil {
		p.TopSalesThreshold = *pj.TopSalesThreshold
	}

	if w := pj.Withdrawal; w != nil {
		if w.FeeRate != nil {
			p.WithdrawalFeeRate = *w.FeeRate
		}
		if w.MinAmount != nil {
			p.MinWithdrawal = *w.MinAmount
		}
		if w.MaxAmount != nil {
			p.MaxWithdrawal = *w.MaxAmount
		}
	}

	if r := pj.ReferralOverride; r != nil {
		if r.Min != nil {
			p.ReferralOverrideMin = *r.Min
		}
		if r.Max != nil {
			p.ReferralOverrideMax = *r.Max
		}
	}

	if err := p.Validate(); err != nil {
		return commission.Policy{}, err
	}
	return p, nil
}

// ToJSON renders a policy in the document format, tiers in order.
func (f *PolicyFactory) ToJSON(p commission.Policy) PolicyJSON {
	pj := PolicyJSON{
		MidSalesThreshold: &p.MidSalesThreshold,
		TopSalesThreshold: &p.TopSalesThreshold,
		Withdrawal: &WithdrawalJSON{
			FeeRate:   &p.WithdrawalFeeRate,
			MinAmount: &p.MinWithdrawal,
			MaxAmount: &p.MaxWithdrawal,
		},
		ReferralOverride: &ReferralOverrideJSON{
			Min: &p.ReferralOverrideMin,
			Max: &p.ReferralOverrideMax,
		},
	}
	for tier, tp := range p.Tiers {
		referral := tp.ReferralRate
		pj.Tiers = append(pj.Tiers, TierJSON{
			Tier:         int(tier),
			MinRate:      tp.MinRate,
			MaxRate:      tp.MaxRate,
			ReferralRate: &referral,
		})
	}
	sort.Slice(pj.Tiers, func(i, j int) bool { return pj.Tiers[i].Tier < pj.Tiers[j].Tier })
	return pj
}
