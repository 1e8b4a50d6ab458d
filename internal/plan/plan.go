package plan

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"adfunds.io/internal/asset"
)

// Unlimited marks a limit that never blocks allocation.
const Unlimited = -1

var (
	ErrPlanNotFound         = errors.New("plan: not found")
	ErrOrganizationNotFound = errors.New("plan: organization not found")
	ErrInvalidPlan          = errors.New("plan: invalid")
)

// Limits caps how many assets of each type an organization may hold, counting
// pending applications.
type Limits struct {
	BusinessManagers int `json:"business_managers" yaml:"business_managers"`
	AdAccounts       int `json:"ad_accounts" yaml:"ad_accounts"`
	Pixels           int `json:"pixels" yaml:"pixels"`
	TeamMembers      int `json:"team_members" yaml:"team_members"`
}

// For returns the limit for a bindable asset type.
func (l Limits) For(t asset.Type) (int, bool) {
	switch t {
	case asset.TypeBusinessManager:
		return l.BusinessManagers, true
	case asset.TypeAdAccount:
		return l.AdAccounts, true
	case asset.TypePixel:
		return l.Pixels, true
	}
	return 0, false
}

// Allows reports whether one more unit fits when used units are already taken.
func Allows(limit, used int) bool {
	return limit == Unlimited || used < limit
}

// Plan is a subscription tier. FeeRate is a fraction, 0.05 meaning 5%.
type Plan struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	FeeRate decimal.Decimal `json:"fee_rate"`
	Limits  Limits          `json:"limits"`
}

// Allows reports whether the plan admits another asset of type t.
func (p Plan) Allows(t asset.Type, used int) bool {
	limit, ok := p.Limits.For(t)
	return ok && Allows(limit, used)
}

var one = decimal.NewFromInt(1)

func (p Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPlan)
	}
	if p.FeeRate.IsNegative() || p.FeeRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: %s fee rate %s outside [0, 1)", ErrInvalidPlan, p.ID, p.FeeRate)
	}
	for name, v := range map[string]int{
		"business_managers": p.Limits.BusinessManagers,
		"ad_accounts":       p.Limits.AdAccounts,
		"pixels":            p.Limits.Pixels,
		"team_members":      p.Limits.TeamMembers,
	} {
		if v < Unlimited {
			return fmt.Errorf("%w: %s limit %s=%d", ErrInvalidPlan, p.ID, name, v)
		}
	}
	return nil
}
