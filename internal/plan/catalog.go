package plan

import (
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Catalog is the read-only set of plans, keyed by id.
type Catalog struct {
	plans map[string]Plan
}

// NewCatalog validates plans and rejects duplicate ids.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidPlan, p.ID)
		}
		c.plans[p.ID] = p
	}
	if len(c.plans) == 0 {
		return nil, fmt.Errorf("%w: catalog is empty", ErrInvalidPlan)
	}
	return c, nil
}

func (c *Catalog) Get(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrPlanNotFound, id)
	}
	return p, nil
}

// List returns plans sorted by id.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultPlans is the built-in tier set used when no catalog file is configured.
func DefaultPlans() []Plan {
	return []Plan{
		{ID: "free", Name: "Free", FeeRate: decimal.RequireFromString("0.08"),
			Limits: Limits{BusinessManagers: 1, AdAccounts: 1, Pixels: 1, TeamMembers: 1}},
		{ID: "starter", Name: "Starter", FeeRate: decimal.RequireFromString("0.05"),
			Limits: Limits{BusinessManagers: 1, AdAccounts: 3, Pixels: 2, TeamMembers: 3}},
		{ID: "growth", Name: "Growth", FeeRate: decimal.RequireFromString("0.03"),
			Limits: Limits{BusinessManagers: 3, AdAccounts: 10, Pixels: 10, TeamMembers: 10}},
		{ID: "enterprise", Name: "Enterprise", FeeRate: decimal.RequireFromString("0.015"),
			Limits: Limits{BusinessManagers: Unlimited, AdAccounts: Unlimited, Pixels: Unlimited, TeamMembers: Unlimited}},
	}
}

// DefaultCatalog wraps DefaultPlans.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPlans()...)
	if err != nil {
		panic(err)
	}
	return c
}

type catalogFile struct {
	Plans []struct {
		ID      string `yaml:"id"`
		Name    string `yaml:"name"`
		FeeRate string `yaml:"fee_rate"`
		Limits  Limits `yaml:"limits"`
	} `yaml:"plans"`
}

// Parse reads a YAML catalog:
//
//	plans:
//	  - id: starter
//	    fee_rate: "0.05"
//	    limits: {business_managers: 1, ad_accounts: 3, pixels: 2, team_members: 3}
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("plan: parse catalog: %w", err)
	}
	plans := make([]Plan, 0, len(f.Plans))
	for _, raw := range f.Plans {
		rate := decimal.Zero
		if raw.FeeRate != "" {
			var err error
			if rate, err = decimal.NewFromString(raw.FeeRate); err != nil {
				return nil, fmt.Errorf("%w: %s fee_rate %q", ErrInvalidPlan, raw.ID, raw.FeeRate)
			}
		}
		name := raw.Name
		if name == "" {
			name = raw.ID
		}
		plans = append(plans, Plan{ID: raw.ID, Name: name, FeeRate: rate, Limits: raw.Limits})
	}
	return NewCatalog(plans...)
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: read catalog: %w", err)
	}
	return Parse(data)
}
