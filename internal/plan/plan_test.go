package plan

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adfunds.io/internal/asset"
)

func TestAllowsBoundary(t *testing.T) {
	assert.True(t, Allows(3, 2))
	assert.False(t, Allows(3, 3))
	assert.False(t, Allows(0, 0))
	assert.True(t, Allows(Unlimited, 1_000_000))

	p := Plan{ID: "x", Limits: Limits{AdAccounts: 1}}
	assert.True(t, p.Allows(asset.TypeAdAccount, 0))
	assert.False(t, p.Allows(asset.TypeAdAccount, 1))
	assert.False(t, p.Allows(asset.Type("page"), 0))
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	starter, err := c.Get("starter")
	require.NoError(t, err)
	assert.True(t, starter.FeeRate.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 3, starter.Limits.AdAccounts)

	_, err = c.Get("platinum")
	assert.ErrorIs(t, err, ErrPlanNotFound)
	assert.Len(t, c.List(), 4)
	assert.Equal(t, "enterprise", c.List()[0].ID)
}

func TestNewCatalogValidation(t *testing.T) {
	_, err := NewCatalog(Plan{ID: "a"}, Plan{ID: "a"})
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = NewCatalog(Plan{ID: "a", FeeRate: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = NewCatalog(Plan{ID: "a", Limits: Limits{Pixels: -2}})
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = NewCatalog()
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestParseCatalog(t *testing.T) {
	c, err := Parse([]byte(`
plans:
  - id: agency
    name: Agency
    fee_rate: "0.025"
    limits:
      business_managers: 5
      ad_accounts: -1
      pixels: 20
      team_members: 25
`))
	require.NoError(t, err)
	p, err := c.Get("agency")
	require.NoError(t, err)
	assert.Equal(t, "0.025", p.FeeRate.String())
	assert.Equal(t, Unlimited, p.Limits.AdAccounts)

	_, err = Parse([]byte("plans:\n  - id: bad\n    fee_rate: \"five\"\n"))
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestDirectoryResolvesAssignedPlan(t *testing.T) {
	ctx := context.Background()
	c := DefaultCatalog()
	assignments := NewInMemoryAssignments(c)
	dir := NewDirectory(c, assignments)

	_, err := dir.PlanFor(ctx, "org_a")
	assert.ErrorIs(t, err, ErrOrganizationNotFound)

	require.NoError(t, assignments.Assign("org_a", "starter"))
	p, err := dir.PlanFor(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, "starter", p.ID)

	assert.ErrorIs(t, assignments.Assign("org_a", "platinum"), ErrPlanNotFound)
	require.NoError(t, assignments.Assign("org_a", "growth"))
	p, _ = dir.PlanFor(ctx, "org_a")
	assert.Equal(t, "growth", p.ID)
}
