package main

import (
	"context"
	"fmt"

	"adfunds.io/internal/asset"
	"adfunds.io/internal/audit"
	"adfunds.io/internal/config"
	"adfunds.io/internal/entitlement"
	"adfunds.io/internal/events"
	"adfunds.io/internal/httpapi"
	"adfunds.io/internal/impersonation"
	"adfunds.io/internal/ledger"
	"adfunds.io/internal/plan"
	"adfunds.io/internal/store/pg"
)

// backend bundles the services the API fronts.
type backend struct {
	ledger   ledger.Service
	ents     entitlement.Service
	sessions impersonation.Store
	ready    httpapi.ReadinessChecker
	close    func() error
}

func newBackend(cfg config.Config, catalog *plan.Catalog, pub events.Publisher) (*backend, error) {
	policy := ledger.Policy{
		MinRetainedBalance: cfg.Ledger.MinRetainedBalance,
		ChargeTransferFee:  cfg.Ledger.ChargeTransferFee,
	}
	if cfg.InMemory() {
		return newMemoryBackend(catalog, policy, pub)
	}

	st, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, catalog, pg.WithPolicy(policy), pg.WithPublisher(pub))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &backend{
		ledger:   st,
		ents:     st,
		sessions: st,
		ready:    httpapi.ReadyProbe{DB: st},
		close:    st.Close,
	}, nil
}

// newMemoryBackend keeps all state in process and seeds the demo tenants
// that the SQL seed files create for Postgres.
func newMemoryBackend(catalog *plan.Catalog, policy ledger.Policy, pub events.Publisher) (*backend, error) {
	sink := audit.LogSink{}
	assignments := plan.NewInMemoryAssignments(catalog)
	plans := plan.NewDirectory(catalog, assignments)
	assets := asset.NewInMemoryDirectory(demoAssets()...)

	ents := entitlement.NewInMemory(plans, assets, entitlement.WithAuditSink(sink), entitlement.WithPublisher(pub))
	led := ledger.NewInMemory(plans, ents,
		ledger.WithAssets(assets),
		ledger.WithAuditSink(sink),
		ledger.WithPublisher(pub),
		ledger.WithPolicy(policy),
	)

	for org, planID := range map[string]string{"org_demo": "starter", "org_enterprise": "enterprise"} {
		if err := assignments.Assign(org, planID); err != nil {
			return nil, fmt.Errorf("seed %s: %w", org, err)
		}
		if _, err := led.OpenWallet(context.Background(), org); err != nil {
			return nil, fmt.Errorf("seed %s: %w", org, err)
		}
	}
	return &backend{
		ledger:   led,
		ents:     ents,
		sessions: impersonation.NewMemoryStore(sink),
		ready:    httpapi.ReadyProbe{},
		close:    func() error { return nil },
	}, nil
}

func demoAssets() []asset.Asset {
	return []asset.Asset{
		{ID: "bm_demo", Type: asset.TypeBusinessManager, ExternalID: "100200300", Name: "Demo BM", Status: asset.StatusActive,
			Attributes: asset.BusinessManagerAttributes{BusinessID: "100200300"}},
		{ID: "act_demo_1", Type: asset.TypeAdAccount, ExternalID: "act_555001", Name: "Demo Account 1", Status: asset.StatusActive,
			Attributes: asset.AdAccountAttributes{AccountID: "555001", Currency: "USD"}},
		{ID: "act_demo_2", Type: asset.TypeAdAccount, ExternalID: "act_555002", Name: "Demo Account 2", Status: asset.StatusActive,
			Attributes: asset.AdAccountAttributes{AccountID: "555002", Currency: "USD"}},
		{ID: "px_demo", Type: asset.TypePixel, ExternalID: "777001", Name: "Demo Pixel", Status: asset.StatusActive,
			Attributes: asset.PixelAttributes{PixelID: "777001"}},
	}
}
