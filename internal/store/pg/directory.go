package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"adfunds.io/internal/asset"
	"adfunds.io/internal/audit"
	"adfunds.io/internal/plan"
	"adfunds.io/internal/store"
)

var (
	_ plan.Assignments = (*Store)(nil)
	_ asset.Directory  = (*Store)(nil)
	_ audit.Sink       = (*Store)(nil)
)

// CreateOrganization registers an organization on planID and opens its wallet.
func (s *Store) CreateOrganization(ctx context.Context, id, name, planID string) error {
	if _, err := s.catalog.Get(planID); err != nil {
		return err
	}
	return s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into organizations (id, name, plan_id) values ($1, $2, $3)
			on conflict (id) do nothing
		`, id, name, planID); err != nil {
			return store.Unavailable(err)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into wallets (organization_id) values ($1)
			on conflict (organization_id) do nothing
		`, id); err != nil {
			return store.Unavailable(err)
		}
		return nil
	})
}

// AssignPlan changes an organization's subscription tier.
func (s *Store) AssignPlan(ctx context.Context, orgID, planID string) error {
	if _, err := s.catalog.Get(planID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `update organizations set plan_id = $2, updated_at = now() where id = $1`, orgID, planID)
	if err != nil {
		return store.Unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", plan.ErrOrganizationNotFound, orgID)
	}
	return nil
}

func (s *Store) PlanID(ctx context.Context, orgID string) (string, error) {
	return planID(ctx, s.db, orgID, false)
}

// PlanFor resolves the organization's plan through the catalog.
func (s *Store) PlanFor(ctx context.Context, orgID string) (plan.Plan, error) {
	id, err := s.PlanID(ctx, orgID)
	if err != nil {
		return plan.Plan{}, err
	}
	return s.catalog.Get(id)
}

// lockPlan reads the plan while holding the organization row lock, which
// serialises allocations for that organization.
func (s *Store) lockPlan(ctx context.Context, tx *sql.Tx, orgID string) (plan.Plan, error) {
	id, err := planID(ctx, tx, orgID, true)
	if err != nil {
		return plan.Plan{}, err
	}
	return s.catalog.Get(id)
}

func planID(ctx context.Context, q queryer, orgID string, lock bool) (string, error) {
	query := `select plan_id from organizations where id = $1`
	if lock {
		query += ` for update`
	}
	var id string
	err := q.QueryRowContext(ctx, query, orgID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %q", plan.ErrOrganizationNotFound, orgID)
	}
	if err != nil {
		return "", store.Unavailable(err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) (asset.Asset, error) {
	return getAsset(ctx, s.db, id)
}

func getAsset(ctx context.Context, q queryer, id string) (asset.Asset, error) {
	var (
		a   asset.Asset
		raw []byte
	)
	err := q.QueryRowContext(ctx, `
		select id, type, external_id, name, status, attributes, synced_at
		from assets where id = $1
	`, id).Scan(&a.ID, &a.Type, &a.ExternalID, &a.Name, &a.Status, &raw, &a.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return asset.Asset{}, asset.ErrNotFound
	}
	if err != nil {
		return asset.Asset{}, store.Unavailable(err)
	}
	if a.Attributes, err = asset.DecodeAttributes(a.Type, raw); err != nil {
		return asset.Asset{}, err
	}
	return a, nil
}

func (s *Store) Upsert(ctx context.Context, a asset.Asset) (asset.Asset, error) {
	if err := a.Validate(); err != nil {
		return asset.Asset{}, err
	}
	raw, err := encodeAttributes(a.Attributes)
	if err != nil {
		return asset.Asset{}, err
	}
	a.SyncedAt = s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		insert into assets (id, type, external_id, name, status, attributes, synced_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (id) do update set
			name = excluded.name,
			status = excluded.status,
			attributes = excluded.attributes,
			synced_at = excluded.synced_at
	`, a.ID, a.Type, a.ExternalID, a.Name, a.Status, raw, a.SyncedAt)
	if err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return asset.Asset{}, fmt.Errorf("%w: external id %s already registered", asset.ErrInvalid, a.ExternalID)
		}
		return asset.Asset{}, store.Unavailable(err)
	}
	return a, nil
}

func encodeAttributes(attrs asset.Attributes) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return raw, nil
}

// Append writes an audit entry outside any mutation, e.g. from handlers.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	return insertAudit(ctx, s.db, e)
}

func insertAudit(ctx context.Context, q queryer, e audit.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
	}
	if _, err := q.ExecContext(ctx, `
		insert into audit_log (id, actor_id, on_behalf_of, session_id, action, target_type, target_id, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.ActorID, nullString(e.OnBehalfOf), nullString(e.SessionID), e.Action, e.TargetType, e.TargetID, meta, e.CreatedAt); err != nil {
		return store.Unavailable(err)
	}
	return nil
}
