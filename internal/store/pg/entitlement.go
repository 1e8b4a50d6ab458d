package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"adfunds.io/internal/asset"
	"adfunds.io/internal/audit"
	"adfunds.io/internal/entitlement"
	"adfunds.io/internal/events"
	"adfunds.io/internal/ids"
	"adfunds.io/internal/obs"
	"adfunds.io/internal/plan"
	"adfunds.io/internal/store"
)

var _ entitlement.Service = (*Store)(nil)

const bindingColumns = `id, asset_id, asset_type, organization_id, status, bound_at, bound_by, revoked_at, coalesce(revoked_by, '')`

const applicationColumns = `id, organization_id, request_type, status, attributes, coalesce(asset_id, ''),
	coalesce(rejection_reason, ''), submitted_by, created_at, updated_at`

func scanBinding(row rowScanner) (entitlement.Binding, error) {
	var (
		b       entitlement.Binding
		revoked sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.AssetID, &b.AssetType, &b.OrganizationID, &b.Status, &b.BoundAt, &b.BoundBy, &revoked, &b.RevokedBy); err != nil {
		return entitlement.Binding{}, err
	}
	if revoked.Valid {
		t := revoked.Time
		b.RevokedAt = &t
	}
	return b, nil
}

func scanApplication(row rowScanner) (entitlement.Application, error) {
	var (
		app entitlement.Application
		raw []byte
	)
	if err := row.Scan(&app.ID, &app.OrganizationID, &app.RequestType, &app.Status, &raw, &app.AssetID,
		&app.RejectionReason, &app.SubmittedBy, &app.CreatedAt, &app.UpdatedAt); err != nil {
		return entitlement.Application{}, err
	}
	if len(raw) > 0 && string(raw) != "null" {
		attrs, err := asset.DecodeAttributes(app.RequestType, raw)
		if err != nil {
			return entitlement.Application{}, err
		}
		app.Attributes = attrs
	}
	return app, nil
}

func (s *Store) CanAllocate(ctx context.Context, orgID string, t asset.Type) (bool, error) {
	p, err := s.PlanFor(ctx, orgID)
	if err != nil {
		return false, err
	}
	active, pending, err := countUsage(ctx, s.db, orgID, t, "")
	if err != nil {
		return false, err
	}
	err = entitlement.CheckLimit(p, t, active, pending)
	if errors.Is(err, entitlement.ErrPlanLimitExceeded) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ActiveBinding(ctx context.Context, orgID, assetID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		select 1 from asset_bindings where asset_id = $1 and organization_id = $2 and status = 'active'
	`, assetID, orgID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, store.Unavailable(err)
	}
	return true, nil
}

func (s *Store) BindAsset(ctx context.Context, orgID, assetID string, actor audit.Actor) (entitlement.Binding, error) {
	if err := entitlement.Authorize(actor, orgID); err != nil {
		return entitlement.Binding{}, err
	}
	var (
		b       entitlement.Binding
		changed bool
		typ     asset.Type
	)
	err := s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		p, err := s.lockPlan(ctx, tx, orgID)
		if err != nil {
			return err
		}
		a, err := activeAsset(ctx, tx, assetID)
		if err != nil {
			return err
		}
		typ = a.Type
		b, changed, err = s.bindTx(ctx, tx, orgID, a, p, actor, "")
		return err
	})
	obs.RecordAllocation(string(typ), entitlement.AllocationResult(err))
	if err != nil {
		return entitlement.Binding{}, err
	}
	if changed {
		s.publish(ctx, events.New(events.BindingChanged, orgID, b.ID, string(b.Status)))
	}
	return b, nil
}

// bindTx runs with the organization row locked. excludeApp names an
// application whose slot is handed to the new binding.
func (s *Store) bindTx(ctx context.Context, tx *sql.Tx, orgID string, a asset.Asset, p plan.Plan, actor audit.Actor, excludeApp string) (entitlement.Binding, bool, error) {
	current, err := scanBinding(tx.QueryRowContext(ctx, `
		select `+bindingColumns+` from asset_bindings where asset_id = $1 and status = 'active'
	`, a.ID))
	switch {
	case err == nil && current.OrganizationID == orgID:
		return current, false, nil
	case err == nil:
		return entitlement.Binding{}, false, fmt.Errorf("%w: %s", entitlement.ErrAssetAlreadyBound, a.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return entitlement.Binding{}, false, store.Unavailable(err)
	}

	active, pending, err := countUsage(ctx, tx, orgID, a.Type, excludeApp)
	if err != nil {
		return entitlement.Binding{}, false, err
	}
	if err := entitlement.CheckLimit(p, a.Type, active, pending); err != nil {
		return entitlement.Binding{}, false, err
	}

	now := s.now().UTC()
	b, err := scanBinding(tx.QueryRowContext(ctx, `
		insert into asset_bindings (id, asset_id, asset_type, organization_id, status, bound_at, bound_by)
		values ($1, $2, $3, $4, 'active', $5, $6)
		on conflict (asset_id, organization_id) do update set
			status = 'active',
			bound_at = excluded.bound_at,
			bound_by = excluded.bound_by,
			revoked_at = null,
			revoked_by = null
		returning `+bindingColumns,
		ids.WithPrefix(ids.PrefixBinding), a.ID, string(a.Type), orgID, now, actor.ID))
	if err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return entitlement.Binding{}, false, fmt.Errorf("%w: %s", entitlement.ErrAssetAlreadyBound, a.ID)
		}
		return entitlement.Binding{}, false, store.Unavailable(err)
	}
	meta := map[string]string{"asset_id": a.ID, "asset_type": string(a.Type), "organization_id": orgID}
	if excludeApp != "" {
		meta["application_id"] = excludeApp
	}
	if err := insertAudit(ctx, tx, audit.NewEntry(actor, audit.ActionBindingCreate, "binding", b.ID, meta)); err != nil {
		return entitlement.Binding{}, false, err
	}
	return b, true, nil
}

func (s *Store) RevokeBinding(ctx context.Context, bindingID string, actor audit.Actor) (entitlement.Binding, error) {
	var (
		b       entitlement.Binding
		changed bool
	)
	err := s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		var err error
		b, err = scanBinding(tx.QueryRowContext(ctx, `
			select `+bindingColumns+` from asset_bindings where id = $1 for update
		`, bindingID))
		if errors.Is(err, sql.ErrNoRows) {
			return entitlement.ErrBindingNotFound
		}
		if err != nil {
			return store.Unavailable(err)
		}
		if err := entitlement.Authorize(actor, b.OrganizationID); err != nil {
			return err
		}
		if b.Status == entitlement.BindingRevoked {
			return nil
		}
		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx, `
			update asset_bindings set status = 'revoked', revoked_at = $2, revoked_by = $3 where id = $1
		`, b.ID, now, actor.ID); err != nil {
			return store.Unavailable(err)
		}
		meta := map[string]string{"asset_id": b.AssetID, "organization_id": b.OrganizationID}
		if err := insertAudit(ctx, tx, audit.NewEntry(actor, audit.ActionBindingRevoke, "binding", b.ID, meta)); err != nil {
			return err
		}
		b.Status = entitlement.BindingRevoked
		b.RevokedAt = &now
		b.RevokedBy = actor.ID
		changed = true
		return nil
	})
	if err != nil {
		return entitlement.Binding{}, err
	}
	if changed {
		s.publish(ctx, events.New(events.BindingChanged, b.OrganizationID, b.ID, string(b.Status)))
	}
	return b, nil
}

func (s *Store) SubmitApplication(ctx context.Context, orgID string, t asset.Type, attrs asset.Attributes, actor audit.Actor) (entitlement.Application, error) {
	if err := entitlement.Authorize(actor, orgID); err != nil {
		return entitlement.Application{}, err
	}
	if err := asset.ValidateAttributes(t, attrs); err != nil {
		return entitlement.Application{}, err
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return entitlement.Application{}, fmt.Errorf("encode attributes: %w", err)
	}

	var app entitlement.Application
	err = s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		p, err := s.lockPlan(ctx, tx, orgID)
		if err != nil {
			return err
		}
		active, pending, err := countUsage(ctx, tx, orgID, t, "")
		if err != nil {
			return err
		}
		if err := entitlement.CheckLimit(p, t, active, pending); err != nil {
			return err
		}
		now := s.now().UTC()
		app = entitlement.Application{
			ID:             ids.WithPrefix(ids.PrefixApplication),
			OrganizationID: orgID,
			RequestType:    t,
			Status:         entitlement.ApplicationPending,
			Attributes:     attrs,
			SubmittedBy:    actor.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if _, err := tx.ExecContext(ctx, `
			insert into applications (id, organization_id, request_type, status, attributes, submitted_by, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $7)
		`, app.ID, orgID, string(t), string(app.Status), raw, actor.ID, now); err != nil {
			return store.Unavailable(err)
		}
		meta := map[string]string{"request_type": string(t), "organization_id": orgID}
		return insertAudit(ctx, tx, audit.NewEntry(actor, audit.ActionApplicationSubmit, "application", app.ID, meta))
	})
	obs.RecordAllocation(string(t), entitlement.AllocationResult(err))
	if err != nil {
		return entitlement.Application{}, err
	}
	s.publish(ctx, events.New(events.ApplicationChanged, orgID, app.ID, string(app.Status)))
	return app, nil
}

func (s *Store) MarkProcessing(ctx context.Context, applicationID string, actor audit.Actor) (entitlement.Application, error) {
	return s.transition(ctx, applicationID, entitlement.ApplicationProcessing, "", actor)
}

func (s *Store) RejectApplication(ctx context.Context, applicationID, reason string, actor audit.Actor) (entitlement.Application, error) {
	return s.transition(ctx, applicationID, entitlement.ApplicationRejected, strings.TrimSpace(reason), actor)
}

func (s *Store) transition(ctx context.Context, applicationID string, to entitlement.ApplicationStatus, reason string, actor audit.Actor) (entitlement.Application, error) {
	if err := entitlement.RequireOperator(actor); err != nil {
		return entitlement.Application{}, err
	}
	var (
		app     entitlement.Application
		changed bool
	)
	err := s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		var err error
		if app, err = lockApplication(ctx, tx, applicationID); err != nil {
			return err
		}
		if app.Status == to {
			return nil
		}
		if err := entitlement.ValidTransition(app.Status, to); err != nil {
			return err
		}
		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx, `
			update applications set status = $2, rejection_reason = $3, updated_at = $4 where id = $1
		`, app.ID, string(to), nullString(reason), now); err != nil {
			return store.Unavailable(err)
		}
		action := audit.ActionApplicationProcess
		meta := map[string]string{"from": string(app.Status), "to": string(to)}
		if to == entitlement.ApplicationRejected {
			action = audit.ActionApplicationReject
			meta["reason"] = reason
		}
		if err := insertAudit(ctx, tx, audit.NewEntry(actor, action, "application", app.ID, meta)); err != nil {
			return err
		}
		app.Status = to
		app.RejectionReason = reason
		app.UpdatedAt = now
		changed = true
		return nil
	})
	if err != nil {
		return entitlement.Application{}, err
	}
	if changed {
		s.publish(ctx, events.New(events.ApplicationChanged, app.OrganizationID, app.ID, string(app.Status)))
	}
	return app, nil
}

// FulfillApplication locks the application row, then the organization row,
// and hands the application's slot to the new binding.
func (s *Store) FulfillApplication(ctx context.Context, applicationID, assetID string, actor audit.Actor) (entitlement.Binding, error) {
	if err := entitlement.RequireOperator(actor); err != nil {
		return entitlement.Binding{}, err
	}
	var (
		b      entitlement.Binding
		app    entitlement.Application
		replay bool
		typ    asset.Type
	)
	err := s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		var err error
		if app, err = lockApplication(ctx, tx, applicationID); err != nil {
			return err
		}
		typ = app.RequestType
		p, err := s.lockPlan(ctx, tx, app.OrganizationID)
		if err != nil {
			return err
		}
		a, err := activeAsset(ctx, tx, assetID)
		if err != nil {
			return err
		}
		if app.Status == entitlement.ApplicationFulfilled && app.AssetID == a.ID {
			b, err = scanBinding(tx.QueryRowContext(ctx, `
				select `+bindingColumns+` from asset_bindings
				where asset_id = $1 and organization_id = $2 and status = 'active'
			`, a.ID, app.OrganizationID))
			if err == nil {
				replay = true
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return store.Unavailable(err)
			}
		}
		if !app.Status.Open() {
			return fmt.Errorf("%w: %s is %s", entitlement.ErrApplicationClosed, app.ID, app.Status)
		}
		if a.Type != app.RequestType {
			return fmt.Errorf("%w: %s requested, %s supplied", entitlement.ErrAssetTypeMismatch, app.RequestType, a.Type)
		}
		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx, `
			update applications set status = 'fulfilled', asset_id = $2, updated_at = $3 where id = $1
		`, app.ID, a.ID, now); err != nil {
			return store.Unavailable(err)
		}
		meta := map[string]string{"asset_id": a.ID, "from": string(app.Status)}
		if err := insertAudit(ctx, tx, audit.NewEntry(actor, audit.ActionApplicationFulfill, "application", app.ID, meta)); err != nil {
			return err
		}
		// The application is no longer open, so its slot moves to the binding.
		var created bool
		if b, created, err = s.bindTx(ctx, tx, app.OrganizationID, a, p, actor, app.ID); err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("%w: %s already held by %s", entitlement.ErrAssetAlreadyBound, a.ID, app.OrganizationID)
		}
		app.Status = entitlement.ApplicationFulfilled
		app.AssetID = a.ID
		app.UpdatedAt = now
		return nil
	})
	obs.RecordAllocation(string(typ), entitlement.AllocationResult(err))
	if err != nil {
		return entitlement.Binding{}, err
	}
	if !replay {
		s.publish(ctx, events.New(events.ApplicationChanged, app.OrganizationID, app.ID, string(app.Status)))
		s.publish(ctx, events.New(events.BindingChanged, b.OrganizationID, b.ID, string(b.Status)))
	}
	return b, nil
}

func (s *Store) ListBindings(ctx context.Context, orgID string) ([]entitlement.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+bindingColumns+` from asset_bindings where organization_id = $1 order by id
	`, orgID)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	defer rows.Close()
	out := make([]entitlement.Binding, 0)
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, store.Unavailable(err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable(err)
	}
	return out, nil
}

func (s *Store) ListApplications(ctx context.Context, orgID string) ([]entitlement.Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+applicationColumns+` from applications where organization_id = $1 order by id
	`, orgID)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	defer rows.Close()
	out := make([]entitlement.Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable(err)
	}
	return out, nil
}

func (s *Store) Usage(ctx context.Context, orgID string) ([]entitlement.Usage, error) {
	p, err := s.PlanFor(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make([]entitlement.Usage, 0, len(asset.Types))
	for _, t := range asset.Types {
		limit, _ := p.Limits.For(t)
		active, pending, err := countUsage(ctx, s.db, orgID, t, "")
		if err != nil {
			return nil, err
		}
		out = append(out, entitlement.Usage{Type: t, Active: active, Pending: pending, Limit: limit})
	}
	return out, nil
}

func countUsage(ctx context.Context, q queryer, orgID string, t asset.Type, excludeApp string) (active, pending int, err error) {
	err = q.QueryRowContext(ctx, `
		select
			(select count(*) from asset_bindings
			 where organization_id = $1 and asset_type = $2 and status = 'active'),
			(select count(*) from applications
			 where organization_id = $1 and request_type = $2 and status in ('pending', 'processing') and id <> $3)
	`, orgID, string(t), excludeApp).Scan(&active, &pending)
	if err != nil {
		return 0, 0, store.Unavailable(err)
	}
	return active, pending, nil
}

func lockApplication(ctx context.Context, tx *sql.Tx, id string) (entitlement.Application, error) {
	app, err := scanApplication(tx.QueryRowContext(ctx, `
		select `+applicationColumns+` from applications where id = $1 for update
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Application{}, entitlement.ErrApplicationNotFound
	}
	if err != nil {
		return entitlement.Application{}, store.Unavailable(err)
	}
	return app, nil
}

func activeAsset(ctx context.Context, q queryer, id string) (asset.Asset, error) {
	a, err := getAsset(ctx, q, id)
	if err != nil {
		return asset.Asset{}, err
	}
	if a.Status != asset.StatusActive {
		return asset.Asset{}, fmt.Errorf("%w: %s is %s", entitlement.ErrAssetInactive, a.ID, a.Status)
	}
	return a, nil
}
