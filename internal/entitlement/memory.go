package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"adfunds.io/internal/asset"
	"adfunds.io/internal/audit"
	"adfunds.io/internal/events"
	"adfunds.io/internal/ids"
	"adfunds.io/internal/obs"
	"adfunds.io/internal/plan"
)

// Option configures InMemory.
type Option func(*InMemory)

func WithAuditSink(sink audit.Sink) Option    { return func(s *InMemory) { s.audit = sink } }
func WithPublisher(p events.Publisher) Option { return func(s *InMemory) { s.events = p } }
func WithClock(now func() time.Time) Option   { return func(s *InMemory) { s.now = now } }

type orgAsset struct{ org, asset string }

// InMemory implements Service. One mutex covers bindings and applications, so
// the limit check and the write it guards happen together.
type InMemory struct {
	plans  PlanResolver
	assets asset.Directory
	audit  audit.Sink
	events events.Publisher
	now    func() time.Time

	mu            sync.RWMutex
	bindings      map[string]*Binding
	activeByAsset map[string]string
	byOrgAsset    map[orgAsset]string
	applications  map[string]*Application
}

func NewInMemory(plans PlanResolver, assets asset.Directory, opts ...Option) *InMemory {
	s := &InMemory{
		plans:         plans,
		assets:        assets,
		audit:         audit.NewMemorySink(),
		events:        events.Nop{},
		now:           time.Now,
		bindings:      make(map[string]*Binding),
		activeByAsset: make(map[string]string),
		byOrgAsset:    make(map[orgAsset]string),
		applications:  make(map[string]*Application),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) CanAllocate(ctx context.Context, orgID string, t asset.Type) (bool, error) {
	p, err := s.plans.PlanFor(ctx, orgID)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	active, pending := s.countLocked(orgID, t, "")
	s.mu.RUnlock()
	err = CheckLimit(p, t, active, pending)
	if errors.Is(err, ErrPlanLimitExceeded) {
		return false, nil
	}
	return err == nil, err
}

func (s *InMemory) ActiveBinding(_ context.Context, orgID, assetID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeByAsset[assetID]
	return ok && s.bindings[id].OrganizationID == orgID, nil
}

func (s *InMemory) BindAsset(ctx context.Context, orgID, assetID string, actor audit.Actor) (Binding, error) {
	if err := Authorize(actor, orgID); err != nil {
		return Binding{}, err
	}
	a, err := s.activeAsset(ctx, assetID)
	if err != nil {
		return Binding{}, err
	}
	p, err := s.plans.PlanFor(ctx, orgID)
	if err != nil {
		return Binding{}, err
	}

	s.mu.Lock()
	b, changed, err := s.bindLocked(ctx, orgID, a, p, actor, "")
	s.mu.Unlock()
	s.recordAllocation(a.Type, err)
	if err != nil {
		return Binding{}, err
	}
	if changed {
		s.publish(ctx, events.New(events.BindingChanged, orgID, b.ID, string(b.Status)))
	}
	return b, nil
}

// bindLocked creates or reactivates the binding. excludeApp names an
// application whose slot is being handed over and must not count.
func (s *InMemory) bindLocked(ctx context.Context, orgID string, a asset.Asset, p plan.Plan, actor audit.Actor, excludeApp string) (Binding, bool, error) {
	existing, err := s.checkBindLocked(orgID, a, p, excludeApp)
	if err != nil {
		return Binding{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	now := s.now().UTC()
	b := Binding{
		ID:             ids.WithPrefix(ids.PrefixBinding),
		AssetID:        a.ID,
		AssetType:      a.Type,
		OrganizationID: orgID,
		Status:         BindingActive,
		BoundAt:        now,
		BoundBy:        actor.ID,
	}
	if id, ok := s.byOrgAsset[orgAsset{orgID, a.ID}]; ok {
		b.ID = id
	}
	meta := map[string]string{"asset_id": a.ID, "asset_type": string(a.Type), "organization_id": orgID}
	if excludeApp != "" {
		meta["application_id"] = excludeApp
	}
	if err := s.audit.Append(ctx, audit.NewEntry(actor, audit.ActionBindingCreate, "binding", b.ID, meta)); err != nil {
		return Binding{}, false, err
	}
	s.bindings[b.ID] = &b
	s.activeByAsset[a.ID] = b.ID
	s.byOrgAsset[orgAsset{orgID, a.ID}] = b.ID
	return b, true, nil
}

// checkBindLocked returns the org's existing active binding on a, or an error
// when a is held elsewhere or the plan has no room.
func (s *InMemory) checkBindLocked(orgID string, a asset.Asset, p plan.Plan, excludeApp string) (*Binding, error) {
	if id, ok := s.activeByAsset[a.ID]; ok {
		existing := s.bindings[id]
		if existing.OrganizationID == orgID {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrAssetAlreadyBound, a.ID)
	}
	active, pending := s.countLocked(orgID, a.Type, excludeApp)
	if err := CheckLimit(p, a.Type, active, pending); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *InMemory) RevokeBinding(ctx context.Context, bindingID string, actor audit.Actor) (Binding, error) {
	s.mu.Lock()
	b, changed, err := s.revokeLocked(ctx, bindingID, actor)
	s.mu.Unlock()
	if err != nil {
		return Binding{}, err
	}
	if changed {
		s.publish(ctx, events.New(events.BindingChanged, b.OrganizationID, b.ID, string(b.Status)))
	}
	return b, nil
}

func (s *InMemory) revokeLocked(ctx context.Context, bindingID string, actor audit.Actor) (Binding, bool, error) {
	b, ok := s.bindings[bindingID]
	if !ok {
		return Binding{}, false, ErrBindingNotFound
	}
	if err := Authorize(actor, b.OrganizationID); err != nil {
		return Binding{}, false, err
	}
	if b.Status == BindingRevoked {
		return *b, false, nil
	}
	meta := map[string]string{"asset_id": b.AssetID, "organization_id": b.OrganizationID}
	if err := s.audit.Append(ctx, audit.NewEntry(actor, audit.ActionBindingRevoke, "binding", b.ID, meta)); err != nil {
		return Binding{}, false, err
	}
	now := s.now().UTC()
	b.Status = BindingRevoked
	b.RevokedAt = &now
	b.RevokedBy = actor.ID
	delete(s.activeByAsset, b.AssetID)
	return *b, true, nil
}

func (s *InMemory) SubmitApplication(ctx context.Context, orgID string, t asset.Type, attrs asset.Attributes, actor audit.Actor) (Application, error) {
	if err := Authorize(actor, orgID); err != nil {
		return Application{}, err
	}
	if err := asset.ValidateAttributes(t, attrs); err != nil {
		return Application{}, err
	}
	p, err := s.plans.PlanFor(ctx, orgID)
	if err != nil {
		return Application{}, err
	}

	s.mu.Lock()
	app, err := s.submitLocked(ctx, orgID, t, attrs, p, actor)
	s.mu.Unlock()
	s.recordAllocation(t, err)
	if err != nil {
		return Application{}, err
	}
	s.publish(ctx, events.New(events.ApplicationChanged, orgID, app.ID, string(app.Status)))
	return app, nil
}

func (s *InMemory) submitLocked(ctx context.Context, orgID string, t asset.Type, attrs asset.Attributes, p plan.Plan, actor audit.Actor) (Application, error) {
	active, pending := s.countLocked(orgID, t, "")
	if err := CheckLimit(p, t, active, pending); err != nil {
		return Application{}, err
	}
	now := s.now().UTC()
	app := Application{
		ID:             ids.WithPrefix(ids.PrefixApplication),
		OrganizationID: orgID,
		RequestType:    t,
		Status:         ApplicationPending,
		Attributes:     attrs,
		SubmittedBy:    actor.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	meta := map[string]string{"request_type": string(t), "organization_id": orgID}
	if err := s.audit.Append(ctx, audit.NewEntry(actor, audit.ActionApplicationSubmit, "application", app.ID, meta)); err != nil {
		return Application{}, err
	}
	s.applications[app.ID] = &app
	return app, nil
}

func (s *InMemory) MarkProcessing(ctx context.Context, applicationID string, actor audit.Actor) (Application, error) {
	return s.transition(ctx, applicationID, ApplicationProcessing, "", actor)
}

func (s *InMemory) RejectApplication(ctx context.Context, applicationID, reason string, actor audit.Actor) (Application, error) {
	return s.transition(ctx, applicationID, ApplicationRejected, strings.TrimSpace(reason), actor)
}

func (s *InMemory) transition(ctx context.Context, applicationID string, to ApplicationStatus, reason string, actor audit.Actor) (Application, error) {
	if err := RequireOperator(actor); err != nil {
		return Application{}, err
	}
	s.mu.Lock()
	app, changed, err := s.transitionLocked(ctx, applicationID, to, reason, actor)
	s.mu.Unlock()
	if err != nil {
		return Application{}, err
	}
	if changed {
		s.publish(ctx, events.New(events.ApplicationChanged, app.OrganizationID, app.ID, string(app.Status)))
	}
	return app, nil
}

func (s *InMemory) transitionLocked(ctx context.Context, applicationID string, to ApplicationStatus, reason string, actor audit.Actor) (Application, bool, error) {
	app, ok := s.applications[applicationID]
	if !ok {
		return Application{}, false, ErrApplicationNotFound
	}
	if app.Status == to {
		return *app, false, nil
	}
	if err := ValidTransition(app.Status, to); err != nil {
		return Application{}, false, err
	}
	action := audit.ActionApplicationProcess
	meta := map[string]string{"from": string(app.Status), "to": string(to)}
	if to == ApplicationRejected {
		action = audit.ActionApplicationReject
		meta["reason"] = reason
	}
	if err := s.audit.Append(ctx, audit.NewEntry(actor, action, "application", app.ID, meta)); err != nil {
		return Application{}, false, err
	}
	app.Status = to
	app.RejectionReason = reason
	app.UpdatedAt = s.now().UTC()
	return *app, true, nil
}

func (s *InMemory) FulfillApplication(ctx context.Context, applicationID, assetID string, actor audit.Actor) (Binding, error) {
	if err := RequireOperator(actor); err != nil {
		return Binding{}, err
	}
	a, err := s.activeAsset(ctx, assetID)
	if err != nil {
		return Binding{}, err
	}

	s.mu.RLock()
	app, ok := s.applications[applicationID]
	var orgID string
	if ok {
		orgID = app.OrganizationID
	}
	s.mu.RUnlock()
	if !ok {
		return Binding{}, ErrApplicationNotFound
	}
	p, err := s.plans.PlanFor(ctx, orgID)
	if err != nil {
		return Binding{}, err
	}

	s.mu.Lock()
	b, app2, err := s.fulfillLocked(ctx, applicationID, a, p, actor)
	s.mu.Unlock()
	s.recordAllocation(a.Type, err)
	if err != nil {
		return Binding{}, err
	}
	s.publish(ctx, events.New(events.ApplicationChanged, app2.OrganizationID, app2.ID, string(app2.Status)))
	s.publish(ctx, events.New(events.BindingChanged, b.OrganizationID, b.ID, string(b.Status)))
	return b, nil
}

func (s *InMemory) fulfillLocked(ctx context.Context, applicationID string, a asset.Asset, p plan.Plan, actor audit.Actor) (Binding, Application, error) {
	app, ok := s.applications[applicationID]
	if !ok {
		return Binding{}, Application{}, ErrApplicationNotFound
	}
	if app.Status == ApplicationFulfilled && app.AssetID == a.ID {
		if id, ok := s.activeByAsset[a.ID]; ok && s.bindings[id].OrganizationID == app.OrganizationID {
			return *s.bindings[id], *app, nil
		}
	}
	if !app.Status.Open() {
		return Binding{}, Application{}, fmt.Errorf("%w: %s is %s", ErrApplicationClosed, app.ID, app.Status)
	}
	if a.Type != app.RequestType {
		return Binding{}, Application{}, fmt.Errorf("%w: %s requested, %s supplied", ErrAssetTypeMismatch, app.RequestType, a.Type)
	}
	existing, err := s.checkBindLocked(app.OrganizationID, a, p, app.ID)
	if err != nil {
		return Binding{}, Application{}, err
	}
	// A fulfilment must allocate a new asset.
	if existing != nil {
		return Binding{}, Application{}, fmt.Errorf("%w: %s already held by %s", ErrAssetAlreadyBound, a.ID, app.OrganizationID)
	}
	meta := map[string]string{"asset_id": a.ID, "from": string(app.Status)}
	if err := s.audit.Append(ctx, audit.NewEntry(actor, audit.ActionApplicationFulfill, "application", app.ID, meta)); err != nil {
		return Binding{}, Application{}, err
	}
	b, _, err := s.bindLocked(ctx, app.OrganizationID, a, p, actor, app.ID)
	if err != nil {
		return Binding{}, Application{}, err
	}
	app.Status = ApplicationFulfilled
	app.AssetID = a.ID
	app.UpdatedAt = s.now().UTC()
	return b, *app, nil
}

func (s *InMemory) ListBindings(_ context.Context, orgID string) ([]Binding, error) {
	s.mu.RLock()
	out := make([]Binding, 0)
	for _, b := range s.bindings {
		if b.OrganizationID == orgID {
			out = append(out, *b)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) ListApplications(_ context.Context, orgID string) ([]Application, error) {
	s.mu.RLock()
	out := make([]Application, 0)
	for _, app := range s.applications {
		if app.OrganizationID == orgID {
			out = append(out, *app)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) Usage(ctx context.Context, orgID string) ([]Usage, error) {
	p, err := s.plans.PlanFor(ctx, orgID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Usage, 0, len(asset.Types))
	for _, t := range asset.Types {
		limit, _ := p.Limits.For(t)
		active, pending := s.countLocked(orgID, t, "")
		out = append(out, Usage{Type: t, Active: active, Pending: pending, Limit: limit})
	}
	return out, nil
}

func (s *InMemory) countLocked(orgID string, t asset.Type, excludeApp string) (active, pending int) {
	for _, b := range s.bindings {
		if b.OrganizationID == orgID && b.AssetType == t && b.Status == BindingActive {
			active++
		}
	}
	for _, app := range s.applications {
		if app.OrganizationID == orgID && app.RequestType == t && app.Status.Open() && app.ID != excludeApp {
			pending++
		}
	}
	return active, pending
}

func (s *InMemory) activeAsset(ctx context.Context, assetID string) (asset.Asset, error) {
	a, err := s.assets.Get(ctx, assetID)
	if err != nil {
		return asset.Asset{}, err
	}
	if a.Status != asset.StatusActive {
		return asset.Asset{}, fmt.Errorf("%w: %s is %s", ErrAssetInactive, a.ID, a.Status)
	}
	return a, nil
}

func (s *InMemory) publish(ctx context.Context, evt events.Event) {
	if err := s.events.Publish(ctx, evt); err != nil {
		obs.Logger().Warn("event publish failed", "kind", evt.Kind, "reference", evt.Reference, "error", err)
	}
}

func (s *InMemory) recordAllocation(t asset.Type, err error) {
	obs.RecordAllocation(string(t), AllocationResult(err))
}

// AllocationResult labels an allocation outcome for metrics.
func AllocationResult(err error) string {
	switch {
	case err == nil:
		return "allowed"
	case errors.Is(err, ErrPlanLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrAssetAlreadyBound):
		return "already_bound"
	default:
		return "error"
	}
}

// ValidTransition enforces pending -> processing -> fulfilled|rejected.
// Pending may go straight to fulfilled or rejected.
func ValidTransition(from, to ApplicationStatus) error {
	switch {
	case from == ApplicationPending && to == ApplicationProcessing:
	case from.Open() && (to == ApplicationFulfilled || to == ApplicationRejected):
	default:
		return fmt.Errorf("%w: %s -> %s", ErrApplicationClosed, from, to)
	}
	return nil
}
