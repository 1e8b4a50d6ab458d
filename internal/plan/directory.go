package plan

import (
	"context"
	"fmt"
	"sync"
)

// Assignments maps organizations to plan ids.
type Assignments interface {
	PlanID(ctx context.Context, orgID string) (string, error)
}

// Directory resolves the plan currently in force for an organization.
type Directory struct {
	catalog     *Catalog
	assignments Assignments
}

func NewDirectory(catalog *Catalog, assignments Assignments) *Directory {
	return &Directory{catalog: catalog, assignments: assignments}
}

func (d *Directory) Catalog() *Catalog { return d.catalog }

// PlanFor returns the organization's plan. Unknown organizations yield
// ErrOrganizationNotFound.
func (d *Directory) PlanFor(ctx context.Context, orgID string) (Plan, error) {
	id, err := d.assignments.PlanID(ctx, orgID)
	if err != nil {
		return Plan{}, err
	}
	return d.catalog.Get(id)
}

// InMemoryAssignments stores organization plan ids in process.
type InMemoryAssignments struct {
	mu      sync.RWMutex
	catalog *Catalog
	byOrg   map[string]string
}

func NewInMemoryAssignments(catalog *Catalog) *InMemoryAssignments {
	return &InMemoryAssignments{catalog: catalog, byOrg: make(map[string]string)}
}

// Assign sets or changes the organization's plan. Downgrades never revoke
// existing bindings; they only block new allocations.
func (a *InMemoryAssignments) Assign(orgID, planID string) error {
	if orgID == "" {
		return fmt.Errorf("%w: empty id", ErrOrganizationNotFound)
	}
	if _, err := a.catalog.Get(planID); err != nil {
		return err
	}
	a.mu.Lock()
	a.byOrg[orgID] = planID
	a.mu.Unlock()
	return nil
}

func (a *InMemoryAssignments) PlanID(_ context.Context, orgID string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byOrg[orgID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrOrganizationNotFound, orgID)
	}
	return id, nil
}
