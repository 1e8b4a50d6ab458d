package asset

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Directory resolves assets. The provider sync collaborator writes via Upsert.
type Directory interface {
	Get(ctx context.Context, id string) (Asset, error)
	Upsert(ctx context.Context, a Asset) (Asset, error)
}

// InMemoryDirectory is a process-local Directory.
type InMemoryDirectory struct {
	mu     sync.RWMutex
	assets map[string]Asset
	now    func() time.Time
}

func NewInMemoryDirectory(seed ...Asset) *InMemoryDirectory {
	d := &InMemoryDirectory{assets: make(map[string]Asset), now: time.Now}
	for _, a := range seed {
		if a.SyncedAt.IsZero() {
			a.SyncedAt = d.now().UTC()
		}
		d.assets[a.ID] = a
	}
	return d
}

func (d *InMemoryDirectory) Get(_ context.Context, id string) (Asset, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.assets[id]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return a, nil
}

func (d *InMemoryDirectory) Upsert(_ context.Context, a Asset) (Asset, error) {
	if err := a.Validate(); err != nil {
		return Asset{}, err
	}
	a.SyncedAt = d.now().UTC()
	d.mu.Lock()
	d.assets[a.ID] = a
	d.mu.Unlock()
	return a, nil
}

// List returns assets ordered by id.
func (d *InMemoryDirectory) List(_ context.Context) []Asset {
	d.mu.RLock()
	out := make([]Asset, 0, len(d.assets))
	for _, a := range d.assets {
		out = append(out, a)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
