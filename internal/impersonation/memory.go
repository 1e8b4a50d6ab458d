package impersonation

import (
	"context"
	"sort"
	"sync"
	"time"

	"adfunds.io/internal/audit"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	sink     audit.Sink
}

func NewMemoryStore(sink audit.Sink) *MemoryStore {
	if sink == nil {
		sink = audit.NewMemorySink()
	}
	return &MemoryStore{sessions: make(map[string]*Session), sink: sink}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s Session, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sink.Append(ctx, entry); err != nil {
		return err
	}
	m.sessions[s.ID] = &s
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

func (m *MemoryStore) TransitionSession(ctx context.Context, id string, to Status, at time.Time, entry audit.Entry) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false, ErrSessionNotFound
	}
	if s.Status != StatusActive {
		return *s, false, nil
	}
	if err := m.sink.Append(ctx, entry); err != nil {
		return Session{}, false, err
	}
	s.Status = to
	s.EndedAt = &at
	return *s, true, nil
}

func (m *MemoryStore) ListActiveSessions(_ context.Context, adminID string) ([]Session, error) {
	m.mu.Lock()
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if s.AdminID == adminID && s.Status == StatusActive {
			out = append(out, *s)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) OverdueSessions(_ context.Context, now time.Time, limit int) ([]Session, error) {
	m.mu.Lock()
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if s.Status == StatusActive && s.ExpiredAt(now) {
			out = append(out, *s)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
