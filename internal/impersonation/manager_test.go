package impersonation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adfunds.io/internal/audit"
	"adfunds.io/internal/events"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	admin  = audit.Actor{ID: "admin-1", OrganizationID: "platform", Roles: []string{audit.RoleAdmin}}
	admin2 = audit.Actor{ID: "admin-2", OrganizationID: "platform", Roles: []string{audit.RoleAdmin}}
)

func newManager(t *testing.T, opts ...Option) (*Manager, *clock, *audit.MemorySink) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sink := audit.NewMemorySink()
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return NewManager(NewMemoryStore(sink), opts...), c, sink
}

func start(t *testing.T, m *Manager, who audit.Actor, org string) Session {
	t.Helper()
	s, err := m.Start(context.Background(), StartRequest{Admin: who, OrganizationID: org, Reason: "Investigating billing ticket #4411", ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	return s
}

func TestStartValidation(t *testing.T) {
	m, _, sink := newManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, StartRequest{Admin: admin, OrganizationID: "org_a", Reason: "   too short  "})
	assert.ErrorIs(t, err, ErrReasonTooShort)

	_, err = m.Start(ctx, StartRequest{Admin: admin, OrganizationID: "org_a", Reason: "123456789"})
	assert.ErrorIs(t, err, ErrReasonTooShort)

	_, err = m.Start(ctx, StartRequest{Admin: audit.Actor{ID: "u1", OrganizationID: "org_a"}, OrganizationID: "org_b", Reason: "a perfectly long reason"})
	assert.ErrorIs(t, err, ErrAdminAccessRequired)

	_, err = m.Start(ctx, StartRequest{Admin: admin, OrganizationID: "org_a", Reason: "a perfectly long reason", Duration: 9 * time.Hour})
	assert.ErrorIs(t, err, ErrInvalidDuration)

	assert.Empty(t, sink.Entries())

	s, err := m.Start(ctx, StartRequest{Admin: admin, OrganizationID: "org_a", Reason: "1234567890"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, s.ExpiresAt.Sub(s.CreatedAt))
	entries := sink.ByTarget("impersonation_session", s.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionImpersonationStart, entries[0].Action)
	assert.Equal(t, "1234567890", entries[0].Metadata["reason"])
	assert.Equal(t, "org_a", entries[0].OnBehalfOf)
}

func TestReasonCountsRunes(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Start(context.Background(), StartRequest{Admin: admin, OrganizationID: "org_a", Reason: strings.Repeat("é", 10)})
	assert.NoError(t, err)
}

func TestLifecycleWithClock(t *testing.T) {
	m, c, sink := newManager(t)
	ctx := context.Background()
	s := start(t, m, admin, "org_a")

	c.Advance(29 * time.Minute)
	ok, err := m.IsValid(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	c.Advance(time.Minute)
	ok, err = m.IsValid(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := m.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	ok, err = m.IsValid(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{audit.ActionImpersonationStart, audit.ActionImpersonationExpire}, sink.Actions())

	_, err = m.IsValid(ctx, "imp_missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEndOwnershipAndIdempotency(t *testing.T) {
	bus := events.NewBus()
	m, _, sink := newManager(t, WithPublisher(bus))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx, "org_a")
	s := start(t, m, admin, "org_a")

	_, err := m.End(ctx, s.ID, admin2)
	assert.ErrorIs(t, err, ErrNotSessionOwner)

	ended, err := m.End(ctx, s.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)

	again, err := m.End(ctx, s.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, ended.EndedAt, again.EndedAt)
	assert.Len(t, sink.ByTarget("impersonation_session", s.ID), 2)

	ok, err := m.IsValid(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = m.Resolve(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionEnded)

	evt := <-sub
	assert.Equal(t, events.SessionEnded, evt.Kind)
	assert.Equal(t, s.ID, evt.Reference)
}

func TestListActiveNewestFirst(t *testing.T) {
	m, c, _ := newManager(t)
	ctx := context.Background()
	first := start(t, m, admin, "org_a")
	c.Advance(10 * time.Minute)
	second := start(t, m, admin, "org_b")
	start(t, m, admin2, "org_c")

	list, err := m.ListActive(ctx, admin.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	c.Advance(25 * time.Minute)
	list, err = m.ListActive(ctx, admin.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)
}

func TestSweepExpiresOverdueSessions(t *testing.T) {
	m, c, sink := newManager(t)
	ctx := context.Background()
	a := start(t, m, admin, "org_a")
	b, err := m.Start(ctx, StartRequest{Admin: admin2, OrganizationID: "org_b", Reason: "long running migration check", Duration: 2 * time.Hour})
	require.NoError(t, err)

	c.Advance(time.Hour)
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := m.store.GetSession(ctx, a.ID)
	assert.Equal(t, StatusExpired, got.Status)
	got, _ = m.store.GetSession(ctx, b.ID)
	assert.Equal(t, StatusActive, got.Status)

	expire := sink.ByTarget("impersonation_session", a.ID)
	require.Len(t, expire, 2)
	assert.Equal(t, "system:impersonation", expire[1].ActorID)

	n, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = m.End(ctx, a.ID, admin)
	assert.NoError(t, err, "ending an expired session is a no-op")
}

func TestSessionActorAttribution(t *testing.T) {
	m, _, _ := newManager(t)
	s := start(t, m, admin, "org_a")
	acting := s.Actor(admin)
	assert.Equal(t, "admin-1", acting.ID)
	assert.True(t, acting.MemberOf("org_a"))
	assert.Equal(t, s.ID, acting.SessionID)

	_, err := m.Start(context.Background(), StartRequest{Admin: acting, OrganizationID: "org_b", Reason: "nested sessions are refused"})
	assert.ErrorIs(t, err, ErrAdminAccessRequired)
}
