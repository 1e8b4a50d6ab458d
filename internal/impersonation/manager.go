package impersonation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"adfunds.io/internal/audit"
	"adfunds.io/internal/events"
	"adfunds.io/internal/ids"
	"adfunds.io/internal/obs"
)

const (
	DefaultDuration     = 30 * time.Minute
	DefaultMaxDuration  = 4 * time.Hour
	DefaultMinReasonLen = 10
	sweepBatch          = 100
)

// Option configures Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option   { return func(m *Manager) { m.now = now } }
func WithPublisher(p events.Publisher) Option { return func(m *Manager) { m.events = p } }

// WithDurations overrides the default and maximum session length.
func WithDurations(def, limit time.Duration) Option {
	return func(m *Manager) {
		if def > 0 {
			m.defaultTTL = def
		}
		if limit > 0 {
			m.maxTTL = limit
		}
	}
}

// WithMinReasonLength overrides the minimum trimmed reason length in runes.
func WithMinReasonLength(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.minReason = n
		}
	}
}

// Manager runs the session lifecycle: active -> ended | expired.
type Manager struct {
	store      Store
	events     events.Publisher
	now        func() time.Time
	defaultTTL time.Duration
	maxTTL     time.Duration
	minReason  int
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		events:     events.Nop{},
		now:        time.Now,
		defaultTTL: DefaultDuration,
		maxTTL:     DefaultMaxDuration,
		minReason:  DefaultMinReasonLen,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Start(ctx context.Context, req StartRequest) (Session, error) {
	if !req.Admin.IsAdmin() || req.Admin.Impersonating() {
		return Session{}, ErrAdminAccessRequired
	}
	orgID := strings.TrimSpace(req.OrganizationID)
	if orgID == "" {
		return Session{}, ErrMissingOrganization
	}
	reason := strings.TrimSpace(req.Reason)
	if utf8.RuneCountInString(reason) < m.minReason {
		return Session{}, fmt.Errorf("%w: need at least %d characters", ErrReasonTooShort, m.minReason)
	}
	ttl := req.Duration
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	if ttl < 0 || ttl > m.maxTTL {
		return Session{}, fmt.Errorf("%w: %s (max %s)", ErrInvalidDuration, ttl, m.maxTTL)
	}

	now := m.now().UTC()
	s := Session{
		ID:             ids.WithPrefix(ids.PrefixSession),
		AdminID:        req.Admin.ID,
		OrganizationID: orgID,
		Reason:         reason,
		Status:         StatusActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		ClientIP:       req.ClientIP,
		UserAgent:      req.UserAgent,
	}
	entry := audit.NewEntry(s.Actor(req.Admin), audit.ActionImpersonationStart, "impersonation_session", s.ID, map[string]string{
		"organization_id": orgID,
		"reason":          reason,
		"expires_at":      s.ExpiresAt.Format(time.RFC3339),
		"client_ip":       req.ClientIP,
		"user_agent":      req.UserAgent,
	})
	entry.CreatedAt = now
	if err := m.store.CreateSession(ctx, s, entry); err != nil {
		return Session{}, err
	}
	obs.RecordImpersonation("start")
	return s, nil
}

// End terminates a session. Only its originating admin may end it; ending a
// terminal session is a no-op.
func (m *Manager) End(ctx context.Context, sessionID string, admin audit.Actor) (Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.AdminID != admin.ID {
		return Session{}, ErrNotSessionOwner
	}
	if s.Status.Terminal() {
		return s, nil
	}
	now := m.now().UTC()
	if s.ExpiredAt(now) {
		return m.expire(ctx, s, now)
	}
	entry := audit.NewEntry(s.Actor(admin), audit.ActionImpersonationEnd, "impersonation_session", s.ID,
		map[string]string{"organization_id": s.OrganizationID})
	entry.CreatedAt = now
	updated, changed, err := m.store.TransitionSession(ctx, s.ID, StatusEnded, now, entry)
	if err != nil {
		return Session{}, err
	}
	if changed {
		obs.RecordImpersonation("end")
		m.publish(ctx, updated)
	}
	return updated, nil
}

// IsValid reports whether the session is active and unexpired. An overdue
// active session is moved to expired on the way.
func (m *Manager) IsValid(ctx context.Context, sessionID string) (bool, error) {
	_, err := m.Resolve(ctx, sessionID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionEnded):
		return false, nil
	default:
		return false, err
	}
}

// Resolve returns the session if it is currently usable.
func (m *Manager) Resolve(ctx context.Context, sessionID string) (Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	switch s.Status {
	case StatusEnded:
		return Session{}, ErrSessionEnded
	case StatusExpired:
		return Session{}, ErrSessionExpired
	}
	now := m.now().UTC()
	if s.ExpiredAt(now) {
		if _, err := m.expire(ctx, s, now); err != nil {
			return Session{}, err
		}
		return Session{}, ErrSessionExpired
	}
	return s, nil
}

// ListActive returns the admin's usable sessions, newest first.
func (m *Manager) ListActive(ctx context.Context, adminID string) ([]Session, error) {
	all, err := m.store.ListActiveSessions(ctx, adminID)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	out := all[:0]
	for _, s := range all {
		if !s.ExpiredAt(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Sweep expires every overdue active session and returns how many moved.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		now := m.now().UTC()
		overdue, err := m.store.OverdueSessions(ctx, now, sweepBatch)
		if err != nil {
			return total, err
		}
		moved := 0
		for _, s := range overdue {
			updated, err := m.expire(ctx, s, now)
			if err != nil {
				return total, err
			}
			if updated.Status == StatusExpired {
				moved++
			}
		}
		total += moved
		if len(overdue) < sweepBatch || moved == 0 {
			return total, nil
		}
	}
}

func (m *Manager) expire(ctx context.Context, s Session, now time.Time) (Session, error) {
	entry := audit.NewEntry(audit.System("impersonation"), audit.ActionImpersonationExpire, "impersonation_session", s.ID,
		map[string]string{"organization_id": s.OrganizationID, "admin_id": s.AdminID, "expires_at": s.ExpiresAt.Format(time.RFC3339)})
	entry.CreatedAt = now
	updated, changed, err := m.store.TransitionSession(ctx, s.ID, StatusExpired, now, entry)
	if err != nil {
		return Session{}, err
	}
	if changed {
		obs.RecordImpersonation("expire")
		m.publish(ctx, updated)
	}
	return updated, nil
}

func (m *Manager) publish(ctx context.Context, s Session) {
	if err := m.events.Publish(ctx, events.New(events.SessionEnded, s.OrganizationID, s.ID, string(s.Status))); err != nil {
		obs.Logger().Warn("event publish failed", "kind", events.SessionEnded, "session_id", s.ID, "error", err)
	}
}
