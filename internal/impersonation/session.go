package impersonation

import (
	"context"
	"errors"
	"time"

	"adfunds.io/internal/audit"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
)

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusExpired
}

// Session is a time-boxed grant letting an admin act as an organization.
type Session struct {
	ID             string     `json:"id"`
	AdminID        string     `json:"admin_id"`
	OrganizationID string     `json:"organization_id"`
	Reason         string     `json:"reason"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ClientIP       string     `json:"client_ip,omitempty"`
	UserAgent      string     `json:"user_agent,omitempty"`
}

// ExpiredAt reports whether the session is past its expiry at now.
func (s Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Actor returns admin acting as the session's organization.
func (s Session) Actor(admin audit.Actor) audit.Actor {
	admin.SessionID = s.ID
	admin.ActingAs = s.OrganizationID
	return admin
}

// StartRequest carries what Start needs from the caller.
type StartRequest struct {
	Admin          audit.Actor
	OrganizationID string
	Reason         string
	Duration       time.Duration
	ClientIP       string
	UserAgent      string
}

var (
	ErrAdminAccessRequired = errors.New("impersonation: admin access required")
	ErrReasonTooShort      = errors.New("impersonation: reason too short")
	ErrInvalidDuration     = errors.New("impersonation: invalid duration")
	ErrSessionNotFound     = errors.New("impersonation: session not found")
	ErrSessionExpired      = errors.New("impersonation: session expired")
	ErrSessionEnded        = errors.New("impersonation: session ended")
	ErrNotSessionOwner     = errors.New("impersonation: only the originating admin may end the session")
	ErrMissingOrganization = errors.New("impersonation: organization is required")
)

// Store persists sessions. Create and Transition write the audit entry in the
// same unit as the state change.
type Store interface {
	CreateSession(ctx context.Context, s Session, entry audit.Entry) error
	GetSession(ctx context.Context, id string) (Session, error)
	// TransitionSession moves an active session to a terminal status. It
	// reports false, without error, when the session was no longer active.
	TransitionSession(ctx context.Context, id string, to Status, at time.Time, entry audit.Entry) (Session, bool, error)
	ListActiveSessions(ctx context.Context, adminID string) ([]Session, error)
	OverdueSessions(ctx context.Context, now time.Time, limit int) ([]Session, error)
}
