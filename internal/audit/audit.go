package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"adfunds.io/internal/ids"
)

// Roles recognised by authorization checks.
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
	RoleSystem     = "system"
	RolePayments   = "payments"
	RoleMember     = "member"
)

// Action names written to the audit log.
const (
	ActionWalletTopUp         = "ledger.wallet.topup"
	ActionTransfer            = "ledger.transfer"
	ActionTransferFailed      = "ledger.transfer.failed"
	ActionWithdrawal          = "ledger.withdrawal"
	ActionWithdrawalFailed    = "ledger.withdrawal.failed"
	ActionBindingCreate       = "entitlement.binding.create"
	ActionBindingRevoke       = "entitlement.binding.revoke"
	ActionApplicationSubmit   = "entitlement.application.submit"
	ActionApplicationProcess  = "entitlement.application.process"
	ActionApplicationReject   = "entitlement.application.reject"
	ActionApplicationFulfill  = "entitlement.application.fulfill"
	ActionImpersonationStart  = "impersonation.start"
	ActionImpersonationEnd    = "impersonation.end"
	ActionImpersonationExpire = "impersonation.expire"
)

// ErrInvalidEntry is returned by sinks for entries missing an action or actor.
var ErrInvalidEntry = errors.New("audit: entry requires action and actor")

// Actor is the principal behind a mutation. When an admin acts through an
// impersonation session, ID stays the admin while ActingAs names the target org.
type Actor struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	ActingAs       string   `json:"acting_as,omitempty"`
}

// System returns an actor for background jobs and collaborators.
func System(name string) Actor {
	return Actor{ID: "system:" + name, Roles: []string{RoleSystem}}
}

// HasRole reports whether the actor carries role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IsAdmin is true for platform administrators.
func (a Actor) IsAdmin() bool {
	return a.HasRole(RoleAdmin) || a.HasRole(RoleSuperAdmin)
}

// Privileged covers admins and internal system actors.
func (a Actor) Privileged() bool {
	return a.IsAdmin() || a.HasRole(RoleSystem)
}

// Impersonating is true when the actor acts through a session.
func (a Actor) Impersonating() bool {
	return a.SessionID != "" && a.ActingAs != ""
}

// MemberOf reports whether the actor may act for orgID without elevated rights.
func (a Actor) MemberOf(orgID string) bool {
	if orgID == "" {
		return false
	}
	if a.Impersonating() {
		return a.ActingAs == orgID
	}
	return a.OrganizationID == orgID
}

// Attribution renders "admin as org" for impersonated actors.
func (a Actor) Attribution() string {
	if a.Impersonating() {
		return a.ID + " as " + a.ActingAs
	}
	return a.ID
}

// Entry is one append-only audit record.
type Entry struct {
	ID         string            `json:"id"`
	ActorID    string            `json:"actor_id"`
	OnBehalfOf string            `json:"on_behalf_of,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   string            `json:"target_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewEntry stamps an entry for actor. Metadata is copied.
func NewEntry(actor Actor, action, targetType, targetID string, meta map[string]string) Entry {
	e := Entry{
		ID:         ids.WithPrefix(ids.PrefixAudit),
		ActorID:    actor.ID,
		SessionID:  actor.SessionID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  time.Now().UTC(),
	}
	if actor.Impersonating() {
		e.OnBehalfOf = actor.ActingAs
	}
	if len(meta) > 0 {
		e.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			e.Metadata[k] = v
		}
	}
	return e
}

// Validate checks the minimum fields every sink requires.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Action) == "" || strings.TrimSpace(e.ActorID) == "" {
		return ErrInvalidEntry
	}
	return nil
}

// Sink persists audit entries. Entries are never updated or deleted.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Tee fans entries out to every sink and returns the first error.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

type tee []Sink

func (t tee) Append(ctx context.Context, e Entry) error {
	var first error
	for _, s := range t {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
