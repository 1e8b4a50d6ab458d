package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adfunds.io/internal/asset"
	"adfunds.io/internal/audit"
	"adfunds.io/internal/plan"
)

type BindingStatus string

const (
	BindingActive  BindingStatus = "active"
	BindingRevoked BindingStatus = "revoked"
)

// Binding grants one organization the use of one asset. At most one active
// binding exists per asset.
type Binding struct {
	ID             string        `json:"id"`
	AssetID        string        `json:"asset_id"`
	AssetType      asset.Type    `json:"asset_type"`
	OrganizationID string        `json:"organization_id"`
	Status         BindingStatus `json:"status"`
	BoundAt        time.Time     `json:"bound_at"`
	BoundBy        string        `json:"bound_by"`
	RevokedAt      *time.Time    `json:"revoked_at,omitempty"`
	RevokedBy      string        `json:"revoked_by,omitempty"`
}

type ApplicationStatus string

const (
	ApplicationPending    ApplicationStatus = "pending"
	ApplicationProcessing ApplicationStatus = "processing"
	ApplicationFulfilled  ApplicationStatus = "fulfilled"
	ApplicationRejected   ApplicationStatus = "rejected"
)

// Open applications hold a slot against the plan limit.
func (s ApplicationStatus) Open() bool {
	return s == ApplicationPending || s == ApplicationProcessing
}

// Application is a request for a new asset awaiting provisioning.
type Application struct {
	ID              string            `json:"id"`
	OrganizationID  string            `json:"organization_id"`
	RequestType     asset.Type        `json:"request_type"`
	Status          ApplicationStatus `json:"status"`
	Attributes      asset.Attributes  `json:"attributes,omitempty"`
	AssetID         string            `json:"asset_id,omitempty"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
	SubmittedBy     string            `json:"submitted_by"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Usage is the allocation picture for one asset type.
type Usage struct {
	Type    asset.Type `json:"type"`
	Active  int        `json:"active"`
	Pending int        `json:"pending"`
	Limit   int        `json:"limit"`
}

// Available reports remaining slots, -1 when unlimited.
func (u Usage) Available() int {
	if u.Limit == plan.Unlimited {
		return plan.Unlimited
	}
	if left := u.Limit - u.Active - u.Pending; left > 0 {
		return left
	}
	return 0
}

var (
	ErrAssetAlreadyBound   = errors.New("entitlement: asset already bound to an organization")
	ErrPlanLimitExceeded   = errors.New("entitlement: plan limit exceeded")
	ErrAdminAccessRequired = errors.New("entitlement: admin access required")
	ErrBindingNotFound     = errors.New("entitlement: binding not found")
	ErrApplicationNotFound = errors.New("entitlement: application not found")
	ErrApplicationClosed   = errors.New("entitlement: application is no longer open")
	ErrAssetTypeMismatch   = errors.New("entitlement: asset type does not match request")
	ErrAssetInactive       = errors.New("entitlement: asset is not active")
	ErrUnsupportedType     = errors.New("entitlement: asset type is not allocatable")
)

// LimitError describes a refused allocation.
type LimitError struct {
	Type    asset.Type
	Limit   int
	Active  int
	Pending int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s limit %d, active %d, pending %d", ErrPlanLimitExceeded, e.Type, e.Limit, e.Active, e.Pending)
}

func (e *LimitError) Unwrap() error { return ErrPlanLimitExceeded }

// CheckLimit is the allocation rule: active + pending < limit, or unlimited.
func CheckLimit(p plan.Plan, t asset.Type, active, pending int) error {
	limit, ok := p.Limits.For(t)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, t)
	}
	if !plan.Allows(limit, active+pending) {
		return &LimitError{Type: t, Limit: limit, Active: active, Pending: pending}
	}
	return nil
}

// Service defines entitlement operations.
type Service interface {
	CanAllocate(ctx context.Context, orgID string, t asset.Type) (bool, error)
	BindAsset(ctx context.Context, orgID, assetID string, actor audit.Actor) (Binding, error)
	RevokeBinding(ctx context.Context, bindingID string, actor audit.Actor) (Binding, error)
	SubmitApplication(ctx context.Context, orgID string, t asset.Type, attrs asset.Attributes, actor audit.Actor) (Application, error)
	MarkProcessing(ctx context.Context, applicationID string, actor audit.Actor) (Application, error)
	RejectApplication(ctx context.Context, applicationID, reason string, actor audit.Actor) (Application, error)
	FulfillApplication(ctx context.Context, applicationID, assetID string, actor audit.Actor) (Binding, error)
	ListBindings(ctx context.Context, orgID string) ([]Binding, error)
	ListApplications(ctx context.Context, orgID string) ([]Application, error)
	Usage(ctx context.Context, orgID string) ([]Usage, error)
	ActiveBinding(ctx context.Context, orgID, assetID string) (bool, error)
}

// PlanResolver yields the plan in force for an organization.
type PlanResolver interface {
	PlanFor(ctx context.Context, orgID string) (plan.Plan, error)
}

// Authorize allows members of orgID and privileged actors. An impersonating
// admin is confined to the session's organization.
func Authorize(actor audit.Actor, orgID string) error {
	if actor.Impersonating() {
		if actor.ActingAs == orgID {
			return nil
		}
		return ErrAdminAccessRequired
	}
	if actor.MemberOf(orgID) || actor.Privileged() {
		return nil
	}
	return ErrAdminAccessRequired
}

// RequireOperator allows only admins and system actors acting in their own
// name. Impersonation never grants operator actions.
func RequireOperator(actor audit.Actor) error {
	if actor.Privileged() && !actor.Impersonating() {
		return nil
	}
	return ErrAdminAccessRequired
}
