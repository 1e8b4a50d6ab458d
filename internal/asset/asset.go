package asset

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Type enumerates the provider resources an organization can be entitled to.
type Type string

const (
	TypeBusinessManager Type = "business_manager"
	TypeAdAccount       Type = "ad_account"
	TypePixel           Type = "pixel"
)

// Types lists the bindable types in display order.
var Types = []Type{TypeBusinessManager, TypeAdAccount, TypePixel}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeBusinessManager, TypeAdAccount, TypePixel:
		return true
	}
	return false
}

// Status mirrors the provider-side state reported by the sync collaborator.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

var (
	ErrNotFound    = errors.New("asset: not found")
	ErrInvalid     = errors.New("asset: invalid")
	ErrUnknownType = errors.New("asset: unknown type")
)

// Attributes is the closed set of per-type provider fields.
type Attributes interface {
	AssetType() Type
	sealed()
}

type BusinessManagerAttributes struct {
	BusinessID         string `json:"business_id" validate:"required"`
	VerificationStatus string `json:"verification_status,omitempty"`
	TimeZone           string `json:"time_zone,omitempty"`
}

type AdAccountAttributes struct {
	AccountID         string `json:"account_id" validate:"required"`
	Currency          string `json:"currency" validate:"required,len=3"`
	TimeZone          string `json:"time_zone,omitempty"`
	SpendCapCents     int64  `json:"spend_cap_cents,omitempty" validate:"gte=0"`
	BusinessManagerID string `json:"business_manager_id,omitempty"`
}

type PixelAttributes struct {
	PixelID           string `json:"pixel_id" validate:"required"`
	BusinessManagerID string `json:"business_manager_id,omitempty"`
	Domain            string `json:"domain,omitempty" validate:"omitempty,fqdn"`
}

func (BusinessManagerAttributes) AssetType() Type { return TypeBusinessManager }
func (AdAccountAttributes) AssetType() Type       { return TypeAdAccount }
func (PixelAttributes) AssetType() Type           { return TypePixel }

func (BusinessManagerAttributes) sealed() {}
func (AdAccountAttributes) sealed()       {}
func (PixelAttributes) sealed()           {}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateAttributes checks that attrs belongs to t and carries its required fields.
func ValidateAttributes(t Type, attrs Attributes) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if attrs == nil {
		return nil
	}
	if attrs.AssetType() != t {
		return fmt.Errorf("%w: %s attributes for %s asset", ErrInvalid, attrs.AssetType(), t)
	}
	if err := validate.Struct(attrs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// DecodeAttributes decodes raw JSON into the variant for t. Empty input yields nil.
func DecodeAttributes(t Type, raw json.RawMessage) (Attributes, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		attrs Attributes
		err   error
	)
	switch t {
	case TypeBusinessManager:
		var a BusinessManagerAttributes
		err = json.Unmarshal(raw, &a)
		attrs = a
	case TypeAdAccount:
		var a AdAccountAttributes
		err = json.Unmarshal(raw, &a)
		attrs = a
	case TypePixel:
		var a PixelAttributes
		err = json.Unmarshal(raw, &a)
		attrs = a
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return attrs, nil
}

// Asset is a provider resource known to the platform.
type Asset struct {
	ID         string     `json:"id"`
	Type       Type       `json:"type"`
	ExternalID string     `json:"external_id"`
	Name       string     `json:"name"`
	Status     Status     `json:"status"`
	Attributes Attributes `json:"-"`
	SyncedAt   time.Time  `json:"synced_at"`
}

type assetJSON struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	ExternalID string          `json:"external_id"`
	Name       string          `json:"name"`
	Status     Status          `json:"status"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	SyncedAt   time.Time       `json:"synced_at"`
}

func (a Asset) MarshalJSON() ([]byte, error) {
	out := assetJSON{ID: a.ID, Type: a.Type, ExternalID: a.ExternalID, Name: a.Name, Status: a.Status, SyncedAt: a.SyncedAt}
	if a.Attributes != nil {
		raw, err := json.Marshal(a.Attributes)
		if err != nil {
			return nil, err
		}
		out.Attributes = raw
	}
	return json.Marshal(out)
}

func (a *Asset) UnmarshalJSON(data []byte) error {
	var in assetJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	attrs, err := DecodeAttributes(in.Type, in.Attributes)
	if err != nil {
		return err
	}
	*a = Asset{ID: in.ID, Type: in.Type, ExternalID: in.ExternalID, Name: in.Name, Status: in.Status, Attributes: attrs, SyncedAt: in.SyncedAt}
	return nil
}

// Validate checks identity fields and the attribute variant.
func (a Asset) Validate() error {
	if a.ID == "" || a.ExternalID == "" {
		return fmt.Errorf("%w: id and external id are required", ErrInvalid)
	}
	switch a.Status {
	case StatusActive, StatusInactive, StatusSuspended:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalid, a.Status)
	}
	return ValidateAttributes(a.Type, a.Attributes)
}
