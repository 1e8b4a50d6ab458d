package events

import (
	"context"
	"time"
)

// Kind names a change notification.
type Kind string

const (
	WalletChanged      Kind = "wallet.changed"
	BindingChanged     Kind = "binding.changed"
	ApplicationChanged Kind = "application.changed"
	SessionEnded       Kind = "session.ended"
)

// Event tells consumers that an organization's state moved. It carries a
// reference, not the new state; readers fetch the projection they need.
type Event struct {
	Kind           Kind      `json:"kind"`
	OrganizationID string    `json:"organization_id"`
	Reference      string    `json:"reference"`
	Status         string    `json:"status,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// New stamps an event with the current time.
func New(kind Kind, orgID, reference, status string) Event {
	return Event{Kind: kind, OrganizationID: orgID, Reference: reference, Status: status, OccurredAt: time.Now().UTC()}
}

// Publisher delivers events. Delivery is best effort; a failed publish never
// undoes a committed mutation.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and returns the first error.
func Multi(pubs ...Publisher) Publisher {
	return multi(pubs)
}

type multi []Publisher

func (m multi) Publish(ctx context.Context, evt Event) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}
