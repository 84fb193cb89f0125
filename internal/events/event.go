// README: Domain events emitted after commits and the bus that fans them out.
package events

import (
	"context"
	"time"

	"marketplace/internal/types"
)

type Kind string

const (
	KindStatusChanged     Kind = "order.status_changed"
	KindDeliveryConfirmed Kind = "order.delivery_confirmed"
	KindOfferPublished    Kind = "dispatch.offer_published"
	KindUserBlocked       Kind = "penalty.user_blocked"
)

// Event is the single payload shape shared by every subscriber. Fields not
// relevant to a kind are left empty.
type Event struct {
	Kind       Kind         `json:"kind"`
	OrderID    types.ID     `json:"order_id,omitempty"`
	From       string       `json:"from,omitempty"`
	To         string       `json:"to,omitempty"`
	ActorID    types.ID     `json:"actor_id,omitempty"`
	ActorRole  string       `json:"actor_role,omitempty"`
	CourierID  types.ID     `json:"courier_id,omitempty"`
	CustomerID types.ID     `json:"customer_id,omitempty"`
	OfferID    types.ID     `json:"offer_id,omitempty"`
	UserID     types.ID     `json:"user_id,omitempty"`
	Until      *time.Time   `json:"until,omitempty"`
	Location   *types.Point `json:"location,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Emitter accepts events. Emit never fails from the caller's point of view.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Discard is an Emitter that drops everything.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}
