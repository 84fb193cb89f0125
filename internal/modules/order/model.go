// README: Order aggregate, status and actor definitions.
package order

import (
	"encoding/json"
	"time"

	"marketplace/internal/types"
)

type Status string

const (
	StatusNone                 Status = "none"
	StatusPendingPayment       Status = "pending_payment"
	StatusConfirmed            Status = "confirmed"
	StatusPreparing            Status = "preparing"
	StatusReady                Status = "ready"
	StatusAssigned             Status = "assigned"
	StatusOutForDelivery       Status = "out_for_delivery"
	StatusArrivedAtDestination Status = "arrived_at_destination"
	StatusDelivered            Status = "delivered"
	StatusCancelled            Status = "cancelled"
)

var allStatuses = []Status{
	StatusPendingPayment, StatusConfirmed, StatusPreparing, StatusReady, StatusAssigned,
	StatusOutForDelivery, StatusArrivedAtDestination, StatusDelivered, StatusCancelled,
}

// Valid reports whether s is a real order status. StatusNone only appears
// as the origin of the first audit entry.
func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Confirmable reports whether a delivery code may be checked in s.
func (s Status) Confirmable() bool {
	return s == StatusOutForDelivery || s == StatusArrivedAtDestination
}

type Role string

const (
	RoleCustomer   Role = "customer"
	RoleRestaurant Role = "restaurant"
	RoleCourier    Role = "courier"
	RoleSystem     Role = "system"
	RoleAdmin      Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleRestaurant, RoleCourier, RoleSystem, RoleAdmin:
		return true
	}
	return false
}

type Actor struct {
	ID   types.ID
	Role Role
}

// SystemActor is used for payment signals and timeouts.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

type Order struct {
	ID                  types.ID
	CustomerID          types.ID
	RestaurantID        types.ID
	CourierID           *types.ID
	Status              Status
	StatusVersion       int
	Total               types.Money
	Items               json.RawMessage
	Pickup              types.Point
	Dropoff             types.Point
	DeliveryCode        string
	CancelReason        *string
	EstimatedDeliveryAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// VisibleTo reports whether a may read the order and its audit trail.
func (o *Order) VisibleTo(a Actor) bool {
	switch a.Role {
	case RoleAdmin, RoleSystem:
		return true
	case RoleCustomer:
		return a.ID == o.CustomerID
	case RoleRestaurant:
		return a.ID == o.RestaurantID
	case RoleCourier:
		return o.CourierID != nil && *o.CourierID == a.ID
	}
	return false
}

func (o *Order) apply(u StatusUpdate) {
	o.Status = u.To
	o.StatusVersion++
	if u.CourierID != nil {
		id := *u.CourierID
		o.CourierID = &id
	}
	if u.CancelReason != nil {
		r := *u.CancelReason
		o.CancelReason = &r
	}
	o.UpdatedAt = u.At
}

// Event is one immutable audit entry.
type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorID    types.ID
	ActorRole  Role
	Notes      string
	CreatedAt  time.Time
}

// StatusUpdate is a compare-and-set against (status, status_version).
type StatusUpdate struct {
	OrderID      types.ID
	From         Status
	To           Status
	Version      int
	CourierID    *types.ID
	CancelReason *string
	At           time.Time
}

// StaleQuery pages through orders in status created before CreatedBefore,
// ordered by (created_at, id). A zero AfterID starts from the oldest order.
type StaleQuery struct {
	Status        Status
	CreatedBefore time.Time
	AfterCreated  time.Time
	AfterID       types.ID
	Limit         int
}

// Next returns the query for the page after the last order seen.
func (q StaleQuery) Next(last Order) StaleQuery {
	q.AfterCreated = last.CreatedAt
	q.AfterID = last.ID
	return q
}
