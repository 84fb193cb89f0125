// README: Order state flow and the roles allowed on each edge.
package order

import (
	"fmt"

	"marketplace/internal/types"
)

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPendingPayment:       {StatusConfirmed, StatusCancelled},
	StatusConfirmed:            {StatusPreparing, StatusCancelled},
	StatusPreparing:            {StatusReady, StatusCancelled},
	StatusReady:                {StatusAssigned, StatusCancelled},
	StatusAssigned:             {StatusOutForDelivery, StatusCancelled},
	StatusOutForDelivery:       {StatusArrivedAtDestination, StatusDelivered, StatusCancelled},
	StatusArrivedAtDestination: {StatusDelivered, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

type edge struct {
	from, to Status
}

var edgeRoles = map[edge][]Role{
	{StatusPendingPayment, StatusConfirmed}:             {RoleSystem},
	{StatusConfirmed, StatusPreparing}:                  {RoleRestaurant, RoleAdmin},
	{StatusPreparing, StatusReady}:                      {RoleRestaurant, RoleAdmin},
	{StatusReady, StatusAssigned}:                       {RoleCourier, RoleSystem},
	{StatusAssigned, StatusOutForDelivery}:              {RoleCourier, RoleAdmin},
	{StatusOutForDelivery, StatusArrivedAtDestination}:  {RoleCourier, RoleAdmin},
	{StatusOutForDelivery, StatusDelivered}:             {RoleCourier},
	{StatusArrivedAtDestination, StatusDelivered}:       {RoleCourier},
	{StatusPendingPayment, StatusCancelled}:             {RoleCustomer, RoleSystem, RoleAdmin},
	{StatusConfirmed, StatusCancelled}:                  {RoleCustomer, RoleRestaurant, RoleSystem, RoleAdmin},
	{StatusPreparing, StatusCancelled}:                  {RoleCustomer, RoleRestaurant, RoleSystem, RoleAdmin},
	{StatusReady, StatusCancelled}:                      {RoleRestaurant, RoleSystem, RoleAdmin},
	{StatusAssigned, StatusCancelled}:                   {RoleRestaurant, RoleSystem, RoleAdmin},
	{StatusOutForDelivery, StatusCancelled}:             {RoleSystem, RoleAdmin},
	{StatusArrivedAtDestination, StatusCancelled}:       {RoleSystem, RoleAdmin},
}

// RolesFor lists the roles permitted on from -> to.
func RolesFor(from, to Status) []Role {
	return edgeRoles[edge{from, to}]
}

func roleAllowed(from, to Status, r Role) bool {
	for _, allowed := range edgeRoles[edge{from, to}] {
		if allowed == r {
			return true
		}
	}
	return false
}

// authorize checks role and ownership for cmd against the current row and
// returns the courier to record when the order becomes assigned.
func authorize(o *Order, cmd TransitionCommand) (*types.ID, error) {
	actor := cmd.Actor
	if !roleAllowed(o.Status, cmd.To, actor.Role) {
		return nil, fmt.Errorf("%w: role %s on %s -> %s", ErrForbidden, actor.Role, o.Status, cmd.To)
	}

	switch actor.Role {
	case RoleCustomer:
		if actor.ID != o.CustomerID {
			return nil, fmt.Errorf("%w: not the order's customer", ErrForbidden)
		}
	case RoleRestaurant:
		if actor.ID != o.RestaurantID {
			return nil, fmt.Errorf("%w: not the order's restaurant", ErrForbidden)
		}
	case RoleCourier:
		if cmd.To == StatusAssigned {
			if cmd.CourierID != "" && cmd.CourierID != actor.ID {
				return nil, fmt.Errorf("%w: couriers assign only themselves", ErrForbidden)
			}
		} else if o.CourierID == nil || *o.CourierID != actor.ID {
			return nil, fmt.Errorf("%w: not the assigned courier", ErrForbidden)
		}
	}

	if cmd.To != StatusAssigned {
		return nil, nil
	}
	courierID := cmd.CourierID
	if courierID == "" && actor.Role == RoleCourier {
		courierID = actor.ID
	}
	if courierID == "" {
		return nil, fmt.Errorf("%w: courier id required", ErrBadRequest)
	}
	return &courierID, nil
}
