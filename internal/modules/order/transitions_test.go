package order

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"marketplace/internal/types"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPendingPayment, StatusConfirmed, true},
		{StatusPendingPayment, StatusPreparing, false},
		{StatusConfirmed, StatusPreparing, true},
		{StatusPreparing, StatusReady, true},
		{StatusReady, StatusAssigned, true},
		{StatusReady, StatusOutForDelivery, false},
		{StatusAssigned, StatusOutForDelivery, true},
		{StatusOutForDelivery, StatusArrivedAtDestination, true},
		{StatusOutForDelivery, StatusDelivered, true},
		{StatusArrivedAtDestination, StatusDelivered, true},
		{StatusArrivedAtDestination, StatusOutForDelivery, false},
		{StatusDelivered, StatusCancelled, false},
		{StatusCancelled, StatusPendingPayment, false},
		{StatusNone, StatusPendingPayment, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCancelledReachableFromEveryNonTerminal(t *testing.T) {
	for _, s := range allStatuses {
		if s.Terminal() {
			require.Empty(t, AllowedTransitions[s], "terminal %s has successors", s)
			continue
		}
		require.True(t, CanTransition(s, StatusCancelled), "%s cannot be cancelled", s)
	}
}

func TestEveryEdgeHasRoles(t *testing.T) {
	for from, next := range AllowedTransitions {
		for _, to := range next {
			require.NotEmpty(t, RolesFor(from, to), "%s -> %s has no roles", from, to)
		}
	}
	for e := range edgeRoles {
		require.True(t, CanTransition(e.from, e.to), "roles listed for missing edge %s -> %s", e.from, e.to)
	}
}

func TestAuthorize(t *testing.T) {
	courier := types.ID("c1")
	o := &Order{CustomerID: "u1", RestaurantID: "r1", Status: StatusPreparing}

	_, err := authorize(o, TransitionCommand{To: StatusReady, Actor: Actor{ID: "r1", Role: RoleRestaurant}})
	require.NoError(t, err)

	_, err = authorize(o, TransitionCommand{To: StatusReady, Actor: Actor{ID: "r2", Role: RoleRestaurant}})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = authorize(o, TransitionCommand{To: StatusReady, Actor: Actor{ID: "u1", Role: RoleCustomer}})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = authorize(o, TransitionCommand{To: StatusCancelled, Actor: Actor{ID: "u1", Role: RoleCustomer}})
	require.NoError(t, err)

	o.Status = StatusReady
	got, err := authorize(o, TransitionCommand{To: StatusAssigned, Actor: Actor{ID: courier, Role: RoleCourier}})
	require.NoError(t, err)
	require.Equal(t, courier, *got)

	_, err = authorize(o, TransitionCommand{To: StatusAssigned, Actor: Actor{ID: courier, Role: RoleCourier}, CourierID: "c2"})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = authorize(o, TransitionCommand{To: StatusAssigned, Actor: SystemActor})
	require.True(t, errors.Is(err, ErrBadRequest))

	_, err = authorize(o, TransitionCommand{To: StatusCancelled, Actor: Actor{ID: "u1", Role: RoleCustomer}})
	require.ErrorIs(t, err, ErrForbidden)

	o.Status = StatusOutForDelivery
	o.CourierID = &courier
	_, err = authorize(o, TransitionCommand{To: StatusDelivered, Actor: Actor{ID: "c2", Role: RoleCourier}})
	require.ErrorIs(t, err, ErrForbidden)
	_, err = authorize(o, TransitionCommand{To: StatusDelivered, Actor: Actor{ID: "admin", Role: RoleAdmin}})
	require.ErrorIs(t, err, ErrForbidden)
	_, err = authorize(o, TransitionCommand{To: StatusDelivered, Actor: Actor{ID: courier, Role: RoleCourier}})
	require.NoError(t, err)
}

func TestVisibleTo(t *testing.T) {
	courier := types.ID("c1")
	o := &Order{CustomerID: "u1", RestaurantID: "r1"}
	require.True(t, o.VisibleTo(Actor{ID: "u1", Role: RoleCustomer}))
	require.False(t, o.VisibleTo(Actor{ID: "u2", Role: RoleCustomer}))
	require.True(t, o.VisibleTo(Actor{ID: "r1", Role: RoleRestaurant}))
	require.False(t, o.VisibleTo(Actor{ID: courier, Role: RoleCourier}))
	o.CourierID = &courier
	require.True(t, o.VisibleTo(Actor{ID: courier, Role: RoleCourier}))
	require.True(t, o.VisibleTo(Actor{ID: "x", Role: RoleAdmin}))
}
