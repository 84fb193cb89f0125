package confirmation_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"marketplace/internal/events"
	"marketplace/internal/modules/confirmation"
	"marketplace/internal/modules/order"
	"marketplace/internal/testkit"
	"marketplace/internal/types"
)

func wrongCode(code string) string {
	if code == "0000" {
		return "1111"
	}
	return "0000"
}

func TestConfirm_FirstTry(t *testing.T) {
	k := testkit.New(t, testkit.Options{})
	ctx := context.Background()
	o := k.OutForDelivery(t, "u1", "c1")
	loc := &types.Point{Lat: -23.5614, Lng: -46.6559}

	res, err := k.Confirm.Confirm(ctx, confirmation.ConfirmCommand{OrderID: o.ID, CourierID: "c1", Code: o.DeliveryCode, Location: loc})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 0, res.Attempts)

	got, err := k.Orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusDelivered, got.Status)

	trail, err := k.Orders.Events(ctx, o.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	require.Equal(t, order.StatusDelivered, last.ToStatus)
	require.Equal(t, "location -23.561400,-46.655900", last.Notes)

	a, err := k.Confirm.Attempts(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, a.ConfirmedAt)
	require.Equal(t, *loc, *a.Location)

	confirmed := k.Events.Of(events.KindDeliveryConfirmed)
	require.Len(t, confirmed, 1)
	require.Equal(t, types.ID("u1"), confirmed[0].CustomerID)
}

func TestConfirm_WithoutLocation(t *testing.T) {
	k := testkit.New(t, testkit.Options{})
	ctx := context.Background()
	o := k.OutForDelivery(t, "u1", "c1")

	_, err := k.Orders.Transition(ctx, order.TransitionCommand{
		OrderID: o.ID,
		To:      order.StatusArrivedAtDestination,
		Actor:   order.Actor{ID: "c1", Role: order.RoleCourier},
	})
	require.NoError(t, err)

	_, err = k.Confirm.Confirm(ctx, confirmation.ConfirmCommand{OrderID: o.ID, CourierID: "c1", Code: o.DeliveryCode})
	require.NoError(t, err)

	trail, err := k.Orders.Events(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, "location unavailable", trail[len(trail)-1].Notes)
}

func TestConfirm_AttemptCeiling(t *testing.T) {
	k := testkit.New(t, testkit.Options{Confirmation: confirmation.Config{MaxAttempts: 5}})
	ctx := context.Background()
	o := k.OutForDelivery(t, "u1", "c1")
	bad := confirmation.ConfirmCommand{OrderID: o.ID, CourierID: "c1", Code: wrongCode(o.DeliveryCode)}

	for i := 1; i <= 5; i++ {
		_, err := k.Confirm.Confirm(ctx, bad)
		require.ErrorIs(t, err, confirmation.ErrInvalidCode)
		var ce *confirmation.CodeError
		require.True(t, errors.As(err, &ce))
		require.Equal(t, i, ce.Attempts)
		require.Equal(t, 5-i, ce.Remaining)
	}

	// the right code no longer helps
	_, err := k.Confirm.Confirm(ctx, confirmation.ConfirmCommand{OrderID: o.ID, CourierID: "c1", Code: o.DeliveryCode})
	require.ErrorIs(t, err, confirmation.ErrTooManyAttempts)

	a, err := k.Confirm.Attempts(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, 5, a.FailedAttempts)

	got, err := k.Orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusOutForDelivery, got.Status)

	require.ErrorIs(t, k.Confirm.Reset(ctx, o.ID, order.Actor{ID: "c1", Role: order.RoleCourier}), confirmation.ErrForbidden)
	require.NoError(t, k.Confirm.Reset(ctx, o.ID, order.Actor{ID: "ops", Role: order.RoleAdmin}))

	res, err := k.Confirm.Confirm(ctx, confirmation.ConfirmCommand{OrderID: o.ID, CourierID: "c1", Code: o.DeliveryCode})
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestConfirm_FailuresThenSuccessReportsAttempts(t *testing.T) {
	k := testkit.New(t, testkit.Options{})
	ctx := context.Background()
	o := k.OutForDelivery(t, "u1", "c1")

	for i := 0; i < 2; i++ {
		_, err := k.Confirm.Confirm(ctx, confirmation.ConfirmCommand{OrderID: o.ID, CourierID: "c1", Code: wrongCode(o.DeliveryCode)})
		require.ErrorIs(t, err, confirmation.ErrInvalidCode)
	}
	res, err := k.Confirm.Confirm(ctx, confirmation.ConfirmCommand{OrderID: o.ID, CourierID: "c1", Code: o.DeliveryCode})
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempts)
}

func TestConfirm_Rejections(t *testing.T) {
	k := testkit.New(t, testkit.Options{})
	ctx := context.Background()

	t.Run("wrong courier", func(t *testing.T) {
		o := k.OutForDelivery(t, "u1", "c1")
		_, err := k.Confirm.Confirm(ctx, confirmation.ConfirmCommand{OrderID: o.ID, CourierID: "c2", Code: o.DeliveryCode})
		require.ErrorIs(t, err, confirmation.ErrForbidden)
	})

	t.Run("assigned but not picked up", func(t *testing.T) {
		o := k.ReadyOrder(t, "u1")
		o, err := k.Orders.Transition(ctx, order.TransitionCommand{
			OrderID: o.ID,
			To:      order.StatusAssigned,
			Actor:   order.Actor{ID: "c1", Role: order.RoleCourier},
		})
		require.NoError(t, err)
		_, err = k.Confirm.Confirm(ctx, confirmation.ConfirmCommand{OrderID: o.ID, CourierID: "c1", Code: o.DeliveryCode})
		require.ErrorIs(t, err, confirmation.ErrWrongStatus)

		a, err := k.Confirm.Attempts(ctx, o.ID)
		require.NoError(t, err)
		require.Zero(t, a.FailedAttempts)
	})

	t.Run("already delivered", func(t *testing.T) {
		o := k.OutForDelivery(t, "u1", "c1")
		cmd := confirmation.ConfirmCommand{OrderID: o.ID, CourierID: "c1", Code: o.DeliveryCode}
		_, err := k.Confirm.Confirm(ctx, cmd)
		require.NoError(t, err)
		_, err = k.Confirm.Confirm(ctx, cmd)
		require.ErrorIs(t, err, confirmation.ErrWrongStatus)
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := k.Confirm.Confirm(ctx, confirmation.ConfirmCommand{OrderID: "missing", CourierID: "c1", Code: "1234"})
		require.ErrorIs(t, err, order.ErrNotFound)
	})
}

func TestConfirm_ConcurrentCorrectCodesDeliverOnce(t *testing.T) {
	k := testkit.New(t, testkit.Options{})
	ctx := context.Background()
	o := k.OutForDelivery(t, "u1", "c1")

	const n = 6
	start := make(chan struct{})
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = k.Confirm.Confirm(ctx, confirmation.ConfirmCommand{OrderID: o.ID, CourierID: "c1", Code: o.DeliveryCode})
		}(i)
	}
	close(start)
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, confirmation.ErrWrongStatus)
	}
	require.Equal(t, 1, ok)
	require.Len(t, k.Events.Of(events.KindDeliveryConfirmed), 1)
}
