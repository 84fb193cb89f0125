package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketplace/internal/events"
	"marketplace/internal/modules/dispatch"
	"marketplace/internal/modules/order"
	"marketplace/internal/testkit"
	"marketplace/internal/types"
)

func publish(t *testing.T, k *testkit.Kit, orderID types.ID) map[types.ID]dispatch.Offer {
	t.Helper()
	offers, err := k.Dispatch.PublishOffers(context.Background(), orderID)
	require.NoError(t, err)
	byCourier := make(map[types.ID]dispatch.Offer, len(offers))
	for _, o := range offers {
		byCourier[o.CourierID] = o
	}
	return byCourier
}

func TestPublishOffers(t *testing.T) {
	k := testkit.New(t, testkit.Options{Dispatch: dispatch.Config{FanOut: 5, OfferTTL: 30 * time.Second}})
	ctx := context.Background()
	o := k.ReadyOrder(t, "u1")

	offers, err := k.Dispatch.PublishOffers(ctx, o.ID)
	require.NoError(t, err)
	require.Empty(t, offers, "no couriers online")

	k.Online(t, "a", "b", "c")
	byCourier := publish(t, k, o.ID)
	require.Len(t, byCourier, 3)
	for _, off := range byCourier {
		require.Equal(t, dispatch.OfferOpen, off.State)
		require.Equal(t, testkit.Epoch.Add(30*time.Second), off.ExpiresAt)
	}
	require.Len(t, k.Events.Of(events.KindOfferPublished), 3)

	again := publish(t, k, o.ID)
	require.Empty(t, again, "couriers with live offers are skipped")

	k.Clock.Advance(31 * time.Second)
	require.Len(t, publish(t, k, o.ID), 3, "lapsed offers do not block a republish")
}

func TestPublishOffers_RequiresReadyOrder(t *testing.T) {
	k := testkit.New(t, testkit.Options{})
	k.Online(t, "a")
	o := k.NewOrder(t, "u1")

	_, err := k.Dispatch.PublishOffers(context.Background(), o.ID)
	require.ErrorIs(t, err, dispatch.ErrNotAssignable)

	_, err = k.Dispatch.PublishOffers(context.Background(), "missing")
	require.ErrorIs(t, err, order.ErrNotFound)
}

// B accepts first, A a moment later with a different offer.
func TestAcceptOffer_FirstCommitWins(t *testing.T) {
	k := testkit.New(t, testkit.Options{})
	ctx := context.Background()
	k.Online(t, "A", "B")
	o := k.ReadyOrder(t, "u1")
	offers := publish(t, k, o.ID)

	res, err := k.Dispatch.AcceptOffer(ctx, offers["B"].ID, "B")
	require.NoError(t, err)
	require.Equal(t, o.ID, res.OrderID)

	k.Clock.Advance(time.Millisecond)
	_, err = k.Dispatch.AcceptOffer(ctx, offers["A"].ID, "A")
	require.ErrorIs(t, err, dispatch.ErrAlreadyAssigned)

	got, err := k.Orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusAssigned, got.Status)
	require.Equal(t, types.ID("B"), *got.CourierID)

	a, err := k.DB.Offers().Get(ctx, offers["A"].ID)
	require.NoError(t, err)
	require.Equal(t, dispatch.OfferSuperseded, a.State)
	b, err := k.DB.Offers().Get(ctx, offers["B"].ID)
	require.NoError(t, err)
	require.Equal(t, dispatch.OfferAccepted, b.State)

	// the winner retrying gets the same answer
	again, err := k.Dispatch.AcceptOffer(ctx, offers["B"].ID, "B")
	require.NoError(t, err)
	require.Equal(t, res.OrderID, again.OrderID)
}

func TestAcceptOffer_ConcurrentAcceptsHaveOneWinner(t *testing.T) {
	const n = 12
	k := testkit.New(t, testkit.Options{Dispatch: dispatch.Config{FanOut: n}})
	ctx := context.Background()

	couriers := make([]types.ID, n)
	for i := range couriers {
		couriers[i] = types.ID(fmt.Sprintf("courier_%d", i))
	}
	k.Online(t, couriers...)
	o := k.ReadyOrder(t, "u1")
	offers := publish(t, k, o.ID)
	require.Len(t, offers, n)

	type result struct {
		courier types.ID
		err     error
	}
	start := make(chan struct{})
	results := make(chan result, n)
	var wg sync.WaitGroup
	for _, c := range couriers {
		wg.Add(1)
		go func(c types.ID) {
			defer wg.Done()
			<-start
			_, err := k.Dispatch.AcceptOffer(ctx, offers[c].ID, c)
			results <- result{courier: c, err: err}
		}(c)
	}
	close(start)
	wg.Wait()
	close(results)

	var winner types.ID
	for r := range results {
		if r.err == nil {
			require.Empty(t, winner, "second winner %s", r.courier)
			winner = r.courier
			continue
		}
		require.ErrorIs(t, r.err, dispatch.ErrAlreadyAssigned)
	}
	require.NotEmpty(t, winner)

	got, err := k.Orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, winner, *got.CourierID)

	all, err := k.DB.Offers().ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	accepted := 0
	for _, off := range all {
		if off.State == dispatch.OfferAccepted {
			accepted++
		}
	}
	require.Equal(t, 1, accepted)
}

func TestAcceptOffer_Expired(t *testing.T) {
	k := testkit.New(t, testkit.Options{Dispatch: dispatch.Config{OfferTTL: 20 * time.Second}})
	ctx := context.Background()
	k.Online(t, "a")
	o := k.ReadyOrder(t, "u1")
	offers := publish(t, k, o.ID)

	k.Clock.Advance(20 * time.Second)
	_, err := k.Dispatch.AcceptOffer(ctx, offers["a"].ID, "a")
	require.ErrorIs(t, err, dispatch.ErrExpired)

	off, err := k.DB.Offers().Get(ctx, offers["a"].ID)
	require.NoError(t, err)
	require.Equal(t, dispatch.OfferExpired, off.State)

	got, err := k.Orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusReady, got.Status)
}

func TestAcceptOffer_NotEligible(t *testing.T) {
	k := testkit.New(t, testkit.Options{})
	ctx := context.Background()
	k.Online(t, "a")
	o := k.ReadyOrder(t, "u1")
	offers := publish(t, k, o.ID)

	_, err := k.Dispatch.AcceptOffer(ctx, offers["a"].ID, "intruder")
	require.ErrorIs(t, err, dispatch.ErrNotEligible)

	_, err = k.Dispatch.AcceptOffer(ctx, "missing", "a")
	require.ErrorIs(t, err, dispatch.ErrNotFound)

	off, err := k.DB.Offers().Get(ctx, offers["a"].ID)
	require.NoError(t, err)
	require.Equal(t, dispatch.OfferOpen, off.State)
}

func TestAcceptOffer_CancelledOrderSupersedesOffers(t *testing.T) {
	k := testkit.New(t, testkit.Options{})
	ctx := context.Background()
	k.Online(t, "a", "b")
	o := k.ReadyOrder(t, "u1")
	offers := publish(t, k, o.ID)

	_, err := k.Orders.Cancel(ctx, order.CancelCommand{
		OrderID: o.ID,
		Actor:   order.Actor{ID: testkit.Restaurant, Role: order.RoleRestaurant},
		Reason:  "out of stock",
	})
	require.NoError(t, err)

	open, err := k.Dispatch.ListOpenOffers(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, open)

	_, err = k.Dispatch.AcceptOffer(ctx, offers["a"].ID, "a")
	require.ErrorIs(t, err, dispatch.ErrExpired)
}

func TestListOpenOffers_LazyExpiry(t *testing.T) {
	k := testkit.New(t, testkit.Options{Dispatch: dispatch.Config{OfferTTL: 30 * time.Second}})
	ctx := context.Background()
	k.Online(t, "a")
	first := k.ReadyOrder(t, "u1")
	publish(t, k, first.ID)

	k.Clock.Advance(20 * time.Second)
	second := k.ReadyOrder(t, "u2")
	publish(t, k, second.ID)

	open, err := k.Dispatch.ListOpenOffers(ctx, "a")
	require.NoError(t, err)
	require.Len(t, open, 2)

	k.Clock.Advance(15 * time.Second)
	open, err = k.Dispatch.ListOpenOffers(ctx, "a")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, second.ID, open[0].OrderID)

	all, err := k.DB.Offers().ListByOrder(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, dispatch.OfferExpired, all[0].State)
}

func TestAutoPublishOnReady(t *testing.T) {
	k := testkit.New(t, testkit.Options{Dispatch: dispatch.Config{AutoPublish: true}})
	ctx := context.Background()
	k.Online(t, "a", "b")
	o := k.ReadyOrder(t, "u1")

	all, err := k.DB.Offers().ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

type fixedETA struct {
	d   time.Duration
	err error
}

func (f fixedETA) Estimate(context.Context, types.Point, types.Point) (time.Duration, error) {
	return f.d, f.err
}

func TestAcceptOffer_StoresETA(t *testing.T) {
	k := testkit.New(t, testkit.Options{Estimator: fixedETA{d: 18 * time.Minute}})
	ctx := context.Background()
	k.Online(t, "a")
	o := k.ReadyOrder(t, "u1")
	offers := publish(t, k, o.ID)

	_, err := k.Dispatch.AcceptOffer(ctx, offers["a"].ID, "a")
	require.NoError(t, err)
	k.Dispatch.Wait()

	got, err := k.Orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EstimatedDeliveryAt)
	require.Equal(t, testkit.Epoch.Add(18*time.Minute), *got.EstimatedDeliveryAt)
}

func TestAcceptOffer_ETAFailureDoesNotUndoAssignment(t *testing.T) {
	k := testkit.New(t, testkit.Options{Estimator: fixedETA{err: errors.New("maps down")}})
	ctx := context.Background()
	k.Online(t, "a")
	o := k.ReadyOrder(t, "u1")
	offers := publish(t, k, o.ID)

	_, err := k.Dispatch.AcceptOffer(ctx, offers["a"].ID, "a")
	require.NoError(t, err)
	k.Dispatch.Wait()

	got, err := k.Orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusAssigned, got.Status)
	require.Nil(t, got.EstimatedDeliveryAt)
}
