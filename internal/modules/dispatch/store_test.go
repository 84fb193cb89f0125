package dispatch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketplace/internal/modules/courierpool"
	"marketplace/internal/modules/dispatch"
	"marketplace/internal/modules/order"
	"marketplace/internal/modules/penalty"
	"marketplace/internal/storage/memory"
	pg "marketplace/internal/storage/postgres"
	"marketplace/internal/storage/postgres/pgtest"
	"marketplace/internal/types"
)

type pgGraph struct {
	orders   *order.Service
	dispatch *dispatch.Service
	offers   *dispatch.PGStore
	couriers *courierpool.Service
}

func setupPG(t *testing.T, cfg dispatch.Config) *pgGraph {
	t.Helper()
	pool := pgtest.Pool(t)
	tx := pg.NewTxManager(pool)

	pen := penalty.NewService(penalty.NewPGStore(pool), tx, penalty.Config{}, penalty.Deps{})
	orders := order.NewService(order.NewPGStore(pool), tx, order.Config{}, order.Deps{Gate: pen, Tally: pen})
	couriers := courierpool.NewService(memory.NewCourierPool(), courierpool.Config{}, nil)
	offers := dispatch.NewPGStore(pool)
	return &pgGraph{
		orders:   orders,
		dispatch: dispatch.NewService(offers, tx, orders, couriers, cfg, dispatch.Deps{}),
		offers:   offers,
		couriers: couriers,
	}
}

func (g *pgGraph) readyOrder(t *testing.T) *order.Order {
	t.Helper()
	ctx := context.Background()
	total, err := types.ParseMoney("30.00", "")
	require.NoError(t, err)
	o, err := g.orders.Create(ctx, order.CreateCommand{
		CustomerID:   "u1",
		RestaurantID: "r1",
		Total:        total,
		Pickup:       types.Point{Lat: -23.55, Lng: -46.63},
		Dropoff:      types.Point{Lat: -23.56, Lng: -46.65},
	})
	require.NoError(t, err)
	_, err = g.orders.ApplyPayment(ctx, order.PaymentSignal{OrderID: o.ID, Success: true})
	require.NoError(t, err)
	r := order.Actor{ID: "r1", Role: order.RoleRestaurant}
	for _, to := range []order.Status{order.StatusPreparing, order.StatusReady} {
		o, err = g.orders.Transition(ctx, order.TransitionCommand{OrderID: o.ID, To: to, Actor: r})
		require.NoError(t, err)
	}
	return o
}

func TestPGStore_ResolveIsCompareAndSet(t *testing.T) {
	g := setupPG(t, dispatch.Config{})
	ctx := context.Background()
	o := g.readyOrder(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	offers := []dispatch.Offer{
		{ID: types.NewID(), OrderID: o.ID, CourierID: "a", State: dispatch.OfferOpen, CreatedAt: now, ExpiresAt: now.Add(time.Minute)},
		{ID: types.NewID(), OrderID: o.ID, CourierID: "b", State: dispatch.OfferOpen, CreatedAt: now, ExpiresAt: now.Add(-time.Second)},
	}
	require.NoError(t, g.offers.InsertOffers(ctx, offers))

	ok, err := g.offers.Resolve(ctx, offers[0].ID, dispatch.OfferOpen, dispatch.OfferAccepted, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = g.offers.Resolve(ctx, offers[0].ID, dispatch.OfferOpen, dispatch.OfferExpired, now)
	require.NoError(t, err)
	require.False(t, ok)

	n, err := g.offers.ExpireLapsed(ctx, "b", now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := g.offers.Get(ctx, offers[1].ID)
	require.NoError(t, err)
	require.Equal(t, dispatch.OfferExpired, got.State)
	require.NotNil(t, got.ResolvedAt)

	_, err = g.offers.Get(ctx, "missing")
	require.ErrorIs(t, err, dispatch.ErrNotFound)
	require.ErrorIs(t, g.offers.LockOrder(ctx, "missing"), order.ErrNotFound)
}

func TestPG_ConcurrentAcceptsHaveOneWinner(t *testing.T) {
	const n = 8
	g := setupPG(t, dispatch.Config{FanOut: n})
	ctx := context.Background()
	o := g.readyOrder(t)

	for i := 0; i < n; i++ {
		c := types.ID(fmt.Sprintf("courier_%d", i))
		require.NoError(t, g.couriers.UpdateLocation(ctx, c, o.Pickup))
	}
	offers, err := g.dispatch.PublishOffers(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, offers, n)

	start := make(chan struct{})
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, off := range offers {
		wg.Add(1)
		go func(i int, off dispatch.Offer) {
			defer wg.Done()
			<-start
			_, errs[i] = g.dispatch.AcceptOffer(ctx, off.ID, off.CourierID)
		}(i, off)
	}
	close(start)
	wg.Wait()

	winners := 0
	var winner types.ID
	for i, err := range errs {
		if err == nil {
			winners++
			winner = offers[i].CourierID
			continue
		}
		require.ErrorIs(t, err, dispatch.ErrAlreadyAssigned)
	}
	require.Equal(t, 1, winners)

	got, err := g.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusAssigned, got.Status)
	require.Equal(t, winner, *got.CourierID)

	trail, err := g.orders.Events(ctx, o.ID)
	require.NoError(t, err)
	assigned := 0
	for _, e := range trail {
		if e.ToStatus == order.StatusAssigned {
			assigned++
		}
	}
	require.Equal(t, 1, assigned)
}
