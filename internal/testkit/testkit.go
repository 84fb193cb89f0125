// README: Memory-backed service graph with a controllable clock, shared by package tests.
package testkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketplace/internal/events"
	"marketplace/internal/logx"
	"marketplace/internal/modules/confirmation"
	"marketplace/internal/modules/courierpool"
	"marketplace/internal/modules/dispatch"
	"marketplace/internal/modules/order"
	"marketplace/internal/modules/penalty"
	"marketplace/internal/modules/timeout"
	"marketplace/internal/storage/memory"
	"marketplace/internal/types"
)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Recorder keeps every emitted event.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *Recorder) Handle(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Of(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type Options struct {
	Dispatch     dispatch.Config
	Confirmation confirmation.Config
	Penalty      penalty.Config
	Timeout      timeout.Config
	Estimator    dispatch.Estimator
}

type Kit struct {
	DB       *memory.DB
	Clock    *Clock
	Bus      *events.Bus
	Events   *Recorder
	Pool     *memory.CourierPool
	Couriers *courierpool.Service
	Orders   *order.Service
	Penalty  *penalty.Service
	Dispatch *dispatch.Service
	Confirm  *confirmation.Service
	Sweeper  *timeout.Service
}

// Epoch is the starting time of every kit clock.
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func New(t testing.TB, opts Options) *Kit {
	t.Helper()
	db := memory.New()
	clock := NewClock(Epoch)
	log := logx.Nop()
	bus := events.NewBus(log, time.Second)
	rec := &Recorder{}
	for _, k := range []events.Kind{events.KindStatusChanged, events.KindDeliveryConfirmed, events.KindOfferPublished, events.KindUserBlocked} {
		bus.Subscribe(k, rec.Handle)
	}

	pen := penalty.NewService(db.Penalties(), db, opts.Penalty, penalty.Deps{Events: bus, Logger: log, Now: clock.Now})
	orders := order.NewService(db.Orders(), db, order.Config{CodeLength: 4}, order.Deps{
		Gate:   pen,
		Tally:  pen,
		Events: bus,
		Logger: log,
		Now:    clock.Now,
	})

	pool := memory.NewCourierPool()
	pool.Now = clock.Now
	couriers := courierpool.NewService(pool, courierpool.Config{}, log).WithClock(clock.Now)

	disp := dispatch.NewService(db.Offers(), db, orders, couriers, opts.Dispatch, dispatch.Deps{
		Estimator: opts.Estimator,
		Events:    bus,
		Logger:    log,
		Now:       clock.Now,
	})
	bus.Subscribe(events.KindStatusChanged, disp.OnStatusChanged)

	conf := confirmation.NewService(db.Confirmations(), db, orders, opts.Confirmation, confirmation.Deps{
		Events: bus,
		Logger: log,
		Now:    clock.Now,
	})
	sweeper := timeout.NewService(orders, pen, db, opts.Timeout, log, nil).WithClock(clock.Now)

	return &Kit{
		DB:       db,
		Clock:    clock,
		Bus:      bus,
		Events:   rec,
		Pool:     pool,
		Couriers: couriers,
		Orders:   orders,
		Penalty:  pen,
		Dispatch: disp,
		Confirm:  conf,
		Sweeper:  sweeper,
	}
}

var (
	Restaurant = types.ID("restaurant-1")
	Pickup     = types.Point{Lat: -23.5505, Lng: -46.6333}
	Dropoff    = types.Point{Lat: -23.5614, Lng: -46.6559}
)

// NewOrder places an order for customer in pending_payment.
func (k *Kit) NewOrder(t testing.TB, customer types.ID) *order.Order {
	t.Helper()
	total, err := types.ParseMoney("42.50", "")
	require.NoError(t, err)
	o, err := k.Orders.Create(context.Background(), order.CreateCommand{
		CustomerID:   customer,
		RestaurantID: Restaurant,
		Total:        total,
		Items:        []byte(`[{"sku":"pizza","qty":1}]`),
		Pickup:       Pickup,
		Dropoff:      Dropoff,
	})
	require.NoError(t, err)
	return o
}

// ReadyOrder walks a new order up to ready.
func (k *Kit) ReadyOrder(t testing.TB, customer types.ID) *order.Order {
	t.Helper()
	ctx := context.Background()
	o := k.NewOrder(t, customer)
	_, err := k.Orders.ApplyPayment(ctx, order.PaymentSignal{OrderID: o.ID, Success: true})
	require.NoError(t, err)
	restaurant := order.Actor{ID: Restaurant, Role: order.RoleRestaurant}
	for _, to := range []order.Status{order.StatusPreparing, order.StatusReady} {
		o, err = k.Orders.Transition(ctx, order.TransitionCommand{OrderID: o.ID, To: to, Actor: restaurant})
		require.NoError(t, err)
	}
	return o
}

// OutForDelivery walks a new order to out_for_delivery with courier.
func (k *Kit) OutForDelivery(t testing.TB, customer, courier types.ID) *order.Order {
	t.Helper()
	ctx := context.Background()
	o := k.ReadyOrder(t, customer)
	actor := order.Actor{ID: courier, Role: order.RoleCourier}
	o, err := k.Orders.Transition(ctx, order.TransitionCommand{OrderID: o.ID, To: order.StatusAssigned, Actor: actor})
	require.NoError(t, err)
	o, err = k.Orders.Transition(ctx, order.TransitionCommand{OrderID: o.ID, To: order.StatusOutForDelivery, Actor: actor})
	require.NoError(t, err)
	return o
}

// Online puts couriers in the pool at the default pickup point.
func (k *Kit) Online(t testing.TB, couriers ...types.ID) {
	t.Helper()
	for i, c := range couriers {
		p := types.Point{Lat: Pickup.Lat + float64(i)*0.001, Lng: Pickup.Lng}
		require.NoError(t, k.Couriers.UpdateLocation(context.Background(), c, p))
	}
}
