// README: Dispatch service publishes offers for ready orders and resolves the accept race.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketplace/internal/events"
	"marketplace/internal/logx"
	"marketplace/internal/metrics"
	"marketplace/internal/modules/order"
	"marketplace/internal/storage"
	"marketplace/internal/types"
)

var (
	ErrNotFound        = errors.New("offer not found")
	ErrNotEligible     = errors.New("courier not eligible for offer")
	ErrExpired         = errors.New("offer expired")
	ErrAlreadyAssigned = errors.New("order already assigned")
	ErrNotAssignable   = errors.New("order not assignable")
)

type Store interface {
	InsertOffers(ctx context.Context, offers []Offer) error
	Get(ctx context.Context, id types.ID) (*Offer, error)
	GetForUpdate(ctx context.Context, id types.ID) (*Offer, error)
	// LockOrder serialises accepts for one order.
	LockOrder(ctx context.Context, orderID types.ID) error
	ListByOrder(ctx context.Context, orderID types.ID) ([]Offer, error)
	ListOpenByCourier(ctx context.Context, courierID types.ID) ([]Offer, error)
	Resolve(ctx context.Context, id types.ID, from, to OfferState, at time.Time) (bool, error)
	SupersedeOpen(ctx context.Context, orderID, exceptID types.ID, at time.Time) (int, error)
	ExpireLapsed(ctx context.Context, courierID types.ID, now time.Time) (int, error)
}

type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Transition(ctx context.Context, cmd order.TransitionCommand) (*order.Order, error)
	SetEstimatedDelivery(ctx context.Context, id types.ID, at time.Time) error
}

// Couriers supplies eligible couriers near a point.
type Couriers interface {
	Candidates(ctx context.Context, at types.Point, n int) ([]types.ID, error)
}

type Estimator interface {
	Estimate(ctx context.Context, from, to types.Point) (time.Duration, error)
}

type Deps struct {
	Estimator Estimator
	Events    events.Emitter
	Logger    logx.Logger
	Metrics   *metrics.Collectors
	Now       func() time.Time
}

type Service struct {
	store    Store
	tx       storage.TxManager
	orders   Orders
	couriers Couriers
	cfg      Config
	eta      Estimator
	events   events.Emitter
	log      logx.Logger
	metrics  *metrics.Collectors
	now      func() time.Time

	bg sync.WaitGroup
}

func NewService(store Store, tx storage.TxManager, orders Orders, couriers Couriers, cfg Config, deps Deps) *Service {
	s := &Service{
		store:    store,
		tx:       tx,
		orders:   orders,
		couriers: couriers,
		cfg:      cfg.withDefaults(),
		eta:      deps.Estimator,
		events:   deps.Events,
		log:      deps.Logger,
		metrics:  deps.Metrics,
		now:      deps.Now,
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.log == nil {
		s.log = logx.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// PublishOffers opens offers for a ready, unassigned order. Couriers that
// already hold a live offer for the order are skipped.
func (s *Service) PublishOffers(ctx context.Context, orderID types.ID) ([]Offer, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := assignable(o); err != nil {
		return nil, err
	}
	candidates, err := s.couriers.Candidates(ctx, o.Pickup, s.cfg.FanOut)
	if err != nil {
		return nil, err
	}

	var published []Offer
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.LockOrder(ctx, orderID); err != nil {
			return err
		}
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if err := assignable(o); err != nil {
			return err
		}
		existing, err := s.store.ListByOrder(ctx, orderID)
		if err != nil {
			return err
		}

		now := s.now()
		live := make(map[types.ID]bool, len(existing))
		for i := range existing {
			if existing[i].State == OfferOpen && !existing[i].Lapsed(now) {
				live[existing[i].CourierID] = true
			}
		}
		for _, c := range candidates {
			if live[c] {
				continue
			}
			published = append(published, Offer{
				ID:        types.NewID(),
				OrderID:   orderID,
				CourierID: c,
				State:     OfferOpen,
				CreatedAt: now,
				ExpiresAt: now.Add(s.cfg.OfferTTL),
			})
		}
		if len(published) == 0 {
			return nil
		}
		if err := s.store.InsertOffers(ctx, published); err != nil {
			return err
		}
		s.tx.AfterCommit(ctx, func(ctx context.Context) {
			s.metrics.OffersPublished(len(published))
			s.log.Info("offers published",
				logx.Event("offers_published"),
				logx.ID("order_id", orderID),
				logx.Int("count", len(published)),
			)
			for _, off := range published {
				until := off.ExpiresAt
				s.events.Emit(ctx, events.Event{
					Kind:       events.KindOfferPublished,
					OrderID:    off.OrderID,
					OfferID:    off.ID,
					CourierID:  off.CourierID,
					Until:      &until,
					OccurredAt: off.CreatedAt,
				})
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return published, nil
}

func assignable(o *order.Order) error {
	if o.Status != order.StatusReady || o.CourierID != nil {
		return fmt.Errorf("%w: order %s is %s", ErrNotAssignable, o.ID, o.Status)
	}
	return nil
}

// AcceptOffer resolves one courier's claim on an order. At most one offer
// per order ends up accepted: the order row is locked first, and the
// ready -> assigned transition is a compare-and-set on the order status.
// Losing outcomes are committed (the offer is marked) before the error is
// returned.
func (s *Service) AcceptOffer(ctx context.Context, offerID, courierID types.ID) (*AcceptResult, error) {
	var (
		res     *AcceptResult
		outcome error
		won     *order.Order
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		off, err := s.store.Get(ctx, offerID)
		if err != nil {
			return err
		}
		if off.CourierID != courierID {
			outcome = ErrNotEligible
			return nil
		}
		if err := s.store.LockOrder(ctx, off.OrderID); err != nil {
			return err
		}
		if off, err = s.store.GetForUpdate(ctx, offerID); err != nil {
			return err
		}

		now := s.now()
		switch off.State {
		case OfferAccepted:
			res = &AcceptResult{OrderID: off.OrderID, OfferID: off.ID}
			return nil
		case OfferSuperseded:
			outcome = s.lostOutcome(ctx, off.OrderID)
			return nil
		case OfferExpired:
			outcome = ErrExpired
			return nil
		}
		if off.Lapsed(now) {
			if _, err := s.store.Resolve(ctx, off.ID, OfferOpen, OfferExpired, now); err != nil {
				return err
			}
			outcome = ErrExpired
			return nil
		}

		o, err := s.orders.Transition(ctx, order.TransitionCommand{
			OrderID:   off.OrderID,
			To:        order.StatusAssigned,
			Actor:     order.Actor{ID: courierID, Role: order.RoleCourier},
			CourierID: courierID,
			Notes:     "offer " + string(off.ID),
		})
		if errors.Is(err, order.ErrInvalidTransition) || errors.Is(err, order.ErrConflict) {
			if _, err := s.store.Resolve(ctx, off.ID, OfferOpen, OfferSuperseded, now); err != nil {
				return err
			}
			outcome = s.lostOutcome(ctx, off.OrderID)
			return nil
		}
		if err != nil {
			return err
		}

		ok, err := s.store.Resolve(ctx, off.ID, OfferOpen, OfferAccepted, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("offer %s changed under lock", off.ID)
		}
		if _, err := s.store.SupersedeOpen(ctx, off.OrderID, off.ID, now); err != nil {
			return err
		}
		res = &AcceptResult{OrderID: off.OrderID, OfferID: off.ID}
		won = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := []logx.Field{logx.ID("offer_id", offerID), logx.ID("courier_id", courierID)}
	switch {
	case outcome == nil && won == nil:
		s.metrics.Accept("repeat")
		return res, nil
	case outcome == nil:
		s.metrics.Accept("won")
		s.log.Info("offer accepted", append(fields, logx.Event("offer_accepted"), logx.ID("order_id", res.OrderID))...)
		s.estimateAsync(ctx, won)
		return res, nil
	case errors.Is(outcome, ErrAlreadyAssigned):
		s.metrics.Accept("lost_race")
		s.log.Debug("offer lost race", append(fields, logx.Event("offer_lost_race"))...)
	case errors.Is(outcome, ErrExpired):
		s.metrics.Accept("expired")
		s.log.Debug("offer expired", append(fields, logx.Event("offer_expired"))...)
	case errors.Is(outcome, ErrNotEligible):
		s.metrics.Accept("not_eligible")
		s.log.Warn("offer accept by wrong courier", append(fields, logx.Event("offer_not_eligible"))...)
	}
	return nil, outcome
}

// lostOutcome tells a courier whose offer died why: someone else got the
// order, or the order went away.
func (s *Service) lostOutcome(ctx context.Context, orderID types.ID) error {
	if cur, err := s.orders.Get(ctx, orderID); err == nil && cur.CourierID != nil {
		return ErrAlreadyAssigned
	}
	return ErrExpired
}

func (s *Service) estimateAsync(ctx context.Context, o *order.Order) {
	if s.eta == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		d, err := s.eta.Estimate(ctx, o.Pickup, o.Dropoff)
		if err != nil {
			s.log.Warn("eta estimate failed", logx.ID("order_id", o.ID), logx.Err(err))
			return
		}
		if err := s.orders.SetEstimatedDelivery(ctx, o.ID, s.now().Add(d)); err != nil {
			s.log.Warn("eta store failed", logx.ID("order_id", o.ID), logx.Err(err))
		}
	}()
}

// Wait blocks until background ETA updates have finished.
func (s *Service) Wait() {
	s.bg.Wait()
}

// ListOpenOffers returns the courier's live offers. Lapsed ones are
// expired on the way.
func (s *Service) ListOpenOffers(ctx context.Context, courierID types.ID) ([]Offer, error) {
	if n, err := s.store.ExpireLapsed(ctx, courierID, s.now()); err != nil {
		return nil, err
	} else if n > 0 {
		s.log.Debug("offers expired", logx.ID("courier_id", courierID), logx.Int("count", n))
	}
	return s.store.ListOpenByCourier(ctx, courierID)
}

// OnStatusChanged keeps the offer pool in step with the order: offers die
// when the order leaves ready, and new ones go out when it enters ready.
func (s *Service) OnStatusChanged(ctx context.Context, e events.Event) {
	if e.Kind != events.KindStatusChanged {
		return
	}
	if e.From == string(order.StatusReady) {
		n, err := s.store.SupersedeOpen(ctx, e.OrderID, "", s.now())
		if err != nil {
			s.log.Warn("supersede offers failed", logx.ID("order_id", e.OrderID), logx.Err(err))
		} else if n > 0 {
			s.log.Debug("offers superseded", logx.ID("order_id", e.OrderID), logx.Int("count", n))
		}
	}
	if e.To == string(order.StatusReady) && s.cfg.AutoPublish {
		if _, err := s.PublishOffers(ctx, e.OrderID); err != nil {
			s.log.Warn("auto publish failed", logx.ID("order_id", e.OrderID), logx.Err(err))
		}
	}
}
