package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"marketplace/internal/modules/dispatch"
	"marketplace/internal/modules/order"
	"marketplace/internal/types"
)

// OfferStore implements dispatch.Store.
type OfferStore struct{ db *DB }

func (db *DB) Offers() *OfferStore { return &OfferStore{db: db} }

func cloneOffer(o dispatch.Offer) dispatch.Offer {
	if o.ResolvedAt != nil {
		at := *o.ResolvedAt
		o.ResolvedAt = &at
	}
	return o
}

func (s *OfferStore) InsertOffers(ctx context.Context, offers []dispatch.Offer) error {
	return s.db.exec(ctx, func(t *tables, undo func(func())) error {
		for _, o := range offers {
			if _, ok := t.orders[o.OrderID]; !ok {
				return order.ErrNotFound
			}
			if _, ok := t.offers[o.ID]; ok {
				return fmt.Errorf("duplicate offer id %s", o.ID)
			}
			id := o.ID
			t.offers[id] = cloneOffer(o)
			undo(func() { delete(t.offers, id) })
		}
		return nil
	})
}

func (s *OfferStore) Get(ctx context.Context, id types.ID) (*dispatch.Offer, error) {
	var out *dispatch.Offer
	err := s.db.exec(ctx, func(t *tables, _ func(func())) error {
		o, ok := t.offers[id]
		if !ok {
			return dispatch.ErrNotFound
		}
		c := cloneOffer(o)
		out = &c
		return nil
	})
	return out, err
}

func (s *OfferStore) GetForUpdate(ctx context.Context, id types.ID) (*dispatch.Offer, error) {
	return s.Get(ctx, id)
}

func (s *OfferStore) LockOrder(ctx context.Context, orderID types.ID) error {
	return s.db.exec(ctx, func(t *tables, _ func(func())) error {
		if _, ok := t.orders[orderID]; !ok {
			return order.ErrNotFound
		}
		return nil
	})
}

func (s *OfferStore) ListByOrder(ctx context.Context, orderID types.ID) ([]dispatch.Offer, error) {
	out, err := s.filter(ctx, func(o dispatch.Offer) bool { return o.OrderID == orderID })
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func (s *OfferStore) ListOpenByCourier(ctx context.Context, courierID types.ID) ([]dispatch.Offer, error) {
	out, err := s.filter(ctx, func(o dispatch.Offer) bool {
		return o.CourierID == courierID && o.State == dispatch.OfferOpen
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, err
}

func (s *OfferStore) filter(ctx context.Context, keep func(dispatch.Offer) bool) ([]dispatch.Offer, error) {
	var out []dispatch.Offer
	err := s.db.exec(ctx, func(t *tables, _ func(func())) error {
		for _, o := range t.offers {
			if keep(o) {
				out = append(out, cloneOffer(o))
			}
		}
		return nil
	})
	return out, err
}

func (s *OfferStore) Resolve(ctx context.Context, id types.ID, from, to dispatch.OfferState, at time.Time) (bool, error) {
	var ok bool
	err := s.db.exec(ctx, func(t *tables, undo func(func())) error {
		prev, found := t.offers[id]
		if !found || prev.State != from {
			return nil
		}
		t.offers[id] = resolved(prev, to, at)
		undo(func() { t.offers[id] = prev })
		ok = true
		return nil
	})
	return ok, err
}

func (s *OfferStore) SupersedeOpen(ctx context.Context, orderID, exceptID types.ID, at time.Time) (int, error) {
	return s.resolveWhere(ctx, dispatch.OfferSuperseded, at, func(o dispatch.Offer) bool {
		return o.OrderID == orderID && o.ID != exceptID
	})
}

func (s *OfferStore) ExpireLapsed(ctx context.Context, courierID types.ID, now time.Time) (int, error) {
	return s.resolveWhere(ctx, dispatch.OfferExpired, now, func(o dispatch.Offer) bool {
		return o.CourierID == courierID && !now.Before(o.ExpiresAt)
	})
}

// resolveWhere moves matching open offers to state.
func (s *OfferStore) resolveWhere(ctx context.Context, state dispatch.OfferState, at time.Time, match func(dispatch.Offer) bool) (int, error) {
	n := 0
	err := s.db.exec(ctx, func(t *tables, undo func(func())) error {
		for id, o := range t.offers {
			if o.State != dispatch.OfferOpen || !match(o) {
				continue
			}
			prev := o
			t.offers[id] = resolved(o, state, at)
			undo(func() { t.offers[id] = prev })
			n++
		}
		return nil
	})
	return n, err
}

func resolved(o dispatch.Offer, state dispatch.OfferState, at time.Time) dispatch.Offer {
	o.State = state
	o.ResolvedAt = &at
	return o
}
