package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"marketplace/internal/modules/confirmation"
	"marketplace/internal/modules/dispatch"
	"marketplace/internal/modules/order"
	"marketplace/internal/modules/penalty"
	"marketplace/internal/types"
)

type tables struct {
	orders      map[types.ID]order.Order
	events      map[types.ID][]order.Event
	nextEventID int64
	offers      map[types.ID]dispatch.Offer
	attempts    map[types.ID]confirmation.Attempts
	tallies     map[types.ID]map[types.ID]time.Time
	blocks      []penalty.Block
}

func newTables() tables {
	return tables{
		orders:   make(map[types.ID]order.Order),
		events:   make(map[types.ID][]order.Event),
		offers:   make(map[types.ID]dispatch.Offer),
		attempts: make(map[types.ID]confirmation.Attempts),
		tallies:  make(map[types.ID]map[types.ID]time.Time),
	}
}

// OrderStore implements order.Store.
type OrderStore struct{ db *DB }

func (db *DB) Orders() *OrderStore { return &OrderStore{db: db} }

func cloneOrder(o order.Order) *order.Order {
	if o.CourierID != nil {
		id := *o.CourierID
		o.CourierID = &id
	}
	if o.CancelReason != nil {
		r := *o.CancelReason
		o.CancelReason = &r
	}
	if o.EstimatedDeliveryAt != nil {
		at := *o.EstimatedDeliveryAt
		o.EstimatedDeliveryAt = &at
	}
	o.Items = append([]byte(nil), o.Items...)
	return &o
}

func (s *OrderStore) Insert(ctx context.Context, o *order.Order) error {
	return s.db.exec(ctx, func(t *tables, undo func(func())) error {
		if _, ok := t.orders[o.ID]; ok {
			return fmt.Errorf("%w: duplicate order id", order.ErrConflict)
		}
		t.orders[o.ID] = *cloneOrder(*o)
		undo(func() { delete(t.orders, o.ID) })
		return nil
	})
}

func (s *OrderStore) Get(ctx context.Context, id types.ID) (*order.Order, error) {
	var out *order.Order
	err := s.db.exec(ctx, func(t *tables, _ func(func())) error {
		o, ok := t.orders[id]
		if !ok {
			return order.ErrNotFound
		}
		out = cloneOrder(o)
		return nil
	})
	return out, err
}

// GetForUpdate is Get; transactions are already serialised.
func (s *OrderStore) GetForUpdate(ctx context.Context, id types.ID) (*order.Order, error) {
	return s.Get(ctx, id)
}

func (s *OrderStore) UpdateStatus(ctx context.Context, u order.StatusUpdate) (bool, error) {
	var ok bool
	err := s.db.exec(ctx, func(t *tables, undo func(func())) error {
		prev, found := t.orders[u.OrderID]
		if !found || prev.Status != u.From || prev.StatusVersion != u.Version {
			return nil
		}
		next := *cloneOrder(prev)
		next.Status = u.To
		next.StatusVersion++
		if u.CourierID != nil {
			id := *u.CourierID
			next.CourierID = &id
		}
		if u.CancelReason != nil {
			r := *u.CancelReason
			next.CancelReason = &r
		}
		next.UpdatedAt = u.At
		t.orders[u.OrderID] = next
		undo(func() { t.orders[u.OrderID] = prev })
		ok = true
		return nil
	})
	return ok, err
}

func (s *OrderStore) AppendEvent(ctx context.Context, e *order.Event) error {
	return s.db.exec(ctx, func(t *tables, undo func(func())) error {
		if _, ok := t.orders[e.OrderID]; !ok {
			return order.ErrNotFound
		}
		t.nextEventID++
		e.ID = t.nextEventID
		prev := t.events[e.OrderID]
		t.events[e.OrderID] = append(prev[:len(prev):len(prev)], *e)
		undo(func() {
			t.events[e.OrderID] = prev
			t.nextEventID--
		})
		return nil
	})
}

func (s *OrderStore) ListEvents(ctx context.Context, id types.ID) ([]order.Event, error) {
	var out []order.Event
	err := s.db.exec(ctx, func(t *tables, _ func(func())) error {
		out = append(out, t.events[id]...)
		return nil
	})
	return out, err
}

func (s *OrderStore) ListStale(ctx context.Context, q order.StaleQuery) ([]order.Order, error) {
	var out []order.Order
	err := s.db.exec(ctx, func(t *tables, _ func(func())) error {
		for _, o := range t.orders {
			if o.Status != q.Status || !o.CreatedAt.Before(q.CreatedBefore) {
				continue
			}
			if q.AfterID != "" && !staleAfter(o, q) {
				continue
			}
			out = append(out, *cloneOrder(o))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, err
}

// staleAfter reports whether o sorts after the query's cursor.
func staleAfter(o order.Order, q order.StaleQuery) bool {
	if o.CreatedAt.Equal(q.AfterCreated) {
		return o.ID > q.AfterID
	}
	return o.CreatedAt.After(q.AfterCreated)
}

func (s *OrderStore) SetEstimatedDelivery(ctx context.Context, id types.ID, at time.Time) error {
	return s.db.exec(ctx, func(t *tables, undo func(func())) error {
		prev, ok := t.orders[id]
		if !ok {
			return order.ErrNotFound
		}
		next := *cloneOrder(prev)
		next.EstimatedDeliveryAt = &at
		t.orders[id] = next
		undo(func() { t.orders[id] = prev })
		return nil
	})
}

// SetStatus overwrites the stored status without an audit entry. It
// exists to simulate a row that drifted from its audit trail.
func (s *OrderStore) SetStatus(id types.ID, status order.Status) {
	_ = s.db.exec(context.Background(), func(t *tables, _ func(func())) error {
		o := t.orders[id]
		o.Status = status
		t.orders[id] = o
		return nil
	})
}
