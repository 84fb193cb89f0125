package memory

import (
	"context"
	"time"

	"marketplace/internal/modules/confirmation"
	"marketplace/internal/modules/order"
	"marketplace/internal/types"
)

// ConfirmationStore implements confirmation.Store.
type ConfirmationStore struct{ db *DB }

func (db *DB) Confirmations() *ConfirmationStore { return &ConfirmationStore{db: db} }

func cloneAttempts(a confirmation.Attempts) *confirmation.Attempts {
	if a.LastAttemptAt != nil {
		at := *a.LastAttemptAt
		a.LastAttemptAt = &at
	}
	if a.ConfirmedAt != nil {
		at := *a.ConfirmedAt
		a.ConfirmedAt = &at
	}
	if a.Location != nil {
		p := *a.Location
		a.Location = &p
	}
	return &a
}

func (s *ConfirmationStore) Lock(ctx context.Context, orderID types.ID) (*confirmation.Attempts, error) {
	var out *confirmation.Attempts
	err := s.db.exec(ctx, func(t *tables, undo func(func())) error {
		if _, ok := t.orders[orderID]; !ok {
			return order.ErrNotFound
		}
		a, ok := t.attempts[orderID]
		if !ok {
			a = confirmation.Attempts{OrderID: orderID}
			t.attempts[orderID] = a
			undo(func() { delete(t.attempts, orderID) })
		}
		out = cloneAttempts(a)
		return nil
	})
	return out, err
}

func (s *ConfirmationStore) update(ctx context.Context, orderID types.ID, fn func(a *confirmation.Attempts)) error {
	return s.db.exec(ctx, func(t *tables, undo func(func())) error {
		prev, ok := t.attempts[orderID]
		if !ok {
			return nil
		}
		next := cloneAttempts(prev)
		fn(next)
		t.attempts[orderID] = *next
		undo(func() { t.attempts[orderID] = prev })
		return nil
	})
}

func (s *ConfirmationStore) RecordFailure(ctx context.Context, orderID types.ID, at time.Time) (int, error) {
	var n int
	err := s.update(ctx, orderID, func(a *confirmation.Attempts) {
		a.FailedAttempts++
		a.LastAttemptAt = &at
		n = a.FailedAttempts
	})
	return n, err
}

func (s *ConfirmationStore) RecordSuccess(ctx context.Context, orderID types.ID, at time.Time, loc *types.Point) error {
	return s.update(ctx, orderID, func(a *confirmation.Attempts) {
		a.ConfirmedAt = &at
		a.LastAttemptAt = &at
		a.Location = nil
		if loc != nil {
			p := *loc
			a.Location = &p
		}
	})
}

func (s *ConfirmationStore) Reset(ctx context.Context, orderID types.ID) error {
	return s.update(ctx, orderID, func(a *confirmation.Attempts) { a.FailedAttempts = 0 })
}

func (s *ConfirmationStore) Get(ctx context.Context, orderID types.ID) (*confirmation.Attempts, error) {
	out := &confirmation.Attempts{OrderID: orderID}
	err := s.db.exec(ctx, func(t *tables, _ func(func())) error {
		if a, ok := t.attempts[orderID]; ok {
			out = cloneAttempts(a)
		}
		return nil
	})
	return out, err
}
