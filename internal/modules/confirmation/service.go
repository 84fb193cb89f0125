// README: Confirmation service checks the delivery code and completes the order.
package confirmation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"marketplace/internal/events"
	"marketplace/internal/logx"
	"marketplace/internal/metrics"
	"marketplace/internal/modules/order"
	"marketplace/internal/storage"
	"marketplace/internal/types"
)

type Store interface {
	// Lock returns the attempt row for the order, creating it if needed,
	// and holds it until the transaction ends.
	Lock(ctx context.Context, orderID types.ID) (*Attempts, error)
	RecordFailure(ctx context.Context, orderID types.ID, at time.Time) (int, error)
	RecordSuccess(ctx context.Context, orderID types.ID, at time.Time, loc *types.Point) error
	Reset(ctx context.Context, orderID types.ID) error
	Get(ctx context.Context, orderID types.ID) (*Attempts, error)
}

type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Transition(ctx context.Context, cmd order.TransitionCommand) (*order.Order, error)
}

type Deps struct {
	Events  events.Emitter
	Logger  logx.Logger
	Metrics *metrics.Collectors
	Now     func() time.Time
}

type Service struct {
	store       Store
	tx          storage.TxManager
	orders      Orders
	maxAttempts int
	events      events.Emitter
	log         logx.Logger
	metrics     *metrics.Collectors
	now         func() time.Time
}

func NewService(store Store, tx storage.TxManager, orders Orders, cfg Config, deps Deps) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	s := &Service{
		store:       store,
		tx:          tx,
		orders:      orders,
		maxAttempts: cfg.MaxAttempts,
		events:      deps.Events,
		log:         deps.Logger,
		metrics:     deps.Metrics,
		now:         deps.Now,
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

// Confirm validates the code for an order in delivery. A wrong code is
// counted and committed even though the call fails.
func (s *Service) Confirm(ctx context.Context, cmd ConfirmCommand) (*Result, error) {
	var (
		res     *Result
		outcome error
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if o.CourierID == nil || *o.CourierID != cmd.CourierID {
			outcome = fmt.Errorf("%w: not the assigned courier", ErrForbidden)
			return nil
		}
		if !o.Status.Confirmable() {
			outcome = fmt.Errorf("%w: order is %s", ErrWrongStatus, o.Status)
			return nil
		}

		a, err := s.store.Lock(ctx, o.ID)
		if err != nil {
			return err
		}
		// a concurrent confirm may have completed the order while we waited
		if o, err = s.orders.Get(ctx, cmd.OrderID); err != nil {
			return err
		}
		if !o.Status.Confirmable() {
			outcome = fmt.Errorf("%w: order is %s", ErrWrongStatus, o.Status)
			return nil
		}
		if a.FailedAttempts >= s.maxAttempts {
			outcome = ErrTooManyAttempts
			return nil
		}

		now := s.now()
		if subtle.ConstantTimeCompare([]byte(cmd.Code), []byte(o.DeliveryCode)) != 1 {
			n, err := s.store.RecordFailure(ctx, o.ID, now)
			if err != nil {
				return err
			}
			outcome = &CodeError{Attempts: n, Remaining: max(s.maxAttempts-n, 0)}
			return nil
		}

		if err := s.store.RecordSuccess(ctx, o.ID, now, cmd.Location); err != nil {
			return err
		}
		delivered, err := s.orders.Transition(ctx, order.TransitionCommand{
			OrderID: o.ID,
			To:      order.StatusDelivered,
			Actor:   order.Actor{ID: cmd.CourierID, Role: order.RoleCourier},
			Notes:   locationNote(cmd.Location),
		})
		if err != nil {
			return err
		}

		e := events.Event{
			Kind:       events.KindDeliveryConfirmed,
			OrderID:    o.ID,
			CourierID:  cmd.CourierID,
			CustomerID: o.CustomerID,
			Location:   cmd.Location,
			OccurredAt: now,
		}
		s.tx.AfterCommit(ctx, func(ctx context.Context) {
			s.events.Emit(ctx, e)
		})
		res = &Result{OrderID: delivered.ID, Success: true, Attempts: a.FailedAttempts}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := []logx.Field{logx.ID("order_id", cmd.OrderID), logx.ID("courier_id", cmd.CourierID)}
	if outcome != nil {
		s.metrics.Confirmation(outcomeLabel(outcome))
		s.log.Info("delivery confirmation rejected", append(fields, logx.Event("delivery_rejected"), logx.Err(outcome))...)
		return nil, outcome
	}
	s.metrics.Confirmation("confirmed")
	s.log.Info("delivery confirmed", append(fields,
		logx.Event("delivery_confirmed"),
		logx.Int("failed_attempts", res.Attempts),
		logx.Bool("has_location", cmd.Location != nil),
	)...)
	return res, nil
}

// Reset clears the attempt counter of an order. Admins only.
func (s *Service) Reset(ctx context.Context, orderID types.ID, actor order.Actor) error {
	if actor.Role != order.RoleAdmin {
		return fmt.Errorf("%w: reset requires admin", ErrForbidden)
	}
	if _, err := s.orders.Get(ctx, orderID); err != nil {
		return err
	}
	if err := s.store.Reset(ctx, orderID); err != nil {
		return err
	}
	s.log.Info("confirmation attempts reset",
		logx.Event("confirmation_reset"),
		logx.ID("order_id", orderID),
		logx.ID("actor_id", actor.ID),
	)
	return nil
}

func (s *Service) Attempts(ctx context.Context, orderID types.ID) (*Attempts, error) {
	return s.store.Get(ctx, orderID)
}

func locationNote(p *types.Point) string {
	if p == nil {
		return "location unavailable"
	}
	return fmt.Sprintf("location %.6f,%.6f", p.Lat, p.Lng)
}

func outcomeLabel(err error) string {
	var ce *CodeError
	switch {
	case errors.As(err, &ce):
		return "invalid_code"
	case errors.Is(err, ErrTooManyAttempts):
		return "too_many_attempts"
	case errors.Is(err, ErrWrongStatus):
		return "wrong_status"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	}
	return "rejected"
}
