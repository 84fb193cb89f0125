// README: Order service is the only writer of order status; every change goes through Transition.
package order

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"marketplace/internal/events"
	"marketplace/internal/logx"
	"marketplace/internal/metrics"
	"marketplace/internal/storage"
	"marketplace/internal/types"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("order state conflict")
	ErrBadRequest        = errors.New("bad request")
)

// ReasonPaymentFailed and ReasonPaymentTimeout are stored as cancel_reason.
const (
	ReasonPaymentFailed  = "payment_failed"
	ReasonPaymentTimeout = "payment_timeout"
)

type Store interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	GetForUpdate(ctx context.Context, id types.ID) (*Order, error)
	UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, id types.ID) ([]Event, error)
	ListStale(ctx context.Context, q StaleQuery) ([]Order, error)
	SetEstimatedDelivery(ctx context.Context, id types.ID, at time.Time) error
}

// Gate decides whether a customer may place a new order.
type Gate interface {
	Admit(ctx context.Context, userID types.ID) error
}

// Tally receives customer-initiated cancellations.
type Tally interface {
	Tally(ctx context.Context, userID, orderID types.ID) error
}

type Config struct {
	CodeLength int
}

type Deps struct {
	Gate    Gate
	Tally   Tally
	Events  events.Emitter
	Logger  logx.Logger
	Metrics *metrics.Collectors
	Now     func() time.Time
}

type Service struct {
	store   Store
	tx      storage.TxManager
	cfg     Config
	gate    Gate
	tally   Tally
	events  events.Emitter
	log     logx.Logger
	metrics *metrics.Collectors
	now     func() time.Time
}

func NewService(store Store, tx storage.TxManager, cfg Config, deps Deps) *Service {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 4
	}
	s := &Service{
		store:   store,
		tx:      tx,
		cfg:     cfg,
		gate:    deps.Gate,
		tally:   deps.Tally,
		events:  deps.Events,
		log:     deps.Logger,
		metrics: deps.Metrics,
		now:     deps.Now,
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

type CreateCommand struct {
	CustomerID   types.ID
	RestaurantID types.ID
	Total        types.Money
	Items        json.RawMessage
	Pickup       types.Point
	Dropoff      types.Point
}

type TransitionCommand struct {
	OrderID types.ID
	// From, when set, must be the current status.
	From  Status
	To    Status
	Actor Actor
	Notes string
	// CourierID is recorded when To is StatusAssigned.
	CourierID types.ID
	// Reason is recorded when To is StatusCancelled.
	Reason string
}

type CancelCommand struct {
	OrderID types.ID
	Actor   Actor
	Reason  string
}

type PaymentSignal struct {
	OrderID   types.ID
	Success   bool
	Reference string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Order, error) {
	if cmd.CustomerID == "" || cmd.RestaurantID == "" {
		return nil, fmt.Errorf("%w: customer and restaurant are required", ErrBadRequest)
	}
	if !cmd.Pickup.Valid() || !cmd.Dropoff.Valid() {
		return nil, fmt.Errorf("%w: invalid pickup or dropoff", ErrBadRequest)
	}
	if cmd.Total.IsNegative() {
		return nil, fmt.Errorf("%w: negative total", ErrBadRequest)
	}
	if s.gate == nil {
		return nil, errors.New("order: creation gate not configured")
	}
	if err := s.gate.Admit(ctx, cmd.CustomerID); err != nil {
		return nil, err
	}

	code, err := newDeliveryCode(s.cfg.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("generate delivery code: %w", err)
	}
	items := cmd.Items
	if len(items) == 0 {
		items = json.RawMessage("[]")
	}
	if cmd.Total.Currency == "" {
		cmd.Total.Currency = types.DefaultCurrency
	}

	now := s.now()
	o := &Order{
		ID:           types.NewID(),
		CustomerID:   cmd.CustomerID,
		RestaurantID: cmd.RestaurantID,
		Status:       StatusPendingPayment,
		Total:        cmd.Total,
		Items:        items,
		Pickup:       cmd.Pickup,
		Dropoff:      cmd.Dropoff,
		DeliveryCode: code,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.Insert(ctx, o); err != nil {
			return err
		}
		if err := s.store.AppendEvent(ctx, &Event{
			OrderID:    o.ID,
			FromStatus: StatusNone,
			ToStatus:   StatusPendingPayment,
			ActorID:    cmd.CustomerID,
			ActorRole:  RoleCustomer,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		s.afterTransition(ctx, o, StatusNone, Actor{ID: cmd.CustomerID, Role: RoleCustomer})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Transition moves an order along one edge of the state graph. The row and
// its audit entry are written in one transaction, guarded by the status
// version read under lock.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (*Order, error) {
	if !cmd.To.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrBadRequest, cmd.To)
	}
	var out *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.store.GetForUpdate(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		from := o.Status
		if cmd.From != "" && cmd.From != from {
			return fmt.Errorf("%w: order is %s, expected %s", ErrInvalidTransition, from, cmd.From)
		}
		if !CanTransition(from, cmd.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, cmd.To)
		}
		courierID, err := authorize(o, cmd)
		if err != nil {
			return err
		}

		u := StatusUpdate{
			OrderID:   o.ID,
			From:      from,
			To:        cmd.To,
			Version:   o.StatusVersion,
			CourierID: courierID,
			At:        s.now(),
		}
		if cmd.To == StatusCancelled && cmd.Reason != "" {
			reason := cmd.Reason
			u.CancelReason = &reason
		}
		ok, err := s.store.UpdateStatus(ctx, u)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		if err := s.store.AppendEvent(ctx, &Event{
			OrderID:    o.ID,
			FromStatus: from,
			ToStatus:   cmd.To,
			ActorID:    cmd.Actor.ID,
			ActorRole:  cmd.Actor.Role,
			Notes:      cmd.Notes,
			CreatedAt:  u.At,
		}); err != nil {
			return err
		}

		o.apply(u)
		out = o
		s.afterTransition(ctx, o, from, cmd.Actor)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) afterTransition(ctx context.Context, o *Order, from Status, actor Actor) {
	e := events.Event{
		Kind:       events.KindStatusChanged,
		OrderID:    o.ID,
		From:       string(from),
		To:         string(o.Status),
		ActorID:    actor.ID,
		ActorRole:  string(actor.Role),
		CustomerID: o.CustomerID,
		OccurredAt: o.UpdatedAt,
	}
	if o.CourierID != nil {
		e.CourierID = *o.CourierID
	}
	s.tx.AfterCommit(ctx, func(ctx context.Context) {
		s.metrics.Transition(string(from), string(e.To))
		s.log.Info("order transitioned",
			logx.Event("order_transitioned"),
			logx.ID("order_id", o.ID),
			logx.String("from", string(from)),
			logx.String("to", e.To),
			logx.String("actor_role", string(actor.Role)),
			logx.ID("actor_id", actor.ID),
		)
		s.events.Emit(ctx, e)
	})
}

// ApplyPayment is the only way out of pending_payment other than a cancel.
func (s *Service) ApplyPayment(ctx context.Context, sig PaymentSignal) (*Order, error) {
	cmd := TransitionCommand{
		OrderID: sig.OrderID,
		From:    StatusPendingPayment,
		To:      StatusConfirmed,
		Actor:   SystemActor,
	}
	if sig.Reference != "" {
		cmd.Notes = "payment " + sig.Reference
	}
	if !sig.Success {
		cmd.To = StatusCancelled
		cmd.Reason = ReasonPaymentFailed
	}
	return s.Transition(ctx, cmd)
}

// Cancel moves the order to cancelled. A customer's cancellation is
// tallied in the same transaction, so a failed tally rolls the cancel back.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Order, error) {
	var out *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.Transition(ctx, TransitionCommand{
			OrderID: cmd.OrderID,
			To:      StatusCancelled,
			Actor:   cmd.Actor,
			Notes:   cmd.Reason,
			Reason:  cmd.Reason,
		})
		if err != nil {
			return err
		}
		if cmd.Actor.Role == RoleCustomer && s.tally != nil {
			if err := s.tally.Tally(ctx, o.CustomerID, o.ID); err != nil {
				return fmt.Errorf("cancellation tally: %w", err)
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the order with its status taken from the last audit entry.
// A row without audit entries is treated as missing.
func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	trail, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(trail) == 0 {
		s.log.Error("order row without audit trail", logx.ID("order_id", id))
		return nil, ErrNotFound
	}
	if last := trail[len(trail)-1].ToStatus; last != o.Status {
		s.log.Warn("order status disagrees with audit trail",
			logx.Event("order_status_rederived"),
			logx.ID("order_id", id),
			logx.String("row_status", string(o.Status)),
			logx.String("audit_status", string(last)),
		)
		o.Status = last
	}
	return o, nil
}

// Events returns the ordered audit trail.
func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	trail, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(trail) == 0 {
		return nil, ErrNotFound
	}
	return trail, nil
}

func (s *Service) ListStale(ctx context.Context, q StaleQuery) ([]Order, error) {
	return s.store.ListStale(ctx, q)
}

func (s *Service) SetEstimatedDelivery(ctx context.Context, id types.ID, at time.Time) error {
	return s.store.SetEstimatedDelivery(ctx, id, at)
}

func newDeliveryCode(n int) (string, error) {
	buf := make([]byte, n)
	ten := big.NewInt(10)
	for i := range buf {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + d.Int64())
	}
	return string(buf), nil
}
