// README: Block escalator counts cancellations and gates order creation.
package penalty

import (
	"context"
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
	// LockUser serialises escalation per user for the current transaction.
	LockUser(ctx context.Context, userID types.ID) error
	AddCancellation(ctx context.Context, userID, orderID types.ID, at time.Time) (bool, error)
	CountCancellations(ctx context.Context, userID types.ID, after time.Time) (int, error)
	LatestBlock(ctx context.Context, userID types.ID) (*Block, error)
	CountBlocks(ctx context.Context, userID types.ID) (int, error)
	InsertBlock(ctx context.Context, b *Block) error
	// ActiveBlocks lists flagged blocks with blocked_until after now,
	// latest blocked_until first.
	ActiveBlocks(ctx context.Context, userID types.ID, now time.Time) ([]Block, error)
	Deactivate(ctx context.Context, userID types.ID) (int, error)
}

type Deps struct {
	Events  events.Emitter
	Logger  logx.Logger
	Metrics *metrics.Collectors
	Now     func() time.Time
}

type Service struct {
	store   Store
	tx      storage.TxManager
	cfg     Config
	events  events.Emitter
	log     logx.Logger
	metrics *metrics.Collectors
	now     func() time.Time
}

func NewService(store Store, tx storage.TxManager, cfg Config, deps Deps) *Service {
	s := &Service{
		store:   store,
		tx:      tx,
		cfg:     cfg.withDefaults(),
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

// RecordCancellation tallies one cancelled order against the user and
// blocks the user once the threshold is reached inside the window. The
// window restarts at the user's latest block. Recording the same order
// twice has no effect.
func (s *Service) RecordCancellation(ctx context.Context, userID, orderID types.ID) (Outcome, error) {
	var out Outcome
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.LockUser(ctx, userID); err != nil {
			return err
		}
		now := s.now()
		inserted, err := s.store.AddCancellation(ctx, userID, orderID, now)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		out.Counted = true

		since := now.Add(-s.cfg.Window)
		latest, err := s.store.LatestBlock(ctx, userID)
		if err != nil {
			return err
		}
		if latest != nil && latest.BlockedAt.After(since) {
			since = latest.BlockedAt
		}
		if out.Count, err = s.store.CountCancellations(ctx, userID, since); err != nil {
			return err
		}
		if out.Count < s.cfg.Threshold {
			return nil
		}

		prior, err := s.store.CountBlocks(ctx, userID)
		if err != nil {
			return err
		}
		b := &Block{
			ID:                   types.NewID(),
			UserID:               userID,
			Type:                 BlockCancellations,
			BlockedAt:            now,
			BlockedUntil:         now.Add(s.cfg.duration(prior)),
			Reason:               fmt.Sprintf("%d cancelled orders within %s", out.Count, s.cfg.Window),
			CancelledOrdersCount: out.Count,
			IsActive:             true,
		}
		if err := s.store.InsertBlock(ctx, b); err != nil {
			return err
		}
		out.Block = b

		s.tx.AfterCommit(ctx, func(ctx context.Context) {
			s.metrics.BlockCreated()
			s.log.Info("user blocked",
				logx.Event("user_blocked"),
				logx.ID("user_id", userID),
				logx.Time("blocked_until", b.BlockedUntil),
				logx.Int("prior_blocks", prior),
			)
			until := b.BlockedUntil
			s.events.Emit(ctx, events.Event{
				Kind:       events.KindUserBlocked,
				UserID:     userID,
				OrderID:    orderID,
				Until:      &until,
				OccurredAt: now,
			})
		})
		return nil
	})
	return out, err
}

// Tally records a cancellation and drops the outcome.
func (s *Service) Tally(ctx context.Context, userID, orderID types.ID) error {
	_, err := s.RecordCancellation(ctx, userID, orderID)
	return err
}

// IsBlocked returns the block with the latest blocked_until among those
// still in force.
func (s *Service) IsBlocked(ctx context.Context, userID types.ID) (Status, error) {
	now := s.now()
	blocks, err := s.store.ActiveBlocks(ctx, userID, now)
	if err != nil {
		return Status{}, err
	}
	for i := range blocks {
		if blocks[i].ActiveAt(now) {
			b := blocks[i]
			return Status{Blocked: true, Block: &b}, nil
		}
	}
	return Status{}, nil
}

// CanCreateOrder surfaces lookup errors to the caller instead of allowing.
func (s *Service) CanCreateOrder(ctx context.Context, userID types.ID) (Decision, error) {
	st, err := s.IsBlocked(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("check blocks for %s: %w", userID, err)
	}
	if !st.Blocked {
		return Decision{Allowed: true}, nil
	}
	until := st.Block.BlockedUntil
	return Decision{Allowed: false, Reason: st.Block.Reason, Until: &until}, nil
}

// Admit is the order-creation gate.
func (s *Service) Admit(ctx context.Context, userID types.ID) error {
	d, err := s.CanCreateOrder(ctx, userID)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &BlockedError{Until: *d.Until, Reason: d.Reason}
	}
	return nil
}

// Lift deactivates every block of the user. Admins only.
func (s *Service) Lift(ctx context.Context, userID types.ID, actor order.Actor) error {
	if actor.Role != order.RoleAdmin {
		return fmt.Errorf("%w: lifting blocks requires admin", ErrForbidden)
	}
	n, err := s.store.Deactivate(ctx, userID)
	if err != nil {
		return err
	}
	s.log.Info("user blocks lifted",
		logx.Event("user_unblocked"),
		logx.ID("user_id", userID),
		logx.ID("actor_id", actor.ID),
		logx.Int("count", n),
	)
	return nil
}
