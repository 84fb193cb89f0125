// README: Timeout sweeper cancels orders stuck before commitment and tallies the cancellations.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace/internal/logx"
	"marketplace/internal/metrics"
	"marketplace/internal/modules/order"
	"marketplace/internal/storage"
	"marketplace/internal/types"
)

type Orders interface {
	ListStale(ctx context.Context, q order.StaleQuery) ([]order.Order, error)
	Transition(ctx context.Context, cmd order.TransitionCommand) (*order.Order, error)
}

type Tally interface {
	Tally(ctx context.Context, userID, orderID types.ID) error
}

type Config struct {
	Interval time.Duration
	// PendingPaymentAfter is the age at which unpaid orders are cancelled.
	PendingPaymentAfter time.Duration
	// ConfirmedAfter, when set, also cancels orders the restaurant never
	// started preparing.
	ConfirmedAfter time.Duration
	BatchSize      int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.PendingPaymentAfter <= 0 {
		c.PendingPaymentAfter = 20 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

type rule struct {
	status order.Status
	after  time.Duration
	reason string
}

func (c Config) rules() []rule {
	rs := []rule{{status: order.StatusPendingPayment, after: c.PendingPaymentAfter, reason: order.ReasonPaymentTimeout}}
	if c.ConfirmedAfter > 0 {
		rs = append(rs, rule{status: order.StatusConfirmed, after: c.ConfirmedAfter, reason: "confirmation_timeout"})
	}
	return rs
}

type Summary struct {
	Cancelled int
	Skipped   int
	Failed    int
}

type Service struct {
	orders  Orders
	tally   Tally
	tx      storage.TxManager
	cfg     Config
	log     logx.Logger
	metrics *metrics.Collectors
	now     func() time.Time
}

func NewService(orders Orders, tally Tally, tx storage.TxManager, cfg Config, log logx.Logger, m *metrics.Collectors) *Service {
	if log == nil {
		log = logx.Nop()
	}
	return &Service{
		orders:  orders,
		tally:   tally,
		tx:      tx,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Sweep cancels every order past its deadline. Each cancellation and its
// tally commit together, so a failed tally leaves the order for the next
// run. Orders that moved on concurrently are skipped.
func (s *Service) Sweep(ctx context.Context) (Summary, error) {
	var (
		sum  Summary
		errs []error
	)
	now := s.now()
	for _, r := range s.cfg.rules() {
		if err := s.sweepRule(ctx, r, now.Add(-r.after), &sum); err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", r.status, err))
		}
	}
	s.metrics.Sweep(sum.Cancelled, sum.Failed)
	s.log.Info("sweep finished",
		logx.Event("sweep_finished"),
		logx.Int("cancelled", sum.Cancelled),
		logx.Int("skipped", sum.Skipped),
		logx.Int("failed", sum.Failed),
	)
	return sum, errors.Join(errs...)
}

// sweepRule walks stale orders by (created_at, id) so orders that keep
// failing never hide newer ones.
func (s *Service) sweepRule(ctx context.Context, r rule, cutoff time.Time, sum *Summary) error {
	q := order.StaleQuery{Status: r.status, CreatedBefore: cutoff, Limit: s.cfg.BatchSize}
	for {
		page, err := s.orders.ListStale(ctx, q)
		if err != nil {
			return err
		}
		for i := range page {
			s.cancelOne(ctx, &page[i], r, sum)
		}
		if len(page) < s.cfg.BatchSize {
			return nil
		}
		q = q.Next(page[len(page)-1])
	}
}

func (s *Service) cancelOne(ctx context.Context, o *order.Order, r rule, sum *Summary) {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.orders.Transition(ctx, order.TransitionCommand{
			OrderID: o.ID,
			From:    r.status,
			To:      order.StatusCancelled,
			Actor:   order.SystemActor,
			Notes:   fmt.Sprintf("%s after %s", r.reason, r.after),
			Reason:  r.reason,
		}); err != nil {
			return err
		}
		if s.tally == nil {
			return nil
		}
		if err := s.tally.Tally(ctx, o.CustomerID, o.ID); err != nil {
			return fmt.Errorf("tally: %w", err)
		}
		return nil
	})
	switch {
	case err == nil:
		sum.Cancelled++
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrConflict):
		sum.Skipped++
		s.log.Debug("sweep skipped order", logx.ID("order_id", o.ID), logx.Err(err))
	default:
		sum.Failed++
		s.log.Error("sweep cancel failed", logx.ID("order_id", o.ID), logx.Err(err))
	}
}

// RunTimeoutMonitor sweeps on every tick until ctx is done.
func (s *Service) RunTimeoutMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("sweep failed", logx.Err(err))
			}
		}
	}
}
