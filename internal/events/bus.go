package events

import (
	"context"
	"sync"
	"time"

	"marketplace/internal/logx"
)

// Handler is an in-process subscriber. Handlers run synchronously in Emit.
type Handler func(ctx context.Context, e Event)

// Sink is an outbound transport. Deliveries run asynchronously and their
// failures are logged, never returned.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	sinks    []Sink
	logger   logx.Logger
	timeout  time.Duration
	inflight sync.WaitGroup
}

func NewBus(logger logx.Logger, timeout time.Duration) *Bus {
	if logger == nil {
		logger = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bus{
		handlers: make(map[Kind][]Handler),
		logger:   logger,
		timeout:  timeout,
	}
}

func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *Bus) Emit(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Kind]...)
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, e)
	}

	// Deliveries outlive the request that caused them.
	base := context.WithoutCancel(ctx)
	for _, s := range sinks {
		b.inflight.Add(1)
		go func(s Sink) {
			defer b.inflight.Done()
			dctx, cancel := context.WithTimeout(base, b.timeout)
			defer cancel()
			if err := s.Deliver(dctx, e); err != nil {
				b.logger.Warn("event delivery failed",
					logx.String("sink", s.Name()),
					logx.String("kind", string(e.Kind)),
					logx.ID("order_id", e.OrderID),
					logx.Err(err),
				)
			}
		}(s)
	}
}

// Wait blocks until in-flight sink deliveries finish.
func (b *Bus) Wait() {
	b.inflight.Wait()
}
