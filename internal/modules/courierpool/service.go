// README: Courier pool service validates presence updates and samples offer recipients.
package courierpool

import (
	"context"
	"fmt"
	"time"

	"marketplace/internal/logx"
	"marketplace/internal/types"
)

type Store interface {
	Upsert(ctx context.Context, p Presence, ttl time.Duration) error
	Remove(ctx context.Context, id types.ID) error
	Nearby(ctx context.Context, p types.Point, radiusKm float64, count int) ([]types.ID, error)
}

type Service struct {
	store Store
	cfg   Config
	log   logx.Logger
	now   func() time.Time
}

func NewService(store Store, cfg Config, log logx.Logger) *Service {
	if log == nil {
		log = logx.Nop()
	}
	return &Service{store: store, cfg: cfg.withDefaults(), log: log, now: time.Now}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) UpdateLocation(ctx context.Context, courierID types.ID, pos types.Point) error {
	if courierID == "" {
		return fmt.Errorf("%w: courier id required", ErrBadRequest)
	}
	if !pos.Valid() {
		return fmt.Errorf("%w: invalid position", ErrBadRequest)
	}
	return s.store.Upsert(ctx, Presence{CourierID: courierID, Position: pos, SeenAt: s.now()}, s.cfg.PresenceTTL)
}

func (s *Service) GoOffline(ctx context.Context, courierID types.ID) error {
	if courierID == "" {
		return fmt.Errorf("%w: courier id required", ErrBadRequest)
	}
	return s.store.Remove(ctx, courierID)
}

// Candidates picks up to n couriers at random among the nearest pool
// around at. The pool grows to n when n exceeds PoolSize.
func (s *Service) Candidates(ctx context.Context, at types.Point, n int) ([]types.ID, error) {
	pool, err := s.store.Nearby(ctx, at, s.cfg.RadiusKm, max(s.cfg.PoolSize, n))
	if err != nil {
		return nil, fmt.Errorf("nearby couriers: %w", err)
	}
	picked := PickRandom(pool, n)
	s.log.Debug("couriers sampled",
		logx.Int("pool", len(pool)),
		logx.Int("picked", len(picked)),
	)
	return picked, nil
}
