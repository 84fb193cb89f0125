package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketplace/internal/modules/courierpool"
	"marketplace/internal/types"
)

// CourierPool implements courierpool.Store with distances computed in
// process.
type CourierPool struct {
	mu      sync.Mutex
	members map[types.ID]poolEntry
	Now     func() time.Time
}

type poolEntry struct {
	pos     types.Point
	expires time.Time
}

func NewCourierPool() *CourierPool {
	return &CourierPool{members: make(map[types.ID]poolEntry), Now: time.Now}
}

func (p *CourierPool) Upsert(_ context.Context, pr courierpool.Presence, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[pr.CourierID] = poolEntry{pos: pr.Position, expires: pr.SeenAt.Add(ttl)}
	return nil
}

func (p *CourierPool) Remove(_ context.Context, id types.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members, id)
	return nil
}

func (p *CourierPool) Nearby(_ context.Context, at types.Point, radiusKm float64, count int) ([]types.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	type hit struct {
		id   types.ID
		dist float64
	}
	now := p.Now()
	var hits []hit
	for id, e := range p.members {
		if !now.Before(e.expires) {
			delete(p.members, id)
			continue
		}
		if d := types.DistanceKm(at, e.pos); d <= radiusKm {
			hits = append(hits, hit{id: id, dist: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist == hits[j].dist {
			return hits[i].id < hits[j].id
		}
		return hits[i].dist < hits[j].dist
	})
	if count > 0 && len(hits) > count {
		hits = hits[:count]
	}
	ids := make([]types.ID, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}
