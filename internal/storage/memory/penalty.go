package memory

import (
	"context"
	"sort"
	"time"

	"marketplace/internal/modules/penalty"
	"marketplace/internal/types"
)

// PenaltyStore implements penalty.Store.
type PenaltyStore struct{ db *DB }

func (db *DB) Penalties() *PenaltyStore { return &PenaltyStore{db: db} }

// LockUser is a no-op; transactions are already serialised.
func (s *PenaltyStore) LockUser(context.Context, types.ID) error { return nil }

func (s *PenaltyStore) AddCancellation(ctx context.Context, userID, orderID types.ID, at time.Time) (bool, error) {
	var inserted bool
	err := s.db.exec(ctx, func(t *tables, undo func(func())) error {
		byOrder, ok := t.tallies[userID]
		if !ok {
			byOrder = make(map[types.ID]time.Time)
			t.tallies[userID] = byOrder
		}
		if _, dup := byOrder[orderID]; dup {
			return nil
		}
		byOrder[orderID] = at
		undo(func() { delete(byOrder, orderID) })
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *PenaltyStore) CountCancellations(ctx context.Context, userID types.ID, after time.Time) (int, error) {
	n := 0
	err := s.db.exec(ctx, func(t *tables, _ func(func())) error {
		for _, at := range t.tallies[userID] {
			if at.After(after) {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *PenaltyStore) LatestBlock(ctx context.Context, userID types.ID) (*penalty.Block, error) {
	var out *penalty.Block
	err := s.db.exec(ctx, func(t *tables, _ func(func())) error {
		for _, b := range t.blocks {
			if b.UserID != userID {
				continue
			}
			if out == nil || b.BlockedAt.After(out.BlockedAt) {
				c := b
				out = &c
			}
		}
		return nil
	})
	return out, err
}

func (s *PenaltyStore) CountBlocks(ctx context.Context, userID types.ID) (int, error) {
	n := 0
	err := s.db.exec(ctx, func(t *tables, _ func(func())) error {
		for _, b := range t.blocks {
			if b.UserID == userID {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *PenaltyStore) InsertBlock(ctx context.Context, b *penalty.Block) error {
	return s.db.exec(ctx, func(t *tables, undo func(func())) error {
		prev := t.blocks
		t.blocks = append(prev[:len(prev):len(prev)], *b)
		undo(func() { t.blocks = prev })
		return nil
	})
}

func (s *PenaltyStore) ActiveBlocks(ctx context.Context, userID types.ID, now time.Time) ([]penalty.Block, error) {
	var out []penalty.Block
	err := s.db.exec(ctx, func(t *tables, _ func(func())) error {
		for _, b := range t.blocks {
			if b.UserID == userID && b.IsActive && b.BlockedUntil.After(now) {
				out = append(out, b)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedUntil.After(out[j].BlockedUntil) })
	return out, err
}

func (s *PenaltyStore) Deactivate(ctx context.Context, userID types.ID) (int, error) {
	n := 0
	err := s.db.exec(ctx, func(t *tables, undo func(func())) error {
		for i := range t.blocks {
			if t.blocks[i].UserID == userID && t.blocks[i].IsActive {
				t.blocks[i].IsActive = false
				undo(func() { t.blocks[i].IsActive = true })
				n++
			}
		}
		return nil
	})
	return n, err
}

// PutBlock stores b as is, flag and all. Used to reproduce blocks whose
// is_active flag outlived blocked_until.
func (s *PenaltyStore) PutBlock(b penalty.Block) {
	_ = s.InsertBlock(context.Background(), &b)
}
