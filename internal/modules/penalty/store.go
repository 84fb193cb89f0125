// README: Cancellation tallies and user blocks backed by PostgreSQL.
package penalty

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pg "marketplace/internal/storage/postgres"
	"marketplace/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const blockColumns = `id, user_id, block_type, blocked_at, blocked_until, reason, cancelled_orders_count, is_active`

func (s *PGStore) LockUser(ctx context.Context, userID types.ID) error {
	_, err := pg.Conn(ctx, s.db).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "penalty:"+string(userID))
	return err
}

func (s *PGStore) AddCancellation(ctx context.Context, userID, orderID types.ID, at time.Time) (bool, error) {
	tag, err := pg.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO cancellation_tallies (user_id, order_id, cancelled_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, order_id) DO NOTHING`,
		string(userID), string(orderID), at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) CountCancellations(ctx context.Context, userID types.ID, after time.Time) (int, error) {
	var n int
	err := pg.Conn(ctx, s.db).QueryRow(ctx, `
		SELECT COUNT(*) FROM cancellation_tallies
		WHERE user_id = $1 AND cancelled_at > $2`, string(userID), after,
	).Scan(&n)
	return n, err
}

func (s *PGStore) LatestBlock(ctx context.Context, userID types.ID) (*Block, error) {
	b, err := scanBlock(pg.Conn(ctx, s.db).QueryRow(ctx, `
		SELECT `+blockColumns+` FROM user_blocks
		WHERE user_id = $1
		ORDER BY blocked_at DESC
		LIMIT 1`, string(userID)))
	if pg.IsNotFound(err) {
		return nil, nil
	}
	return b, err
}

func (s *PGStore) CountBlocks(ctx context.Context, userID types.ID) (int, error) {
	var n int
	err := pg.Conn(ctx, s.db).QueryRow(ctx, `SELECT COUNT(*) FROM user_blocks WHERE user_id = $1`, string(userID)).Scan(&n)
	return n, err
}

func (s *PGStore) InsertBlock(ctx context.Context, b *Block) error {
	_, err := pg.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO user_blocks (`+blockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(b.ID), string(b.UserID), string(b.Type), b.BlockedAt, b.BlockedUntil,
		b.Reason, b.CancelledOrdersCount, b.IsActive,
	)
	return err
}

func (s *PGStore) ActiveBlocks(ctx context.Context, userID types.ID, now time.Time) ([]Block, error) {
	rows, err := pg.Conn(ctx, s.db).Query(ctx, `
		SELECT `+blockColumns+` FROM user_blocks
		WHERE user_id = $1 AND is_active AND blocked_until > $2
		ORDER BY blocked_until DESC`, string(userID), now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PGStore) Deactivate(ctx context.Context, userID types.ID) (int, error) {
	tag, err := pg.Conn(ctx, s.db).Exec(ctx, `
		UPDATE user_blocks SET is_active = FALSE WHERE user_id = $1 AND is_active`, string(userID))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanBlock(row pgx.Row) (*Block, error) {
	var b Block
	err := row.Scan(&b.ID, &b.UserID, &b.Type, &b.BlockedAt, &b.BlockedUntil, &b.Reason, &b.CancelledOrdersCount, &b.IsActive)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
