// README: Dispatch offer store backed by PostgreSQL.
package dispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace/internal/modules/order"
	pg "marketplace/internal/storage/postgres"
	"marketplace/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const offerColumns = `id, order_id, courier_id, state, created_at, expires_at, resolved_at`

func (s *PGStore) InsertOffers(ctx context.Context, offers []Offer) error {
	batch := &pgx.Batch{}
	for _, o := range offers {
		batch.Queue(`
			INSERT INTO dispatch_offers (id, order_id, courier_id, state, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			string(o.ID), string(o.OrderID), string(o.CourierID), string(o.State), o.CreatedAt, o.ExpiresAt,
		)
	}
	return pg.Conn(ctx, s.db).SendBatch(ctx, batch).Close()
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Offer, error) {
	return scanOffer(pg.Conn(ctx, s.db).QueryRow(ctx, `SELECT `+offerColumns+` FROM dispatch_offers WHERE id = $1`, string(id)))
}

func (s *PGStore) GetForUpdate(ctx context.Context, id types.ID) (*Offer, error) {
	return scanOffer(pg.Conn(ctx, s.db).QueryRow(ctx, `SELECT `+offerColumns+` FROM dispatch_offers WHERE id = $1 FOR UPDATE`, string(id)))
}

func (s *PGStore) LockOrder(ctx context.Context, orderID types.ID) error {
	var one int
	err := pg.Conn(ctx, s.db).QueryRow(ctx, `SELECT 1 FROM orders WHERE id = $1 FOR UPDATE`, string(orderID)).Scan(&one)
	if pg.IsNotFound(err) {
		return order.ErrNotFound
	}
	return err
}

func (s *PGStore) ListByOrder(ctx context.Context, orderID types.ID) ([]Offer, error) {
	return s.list(ctx, `SELECT `+offerColumns+` FROM dispatch_offers WHERE order_id = $1 ORDER BY created_at, id`, string(orderID))
}

func (s *PGStore) ListOpenByCourier(ctx context.Context, courierID types.ID) ([]Offer, error) {
	return s.list(ctx, `
		SELECT `+offerColumns+`
		FROM dispatch_offers
		WHERE courier_id = $1 AND state = 'open'
		ORDER BY expires_at`, string(courierID))
}

func (s *PGStore) list(ctx context.Context, sql string, args ...any) ([]Offer, error) {
	rows, err := pg.Conn(ctx, s.db).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PGStore) Resolve(ctx context.Context, id types.ID, from, to OfferState, at time.Time) (bool, error) {
	tag, err := pg.Conn(ctx, s.db).Exec(ctx, `
		UPDATE dispatch_offers SET state = $1, resolved_at = $2
		WHERE id = $3 AND state = $4`,
		string(to), at, string(id), string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) SupersedeOpen(ctx context.Context, orderID, exceptID types.ID, at time.Time) (int, error) {
	tag, err := pg.Conn(ctx, s.db).Exec(ctx, `
		UPDATE dispatch_offers SET state = 'superseded', resolved_at = $1
		WHERE order_id = $2 AND state = 'open' AND id <> $3`,
		at, string(orderID), string(exceptID),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) ExpireLapsed(ctx context.Context, courierID types.ID, now time.Time) (int, error) {
	tag, err := pg.Conn(ctx, s.db).Exec(ctx, `
		UPDATE dispatch_offers SET state = 'expired', resolved_at = $1
		WHERE courier_id = $2 AND state = 'open' AND expires_at <= $1`,
		now, string(courierID),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	err := row.Scan(&o.ID, &o.OrderID, &o.CourierID, &o.State, &o.CreatedAt, &o.ExpiresAt, &o.ResolvedAt)
	if pg.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}
