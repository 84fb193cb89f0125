// README: Confirmation attempt store backed by PostgreSQL.
package confirmation

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

const attemptColumns = `order_id, failed_attempts, last_attempt_at, confirmed_at, location_lat, location_lng`

func (s *PGStore) Lock(ctx context.Context, orderID types.ID) (*Attempts, error) {
	conn := pg.Conn(ctx, s.db)
	if _, err := conn.Exec(ctx, `
		INSERT INTO delivery_confirmations (order_id) VALUES ($1)
		ON CONFLICT (order_id) DO NOTHING`, string(orderID),
	); err != nil {
		return nil, err
	}
	return scanAttempts(conn.QueryRow(ctx, `
		SELECT `+attemptColumns+` FROM delivery_confirmations WHERE order_id = $1 FOR UPDATE`, string(orderID)))
}

func (s *PGStore) RecordFailure(ctx context.Context, orderID types.ID, at time.Time) (int, error) {
	var n int
	err := pg.Conn(ctx, s.db).QueryRow(ctx, `
		UPDATE delivery_confirmations
		SET failed_attempts = failed_attempts + 1, last_attempt_at = $1
		WHERE order_id = $2
		RETURNING failed_attempts`, at, string(orderID),
	).Scan(&n)
	return n, err
}

func (s *PGStore) RecordSuccess(ctx context.Context, orderID types.ID, at time.Time, loc *types.Point) error {
	var lat, lng *float64
	if loc != nil {
		lat, lng = &loc.Lat, &loc.Lng
	}
	_, err := pg.Conn(ctx, s.db).Exec(ctx, `
		UPDATE delivery_confirmations
		SET confirmed_at = $1, last_attempt_at = $1, location_lat = $2, location_lng = $3
		WHERE order_id = $4`, at, lat, lng, string(orderID),
	)
	return err
}

func (s *PGStore) Reset(ctx context.Context, orderID types.ID) error {
	_, err := pg.Conn(ctx, s.db).Exec(ctx, `
		UPDATE delivery_confirmations SET failed_attempts = 0 WHERE order_id = $1`, string(orderID))
	return err
}

// Get returns a zero row for orders without attempts.
func (s *PGStore) Get(ctx context.Context, orderID types.ID) (*Attempts, error) {
	a, err := scanAttempts(pg.Conn(ctx, s.db).QueryRow(ctx, `
		SELECT `+attemptColumns+` FROM delivery_confirmations WHERE order_id = $1`, string(orderID)))
	if pg.IsNotFound(err) {
		return &Attempts{OrderID: orderID}, nil
	}
	return a, err
}

func scanAttempts(row pgx.Row) (*Attempts, error) {
	var (
		a        Attempts
		lat, lng *float64
	)
	if err := row.Scan(&a.OrderID, &a.FailedAttempts, &a.LastAttemptAt, &a.ConfirmedAt, &lat, &lng); err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		a.Location = &types.Point{Lat: *lat, Lng: *lng}
	}
	return &a, nil
}
