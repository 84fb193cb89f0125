// README: Order store backed by PostgreSQL.
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	pg "marketplace/internal/storage/postgres"
	"marketplace/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const orderColumns = `
	id, customer_id, restaurant_id, courier_id, status, status_version,
	total_amount::text, currency, items::text,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	delivery_code, cancel_reason, estimated_delivery_at, created_at, updated_at`

func (s *PGStore) Insert(ctx context.Context, o *Order) error {
	_, err := pg.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO orders (
			id, customer_id, restaurant_id, courier_id, status, status_version,
			total_amount, currency, items,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			delivery_code, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::numeric, $8, $9::jsonb,
			$10, $11, $12, $13,
			$14, $15, $16
		)`,
		string(o.ID),
		string(o.CustomerID),
		string(o.RestaurantID),
		toStringPtr(o.CourierID),
		string(o.Status),
		o.StatusVersion,
		o.Total.Amount.String(),
		o.Total.Currency,
		string(o.Items),
		o.Pickup.Lat, o.Pickup.Lng,
		o.Dropoff.Lat, o.Dropoff.Lng,
		o.DeliveryCode,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if pg.IsUniqueViolation(err) {
		return fmt.Errorf("%w: duplicate order id", ErrConflict)
	}
	return err
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := pg.Conn(ctx, s.db).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, string(id))
	return scanOrder(row)
}

func (s *PGStore) GetForUpdate(ctx context.Context, id types.ID) (*Order, error) {
	row := pg.Conn(ctx, s.db).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, string(id))
	return scanOrder(row)
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o        Order
		courier  *string
		amount   string
		items    string
		estimate *time.Time
	)
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.RestaurantID, &courier, &o.Status, &o.StatusVersion,
		&amount, &o.Total.Currency, &items,
		&o.Pickup.Lat, &o.Pickup.Lng, &o.Dropoff.Lat, &o.Dropoff.Lng,
		&o.DeliveryCode, &o.CancelReason, &estimate, &o.CreatedAt, &o.UpdatedAt,
	)
	if pg.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Total.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("order %s: parse total: %w", o.ID, err)
	}
	if courier != nil {
		id := types.ID(*courier)
		o.CourierID = &id
	}
	o.Items = []byte(items)
	o.EstimatedDeliveryAt = estimate
	return &o, nil
}

// UpdateStatus applies u only if the row still holds u.From at u.Version.
func (s *PGStore) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	tag, err := pg.Conn(ctx, s.db).Exec(ctx, `
		UPDATE orders
		SET status = $1,
			status_version = status_version + 1,
			courier_id = COALESCE($2, courier_id),
			cancel_reason = COALESCE($3, cancel_reason),
			updated_at = $4
		WHERE id = $5 AND status = $6 AND status_version = $7`,
		string(u.To),
		toStringPtr(u.CourierID),
		u.CancelReason,
		u.At,
		string(u.OrderID),
		string(u.From),
		u.Version,
	)
	if err != nil {
		if pg.IsSerializationFailure(err) {
			return false, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, e *Event) error {
	return pg.Conn(ctx, s.db).QueryRow(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_id, actor_role, notes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorID),
		string(e.ActorRole),
		e.Notes,
		e.CreatedAt,
	).Scan(&e.ID)
}

func (s *PGStore) ListEvents(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := pg.Conn(ctx, s.db).Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor_id, actor_role, notes, created_at
		FROM order_state_events
		WHERE order_id = $1
		ORDER BY id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var e Event
		err := row.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus, &e.ActorID, &e.ActorRole, &e.Notes, &e.CreatedAt)
		return e, err
	})
}

func (s *PGStore) ListStale(ctx context.Context, q StaleQuery) ([]Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = $1 AND created_at < $2`
	args := []any{string(q.Status), q.CreatedBefore}
	if q.AfterID != "" {
		query += ` AND (created_at, id) > ($3, $4)`
		args = append(args, q.AfterCreated, string(q.AfterID))
	}
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args)+1)
	args = append(args, q.Limit)

	rows, err := pg.Conn(ctx, s.db).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PGStore) SetEstimatedDelivery(ctx context.Context, id types.ID, at time.Time) error {
	tag, err := pg.Conn(ctx, s.db).Exec(ctx, `UPDATE orders SET estimated_delivery_at = $1 WHERE id = $2`, at, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
