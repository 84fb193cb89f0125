// README: Courier presence and the geo pool used to pick offer recipients.
package courierpool

import (
	"errors"
	"time"

	"marketplace/internal/types"
)

var (
	ErrBadRequest = errors.New("bad request")
)

type Config struct {
	// RadiusKm bounds the geo search around the pickup point.
	RadiusKm float64
	// PoolSize is how many nearest couriers are sampled from.
	PoolSize int
	// PresenceTTL is how long a location update keeps a courier online.
	PresenceTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.RadiusKm <= 0 {
		c.RadiusKm = 5
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 2 * time.Minute
	}
	return c
}

type Presence struct {
	CourierID types.ID
	Position  types.Point
	SeenAt    time.Time
}
