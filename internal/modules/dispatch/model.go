// README: Dispatch offers sent to couriers for a ready order.
package dispatch

import (
	"time"

	"marketplace/internal/types"
)

type OfferState string

const (
	OfferOpen       OfferState = "open"
	OfferAccepted   OfferState = "accepted"
	OfferExpired    OfferState = "expired"
	OfferSuperseded OfferState = "superseded"
)

type Offer struct {
	ID         types.ID
	OrderID    types.ID
	CourierID  types.ID
	State      OfferState
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
}

// Lapsed reports whether an open offer is past its expiry at now.
func (o *Offer) Lapsed(now time.Time) bool {
	return o.State == OfferOpen && !now.Before(o.ExpiresAt)
}

// AcceptResult is returned to the winning courier.
type AcceptResult struct {
	OrderID types.ID
	OfferID types.ID
}

const (
	// defaultOfferTTL is how long a courier has to accept.
	defaultOfferTTL = 30 * time.Second
	// defaultFanOut is how many couriers receive an offer per publish.
	defaultFanOut = 5
)

type Config struct {
	OfferTTL    time.Duration
	FanOut      int
	AutoPublish bool
}

func (c Config) withDefaults() Config {
	if c.OfferTTL <= 0 {
		c.OfferTTL = defaultOfferTTL
	}
	if c.FanOut <= 0 {
		c.FanOut = defaultFanOut
	}
	return c
}
