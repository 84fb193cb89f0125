// README: Common identifiers and coordinates shared by every module.
package types

import (
	"math"

	"github.com/google/uuid"
)

// ID identifies orders, offers, blocks and users. Order and offer ids are
// UUIDs; user ids are whatever the identity provider issues.
type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

// IsUUID reports whether the id parses as a UUID.
func (id ID) IsUUID() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}

func (id ID) String() string { return string(id) }

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// DistanceKm is the great-circle distance between a and b.
func DistanceKm(a, b Point) float64 {
	const R = 6371.0
	lat1 := a.Lat * math.Pi / 180.0
	lat2 := b.Lat * math.Pi / 180.0
	dlat := (b.Lat - a.Lat) * math.Pi / 180.0
	dlng := (b.Lng - a.Lng) * math.Pi / 180.0
	h := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlng/2)*math.Sin(dlng/2)
	return 2 * R * math.Asin(math.Sqrt(h))
}
