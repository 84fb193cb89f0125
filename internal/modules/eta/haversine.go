package eta

import (
	"context"
	"time"

	"marketplace/internal/types"
)

// HaversineEstimator assumes a straight line at a constant speed. Used
// when no Maps key is configured.
type HaversineEstimator struct {
	SpeedKmh float64
	// Overhead is added to every estimate for pickup and handover.
	Overhead time.Duration
}

func (e HaversineEstimator) Estimate(_ context.Context, from, to types.Point) (time.Duration, error) {
	speed := e.SpeedKmh
	if speed <= 0 {
		speed = 25
	}
	hours := types.DistanceKm(from, to) / speed
	return e.Overhead + time.Duration(hours*float64(time.Hour)), nil
}
