// README: Travel-time estimates for pickup to drop-off, via Google Maps Directions.
package eta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"marketplace/internal/types"
)

var ErrNoRoute = errors.New("no route found")

type directions interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// MapsEstimator asks the Directions API for a driving leg.
type MapsEstimator struct {
	client   directions
	language string
	region   string
}

func NewMapsEstimator(apiKey, language, region string) (*MapsEstimator, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &MapsEstimator{client: client, language: language, region: region}, nil
}

func (e *MapsEstimator) Estimate(ctx context.Context, from, to types.Point) (time.Duration, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
		Language:    e.language,
		Region:      e.region,
	}
	routes, _, err := e.client.Directions(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, ErrNoRoute
	}
	return routes[0].Legs[0].Duration, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
