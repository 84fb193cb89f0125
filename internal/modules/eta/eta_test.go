package eta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"

	"marketplace/internal/types"
)

type fakeDirections struct {
	req    *maps.DirectionsRequest
	routes []maps.Route
	err    error
}

func (f *fakeDirections) Directions(_ context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error) {
	f.req = r
	return f.routes, nil, f.err
}

func TestMapsEstimator_UsesFirstLeg(t *testing.T) {
	fake := &fakeDirections{routes: []maps.Route{{Legs: []*maps.Leg{{Duration: 17 * time.Minute}}}}}
	e := &MapsEstimator{client: fake, language: "pt-BR", region: "BR"}

	d, err := e.Estimate(context.Background(), types.Point{Lat: -23.5, Lng: -46.6}, types.Point{Lat: -23.6, Lng: -46.7})
	require.NoError(t, err)
	require.Equal(t, 17*time.Minute, d)
	require.Equal(t, "-23.500000,-46.600000", fake.req.Origin)
	require.Equal(t, maps.TravelModeDriving, fake.req.Mode)
	require.Equal(t, "BR", fake.req.Region)
}

func TestMapsEstimator_Errors(t *testing.T) {
	e := &MapsEstimator{client: &fakeDirections{}}
	_, err := e.Estimate(context.Background(), types.Point{}, types.Point{})
	require.ErrorIs(t, err, ErrNoRoute)

	boom := errors.New("quota")
	e = &MapsEstimator{client: &fakeDirections{err: boom}}
	_, err = e.Estimate(context.Background(), types.Point{}, types.Point{})
	require.ErrorIs(t, err, boom)
}

func TestHaversineEstimator(t *testing.T) {
	e := HaversineEstimator{SpeedKmh: 30, Overhead: 5 * time.Minute}
	from := types.Point{Lat: 0, Lng: 0}
	to := types.Point{Lat: 0, Lng: 0.5} // ~55.6 km

	d, err := e.Estimate(context.Background(), from, to)
	require.NoError(t, err)
	require.InDelta(t, (5*time.Minute + 111*time.Minute).Minutes(), d.Minutes(), 2)

	d, err = HaversineEstimator{}.Estimate(context.Background(), from, from)
	require.NoError(t, err)
	require.Zero(t, d)
}
