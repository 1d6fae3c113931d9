package route

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"

	"github.com/example/fleet-dispatch/internal/geo"
	"github.com/example/fleet-dispatch/internal/models"
)

func TestEstimateSecondsDefaultsSpeed(t *testing.T) {
	from := models.Point{Lat: 1, Lon: 1}
	to := geo.Offset(from, 800, 0)
	assert.InDelta(t, 100, EstimateSeconds(from, to, 0), 0.5)
	assert.InDelta(t, 80, EstimateSeconds(from, to, 10), 0.5)
}

func TestPacerScalesAndCaps(t *testing.T) {
	from := models.Point{Lat: 1, Lon: 1}
	to := geo.Offset(from, 800, 0)

	p := Pacer{SpeedMps: 8, TimeScale: 0.1}
	assert.InDelta(t, float64(10*time.Second), float64(p.Delay(from, to)), float64(100*time.Millisecond))

	p.Max = 2 * time.Second
	assert.Equal(t, 2*time.Second, p.Delay(from, to))
	assert.Equal(t, time.Duration(0), p.Delay(from, from))
}

func TestWaypointsNumbersPath(t *testing.T) {
	wps := Waypoints([]models.Point{{Lat: 1}, {Lat: 2}})
	require.Len(t, wps, 2)
	assert.Equal(t, 1, wps[1].Index)
	assert.Equal(t, 2.0, wps[1].Point.Lat)
}

func TestOSRMRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/route/v1/driving/"))
		assert.Equal(t, "full", r.URL.Query().Get("overview"))
		assert.Equal(t, "geojson", r.URL.Query().Get("geometries"))
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":42.5,"distance":300,
			"geometry":{"coordinates":[[10.0,1.0],[10.5,1.5],[11.0,2.0]]}}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	path, err := c.Route(context.Background(), models.Point{Lat: 1, Lon: 10}, models.Point{Lat: 2, Lon: 11})
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, models.Point{Lat: 1.5, Lon: 10.5}, path[1])

	secs, err := c.EstimateSeconds(context.Background(), models.Point{}, models.Point{})
	require.NoError(t, err)
	assert.Equal(t, 42.5, secs)
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).Route(context.Background(), models.Point{}, models.Point{})
	assert.ErrorIs(t, err, ErrNoRoute)
}

type fakeDirections struct {
	routes []maps.Route
	err    error
	req    *maps.DirectionsRequest
}

func (f *fakeDirections) Directions(_ context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error) {
	f.req = r
	return f.routes, nil, f.err
}

func TestGoogleDirectionsDecodesPolyline(t *testing.T) {
	want := []maps.LatLng{{Lat: 38.5, Lng: -120.2}, {Lat: 40.7, Lng: -120.95}, {Lat: 43.252, Lng: -126.453}}
	f := &fakeDirections{routes: []maps.Route{{OverviewPolyline: maps.Polyline{Points: maps.Encode(want)}}}}
	g := &GoogleDirections{client: f}

	path, err := g.Route(context.Background(), models.Point{Lat: 38.5, Lon: -120.2}, models.Point{Lat: 43.252, Lon: -126.453})
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.InDelta(t, 40.7, path[1].Lat, 1e-5)
	assert.InDelta(t, -120.95, path[1].Lon, 1e-5)
	assert.Equal(t, "38.500000,-120.200000", f.req.Origin)
	assert.Equal(t, maps.TravelModeDriving, f.req.Mode)

	_, err = (&GoogleDirections{client: &fakeDirections{}}).Route(context.Background(), models.Point{}, models.Point{})
	assert.ErrorIs(t, err, ErrNoRoute)
}

type countingProvider struct{ calls int }

func (c *countingProvider) Route(_ context.Context, from, to models.Point) ([]models.Point, error) {
	c.calls++
	if from == to {
		return nil, errors.New("degenerate")
	}
	return []models.Point{from, to}, nil
}

func TestCachedProvider(t *testing.T) {
	inner := &countingProvider{}
	cache := NewCache(time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }
	p := Cached{Provider: inner, Cache: cache}

	a, b := models.Point{Lat: 1}, models.Point{Lat: 2}
	for i := 0; i < 3; i++ {
		path, err := p.Route(context.Background(), a, b)
		require.NoError(t, err)
		assert.Len(t, path, 2)
	}
	assert.Equal(t, 1, inner.calls)

	now = now.Add(2 * time.Minute)
	_, err := p.Route(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	_, err = p.Route(context.Background(), a, a)
	assert.Error(t, err)
	_, ok := cache.Get(a, a)
	assert.False(t, ok)
}
