package route

import (
	"context"
	"errors"
	"time"

	"github.com/example/fleet-dispatch/internal/geo"
	"github.com/example/fleet-dispatch/internal/models"
)

// DefaultSpeedMps is roughly 28.8 km/h, a city driving pace.
const DefaultSpeedMps = 8.0

var ErrNoRoute = errors.New("route: no route found")

// Provider expands an origin and destination into the points of a drivable
// path, origin first.
type Provider interface {
	Route(ctx context.Context, from, to models.Point) ([]models.Point, error)
}

// Straight is a Provider that goes directly from origin to destination.
type Straight struct{}

func (Straight) Route(_ context.Context, from, to models.Point) ([]models.Point, error) {
	return []models.Point{from, to}, nil
}

// EstimateSeconds is the naive travel time between two points at speedMps.
func EstimateSeconds(from, to models.Point, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Distance(from, to) / speedMps
}

// Pacer turns the distance between consecutive waypoints into a delay.
// TimeScale compresses real travel time; 0.1 plays a route ten times faster.
type Pacer struct {
	SpeedMps  float64
	TimeScale float64
	// Max caps a single leg.
	Max time.Duration
}

func (p Pacer) Delay(from, to models.Point) time.Duration {
	scale := p.TimeScale
	if scale <= 0 {
		scale = 1
	}
	d := time.Duration(EstimateSeconds(from, to, p.SpeedMps) * scale * float64(time.Second))
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Waypoints numbers a path as simulation waypoints.
func Waypoints(path []models.Point) []models.Waypoint {
	out := make([]models.Waypoint, len(path))
	for i, p := range path {
		out[i] = models.Waypoint{Index: i, Point: p}
	}
	return out
}
