package route

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/fleet-dispatch/internal/models"
)

type directionsClient interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// GoogleDirections expands routes with the Google Directions API.
type GoogleDirections struct {
	client directionsClient
}

func NewGoogleDirections(apiKey string) (*GoogleDirections, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleDirections{client: client}, nil
}

func (g *GoogleDirections) Route(ctx context.Context, from, to models.Point) ([]models.Point, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 {
		return nil, ErrNoRoute
	}
	pts, err := routes[0].OverviewPolyline.Decode()
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}
	if len(pts) == 0 {
		return nil, ErrNoRoute
	}
	path := make([]models.Point, len(pts))
	for i, p := range pts {
		path[i] = models.Point{Lat: p.Lat, Lon: p.Lng}
	}
	return path, nil
}

func latLng(p models.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}
