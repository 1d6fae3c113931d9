package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/fleet-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
		Geometry struct {
			// [lon, lat] pairs
			Coordinates [][2]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

func (o *OSRMClient) query(ctx context.Context, from, to models.Point, overview string) (*osrmResponse, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=%s&geometries=geojson",
		o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat, overview)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("osrm decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return nil, fmt.Errorf("osrm %v: %w", out.Code, ErrNoRoute)
	}
	return &out, nil
}

// Route returns the full route geometry between the two points.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Point) ([]models.Point, error) {
	out, err := o.query(ctx, from, to, "full")
	if err != nil {
		return nil, err
	}
	coords := out.Routes[0].Geometry.Coordinates
	if len(coords) == 0 {
		return nil, ErrNoRoute
	}
	path := make([]models.Point, len(coords))
	for i, c := range coords {
		path[i] = models.Point{Lat: c[1], Lon: c[0]}
	}
	return path, nil
}

// EstimateSeconds asks OSRM for the driving duration between the points.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Point) (float64, error) {
	out, err := o.query(ctx, from, to, "false")
	if err != nil {
		return 0, err
	}
	return out.Routes[0].Duration, nil
}
