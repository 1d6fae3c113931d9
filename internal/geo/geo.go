package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/fleet-dispatch/internal/models"
)

// Hit is a position match: an entity id and its distance in meters.
type Hit struct {
	ID       string
	Distance float64
}

// Positions is the minimal spatial capability: store a position, find ids
// around a point.
type Positions interface {
	Upsert(ctx context.Context, id string, p models.Point) error
	Nearby(ctx context.Context, center models.Point, radius float64) ([]Hit, error)
}

// Remover is implemented by Positions that can forget an id, so stale
// entries for deleted drivers stop showing up in Nearby.
type Remover interface {
	Remove(ctx context.Context, id string) error
}

// Index is an in-memory Positions backed by a haversine scan.
type Index struct {
	mu        sync.RWMutex
	positions map[string]models.Point
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]models.Point)}
}

func (g *Index) Upsert(_ context.Context, id string, p models.Point) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[id] = p
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, id)
	return nil
}

// naive scan; fine for a single process, use RedisGeo or PostGIS otherwise
func (g *Index) Nearby(_ context.Context, center models.Point, radius float64) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Hit, 0, len(g.positions))
	for id, p := range g.positions {
		dist := Haversine(center.Lat, center.Lon, p.Lat, p.Lon)
		if dist > radius {
			continue
		}
		out = append(out, Hit{ID: id, Distance: dist})
	}
	SortHits(out)
	return out, nil
}

// SortHits orders hits by ascending distance, ties broken by id.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance == hits[j].Distance {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Distance < hits[j].Distance
	})
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two points.
func Distance(a, b models.Point) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Offset returns the point reached by moving north and east by the given
// number of meters. Accurate enough for short distances away from the poles.
func Offset(p models.Point, northMeters, eastMeters float64) models.Point {
	const R = 6371000.0
	dLat := northMeters / R * 180 / math.Pi
	dLon := eastMeters / (R * math.Cos(p.Lat*math.Pi/180)) * 180 / math.Pi
	return models.Point{Lat: p.Lat + dLat, Lon: p.Lon + dLon}
}
