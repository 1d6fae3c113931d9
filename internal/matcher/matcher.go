package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/example/fleet-dispatch/internal/geo"
	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
	"github.com/example/fleet-dispatch/internal/storage"
)

// SpatialIndex returns drivers located within radius meters of center,
// annotated with their distance. It may return ineligible drivers.
type SpatialIndex interface {
	Within(ctx context.Context, center models.Point, radius float64) ([]models.Match, error)
}

type DriverLookup interface {
	GetDriver(ctx context.Context, uuid string) (*models.Driver, error)
}

// IndexSource adapts a position index plus a driver store into a
// SpatialIndex.
type IndexSource struct {
	Positions geo.Positions
	Drivers   DriverLookup
}

func (s IndexSource) Within(ctx context.Context, center models.Point, radius float64) ([]models.Match, error) {
	hits, err := s.Positions.Nearby(ctx, center, radius)
	if err != nil {
		return nil, err
	}
	out := make([]models.Match, 0, len(hits))
	for _, h := range hits {
		d, err := s.Drivers.GetDriver(ctx, h.ID)
		if errors.Is(err, storage.ErrNotFound) {
			s.prune(ctx, h.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hydrate driver %s: %w", h.ID, err)
		}
		if d.DeletedAt != nil {
			s.prune(ctx, h.ID)
			continue
		}
		out = append(out, models.Match{Driver: *d, Distance: h.Distance})
	}
	return out, nil
}

// prune drops a position whose driver is gone. Best effort: a failed removal
// is retried on the next match that hits the same id.
func (s IndexSource) prune(ctx context.Context, id string) {
	if r, ok := s.Positions.(geo.Remover); ok {
		_ = r.Remove(ctx, id)
	}
}

type Service struct {
	Index  SpatialIndex
	Logger zerolog.Logger
}

func New(index SpatialIndex, logger zerolog.Logger) *Service {
	return &Service{Index: index, Logger: logger}
}

// FindEligibleDrivers returns drivers that may be pinged for a pickup,
// nearest first. The tenant is only used for logging: adhoc matching spans
// the whole candidate pool and relies on the explicit eligibility checks.
func (s *Service) FindEligibleDrivers(ctx context.Context, pickup models.Point, radius float64, tenant models.Tenant) ([]models.Match, error) {
	if radius <= 0 {
		return nil, nil
	}
	cands, err := s.Index.Within(ctx, pickup, radius)
	if err != nil {
		return nil, fmt.Errorf("spatial query: %w", err)
	}

	out := make([]models.Match, 0, len(cands))
	for _, c := range cands {
		if !c.Driver.Eligible() {
			continue
		}
		if c.Distance > radius {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })

	observability.MatchCandidates.Observe(float64(len(out)))
	s.Logger.Debug().
		Str("company", tenant.CompanyUUID).
		Float64("radius", radius).
		Int("candidates", len(cands)).
		Int("eligible", len(out)).
		Msg("adhoc match")
	return out, nil
}
