package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/fleet-dispatch/internal/geo"
	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
	"github.com/example/fleet-dispatch/internal/storage"
)

const (
	SourceAPI       = "api"
	SourceKafka     = "kafka"
	SourceSimulated = "simulated"
)

// LocationUpdate is a driver position report.
type LocationUpdate struct {
	DriverUUID string    `json:"driver_uuid" validate:"required"`
	Lat        float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lon        float64   `json:"lon" validate:"gte=-180,lte=180"`
	At         time.Time `json:"at,omitempty"`
}

func (u LocationUpdate) Point() models.Point { return models.Point{Lat: u.Lat, Lon: u.Lon} }

// Recorder persists driver positions to the store of record and the spatial
// index used for matching.
type Recorder struct {
	Store     storage.DriverStore
	Positions geo.Positions
	Attempts  int
	Delay     time.Duration
	Logger    zerolog.Logger
}

// Record writes the location with retries.
func (r *Recorder) Record(ctx context.Context, driverUUID string, p models.Point, source string) error {
	if !p.Valid() {
		return fmt.Errorf("driver %s: invalid location %v,%v", driverUUID, p.Lat, p.Lon)
	}
	attempts, delay := r.Attempts, r.Delay
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	err := Retry(ctx, attempts, delay, func(ctx context.Context) error {
		if r.Store != nil {
			if err := r.Store.UpdateDriverLocation(ctx, driverUUID, p); err != nil {
				return err
			}
		}
		if r.Positions != nil {
			return r.Positions.Upsert(ctx, driverUUID, p)
		}
		return nil
	})
	if err != nil {
		r.Logger.Warn().Err(err).Str("driver", driverUUID).Str("source", source).Msg("location update failed")
		return err
	}
	observability.LocationUpdates.WithLabelValues(source).Inc()
	return nil
}
