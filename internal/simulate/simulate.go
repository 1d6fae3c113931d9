// Package simulate plays a driver along a route by chaining one delayed
// queue job per waypoint.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/fleet-dispatch/internal/events"
	"github.com/example/fleet-dispatch/internal/ingest"
	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
	"github.com/example/fleet-dispatch/internal/queue"
	"github.com/example/fleet-dispatch/internal/route"
	"github.com/example/fleet-dispatch/internal/storage"
)

const KindWaypointReached = "simulate.waypoint_reached"

const (
	DefaultMaxAttempts = 20
	DefaultTaskTimeout = 15 * time.Minute
)

var (
	ErrNoWaypoints = errors.New("simulate: no waypoints")
	ErrNoOrigin    = errors.New("simulate: driver has no current location")
)

// LocationRecorder persists a driver position.
type LocationRecorder interface {
	Record(ctx context.Context, driverUUID string, p models.Point, source string) error
}

type waypointTask struct {
	RunID    string           `json:"run_id"`
	Driver   models.DriverRef `json:"driver"`
	Waypoint models.Waypoint  `json:"waypoint"`
	Total    int              `json:"total"`
}

type Simulator struct {
	Queue     queue.Queue
	Drivers   storage.DriverStore
	Locations LocationRecorder
	Events    *events.Bus
	Routes    route.Provider
	Pacer     route.Pacer

	MaxAttempts int
	TaskTimeout time.Duration
	Logger      zerolog.Logger

	now func() time.Time
}

func New(q queue.Queue, drivers storage.DriverStore, locations LocationRecorder, bus *events.Bus, logger zerolog.Logger) *Simulator {
	return &Simulator{
		Queue:       q,
		Drivers:     drivers,
		Locations:   locations,
		Events:      bus,
		Routes:      route.Straight{},
		Pacer:       route.Pacer{SpeedMps: route.DefaultSpeedMps, TimeScale: 1},
		MaxAttempts: DefaultMaxAttempts,
		TaskTimeout: DefaultTaskTimeout,
		Logger:      logger,
		now:         time.Now,
	}
}

// Register installs the waypoint handler on a worker.
func (s *Simulator) Register(w *queue.Worker) {
	w.Handle(KindWaypointReached, s.HandleWaypoint)
	w.OnAbandon(KindWaypointReached, s.abandoned)
}

// Simulate schedules the run and returns its id. Only the first waypoint is
// enqueued; each later one is released by its predecessor's success after a
// travel delay.
func (s *Simulator) Simulate(ctx context.Context, driver models.Driver, waypoints []models.Waypoint) (string, error) {
	if len(waypoints) == 0 {
		return "", ErrNoWaypoints
	}
	for i, wp := range waypoints {
		if !wp.Point.Valid() {
			return "", fmt.Errorf("waypoint %d: invalid point %v,%v", i, wp.Point.Lat, wp.Point.Lon)
		}
	}

	runID := uuid.NewString()
	jobs := make([]queue.Job, 0, len(waypoints))
	for i, wp := range waypoints {
		wp.Index = i
		job, err := queue.NewJob(KindWaypointReached, waypointTask{
			RunID:    runID,
			Driver:   driver.Ref(),
			Waypoint: wp,
			Total:    len(waypoints),
		})
		if err != nil {
			return "", err
		}
		job.MaxAttempts = s.MaxAttempts
		job.Timeout = s.TaskTimeout
		if i > 0 {
			job.Delay = s.Pacer.Delay(waypoints[i-1].Point, wp.Point)
		}
		jobs = append(jobs, job)
	}

	head, _ := queue.Chain(jobs)
	head.NotBefore = s.now()
	if err := s.Queue.Enqueue(ctx, head); err != nil {
		return "", fmt.Errorf("enqueue simulation %s: %w", runID, err)
	}
	s.Logger.Info().Str("run", runID).Str("driver", driver.UUID).Int("waypoints", len(waypoints)).Msg("simulation scheduled")
	return runID, nil
}

// SimulateTo routes the driver from its current location to destination.
func (s *Simulator) SimulateTo(ctx context.Context, driver models.Driver, destination models.Point) (string, error) {
	if !driver.Location.Valid() {
		return "", ErrNoOrigin
	}
	path, err := s.Routes.Route(ctx, *driver.Location, destination)
	if err != nil {
		return "", fmt.Errorf("route driver %s: %w", driver.UUID, err)
	}
	return s.Simulate(ctx, driver, route.Waypoints(path))
}

// HandleWaypoint moves the driver to the job's waypoint and announces it.
// A driver that is gone or no longer active ends the run.
func (s *Simulator) HandleWaypoint(ctx context.Context, job queue.Job) error {
	var t waypointTask
	if err := job.Decode(&t); err != nil {
		return fmt.Errorf("%w: decode waypoint task: %v", queue.ErrAbandon, err)
	}

	d, err := s.Drivers.GetDriver(ctx, t.Driver.UUID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %w", queue.ErrAbandon, err)
	}
	if err != nil {
		return err
	}
	if d.DeletedAt != nil {
		return fmt.Errorf("%w: driver %s deleted", queue.ErrAbandon, d.UUID)
	}
	if d.Status != models.DriverStatusActive {
		return fmt.Errorf("%w: driver %s is %s", queue.ErrAbandon, d.UUID, d.Status)
	}

	if err := s.Locations.Record(ctx, d.UUID, t.Waypoint.Point, ingest.SourceSimulated); err != nil {
		return err
	}
	s.Events.LocationChanged.Publish(events.DriverSimulatedLocationChanged{
		RunID:    t.RunID,
		Driver:   d.Ref(),
		Waypoint: t.Waypoint,
		Total:    t.Total,
		At:       s.now(),
	})
	observability.SimulatedWaypoints.Inc()
	s.Logger.Debug().Str("run", t.RunID).Str("driver", d.UUID).Int("index", t.Waypoint.Index).Msg("waypoint reached")
	return nil
}

func (s *Simulator) abandoned(_ context.Context, job queue.Job, err error) {
	var t waypointTask
	if derr := job.Decode(&t); derr != nil {
		s.Logger.Error().Err(derr).Str("job", job.ID).Msg("undecodable simulation job abandoned")
		return
	}
	observability.SimulationsAbandoned.Inc()
	s.Events.SimulationAbandoned.Publish(events.SimulationAbandoned{
		RunID:  t.RunID,
		Driver: t.Driver,
		Index:  t.Waypoint.Index,
		Total:  t.Total,
		Reason: err.Error(),
		At:     s.now(),
	})
	s.Logger.Warn().Err(err).Str("run", t.RunID).Str("driver", t.Driver.UUID).Int("index", t.Waypoint.Index).Msg("simulation abandoned")
}
