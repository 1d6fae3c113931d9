package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
)

// Envelope is the transport-neutral form of a domain event.
type Envelope struct {
	Name string `json:"event"`
	// Key partitions the event stream, usually by order or driver uuid.
	Key    string         `json:"-"`
	Topics []string       `json:"-"`
	At     time.Time      `json:"created_at"`
	Data   map[string]any `json:"data"`
}

// Sink receives relayed events.
type Sink interface {
	Name() string
	Emit(ctx context.Context, env Envelope) error
}

// Relay forwards every domain event on the bus to its sinks until the bus
// closes or the context ends.
type Relay struct {
	Bus    *Bus
	Sinks  []Sink
	Logger zerolog.Logger
}

func (r *Relay) Run(ctx context.Context) {
	r.Serve(ctx, r.Subscribe())
}

// Subscription holds the relay's bus subscriptions.
type Subscription struct {
	failed    <-chan DispatchFailed
	moved     <-chan DriverSimulatedLocationChanged
	abandoned <-chan SimulationAbandoned
}

// Subscribe attaches the relay to the bus. Events published after it
// returns are buffered until Serve drains them.
func (r *Relay) Subscribe() Subscription {
	return Subscription{
		failed:    r.Bus.DispatchFailed.Subscribe(),
		moved:     r.Bus.LocationChanged.Subscribe(),
		abandoned: r.Bus.SimulationAbandoned.Subscribe(),
	}
}

// Serve forwards events from sub until the bus closes or ctx ends.
func (r *Relay) Serve(ctx context.Context, sub Subscription) {
	failed, moved, abandoned := sub.failed, sub.moved, sub.abandoned
	defer func() {
		r.Bus.DispatchFailed.Unsubscribe(failed)
		r.Bus.LocationChanged.Unsubscribe(moved)
		r.Bus.SimulationAbandoned.Unsubscribe(abandoned)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-failed:
			if !ok {
				return
			}
			r.emit(ctx, DispatchFailedEnvelope(e))
		case e, ok := <-moved:
			if !ok {
				return
			}
			r.emit(ctx, LocationChangedEnvelope(e))
		case e, ok := <-abandoned:
			if !ok {
				return
			}
			r.emit(ctx, AbandonedEnvelope(e))
		}
	}
}

func (r *Relay) emit(ctx context.Context, env Envelope) {
	for _, s := range r.Sinks {
		if err := s.Emit(ctx, env); err != nil {
			observability.EventsRelayed.WithLabelValues(s.Name(), "error").Inc()
			r.Logger.Warn().Err(err).Str("sink", s.Name()).Str("event", env.Name).Msg("relay event")
			continue
		}
		observability.EventsRelayed.WithLabelValues(s.Name(), "ok").Inc()
	}
}

func DispatchFailedEnvelope(e DispatchFailed) Envelope {
	return Envelope{
		Name:   NameDispatchFailed,
		Key:    e.Order.UUID,
		Topics: companyTopics(e.Tenant.CompanyUUID, e.Tenant.CompanyPublicID, "order."+e.Order.UUID),
		At:     e.At,
		Data: map[string]any{
			"order":   e.Order.PublicID,
			"uuid":    e.Order.UUID,
			"company": e.Tenant.CompanyUUID,
			"reason":  e.Reason,
		},
	}
}

func LocationChangedEnvelope(e DriverSimulatedLocationChanged) Envelope {
	return Envelope{
		Name:   NameDriverSimulatedLocationChanged,
		Key:    e.Driver.UUID,
		Topics: driverTopics(e.Driver),
		At:     e.At,
		Data: map[string]any{
			"id":       e.Driver.PublicID,
			"uuid":     e.Driver.UUID,
			"run_id":   e.RunID,
			"location": map[string]float64{"lat": e.Waypoint.Point.Lat, "lon": e.Waypoint.Point.Lon},
			"index":    e.Waypoint.Index,
			"total":    e.Total,
			"meta":     e.Waypoint.Meta,
		},
	}
}

func AbandonedEnvelope(e SimulationAbandoned) Envelope {
	return Envelope{
		Name:   NameSimulationAbandoned,
		Key:    e.Driver.UUID,
		Topics: driverTopics(e.Driver),
		At:     e.At,
		Data: map[string]any{
			"id":     e.Driver.PublicID,
			"uuid":   e.Driver.UUID,
			"run_id": e.RunID,
			"index":  e.Index,
			"total":  e.Total,
			"reason": e.Reason,
		},
	}
}

func driverTopics(d models.DriverRef) []string {
	topics := make([]string, 0, 3)
	if d.UUID != "" {
		topics = append(topics, "driver."+d.UUID)
	}
	if d.PublicID != "" {
		topics = append(topics, "driver."+d.PublicID)
	}
	if d.CompanyUUID != "" {
		topics = append(topics, "company."+d.CompanyUUID)
	}
	return topics
}

func companyTopics(uuid, publicID, extra string) []string {
	topics := make([]string, 0, 3)
	if uuid != "" {
		topics = append(topics, "company."+uuid)
	}
	if publicID != "" {
		topics = append(topics, "company."+publicID)
	}
	return append(topics, extra)
}
