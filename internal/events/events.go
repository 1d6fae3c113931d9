package events

import (
	"time"

	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
)

const (
	NameDispatchFailed                 = "order.dispatch_failed"
	NameDriverSimulatedLocationChanged = "driver.simulated_location_changed"
	NameSimulationAbandoned            = "simulation.abandoned"
)

// OrderDispatched is the inbound trigger for the dispatch coordinator.
type OrderDispatched struct {
	OrderUUID     string `json:"order_uuid" validate:"required"`
	APICredential string `json:"api_credential,omitempty"`
}

// DispatchFailed is raised when a dispatch cannot reach a driver.
type DispatchFailed struct {
	Order  models.OrderSnapshot
	Tenant models.Tenant
	Reason string
	At     time.Time
}

// DriverSimulatedLocationChanged is raised once per simulated waypoint.
type DriverSimulatedLocationChanged struct {
	RunID    string
	Driver   models.DriverRef
	Waypoint models.Waypoint
	Total    int
	At       time.Time
}

// SimulationAbandoned is raised when a simulation run stops before its last
// waypoint.
type SimulationAbandoned struct {
	RunID  string
	Driver models.DriverRef
	Index  int
	Total  int
	Reason string
	At     time.Time
}

// Bus groups the typed buses of the domain.
type Bus struct {
	DispatchFailed      *TypedBus[DispatchFailed]
	LocationChanged     *TypedBus[DriverSimulatedLocationChanged]
	SimulationAbandoned *TypedBus[SimulationAbandoned]
}

// DefaultPublishWait is how long a domain event publisher waits for a
// lagging subscriber before the event is dropped for it.
const DefaultPublishWait = time.Second

func NewBus(buffer int) *Bus {
	b := &Bus{
		DispatchFailed:      NewTypedWait[DispatchFailed](buffer, DefaultPublishWait),
		LocationChanged:     NewTypedWait[DriverSimulatedLocationChanged](buffer, DefaultPublishWait),
		SimulationAbandoned: NewTypedWait[SimulationAbandoned](buffer, DefaultPublishWait),
	}
	b.DispatchFailed.onDrop = dropCounter(NameDispatchFailed)
	b.LocationChanged.onDrop = dropCounter(NameDriverSimulatedLocationChanged)
	b.SimulationAbandoned.onDrop = dropCounter(NameSimulationAbandoned)
	return b
}

func dropCounter(name string) func() {
	c := observability.EventsDropped.WithLabelValues(name)
	return c.Inc
}

func (b *Bus) Close() {
	b.DispatchFailed.Close()
	b.LocationChanged.Close()
	b.SimulationAbandoned.Close()
}
