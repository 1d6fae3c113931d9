package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fleet-dispatch/internal/models"
)

type recordingSink struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Emit(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return s.err
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.envs))
	for _, e := range s.envs {
		out = append(out, e.Name)
	}
	return out
}

func TestRelayForwardsToEverySink(t *testing.T) {
	bus := NewBus(8)
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("down")}
	relay := &Relay{Bus: bus, Sinks: []Sink{failing, ok}, Logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	// wait for the relay to subscribe
	require.Eventually(t, func() bool {
		bus.DispatchFailed.Publish(DispatchFailed{Order: models.OrderSnapshot{UUID: "o1"}, Reason: "r"})
		return len(ok.names()) > 0
	}, time.Second, 10*time.Millisecond)

	driver := models.DriverRef{UUID: "d1", PublicID: "driver_1", CompanyUUID: "c1"}
	bus.LocationChanged.Publish(DriverSimulatedLocationChanged{Driver: driver, Waypoint: models.Waypoint{Index: 2}})
	bus.SimulationAbandoned.Publish(SimulationAbandoned{Driver: driver})

	require.Eventually(t, func() bool {
		names := ok.names()
		return contains(names, NameDriverSimulatedLocationChanged) && contains(names, NameSimulationAbandoned)
	}, time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, failing.names())

	cancel()
	<-done
}

func TestLocationChangedEnvelopeTopics(t *testing.T) {
	env := LocationChangedEnvelope(DriverSimulatedLocationChanged{
		RunID:    "run",
		Driver:   models.DriverRef{UUID: "d1", PublicID: "driver_1", CompanyUUID: "c1"},
		Waypoint: models.Waypoint{Index: 3, Point: models.Point{Lat: 1, Lon: 2}},
		Total:    5,
	})
	assert.Equal(t, []string{"driver.d1", "driver.driver_1", "company.c1"}, env.Topics)
	assert.Equal(t, "d1", env.Key)
	assert.Equal(t, 3, env.Data["index"])
}

func TestDispatchFailedEnvelopeTopics(t *testing.T) {
	env := DispatchFailedEnvelope(DispatchFailed{
		Order:  models.OrderSnapshot{UUID: "o1", PublicID: "order_1"},
		Tenant: models.Tenant{CompanyUUID: "c1"},
		Reason: "nope",
	})
	assert.Equal(t, []string{"company.c1", "order.o1"}, env.Topics)
	assert.Equal(t, "nope", env.Data["reason"])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type slowSink struct {
	recordingSink
	delay time.Duration
}

func (s *slowSink) Emit(ctx context.Context, env Envelope) error {
	time.Sleep(s.delay)
	return s.recordingSink.Emit(ctx, env)
}

func TestRelayKeepsEveryEventWhenSinkLags(t *testing.T) {
	bus := NewBus(2)
	sink := &slowSink{delay: 10 * time.Millisecond}
	relay := &Relay{Bus: bus, Sinks: []Sink{sink}, Logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := relay.Subscribe()
	// published before Serve starts
	driver := models.DriverRef{UUID: "d1"}
	bus.LocationChanged.Publish(DriverSimulatedLocationChanged{Driver: driver, Waypoint: models.Waypoint{Index: 0}})
	go relay.Serve(ctx, sub)

	for i := 1; i < 20; i++ {
		bus.LocationChanged.Publish(DriverSimulatedLocationChanged{Driver: driver, Waypoint: models.Waypoint{Index: i}})
	}
	require.Eventually(t, func() bool { return len(sink.names()) == 20 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, bus.LocationChanged.Dropped())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, env := range sink.envs {
		assert.Equal(t, i, env.Data["index"])
	}
}
