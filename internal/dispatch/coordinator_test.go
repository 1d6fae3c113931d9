package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fleet-dispatch/internal/events"
	"github.com/example/fleet-dispatch/internal/flow"
	"github.com/example/fleet-dispatch/internal/geo"
	"github.com/example/fleet-dispatch/internal/matcher"
	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/notify"
	"github.com/example/fleet-dispatch/internal/storage"
)

type notifyCall struct {
	order      models.OrderSnapshot
	recipients []notify.Recipient
	mode       notify.Mode
	tenant     models.Tenant
}

type fakeNotifier struct {
	mu      sync.Mutex
	calls   []notifyCall
	failFor map[string]int // driver uuid -> remaining failed deliveries
	err     error
	// entered and release, when set, hold every Notify call until released.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeNotifier) Notify(_ context.Context, o models.OrderSnapshot, rs []notify.Recipient, mode notify.Mode, tenant models.Tenant) (notify.BatchReport, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{order: o, recipients: rs, mode: mode, tenant: tenant})
	if f.err != nil {
		return notify.BatchReport{}, f.err
	}
	report := notify.BatchReport{Mode: mode, EventID: "event_test"}
	for _, r := range rs {
		status := notify.Delivered
		if f.failFor[r.Driver.UUID] > 0 {
			f.failFor[r.Driver.UUID]--
			status = notify.Failed
		}
		report.Results = append(report.Results, notify.Result{
			DriverUUID: r.Driver.UUID,
			Distance:   r.Distance,
			Channels:   []notify.ChannelResult{{Channel: "fcm", Status: status}},
		})
	}
	return report, nil
}

type flakyMatcher struct {
	Matcher
	failures int
}

func (m *flakyMatcher) FindEligibleDrivers(ctx context.Context, p models.Point, radius float64, tenant models.Tenant) ([]models.Match, error) {
	if m.failures > 0 {
		m.failures--
		return nil, errors.New("redis: connection refused")
	}
	return m.Matcher.FindEligibleDrivers(ctx, p, radius, tenant)
}

var (
	now    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pickup = models.Point{Lat: 1, Lon: 1}
)

type fixture struct {
	store    *storage.MemoryStore
	index    *geo.Index
	bus      *events.Bus
	notifier *fakeNotifier
	coord    *Coordinator
	failed   <-chan events.DispatchFailed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		index:    geo.NewIndex(),
		bus:      events.NewBus(16),
		notifier: &fakeNotifier{failFor: map[string]int{}},
	}
	t.Cleanup(f.bus.Close)
	f.failed = f.bus.DispatchFailed.Subscribe()
	f.store.SaveCompany(&models.Company{UUID: "c1", PublicID: "company_1"})

	lookup := flow.StaticLookup{flow.DefaultFlow: {Activities: []flow.Activity{
		{Code: "created", Status: "Order created"},
		{Code: "dispatched", Status: "Order dispatched", Details: "Order has been dispatched", Trigger: flow.TriggerDispatch},
	}}}
	f.coord = &Coordinator{
		Orders:    f.store,
		Drivers:   f.store,
		Companies: f.store,
		Resolver:  flow.NewResolver(lookup),
		Matcher:   matcher.New(matcher.IndexSource{Positions: f.index, Drivers: f.store}, zerolog.Nop()),
		Notifier:  f.notifier,
		Events:    f.bus,
		Now:       func() time.Time { return now },
		Logger:    zerolog.Nop(),
	}
	return f
}

func (f *fixture) driver(t *testing.T, uuid string, north float64, mutate func(*models.Driver)) {
	t.Helper()
	loc := geo.Offset(pickup, north, 0)
	d := &models.Driver{
		UUID:        uuid,
		PublicID:    "driver_" + uuid,
		CompanyUUID: "c1",
		Status:      models.DriverStatusActive,
		Online:      true,
		User:        &models.User{UUID: "user_" + uuid},
		Location:    &loc,
		FCMToken:    "token-" + uuid,
	}
	if mutate != nil {
		mutate(d)
	}
	f.store.SaveDriver(d)
	require.NoError(t, f.index.Upsert(context.Background(), uuid, loc))
}

func (f *fixture) order(t *testing.T, o *models.Order) *models.Order {
	t.Helper()
	o.CompanyUUID = "c1"
	if o.PublicID == "" {
		o.PublicID = "order_" + o.UUID
	}
	f.store.SaveOrder(o)
	stored, err := f.store.GetOrder(context.Background(), o.UUID)
	require.NoError(t, err)
	return stored
}

func (f *fixture) drainFailed() []events.DispatchFailed {
	var out []events.DispatchFailed
	for {
		select {
		case e := <-f.failed:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestNoDriverAndNotAdhocFails(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, &models.Order{UUID: "o1", Status: "created", Pickup: &pickup})

	out, err := f.coord.OnOrderDispatched(context.Background(), o, "cred_1")
	require.NoError(t, err)
	assert.Equal(t, StateFailedNoDriver, out.State)

	failed := f.drainFailed()
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonNoDriver, failed[0].Reason)
	assert.Equal(t, "o1", failed[0].Order.UUID)
	assert.Equal(t, "company_1", failed[0].Tenant.CompanyPublicID)
	assert.Equal(t, "cred_1", failed[0].Tenant.APICredential)

	stored, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.False(t, stored.Dispatched)
	assert.Nil(t, stored.DispatchedAt)
	assert.Empty(t, stored.Activities)
	assert.Equal(t, "created", stored.Status)
	assert.Empty(t, f.notifier.calls)
}

func TestAdhocPingsOnlyEligibleDriversWithinDefaultRadius(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 500, nil)
	f.driver(t, "d2", 7000, nil)
	deleted := now.Add(-time.Hour)
	f.driver(t, "d3", 400, func(d *models.Driver) { d.User.DeletedAt = &deleted })
	f.driver(t, "d4", 300, func(d *models.Driver) { d.Online = false })
	f.driver(t, "d5", 200, func(d *models.Driver) { d.Status = models.DriverStatusInactive })
	o := f.order(t, &models.Order{UUID: "o1", Adhoc: true, Pickup: &pickup})

	out, err := f.coord.OnOrderDispatched(context.Background(), o, "")
	require.NoError(t, err)
	assert.Equal(t, StateAdhocPinged, out.State)
	require.NotNil(t, out.Report)

	require.Len(t, f.notifier.calls, 1)
	call := f.notifier.calls[0]
	assert.Equal(t, notify.Ping, call.mode)
	require.Len(t, call.recipients, 1)
	assert.Equal(t, "d1", call.recipients[0].Driver.UUID)
	require.NotNil(t, call.recipients[0].Distance)
	assert.InDelta(t, 500, *call.recipients[0].Distance, 1)
	assert.True(t, call.order.Dispatched)
	assert.Equal(t, "dispatched", call.order.Status)
	assert.Empty(t, f.drainFailed())
}

func TestAdhocRecipientsCarryOwnDistanceInOrder(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "far", 3000, nil)
	f.driver(t, "near", 100, nil)
	f.driver(t, "mid", 1500, nil)
	o := f.order(t, &models.Order{UUID: "o1", Adhoc: true, Pickup: &pickup})

	_, err := f.coord.OnOrderDispatched(context.Background(), o, "")
	require.NoError(t, err)
	require.Len(t, f.notifier.calls, 1)
	rs := f.notifier.calls[0].recipients
	require.Len(t, rs, 3)
	for i, want := range []struct {
		uuid string
		m    float64
	}{{"near", 100}, {"mid", 1500}, {"far", 3000}} {
		assert.Equal(t, want.uuid, rs[i].Driver.UUID)
		assert.InDelta(t, want.m, *rs[i].Distance, 1)
	}
}

func TestAdhocRadiusPrecedence(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 500, nil)
	f.driver(t, "d2", 2000, nil)
	companyRadius := 300.0
	f.store.SaveCompany(&models.Company{UUID: "c1", PublicID: "company_1", Options: models.CompanyOptions{AdhocDistance: &companyRadius}})

	o := f.order(t, &models.Order{UUID: "o1", Adhoc: true, Pickup: &pickup})
	_, err := f.coord.OnOrderDispatched(context.Background(), o, "")
	require.NoError(t, err)
	require.Len(t, f.notifier.calls, 1)
	assert.Empty(t, f.notifier.calls[0].recipients)

	orderRadius := 1000.0
	o2 := f.order(t, &models.Order{UUID: "o2", Adhoc: true, Pickup: &pickup, AdhocDistance: &orderRadius})
	_, err = f.coord.OnOrderDispatched(context.Background(), o2, "")
	require.NoError(t, err)
	require.Len(t, f.notifier.calls, 2)
	require.Len(t, f.notifier.calls[1].recipients, 1)
	assert.Equal(t, "d1", f.notifier.calls[1].recipients[0].Driver.UUID)

	f.coord.DefaultAdhocDistance = 2500
	f.store.SaveCompany(&models.Company{UUID: "c1", PublicID: "company_1"})
	o3 := f.order(t, &models.Order{UUID: "o3", Adhoc: true, Pickup: &pickup})
	o3.Company = nil
	_, err = f.coord.OnOrderDispatched(context.Background(), o3, "")
	require.NoError(t, err)
	require.Len(t, f.notifier.calls, 3)
	assert.Len(t, f.notifier.calls[2].recipients, 2)
}

func TestAdhocInvalidPickupIsSilent(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 500, nil)
	for _, p := range []*models.Point{nil, {Lat: 200, Lon: 1}} {
		f.notifier.calls = nil
		o := f.order(t, &models.Order{UUID: "o1", Adhoc: true, Pickup: p})

		out, err := f.coord.OnOrderDispatched(context.Background(), o, "")
		require.NoError(t, err)
		assert.Equal(t, StateAdhocInvalidPickup, out.State)

		stored, err := f.store.GetOrder(context.Background(), "o1")
		require.NoError(t, err)
		assert.True(t, stored.Dispatched)
		assert.Empty(t, f.notifier.calls)
		assert.Empty(t, f.drainFailed())
	}
}

func TestAdhocRerunDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 500, nil)
	o := f.order(t, &models.Order{UUID: "o1", Adhoc: true, Pickup: &pickup})

	_, err := f.coord.OnOrderDispatched(context.Background(), o, "")
	require.NoError(t, err)

	again, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	out, err := f.coord.OnOrderDispatched(context.Background(), again, "")
	require.NoError(t, err)
	assert.Equal(t, StateAlreadyDispatched, out.State)

	stored, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Len(t, stored.Activities, 1)
	assert.Len(t, f.notifier.calls, 1)
}

func TestConcurrentDeliveryLosesCompareAndSet(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 500, nil)
	o := f.order(t, &models.Order{UUID: "o1", Adhoc: true, Pickup: &pickup})
	stale, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)

	_, err = f.coord.OnOrderDispatched(context.Background(), o, "")
	require.NoError(t, err)
	out, err := f.coord.OnOrderDispatched(context.Background(), stale, "")
	require.NoError(t, err)
	assert.Equal(t, StateAlreadyDispatched, out.State)
	assert.Len(t, f.notifier.calls, 1)

	stored, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Len(t, stored.Activities, 1)
}

func TestAdhocRedeliveryAfterMatcherErrorPings(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 500, nil)
	f.coord.Matcher = &flakyMatcher{Matcher: f.coord.Matcher, failures: 1}
	o := f.order(t, &models.Order{UUID: "o1", Adhoc: true, Pickup: &pickup})

	_, err := f.coord.HandleEvent(context.Background(), events.OrderDispatched{OrderUUID: "o1"})
	require.ErrorContains(t, err, "connection refused")
	stored, err := f.store.GetOrder(context.Background(), o.UUID)
	require.NoError(t, err)
	assert.True(t, stored.Dispatched)
	assert.Nil(t, stored.DriverNotifiedAt)

	out, err := f.coord.HandleEvent(context.Background(), events.OrderDispatched{OrderUUID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, StateAdhocPinged, out.State)
	require.Len(t, f.notifier.calls, 1)
	require.Len(t, f.notifier.calls[0].recipients, 1)
	assert.Equal(t, "d1", f.notifier.calls[0].recipients[0].Driver.UUID)

	out, err = f.coord.HandleEvent(context.Background(), events.OrderDispatched{OrderUUID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, StateAlreadyDispatched, out.State)
	assert.Len(t, f.notifier.calls, 1)

	stored, err = f.store.GetOrder(context.Background(), o.UUID)
	require.NoError(t, err)
	assert.Len(t, stored.Activities, 1)
	assert.NotNil(t, stored.DriverNotifiedAt)
}

func TestAdhocRedeliveryAfterBatchErrorPings(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 500, nil)
	f.notifier.err = errors.New("render order o1: boom")
	f.order(t, &models.Order{UUID: "o1", Adhoc: true, Pickup: &pickup})

	_, err := f.coord.HandleEvent(context.Background(), events.OrderDispatched{OrderUUID: "o1"})
	require.Error(t, err)

	f.notifier.err = nil
	out, err := f.coord.HandleEvent(context.Background(), events.OrderDispatched{OrderUUID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, StateAdhocPinged, out.State)
	assert.Len(t, f.notifier.calls, 2)
}

func TestConcurrentDirectDeliveriesNotifyOnce(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 100, nil)
	f.notifier.entered = make(chan struct{}, 2)
	f.notifier.release = make(chan struct{})
	o := f.order(t, &models.Order{UUID: "o1", DriverAssignedUUID: "d1"})
	stale, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)

	first := make(chan Outcome, 1)
	go func() {
		out, err := f.coord.OnOrderDispatched(context.Background(), o, "")
		assert.NoError(t, err)
		first <- out
	}()
	<-f.notifier.entered

	out, err := f.coord.OnOrderDispatched(context.Background(), stale, "")
	require.NoError(t, err)
	assert.Equal(t, StateAlreadyDispatched, out.State)

	close(f.notifier.release)
	assert.Equal(t, StateAssigned, (<-first).State)
	assert.Len(t, f.notifier.calls, 1)
}

func TestDirectDispatchNotifiesAssignedDriverOnce(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 50000, nil)
	o := f.order(t, &models.Order{UUID: "o1", DriverAssignedUUID: "d1", Pickup: &pickup})

	out, err := f.coord.OnOrderDispatched(context.Background(), o, "cred")
	require.NoError(t, err)
	assert.Equal(t, StateAssigned, out.State)
	require.Len(t, f.notifier.calls, 1)
	call := f.notifier.calls[0]
	assert.Equal(t, notify.Assigned, call.mode)
	require.Len(t, call.recipients, 1)
	assert.Equal(t, "d1", call.recipients[0].Driver.UUID)
	assert.Nil(t, call.recipients[0].Distance)

	stored, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	require.NotNil(t, stored.DriverNotifiedAt)

	out, err = f.coord.OnOrderDispatched(context.Background(), stored, "cred")
	require.NoError(t, err)
	assert.Equal(t, StateAlreadyDispatched, out.State)
	assert.Len(t, f.notifier.calls, 1)
}

func TestDirectDispatchRetriesFailedNotification(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 100, nil)
	f.notifier.failFor["d1"] = 1
	o := f.order(t, &models.Order{UUID: "o1", DriverAssignedUUID: "d1"})

	_, err := f.coord.OnOrderDispatched(context.Background(), o, "")
	assert.ErrorIs(t, err, ErrNotifyFailed)

	stored, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, stored.Dispatched)
	assert.Nil(t, stored.DriverNotifiedAt)

	out, err := f.coord.OnOrderDispatched(context.Background(), stored, "")
	require.NoError(t, err)
	assert.Equal(t, StateAssigned, out.State)
	assert.Len(t, f.notifier.calls, 2)

	stored, err = f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Len(t, stored.Activities, 1)
	assert.NotNil(t, stored.DriverNotifiedAt)
}

func TestDirectDispatchBatchErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 100, nil)
	f.notifier.err = errors.New("render order o1: boom")
	o := f.order(t, &models.Order{UUID: "o1", DriverAssignedUUID: "d1"})

	_, err := f.coord.OnOrderDispatched(context.Background(), o, "")
	assert.EqualError(t, err, "render order o1: boom")
}

func TestDirectDispatchUnresolvedDriver(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, &models.Order{UUID: "o1", DriverAssignedUUID: "ghost"})

	out, err := f.coord.OnOrderDispatched(context.Background(), o, "")
	require.NoError(t, err)
	assert.Equal(t, StateDriverUnresolved, out.State)

	failed := f.drainFailed()
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonDriverUnnotified, failed[0].Reason)
	assert.True(t, failed[0].Order.Dispatched)

	stored, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, stored.Dispatched)
	assert.Empty(t, f.notifier.calls)
}

func TestDispatchedAtNeverPrecedesLatestActivity(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 100, nil)
	later := now.Add(time.Hour)
	loc := models.Point{Lat: 2, Lon: 2}
	o := f.order(t, &models.Order{
		UUID:               "o1",
		DriverAssignedUUID: "d1",
		Pickup:             &pickup,
		Activities:         []models.Activity{{Code: "created", CreatedAt: later, Location: &loc}},
	})

	_, err := f.coord.OnOrderDispatched(context.Background(), o, "")
	require.NoError(t, err)

	stored, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	require.NotNil(t, stored.DispatchedAt)
	assert.True(t, stored.DispatchedAt.After(later))
	require.Len(t, stored.Activities, 2)
	last := stored.Activities[1]
	assert.Equal(t, "dispatched", last.Code)
	assert.Equal(t, "Order has been dispatched", last.Details)
	assert.Equal(t, &loc, last.Location)
	assert.True(t, last.CreatedAt.Equal(*stored.DispatchedAt))
}

func TestNoDispatchActivityStillDispatches(t *testing.T) {
	f := newFixture(t)
	f.coord.Resolver = flow.NewResolver(nil)
	f.driver(t, "d1", 100, nil)
	o := f.order(t, &models.Order{UUID: "o1", DriverAssignedUUID: "d1", Status: "created"})

	_, err := f.coord.OnOrderDispatched(context.Background(), o, "")
	require.NoError(t, err)
	stored, err := f.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, stored.Dispatched)
	assert.Equal(t, "created", stored.Status)
	assert.Empty(t, stored.Activities)
	require.NotNil(t, stored.DispatchedAt)
	assert.True(t, stored.DispatchedAt.Equal(now))
}

func TestHandleEventLoadsOrder(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "d1", 100, nil)
	f.order(t, &models.Order{UUID: "o1", Adhoc: true, Pickup: &pickup})

	out, err := f.coord.HandleEvent(context.Background(), events.OrderDispatched{OrderUUID: "o1", APICredential: "cred"})
	require.NoError(t, err)
	assert.Equal(t, StateAdhocPinged, out.State)
	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, "cred", f.notifier.calls[0].tenant.APICredential)

	_, err = f.coord.HandleEvent(context.Background(), events.OrderDispatched{OrderUUID: "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
