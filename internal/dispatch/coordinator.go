// Package dispatch moves orders into the dispatched state and tells drivers
// about them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/fleet-dispatch/internal/events"
	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/notify"
	"github.com/example/fleet-dispatch/internal/observability"
	"github.com/example/fleet-dispatch/internal/storage"
)

const (
	DefaultAdhocDistance = 6000.0
	DefaultNotifyLease   = 2 * time.Minute

	ReasonNoDriver         = "No driver assigned for order to dispatch to."
	ReasonDriverUnnotified = "Order was dispatched, but driver was unable to be notified."
)

// ErrNotifyFailed is returned when the assigned driver could not be reached
// on some channel. The order stays dispatched and a re-run retries the
// notification.
var ErrNotifyFailed = errors.New("dispatch: assigned driver notification failed")

// activityEpsilon keeps dispatched_at strictly after the latest activity.
const activityEpsilon = time.Millisecond

type State string

const (
	StateFailedNoDriver     State = "failed_no_driver"
	StateAlreadyDispatched  State = "already_dispatched"
	StateAdhocPinged        State = "adhoc_pinged"
	StateAdhocInvalidPickup State = "adhoc_invalid_pickup"
	StateAssigned           State = "assigned"
	StateDriverUnresolved   State = "driver_unresolved"
)

// Outcome describes what a dispatch invocation did.
type Outcome struct {
	State  State
	Report *notify.BatchReport
}

type Matcher interface {
	FindEligibleDrivers(ctx context.Context, pickup models.Point, radius float64, tenant models.Tenant) ([]models.Match, error)
}

type ActivityResolver interface {
	Resolve(ctx context.Context, o *models.Order) (*models.DispatchActivity, error)
}

type Notifier interface {
	Notify(ctx context.Context, o models.OrderSnapshot, recipients []notify.Recipient, mode notify.Mode, tenant models.Tenant) (notify.BatchReport, error)
}

type Coordinator struct {
	Orders    storage.OrderStore
	Drivers   storage.DriverStore
	Companies storage.CompanyStore
	Resolver  ActivityResolver
	Matcher   Matcher
	Notifier  Notifier
	Events    *events.Bus

	DefaultAdhocDistance float64
	Now                  func() time.Time
	Logger               zerolog.Logger

	// NotifyLease bounds how long an in-flight notification blocks other
	// deliveries of the same order.
	NotifyLease time.Duration
}

// HandleEvent loads the order named by the event and dispatches it.
func (c *Coordinator) HandleEvent(ctx context.Context, e events.OrderDispatched) (Outcome, error) {
	o, err := c.Orders.GetOrder(ctx, e.OrderUUID)
	if err != nil {
		return Outcome{}, err
	}
	return c.OnOrderDispatched(ctx, o, e.APICredential)
}

// OnOrderDispatched runs the dispatch transition for o. It is safe to call
// again for an order that is already dispatched: drivers are notified only
// if no earlier delivery completed the notification.
func (c *Coordinator) OnOrderDispatched(ctx context.Context, o *models.Order, apiCredential string) (out Outcome, err error) {
	start := time.Now()
	defer func() {
		observability.DispatchLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			observability.DispatchOutcomes.WithLabelValues("error").Inc()
			return
		}
		observability.DispatchOutcomes.WithLabelValues(string(out.State)).Inc()
	}()

	tenant := o.Tenant(apiCredential)
	log := c.Logger.With().Str("order", o.UUID).Str("company", tenant.CompanyUUID).Logger()

	if !o.HasDriverAssigned() && !o.Adhoc {
		c.fail(o, tenant, ReasonNoDriver)
		log.Info().Msg("dispatch failed: no driver assigned")
		return Outcome{State: StateFailedNoDriver}, nil
	}

	if !o.Dispatched {
		won, err := c.markDispatched(ctx, o)
		if err != nil {
			return Outcome{}, err
		}
		if won {
			log.Info().Bool("adhoc", o.Adhoc).Str("status", o.Status).Msg("order dispatched")
		} else {
			// another delivery of the same event dispatched it first
			if o, err = c.Orders.GetOrder(ctx, o.UUID); err != nil {
				return Outcome{}, err
			}
		}
	}
	return c.deliver(ctx, o, tenant, log)
}

// deliver sends the dispatch notification at most once per order. The
// send is guarded by a store claim; a failed send releases it so the next
// delivery of the event retries.
func (c *Coordinator) deliver(ctx context.Context, o *models.Order, tenant models.Tenant, log zerolog.Logger) (Outcome, error) {
	if o.DriverNotifiedAt != nil {
		log.Debug().Msg("order already dispatched")
		return Outcome{State: StateAlreadyDispatched}, nil
	}
	claimed, err := c.Orders.ClaimNotification(ctx, o.UUID, c.now(), c.notifyLease())
	if err != nil {
		return Outcome{}, fmt.Errorf("claim notification: %w", err)
	}
	if !claimed {
		log.Debug().Msg("notification already sent or in flight")
		return Outcome{State: StateAlreadyDispatched}, nil
	}

	var out Outcome
	if o.Adhoc {
		out, err = c.pingNearby(ctx, o, tenant, log)
	} else {
		out, err = c.notifyAssigned(ctx, o, tenant, log)
	}
	// the ledger writes must land even when the caller gave up
	bg := context.WithoutCancel(ctx)
	if err != nil || out.State == StateDriverUnresolved {
		if rerr := c.Orders.ReleaseNotification(bg, o.UUID); rerr != nil {
			log.Warn().Err(rerr).Msg("release notification claim")
		}
		return out, err
	}
	if err := c.Orders.MarkDriverNotified(bg, o.UUID, c.now()); err != nil {
		return out, fmt.Errorf("record drivers notified: %w", err)
	}
	return out, nil
}

func (c *Coordinator) notifyLease() time.Duration {
	if c.NotifyLease > 0 {
		return c.NotifyLease
	}
	return DefaultNotifyLease
}

func (c *Coordinator) markDispatched(ctx context.Context, o *models.Order) (bool, error) {
	activity, err := c.Resolver.Resolve(ctx, o)
	if err != nil {
		return false, fmt.Errorf("resolve dispatch activity: %w", err)
	}

	at := c.now()
	if latest := o.LatestActivityAt(); !latest.IsZero() && !at.After(latest) {
		at = latest.Add(activityEpsilon)
	}

	mark := storage.DispatchMark{At: at}
	if activity != nil {
		mark.Activity = &models.Activity{
			Code:      activity.Code,
			Status:    activity.Status,
			Details:   activity.Details,
			Location:  o.LastLocation(),
			CreatedAt: at,
		}
	}
	won, err := c.Orders.MarkDispatched(ctx, o.UUID, mark)
	if err != nil || !won {
		return won, err
	}

	o.Dispatched = true
	o.DispatchedAt = &at
	o.UpdatedAt = at
	if mark.Activity != nil {
		o.Status = mark.Activity.Code
		o.Activities = append(o.Activities, *mark.Activity)
	}
	return true, nil
}

func (c *Coordinator) pingNearby(ctx context.Context, o *models.Order, tenant models.Tenant, log zerolog.Logger) (Outcome, error) {
	if !o.Pickup.Valid() {
		log.Warn().Msg("adhoc order has no valid pickup; no drivers pinged")
		return Outcome{State: StateAdhocInvalidPickup}, nil
	}

	radius := c.adhocDistance(ctx, o, log)
	matches, err := c.Matcher.FindEligibleDrivers(ctx, *o.Pickup, radius, tenant)
	if err != nil {
		return Outcome{}, fmt.Errorf("find drivers near %s: %w", o.UUID, err)
	}

	recipients := make([]notify.Recipient, 0, len(matches))
	for _, m := range matches {
		distance := m.Distance
		recipients = append(recipients, notify.Recipient{Driver: m.Driver, Distance: &distance})
	}
	report, err := c.Notifier.Notify(ctx, o.Snapshot(), recipients, notify.Ping, tenant)
	if err != nil {
		return Outcome{}, err
	}
	log.Info().Float64("radius", radius).Int("pinged", len(recipients)).Int("failed", report.Failed()).Msg("adhoc drivers pinged")
	return Outcome{State: StateAdhocPinged, Report: &report}, nil
}

// adhocDistance is the order's radius, else the company's, else the default.
func (c *Coordinator) adhocDistance(ctx context.Context, o *models.Order, log zerolog.Logger) float64 {
	if o.AdhocDistance != nil {
		return *o.AdhocDistance
	}
	company := o.Company
	if company == nil && c.Companies != nil && o.CompanyUUID != "" {
		var err error
		company, err = c.Companies.GetCompany(ctx, o.CompanyUUID)
		if err != nil {
			log.Warn().Err(err).Msg("company lookup failed; using default adhoc distance")
		}
	}
	if company != nil && company.Options.AdhocDistance != nil {
		return *company.Options.AdhocDistance
	}
	if c.DefaultAdhocDistance > 0 {
		return c.DefaultAdhocDistance
	}
	return DefaultAdhocDistance
}

func (c *Coordinator) notifyAssigned(ctx context.Context, o *models.Order, tenant models.Tenant, log zerolog.Logger) (Outcome, error) {
	driver, err := c.Drivers.GetDriver(ctx, o.DriverAssignedUUID)
	if errors.Is(err, storage.ErrNotFound) {
		c.fail(o, tenant, ReasonDriverUnnotified)
		log.Warn().Str("driver", o.DriverAssignedUUID).Msg("assigned driver not found")
		return Outcome{State: StateDriverUnresolved}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	report, err := c.Notifier.Notify(ctx, o.Snapshot(), []notify.Recipient{{Driver: *driver}}, notify.Assigned, tenant)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{State: StateAssigned, Report: &report}
	if report.Failed() > 0 {
		return out, fmt.Errorf("order %s driver %s: %w", o.UUID, driver.UUID, ErrNotifyFailed)
	}
	log.Info().Str("driver", driver.UUID).Msg("assigned driver notified")
	return out, nil
}

func (c *Coordinator) fail(o *models.Order, tenant models.Tenant, reason string) {
	observability.DispatchFailures.WithLabelValues(reason).Inc()
	c.Events.DispatchFailed.Publish(events.DispatchFailed{
		Order:  o.Snapshot(),
		Tenant: tenant,
		Reason: reason,
		At:     c.now(),
	})
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
