package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
	"github.com/example/fleet-dispatch/internal/resource"
)

const defaultConcurrency = 8

// Fanout delivers one logical notification to many drivers over every
// configured channel. Recipients are independent of each other.
type Fanout struct {
	Serializer  resource.Serializer
	Broadcaster Broadcaster
	Pushers     []Pusher
	APIVersion  string
	Concurrency int
	// ChannelTimeout bounds each channel delivery; zero means no bound.
	ChannelTimeout time.Duration
	Now            func() time.Time
	Logger         zerolog.Logger
}

// Notify sends the notification for mode to every recipient. Per-recipient
// failures land in the report; only a failure to render the order is
// returned.
func (f *Fanout) Notify(ctx context.Context, o models.OrderSnapshot, recipients []Recipient, mode Mode, tenant models.Tenant) (BatchReport, error) {
	report := BatchReport{Mode: mode, Results: make([]Result, len(recipients))}
	if len(recipients) == 0 {
		return report, nil
	}

	serializer := f.Serializer
	if serializer == nil {
		serializer = resource.OrderSerializer{}
	}
	data, err := serializer.Serialize(o)
	if err != nil {
		return report, fmt.Errorf("render order %s: %w", o.UUID, err)
	}
	topics := Topics(o, tenant)
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	at := now()
	report.EventID = "event_" + uuid.NewString()

	limit := f.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, r := range recipients {
		g.Go(func() error {
			report.Results[i] = f.deliver(ctx, o, r, mode, topics, report.EventID, at, data)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range report.Results {
		for _, c := range r.Channels {
			observability.Notifications.WithLabelValues(mode.String(), c.Channel, string(c.Status)).Inc()
		}
	}
	f.Logger.Info().
		Str("order", o.UUID).
		Str("mode", mode.String()).
		Int("recipients", len(recipients)).
		Int("delivered", report.Delivered()).
		Int("failed", report.Failed()).
		Msg("fanout complete")
	return report, nil
}

func (f *Fanout) deliver(ctx context.Context, o models.OrderSnapshot, r Recipient, mode Mode, topics []string, eventID string, at time.Time, data map[string]any) (res Result) {
	res = Result{DriverUUID: r.Driver.UUID, Distance: r.Distance}
	defer func() {
		if p := recover(); p != nil {
			res.Channels = append(res.Channels, ChannelResult{Channel: "panic", Status: Failed, Err: fmt.Errorf("panic: %v", p)})
			f.Logger.Error().Interface("panic", p).Str("driver", r.Driver.UUID).Msg("notification panicked")
		}
	}()

	if f.Broadcaster != nil && len(topics) > 0 {
		payload, err := json.Marshal(buildBroadcast(eventID, f.APIVersion, mode, at, data, r))
		if err == nil {
			err = f.withTimeout(ctx, func(ctx context.Context) error {
				return f.Broadcaster.Broadcast(ctx, topics, payload)
			})
		}
		res.Channels = append(res.Channels, f.outcome(ChannelBroadcast, r, err))
	}

	msg := BuildPush(o, mode, r.Distance)
	for _, p := range f.Pushers {
		err := f.withTimeout(ctx, func(ctx context.Context) error {
			return p.Push(ctx, r.Driver, msg)
		})
		res.Channels = append(res.Channels, f.outcome(p.Name(), r, err))
	}
	return res
}

func (f *Fanout) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if f.ChannelTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, f.ChannelTimeout)
	defer cancel()
	return fn(ctx)
}

func (f *Fanout) outcome(channel string, r Recipient, err error) ChannelResult {
	switch {
	case err == nil:
		return ChannelResult{Channel: channel, Status: Delivered}
	case errors.Is(err, ErrNoAddress):
		return ChannelResult{Channel: channel, Status: Skipped, Err: err}
	default:
		f.Logger.Warn().Err(err).Str("channel", channel).Str("driver", r.Driver.UUID).Msg("notification delivery failed")
		return ChannelResult{Channel: channel, Status: Failed, Err: err}
	}
}
