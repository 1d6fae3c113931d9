package notify

import (
	"context"
	"errors"

	"github.com/example/fleet-dispatch/internal/models"
)

// Mode selects which notification is sent.
type Mode int

const (
	// Ping offers an adhoc order to a nearby driver.
	Ping Mode = iota
	// Assigned tells the assigned driver the order was dispatched.
	Assigned
)

func (m Mode) String() string {
	if m == Assigned {
		return "assigned"
	}
	return "ping"
}

// Event is the broadcast event name for the mode.
func (m Mode) Event() string {
	if m == Assigned {
		return "order.assigned"
	}
	return "order.ping"
}

// ErrNoAddress marks a push channel skipped because the driver has no
// device token for it.
var ErrNoAddress = errors.New("notify: recipient has no address for channel")

// Recipient is a driver to notify, with its distance from pickup for pings.
type Recipient struct {
	Driver   models.Driver
	Distance *float64
}

// Broadcaster publishes a payload on real-time topics.
type Broadcaster interface {
	Broadcast(ctx context.Context, topics []string, payload []byte) error
}

// Pusher delivers a mobile push message to one driver device.
type Pusher interface {
	Name() string
	Push(ctx context.Context, d models.Driver, msg PushMessage) error
}

const (
	ChannelBroadcast = "broadcast"
)

type Status string

const (
	Delivered Status = "delivered"
	Skipped   Status = "skipped"
	Failed    Status = "failed"
)

// ChannelResult is the outcome of one channel for one recipient.
type ChannelResult struct {
	Channel string
	Status  Status
	Err     error
}

// Result collects every channel outcome for one recipient.
type Result struct {
	DriverUUID string
	Distance   *float64
	Channels   []ChannelResult
}

// OK reports whether no channel failed.
func (r Result) OK() bool {
	for _, c := range r.Channels {
		if c.Status == Failed {
			return false
		}
	}
	return true
}

// Delivered reports whether at least one channel reached the driver.
func (r Result) Delivered() bool {
	for _, c := range r.Channels {
		if c.Status == Delivered {
			return true
		}
	}
	return false
}

// BatchReport is the outcome of a fanout. Failures are recorded here and
// never returned as errors.
type BatchReport struct {
	Mode    Mode
	EventID string
	Results []Result
}

func (b BatchReport) Failed() int {
	n := 0
	for _, r := range b.Results {
		if !r.OK() {
			n++
		}
	}
	return n
}

func (b BatchReport) Delivered() int {
	n := 0
	for _, r := range b.Results {
		if r.Delivered() {
			n++
		}
	}
	return n
}
