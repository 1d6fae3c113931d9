package notify

import (
	"context"
	"encoding/json"

	"github.com/example/fleet-dispatch/internal/events"
)

// BroadcastSink relays domain events onto broadcast topics.
type BroadcastSink struct {
	Broadcaster Broadcaster
	APIVersion  string
}

func (s BroadcastSink) Name() string { return "broadcast" }

func (s BroadcastSink) Emit(ctx context.Context, env events.Envelope) error {
	if len(env.Topics) == 0 {
		return nil
	}
	b, err := json.Marshal(struct {
		events.Envelope
		APIVersion string `json:"api_version"`
	}{env, s.APIVersion})
	if err != nil {
		return err
	}
	return s.Broadcaster.Broadcast(ctx, env.Topics, b)
}
