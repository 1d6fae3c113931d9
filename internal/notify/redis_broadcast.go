package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster publishes payloads on Redis pub/sub channels, one per
// topic, optionally prefixed.
type RedisBroadcaster struct {
	Client redis.UniversalClient
	Prefix string
}

func NewRedisBroadcaster(client redis.UniversalClient, prefix string) *RedisBroadcaster {
	return &RedisBroadcaster{Client: client, Prefix: prefix}
}

func (r *RedisBroadcaster) Broadcast(ctx context.Context, topics []string, payload []byte) error {
	pipe := r.Client.Pipeline()
	for _, t := range topics {
		pipe.Publish(ctx, r.Prefix+t, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
