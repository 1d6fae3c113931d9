package notify

import (
	"context"
	"errors"
)

// MultiBroadcaster publishes on every backend and joins their errors.
type MultiBroadcaster []Broadcaster

func (m MultiBroadcaster) Broadcast(ctx context.Context, topics []string, payload []byte) error {
	var errs []error
	for _, b := range m {
		if err := b.Broadcast(ctx, topics, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
