package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/example/fleet-dispatch/internal/storage"
)

// Retry calls fn up to attempts times, doubling delay between tries.
// storage.ErrNotFound is returned at once.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
