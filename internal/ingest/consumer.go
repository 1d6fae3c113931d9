package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// MessageHandler processes one consumed message. Returned errors are logged
// and the message is skipped.
type MessageHandler func(ctx context.Context, m kafka.Message) error

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
}

// Consume reads messages until ctx ends, backing off on read errors.
func Consume(ctx context.Context, r messageReader, handle MessageHandler, logger zerolog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("shutting down consumer")
				return
			}
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("kafka read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		if err := handle(ctx, m); err != nil {
			logger.Warn().Err(err).Str("topic", m.Topic).Int64("offset", m.Offset).Msg("message skipped")
		}
	}
}
