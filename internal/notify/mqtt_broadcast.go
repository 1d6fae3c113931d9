package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig defines the connection parameters for the MQTT broadcaster.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	MaxRetries  int
	Backoff     time.Duration
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// MQTTBroadcaster publishes broadcast payloads to an MQTT broker. Topic
// "company.abc" is published as "<prefix>company/abc".
type MQTTBroadcaster struct {
	cli        pahoClient
	prefix     string
	qos        byte
	maxRetries int
	backoff    time.Duration
	logger     zerolog.Logger
}

func NewMQTTBroadcaster(cfg MQTTConfig, logger zerolog.Logger) (*MQTTBroadcaster, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Error().Err(err).Msg("mqtt connection lost")
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Warn().Msg("reconnecting to mqtt broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return newMQTTBroadcaster(c, cfg, logger), nil
}

func newMQTTBroadcaster(c pahoClient, cfg MQTTConfig, logger zerolog.Logger) *MQTTBroadcaster {
	b := &MQTTBroadcaster{
		cli:        c,
		prefix:     cfg.TopicPrefix,
		qos:        cfg.QoS,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		logger:     logger,
	}
	if b.maxRetries <= 0 {
		b.maxRetries = 3
	}
	if b.backoff <= 0 {
		b.backoff = 100 * time.Millisecond
	}
	return b
}

func (m *MQTTBroadcaster) Topic(topic string) string {
	return m.prefix + strings.Replace(topic, ".", "/", 1)
}

func (m *MQTTBroadcaster) Broadcast(ctx context.Context, topics []string, payload []byte) error {
	var errs []error
	for _, t := range topics {
		if err := m.publish(ctx, m.Topic(t), payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MQTTBroadcaster) publish(ctx context.Context, topic string, payload []byte) error {
	var err error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		token := m.cli.Publish(topic, m.qos, false, payload)
		select {
		case <-token.Done():
			err = token.Error()
		case <-ctx.Done():
			return ctx.Err()
		}
		if err == nil {
			return nil
		}
		m.logger.Warn().Err(err).Str("topic", topic).Int("attempt", attempt+1).Msg("mqtt publish failed")
		select {
		case <-time.After(m.backoff * time.Duration(1<<attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("mqtt publish %s: %w", topic, err)
}

// Close gracefully closes the MQTT connection.
func (m *MQTTBroadcaster) Close() {
	if m.cli != nil && m.cli.IsConnected() {
		m.cli.Disconnect(250)
	}
}
