package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/example/fleet-dispatch/internal/flow"
)

// EnvPrefix marks environment overrides. A double underscore separates
// nesting levels: FLEETOPS_DISPATCH__API_VERSION sets dispatch.api_version.
const EnvPrefix = "FLEETOPS_"

// Config captures all tunable parameters of the server and consumers.
// Every field has a default so the binaries run locally without setup.
type Config struct {
	HTTP       HTTPConfig                 `koanf:"http"`
	Log        LogConfig                  `koanf:"log"`
	Redis      RedisConfig                `koanf:"redis"`
	Kafka      KafkaConfig                `koanf:"kafka"`
	Postgres   PostgresConfig             `koanf:"postgres"`
	MQTT       MQTTConfig                 `koanf:"mqtt"`
	FCM        FCMConfig                  `koanf:"fcm"`
	APNs       APNsConfig                 `koanf:"apns"`
	Routing    RoutingConfig              `koanf:"routing"`
	Dispatch   DispatchConfig             `koanf:"dispatch"`
	Simulation SimulationConfig           `koanf:"simulation"`
	Flows      map[string]flow.Definition `koanf:"flows"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MetricsAddr     string        `koanf:"metrics_addr"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	GeoKey   string `koanf:"geo_key"`
	// ChannelPrefix is prepended to broadcast topics published on Redis.
	ChannelPrefix string `koanf:"channel_prefix"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type KafkaConfig struct {
	Brokers        []string `koanf:"brokers"`
	OrdersTopic    string   `koanf:"orders_topic"`
	EventsTopic    string   `koanf:"events_topic"`
	LocationsTopic string   `koanf:"locations_topic"`
	Group          string   `koanf:"group"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type PostgresConfig struct {
	DSN     string `koanf:"dsn"`
	Migrate bool   `koanf:"migrate"`
}

type MQTTConfig struct {
	Broker      string        `koanf:"broker"`
	ClientID    string        `koanf:"client_id"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	TopicPrefix string        `koanf:"topic_prefix"`
	QoS         byte          `koanf:"qos"`
	MaxRetries  int           `koanf:"max_retries"`
	Backoff     time.Duration `koanf:"backoff"`
}

type FCMConfig struct {
	ProjectID       string `koanf:"project_id"`
	CredentialsFile string `koanf:"credentials_file"`
}

func (f FCMConfig) Enabled() bool { return f.CredentialsFile != "" }

type APNsConfig struct {
	KeyFile    string `koanf:"key_file"`
	KeyID      string `koanf:"key_id"`
	TeamID     string `koanf:"team_id"`
	Topic      string `koanf:"topic"`
	Production bool   `koanf:"production"`
}

func (a APNsConfig) Enabled() bool { return a.KeyFile != "" }

type RoutingConfig struct {
	// Provider is one of straight, osrm or google.
	Provider     string        `koanf:"provider"`
	OSRMURL      string        `koanf:"osrm_url"`
	GoogleAPIKey string        `koanf:"google_api_key"`
	CacheTTL     time.Duration `koanf:"cache_ttl"`
	SpeedMps     float64       `koanf:"speed_mps"`
}

type DispatchConfig struct {
	DefaultAdhocDistance float64       `koanf:"default_adhoc_distance"`
	FanoutConcurrency    int           `koanf:"fanout_concurrency"`
	APIVersion           string        `koanf:"api_version"`
	ChannelTimeout       time.Duration `koanf:"channel_timeout"`
	// NotifyLease bounds how long one delivery holds an order's notification.
	NotifyLease time.Duration `koanf:"notify_lease"`
	// SpatialBackend is one of memory, redis or postgis.
	SpatialBackend string `koanf:"spatial_backend"`
	EventBuffer    int    `koanf:"event_buffer"`
}

type SimulationConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	TaskTimeout  time.Duration `koanf:"task_timeout"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
	MaxBackoff   time.Duration `koanf:"max_backoff"`
	TimeScale    float64       `koanf:"time_scale"`
	MaxLeg       time.Duration `koanf:"max_leg"`
	Workers      int           `koanf:"workers"`
	// Queue is memory or redis.
	Queue    string `koanf:"queue"`
	QueueKey string `koanf:"queue_key"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MetricsAddr:     ":2112",
		},
		Log:   LogConfig{Level: "info"},
		Redis: RedisConfig{GeoKey: "drivers_geo", ChannelPrefix: "fleetops:"},
		Kafka: KafkaConfig{
			OrdersTopic:    "fleetops.orders.dispatched",
			EventsTopic:    "fleetops.events",
			LocationsTopic: "driver-locations",
			Group:          "fleet-dispatch-consumer",
		},
		MQTT:    MQTTConfig{ClientID: "fleet-dispatch", TopicPrefix: "fleetops", QoS: 1, MaxRetries: 3, Backoff: 100 * time.Millisecond},
		Routing: RoutingConfig{Provider: "straight", CacheTTL: 10 * time.Minute, SpeedMps: 8},
		Dispatch: DispatchConfig{
			DefaultAdhocDistance: 6000,
			FanoutConcurrency:    8,
			APIVersion:           "v1",
			ChannelTimeout:       5 * time.Second,
			NotifyLease:          2 * time.Minute,
			SpatialBackend:       "memory",
			EventBuffer:          256,
		},
		Simulation: SimulationConfig{
			MaxAttempts:  20,
			TaskTimeout:  15 * time.Minute,
			RetryBackoff: time.Second,
			MaxBackoff:   time.Minute,
			TimeScale:    1,
			Workers:      4,
			Queue:        "memory",
			QueueKey:     "fleetops:simulation:jobs",
		},
	}
}

// Load reads .env, then the optional config file at path, then FLEETOPS_
// environment overrides, on top of Default().
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return Config{}, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, err
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.Kafka.Brokers = splitAndTrim(cfg.Kafka.Brokers)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	return cfg, cfg.Validate()
}

func envKey(s string) string {
	s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Dispatch.DefaultAdhocDistance <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.default_adhoc_distance must be > 0"))
	}
	if c.Dispatch.FanoutConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.fanout_concurrency must be > 0"))
	}
	switch c.Dispatch.SpatialBackend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("dispatch.spatial_backend redis requires redis.addr"))
		}
	case "postgis":
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("dispatch.spatial_backend postgis requires postgres.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch.spatial_backend %q", c.Dispatch.SpatialBackend))
	}
	if c.Simulation.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("simulation.max_attempts must be > 0"))
	}
	if c.Simulation.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("simulation.task_timeout must be > 0"))
	}
	if c.Simulation.Workers <= 0 {
		errs = append(errs, fmt.Errorf("simulation.workers must be > 0"))
	}
	switch c.Simulation.Queue {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("simulation.queue redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown simulation.queue %q", c.Simulation.Queue))
	}
	switch c.Routing.Provider {
	case "straight":
	case "osrm":
		if c.Routing.OSRMURL == "" {
			errs = append(errs, errors.New("routing.osrm_url is required for the osrm provider"))
		}
	case "google":
		if c.Routing.GoogleAPIKey == "" {
			errs = append(errs, errors.New("routing.google_api_key is required for the google provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown routing.provider %q", c.Routing.Provider))
	}
	if c.APNs.Enabled() && (c.APNs.KeyID == "" || c.APNs.TeamID == "" || c.APNs.Topic == "") {
		errs = append(errs, errors.New("apns.key_id, apns.team_id and apns.topic are required with apns.key_file"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

func splitAndTrim(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		for _, r := range strings.Split(v, ",") {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			out = append(out, r)
		}
	}
	return out
}
