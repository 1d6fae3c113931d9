// Package app builds the service object graph from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/fleet-dispatch/internal/config"
	"github.com/example/fleet-dispatch/internal/dispatch"
	"github.com/example/fleet-dispatch/internal/events"
	"github.com/example/fleet-dispatch/internal/flow"
	"github.com/example/fleet-dispatch/internal/geo"
	httpapi "github.com/example/fleet-dispatch/internal/http"
	"github.com/example/fleet-dispatch/internal/ingest"
	"github.com/example/fleet-dispatch/internal/logging"
	"github.com/example/fleet-dispatch/internal/matcher"
	"github.com/example/fleet-dispatch/internal/notify"
	"github.com/example/fleet-dispatch/internal/queue"
	"github.com/example/fleet-dispatch/internal/route"
	"github.com/example/fleet-dispatch/internal/simulate"
	"github.com/example/fleet-dispatch/internal/storage"
)

// Store is everything the core needs from the store of record.
type Store interface {
	storage.OrderStore
	storage.DriverStore
	storage.CompanyStore
	storage.FlowStore
}

type App struct {
	Config config.Config
	Logger zerolog.Logger

	Store       Store
	Positions   geo.Positions
	Bus         *events.Bus
	Hub         *notify.WSHub
	Broadcaster notify.Broadcaster
	Fanout      *notify.Fanout
	Coordinator *dispatch.Coordinator
	Queue       queue.Queue
	Worker      *queue.Worker
	Simulator   *simulate.Simulator
	Recorder    *ingest.Recorder
	Kafka       *ingest.KafkaProducer
	Relay       *events.Relay
	HTTP        *httpapi.Server

	redis   *redis.Client
	closers []func() error
	bg      sync.WaitGroup
}

// Build wires every component described by cfg. Optional backends are only
// constructed when configured.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, a.redis.Close)
	}

	var spatial matcher.SpatialIndex
	if cfg.Postgres.DSN != "" {
		if cfg.Postgres.Migrate {
			applied, err := storage.Migrate(cfg.Postgres.DSN)
			if err != nil {
				return nil, err
			}
			logger.Info().Strs("applied", applied).Msg("migrations applied")
		}
		pg, err := storage.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		a.Store = pg
		if cfg.Dispatch.SpatialBackend == "postgis" {
			spatial = pg
		}
	} else {
		a.Store = storage.NewMemoryStore()
	}

	switch cfg.Dispatch.SpatialBackend {
	case "redis":
		a.Positions = geo.NewRedisGeo(a.redis, cfg.Redis.GeoKey)
	case "memory":
		a.Positions = geo.NewIndex()
	}
	if spatial == nil {
		spatial = matcher.IndexSource{Positions: a.Positions, Drivers: a.Store}
	}

	a.Bus = events.NewBus(cfg.Dispatch.EventBuffer)
	a.Hub = notify.NewWSHub()
	broadcasters := notify.MultiBroadcaster{a.Hub}
	if a.redis != nil {
		broadcasters = append(broadcasters, notify.NewRedisBroadcaster(a.redis, cfg.Redis.ChannelPrefix))
	}
	if cfg.MQTT.Broker != "" {
		m, err := notify.NewMQTTBroadcaster(notify.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			MaxRetries:  cfg.MQTT.MaxRetries,
			Backoff:     cfg.MQTT.Backoff,
		}, logging.Component(logger, "mqtt"))
		if err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		a.closers = append(a.closers, func() error { m.Close(); return nil })
		broadcasters = append(broadcasters, m)
	}
	a.Broadcaster = broadcasters

	var pushers []notify.Pusher
	if cfg.FCM.Enabled() {
		p, err := notify.NewFCMPusher(ctx, cfg.FCM.ProjectID, cfg.FCM.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("fcm: %w", err)
		}
		pushers = append(pushers, p)
	}
	if cfg.APNs.Enabled() {
		p, err := notify.NewAPNsPusher(cfg.APNs.KeyFile, cfg.APNs.KeyID, cfg.APNs.TeamID, cfg.APNs.Topic, cfg.APNs.Production)
		if err != nil {
			return nil, fmt.Errorf("apns: %w", err)
		}
		pushers = append(pushers, p)
	}

	a.Fanout = &notify.Fanout{
		Broadcaster:    a.Broadcaster,
		Pushers:        pushers,
		APIVersion:     cfg.Dispatch.APIVersion,
		Concurrency:    cfg.Dispatch.FanoutConcurrency,
		ChannelTimeout: cfg.Dispatch.ChannelTimeout,
		Logger:         logging.Component(logger, "fanout"),
	}

	a.Coordinator = &dispatch.Coordinator{
		Orders:               a.Store,
		Drivers:              a.Store,
		Companies:            a.Store,
		Resolver:             flow.NewResolver(flow.StoreLookup{Store: a.Store, Fallback: flow.StaticLookup(cfg.Flows)}),
		Matcher:              matcher.New(spatial, logging.Component(logger, "matcher")),
		Notifier:             a.Fanout,
		Events:               a.Bus,
		DefaultAdhocDistance: cfg.Dispatch.DefaultAdhocDistance,
		Logger:               logging.Component(logger, "dispatch"),
		NotifyLease:          cfg.Dispatch.NotifyLease,
	}

	a.Recorder = &ingest.Recorder{Store: a.Store, Positions: a.Positions, Logger: logging.Component(logger, "ingest")}

	switch cfg.Simulation.Queue {
	case "redis":
		a.Queue = queue.NewRedisQueue(a.redis, cfg.Simulation.QueueKey, 0)
	default:
		a.Queue = queue.NewMemoryQueue()
	}
	a.closers = append(a.closers, a.Queue.Close)
	a.Worker = queue.NewWorker(a.Queue, cfg.Simulation.Workers, logging.Component(logger, "worker"))
	a.Worker.RetryBackoff = cfg.Simulation.RetryBackoff
	a.Worker.MaxBackoff = cfg.Simulation.MaxBackoff

	routes, err := routeProvider(cfg.Routing)
	if err != nil {
		return nil, err
	}
	a.Simulator = simulate.New(a.Queue, a.Store, a.Recorder, a.Bus, logging.Component(logger, "simulate"))
	a.Simulator.Routes = routes
	a.Simulator.Pacer = route.Pacer{SpeedMps: cfg.Routing.SpeedMps, TimeScale: cfg.Simulation.TimeScale, Max: cfg.Simulation.MaxLeg}
	a.Simulator.MaxAttempts = cfg.Simulation.MaxAttempts
	a.Simulator.TaskTimeout = cfg.Simulation.TaskTimeout
	a.Simulator.Register(a.Worker)

	sinks := []events.Sink{notify.BroadcastSink{Broadcaster: a.Broadcaster, APIVersion: cfg.Dispatch.APIVersion}}
	if cfg.Kafka.Enabled() {
		a.Kafka = ingest.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.LocationsTopic, cfg.Kafka.EventsTopic)
		a.closers = append(a.closers, a.Kafka.Close)
		sinks = append(sinks, a.Kafka)
	}
	a.Relay = &events.Relay{Bus: a.Bus, Sinks: sinks, Logger: logging.Component(logger, "relay")}

	deps := httpapi.Deps{
		Dispatcher: a.Coordinator,
		Simulator:  a.Simulator,
		Drivers:    a.Store,
		Locations:  a.Recorder,
		Hub:        a.Hub,
		Ready:      a.Ready,
		Logger:     logging.Component(logger, "http"),
	}
	if a.Kafka != nil {
		deps.Publisher = a.Kafka
	}
	a.HTTP = httpapi.NewServer(deps)
	return a, nil
}

func routeProvider(cfg config.RoutingConfig) (route.Provider, error) {
	var p route.Provider
	switch cfg.Provider {
	case "osrm":
		p = route.NewOSRMClient(cfg.OSRMURL)
	case "google":
		g, err := route.NewGoogleDirections(cfg.GoogleAPIKey)
		if err != nil {
			return nil, err
		}
		p = g
	default:
		return route.Straight{}, nil
	}
	if cfg.CacheTTL > 0 {
		p = route.Cached{Provider: p, Cache: route.NewCache(cfg.CacheTTL)}
	}
	return p, nil
}

// Ready reports whether the configured backends are reachable.
func (a *App) Ready(ctx context.Context) error {
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// RunBackground starts the event relay and, when workers is true, the
// simulation worker. Both stop with ctx, which must end before Close. The
// relay is subscribed to the bus by the time RunBackground returns.
func (a *App) RunBackground(ctx context.Context, workers bool) {
	subs := a.Relay.Subscribe()
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.Relay.Serve(ctx, subs)
	}()
	if workers {
		a.bg.Add(1)
		go func() {
			defer a.bg.Done()
			if err := a.Worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("worker stopped")
			}
		}()
	}
}

// Serve runs the HTTP API until ctx ends, then shuts it down gracefully.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config.HTTP
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      a.HTTP,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", cfg.Addr).Msg("fleet-dispatch listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close waits for the background goroutines, then releases every backend in
// reverse construction order.
func (a *App) Close() error {
	a.bg.Wait()
	if a.Bus != nil {
		a.Bus.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
