package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"github.com/example/fleet-dispatch/internal/app"
	"github.com/example/fleet-dispatch/internal/config"
	"github.com/example/fleet-dispatch/internal/dispatch"
	"github.com/example/fleet-dispatch/internal/events"
	"github.com/example/fleet-dispatch/internal/ingest"
	"github.com/example/fleet-dispatch/internal/logging"
	"github.com/example/fleet-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total messages consumed",
	}, []string{"topic"})
	msgsInvalid = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	}, []string{"topic"})
	msgsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_handled_total",
		Help: "Total messages handled successfully",
	}, []string{"topic"})
	handleErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_handle_errors_total",
		Help: "Total messages whose handling failed after retries",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsHandled, handleErrors)
}

var errInvalid = errors.New("invalid message")

type dispatcher interface {
	HandleEvent(ctx context.Context, e events.OrderDispatched) (dispatch.Outcome, error)
}

type locationRecorder interface {
	Record(ctx context.Context, driverUUID string, p models.Point, source string) error
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, metricsAddr string
	root := &cobra.Command{
		Use:          "fleet-consumer",
		Short:        "Kafka consumers for dispatch triggers and driver locations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a yaml or json config file")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (defaults to http.metrics_addr)")

	run := func(cmd *cobra.Command, topic func(config.KafkaConfig) string, handler func(*app.App) ingest.MessageHandler) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if !cfg.Kafka.Enabled() {
			return fmt.Errorf("kafka.brokers is required")
		}
		if metricsAddr != "" {
			cfg.HTTP.MetricsAddr = metricsAddr
		}
		logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Pretty)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.Build(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("build: %w", err)
		}
		defer func() {
			stop()
			_ = a.Close()
		}()
		a.RunBackground(ctx, false)
		go serveMetrics(ctx, cfg.HTTP.MetricsAddr, a.Ready, logger)

		t := topic(cfg.Kafka)
		r := ingest.NewReader(cfg.Kafka.Brokers, t, cfg.Kafka.Group)
		defer r.Close()
		logger.Info().Str("topic", t).Strs("brokers", cfg.Kafka.Brokers).Str("group", cfg.Kafka.Group).Msg("consumer listening")
		ingest.Consume(ctx, r, handler(a), logging.Component(logger, "consumer"))
		return nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch orders from the order dispatched topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(k config.KafkaConfig) string { return k.OrdersTopic }, func(a *app.App) ingest.MessageHandler {
				return dispatchHandler(a.Coordinator, validator.New(), 3, 200*time.Millisecond)
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "locations",
		Short: "Record driver locations from the locations topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(k config.KafkaConfig) string { return k.LocationsTopic }, func(a *app.App) ingest.MessageHandler {
				return locationHandler(a.Recorder, validator.New())
			})
		},
	})
	return root
}

func serveMetrics(ctx context.Context, addr string, ready func(context.Context) error, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info().Str("addr", addr).Msg("metrics/health listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}

// decode unmarshals and validates a message body into v.
func decode(m kafka.Message, v any, validate *validator.Validate) error {
	msgsConsumed.WithLabelValues(m.Topic).Inc()
	if err := json.Unmarshal(m.Value, v); err != nil {
		msgsInvalid.WithLabelValues(m.Topic).Inc()
		return fmt.Errorf("%w: %v", errInvalid, err)
	}
	if err := validate.Struct(v); err != nil {
		msgsInvalid.WithLabelValues(m.Topic).Inc()
		return fmt.Errorf("%w: %v", errInvalid, err)
	}
	return nil
}

func dispatchHandler(d dispatcher, validate *validator.Validate, attempts int, delay time.Duration) ingest.MessageHandler {
	return func(ctx context.Context, m kafka.Message) error {
		var e events.OrderDispatched
		if err := decode(m, &e, validate); err != nil {
			return err
		}
		err := ingest.Retry(ctx, attempts, delay, func(ctx context.Context) error {
			_, err := d.HandleEvent(ctx, e)
			return err
		})
		if err != nil {
			handleErrors.WithLabelValues(m.Topic).Inc()
			return fmt.Errorf("dispatch order %s: %w", e.OrderUUID, err)
		}
		msgsHandled.WithLabelValues(m.Topic).Inc()
		return nil
	}
}

func locationHandler(r locationRecorder, validate *validator.Validate) ingest.MessageHandler {
	return func(ctx context.Context, m kafka.Message) error {
		var u ingest.LocationUpdate
		if err := decode(m, &u, validate); err != nil {
			return err
		}
		if err := r.Record(ctx, u.DriverUUID, u.Point(), ingest.SourceKafka); err != nil {
			handleErrors.WithLabelValues(m.Topic).Inc()
			return err
		}
		msgsHandled.WithLabelValues(m.Topic).Inc()
		return nil
	}
}
