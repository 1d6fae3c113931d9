package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/fleet-dispatch/internal/app"
	"github.com/example/fleet-dispatch/internal/config"
	"github.com/example/fleet-dispatch/internal/logging"
	"github.com/example/fleet-dispatch/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		noWorkers  bool
	)
	root := &cobra.Command{
		Use:          "fleet-dispatch",
		Short:        "Order dispatch, driver notification and route simulation service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
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

			a.RunBackground(ctx, !noWorkers)
			err = a.Serve(ctx)
			logger.Info().Msg("shutting down")
			return err
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a yaml or json config file")
	root.Flags().BoolVar(&noWorkers, "no-workers", false, "do not run simulation workers in this process")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Postgres.DSN == "" {
				return fmt.Errorf("postgres.dsn is required for migrate")
			}
			applied, err := storage.Migrate(cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Pretty)
			logger.Info().Strs("applied", applied).Msg("migrations applied")
			return nil
		},
	})
	return root
}
