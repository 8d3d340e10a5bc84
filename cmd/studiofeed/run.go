package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"StudioFeed/internal/app"
	"StudioFeed/internal/config"
	"StudioFeed/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the production daemon (scheduler + admin API)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger := logging.New(cfg.Logging.Level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		application, err := app.New(cfg, logger)
		if err != nil {
			return err
		}

		if err := application.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("application stopped", "error", err)
			return err
		}
		return nil
	},
}
