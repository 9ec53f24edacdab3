package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyswarm/internal/app"
	"github.com/alanyoungcy/polyswarm/internal/config"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start every agent and block until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			logger := newLogger(os.Stdout, cfg.LogLevel)
			logger.Info("polyswarm starting",
				slog.String("mode", cfg.Mode),
				slog.String("config", flags.configPath),
			)
			logger.Debug("effective configuration", slog.Any("config", config.RedactedConfig(cfg)))

			application := app.New(cfg, logger)
			defer application.Close()

			if err := application.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("application exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("polyswarm stopped")
			return nil
		},
	}
}
