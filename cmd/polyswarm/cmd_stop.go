package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyswarm/internal/orchestrator"
)

func newStopCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal the running instance to shut down gracefully",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			pid, err := orchestrator.RequestStop(cfg.Orchestrator.PIDFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stop requested (pid %d)\n", pid)
			return nil
		},
	}
}
