package main

import (
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyswarm/internal/app"
	"github.com/alanyoungcy/polyswarm/internal/domain"
)

func newClearHaltCmd(flags *rootFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "clear-halt",
		Short: "Resume trading after the risk guardian halted it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sendControl(cmd, flags, domain.ControlMessage{
				Kind:   domain.ControlClearHalt,
				Reason: reason,
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "note recorded in the audit log")
	return cmd
}

func newAckCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge a critical alert so it stops re-sending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(cmd, flags, domain.ControlMessage{
				Kind:   domain.ControlAckAlert,
				Target: args[0],
			})
		},
	}
}

func sendControl(cmd *cobra.Command, flags *rootFlags, msg domain.ControlMessage) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel)
	msg.IssuedBy = operator()
	if err := app.PublishControl(cmd.Context(), cfg, msg, logger); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s sent\n", msg.Kind)
	return nil
}

func operator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}
