package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/engageflow/internal/config"
	"github.com/rendis/engageflow/internal/logging"
)

// cli carries the state shared by subcommands once the root has loaded the
// configuration.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "engageflow",
		Short: "Multi-tenant workflow engine for customer conversations",
		Long: `engageflow runs tenant-defined workflows in response to conversation
events: messages, new conversations, customer arrivals, schedules and
inactivity. Settings come from an optional config file and ENGAGEFLOW_*
environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			// stdout belongs to the MCP transport and command output.
			c.logger = logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (yaml, json or toml)")

	root.AddCommand(
		newServeCmd(c),
		newMigrateCmd(c),
		newEmitCmd(c),
		newValidateCmd(c),
		newDefineCmd(c),
		newDiagramCmd(c),
		newVersionCmd(),
	)
	return root
}
