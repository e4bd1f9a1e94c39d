package main

import (
	"github.com/spf13/cobra"

	"github.com/martinemde/vizagent/sandbox"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		out, err := a.cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// workerCmd is the child side of the process sandbox runner.
var workerCmd = &cobra.Command{
	Use:    sandbox.WorkerCommand,
	Short:  "Execute one sandbox request read from stdin",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return sandbox.ServeWorker(cmd.InOrStdin(), cmd.OutOrStdout())
	},
}
