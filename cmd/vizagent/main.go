// vizagent answers natural-language analytics questions over Tableau data.
//
// Usage:
//
//	vizagent serve [--addr=<host:port>]
//	vizagent ask [--events] <question>
//	vizagent exec [--timeout=30s] [--input NAME=path] <file|->
//	vizagent config
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
}

var rootCmd = &cobra.Command{
	Use:   "vizagent",
	Short: "Conversational analytics agent for Tableau dashboards",
	Long: "vizagent classifies a question, retrieves Tableau data, analyses it in a\n" +
		"sandbox and validates the answer before returning it.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.configPath, "config", "vizagent.yaml", "Path to the YAML configuration file")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the configuration")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.Version = version
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
