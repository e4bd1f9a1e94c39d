package main

import (
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/martinemde/vizagent/server"
)

var serveFlags struct {
	addr string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat API over HTTP",
	Long: `Starts the HTTP API:

  POST /api/chat        streamed answer as server-sent events
  POST /api/chat/sync   answer as a single JSON document
  GET  /api/health      liveness and model information
  GET  /api/config      public configuration
  GET  /metrics         Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "Listen address (default from server.host and server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	p, err := a.pipeline()
	if err != nil {
		return err
	}

	addr := serveFlags.addr
	if addr == "" {
		addr = net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	}
	a.logger.Info("starting vizagent",
		"environment", a.cfg.Environment,
		"model", a.model(),
		"version", version,
	)
	srv := server.New(p, a.info(),
		server.WithLogger(a.logger),
		server.WithMetrics(a.metrics),
		server.WithCORSOrigins(a.cfg.Server.CORSOrigins...),
		server.WithHeartbeat(a.cfg.Server.HeartbeatInterval),
	)
	return srv.ListenAndServe(cmd.Context(), addr)
}
