// Package server exposes the pipeline over HTTP: a streaming chat endpoint
// using server-sent events, a synchronous variant, and health, config and
// metrics endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/vizagent/logging"
	"github.com/martinemde/vizagent/metrics"
	"github.com/martinemde/vizagent/pipeline"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

const (
	// DefaultHeartbeat is the interval between heartbeat records.
	DefaultHeartbeat = 15 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// Runner answers one query. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, query string, obs pipeline.Observer) (*pipeline.Outcome, error)
}

// Info is the public, non-secret configuration served by /api/health and
// /api/config.
type Info struct {
	Environment   string
	Model         string
	MaxIterations int
	MaxCSVRows    int
}

// Server routes HTTP requests to a Runner.
type Server struct {
	runner    Runner
	info      Info
	origins   []string
	heartbeat time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	newID     func() string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records runs and streams and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCORSOrigins sets the allowed browser origins. "*" allows any.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithHeartbeat sets the heartbeat interval for streams.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// New returns a Server for runner.
func New(runner Runner, info Info, opts ...Option) *Server {
	s := &Server{
		runner:    runner,
		info:      info,
		heartbeat: DefaultHeartbeat,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

// Handler returns the routed handler with CORS, request logging and panic
// recovery applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/sync", s.handleChatSync)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.withRequestLog(s.withCORS(s.withRecovery(mux)))
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// observer returns the observers every run reports to besides its own.
func (s *Server) observer(extra ...pipeline.Observer) pipeline.Observer {
	obs := pipeline.Observers(extra)
	if s.metrics != nil {
		obs = append(obs, s.metrics)
	}
	return obs
}

func (s *Server) runFinished(err error) {
	if s.metrics != nil {
		s.metrics.RunFinished(err)
	}
}
