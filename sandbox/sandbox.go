package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/martinemde/vizagent/logging"
)

// Runner executes a request whose timeout has already been clamped. Program
// failures are reported in the Result; the error is reserved for failures of
// the runner itself and for context cancellation.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Sandbox applies timeout policy and logging around a Runner.
type Sandbox struct {
	runner         Runner
	defaultTimeout time.Duration
	ceiling        time.Duration
	logger         *slog.Logger
	observers      []func(*Result)
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithRunner selects the runner. The default is a ProcessRunner.
func WithRunner(r Runner) Option {
	return func(s *Sandbox) { s.runner = r }
}

// WithDefaultTimeout sets the timeout for requests that do not set one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.defaultTimeout = d }
}

// WithCeiling sets the process-wide maximum timeout.
func WithCeiling(d time.Duration) Option {
	return func(s *Sandbox) { s.ceiling = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// WithObserver registers a callback invoked with every completed result.
func WithObserver(f func(*Result)) Option {
	return func(s *Sandbox) { s.observers = append(s.observers, f) }
}

// New returns a Sandbox.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		runner:         &ProcessRunner{},
		defaultTimeout: DefaultTimeout,
		ceiling:        DefaultCeiling,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	if s.defaultTimeout > s.ceiling {
		s.defaultTimeout = s.ceiling
	}
	return s
}

// Clamp returns the effective timeout for a requested one.
func (s *Sandbox) Clamp(d time.Duration) time.Duration {
	if d <= 0 {
		d = s.defaultTimeout
	}
	return min(d, s.ceiling)
}

// Execute runs req.Code and returns its result. The call returns within the
// clamped timeout plus scheduling overhead regardless of what the code does.
func (s *Sandbox) Execute(ctx context.Context, req Request) (*Result, error) {
	req.Timeout = s.Clamp(req.Timeout)

	res, err := s.runner.Run(ctx, req)
	if err != nil {
		s.logger.Warn("sandbox run aborted", "error", err)
		return nil, err
	}

	if res.Success {
		s.logger.Debug("sandbox run succeeded", "elapsed", res.Elapsed, "stdout_bytes", len(res.Stdout))
	} else {
		s.logger.Info("sandbox run failed",
			"kind", res.Failure.Kind,
			"message", logging.Preview(res.Failure.Message),
			"elapsed", res.Elapsed,
		)
	}
	for _, f := range s.observers {
		f(res)
	}
	return res, nil
}

func timedOut(stdout string, timeout, elapsed time.Duration) *Result {
	res := failed(FailureTimeout, "execution timed out after %s", timeout)
	res.Stdout = stdout
	res.Stderr = res.Failure.Message
	res.Elapsed = elapsed
	return res
}
