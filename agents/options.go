package agents

import (
	"log/slog"
	"time"

	"github.com/martinemde/vizagent/llm"
	"github.com/martinemde/vizagent/logging"
)

// Defaults for the analyst's tool loop.
const (
	DefaultMaxToolRounds  = 5
	DefaultSandboxRetries = 2
)

// Defaults for the researcher.
const (
	DefaultMaxAssets = 10
	DefaultMaxTables = 1
)

type options struct {
	system         string
	logger         *slog.Logger
	maxToolRounds  int
	sandboxRetries int
	sandboxTimeout time.Duration
	selector       llm.Completer
	maxAssets      int
	maxTables      int
}

// Option configures an agent. Options that do not apply to an agent are
// ignored by it.
type Option func(*options)

// WithSystemPrompt replaces the agent's built-in system prompt.
func WithSystemPrompt(s string) Option {
	return func(o *options) {
		if s != "" {
			o.system = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxToolRounds bounds the analyst's code execution loop.
func WithMaxToolRounds(n int) Option {
	return func(o *options) { o.maxToolRounds = n }
}

// WithSandboxRetries sets how many sandbox timeouts the analyst tolerates
// before failing the analysis.
func WithSandboxRetries(n int) Option {
	return func(o *options) { o.sandboxRetries = n }
}

// WithSandboxTimeout sets the timeout of each analyst code execution. Zero
// leaves the sandbox default.
func WithSandboxTimeout(d time.Duration) Option {
	return func(o *options) { o.sandboxTimeout = d }
}

// WithSelector lets the researcher ask a model to rank candidate assets.
func WithSelector(c llm.Completer) Option {
	return func(o *options) { o.selector = c }
}

// WithMaxAssets caps the assets the researcher returns.
func WithMaxAssets(n int) Option {
	return func(o *options) { o.maxAssets = n }
}

// WithMaxTables caps how many views the researcher fetches data for.
func WithMaxTables(n int) Option {
	return func(o *options) { o.maxTables = n }
}

func buildOptions(system string, opts []Option) options {
	o := options{
		system:         system,
		maxToolRounds:  DefaultMaxToolRounds,
		sandboxRetries: DefaultSandboxRetries,
		maxAssets:      DefaultMaxAssets,
		maxTables:      DefaultMaxTables,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrNop(o.logger)
	if o.maxToolRounds < 1 {
		o.maxToolRounds = 1
	}
	if o.sandboxRetries < 0 {
		o.sandboxRetries = 0
	}
	return o
}
