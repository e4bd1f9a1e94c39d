package main

import (
	"log/slog"
	"sync"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/martinemde/vizagent/agents"
	"github.com/martinemde/vizagent/config"
	"github.com/martinemde/vizagent/llm"
	"github.com/martinemde/vizagent/logging"
	"github.com/martinemde/vizagent/metrics"
	"github.com/martinemde/vizagent/pipeline"
	"github.com/martinemde/vizagent/prompts"
	"github.com/martinemde/vizagent/sandbox"
	"github.com/martinemde/vizagent/server"
	"github.com/martinemde/vizagent/tableau"
)

// completerFactory builds the base model client.
type completerFactory func(cfg config.LLMConfig) (llm.Completer, error)

// defaultCompleter is swapped out by tests.
var defaultCompleter completerFactory = gollmCompleter

// app holds the process-wide collaborators. The pipeline and the sandbox are
// built at most once and shared by every request.
type app struct {
	cfg          *config.Config
	fs           afero.Fs
	logger       *slog.Logger
	metrics      *metrics.Metrics
	newCompleter completerFactory

	sandbox  func() *sandbox.Sandbox
	pipeline func() (*pipeline.Pipeline, error)
}

func newApp(cfg *config.Config, fsys afero.Fs, logger *slog.Logger, newCompleter completerFactory) *app {
	a := &app{
		cfg:          cfg,
		fs:           fsys,
		logger:       logging.OrNop(logger),
		metrics:      metrics.New(),
		newCompleter: newCompleter,
	}
	a.sandbox = sync.OnceValue(a.buildSandbox)
	a.pipeline = sync.OnceValues(a.buildPipeline)
	return a
}

// loadApp reads the configuration named by the root flags. The file is
// required only when --config was given explicitly.
func loadApp(cmd *cobra.Command) (*app, error) {
	fsys := afero.NewOsFs()
	cfg, err := config.Load(fsys, rootFlags.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}
	if rootFlags.logLevel != "" {
		cfg.Log.Level = rootFlags.logLevel
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	return newApp(cfg, fsys, logger, defaultCompleter), nil
}

func gollmCompleter(cfg config.LLMConfig) (llm.Completer, error) {
	var opts []llm.GollmOption
	if cfg.Model != "" {
		opts = append(opts, llm.WithModel(cfg.Model))
	}
	return llm.NewGollmCompleter(cfg.Provider, cfg.APIKey, opts...)
}

func (a *app) model() string {
	if a.cfg.LLM.Model != "" {
		return a.cfg.LLM.Model
	}
	return llm.DefaultModel(a.cfg.LLM.Provider)
}

func (a *app) info() server.Info {
	return server.Info{
		Environment:   a.cfg.Environment,
		Model:         a.model(),
		MaxIterations: a.cfg.Pipeline.MaxIterations,
		MaxCSVRows:    a.cfg.Tableau.MaxCSVRows,
	}
}

func (a *app) buildSandbox() *sandbox.Sandbox {
	var runner sandbox.Runner = &sandbox.ProcessRunner{}
	if a.cfg.Sandbox.Runner == config.RunnerInProcess {
		runner = &sandbox.InProcessRunner{}
	}
	return sandbox.New(
		sandbox.WithRunner(runner),
		sandbox.WithDefaultTimeout(a.cfg.Sandbox.Timeout),
		sandbox.WithLogger(a.logger.With("component", "sandbox")),
		sandbox.WithObserver(a.metrics.ObserveSandbox),
	)
}

// assetSource returns the configured collaborator, or nil when retrieval is
// not configured.
func (a *app) assetSource() (agents.AssetSource, error) {
	t := a.cfg.Tableau
	logger := a.logger.With("component", "tableau")
	switch {
	case t.DataDir != "":
		return tableau.NewDirSource(a.fs, t.DataDir, t.MaxCSVRows, logger), nil
	case t.ServerURL != "":
		c, err := tableau.NewClient(tableau.Config{
			ServerURL:  t.ServerURL,
			Site:       t.Site,
			TokenName:  t.TokenName,
			TokenValue: t.TokenValue,
			APIVersion: t.APIVersion,
			MaxRows:    t.MaxCSVRows,
		}, tableau.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		a.logger.Warn("no asset source configured; data questions will fail")
		return nil, nil
	}
}

func (a *app) buildPipeline() (*pipeline.Pipeline, error) {
	base, err := a.newCompleter(a.cfg.LLM)
	if err != nil {
		return nil, err
	}
	policy := llm.DefaultRetryPolicy()
	policy.MaxRetries = a.cfg.LLM.MaxRetries
	model := llm.NewClient(base,
		llm.WithRetryPolicy(policy),
		llm.WithLogger(a.logger.With("component", "llm")),
	)

	set, err := prompts.NewLoader(a.fs, a.cfg.PromptsDir).LoadSet()
	if err != nil {
		return nil, err
	}
	src, err := a.assetSource()
	if err != nil {
		return nil, err
	}

	agentOpts := func(name prompts.Name, extra ...agents.Option) []agents.Option {
		return append([]agents.Option{
			agents.WithSystemPrompt(set.Get(name)),
			agents.WithLogger(a.logger.With("stage", string(name))),
		}, extra...)
	}
	p := a.cfg.Pipeline
	return pipeline.New(
		agents.NewRouter(model, agentOpts(prompts.Router)...),
		agents.NewResearcher(src, agentOpts(prompts.Researcher, agents.WithSelector(model))...),
		agents.NewAnalyst(model, a.sandbox(), agentOpts(prompts.Analyst,
			agents.WithMaxToolRounds(p.MaxToolRounds),
			agents.WithSandboxRetries(p.SandboxRetries),
			agents.WithSandboxTimeout(a.cfg.Sandbox.Timeout),
		)...),
		agents.NewCritic(model, agentOpts(prompts.Critic)...),
		pipeline.WithMaxIterations(p.MaxIterations),
		pipeline.WithLogger(a.logger),
		pipeline.WithStageTimer(a.metrics.StageTimer()),
	)
}
