package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/vizagent/logging"
)

const (
	// DefaultMaxIterations bounds analysis passes per run.
	DefaultMaxIterations = 3
	// MaxIterationsLimit is the largest accepted WithMaxIterations value.
	MaxIterationsLimit = 5
	// DataSummaryChars caps the CSV preview handed to the validator.
	DataSummaryChars = 2000
)

const forcedApprovalNote = "Approved after maximum revision attempts. Note: Some quality concerns may remain."

// StageTimer is called after every stage with its duration and outcome
// ("ok", "degraded" or "error").
type StageTimer func(stage string, elapsed time.Duration, outcome string)

// Pipeline is the immutable wiring of stages and transitions. It is safe for
// concurrent use by any number of runs.
type Pipeline struct {
	classifier Classifier
	retriever  Retriever
	analyzer   Analyzer
	validator  Validator

	graph         *Graph
	maxIterations int
	logger        *slog.Logger
	timer         StageTimer
	newRunID      func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxIterations sets the analysis pass ceiling.
func WithMaxIterations(n int) Option {
	return func(p *Pipeline) { p.maxIterations = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithStageTimer registers a stage duration callback.
func WithStageTimer(t StageTimer) Option {
	return func(p *Pipeline) { p.timer = t }
}

// WithGraph replaces the transition table.
func WithGraph(g *Graph) Option {
	return func(p *Pipeline) { p.graph = g }
}

// New wires the four stages into a Pipeline.
func New(c Classifier, r Retriever, a Analyzer, v Validator, opts ...Option) (*Pipeline, error) {
	if c == nil || r == nil || a == nil || v == nil {
		return nil, errors.New("pipeline: all four stages are required")
	}
	p := &Pipeline{
		classifier:    c,
		retriever:     r,
		analyzer:      a,
		validator:     v,
		maxIterations: DefaultMaxIterations,
		newRunID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxIterations < 1 || p.maxIterations > MaxIterationsLimit {
		return nil, fmt.Errorf("pipeline: max iterations must be between 1 and %d, got %d", MaxIterationsLimit, p.maxIterations)
	}
	if p.graph == nil {
		p.graph = DefaultGraph()
	} else if err := p.graph.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.logger = logging.OrNop(p.logger)
	return p, nil
}

// MaxIterations returns the configured ceiling.
func (p *Pipeline) MaxIterations() int { return p.maxIterations }

// Outcome is the result of a completed run.
type Outcome struct {
	RunID      string
	Content    string
	QueryType  QueryType
	Iterations int
	Caveat     bool
	Confidence float64
	State      View
}
