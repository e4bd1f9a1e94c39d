package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/martinemde/vizagent/logging"
)

// run is the per-request state machine. It is confined to one goroutine.
type run struct {
	ctx    context.Context
	p      *Pipeline
	state  *State
	obs    Observer
	logger *slog.Logger
}

// Run answers query. It returns an *Outcome on success, a *Failure when a
// stage failed with no degraded continuation, or ErrCancelled when ctx was
// cancelled. Exactly one of EventComplete or EventError is observed unless
// the run was cancelled, in which case neither is.
func (p *Pipeline) Run(ctx context.Context, query string, obs Observer) (out *Outcome, err error) {
	if obs == nil {
		obs = nopObserver{}
	}
	runID := p.newRunID()
	r := &run{
		ctx:    ctx,
		p:      p,
		state:  newState(runID, strings.TrimSpace(query), p.maxIterations),
		obs:    obs,
		logger: p.logger.With("run_id", runID),
	}
	r.logger.Info("run started", "query", logging.Preview(query))

	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, r.fail(&InvariantError{Msg: fmt.Sprintf("panic: %v", rec)})
		}
	}()
	return r.loop(ctx)
}

func (r *run) loop(ctx context.Context) (*Outcome, error) {
	step := r.p.graph.Start()
	for {
		if ctx.Err() != nil {
			return nil, r.cancelled(step)
		}

		var (
			next Step
			err  error
		)
		switch step {
		case StepRouting:
			next, err = r.route(ctx)
		case StepResearching:
			next, err = r.research(ctx)
		case StepAnalyzing:
			next, err = r.analyze(ctx)
		case StepValidating:
			next, err = r.validate(ctx)
		case StepRevising:
			next = r.revise()
		case StepComplete:
			return r.complete(), nil
		default:
			err = &InvariantError{Msg: fmt.Sprintf("no handler for step %q", step)}
		}

		if err != nil {
			if isCancellation(ctx, err) {
				return nil, r.cancelled(step)
			}
			r.logger.Error("stage failed", "step", step, "error", err)
			return nil, r.fail(err)
		}
		if !r.p.graph.Allows(step, next) {
			return nil, r.fail(&InvariantError{Msg: fmt.Sprintf("transition %s → %s not allowed", step, next)})
		}
		r.logger.Debug("transition", "from", step, "to", next, "iteration", r.state.Iteration)
		step = next
	}
}

// emit drops every event once the run context is done, including the result
// of a stage that returned after cancellation.
func (r *run) emit(kind EventKind, data map[string]any) {
	if r.ctx.Err() != nil {
		return
	}
	r.obs.Observe(Event{Kind: kind, Data: data})
}

func (r *run) timed(stage string, start time.Time, outcome string) {
	if r.p.timer != nil {
		r.p.timer(stage, time.Since(start), outcome)
	}
}

func outcomeOf(err error, degraded bool) string {
	switch {
	case err != nil:
		return "error"
	case degraded:
		return "degraded"
	default:
		return "ok"
	}
}

func (r *run) route(ctx context.Context) (Step, error) {
	start := time.Now()
	c, err := r.p.classifier.Classify(ctx, r.state.Query)
	r.timed(AgentRouter, start, outcomeOf(err, c.Degraded))
	if err != nil {
		return StepFailed, fmt.Errorf("classify: %w", err)
	}
	if !c.QueryType.Valid() {
		c.QueryType, c.Degraded = QueryHybrid, true
	}
	if err := r.state.setQueryType(c.QueryType); err != nil {
		return StepFailed, err
	}
	r.state.KeyEntities = c.KeyEntities
	if c.Degraded {
		r.state.note(NoteClassificationDegraded)
		r.logger.Warn("classification degraded, defaulting to hybrid", "error", ErrClassificationDegraded)
	}
	r.state.appendMessage(RoleRouter, fmt.Sprintf("Query classified as: %s. %s", c.QueryType, c.Reasoning))

	r.emit(EventStageResult, map[string]any{
		"agent":        AgentRouter,
		"query_type":   string(c.QueryType),
		"reasoning":    c.Reasoning,
		"key_entities": c.KeyEntities,
		"degraded":     c.Degraded,
	})

	if c.QueryType.NeedsRetrieval() {
		return StepResearching, nil
	}
	return StepAnalyzing, nil
}

func (r *run) research(ctx context.Context) (Step, error) {
	r.emit(EventStageStart, map[string]any{"agent": AgentResearcher, "status": "running"})

	start := time.Now()
	data, err := r.p.retriever.Retrieve(ctx, r.state.Query, r.state.QueryType, r.state.KeyEntities)
	switch {
	case err == nil:
	case isCancellation(ctx, err):
		return StepFailed, err
	case errors.Is(err, ErrUnavailable):
		r.timed(AgentResearcher, start, "error")
		var retrieval *RetrievalError
		if !errors.As(err, &retrieval) {
			err = &RetrievalError{Query: r.state.Query, Err: err}
		}
		return StepFailed, err
	default:
		// Not found, or any other recoverable problem: continue without data.
		r.logger.Info("retrieval recovered", "error", err)
		data = nil
	}
	if data.Empty() {
		data = nil
		r.state.note(NoteRetrievalEmpty)
	}
	r.timed(AgentResearcher, start, outcomeOf(nil, data == nil))
	r.state.RetrievedData = data

	result := map[string]any{"agent": AgentResearcher, "found": data != nil}
	if data != nil {
		names := make([]string, 0, len(data.Assets))
		for _, a := range data.Assets {
			names = append(names, a.Name)
		}
		result["assets"] = names
		result["tables"] = len(data.Tables)
		r.state.appendMessage(RoleResearcher, fmt.Sprintf("Found %d asset(s): %s", len(names), strings.Join(names, ", ")))
	} else {
		r.state.appendMessage(RoleResearcher, "No relevant data was found.")
	}
	r.emit(EventStageResult, result)
	return StepAnalyzing, nil
}

func (r *run) analyze(ctx context.Context) (Step, error) {
	s := r.state
	if s.Iteration >= s.MaxIterations {
		return StepFailed, &InvariantError{Msg: fmt.Sprintf("iteration %d would exceed max %d", s.Iteration+1, s.MaxIterations)}
	}
	s.Iteration++
	r.emit(EventStageStart, map[string]any{"agent": AgentAnalyst, "status": "running", "iteration": s.Iteration})

	in := AnalyzeInput{
		Query:     s.Query,
		QueryType: s.QueryType,
		Data:      s.RetrievedData,
		Iteration: s.Iteration,
		Tokens: func(text string) {
			if text != "" {
				r.emit(EventToken, map[string]any{"content": text})
			}
		},
	}
	if s.ValidationStatus == StatusRevisionNeeded {
		in.PriorResult = s.AnalysisResult
		in.Feedback = s.Feedback
	}

	start := time.Now()
	a, err := r.p.analyzer.Analyze(ctx, in)
	r.timed(AgentAnalyst, start, outcomeOf(err, a.Degraded))
	if err != nil {
		return StepFailed, fmt.Errorf("analyze: %w", err)
	}
	if a.Degraded {
		s.note(NoteAnalysisDegraded)
	}
	s.AnalysisResult = a.Content
	s.appendMessage(RoleAnalyst, a.Content)

	r.emit(EventStageResult, map[string]any{
		"agent":      AgentAnalyst,
		"iteration":  s.Iteration,
		"degraded":   a.Degraded,
		"tool_calls": a.ToolCalls,
	})
	return StepValidating, nil
}

func (r *run) validate(ctx context.Context) (Step, error) {
	s := r.state
	r.emit(EventStageStart, map[string]any{"agent": AgentCritic, "status": "running", "iteration": s.Iteration})

	start := time.Now()
	v, err := r.p.validator.Validate(ctx, s.Query, s.AnalysisResult, s.RetrievedData.Summary(DataSummaryChars))
	r.timed(AgentCritic, start, outcomeOf(err, v.Degraded))
	if err != nil {
		return StepFailed, fmt.Errorf("validate: %w", err)
	}
	if v.Status != StatusApproved && v.Status != StatusRevisionNeeded {
		return StepFailed, &InvariantError{Msg: fmt.Sprintf("validator returned status %q", v.Status)}
	}
	if v.Degraded {
		s.note(NoteValidationDegraded)
	}

	s.ValidationStatus = v.Status
	s.Confidence = v.Confidence
	s.Feedback = revisionNotes(v)
	s.appendMessage(RoleCritic, criticMessage(v))

	revise := v.Status == StatusRevisionNeeded && s.Iteration < s.MaxIterations
	r.emit(EventStageResult, map[string]any{
		"agent":      AgentCritic,
		"status":     string(v.Status),
		"confidence": v.Confidence,
		"issues":     len(v.Issues),
	})
	r.emit(EventValidation, map[string]any{
		"status":          string(v.Status),
		"iteration":       s.Iteration,
		"revision_needed": revise,
	})

	if revise {
		return StepRevising, nil
	}
	if v.Status == StatusRevisionNeeded {
		s.Caveat = true
		s.note(NoteForcedApproval)
		s.appendMessage(RoleCritic, forcedApprovalNote)
		r.logger.Warn("forcing approval after max iterations", "iteration", s.Iteration)
	}
	return StepComplete, nil
}

func (r *run) revise() Step {
	r.logger.Info("revision requested", "iteration", r.state.Iteration, "confidence", r.state.Confidence)
	return StepAnalyzing
}

func (r *run) complete() *Outcome {
	s := r.state
	r.emit(EventComplete, map[string]any{
		"content":    s.AnalysisResult,
		"query_type": string(s.QueryType),
		"iterations": s.Iteration,
		"caveat":     s.Caveat,
	})
	r.logger.Info("run complete", "iterations", s.Iteration, "caveat", s.Caveat, "query_type", s.QueryType)
	return &Outcome{
		RunID:      s.RunID,
		Content:    s.AnalysisResult,
		QueryType:  s.QueryType,
		Iterations: s.Iteration,
		Caveat:     s.Caveat,
		Confidence: s.Confidence,
		State:      s.View(),
	}
}

func (r *run) fail(err error) *Failure {
	f := newFailure(err)
	r.logger.Error("run failed", "kind", f.Kind, "correlation_id", f.CorrelationID, "error", err)
	r.emit(EventError, map[string]any{
		"error":          f.Message(),
		"type":           string(f.Kind),
		"correlation_id": f.CorrelationID,
	})
	return f
}

func (r *run) cancelled(step Step) error {
	r.logger.Info("run cancelled", "step", step)
	return ErrCancelled
}

// revisionNotes formats a verdict as feedback for the next analysis pass.
func revisionNotes(v Verdict) string {
	if v.Status != StatusRevisionNeeded {
		return ""
	}
	var b strings.Builder
	if len(v.Issues) > 0 {
		b.WriteString("Issues found:\n")
		for _, issue := range v.Issues {
			b.WriteString("  - " + issue + "\n")
		}
	}
	if len(v.Suggestions) > 0 {
		b.WriteString("\nSuggestions:\n")
		for _, s := range v.Suggestions {
			b.WriteString("  - " + s + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func criticMessage(v Verdict) string {
	msg := fmt.Sprintf("Validation %s (confidence %.2f).", v.Status, v.Confidence)
	if v.Reasoning != "" {
		msg += " " + v.Reasoning
	}
	return msg
}
