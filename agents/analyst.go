package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/martinemde/vizagent/llm"
	"github.com/martinemde/vizagent/pipeline"
	"github.com/martinemde/vizagent/prompts"
	"github.com/martinemde/vizagent/sandbox"
)

const analystMaxTokens = 4096

// Answers used when the model produced no usable text.
const (
	NoDataAnswer   = "I couldn't find any data matching your question, so I can't answer it from your Tableau content. Try naming the view, workbook or metric you are interested in."
	NoAnswerAnswer = "I wasn't able to produce an answer to your question."
)

// Executor runs code for the analyst. *sandbox.Sandbox implements it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

var codeRE = regexp.MustCompile("(?s)```(?:python|py|starlark)[ \t]*\n(.*?)```")

// extractCode returns the first runnable code block in a reply.
func extractCode(reply string) (string, bool) {
	m := codeRE.FindStringSubmatch(reply)
	if m == nil {
		return "", false
	}
	code := strings.TrimSpace(m[1])
	return code, code != ""
}

// Analyst answers queries with a model that may run code in a sandbox.
type Analyst struct {
	llm            llm.Completer
	exec           Executor
	system         string
	maxToolRounds  int
	sandboxRetries int
	sandboxTimeout time.Duration
	logger         *slog.Logger
}

var _ pipeline.Analyzer = (*Analyst)(nil)

// NewAnalyst returns an Analyst. A nil exec disables code execution.
func NewAnalyst(c llm.Completer, exec Executor, opts ...Option) *Analyst {
	o := buildOptions(prompts.Defaults().Analyst, opts)
	return &Analyst{
		llm:            c,
		exec:           exec,
		system:         o.system,
		maxToolRounds:  o.maxToolRounds,
		sandboxRetries: o.sandboxRetries,
		sandboxTimeout: o.sandboxTimeout,
		logger:         o.logger,
	}
}

// Analyze runs the tool loop: every reply carrying a code block is executed
// and its result fed back, and the first reply without one is the answer.
// Sandbox failures are fed back to the model; a run that never recovers
// from one yields a degraded answer. Exceeding the timeout budget fails the
// analysis.
func (a *Analyst) Analyze(ctx context.Context, in pipeline.AnalyzeInput) (pipeline.Analysis, error) {
	if a.llm == nil {
		return pipeline.Analysis{}, errors.New("analyst: no model configured")
	}
	var (
		prompt     = analystPrompt(in)
		transcript strings.Builder
		toolCalls  int
		timeouts   int
		unresolved *sandbox.Failure
	)

	for round := 1; round <= a.maxToolRounds; round++ {
		reply, chunks, err := a.complete(ctx, llm.Prompt{
			System:      a.system,
			User:        prompt + transcript.String(),
			Temperature: llm.Temperature(0.2),
			MaxTokens:   analystMaxTokens,
		})
		if err != nil {
			return pipeline.Analysis{}, fmt.Errorf("analyst: %w", err)
		}

		code, ok := extractCode(reply)
		if !ok {
			answer := strings.TrimSpace(reply)
			if answer == "" {
				answer = a.emptyAnswer(in)
				chunks = nil
			}
			if len(chunks) == 0 {
				chunks = []string{answer}
			}
			degraded := unresolved != nil
			if degraded {
				note := limitationNote(unresolved)
				answer += note
				chunks = append(chunks, note)
			}
			deliver(in.Tokens, chunks)
			return pipeline.Analysis{Content: answer, Degraded: degraded, ToolCalls: toolCalls}, nil
		}

		toolCalls++
		res, err := a.run(ctx, code, in.Data)
		if err != nil {
			return pipeline.Analysis{}, err
		}
		a.logger.Debug("analyst code executed", "round", round, "success", res.Success, "kind", res.FailureKind())

		if res.FailureKind() == sandbox.FailureTimeout {
			timeouts++
			if timeouts > a.sandboxRetries {
				return pipeline.Analysis{}, &pipeline.AnalysisError{
					Reason: fmt.Sprintf("code execution timed out %d times", timeouts),
					Err:    res.Failure,
				}
			}
		}
		if res.Success {
			unresolved = nil
		} else {
			unresolved = res.Failure
		}

		fmt.Fprintf(&transcript, "\n\n[Assistant]: %s", strings.TrimSpace(reply))
		prefix := "[Tool Result]"
		if !res.Success {
			prefix = "[Tool Error]"
		}
		fmt.Fprintf(&transcript, "\n\n%s: %s", prefix, sandbox.Render(res))
	}

	// Out of rounds without a final answer.
	answer := "I ran out of analysis steps before reaching a final answer."
	if unresolved != nil {
		answer += limitationNote(unresolved)
	}
	deliver(in.Tokens, []string{answer})
	return pipeline.Analysis{Content: answer, Degraded: true, ToolCalls: toolCalls}, nil
}

// run executes code, folding an unavailable executor into a failed result.
func (a *Analyst) run(ctx context.Context, code string, data *pipeline.RetrievedData) (*sandbox.Result, error) {
	if a.exec == nil {
		return &sandbox.Result{Failure: &sandbox.Failure{
			Kind:    sandbox.FailureCapabilityDenied,
			Message: "code execution is not available; answer without running code",
		}}, nil
	}
	res, err := a.exec.Execute(ctx, sandbox.Request{
		Code:    code,
		Timeout: a.sandboxTimeout,
		Inputs:  sandboxInputs(data),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		a.logger.Warn("sandbox unavailable", "error", err)
		return &sandbox.Result{Failure: &sandbox.Failure{Kind: sandbox.FailureRuntimeError, Message: err.Error()}}, nil
	}
	return res, nil
}

// complete returns the full reply and, when the model streams, the chunks
// it arrived in.
func (a *Analyst) complete(ctx context.Context, p llm.Prompt) (string, []string, error) {
	s, ok := a.llm.(llm.Streamer)
	if !ok {
		text, err := a.llm.Complete(ctx, p)
		return text, nil, err
	}
	ch, err := s.Stream(ctx, p)
	if err != nil {
		return "", nil, err
	}
	var (
		b      strings.Builder
		chunks []string
	)
	for c := range ch {
		if c.Err != nil {
			return "", nil, c.Err
		}
		b.WriteString(c.Text)
		chunks = append(chunks, c.Text)
	}
	return b.String(), chunks, nil
}

func (a *Analyst) emptyAnswer(in pipeline.AnalyzeInput) string {
	if in.QueryType.NeedsRetrieval() && in.Data.Empty() {
		return NoDataAnswer
	}
	return NoAnswerAnswer
}

func limitationNote(f *sandbox.Failure) string {
	switch f.Kind {
	case sandbox.FailureTimeout:
		return "\n\nNote: the calculation timed out, so the figures above could not be verified by running code."
	case sandbox.FailureCapabilityDenied:
		return "\n\nNote: the calculation needed an operation that is not allowed, so the figures above could not be verified by running code."
	default:
		return "\n\nNote: the calculation failed, so the figures above could not be verified by running code."
	}
}

func deliver(sink pipeline.TokenSink, chunks []string) {
	if sink == nil {
		return
	}
	for _, c := range chunks {
		if c != "" {
			sink(c)
		}
	}
}
