package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/martinemde/vizagent/llm"
	"github.com/martinemde/vizagent/logging"
	"github.com/martinemde/vizagent/pipeline"
	"github.com/martinemde/vizagent/prompts"
)

const (
	criticMaxTokens = 2048

	// ParseFailureConfidence is reported when the critic's reply could not
	// be parsed and the analysis was approved by default.
	ParseFailureConfidence = 0.5
)

// Critic validates analyses with a model.
type Critic struct {
	llm    llm.Completer
	system string
	logger *slog.Logger
}

var _ pipeline.Validator = (*Critic)(nil)

// NewCritic returns a Critic backed by c.
func NewCritic(c llm.Completer, opts ...Option) *Critic {
	o := buildOptions(prompts.Defaults().Critic, opts)
	return &Critic{llm: c, system: o.system, logger: o.logger}
}

type criticReply struct {
	Status          string   `json:"status"`
	ConfidenceScore *float64 `json:"confidence_score"`
	Issues          []string `json:"issues"`
	Suggestions     []string `json:"suggestions"`
	Reasoning       string   `json:"reasoning"`
}

// Validate reviews analysis against the source data. The status is derived
// from the issues reported, not from the model's own status field.
func (c *Critic) Validate(ctx context.Context, query, analysis, dataSummary string) (pipeline.Verdict, error) {
	if strings.TrimSpace(analysis) == "" {
		return pipeline.Verdict{Status: pipeline.StatusApproved, Reasoning: "No analysis to validate."}, nil
	}
	if c.llm == nil {
		return pipeline.Verdict{}, errors.New("critic: no model configured")
	}

	reply, err := c.llm.Complete(ctx, llm.Prompt{
		System:      c.system,
		User:        criticPrompt(query, analysis, dataSummary),
		Temperature: llm.Temperature(0),
		MaxTokens:   criticMaxTokens,
	})
	if err != nil {
		return pipeline.Verdict{}, fmt.Errorf("critic: %w", err)
	}
	return c.parse(reply), nil
}

func (c *Critic) parse(reply string) pipeline.Verdict {
	var out criticReply
	if err := decodeReply(reply, &out); err != nil {
		c.logger.Warn("critic reply unparseable, approving", "error", err, "reply", logging.Preview(reply))
		return pipeline.Verdict{
			Status:     pipeline.StatusApproved,
			Confidence: ParseFailureConfidence,
			Reasoning:  "Defaulting to approved: the validation response could not be parsed.",
			Degraded:   true,
		}
	}

	issues := nonEmpty(out.Issues)
	v := pipeline.Verdict{
		Status:      pipeline.StatusFor(issues),
		Confidence:  ParseFailureConfidence,
		Issues:      issues,
		Suggestions: nonEmpty(out.Suggestions),
		Reasoning:   out.Reasoning,
	}
	if out.ConfidenceScore != nil {
		v.Confidence = min(max(*out.ConfidenceScore, 0), 1)
	}
	if claimed := pipeline.ValidationStatus(out.Status); claimed != "" && claimed != v.Status {
		c.logger.Debug("critic status overridden by issues", "claimed", claimed, "status", v.Status, "issues", len(issues))
	}
	return v
}

func criticPrompt(query, analysis, dataSummary string) string {
	if dataSummary == "" {
		dataSummary = "No data was retrieved."
	}
	return fmt.Sprintf(`## User's Original Question
%s

## Analyst's Response
%s

## Source Data
%s

Please validate the analyst's response. Output your assessment as JSON.`, query, analysis, dataSummary)
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
