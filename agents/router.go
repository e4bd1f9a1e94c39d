package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/martinemde/vizagent/llm"
	"github.com/martinemde/vizagent/logging"
	"github.com/martinemde/vizagent/pipeline"
	"github.com/martinemde/vizagent/prompts"
)

const routerMaxTokens = 500

// Router classifies queries with a model.
type Router struct {
	llm    llm.Completer
	system string
	logger *slog.Logger
}

var _ pipeline.Classifier = (*Router)(nil)

// NewRouter returns a Router backed by c.
func NewRouter(c llm.Completer, opts ...Option) *Router {
	o := buildOptions(prompts.Defaults().Router, opts)
	return &Router{llm: c, system: o.system, logger: o.logger}
}

type routerReply struct {
	QueryType   string   `json:"query_type"`
	Reasoning   string   `json:"reasoning"`
	KeyEntities []string `json:"key_entities"`
}

// Classify asks the model for a query type. Output that cannot be parsed
// degrades to hybrid so both retrieval and analysis still run.
func (r *Router) Classify(ctx context.Context, query string) (pipeline.Classification, error) {
	query = normalizeQuery(query)
	if query == "" {
		return pipeline.Classification{QueryType: pipeline.QueryGeneral, Reasoning: "Empty query."}, nil
	}
	if r.llm == nil {
		return pipeline.Classification{}, errors.New("router: no model configured")
	}

	reply, err := r.llm.Complete(ctx, llm.Prompt{
		System:      r.system,
		User:        "Classify this query:\n\n" + query,
		Temperature: llm.Temperature(0),
		MaxTokens:   routerMaxTokens,
	})
	if err != nil {
		return pipeline.Classification{}, fmt.Errorf("router: %w", err)
	}
	return r.parse(reply), nil
}

func (r *Router) parse(reply string) pipeline.Classification {
	var out routerReply
	if err := decodeReply(reply, &out); err != nil {
		r.logger.Warn("router reply unparseable", "error", err, "reply", logging.Preview(reply))
		return degradedClassification("Could not parse the classification; using hybrid.")
	}
	qt := pipeline.QueryType(strings.ToLower(strings.TrimSpace(out.QueryType)))
	if !qt.Valid() {
		r.logger.Warn("router returned unknown query type", "query_type", out.QueryType)
		c := degradedClassification(fmt.Sprintf("Unknown query type %q; using hybrid.", out.QueryType))
		c.KeyEntities = cleanEntities(out.KeyEntities)
		return c
	}
	return pipeline.Classification{
		QueryType:   qt,
		Reasoning:   out.Reasoning,
		KeyEntities: cleanEntities(out.KeyEntities),
	}
}

func degradedClassification(reason string) pipeline.Classification {
	return pipeline.Classification{QueryType: pipeline.QueryHybrid, Reasoning: reason, Degraded: true}
}

// normalizeQuery composes the query to NFC and collapses whitespace.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(norm.NFC.String(q)), " ")
}

func cleanEntities(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, e := range in {
		e = normalizeQuery(e)
		key := strings.ToLower(e)
		if e == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}
