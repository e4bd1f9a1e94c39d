package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/vizagent/pipeline"
)

type recorder struct {
	events []pipeline.Event
}

func (r *recorder) Observe(e pipeline.Event) { r.events = append(r.events, e) }

func (r *recorder) kinds() []pipeline.EventKind {
	out := make([]pipeline.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type models struct {
	router, analyst, critic *scriptedModel
}

func newPipeline(t *testing.T, m models, src AssetSource, exec Executor, opts ...Option) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(
		NewRouter(m.router),
		NewResearcher(src),
		NewAnalyst(m.analyst, exec, opts...),
		NewCritic(m.critic),
	)
	require.NoError(t, err)
	return p
}

const bestRegion = `rows = csv.parse(DATA)
best = rows[0]
for r in rows:
    if r["Sales"] > best["Sales"]:
        best = r
result = best["Region"]`

func TestPipelineTableauQueryWithSandbox(t *testing.T) {
	m := models{
		router: &scriptedModel{responses: []string{`{"query_type": "tableau", "reasoning": "sales data", "key_entities": ["sales"]}`}},
		analyst: &scriptedModel{responses: []string{
			fence("python", bestRegion),
			"East had the highest sales (100).",
		}},
		critic: &scriptedModel{responses: []string{`{"status": "approved", "confidence_score": 0.9, "issues": []}`}},
	}
	p := newPipeline(t, m, superstoreSource(), inProcessSandbox())
	rec := &recorder{}

	out, err := p.Run(context.Background(), "Which region had the highest sales?", rec)
	require.NoError(t, err)
	assert.Equal(t, "East had the highest sales (100).", out.Content)
	assert.Equal(t, pipeline.QueryTableau, out.QueryType)
	assert.Equal(t, 1, out.Iterations)
	assert.False(t, out.Caveat)
	assert.Contains(t, m.critic.lastPrompt().User, "Region,Sales\nEast,100")
	assert.Contains(t, rec.kinds(), pipeline.EventToken)
	assert.Equal(t, pipeline.EventComplete, rec.kinds()[len(rec.events)-1])
}

func TestPipelineSandboxTimeoutStillValidates(t *testing.T) {
	m := models{
		router: &scriptedModel{responses: []string{`{"query_type": "tableau", "key_entities": ["sales"]}`}},
		analyst: &scriptedModel{responses: []string{
			fence("python", "while True:\n    pass"),
			"East probably led.",
		}},
		critic: &scriptedModel{responses: []string{`{"status": "approved", "confidence_score": 0.6}`}},
	}
	p := newPipeline(t, m, superstoreSource(), inProcessSandbox(), WithSandboxTimeout(100*time.Millisecond))

	out, err := p.Run(context.Background(), "Which region led?", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, m.critic.calls(), "a degraded analysis is still validated")
	assert.Contains(t, out.State.Notes, pipeline.NoteAnalysisDegraded)
	assert.Contains(t, out.Content, "timed out")
}

func TestPipelineMissingDataIsReported(t *testing.T) {
	m := models{
		router:  &scriptedModel{responses: []string{`{"query_type": "tableau", "key_entities": ["weather"]}`}},
		analyst: &scriptedModel{responses: []string{""}},
		critic:  &scriptedModel{responses: []string{`{"status": "approved", "confidence_score": 0.8}`}},
	}
	p := newPipeline(t, m, superstoreSource(), nil)

	out, err := p.Run(context.Background(), "What is the weather?", nil)
	require.NoError(t, err)
	assert.Equal(t, NoDataAnswer, out.Content)
	assert.Contains(t, out.State.Notes, pipeline.NoteRetrievalEmpty)
}

func TestPipelineRevisionLoop(t *testing.T) {
	m := models{
		router:  &scriptedModel{responses: []string{`{"query_type": "general"}`}},
		analyst: &scriptedModel{responses: []string{"First draft.", "Second draft.", "Third draft."}},
		critic: &scriptedModel{responses: []string{
			`{"issues": ["too vague"], "suggestions": ["cite numbers"], "confidence_score": 0.3}`,
			`{"issues": ["still vague"], "confidence_score": 0.4}`,
			`{"issues": ["never satisfied"], "confidence_score": 0.5}`,
		}},
	}
	p := newPipeline(t, m, nil, nil)

	out, err := p.Run(context.Background(), "Explain KPIs", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Iterations)
	assert.True(t, out.Caveat)
	assert.Equal(t, "Third draft.", out.Content)
	assert.Equal(t, 3, m.analyst.calls())

	second := m.analyst.prompts[1].User
	assert.Contains(t, second, "First draft.")
	assert.Contains(t, second, "too vague")
	assert.Contains(t, second, "cite numbers")
}

func TestPipelineRetrievalUnavailable(t *testing.T) {
	m := models{
		router:  &scriptedModel{responses: []string{`{"query_type": "hybrid"}`}},
		analyst: &scriptedModel{},
		critic:  &scriptedModel{},
	}
	src := superstoreSource()
	src.err = pipeline.ErrUnavailable
	p := newPipeline(t, m, src, nil)
	rec := &recorder{}

	_, err := p.Run(context.Background(), "Sales?", rec)
	require.Error(t, err)
	assert.Equal(t, pipeline.KindRetrievalUnavailable, pipeline.KindOf(err))
	assert.Zero(t, m.analyst.calls())

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, pipeline.EventError, last.Kind)
	assert.Equal(t, string(pipeline.KindRetrievalUnavailable), last.Data["type"])
}
