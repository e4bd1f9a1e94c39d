package agents

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/martinemde/vizagent/llm"
	"github.com/martinemde/vizagent/pipeline"
	"github.com/martinemde/vizagent/sandbox"
)

// scriptedModel replies with the next scripted response on every call.
type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	prompts   []llm.Prompt
}

func (m *scriptedModel) Complete(ctx context.Context, p llm.Prompt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.prompts)
	m.prompts = append(m.prompts, p)
	if i < len(m.errs) && m.errs[i] != nil {
		return "", m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return "", errors.New("scriptedModel: no more responses")
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *scriptedModel) lastPrompt() llm.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[len(m.prompts)-1]
}

// streamingModel splits every scripted response into words.
type streamingModel struct {
	scriptedModel
}

func (m *streamingModel) Stream(ctx context.Context, p llm.Prompt) (<-chan llm.Chunk, error) {
	text, err := m.Complete(ctx, p)
	if err != nil {
		return nil, err
	}
	words := strings.SplitAfter(text, " ")
	ch := make(chan llm.Chunk, len(words))
	for _, w := range words {
		ch <- llm.Chunk{Text: w}
	}
	close(ch)
	return ch, nil
}

type fakeSource struct {
	assets   map[string][]pipeline.Asset
	tables   map[string]*pipeline.Table
	err      error
	fetchErr error
	searched []string
	fetched  []string
}

func (f *fakeSource) Search(ctx context.Context, term string) ([]pipeline.Asset, error) {
	f.searched = append(f.searched, term)
	if f.err != nil {
		return nil, f.err
	}
	found, ok := f.assets[term]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	return found, nil
}

func (f *fakeSource) Fetch(ctx context.Context, a pipeline.Asset) (*pipeline.Table, error) {
	f.fetched = append(f.fetched, a.ID)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	t, ok := f.tables[a.ID]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	return t, nil
}

// fakeExecutor returns canned results in order.
type fakeExecutor struct {
	results  []*sandbox.Result
	err      error
	requests []sandbox.Request
}

func (f *fakeExecutor) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	i := min(len(f.requests)-1, len(f.results)-1)
	return f.results[i], nil
}

func salesData() *pipeline.RetrievedData {
	view := pipeline.Asset{ID: "v1", Name: "Sales by Region", Kind: pipeline.AssetView, Workbook: "Superstore"}
	return &pipeline.RetrievedData{
		Assets: []pipeline.Asset{view, {ID: "w1", Name: "Superstore", Kind: pipeline.AssetWorkbook}},
		Tables: []pipeline.Table{{
			Asset:   view,
			Columns: []string{"Region", "Sales"},
			Rows:    3,
			CSV:     "Region,Sales\nEast,100\nWest,250\nNorth,50\n",
		}},
	}
}

func fence(lang, code string) string {
	return "```" + lang + "\n" + code + "\n```"
}

func collect(tokens *[]string) pipeline.TokenSink {
	return func(s string) { *tokens = append(*tokens, s) }
}
