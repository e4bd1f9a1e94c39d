package pipeline

import (
	"context"
	"sync"
)

type fakeClassifier struct {
	result Classification
	err    error
	calls  int
}

func (f *fakeClassifier) Classify(ctx context.Context, query string) (Classification, error) {
	f.calls++
	return f.result, f.err
}

type fakeRetriever struct {
	data  *RetrievedData
	err   error
	calls int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, qt QueryType, entities []string) (*RetrievedData, error) {
	f.calls++
	return f.data, f.err
}

type fakeAnalyzer struct {
	results []Analysis
	err     error
	tokens  []string
	inputs  []AnalyzeInput
	hook    func(ctx context.Context)
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, in AnalyzeInput) (Analysis, error) {
	f.inputs = append(f.inputs, in)
	if f.hook != nil {
		f.hook(ctx)
	}
	if f.err != nil {
		return Analysis{}, f.err
	}
	for _, tok := range f.tokens {
		in.Tokens(tok)
	}
	i := min(len(f.inputs)-1, len(f.results)-1)
	return f.results[i], nil
}

type fakeValidator struct {
	verdicts  []Verdict
	err       error
	summaries []string
}

func (f *fakeValidator) Validate(ctx context.Context, query, analysis, dataSummary string) (Verdict, error) {
	f.summaries = append(f.summaries, dataSummary)
	if f.err != nil {
		return Verdict{}, f.err
	}
	i := min(len(f.summaries)-1, len(f.verdicts)-1)
	return f.verdicts[i], nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) ofKind(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func approved() Verdict {
	return Verdict{Status: StatusApproved, Confidence: 0.9, Reasoning: "looks right"}
}

func needsRevision(issue string) Verdict {
	return Verdict{
		Status:      StatusRevisionNeeded,
		Confidence:  0.4,
		Issues:      []string{issue},
		Suggestions: []string{"show the numbers"},
	}
}

func salesData() *RetrievedData {
	asset := Asset{ID: "v1", Name: "Sales by Region", Kind: "view"}
	return &RetrievedData{
		Assets: []Asset{asset},
		Tables: []Table{{
			Asset:   asset,
			Columns: []string{"Region", "Sales"},
			Rows:    2,
			CSV:     "Region,Sales\nEast,100\nWest,200\n",
		}},
	}
}
