package pipeline

import "context"

// Classification is the classifier's output.
type Classification struct {
	QueryType   QueryType
	Reasoning   string
	KeyEntities []string
	// Degraded is set when the model's output could not be parsed and
	// QueryType fell back to hybrid.
	Degraded bool
}

// Classifier decides how a query should be answered.
type Classifier interface {
	Classify(ctx context.Context, query string) (Classification, error)
}

// Retriever finds data relevant to a query. A *RetrievalError wrapping
// ErrNotFound is recovered by the pipeline; one wrapping ErrUnavailable
// fails the run.
type Retriever interface {
	Retrieve(ctx context.Context, query string, queryType QueryType, keyEntities []string) (*RetrievedData, error)
}

// TokenSink receives incremental answer text.
type TokenSink func(text string)

// AnalyzeInput carries everything an analysis pass may use.
type AnalyzeInput struct {
	Query     string
	QueryType QueryType
	Data      *RetrievedData
	Iteration int

	// PriorResult and Feedback are set on revision passes.
	PriorResult string
	Feedback    string

	Tokens TokenSink
}

// Revision reports whether this pass revises an earlier result.
func (in AnalyzeInput) Revision() bool { return in.Feedback != "" }

// Analysis is the analyzer's output.
type Analysis struct {
	Content   string
	Degraded  bool
	ToolCalls int
}

// Analyzer answers a query. Only an *AnalysisError (or a collaborator
// failure) fails the run; sandbox problems are folded into a degraded
// Analysis.
type Analyzer interface {
	Analyze(ctx context.Context, in AnalyzeInput) (Analysis, error)
}

// Verdict is the validator's assessment of one analysis pass.
type Verdict struct {
	Status      ValidationStatus
	Confidence  float64
	Issues      []string
	Suggestions []string
	Reasoning   string
	Degraded    bool
}

// Validator reviews an analysis. It has no knowledge of the iteration
// ceiling.
type Validator interface {
	Validate(ctx context.Context, query, analysis, dataSummary string) (Verdict, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, query string) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, query string) (Classification, error) {
	return f(ctx, query)
}

// RetrieverFunc adapts a function to the Retriever interface.
type RetrieverFunc func(ctx context.Context, query string, queryType QueryType, keyEntities []string) (*RetrievedData, error)

func (f RetrieverFunc) Retrieve(ctx context.Context, query string, queryType QueryType, keyEntities []string) (*RetrievedData, error) {
	return f(ctx, query, queryType, keyEntities)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, in AnalyzeInput) (Analysis, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, in AnalyzeInput) (Analysis, error) {
	return f(ctx, in)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, query, analysis, dataSummary string) (Verdict, error)

func (f ValidatorFunc) Validate(ctx context.Context, query, analysis, dataSummary string) (Verdict, error) {
	return f(ctx, query, analysis, dataSummary)
}
