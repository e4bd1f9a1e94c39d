package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/martinemde/vizagent/llm"
)

var (
	// ErrClassificationDegraded is recorded, never returned, when the
	// classifier fell back to hybrid.
	ErrClassificationDegraded = errors.New("classification degraded")

	// ErrCancelled is returned by Run when the context is cancelled. No
	// terminal event is emitted for a cancelled run.
	ErrCancelled = errors.New("pipeline cancelled")

	// ErrNotFound means the asset collaborator found nothing.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable means the asset collaborator could not be reached.
	ErrUnavailable = errors.New("unavailable")
)

// RetrievalError wraps a retriever failure.
type RetrievalError struct {
	Query string
	Err   error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval for %q: %v", e.Query, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Fatal reports whether the run cannot continue without the data.
func (e *RetrievalError) Fatal() bool { return errors.Is(e.Err, ErrUnavailable) }

// AnalysisError is an analyzer failure with no degraded continuation, such
// as exhausting the sandbox timeout budget.
type AnalysisError struct {
	Reason string
	Err    error
}

func (e *AnalysisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analysis failed: %s: %v", e.Reason, e.Err)
	}
	return "analysis failed: " + e.Reason
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// InvariantError reports a broken state machine rule.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "invariant violated: " + e.Msg }

// ErrorKind is the stable, caller-visible classification of a failed run.
type ErrorKind string

const (
	KindRetrievalUnavailable ErrorKind = "retrieval_unavailable"
	KindAnalysisFailed       ErrorKind = "analysis_failed"
	KindModelUnavailable     ErrorKind = "model_unavailable"
	KindContentPolicy        ErrorKind = "content_policy"
	KindInternal             ErrorKind = "internal"
)

var kindMessages = map[ErrorKind]string{
	KindRetrievalUnavailable: "The data source is currently unavailable. Please try again later.",
	KindAnalysisFailed:       "The analysis could not be completed.",
	KindModelUnavailable:     "The language model is currently unavailable. Please try again later.",
	KindContentPolicy:        "The request was declined by the model's content policy.",
	KindInternal:             "An internal error occurred while processing the request.",
}

// Message returns the fixed user-facing message for k.
func (k ErrorKind) Message() string {
	if m, ok := kindMessages[k]; ok {
		return m
	}
	return kindMessages[KindInternal]
}

// KindOf maps a stage error onto its stable kind.
func KindOf(err error) ErrorKind {
	var (
		retrieval *RetrievalError
		analysis  *AnalysisError
	)
	switch {
	case errors.As(err, &retrieval) && retrieval.Fatal():
		return KindRetrievalUnavailable
	case errors.Is(err, ErrUnavailable):
		return KindRetrievalUnavailable
	case llm.IsContentPolicy(err):
		return KindContentPolicy
	case errors.As(err, &analysis):
		return KindAnalysisFailed
	case isModelError(err):
		return KindModelUnavailable
	default:
		return KindInternal
	}
}

func isModelError(err error) bool {
	var e *llm.Error
	return errors.As(err, &e)
}

// Failure is the error returned by Run for a failed run. Its message is the
// fixed text for its kind; the underlying error is kept for logging only.
type Failure struct {
	Kind          ErrorKind
	CorrelationID string
	Err           error
}

func newFailure(err error) *Failure {
	return &Failure{Kind: KindOf(err), CorrelationID: NewCorrelationID(), Err: err}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (%s)", f.Kind.Message(), f.CorrelationID)
}

func (f *Failure) Unwrap() error { return f.Err }

// Message returns the user-facing message.
func (f *Failure) Message() string { return f.Kind.Message() }

// NewCorrelationID returns a new time-sortable opaque id.
func NewCorrelationID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)
}
