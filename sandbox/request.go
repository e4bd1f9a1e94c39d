package sandbox

import (
	"fmt"
	"time"
)

const (
	// DefaultTimeout is used when a request does not set one.
	DefaultTimeout = 30 * time.Second
	// DefaultCeiling is the process-wide upper bound for any timeout.
	DefaultCeiling = 120 * time.Second
	// MaxOutputBytes caps captured stdout and stderr independently.
	MaxOutputBytes = 64 << 10
	// MaxCollectionItems caps list and dict rendering of the result value.
	MaxCollectionItems = 100
)

// ResultVariable is the global a program assigns to return a value.
const ResultVariable = "result"

// Request describes a single execution.
type Request struct {
	Code    string            `json:"code"`
	Timeout time.Duration     `json:"timeout"`
	Inputs  map[string]string `json:"inputs,omitempty"`
}

// FailureKind classifies an unsuccessful execution.
type FailureKind string

const (
	FailureTimeout          FailureKind = "timeout"
	FailureRuntimeError     FailureKind = "runtime_error"
	FailureCapabilityDenied FailureKind = "capability_denied"
)

// Failure describes why an execution did not succeed.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Result is the outcome of an execution. Failures of the program itself are
// reported here, never as a Go error.
type Result struct {
	Success bool          `json:"success"`
	Stdout  string        `json:"stdout"`
	Stderr  string        `json:"stderr"`
	Value   any           `json:"value,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
	Failure *Failure      `json:"failure,omitempty"`
}

// FailureKind returns the failure kind, or "" for a successful run.
func (r *Result) FailureKind() FailureKind {
	if r == nil || r.Failure == nil {
		return ""
	}
	return r.Failure.Kind
}

func failed(kind FailureKind, format string, args ...any) *Result {
	return &Result{Failure: &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}
