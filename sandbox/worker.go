package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
)

// WorkerCommand is the subcommand name under which the binary serves a
// single sandbox request.
const WorkerCommand = "sandbox-worker"

// workerMemoryLimit is a soft heap limit for the worker process.
const workerMemoryLimit = 512 << 20

const (
	frameStdout = "stdout"
	frameResult = "result"
)

// frame is one newline-delimited JSON record written by the worker.
type frame struct {
	Kind   string  `json:"kind"`
	Text   string  `json:"text,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// ServeWorker reads one Request from r, executes it in process and writes
// stdout frames followed by a single result frame to w.
func ServeWorker(r io.Reader, w io.Writer) error {
	debug.SetMemoryLimit(workerMemoryLimit)

	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("decode sandbox request: %w", err)
	}

	var mu sync.Mutex
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	emit := func(f frame) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(f)
	}

	runner := &InProcessRunner{OnStdout: func(s string) {
		_ = emit(frame{Kind: frameStdout, Text: s})
	}}
	res, err := runner.Run(context.Background(), req)
	if err != nil {
		return err
	}
	if err := emit(frame{Kind: frameResult, Result: res}); err != nil {
		return fmt.Errorf("write sandbox result: %w", err)
	}
	return nil
}
