package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// killGrace bounds how long Run waits for a killed worker to be reaped.
const killGrace = time.Second

// workerEnvVars are the only variables inherited by the worker. Credentials
// in the parent environment never reach untrusted code.
var workerEnvVars = map[string]bool{
	"PATH":   true,
	"HOME":   true,
	"TMPDIR": true,
	"LANG":   true,
	"LC_ALL": true,
}

// ProcessRunner executes each request in a fresh worker subprocess running in
// its own process group. At the deadline the whole group is killed.
type ProcessRunner struct {
	// Path is the worker executable. Empty means the running binary.
	Path string
	// Args are passed to the worker. Empty means []string{WorkerCommand}.
	Args []string
	// Env is appended to the filtered environment.
	Env []string
}

func (r *ProcessRunner) command() (*exec.Cmd, error) {
	path := r.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate sandbox worker: %w", err)
		}
		path = exe
	}
	args := r.Args
	if len(args) == 0 {
		args = []string{WorkerCommand}
	}
	cmd := exec.Command(path, args...)
	configureWorkerProcess(cmd)
	cmd.Env = append(workerEnvironment(), r.Env...)
	return cmd, nil
}

func workerEnvironment() []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && workerEnvVars[name] {
			env = append(env, kv)
		}
	}
	return env
}

func (r *ProcessRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode sandbox request: %w", err)
	}

	cmd, err := r.command()
	if err != nil {
		return nil, err
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox worker stdout: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox worker: %w", err)
	}

	var (
		mu     sync.Mutex
		stdout string
		final  *Result
	)
	waitCh := make(chan error, 1)
	go func() {
		dec := json.NewDecoder(stdoutPipe)
		for {
			var f frame
			if dec.Decode(&f) != nil {
				break
			}
			mu.Lock()
			switch f.Kind {
			case frameStdout:
				stdout = appendCapped(stdout, f.Text, MaxOutputBytes)
			case frameResult:
				final = f.Result
			}
			mu.Unlock()
		}
		// A malformed frame ends decoding; the pipe must stay drained or the
		// worker blocks on write and never exits.
		_, _ = io.Copy(io.Discard, stdoutPipe)
		waitCh <- cmd.Wait()
	}()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case waitErr := <-waitCh:
		mu.Lock()
		defer mu.Unlock()
		if final == nil {
			res := failed(FailureRuntimeError, "sandbox worker exited without a result: %v", waitErr)
			res.Stdout = stdout
			res.Stderr = strings.TrimSpace(stderr.String())
			res.Elapsed = time.Since(start)
			return res, nil
		}
		return final, nil

	case <-timer.C:
		terminateWorkerProcess(cmd)
		r.reap(waitCh)
		mu.Lock()
		defer mu.Unlock()
		if final != nil && final.FailureKind() != FailureTimeout {
			// Finished in the same instant the deadline fired.
			return final, nil
		}
		return timedOut(stdout, req.Timeout, time.Since(start)), nil

	case <-ctx.Done():
		terminateWorkerProcess(cmd)
		r.reap(waitCh)
		return nil, ctx.Err()
	}
}

func (r *ProcessRunner) reap(waitCh <-chan error) {
	select {
	case <-waitCh:
	case <-time.After(killGrace):
	}
}
