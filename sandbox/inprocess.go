package sandbox

import (
	"context"
	"time"
)

// InProcessRunner runs the interpreter on a goroutine of the calling
// process. At the deadline the interpreter thread is cancelled and the
// goroutine abandoned; a builtin that never yields keeps running in the
// background until it returns.
type InProcessRunner struct {
	// OnStdout, if set, receives printed output as it is produced.
	OnStdout func(string)
}

func (r *InProcessRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	start := time.Now()
	e := newExecution(r.OnStdout)

	done := make(chan *Result, 1)
	go func() { done <- e.run(req) }()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res, nil
	case <-timer.C:
		e.cancel("timeout")
		return timedOut(e.stdout.String(), req.Timeout, time.Since(start)), nil
	case <-ctx.Done():
		e.cancel("cancelled")
		return nil, ctx.Err()
	}
}
