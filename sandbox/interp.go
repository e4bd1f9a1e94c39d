package sandbox

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const programName = "analysis.star"

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// execution is one interpreter run. The thread and output buffers are safe to
// touch from another goroutine, which is how runners cancel and snapshot it.
type execution struct {
	thread *starlark.Thread
	stdout *capBuffer
	stderr *capBuffer
}

func newExecution(onStdout func(string)) *execution {
	e := &execution{
		stdout: newCapBuffer(MaxOutputBytes),
		stderr: newCapBuffer(MaxOutputBytes),
	}
	e.stdout.onWrite = onStdout
	e.thread = &starlark.Thread{
		Name: "sandbox",
		Print: func(_ *starlark.Thread, msg string) {
			e.stdout.WriteString(msg + "\n")
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load of %q is not permitted", module)
		},
	}
	return e
}

func (e *execution) cancel(reason string) {
	e.thread.Cancel(reason)
}

// run compiles and executes req. It never panics.
func (e *execution) run(req Request) (res *Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = failed(FailureRuntimeError, "interpreter panic: %v", r)
		}
		res.Stdout = e.stdout.String()
		if res.Stderr == "" {
			res.Stderr = e.stderr.String()
		}
		res.Elapsed = time.Since(start)
	}()

	predeclared, err := newNamespace(req.Inputs)
	if err != nil {
		return failed(FailureRuntimeError, "%v", err)
	}
	prog, failure := compile(req.Code, predeclared)
	if failure != nil {
		e.stderr.WriteString(failure.Message + "\n")
		return &Result{Failure: failure}
	}

	globals, err := prog.Init(e.thread, predeclared)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			e.stderr.WriteString(evalErr.Backtrace() + "\n")
		} else {
			e.stderr.WriteString(err.Error() + "\n")
		}
		return failed(FailureRuntimeError, "%v", err)
	}

	res = &Result{Success: true}
	if v, ok := globals[ResultVariable]; ok {
		res.Value = toJSON(v)
	}
	return res
}

// compile parses and resolves code. Load statements and references to names
// outside the namespace are capability denials; anything else that stops
// compilation is a runtime error.
func compile(code string, predeclared starlark.StringDict) (*starlark.Program, *Failure) {
	code, failure := stripImports(code, predeclared)
	if failure != nil {
		return nil, failure
	}
	f, err := fileOptions.Parse(programName, code, 0)
	if err != nil {
		return nil, &Failure{Kind: FailureRuntimeError, Message: err.Error()}
	}
	for _, stmt := range f.Stmts {
		if load, ok := stmt.(*syntax.LoadStmt); ok {
			return nil, &Failure{
				Kind:    FailureCapabilityDenied,
				Message: fmt.Sprintf("load of %s is not permitted", load.Module.Raw),
			}
		}
	}

	if err := resolve.File(f, predeclared.Has, noUniversal); err != nil {
		return nil, classifyResolveError(err)
	}
	// Resolution annotates the tree, so the program is built from a fresh
	// parse. Every name already resolved against predeclared alone.
	f, err = fileOptions.Parse(programName, code, 0)
	if err != nil {
		return nil, &Failure{Kind: FailureRuntimeError, Message: err.Error()}
	}
	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		return nil, &Failure{Kind: FailureRuntimeError, Message: err.Error()}
	}
	return prog, nil
}

func noUniversal(string) bool { return false }

var importRE = regexp.MustCompile(`^\s*(?:import\s+([\w.]+)(?:\s+as\s+\w+)?|from\s+([\w.]+)\s+import\b.*)\s*$`)

// stripImports blanks Python-style imports of modules that are already in the
// namespace, keeping line numbers stable. Any other import is denied.
func stripImports(code string, predeclared starlark.StringDict) (string, *Failure) {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		m := importRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[1] != "" && !strings.Contains(line, " as ") {
			if _, ok := predeclared[m[1]]; ok {
				lines[i] = ""
				continue
			}
		}
		module := m[1] + m[2]
		return "", &Failure{
			Kind:    FailureCapabilityDenied,
			Message: fmt.Sprintf("import of %s is not permitted", module),
		}
	}
	return strings.Join(lines, "\n"), nil
}

func classifyResolveError(err error) *Failure {
	var list resolve.ErrorList
	if !errors.As(err, &list) {
		return &Failure{Kind: FailureRuntimeError, Message: err.Error()}
	}
	var denied []string
	for _, e := range list {
		if strings.HasPrefix(e.Msg, "undefined: ") {
			denied = append(denied, strings.TrimPrefix(e.Msg, "undefined: "))
		}
	}
	if len(denied) == 0 {
		return &Failure{Kind: FailureRuntimeError, Message: err.Error()}
	}
	return &Failure{
		Kind:    FailureCapabilityDenied,
		Message: "name not permitted: " + strings.Join(denied, ", "),
	}
}
