// Package sandbox executes untrusted analysis code in an isolated
// interpreter with an explicit allow-list namespace and a hard timeout.
//
// Programs are written in Starlark, a small Python dialect. Every execution
// starts from a fresh namespace containing only the names listed in
// [AllowedNames] plus the caller's string inputs. References to anything else
// are rejected before a single statement runs, so a denied program never
// produces output.
//
// Two runners are provided. [ProcessRunner] re-executes the current binary as
// a worker subprocess in its own process group and kills the whole group at
// the deadline; it is the default. [InProcessRunner] runs the interpreter on a
// goroutine and cancels it at the deadline. Both keep the output printed
// before the deadline.
package sandbox
