package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/martinemde/vizagent/sandbox"
)

var execFlags struct {
	timeout time.Duration
	inputs  []string
	json    bool
}

var execCmd = &cobra.Command{
	Use:   "exec <file|->",
	Short: "Run an analysis program in the sandbox",
	Long: `Runs a program through the same sandbox the analyst uses. Text files can
be bound to global variables with --input NAME=path; the analyst binds
retrieved CSV data the same way as DATA, DATA_2 and so on.`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	f := execCmd.Flags()
	f.DurationVar(&execFlags.timeout, "timeout", 0, "Execution timeout (default from sandbox.timeout)")
	f.StringArrayVar(&execFlags.inputs, "input", nil, "Bind a file to a global as NAME=path (repeatable)")
	f.BoolVar(&execFlags.json, "json", false, "Print the result as JSON")
}

func runExec(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	code, err := readSource(a.fs, cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}
	inputs, err := readInputs(a.fs, execFlags.inputs)
	if err != nil {
		return err
	}

	res, err := a.sandbox().Execute(cmd.Context(), sandbox.Request{
		Code:    code,
		Timeout: execFlags.timeout,
		Inputs:  inputs,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if execFlags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, sandbox.Render(res))
	}
	if !res.Success {
		return res.Failure
	}
	return nil
}

func readSource(fsys afero.Fs, stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = afero.ReadFile(fsys, path)
	}
	if err != nil {
		return "", fmt.Errorf("read program: %w", err)
	}
	return string(data), nil
}

func readInputs(fsys afero.Fs, args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	inputs := make(map[string]string, len(args))
	for _, arg := range args {
		name, path, ok := strings.Cut(arg, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid --input %q: want NAME=path", arg)
		}
		data, err := afero.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("read input %s: %w", name, err)
		}
		inputs[name] = string(data)
	}
	return inputs, nil
}
