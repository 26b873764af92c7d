// Package shell is the narrow interface through which the engine runs
// server-side shell commands. The engine only depends on Runner; the
// exec-backed implementation lives here so tests can swap in fakes.
package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// Result is the outcome of one command invocation.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runner executes a command and returns its captured output. A non-zero
// exit code is reported through Result, not through the error.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (*Result, error)
}

// ExecRunner runs commands through the system shell.
type ExecRunner struct {
	// Shell is the interpreter; defaults to /bin/sh.
	Shell string
}

// NewExecRunner creates the default shell runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Shell: "/bin/sh"}
}

// Run executes command with -c under the configured shell, bounded by the
// smaller of timeout and the context deadline.
func (r *ExecRunner) Run(ctx context.Context, command string, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, workflow.NewError(workflow.CodeTimeout, "command timed out: %s", command)
		}
		return nil, err
	}
	return result, nil
}
