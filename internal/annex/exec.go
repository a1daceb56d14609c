// Package annex talks to the git-annex working tree that drives the remote:
// it resolves readable paths for keys and registers imported files.
package annex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/loggingutil"
)

// Result holds the captured output of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a program and captures its output.
type Runner interface {
	Run(ctx context.Context, program string, args ...string) (*Result, error)
}

// Executor runs commands inside a working directory.
type Executor struct {
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is appended to the process environment.
	Env    map[string]string
	Logger pslog.Logger
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, msg)
}

// Run executes program with args. A non-zero exit yields *ExitError along
// with the captured result.
func (e *Executor) Run(ctx context.Context, program string, args ...string) (*Result, error) {
	logger := loggingutil.EnsureLogger(e.Logger)
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range e.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	commandLine := strings.Join(append([]string{program}, args...), " ")
	logger.Trace("annex.exec.begin", "command", commandLine, "dir", e.Dir)
	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			logger.Debug("annex.exec.failed", "command", commandLine, "exit_code", res.ExitCode)
			return res, &ExitError{Command: commandLine, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		return res, fmt.Errorf("annex: run %s: %w", program, err)
	}
	logger.Trace("annex.exec.success", "command", commandLine)
	return res, nil
}
