// Package process is the process-execution facade consumed by every backend.
// Commands are argv slices; no shell is ever involved.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"sandboxctl/internal/api"
)

// Command describes one process invocation.
type Command struct {
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	// InheritEnv controls whether the parent environment is passed through.
	InheritEnv bool
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports a zero exit code.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Spawner runs commands to completion. A non-zero exit is not an error; the
// error return is reserved for "could not run" and for deadline expiry
// (an api Timeout error).
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (Result, error)
}

// ErrNotFound is returned when the executable cannot be located.
var ErrNotFound = errors.New("executable not found")

// ExecSpawner runs commands with os/exec.
type ExecSpawner struct{}

var _ Spawner = ExecSpawner{}

// Default returns the os/exec backed spawner.
func Default() Spawner {
	return ExecSpawner{}
}

// Spawn implements Spawner.
func (ExecSpawner) Spawn(ctx context.Context, c Command) (Result, error) {
	if len(c.Args) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	path, err := exec.LookPath(c.Args[0])
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, c.Args[0])
	}

	cmd := exec.CommandContext(runCtx, path, c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = BuildEnv(c.Env, c.InheritEnv)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch err := runCtx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		res.ExitCode = -1
		return res, api.NewTimeoutError("spawn", err, "%s exceeded %s", c.Args[0], c.Timeout)
	case err != nil:
		res.ExitCode = -1
		return res, fmt.Errorf("%s interrupted: %w", c.Args[0], err)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, runErr
	}
	return res, nil
}

// BuildEnv renders env as KEY=VALUE pairs in key order, optionally on top of
// the current process environment.
func BuildEnv(env map[string]string, inherit bool) []string {
	var out []string
	if inherit {
		out = append(out, os.Environ()...)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
