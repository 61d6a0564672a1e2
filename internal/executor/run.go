// Package executor runs generic task graphs, either strictly in order or in
// dependency layers on a bounded worker pool.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sandboxctl/internal/api"
	"sandboxctl/internal/task"
	"sandboxctl/pkg/logging"
)

var (
	// ErrShutdown is returned by Execute after Shutdown.
	ErrShutdown = errors.New("executor is shut down")
	// ErrNoPayload marks a task without a Run function.
	ErrNoPayload = errors.New("task has no payload")
)

// runTask runs t until it succeeds, fails for good or exhausts its retries.
// Only transient failures are retried. The timeout bounds every attempt
// together; a payload that ignores its context is abandoned when it expires.
func runTask(ctx context.Context, t task.Task) task.Result {
	res := task.Result{TaskID: t.ID, Status: task.StatusRunning, StartTime: time.Now()}
	if t.Run == nil {
		res.Finish(api.NewConfigurationError("execute", "task %s: %v", t.ID, ErrNoPayload))
		return res
	}

	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	var err error
	for {
		res.Attempts++
		res.Value, err = attempt(runCtx, t.Run)
		if err == nil || !api.IsTransient(err) || res.Attempts > t.MaxRetries || runCtx.Err() != nil {
			break
		}
		logging.Debug("Executor", "Task %s failed transiently, retry %d/%d: %v", t.ID, res.Attempts, t.MaxRetries, err)
	}

	switch {
	case err == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		err = api.NewTimeoutError("execute", err, "task %s exceeded its timeout of %s", t.ID, t.Timeout)
	case errors.Is(err, context.Canceled):
		res.Status = task.StatusCancelled
	case api.IsTransient(err) && t.MaxRetries > 0:
		err = api.NewTerminalError("execute", err, "task %s failed after %d attempts", t.ID, res.Attempts)
	}
	res.Finish(err)
	return res
}

// attempt calls fn on its own goroutine so an expired context returns even
// when fn does not watch it. Panics are reported as terminal failures.
func attempt(ctx context.Context, fn task.Func) (interface{}, error) {
	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: api.NewTerminalError("execute", nil, "task panicked: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cancelledResult(id string, reason error) task.Result {
	res := task.Result{TaskID: id, Status: task.StatusCancelled}
	res.Finish(reason)
	return res
}

func skippedResult(id, dep string) task.Result {
	res := task.Result{TaskID: id, Status: task.StatusSkipped}
	res.Finish(fmt.Errorf("skipped: dependency %s did not succeed", dep))
	return res
}

func checkIDs(tasks []task.Task) error {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return api.NewConfigurationError("execute", "task without id")
		}
		if seen[t.ID] {
			return api.NewConfigurationError("execute", "duplicate task id %s", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}
