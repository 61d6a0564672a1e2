package executor

import (
	"context"
	"errors"

	"sandboxctl/internal/task"
	"sandboxctl/pkg/logging"
)

// Sequential runs tasks one at a time in input order.
type Sequential struct {
	// StopOnError skips every task after the first failure.
	StopOnError bool
}

// NewSequential creates a sequential executor.
func NewSequential(stopOnError bool) *Sequential {
	return &Sequential{StopOnError: stopOnError}
}

// Execute returns one result per task, in input order. Dependencies are not
// consulted; the caller's order is the execution order. Tasks that never ran
// because of StopOnError or a cancelled context get a cancelled result.
func (s *Sequential) Execute(ctx context.Context, tasks []task.Task) ([]task.Result, error) {
	if err := checkIDs(tasks); err != nil {
		return nil, err
	}

	results := make([]task.Result, 0, len(tasks))
	var stopReason error
	for _, t := range tasks {
		if stopReason == nil && ctx.Err() != nil {
			stopReason = ctx.Err()
		}
		if stopReason != nil {
			results = append(results, cancelledResult(t.ID, stopReason))
			continue
		}

		res := runTask(ctx, t)
		results = append(results, res)
		if !res.Success {
			logging.Warn("Executor", "Task %s failed: %s", t.ID, res.Error)
			if s.StopOnError {
				stopReason = errors.New("not run: an earlier task failed")
			}
		}
	}
	logging.Debug("Executor", "Sequential run of %d tasks finished", len(tasks))
	return results, nil
}
