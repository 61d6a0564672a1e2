package installer

import (
	"context"
	"errors"
	"time"

	"sandboxctl/internal/api"
	"sandboxctl/internal/task"
	"sandboxctl/pkg/logging"
)

func (i *Installer) worker(ctx context.Context, id int) {
	defer i.wg.Done()
	ticker := time.NewTicker(i.opts.PollInterval)
	defer ticker.Stop()

	for {
		if j := i.dispatch(); j != nil {
			i.run(ctx, j)
			continue
		}
		select {
		case <-i.stop:
			return
		case <-ctx.Done():
			return
		case <-i.wake:
		case <-ticker.C:
		}
	}
}

// dispatch takes the first queued task, in band order, whose dependencies are
// complete and whose environment is free or already claimed by that task. It returns nil while paused, after
// shutdown or when the monitor denies admission.
func (i *Installer) dispatch() *job {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.paused || i.stopped {
		return nil
	}
	for _, p := range task.Priorities {
		for _, j := range i.queues[p] {
			if !i.dependenciesCompleteLocked(j) {
				continue
			}
			if owner := i.busyEnvs[j.task.EnvID]; i.opts.ConflictDetection && owner != "" && owner != j.task.ID {
				continue
			}
			if !i.monitor.CanAdmit() {
				return nil
			}
			i.removeQueuedLocked(j)
			i.monitor.Register()
			i.busyEnvs[j.task.EnvID] = j.task.ID
			j.status = task.StatusRunning
			j.result.Status = task.StatusRunning
			j.result.Attempts++
			if j.result.StartTime.IsZero() {
				j.result.StartTime = time.Now()
				if j.task.Timeout > 0 {
					j.deadline = j.result.StartTime.Add(j.task.Timeout)
				}
			}
			return j
		}
	}
	return nil
}

func (i *Installer) dependenciesCompleteLocked(j *job) bool {
	for _, dep := range j.task.DependsOn {
		if !i.resolver.IsCompleted(dep) {
			return false
		}
	}
	return true
}

// run performs one attempt of j and decides whether it completes, retries or fails.
func (i *Installer) run(ctx context.Context, j *job) {
	attemptCtx, cancel := i.attemptContext(ctx, j)
	err := i.installAll(attemptCtx, j)
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	cancel()

	i.mu.Lock()
	defer i.mu.Unlock()
	i.monitor.Unregister()
	defer i.notify()

	switch {
	case err == nil:
		logging.Debug("Installer", "Task %s completed after %d attempts", j.task.ID, j.result.Attempts)
		i.finishLocked(j, task.StatusCompleted, nil)

	case timedOut || api.IsKind(err, api.KindTimeout):
		if !api.IsKind(err, api.KindTimeout) {
			err = api.NewTimeoutError("install", err, "task %s exceeded its timeout of %s", j.task.ID, j.task.Timeout)
		}
		logging.Error("Installer", err, "Task %s timed out", j.task.ID)
		i.finishLocked(j, task.StatusFailed, err)

	case api.IsTransient(err) && j.task.Retries < j.task.MaxRetries && !i.stopped:
		// The environment stays claimed until the retry finishes so the
		// task's reported window never spans another task's install.
		j.task.Retries++
		j.status = task.StatusRetrying
		j.result.Status = task.StatusRetrying
		i.stats.Retries++
		i.queues[j.task.Priority] = append(i.queues[j.task.Priority], j)
		logging.Warn("Installer", "Task %s failed transiently, retry %d/%d: %v", j.task.ID, j.task.Retries, j.task.MaxRetries, err)

	case api.IsTransient(err):
		err = api.NewTerminalError("install", err, "task %s failed after %d attempts", j.task.ID, j.result.Attempts)
		logging.Error("Installer", err, "Task %s exhausted its retries", j.task.ID)
		i.finishLocked(j, task.StatusFailed, err)

	default:
		logging.Error("Installer", err, "Task %s failed", j.task.ID)
		i.finishLocked(j, task.StatusFailed, err)
	}
}

func (i *Installer) attemptContext(ctx context.Context, j *job) (context.Context, context.CancelFunc) {
	if j.deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, j.deadline)
}

// installAll installs the task's packages one by one. Packages that succeeded
// in an earlier attempt are skipped. It returns the first failure; with mixed
// failures a non-transient one takes precedence.
func (i *Installer) installAll(ctx context.Context, j *job) error {
	env, err := i.envs.GetEnvironment(j.task.EnvID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, pkg := range j.task.Packages {
		i.mu.Lock()
		prev, seen := j.items[pkg]
		i.mu.Unlock()
		if seen && prev.Success {
			continue
		}

		if ctx.Err() != nil {
			i.recordItem(j, task.ItemResult{Name: pkg, Error: "not attempted: " + ctx.Err().Error()})
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			continue
		}

		start := time.Now()
		err := env.InstallPackage(ctx, pkg)
		item := task.ItemResult{Name: pkg, Success: err == nil, Duration: time.Since(start)}
		if err != nil {
			item.Error = err.Error()
			if firstErr == nil || (api.IsTransient(firstErr) && !api.IsTransient(err)) {
				firstErr = err
			}
		}
		i.recordItem(j, item)
	}
	return firstErr
}

func (i *Installer) recordItem(j *job, item task.ItemResult) {
	i.mu.Lock()
	defer i.mu.Unlock()
	j.items[item.Name] = item
}
