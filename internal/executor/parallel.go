package executor

import (
	"context"
	"sync"
	"time"

	"sandboxctl/internal/dependency"
	"sandboxctl/internal/resource"
	"sandboxctl/internal/task"
	"sandboxctl/pkg/logging"
)

// ParallelOptions configure a Parallel executor.
type ParallelOptions struct {
	Workers int
	// Monitor, if set, must admit a task before a worker runs it.
	Monitor      *resource.Monitor
	PollInterval time.Duration
}

type unit struct {
	ctx  context.Context
	task task.Task
	out  *task.Result
	wg   *sync.WaitGroup
}

// Parallel runs dependency layers on a persistent pool of workers. A layer
// starts only after every task of the previous layer has finished.
type Parallel struct {
	opts ParallelOptions

	// mu is read-held by every Execute so Shutdown waits for them.
	mu     sync.RWMutex
	closed bool
	work   chan unit
	wg     sync.WaitGroup
}

// NewParallel starts the worker pool.
func NewParallel(opts ParallelOptions) *Parallel {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	p := &Parallel{opts: opts, work: make(chan unit)}
	for w := 0; w < opts.Workers; w++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Workers returns the pool size.
func (p *Parallel) Workers() int { return p.opts.Workers }

func (p *Parallel) worker() {
	defer p.wg.Done()
	for u := range p.work {
		if !p.admit(u.ctx) {
			*u.out = cancelledResult(u.task.ID, u.ctx.Err())
			u.wg.Done()
			continue
		}
		*u.out = runTask(u.ctx, u.task)
		if p.opts.Monitor != nil {
			p.opts.Monitor.Unregister()
		}
		u.wg.Done()
	}
}

// admit waits for the monitor, if any. It returns false if ctx ends first.
func (p *Parallel) admit(ctx context.Context) bool {
	m := p.opts.Monitor
	if m == nil {
		return ctx.Err() == nil
	}
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		// CanAdmit and Register are not atomic; the monitor counts workers of
		// every pool and a momentary overshoot by one is tolerated.
		if m.CanAdmit() {
			m.Register()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Execute runs tasks in dependency layers and returns results in input order.
// deps overrides the tasks' own DependsOn when non-nil. Unknown dependencies
// and cycles reject the whole graph before anything runs. A task whose
// dependency did not succeed is skipped with a failed result.
func (p *Parallel) Execute(ctx context.Context, tasks []task.Task, deps map[string][]string) ([]task.Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrShutdown
	}
	if err := checkIDs(tasks); err != nil {
		return nil, err
	}

	ids := make([]string, len(tasks))
	byID := make(map[string]task.Task, len(tasks))
	index := make(map[string]int, len(tasks))
	graph := make(map[string][]string, len(tasks))
	for n, t := range tasks {
		ids[n] = t.ID
		byID[t.ID] = t
		index[t.ID] = n
		if deps != nil {
			graph[t.ID] = deps[t.ID]
		} else {
			graph[t.ID] = t.DependsOn
		}
	}

	resolver := dependency.New(graph)
	layers, err := resolver.ExecutionOrder(ids)
	if err != nil {
		return nil, err
	}

	results := make([]task.Result, len(tasks))
	for n, layer := range layers {
		var wg sync.WaitGroup
		for _, id := range layer {
			out := &results[index[id]]
			if ctx.Err() != nil {
				*out = cancelledResult(id, ctx.Err())
				continue
			}
			if dep := failedDependency(resolver, graph[id]); dep != "" {
				*out = skippedResult(id, dep)
				continue
			}
			wg.Add(1)
			p.work <- unit{ctx: ctx, task: byID[id], out: out, wg: &wg}
		}
		wg.Wait()

		for _, id := range layer {
			if results[index[id]].Success {
				resolver.MarkCompleted(id)
			}
		}
		logging.Debug("Executor", "Layer %d/%d finished (%d tasks)", n+1, len(layers), len(layer))
	}
	return results, nil
}

func failedDependency(r *dependency.Resolver, deps []string) string {
	for _, dep := range deps {
		if !r.IsCompleted(dep) {
			return dep
		}
	}
	return ""
}

// Shutdown waits for running Execute calls, then stops the workers. It is
// safe to call more than once.
func (p *Parallel) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.work)
	p.wg.Wait()
	logging.Debug("Executor", "Parallel executor with %d workers shut down", p.opts.Workers)
}
