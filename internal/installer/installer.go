// Package installer runs package installations into environments on a
// bounded worker pool fed by a priority queue.
//
// Dispatch of a queued task waits for its dependencies to complete, for the
// resource monitor to admit it and, with conflict detection, for no other
// task to be installing into the same environment. Transient failures are
// re-queued at the back of their priority band until the retry budget is
// spent.
package installer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sandboxctl/internal/api"
	"sandboxctl/internal/dependency"
	"sandboxctl/internal/engine"
	"sandboxctl/internal/resource"
	"sandboxctl/internal/task"
	"sandboxctl/pkg/logging"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotCancellable is returned when cancelling a task that already started.
	ErrNotCancellable = errors.New("task is no longer queued")
	// ErrShutdown is returned by Submit after Shutdown.
	ErrShutdown = errors.New("installer is shut down")
)

// EnvironmentProvider resolves environment ids. *isolation.Manager satisfies it.
type EnvironmentProvider interface {
	GetEnvironment(id string) (engine.Environment, error)
}

// Options configure an Installer.
type Options struct {
	Workers       int
	QueueCapacity int
	// MaxRetries applies to tasks that do not set their own.
	MaxRetries int
	// TaskTimeout applies to tasks that do not set their own. It bounds the
	// whole task, retries included. Zero means no deadline.
	TaskTimeout       time.Duration
	ConflictDetection bool
	PollInterval      time.Duration
	Monitor           *resource.Monitor
}

// Stats is a snapshot of installer counters.
type Stats struct {
	Workers   int  `json:"workers"`
	Queued    int  `json:"queued"`
	Running   int  `json:"running"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Cancelled int  `json:"cancelled"`
	Retries   int  `json:"retries"`
	Paused    bool `json:"paused"`
}

type job struct {
	task     task.InstallTask
	status   task.Status
	result   task.Result
	done     chan struct{}
	items    map[string]task.ItemResult
	deadline time.Time
	finished bool
}

// Installer is safe for concurrent use.
type Installer struct {
	opts     Options
	envs     EnvironmentProvider
	monitor  *resource.Monitor
	resolver *dependency.Resolver

	mu       sync.Mutex
	queues   map[task.Priority][]*job
	jobs     map[string]*job
	order    []string
	busyEnvs map[string]string
	paused   bool
	started  bool
	stopped  bool
	stats    Stats

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an installer. Without a monitor, admission is bounded by the
// worker count only.
func New(envs EnvironmentProvider, opts Options) *Installer {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1000
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = resource.NewMonitor(resource.Limits{
			MaxWorkers:  opts.Workers,
			MaxCPU:      math.MaxFloat64,
			MaxMemoryMB: math.MaxFloat64,
		})
	}
	return &Installer{
		opts:     opts,
		envs:     envs,
		monitor:  monitor,
		resolver: dependency.New(nil),
		queues:   make(map[task.Priority][]*job),
		jobs:     make(map[string]*job),
		busyEnvs: make(map[string]string),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the worker pool. Workers stop when ctx ends or on Shutdown.
func (i *Installer) Start(ctx context.Context) {
	i.mu.Lock()
	if i.started || i.stopped {
		i.mu.Unlock()
		return
	}
	i.started = true
	i.mu.Unlock()

	for w := 0; w < i.opts.Workers; w++ {
		i.wg.Add(1)
		go i.worker(ctx, w)
	}
	logging.Info("Installer", "Started %d install workers (conflict detection: %v)", i.opts.Workers, i.opts.ConflictDetection)
}

// Shutdown stops dispatch, waits for in-flight tasks and cancels everything
// still queued. It is safe to call more than once.
func (i *Installer) Shutdown(ctx context.Context) error {
	i.stopOnce.Do(func() {
		i.mu.Lock()
		i.stopped = true
		i.mu.Unlock()
		close(i.stop)
	})

	drained := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return api.NewTimeoutError("installer.shutdown", ctx.Err(), "in-flight tasks did not finish")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	var pending []*job
	for _, p := range task.Priorities {
		pending = append(pending, i.queues[p]...)
		i.queues[p] = nil
	}
	for _, j := range pending {
		if !j.finished {
			i.finishLocked(j, task.StatusCancelled, ErrShutdown)
		}
	}
	if len(pending) > 0 {
		logging.Info("Installer", "Cancelled %d queued tasks at shutdown", len(pending))
	}
	return nil
}

// Pause stops new dispatch. In-flight tasks continue.
func (i *Installer) Pause() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paused = true
	logging.Info("Installer", "Dispatch paused")
}

// Resume restarts dispatch.
func (i *Installer) Resume() {
	i.mu.Lock()
	i.paused = false
	i.mu.Unlock()
	logging.Info("Installer", "Dispatch resumed")
	i.notify()
}

func (i *Installer) notify() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// Submit queues one task and returns its id.
func (i *Installer) Submit(t task.InstallTask) (string, error) {
	ids, err := i.SubmitBatch([]task.InstallTask{t})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitBatch queues tasks as one unit. Dependencies may name tasks in the
// batch or tasks submitted earlier. An invalid task, an unknown dependency, a
// cycle or insufficient queue capacity rejects the whole batch.
func (i *Installer) SubmitBatch(tasks []task.InstallTask) ([]string, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.stopped {
		return nil, ErrShutdown
	}

	prepared := make([]task.InstallTask, len(tasks))
	inBatch := make(map[string]bool, len(tasks))
	for n, t := range tasks {
		t = i.normalize(t)
		if err := validate(t); err != nil {
			return nil, err
		}
		if _, exists := i.jobs[t.ID]; exists || inBatch[t.ID] {
			return nil, api.NewConfigurationError("submit", "duplicate task id %s", t.ID)
		}
		inBatch[t.ID] = true
		prepared[n] = t
	}

	graph := make(map[string][]string, len(prepared))
	ids := make([]string, len(prepared))
	for n, t := range prepared {
		ids[n] = t.ID
		var local []string
		for _, dep := range t.DependsOn {
			switch {
			case inBatch[dep]:
				local = append(local, dep)
			case i.jobs[dep] != nil:
			default:
				return nil, api.NewIntegrityError("submit", "task %s depends on unknown task %s", t.ID, dep)
			}
		}
		graph[t.ID] = local
	}
	if _, err := dependency.New(graph).ExecutionOrder(ids); err != nil {
		return nil, err
	}

	if queued := i.queuedLocked(); queued+len(prepared) > i.opts.QueueCapacity {
		return nil, api.NewResourceExhaustedError("submit", "install queue full (%d/%d, %d requested)", queued, i.opts.QueueCapacity, len(prepared))
	}

	for _, t := range prepared {
		j := &job{
			task:   t,
			status: task.StatusQueued,
			result: task.Result{TaskID: t.ID, Status: task.StatusQueued},
			done:   make(chan struct{}),
			items:  make(map[string]task.ItemResult),
		}
		i.jobs[t.ID] = j
		i.order = append(i.order, t.ID)
		i.resolver.Add(t.ID, t.DependsOn)
		i.queues[t.Priority] = append(i.queues[t.Priority], j)
	}
	for _, t := range prepared {
		if dep := i.failedDependencyLocked(i.jobs[t.ID]); dep != "" {
			i.failDependentLocked(i.jobs[t.ID], dep)
		}
	}

	logging.Debug("Installer", "Queued %d tasks: %s", len(ids), strings.Join(ids, ", "))
	i.notify()
	return ids, nil
}

func (i *Installer) normalize(t task.InstallTask) task.InstallTask {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	switch {
	case t.MaxRetries < 0:
		t.MaxRetries = 0
	case t.MaxRetries == 0:
		t.MaxRetries = i.opts.MaxRetries
	}
	if t.Timeout <= 0 {
		t.Timeout = i.opts.TaskTimeout
	}
	t.Packages = append([]string(nil), t.Packages...)
	t.DependsOn = append([]string(nil), t.DependsOn...)
	return t
}

func validate(t task.InstallTask) error {
	if t.EnvID == "" {
		return api.NewConfigurationError("submit", "task %s has no environment", t.ID)
	}
	if len(t.Packages) == 0 {
		return api.NewConfigurationError("submit", "task %s has no packages", t.ID)
	}
	if !t.Priority.Valid() {
		return api.NewConfigurationError("submit", "task %s has invalid priority %d", t.ID, int(t.Priority))
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return api.NewIntegrityError("submit", "task %s depends on itself", t.ID)
		}
	}
	return nil
}

// Cancel removes a queued task. Tasks that already started cannot be cancelled.
func (i *Installer) Cancel(id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	j, ok := i.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !i.removeQueuedLocked(j) {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, j.status)
	}
	i.finishLocked(j, task.StatusCancelled, errors.New("cancelled"))
	logging.Info("Installer", "Cancelled task %s", id)
	return nil
}

// Wait blocks until the task finishes or ctx ends.
func (i *Installer) Wait(ctx context.Context, id string) (task.Result, error) {
	i.mu.Lock()
	j, ok := i.jobs[id]
	i.mu.Unlock()
	if !ok {
		return task.Result{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return task.Result{}, api.NewTimeoutError("wait", ctx.Err(), "task %s still %s", id, i.Status(id))
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return copyResult(j.result), nil
}

// WaitAll waits for every submitted task and returns results in submission order.
func (i *Installer) WaitAll(ctx context.Context) ([]task.Result, error) {
	i.mu.Lock()
	ids := append([]string(nil), i.order...)
	i.mu.Unlock()

	results := make([]task.Result, 0, len(ids))
	for _, id := range ids {
		r, err := i.Wait(ctx, id)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// Status returns the current status of a task, or "" if unknown.
func (i *Installer) Status(id string) task.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	if j, ok := i.jobs[id]; ok {
		return j.status
	}
	return ""
}

// Stats returns a snapshot of the counters.
func (i *Installer) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := i.stats
	s.Workers = i.opts.Workers
	s.Queued = i.queuedLocked()
	s.Paused = i.paused
	s.Running = 0
	for _, j := range i.jobs {
		if j.status == task.StatusRunning {
			s.Running++
		}
	}
	return s
}

func (i *Installer) queuedLocked() int {
	n := 0
	for _, p := range task.Priorities {
		n += len(i.queues[p])
	}
	return n
}

func (i *Installer) removeQueuedLocked(j *job) bool {
	q := i.queues[j.task.Priority]
	for idx, candidate := range q {
		if candidate == j {
			i.queues[j.task.Priority] = append(q[:idx:idx], q[idx+1:]...)
			return true
		}
	}
	return false
}

// failedDependencyLocked returns the id of a dependency that can no longer complete.
func (i *Installer) failedDependencyLocked(j *job) string {
	for _, dep := range j.task.DependsOn {
		if d, ok := i.jobs[dep]; ok && (d.status == task.StatusFailed || d.status == task.StatusCancelled) {
			return dep
		}
	}
	return ""
}

func (i *Installer) failDependentLocked(j *job, dep string) {
	if !i.removeQueuedLocked(j) {
		return
	}
	err := api.NewTerminalError("install", nil, "dependency %s did not complete", dep)
	logging.Warn("Installer", "Task %s failed: dependency %s did not complete", j.task.ID, dep)
	i.finishLocked(j, task.StatusFailed, err)
}

// finishLocked records the terminal result of j and fails its queued dependents.
func (i *Installer) finishLocked(j *job, status task.Status, err error) {
	if j.finished {
		return
	}
	j.finished = true
	if i.busyEnvs[j.task.EnvID] == j.task.ID {
		delete(i.busyEnvs, j.task.EnvID)
	}
	j.status = status
	j.result.Status = status
	j.result.Items = i.itemsLocked(j)
	j.result.Finish(err)
	j.status = j.result.Status
	close(j.done)

	switch j.status {
	case task.StatusCompleted:
		i.stats.Completed++
		i.resolver.MarkCompleted(j.task.ID)
	case task.StatusCancelled:
		i.stats.Cancelled++
	default:
		i.stats.Failed++
	}

	if j.status != task.StatusCompleted {
		for _, id := range i.resolver.Dependents(j.task.ID) {
			if child, ok := i.jobs[id]; ok && !child.status.Terminal() {
				i.failDependentLocked(child, j.task.ID)
			}
		}
	}
}

func (i *Installer) itemsLocked(j *job) []task.ItemResult {
	if len(j.items) == 0 {
		return nil
	}
	out := make([]task.ItemResult, 0, len(j.task.Packages))
	for _, pkg := range j.task.Packages {
		if item, ok := j.items[pkg]; ok {
			out = append(out, item)
		}
	}
	return out
}

func copyResult(r task.Result) task.Result {
	r.Items = append([]task.ItemResult(nil), r.Items...)
	return r
}
