package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxctl/internal/api"
	"sandboxctl/internal/resource"
	"sandboxctl/internal/task"
)

func ok(v interface{}) task.Func {
	return func(ctx context.Context) (interface{}, error) { return v, nil }
}

func fail(msg string) task.Func {
	return func(ctx context.Context) (interface{}, error) { return nil, errors.New(msg) }
}

// recorder records the order tasks start in.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) fn(id string, d time.Duration) task.Func {
	return func(ctx context.Context) (interface{}, error) {
		r.mu.Lock()
		r.order = append(r.order, id)
		r.mu.Unlock()
		time.Sleep(d)
		return id, nil
	}
}

func (r *recorder) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestSequential_Execute(t *testing.T) {
	tests := []struct {
		name        string
		stopOnError bool
		statuses    []task.Status
	}{
		{"continues past failures", false, []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCompleted}},
		{"stops on first failure", true, []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCancelled}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := []task.Task{
				{ID: "a", Run: ok(1)},
				{ID: "b", Run: fail("boom")},
				{ID: "c", Run: ok(3)},
			}
			results, err := NewSequential(tt.stopOnError).Execute(context.Background(), tasks)
			require.NoError(t, err)
			require.Len(t, results, 3)
			for n, r := range results {
				assert.Equal(t, tasks[n].ID, r.TaskID)
				assert.Equal(t, tt.statuses[n], r.Status)
			}
			assert.Equal(t, 1, results[0].Value)
			assert.Equal(t, "boom", results[1].Error)
		})
	}
}

func TestSequential_RunsInInputOrder(t *testing.T) {
	rec := &recorder{}
	tasks := []task.Task{
		{ID: "z", Run: rec.fn("z", 0), Priority: task.PriorityLow},
		{ID: "a", Run: rec.fn("a", 0), Priority: task.PriorityHigh},
		{ID: "m", Run: rec.fn("m", 0), DependsOn: []string{"a"}},
	}
	results, err := NewSequential(false).Execute(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, rec.started())
	for n := 1; n < len(results); n++ {
		assert.False(t, results[n].StartTime.Before(results[n-1].EndTime))
	}
}

func TestSequential_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tasks := []task.Task{
		{ID: "a", Run: func(context.Context) (interface{}, error) { cancel(); return nil, nil }},
		{ID: "b", Run: ok(nil)},
	}
	results, err := NewSequential(false).Execute(ctx, tasks)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, task.StatusCancelled, results[1].Status)
	assert.ErrorIs(t, results[1].Err, context.Canceled)
}

func TestSequential_DuplicateIDs(t *testing.T) {
	_, err := NewSequential(false).Execute(context.Background(), []task.Task{{ID: "a", Run: ok(1)}, {ID: "a", Run: ok(2)}})
	assert.True(t, api.IsKind(err, api.KindConfiguration))
}

func TestRunTask_RetriesTransientFailures(t *testing.T) {
	var calls int32
	flaky := func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, api.NewTransientError("fetch", nil, "mirror unavailable")
		}
		return "done", nil
	}

	res := runTask(context.Background(), task.Task{ID: "t", Run: flaky, MaxRetries: 2})
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "done", res.Value)

	atomic.StoreInt32(&calls, 0)
	res = runTask(context.Background(), task.Task{ID: "t", Run: flaky, MaxRetries: 1})
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, api.IsKind(res.Err, api.KindTerminal))
}

func TestRunTask_NonTransientNotRetried(t *testing.T) {
	var calls int32
	res := runTask(context.Background(), task.Task{ID: "t", MaxRetries: 5, Run: func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("bad input")
	}})
	assert.False(t, res.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRunTask_TimeoutAbandonsPayload(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	res := runTask(context.Background(), task.Task{ID: "stuck", Timeout: 30 * time.Millisecond, Run: func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	}})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.True(t, api.IsKind(res.Err, api.KindTimeout))
}

func TestRunTask_PanicAndMissingPayload(t *testing.T) {
	res := runTask(context.Background(), task.Task{ID: "p", Run: func(ctx context.Context) (interface{}, error) {
		panic("kaboom")
	}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "kaboom")

	res = runTask(context.Background(), task.Task{ID: "empty"})
	assert.True(t, errors.Is(res.Err, ErrNoPayload))
}

func TestParallel_LayersRunInOrder(t *testing.T) {
	p := NewParallel(ParallelOptions{Workers: 3})
	defer p.Shutdown()

	tasks := []task.Task{
		{ID: "report", Run: ok("r"), DependsOn: []string{"unit", "integration"}},
		{ID: "setup", Run: ok("s")},
		{ID: "unit", Run: ok("u"), DependsOn: []string{"setup"}},
		{ID: "integration", Run: ok("i"), DependsOn: []string{"setup"}},
		{ID: "lint", Run: ok("l")},
	}
	for n := range tasks {
		d := 20 * time.Millisecond
		run := tasks[n].Run
		tasks[n].Run = func(ctx context.Context) (interface{}, error) {
			time.Sleep(d)
			return run(ctx)
		}
	}

	results, err := p.Execute(context.Background(), tasks, nil)
	require.NoError(t, err)
	byID := map[string]task.Result{}
	for n, r := range results {
		assert.Equal(t, tasks[n].ID, r.TaskID)
		assert.True(t, r.Success)
		byID[r.TaskID] = r
	}

	layerEnd := func(ids ...string) time.Time {
		var end time.Time
		for _, id := range ids {
			if byID[id].EndTime.After(end) {
				end = byID[id].EndTime
			}
		}
		return end
	}
	first := layerEnd("setup", "lint")
	second := layerEnd("unit", "integration")
	for _, id := range []string{"unit", "integration"} {
		assert.False(t, byID[id].StartTime.Before(first), "%s started before layer 0 drained", id)
	}
	assert.False(t, byID["report"].StartTime.Before(second))
	assert.True(t, byID["setup"].Overlaps(byID["lint"]))
}

func TestParallel_BoundedPool(t *testing.T) {
	p := NewParallel(ParallelOptions{Workers: 2})
	defer p.Shutdown()

	var running, peak int32
	fn := func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil, nil
	}
	var tasks []task.Task
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		tasks = append(tasks, task.Task{ID: id, Run: fn})
	}

	results, err := p.Execute(context.Background(), tasks, nil)
	require.NoError(t, err)
	assert.Len(t, results, 6)
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestParallel_FailedDependencySkipsDescendants(t *testing.T) {
	p := NewParallel(ParallelOptions{Workers: 2})
	defer p.Shutdown()

	var ran int32
	count := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	}
	tasks := []task.Task{
		{ID: "build", Run: fail("compile error")},
		{ID: "test", Run: count},
		{ID: "publish", Run: count},
		{ID: "docs", Run: count},
	}
	deps := map[string][]string{
		"test":    {"build"},
		"publish": {"test"},
	}

	results, err := p.Execute(context.Background(), tasks, deps)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, results[0].Status)
	assert.Equal(t, task.StatusSkipped, results[1].Status)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "build")
	assert.Equal(t, task.StatusSkipped, results[2].Status)
	assert.True(t, results[3].Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestParallel_RejectsInvalidGraphs(t *testing.T) {
	p := NewParallel(ParallelOptions{Workers: 1})
	defer p.Shutdown()

	var ran int32
	count := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	}

	tests := []struct {
		name  string
		tasks []task.Task
		kind  api.ErrorKind
	}{
		{"cycle", []task.Task{
			{ID: "a", Run: count, DependsOn: []string{"b"}},
			{ID: "b", Run: count, DependsOn: []string{"a"}},
			{ID: "c", Run: count},
		}, api.KindIntegrity},
		{"unknown dependency", []task.Task{
			{ID: "a", Run: count, DependsOn: []string{"ghost"}},
		}, api.KindIntegrity},
		{"missing id", []task.Task{{Run: count}}, api.KindConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Execute(context.Background(), tt.tasks, nil)
			require.Error(t, err)
			assert.True(t, api.IsKind(err, tt.kind), "got %v", err)
		})
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestParallel_MonitorAdmission(t *testing.T) {
	monitor := resource.NewMonitor(resource.Limits{MaxWorkers: 1, MaxCPU: 100, MaxMemoryMB: 1 << 20})
	p := NewParallel(ParallelOptions{Workers: 3, Monitor: monitor, PollInterval: 2 * time.Millisecond})
	defer p.Shutdown()

	var tasks []task.Task
	for _, id := range []string{"a", "b", "c"} {
		tasks = append(tasks, task.Task{ID: id, Run: func(ctx context.Context) (interface{}, error) {
			time.Sleep(10 * time.Millisecond)
			return nil, nil
		}})
	}
	results, err := p.Execute(context.Background(), tasks, nil)
	require.NoError(t, err)
	for a := range results {
		assert.True(t, results[a].Success)
		for b := a + 1; b < len(results); b++ {
			assert.False(t, results[a].Overlaps(results[b]))
		}
	}
	assert.Equal(t, 0, monitor.Active())
}

func TestParallel_ShutdownIsIdempotent(t *testing.T) {
	p := NewParallel(ParallelOptions{Workers: 2})
	_, err := p.Execute(context.Background(), []task.Task{{ID: "a", Run: ok(1)}}, nil)
	require.NoError(t, err)

	p.Shutdown()
	p.Shutdown()

	_, err = p.Execute(context.Background(), []task.Task{{ID: "b", Run: ok(2)}}, nil)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestParallel_ShutdownWaitsForExecute(t *testing.T) {
	p := NewParallel(ParallelOptions{Workers: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	done := make(chan []task.Result)
	go func() {
		results, _ := p.Execute(context.Background(), []task.Task{{ID: "slow", Run: func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return "finished", nil
		}}}, nil)
		done <- results
	}()

	<-started
	shutdown := make(chan struct{})
	go func() {
		p.Shutdown()
		close(shutdown)
	}()

	select {
	case <-shutdown:
		t.Fatal("shutdown returned while a graph was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-shutdown
	results := <-done
	assert.Equal(t, "finished", results[0].Value)
}
