package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sandboxctl/internal/api"
)

// FakeHandler simulates a command. It receives the full command and returns
// the result the spawner should report.
type FakeHandler func(ctx context.Context, cmd Command) Result

// FakeSpawner is a test Spawner that dispatches on argv[0] to registered handlers
// and records every call.
type FakeSpawner struct {
	mu       sync.Mutex
	handlers map[string]FakeHandler
	calls    []Command
}

var _ Spawner = (*FakeSpawner)(nil)

// NewFakeSpawner creates an empty FakeSpawner.
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{handlers: make(map[string]FakeHandler)}
}

// Register installs a handler for an executable name.
func (f *FakeSpawner) Register(name string, handler FakeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = handler
}

// RegisterOutput installs a handler returning a fixed result.
func (f *FakeSpawner) RegisterOutput(name string, exitCode int, stdout string) {
	f.Register(name, func(ctx context.Context, cmd Command) Result {
		return Result{ExitCode: exitCode, Stdout: stdout}
	})
}

// Calls returns a copy of the recorded commands.
func (f *FakeSpawner) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// CallsTo returns the recorded commands for one executable.
func (f *FakeSpawner) CallsTo(name string) []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Command
	for _, c := range f.calls {
		if len(c.Args) > 0 && c.Args[0] == name {
			out = append(out, c)
		}
	}
	return out
}

// Spawn implements Spawner. The handler runs on its own goroutine so a
// Timeout on the command is honoured even if the handler blocks.
func (f *FakeSpawner) Spawn(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Args) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	handler, ok := f.handlers[cmd.Args[0]]
	f.mu.Unlock()

	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, cmd.Args[0])
	}

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		done <- handler(runCtx, cmd)
	}()

	select {
	case res := <-done:
		res.Duration = time.Since(start)
		return res, nil
	case <-runCtx.Done():
		if runCtx.Err() == context.DeadlineExceeded {
			return Result{ExitCode: -1, Duration: time.Since(start)},
				api.NewTimeoutError("spawn", runCtx.Err(), "%s exceeded %s", cmd.Args[0], cmd.Timeout)
		}
		return Result{ExitCode: -1}, runCtx.Err()
	}
}
