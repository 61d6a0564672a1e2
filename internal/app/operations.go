package app

import (
	"context"
	"fmt"
	"time"

	"sandboxctl/internal/api"
	"sandboxctl/internal/engine"
	"sandboxctl/internal/installer"
	"sandboxctl/internal/isolation"
	"sandboxctl/internal/resource"
	"sandboxctl/internal/snapshot"
	"sandboxctl/internal/task"
)

// Operation names reported in api.Result.Operation.
const (
	OpCreateEnvironment  = "create_environment"
	OpGetEnvironment     = "get_environment"
	OpListEnvironments   = "list_environments"
	OpCleanupEnvironment = "cleanup_environment"
	OpCleanupAll         = "cleanup_all"
	OpCreateSnapshot     = "create_snapshot"
	OpGetSnapshot        = "get_snapshot"
	OpListSnapshots      = "list_snapshots"
	OpRestoreSnapshot    = "restore_snapshot"
	OpDeleteSnapshot     = "delete_snapshot"
	OpExportSnapshot     = "export_snapshot"
	OpImportSnapshot     = "import_snapshot"
	OpPruneSnapshots     = "prune_snapshots"
	OpMigrate            = "migrate_environment"
	OpSubmitInstall      = "submit_install"
	OpSubmitBatch        = "submit_install_batch"
	OpCancelInstall      = "cancel_install"
	OpWaitInstall        = "wait_install"
	OpRunTasks           = "run_task_graph"
	OpListEngines        = "list_engines"
	OpStatus             = "status"
)

// Execution modes for RunTasks.
const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

// EngineInfo describes one registered backend.
type EngineInfo struct {
	Name         string   `json:"name" yaml:"name"`
	Priority     int      `json:"priority" yaml:"priority"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Features     []string `json:"features" yaml:"features"`
	Loaded       bool     `json:"loaded" yaml:"loaded"`
	Environments int      `json:"environments" yaml:"environments"`
}

// StatusInfo is a point-in-time overview of the running components.
type StatusInfo struct {
	Environments int             `json:"environments" yaml:"environments"`
	Installer    installer.Stats `json:"installer" yaml:"installer"`
	Resources    resource.Stats  `json:"resources" yaml:"resources"`
}

// failWith reports err while keeping a payload, for operations that finish
// but whose work failed.
func failWith(op string, payload interface{}, err error) *api.Result {
	r := api.Fail(op, err)
	r.Payload = payload
	return r
}

func infos(envs []engine.Environment) []engine.Info {
	out := make([]engine.Info, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Info())
	}
	return out
}

// CreateEnvironment creates and activates an environment.
func (a *Application) CreateEnvironment(ctx context.Context, req isolation.CreateRequest) *api.Result {
	env, err := a.services.Manager.CreateEnvironment(ctx, req)
	if err != nil {
		return api.Fail(OpCreateEnvironment, err)
	}
	return api.OK(OpCreateEnvironment, env.Info())
}

// GetEnvironment returns one environment.
func (a *Application) GetEnvironment(id string) *api.Result {
	env, err := a.services.Manager.GetEnvironment(id)
	if err != nil {
		return api.Fail(OpGetEnvironment, err)
	}
	return api.OK(OpGetEnvironment, env.Info())
}

// ListEnvironments returns every active environment.
func (a *Application) ListEnvironments() *api.Result {
	return api.OK(OpListEnvironments, infos(a.services.Manager.ListEnvironments()))
}

// CleanupEnvironment tears one environment down.
func (a *Application) CleanupEnvironment(ctx context.Context, id string) *api.Result {
	return api.From(OpCleanupEnvironment, id, a.services.Manager.CleanupEnvironment(ctx, id))
}

// CleanupAll tears every environment down.
func (a *Application) CleanupAll(ctx context.Context) *api.Result {
	err := a.services.Manager.CleanupAll(ctx)
	if err != nil {
		return failWith(OpCleanupAll, infos(a.services.Manager.ListEnvironments()), err)
	}
	return api.OK(OpCleanupAll, nil)
}

// CreateSnapshot captures and stores an environment's state.
func (a *Application) CreateSnapshot(ctx context.Context, envID string) *api.Result {
	snap, err := a.services.Manager.CreateSnapshot(ctx, envID)
	return api.From(OpCreateSnapshot, snap, err)
}

// GetSnapshot returns one stored snapshot.
func (a *Application) GetSnapshot(ctx context.Context, id string) *api.Result {
	snap, err := a.services.Manager.GetSnapshot(ctx, id)
	return api.From(OpGetSnapshot, snap, err)
}

// ListSnapshots returns stored snapshots, oldest first.
func (a *Application) ListSnapshots(ctx context.Context) *api.Result {
	snaps, err := a.services.Manager.ListSnapshots(ctx)
	if snaps == nil {
		snaps = []*snapshot.Snapshot{}
	}
	return api.From(OpListSnapshots, snaps, err)
}

// RestoreSnapshot restores into req.EnvID or into a new environment.
func (a *Application) RestoreSnapshot(ctx context.Context, id string, req isolation.RestoreRequest) *api.Result {
	env, err := a.services.Manager.RestoreSnapshot(ctx, id, req)
	if err != nil {
		return api.Fail(OpRestoreSnapshot, err)
	}
	return api.OK(OpRestoreSnapshot, env.Info())
}

// DeleteSnapshot removes a stored snapshot.
func (a *Application) DeleteSnapshot(ctx context.Context, id string) *api.Result {
	return api.From(OpDeleteSnapshot, id, a.services.Manager.DeleteSnapshot(ctx, id))
}

// ExportSnapshot writes a snapshot record to path.
func (a *Application) ExportSnapshot(ctx context.Context, id, path string) *api.Result {
	return api.From(OpExportSnapshot, path, a.services.Manager.ExportSnapshot(ctx, id, path))
}

// ImportSnapshot validates and stores the record at path.
func (a *Application) ImportSnapshot(ctx context.Context, path string) *api.Result {
	snap, err := a.services.Manager.ImportSnapshot(ctx, path)
	return api.From(OpImportSnapshot, snap, err)
}

// PruneSnapshots deletes snapshots older than age, or the configured
// snapshots.maxAge when age is zero.
func (a *Application) PruneSnapshots(ctx context.Context, age time.Duration) *api.Result {
	if age <= 0 {
		age = a.settings.Snapshots.MaxAge
	}
	if age <= 0 {
		return api.Fail(OpPruneSnapshots, api.NewConfigurationError(OpPruneSnapshots, "no age given and snapshots.maxAge is unset"))
	}
	removed, err := a.services.Manager.CleanupOldSnapshots(ctx, age)
	if removed == nil {
		removed = []string{}
	}
	return api.From(OpPruneSnapshots, removed, err)
}

// MigrateEnvironment moves an environment onto another backend.
func (a *Application) MigrateEnvironment(ctx context.Context, id, target string, copyState bool) *api.Result {
	res, err := a.services.Manager.MigrateEnvironment(ctx, id, target, copyState)
	return api.From(OpMigrate, res, err)
}

// SubmitInstall queues one install task and returns its id.
func (a *Application) SubmitInstall(t task.InstallTask) *api.Result {
	id, err := a.services.Installer.Submit(t)
	return api.From(OpSubmitInstall, id, err)
}

// SubmitInstallBatch queues tasks as one unit and returns their ids.
func (a *Application) SubmitInstallBatch(tasks []task.InstallTask) *api.Result {
	ids, err := a.services.Installer.SubmitBatch(tasks)
	return api.From(OpSubmitBatch, ids, err)
}

// CancelInstall cancels a queued install task.
func (a *Application) CancelInstall(id string) *api.Result {
	return api.From(OpCancelInstall, id, a.services.Installer.Cancel(id))
}

// WaitInstall blocks until the task finishes. A failed task yields an error
// result that still carries the task result.
func (a *Application) WaitInstall(ctx context.Context, id string) *api.Result {
	res, err := a.services.Installer.Wait(ctx, id)
	if err != nil {
		return api.Fail(OpWaitInstall, err)
	}
	if !res.Success {
		return failWith(OpWaitInstall, res, res.Err)
	}
	return api.OK(OpWaitInstall, res)
}

// RunTasks executes a task graph. deps, when non-nil, replaces each task's
// DependsOn in parallel mode; sequential mode ignores dependencies. The result
// is an error if any task did not succeed.
func (a *Application) RunTasks(ctx context.Context, mode string, tasks []task.Task, deps map[string][]string) *api.Result {
	var (
		results []task.Result
		err     error
	)
	switch mode {
	case ModeParallel, "":
		results, err = a.services.Parallel.Execute(ctx, tasks, deps)
	case ModeSequential:
		results, err = a.services.Sequential.Execute(ctx, tasks)
	default:
		err = api.NewConfigurationError(OpRunTasks, "unknown execution mode %q", mode)
	}
	if err != nil {
		return api.Fail(OpRunTasks, err)
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return failWith(OpRunTasks, results, api.NewTerminalError(OpRunTasks, nil, "%d of %d tasks did not succeed", failed, len(results)))
	}
	return api.OK(OpRunTasks, results)
}

// ListEngines describes the registered backends in priority order.
func (a *Application) ListEngines() *api.Result {
	var out []EngineInfo
	for _, d := range a.services.Registry.List() {
		info := EngineInfo{
			Name:         d.Name,
			Priority:     d.Priority,
			Dependencies: d.Dependencies,
			Features:     d.Features,
		}
		if e, ok := a.services.Registry.Instance(d.Name); ok {
			info.Loaded = true
			info.Environments = len(e.Environments())
		}
		out = append(out, info)
	}
	return api.OK(OpListEngines, out)
}

// Status reports environment count, installer counters and resource usage.
func (a *Application) Status() *api.Result {
	return api.OK(OpStatus, StatusInfo{
		Environments: a.services.Manager.Count(),
		Installer:    a.services.Installer.Stats(),
		Resources:    a.services.Monitor.Stats(),
	})
}

// CheckConsistency compares the environment table with the backends.
func (a *Application) CheckConsistency() *api.Result {
	if err := a.services.Manager.CheckConsistency(); err != nil {
		return api.Fail("check_consistency", fmt.Errorf("environment table is inconsistent: %w", err))
	}
	return api.OK("check_consistency", nil)
}
