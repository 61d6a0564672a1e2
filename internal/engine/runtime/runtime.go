// Package runtime isolates environments inside a managed language runtime,
// by default a Python virtual environment.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sandboxctl/internal/api"
	"sandboxctl/internal/check"
	"sandboxctl/internal/engine"
	"sandboxctl/internal/process"
	"sandboxctl/internal/snapshot"
	"sandboxctl/pkg/logging"
)

// Name is the registry name of this backend.
const Name = "runtime"

// Default command templates.
const (
	DefaultCreateCommand    = "{interpreter} -m venv {path}"
	DefaultInstallCommand   = "{path}/bin/pip install {package}"
	DefaultUninstallCommand = "{path}/bin/pip uninstall -y {name}"
)

// Options configure the runtime backend.
type Options struct {
	Interpreter      string
	CreateCommand    string
	InstallCommand   string
	UninstallCommand string
	CommandTimeout   time.Duration
	Spawner          process.Spawner
	Ports            *engine.PortAllocator
}

// Engine implements engine.Engine with virtual environments.
type Engine struct {
	opts  Options
	table *engine.Table
}

var _ engine.Engine = (*Engine)(nil)

// New creates a runtime engine, filling unset templates with the defaults.
func New(opts Options) *Engine {
	if opts.Interpreter == "" {
		opts.Interpreter = "python3"
	}
	if opts.CreateCommand == "" {
		opts.CreateCommand = DefaultCreateCommand
	}
	if opts.InstallCommand == "" {
		opts.InstallCommand = DefaultInstallCommand
	}
	if opts.UninstallCommand == "" {
		opts.UninstallCommand = DefaultUninstallCommand
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Minute
	}
	if opts.Spawner == nil {
		opts.Spawner = process.Default()
	}
	return &Engine{opts: opts, table: engine.NewTable()}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return Name }

// SupportedFeatures implements engine.Engine.
func (e *Engine) SupportedFeatures() []string {
	return []string{
		engine.FeatureFilesystemIsolation,
		engine.FeatureRuntimeIsolation,
		engine.FeaturePackageInstall,
		engine.FeaturePortAllocation,
		engine.FeatureSnapshots,
	}
}

// Environments implements engine.Engine.
func (e *Engine) Environments() []engine.Environment { return e.table.List() }

// Lookup implements engine.Engine.
func (e *Engine) Lookup(id string) (engine.Environment, bool) { return e.table.Get(id) }

// CreateIsolation runs the create template in path.
func (e *Engine) CreateIsolation(ctx context.Context, path, id string, config map[string]string) (engine.Environment, error) {
	if path == "" || id == "" {
		return nil, api.NewConfigurationError("create_isolation", "path and id are required")
	}
	if _, exists := e.table.Get(id); exists {
		return nil, api.NewIntegrityError("create_isolation", "environment %s already exists", id)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent of %s: %w", path, err)
	}

	interpreter := e.opts.Interpreter
	if v := config["interpreter"]; v != "" {
		interpreter = v
	}
	args := engine.ExpandTemplate(e.opts.CreateCommand, map[string]string{"path": path, "interpreter": interpreter})
	if _, err := engine.RunInstallCommand(ctx, e.opts.Spawner, "create_isolation", process.Command{
		Args:       args,
		Timeout:    e.opts.CommandTimeout,
		InheritEnv: true,
	}); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			logging.Error("RuntimeEngine", rmErr, "Failed to remove partial environment %s", path)
		}
		return nil, fmt.Errorf("failed to create runtime environment %s: %w", id, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	env := &Environment{
		Base:        engine.NewBase(id, path, Name, config, e.opts.Ports),
		opts:        e.opts,
		interpreter: interpreter,
	}
	if err := env.WriteManifest(path); err != nil {
		return nil, err
	}
	if err := e.table.Add(env); err != nil {
		return nil, err
	}

	logging.Info("RuntimeEngine", "Created runtime environment %s at %s (%s)", id, path, interpreter)
	return env, nil
}

// CleanupIsolation removes the runtime directory.
func (e *Engine) CleanupIsolation(ctx context.Context, env engine.Environment) error {
	owned, ok := e.table.Get(env.ID())
	if !ok {
		return api.NewIntegrityError("cleanup_isolation", "environment %s is not managed by %s", env.ID(), Name)
	}
	rtEnv := owned.(*Environment)

	if err := rtEnv.RunCleanup(ctx, func(ctx context.Context) error {
		return os.RemoveAll(rtEnv.Path())
	}); err != nil {
		return err
	}
	e.table.Remove(env.ID())
	logging.Info("RuntimeEngine", "Cleaned up environment %s", env.ID())
	return nil
}

// Environment is a virtual-environment backed environment.
type Environment struct {
	*engine.Base
	opts        Options
	interpreter string
}

var _ engine.Environment = (*Environment)(nil)

type payload struct {
	Interpreter string   `json:"interpreter"`
	Packages    []string `json:"packages"`
}

func (env *Environment) binDir() string {
	return filepath.Join(env.Path(), "bin")
}

// Activate checks that the runtime's bin directory exists.
func (env *Environment) Activate(ctx context.Context) error {
	return env.RunActivate(ctx, func(ctx context.Context) error {
		if out := check.IsDir(env.binDir())(ctx); !out.Passed {
			return fmt.Errorf("runtime not initialised: %s", out.Describe())
		}
		return nil
	})
}

// Deactivate persists the manifest.
func (env *Environment) Deactivate(ctx context.Context) error {
	return env.RunDeactivate(ctx, func(ctx context.Context) error {
		return env.WriteManifest(env.Path())
	})
}

// commandEnv puts the runtime's bin directory first on PATH.
func (env *Environment) commandEnv(extra map[string]string) map[string]string {
	vars := map[string]string{
		"VIRTUAL_ENV":    env.Path(),
		"PATH":           env.binDir() + string(os.PathListSeparator) + os.Getenv("PATH"),
		"SANDBOX_ENV_ID": env.ID(),
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

// ExecuteCommand runs args with the runtime activated.
func (env *Environment) ExecuteCommand(ctx context.Context, args []string, opts engine.ExecOptions) (engine.ExecResult, error) {
	if err := env.Require("execute", engine.StatusActive); err != nil {
		return engine.ExecResult{}, err
	}
	dir := filepath.Join(env.Path(), opts.Dir)
	if out := check.Within(env.Path(), dir)(ctx); !out.Passed {
		return engine.ExecResult{}, api.NewConfigurationError("execute", "%s", out.Describe())
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = env.opts.CommandTimeout
	}

	res, err := env.opts.Spawner.Spawn(ctx, process.Command{
		Args:       args,
		Dir:        dir,
		Env:        env.commandEnv(opts.Env),
		Timeout:    timeout,
		InheritEnv: true,
	})
	// A missing executable is the caller's mistake, not the environment's.
	if !errors.Is(err, process.ErrNotFound) && engine.IsBackendFailure(err) {
		err = env.Fail("execute", err)
	}
	return engine.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Duration: res.Duration}, err
}

func (env *Environment) runPackageCommand(ctx context.Context, op, tmpl string, pkg engine.Package) error {
	_, err := engine.RunInstallCommand(ctx, env.opts.Spawner, op, process.Command{
		Args:       engine.ExpandTemplate(tmpl, engine.PackageVars(pkg, env.Path())),
		Dir:        env.Path(),
		Env:        env.commandEnv(nil),
		Timeout:    env.opts.CommandTimeout,
		InheritEnv: true,
	})
	if err != nil && engine.IsBackendFailure(err) {
		return env.Fail(op+" "+pkg.Name, err)
	}
	return err
}

// InstallPackage installs spec with the runtime's package manager.
func (env *Environment) InstallPackage(ctx context.Context, spec string) error {
	if err := env.Require("install into", engine.StatusActive); err != nil {
		return err
	}
	pkg, err := engine.ParsePackage(spec)
	if err != nil {
		return api.NewConfigurationError("install", "%v", err)
	}
	if err := env.runPackageCommand(ctx, "install", env.opts.InstallCommand, pkg); err != nil {
		return err
	}
	env.RecordPackage(pkg)
	if err := env.WriteManifest(env.Path()); err != nil {
		return env.Fail("install "+pkg.Name, err)
	}
	return nil
}

// UninstallPackage removes a package with the runtime's package manager.
func (env *Environment) UninstallPackage(ctx context.Context, name string) error {
	if err := env.Require("uninstall from", engine.StatusActive); err != nil {
		return err
	}
	if !env.HasPackage(name) {
		return api.NewIntegrityError("uninstall", "package %s is not installed in %s", name, env.ID())
	}
	if err := env.runPackageCommand(ctx, "uninstall", env.opts.UninstallCommand, engine.Package{Name: name}); err != nil {
		return err
	}
	env.ForgetPackage(name)
	if err := env.WriteManifest(env.Path()); err != nil {
		return env.Fail("uninstall "+name, err)
	}
	return nil
}

// ListInstalledPackages implements engine.Environment.
func (env *Environment) ListInstalledPackages(ctx context.Context) ([]engine.Package, error) {
	return env.Packages(), nil
}

// CreateSnapshot implements engine.Environment.
func (env *Environment) CreateSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	data, err := env.ExportSnapshotData(ctx)
	if err != nil {
		return nil, err
	}
	return env.NewSnapshot(data)
}

// ExportSnapshotData returns the interpreter and package list.
func (env *Environment) ExportSnapshotData(ctx context.Context) (json.RawMessage, error) {
	return json.Marshal(payload{Interpreter: env.interpreter, Packages: env.PackageSpecs()})
}

// RestoreFromSnapshot reinstalls the captured packages. A snapshot from a
// runtime environment with a different interpreter is logged but still applied.
func (env *Environment) RestoreFromSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	packages := snap.Packages
	if snap.Backend == Name && len(snap.BackendPayload) > 0 {
		var p payload
		if err := json.Unmarshal(snap.BackendPayload, &p); err != nil {
			return api.NewIntegrityError("restore", "invalid %s payload in snapshot %s: %v", Name, snap.ID, err)
		}
		if p.Interpreter != "" && !strings.EqualFold(p.Interpreter, env.interpreter) {
			logging.Warn("RuntimeEngine", "Snapshot %s was taken with %s, restoring into %s", snap.ID, p.Interpreter, env.interpreter)
		}
		packages = p.Packages
	}
	env.MergeConfig(snap.Config)
	return engine.ReinstallPackages(ctx, env, packages)
}

// ValidateIsolation checks the runtime layout.
func (env *Environment) ValidateIsolation(ctx context.Context) error {
	v := check.All(
		check.IsDir(env.Path()),
		check.IsDir(env.binDir()),
		check.Any(
			check.PathExists(filepath.Join(env.binDir(), "python")),
			check.PathExists(filepath.Join(env.binDir(), "python3")),
		),
		check.PathExists(filepath.Join(env.Path(), engine.ManifestFile)),
	)
	if out := v(ctx); !out.Passed {
		return api.NewIntegrityError("validate_isolation", "environment %s: %s", env.ID(), out.Describe())
	}
	return nil
}
