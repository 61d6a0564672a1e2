// Package filesystem isolates environments as plain directory trees.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"sandboxctl/internal/api"
	"sandboxctl/internal/check"
	"sandboxctl/internal/engine"
	"sandboxctl/internal/process"
	"sandboxctl/internal/snapshot"
	"sandboxctl/pkg/logging"
)

// Name is the registry name of this backend.
const Name = "filesystem"

const (
	workspaceDir = "workspace"
	tmpDir       = "tmp"
)

// Options configure the filesystem backend.
type Options struct {
	// InstallCommand is an optional template run for each package, e.g.
	// "pip install --target {path}/workspace/lib {package}". Empty records
	// the package in the manifest only.
	InstallCommand   string
	UninstallCommand string
	CommandTimeout   time.Duration
	Spawner          process.Spawner
	Ports            *engine.PortAllocator
}

// Engine implements engine.Engine with directories.
type Engine struct {
	opts  Options
	table *engine.Table
}

var _ engine.Engine = (*Engine)(nil)

// New creates a filesystem engine.
func New(opts Options) *Engine {
	if opts.Spawner == nil {
		opts.Spawner = process.Default()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Minute
	}
	return &Engine{opts: opts, table: engine.NewTable()}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return Name }

// SupportedFeatures implements engine.Engine.
func (e *Engine) SupportedFeatures() []string {
	return []string{
		engine.FeatureFilesystemIsolation,
		engine.FeaturePackageInstall,
		engine.FeaturePortAllocation,
		engine.FeatureSnapshots,
	}
}

// Environments implements engine.Engine.
func (e *Engine) Environments() []engine.Environment { return e.table.List() }

// Lookup implements engine.Engine.
func (e *Engine) Lookup(id string) (engine.Environment, bool) { return e.table.Get(id) }

// CreateIsolation creates the directory layout under path.
func (e *Engine) CreateIsolation(ctx context.Context, path, id string, config map[string]string) (engine.Environment, error) {
	if path == "" || id == "" {
		return nil, api.NewConfigurationError("create_isolation", "path and id are required")
	}
	if _, exists := e.table.Get(id); exists {
		return nil, api.NewIntegrityError("create_isolation", "environment %s already exists", id)
	}

	for _, dir := range []string{path, filepath.Join(path, workspaceDir), filepath.Join(path, tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	env := &Environment{
		Base: engine.NewBase(id, path, Name, config, e.opts.Ports),
		opts: e.opts,
	}
	if err := env.WriteManifest(path); err != nil {
		return nil, err
	}
	if err := e.table.Add(env); err != nil {
		return nil, err
	}

	logging.Info("FilesystemEngine", "Created environment %s at %s", id, path)
	return env, nil
}

// CleanupIsolation removes the directory tree and forgets the environment.
func (e *Engine) CleanupIsolation(ctx context.Context, env engine.Environment) error {
	owned, ok := e.table.Get(env.ID())
	if !ok {
		return api.NewIntegrityError("cleanup_isolation", "environment %s is not managed by %s", env.ID(), Name)
	}
	fsEnv := owned.(*Environment)

	err := fsEnv.RunCleanup(ctx, func(ctx context.Context) error {
		return os.RemoveAll(fsEnv.Path())
	})
	if err != nil {
		return err
	}
	e.table.Remove(env.ID())
	logging.Info("FilesystemEngine", "Cleaned up environment %s", env.ID())
	return nil
}

// Environment is a directory-backed environment.
type Environment struct {
	*engine.Base
	opts Options
}

var _ engine.Environment = (*Environment)(nil)

// payload is the backend-specific snapshot data.
type payload struct {
	Manifest []string `json:"manifest"`
	Files    []string `json:"files"`
}

// Activate implements engine.Environment.
func (env *Environment) Activate(ctx context.Context) error {
	return env.RunActivate(ctx, func(ctx context.Context) error {
		for _, dir := range []string{filepath.Join(env.Path(), workspaceDir), filepath.Join(env.Path(), tmpDir)} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		return nil
	})
}

// Deactivate implements engine.Environment.
func (env *Environment) Deactivate(ctx context.Context) error {
	return env.RunDeactivate(ctx, func(ctx context.Context) error {
		return env.WriteManifest(env.Path())
	})
}

// ExecuteCommand runs args inside the workspace.
func (env *Environment) ExecuteCommand(ctx context.Context, args []string, opts engine.ExecOptions) (engine.ExecResult, error) {
	if err := env.Require("execute", engine.StatusActive); err != nil {
		return engine.ExecResult{}, err
	}
	dir := filepath.Join(env.Path(), workspaceDir, opts.Dir)
	if out := check.Within(env.Path(), dir)(ctx); !out.Passed {
		return engine.ExecResult{}, api.NewConfigurationError("execute", "%s", out.Describe())
	}

	vars := map[string]string{
		"SANDBOX_ENV_ID": env.ID(),
		"TMPDIR":         filepath.Join(env.Path(), tmpDir),
	}
	for k, v := range opts.Env {
		vars[k] = v
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = env.opts.CommandTimeout
	}

	res, err := env.opts.Spawner.Spawn(ctx, process.Command{
		Args:       args,
		Dir:        dir,
		Env:        vars,
		Timeout:    timeout,
		InheritEnv: true,
	})
	// A missing executable is the caller's mistake, not the environment's.
	if !errors.Is(err, process.ErrNotFound) && engine.IsBackendFailure(err) {
		err = env.Fail("execute", err)
	}
	return engine.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Duration: res.Duration}, err
}

// InstallPackage runs the install template, if any, and records the package.
func (env *Environment) InstallPackage(ctx context.Context, spec string) error {
	if err := env.Require("install into", engine.StatusActive); err != nil {
		return err
	}
	pkg, err := engine.ParsePackage(spec)
	if err != nil {
		return api.NewConfigurationError("install", "%v", err)
	}

	if env.opts.InstallCommand != "" {
		_, err := engine.RunInstallCommand(ctx, env.opts.Spawner, "install", process.Command{
			Args:       engine.ExpandTemplate(env.opts.InstallCommand, engine.PackageVars(pkg, env.Path())),
			Dir:        env.Path(),
			Timeout:    env.opts.CommandTimeout,
			InheritEnv: true,
		})
		if err != nil {
			if engine.IsBackendFailure(err) {
				return env.Fail("install "+pkg.Name, err)
			}
			return err
		}
	}

	env.RecordPackage(pkg)
	if err := env.WriteManifest(env.Path()); err != nil {
		return env.Fail("install "+pkg.Name, err)
	}
	logging.Debug("FilesystemEngine", "Installed %s into %s", pkg, env.ID())
	return nil
}

// UninstallPackage removes a recorded package.
func (env *Environment) UninstallPackage(ctx context.Context, name string) error {
	if err := env.Require("uninstall from", engine.StatusActive); err != nil {
		return err
	}
	if !env.HasPackage(name) {
		return api.NewIntegrityError("uninstall", "package %s is not installed in %s", name, env.ID())
	}

	if env.opts.UninstallCommand != "" {
		pkg := engine.Package{Name: name}
		_, err := engine.RunInstallCommand(ctx, env.opts.Spawner, "uninstall", process.Command{
			Args:       engine.ExpandTemplate(env.opts.UninstallCommand, engine.PackageVars(pkg, env.Path())),
			Dir:        env.Path(),
			Timeout:    env.opts.CommandTimeout,
			InheritEnv: true,
		})
		if err != nil {
			if engine.IsBackendFailure(err) {
				return env.Fail("uninstall "+name, err)
			}
			return err
		}
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

// ExportSnapshotData returns the manifest and the workspace file list.
func (env *Environment) ExportSnapshotData(ctx context.Context) (json.RawMessage, error) {
	files, err := listFiles(filepath.Join(env.Path(), workspaceDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace of %s: %w", env.ID(), err)
	}
	return json.Marshal(payload{Manifest: env.PackageSpecs(), Files: files})
}

func listFiles(root string) ([]string, error) {
	files := []string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files, err
}

// RestoreFromSnapshot reapplies config and packages. Snapshots taken by this
// backend restore the recorded manifest; others fall back to the generic
// package list.
func (env *Environment) RestoreFromSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	packages := snap.Packages
	if snap.Backend == Name && len(snap.BackendPayload) > 0 {
		var p payload
		if err := json.Unmarshal(snap.BackendPayload, &p); err != nil {
			return api.NewIntegrityError("restore", "invalid %s payload in snapshot %s: %v", Name, snap.ID, err)
		}
		packages = p.Manifest
		for _, f := range p.Files {
			if _, err := os.Stat(filepath.Join(env.Path(), workspaceDir, filepath.FromSlash(f))); err != nil {
				logging.Warn("FilesystemEngine", "File %s from snapshot %s is not present in %s", f, snap.ID, env.ID())
			}
		}
	}

	env.MergeConfig(snap.Config)
	return engine.ReinstallPackages(ctx, env, packages)
}

// ValidateIsolation checks the directory layout.
func (env *Environment) ValidateIsolation(ctx context.Context) error {
	root := env.Path()
	workspace := filepath.Join(root, workspaceDir)
	v := check.All(
		check.IsDir(root),
		check.IsDir(workspace),
		check.IsDir(filepath.Join(root, tmpDir)),
		check.PathExists(filepath.Join(root, engine.ManifestFile)),
		check.Within(root, workspace),
	)
	if out := v(ctx); !out.Passed {
		return api.NewIntegrityError("validate_isolation", "environment %s: %s", env.ID(), out.Describe())
	}
	return nil
}
