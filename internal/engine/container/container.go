// Package container isolates environments in containers driven through the
// containerizer runtime.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"sandboxctl/internal/api"
	"sandboxctl/internal/check"
	"sandboxctl/internal/containerizer"
	"sandboxctl/internal/engine"
	"sandboxctl/internal/snapshot"
	"sandboxctl/pkg/logging"
)

// Name is the registry name of this backend.
const Name = "container"

const (
	DefaultImage            = "python:3.12-slim"
	DefaultWorkDir          = "/workspace"
	DefaultInstallCommand   = "pip install {package}"
	DefaultUninstallCommand = "pip uninstall -y {name}"
)

// Config keys understood by this backend.
const (
	ConfigImage            = "image"
	ConfigNetworkIsolation = "network_isolation"
	ConfigCPUs             = "cpus"
	ConfigMemoryMB         = "memory_mb"
)

// Options configure the container backend.
type Options struct {
	Runtime          containerizer.ContainerRuntime
	Image            string
	WorkDir          string
	InstallCommand   string
	UninstallCommand string
	CommandTimeout   time.Duration
	Ports            *engine.PortAllocator
}

// Engine implements engine.Engine with containers.
type Engine struct {
	opts  Options
	table *engine.Table
}

var _ engine.Engine = (*Engine)(nil)

// New creates a container engine. opts.Runtime is required.
func New(opts Options) *Engine {
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.WorkDir == "" {
		opts.WorkDir = DefaultWorkDir
	}
	if opts.InstallCommand == "" {
		opts.InstallCommand = DefaultInstallCommand
	}
	if opts.UninstallCommand == "" {
		opts.UninstallCommand = DefaultUninstallCommand
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Minute
	}
	return &Engine{opts: opts, table: engine.NewTable()}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return Name }

// SupportedFeatures implements engine.Engine.
func (e *Engine) SupportedFeatures() []string {
	return []string{
		engine.FeatureFilesystemIsolation,
		engine.FeatureProcessIsolation,
		engine.FeatureNetworkIsolation,
		engine.FeatureResourceLimits,
		engine.FeaturePackageInstall,
		engine.FeaturePortAllocation,
		engine.FeatureSnapshots,
	}
}

// Environments implements engine.Engine.
func (e *Engine) Environments() []engine.Environment { return e.table.List() }

// Lookup implements engine.Engine.
func (e *Engine) Lookup(id string) (engine.Environment, bool) { return e.table.Get(id) }

// CreateIsolation prepares the host directory and pulls the image.
func (e *Engine) CreateIsolation(ctx context.Context, hostPath, id string, config map[string]string) (engine.Environment, error) {
	if e.opts.Runtime == nil {
		return nil, api.NewConfigurationError("create_isolation", "no container runtime configured")
	}
	if hostPath == "" || id == "" {
		return nil, api.NewConfigurationError("create_isolation", "path and id are required")
	}
	if _, exists := e.table.Get(id); exists {
		return nil, api.NewIntegrityError("create_isolation", "environment %s already exists", id)
	}

	image := e.opts.Image
	if v := config[ConfigImage]; v != "" {
		image = v
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", hostPath, err)
	}
	if err := e.opts.Runtime.PullImage(ctx, image); err != nil {
		return nil, fmt.Errorf("failed to prepare image for %s: %w", id, err)
	}

	env := &Environment{
		Base:          engine.NewBase(id, hostPath, Name, config, e.opts.Ports),
		opts:          e.opts,
		image:         image,
		containerName: "sandboxctl-" + id,
	}
	if err := e.table.Add(env); err != nil {
		return nil, err
	}

	logging.Info("ContainerEngine", "Created environment %s (image %s, runtime %s)", id, image, e.opts.Runtime.Name())
	return env, nil
}

// CleanupIsolation removes the container and the host directory.
func (e *Engine) CleanupIsolation(ctx context.Context, env engine.Environment) error {
	owned, ok := e.table.Get(env.ID())
	if !ok {
		return api.NewIntegrityError("cleanup_isolation", "environment %s is not managed by %s", env.ID(), Name)
	}
	cEnv := owned.(*Environment)

	if err := cEnv.RunCleanup(ctx, func(ctx context.Context) error {
		if id := cEnv.container(); id != "" {
			if err := e.opts.Runtime.RemoveContainer(ctx, id); err != nil {
				return err
			}
		}
		return os.RemoveAll(cEnv.Path())
	}); err != nil {
		return err
	}
	e.table.Remove(env.ID())
	logging.Info("ContainerEngine", "Cleaned up environment %s", env.ID())
	return nil
}

// Environment is a container-backed environment.
type Environment struct {
	*engine.Base
	opts          Options
	containerName string

	mu          sync.RWMutex
	image       string
	containerID string
}

var _ engine.Environment = (*Environment)(nil)

type payload struct {
	Image          string `json:"image"`
	ContainerName  string `json:"container_name"`
	CommittedImage string `json:"committed_image,omitempty"`
}

func (env *Environment) container() string {
	env.mu.RLock()
	defer env.mu.RUnlock()
	return env.containerID
}

func (env *Environment) currentImage() string {
	env.mu.RLock()
	defer env.mu.RUnlock()
	return env.image
}

// Activate starts (or restarts) the container with the host path mounted.
func (env *Environment) Activate(ctx context.Context) error {
	return env.RunActivate(ctx, func(ctx context.Context) error {
		if id := env.container(); id != "" {
			return env.opts.Runtime.RestartContainer(ctx, id)
		}

		cfg := containerizer.ContainerConfig{
			Name:    env.containerName,
			Image:   env.currentImage(),
			Volumes: []string{env.Path() + ":" + env.opts.WorkDir},
			WorkDir: env.opts.WorkDir,
			Command: []string{"sleep", "infinity"},
			Labels:  map[string]string{"sandboxctl.env": env.ID()},
			Env:     map[string]string{"SANDBOX_ENV_ID": env.ID()},
		}
		if isolated, _ := strconv.ParseBool(env.ConfigValue(ConfigNetworkIsolation, "false")); isolated {
			cfg.Network = "none"
		}
		if v, err := strconv.ParseFloat(env.ConfigValue(ConfigCPUs, "0"), 64); err == nil {
			cfg.CPUs = v
		}
		if v, err := strconv.Atoi(env.ConfigValue(ConfigMemoryMB, "0")); err == nil {
			cfg.MemoryMB = v
		}

		id, err := env.opts.Runtime.StartContainer(ctx, cfg)
		if err != nil {
			return err
		}
		env.mu.Lock()
		env.containerID = id
		env.mu.Unlock()
		return nil
	})
}

// Deactivate stops the container, keeping it for re-activation.
func (env *Environment) Deactivate(ctx context.Context) error {
	return env.RunDeactivate(ctx, func(ctx context.Context) error {
		id := env.container()
		if id == "" {
			return nil
		}
		return env.opts.Runtime.StopContainer(ctx, id)
	})
}

// ExecuteCommand runs args inside the container.
func (env *Environment) ExecuteCommand(ctx context.Context, args []string, opts engine.ExecOptions) (engine.ExecResult, error) {
	if err := env.Require("execute", engine.StatusActive); err != nil {
		return engine.ExecResult{}, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = env.opts.CommandTimeout
	}

	start := time.Now()
	res, err := env.opts.Runtime.Exec(ctx, env.container(), containerizer.ExecConfig{
		Args:    args,
		Env:     opts.Env,
		WorkDir: path.Join(env.opts.WorkDir, opts.Dir),
		Timeout: timeout,
	})
	if engine.IsBackendFailure(err) {
		err = env.Fail("execute", fmt.Errorf("exec in container %s failed: %w", env.containerName, err))
	}
	return engine.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Duration: time.Since(start)}, err
}

func (env *Environment) runPackageCommand(ctx context.Context, op, tmpl string, pkg engine.Package) error {
	args := engine.ExpandTemplate(tmpl, engine.PackageVars(pkg, env.opts.WorkDir))
	if len(args) == 0 {
		return api.NewConfigurationError(op, "command template expands to an empty command")
	}
	res, err := env.opts.Runtime.Exec(ctx, env.container(), containerizer.ExecConfig{
		Args:    args,
		WorkDir: env.opts.WorkDir,
		Timeout: env.opts.CommandTimeout,
	})
	switch {
	case err != nil && api.IsKind(err, api.KindTimeout):
		return err
	case err != nil:
		return env.Fail(op+" "+pkg.Name, api.NewTerminalError(op, err, "exec in container %s failed", env.containerName))
	case res.ExitCode != 0:
		return api.NewTransientError(op, nil, "%v exited with code %d in %s", args, res.ExitCode, env.containerName)
	}
	return nil
}

// InstallPackage installs spec inside the container.
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
	return nil
}

// UninstallPackage removes a package inside the container.
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
	return nil
}

// ListInstalledPackages implements engine.Environment.
func (env *Environment) ListInstalledPackages(ctx context.Context) ([]engine.Package, error) {
	return env.Packages(), nil
}

// RefreshUsage samples container stats into the environment.
func (env *Environment) RefreshUsage(ctx context.Context) error {
	id := env.container()
	if env.Status() != engine.StatusActive || id == "" {
		return nil
	}
	stats, err := env.opts.Runtime.Stats(ctx, id)
	if err != nil {
		return err
	}
	env.SetUsage(snapshot.ResourceUsage{CPUPercent: stats.CPUPercent, MemoryMB: stats.MemoryMB})
	return nil
}

// CreateSnapshot refreshes usage and captures the environment.
func (env *Environment) CreateSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	if err := env.RefreshUsage(ctx); err != nil {
		logging.Warn("ContainerEngine", "Could not sample usage for %s: %v", env.ID(), err)
	}
	data, err := env.ExportSnapshotData(ctx)
	if err != nil {
		return nil, err
	}
	return env.NewSnapshot(data)
}

// ExportSnapshotData commits the container when it is running.
func (env *Environment) ExportSnapshotData(ctx context.Context) (json.RawMessage, error) {
	p := payload{Image: env.currentImage(), ContainerName: env.containerName}
	if id := env.container(); env.Status() == engine.StatusActive && id != "" {
		committed := fmt.Sprintf("sandboxctl-snapshot/%s:%d", env.ID(), time.Now().Unix())
		if err := env.opts.Runtime.Commit(ctx, id, committed); err != nil {
			return nil, fmt.Errorf("failed to commit %s: %w", env.ID(), err)
		}
		p.CommittedImage = committed
	}
	return json.Marshal(p)
}

// RestoreFromSnapshot reinstalls packages. A committed image from a container
// snapshot is adopted when the environment has not started its container yet.
func (env *Environment) RestoreFromSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	if snap.Backend == Name && len(snap.BackendPayload) > 0 {
		var p payload
		if err := json.Unmarshal(snap.BackendPayload, &p); err != nil {
			return api.NewIntegrityError("restore", "invalid %s payload in snapshot %s: %v", Name, snap.ID, err)
		}
		env.mu.Lock()
		if p.CommittedImage != "" && env.containerID == "" {
			env.image = p.CommittedImage
		}
		env.mu.Unlock()
	}
	env.MergeConfig(snap.Config)
	if env.Status() != engine.StatusActive {
		return nil
	}
	return engine.ReinstallPackages(ctx, env, snap.Packages)
}

// ValidateIsolation checks the host directory and, when active, that the
// container is running.
func (env *Environment) ValidateIsolation(ctx context.Context) error {
	conds := []check.Condition{check.IsDir(env.Path())}
	if env.Status() == engine.StatusActive {
		conds = append(conds, check.Func("container running", func(ctx context.Context) error {
			running, err := env.opts.Runtime.IsContainerRunning(ctx, env.container())
			if err != nil {
				return err
			}
			if !running {
				return fmt.Errorf("container %s is not running", env.containerName)
			}
			return nil
		}))
	}
	if out := check.All(conds...)(ctx); !out.Passed {
		return api.NewIntegrityError("validate_isolation", "environment %s: %s", env.ID(), out.Describe())
	}
	return nil
}
