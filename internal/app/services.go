package app

import (
	"context"
	"fmt"

	"sandboxctl/internal/config"
	"sandboxctl/internal/containerizer"
	"sandboxctl/internal/engine"
	"sandboxctl/internal/engine/container"
	"sandboxctl/internal/engine/filesystem"
	"sandboxctl/internal/engine/runtime"
	"sandboxctl/internal/executor"
	"sandboxctl/internal/installer"
	"sandboxctl/internal/isolation"
	"sandboxctl/internal/process"
	"sandboxctl/internal/registry"
	"sandboxctl/internal/reporting"
	"sandboxctl/internal/resource"
	"sandboxctl/internal/snapshot"
	"sandboxctl/pkg/logging"
)

// Services holds all the initialized components
type Services struct {
	Registry   *registry.Registry
	Manager    *isolation.Manager
	Installer  *installer.Installer
	Sequential *executor.Sequential
	Parallel   *executor.Parallel
	Monitor    *resource.Monitor
	Store      snapshot.Store
	Reporter   reporting.Reporter
}

// InitializeServices creates the registry, manager, installer and executors
// described by settings. Nothing is started.
func InitializeServices(ctx context.Context, settings config.Config, spawner process.Spawner, reporter reporting.Reporter) (*Services, error) {
	if spawner == nil {
		spawner = process.Default()
	}
	if reporter == nil {
		reporter = reporting.Nop{}
	}

	// Step 1: Register the enabled backends
	reg := registry.New()
	if err := registerEngines(ctx, reg, settings.Engines, spawner); err != nil {
		return nil, err
	}

	// Step 2: Snapshot store
	store, err := openStore(ctx, settings.Snapshots)
	if err != nil {
		return nil, err
	}

	// Step 3: Components that consume environments
	monitor := resource.NewMonitor(resource.Limits{
		MaxWorkers:  settings.Resources.MaxWorkers,
		MaxCPU:      settings.Resources.MaxCPUPercent,
		MaxMemoryMB: settings.Resources.MaxMemoryMB,
	})
	manager := isolation.NewManager(reg, isolation.Options{
		MaxEnvironments:    settings.Isolation.MaxEnvironments,
		DefaultLevel:       settings.Isolation.DefaultLevel,
		BaseDir:            settings.Isolation.BaseDir,
		CleanupConcurrency: settings.Isolation.CleanupConcurrency,
		Store:              store,
		Observer: func(envID string, t engine.Transition) {
			reporter.Report(reporting.EnvironmentUpdate(envID, t))
		},
	})
	inst := installer.New(manager, installer.Options{
		Workers:           settings.Installer.Workers,
		QueueCapacity:     settings.Installer.QueueCapacity,
		MaxRetries:        settings.Installer.MaxRetries,
		TaskTimeout:       settings.Installer.TaskTimeout,
		ConflictDetection: settings.Installer.ConflictDetection,
		PollInterval:      settings.Installer.PollInterval,
		Monitor:           monitor,
	})
	parallel := executor.NewParallel(executor.ParallelOptions{
		Workers: settings.Executor.Workers,
		Monitor: monitor,
	})

	return &Services{
		Registry:   reg,
		Manager:    manager,
		Installer:  inst,
		Sequential: executor.NewSequential(settings.Executor.StopOnError),
		Parallel:   parallel,
		Monitor:    monitor,
		Store:      store,
		Reporter:   reporter,
	}, nil
}

// registerEngines registers one descriptor per enabled backend. The container
// backend is skipped with a warning when no runtime answers.
func registerEngines(ctx context.Context, reg *registry.Registry, cfg config.EnginesConfig, spawner process.Spawner) error {
	ports := engine.NewPortAllocator(cfg.PortRangeStart, cfg.PortRangeSize)
	var descriptors []registry.Descriptor

	if cfg.Filesystem.Enabled {
		e := filesystem.New(filesystem.Options{
			InstallCommand:   cfg.Filesystem.InstallCommand,
			UninstallCommand: cfg.Filesystem.UninstallCommand,
			CommandTimeout:   cfg.Filesystem.CommandTimeout,
			Spawner:          spawner,
			Ports:            ports,
		})
		descriptors = append(descriptors, descriptorFor(e, cfg.Filesystem.Priority))
	}

	if cfg.Runtime.Enabled {
		e := runtime.New(runtime.Options{
			Interpreter:      cfg.Runtime.Interpreter,
			InstallCommand:   cfg.Runtime.InstallCommand,
			UninstallCommand: cfg.Runtime.UninstallCommand,
			CommandTimeout:   cfg.Runtime.CommandTimeout,
			Spawner:          spawner,
			Ports:            ports,
		})
		descriptors = append(descriptors, descriptorFor(e, cfg.Runtime.Priority))
	}

	if cfg.Container.Enabled {
		var candidates []string
		if cfg.Container.Runtime != "auto" {
			candidates = []string{cfg.Container.Runtime}
		}
		rt, err := containerizer.Detect(ctx, spawner, candidates...)
		if err != nil {
			logging.Warn("Bootstrap", "Container backend disabled: %v", err)
		} else {
			e := container.New(container.Options{
				Runtime:        rt,
				Image:          cfg.Container.Image,
				WorkDir:        cfg.Container.WorkDir,
				InstallCommand: cfg.Container.InstallCommand,
				CommandTimeout: cfg.Container.CommandTimeout,
				Ports:          ports,
			})
			descriptors = append(descriptors, descriptorFor(e, cfg.Container.Priority))
		}
	}

	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("failed to register %s backend: %w", d.Name, err)
		}
	}
	logging.Debug("Bootstrap", "Registered %d isolation backends", len(descriptors))
	return nil
}

func descriptorFor(e engine.Engine, priority int) registry.Descriptor {
	return registry.Descriptor{
		Name:     e.Name(),
		Priority: priority,
		Features: e.SupportedFeatures(),
		Factory:  func() (engine.Engine, error) { return e, nil },
	}
}

func openStore(ctx context.Context, cfg config.SnapshotConfig) (snapshot.Store, error) {
	if cfg.Store != config.StoreSQLite {
		return snapshot.NewMemoryStore(), nil
	}
	store, err := snapshot.NewSQLite(ctx, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database %s: %w", cfg.Path, err)
	}
	logging.Debug("Bootstrap", "Using snapshot database %s", cfg.Path)
	return store, nil
}
