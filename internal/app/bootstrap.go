package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"sandboxctl/internal/config"
	"sandboxctl/internal/reporting"
	"sandboxctl/internal/resource"
	"sandboxctl/pkg/logging"
)

// Application is the main application structure that bootstraps sandboxctl
// and exposes its operations to the CLI.
type Application struct {
	config   *Config
	settings config.Config
	services *Services

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewApplication loads configuration, initializes logging and services, and
// starts the install workers and the resource sampler. Close releases them.
func NewApplication(ctx context.Context, cfg *Config) (*Application, error) {
	settings, err := loadSettings(cfg)
	if err != nil {
		return nil, err
	}

	// Configure logging based on debug flag
	level := logging.ParseLevel(settings.Logging.Level)
	if cfg.Debug {
		level = logging.LevelDebug
	}
	format := settings.Logging.Format
	if cfg.JSONLogs {
		format = "json"
	}
	out := cfg.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logging.Init(logging.Options{Level: level, Format: format, Output: out})

	reporter := cfg.Reporter
	if reporter == nil {
		reporter = reporting.NewConsoleReporter()
	}
	services, err := InitializeServices(ctx, settings, cfg.Spawner, reporter)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	services.Installer.Start(runCtx)

	source := cfg.UsageSource
	if source == nil {
		source = &resource.ProcSource{}
	}
	if settings.Resources.SampleInterval > 0 {
		go services.Monitor.Watch(runCtx, source, settings.Resources.SampleInterval)
	}

	return &Application{
		config:   cfg,
		settings: settings,
		services: services,
		cancel:   cancel,
	}, nil
}

func loadSettings(cfg *Config) (config.Config, error) {
	if cfg.Settings != nil {
		settings := *cfg.Settings
		if err := settings.Validate(); err != nil {
			return config.Config{}, err
		}
		return settings, nil
	}
	if cfg.ConfigPath != "" {
		settings, err := config.LoadFile(cfg.ConfigPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to load sandboxctl configuration from path %s: %w", cfg.ConfigPath, err)
		}
		return settings, nil
	}
	settings, err := config.LoadConfig()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load sandboxctl configuration: %w", err)
	}
	return settings, nil
}

// Services returns the wired components.
func (a *Application) Services() *Services { return a.services }

// Settings returns the effective configuration.
func (a *Application) Settings() config.Config { return a.settings }

// Close drains the installer and executor pools, removes every environment
// still registered and closes the snapshot store. It is safe to call more
// than once.
func (a *Application) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.services.Installer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.services.Parallel.Shutdown()
		a.cancel()
		if err := a.services.Manager.CleanupAll(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.services.Store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.closeErr = errors.Join(errs...)
		if a.closeErr != nil {
			logging.Error("Bootstrap", a.closeErr, "Shutdown completed with errors")
		}
	})
	return a.closeErr
}
