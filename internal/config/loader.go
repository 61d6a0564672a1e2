package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"sandboxctl/internal/api"
	"sandboxctl/pkg/logging"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/sandboxctl"
	projectConfigDir = ".sandboxctl"
	configFileName   = "config.yaml"

	// EnvPrefix prefixes every environment variable override.
	EnvPrefix = "SANDBOXCTL_"
)

// LoadConfig layers the defaults, the user file, the project file and
// SANDBOXCTL_* environment variables, then validates the result.
func LoadConfig() (Config, error) {
	// 1. Start with the default configuration
	config := GetDefaultConfig()

	// 2. User file, then 3. project file. Both are optional.
	for _, locate := range []func() (string, error){getUserConfigPath, getProjectConfigPath} {
		path, err := locate()
		if err != nil {
			logging.Warn("Config", "Could not determine config path: %v", err)
			continue
		}
		if err := mergeFile(&config, path); err != nil {
			return Config{}, err
		}
	}

	// 4. Environment variables
	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, api.NewConfigurationError("load_config", "invalid %s environment variable: %v", EnvPrefix, err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// LoadFile reads a single file on top of the defaults and validates it.
func LoadFile(path string) (Config, error) {
	config := GetDefaultConfig()
	if _, err := os.Stat(path); err != nil {
		return Config{}, api.NewConfigurationError("load_config", "config file %s: %v", path, err)
	}
	if err := mergeFile(&config, path); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir() // Use mockable variable
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd() // Use mockable variable
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// mergeFile decodes path onto config. Keys absent from the file keep their
// current value, so a layer only overrides what it names. A missing file is
// not an error.
func mergeFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error loading config from %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return api.NewConfigurationError("load_config", "error parsing %s: %v", path, err)
	}
	logging.Debug("Config", "Loaded configuration layer %s", path)
	return nil
}

// GetUserConfigDir returns the user configuration directory path
func GetUserConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// Validate checks value ranges and enumerations. It fills the sqlite path
// when the sqlite store is chosen without one.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return api.NewConfigurationError("validate_config", format, args...)
	}

	switch c.Isolation.DefaultLevel {
	case LevelFilesystem, LevelRuntime, LevelContainer:
	default:
		return invalid("invalid default isolation level %q", c.Isolation.DefaultLevel)
	}
	if c.Isolation.BaseDir == "" {
		return invalid("isolation base directory is required")
	}
	if c.Isolation.MaxEnvironments <= 0 {
		return invalid("maxEnvironments must be positive, got %d", c.Isolation.MaxEnvironments)
	}
	if c.Isolation.CleanupConcurrency <= 0 {
		return invalid("cleanupConcurrency must be positive, got %d", c.Isolation.CleanupConcurrency)
	}

	if c.Installer.Workers <= 0 {
		return invalid("installer workers must be positive, got %d", c.Installer.Workers)
	}
	if c.Installer.QueueCapacity <= 0 {
		return invalid("installer queueCapacity must be positive, got %d", c.Installer.QueueCapacity)
	}
	if c.Installer.MaxRetries < 0 {
		return invalid("installer maxRetries cannot be negative")
	}
	if c.Installer.TaskTimeout < 0 || c.Installer.PollInterval < 0 {
		return invalid("installer durations cannot be negative")
	}
	if c.Executor.Workers <= 0 {
		return invalid("executor workers must be positive, got %d", c.Executor.Workers)
	}

	if c.Resources.MaxWorkers <= 0 {
		return invalid("resources maxWorkers must be positive, got %d", c.Resources.MaxWorkers)
	}
	if c.Resources.MaxCPUPercent <= 0 || c.Resources.MaxCPUPercent > 100 {
		return invalid("resources maxCPUPercent must be in (0, 100], got %g", c.Resources.MaxCPUPercent)
	}
	if c.Resources.MaxMemoryMB <= 0 {
		return invalid("resources maxMemoryMB must be positive, got %g", c.Resources.MaxMemoryMB)
	}

	e := c.Engines
	if e.PortRangeStart <= 0 || e.PortRangeSize <= 0 || e.PortRangeStart+e.PortRangeSize > 65536 {
		return invalid("invalid port range %d+%d", e.PortRangeStart, e.PortRangeSize)
	}
	if !e.Filesystem.Enabled && !e.Runtime.Enabled && !e.Container.Enabled {
		return invalid("at least one isolation backend must be enabled")
	}
	for name, tmpl := range map[string]string{
		"filesystem installCommand":   e.Filesystem.InstallCommand,
		"filesystem uninstallCommand": e.Filesystem.UninstallCommand,
		"runtime installCommand":      e.Runtime.InstallCommand,
		"runtime uninstallCommand":    e.Runtime.UninstallCommand,
		"container installCommand":    e.Container.InstallCommand,
	} {
		if tmpl != "" && strings.TrimSpace(tmpl) == "" {
			return invalid("%s is blank", name)
		}
	}
	switch e.Container.Runtime {
	case "auto", "docker", "podman":
	default:
		return invalid("invalid container runtime %q", e.Container.Runtime)
	}
	if !c.levelEnabled(c.Isolation.DefaultLevel) {
		return invalid("default isolation level %q is disabled", c.Isolation.DefaultLevel)
	}

	switch c.Snapshots.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.Snapshots.Path == "" {
			c.Snapshots.Path = filepath.Join(c.Isolation.BaseDir, "snapshots.db")
		}
	default:
		return invalid("invalid snapshot store %q", c.Snapshots.Store)
	}
	if c.Snapshots.MaxAge < 0 {
		return invalid("snapshot maxAge cannot be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return invalid("invalid log format %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) levelEnabled(level string) bool {
	switch level {
	case LevelFilesystem:
		return c.Engines.Filesystem.Enabled
	case LevelRuntime:
		return c.Engines.Runtime.Enabled
	case LevelContainer:
		return c.Engines.Container.Enabled
	}
	return false
}
