package app

import (
	"io"

	"sandboxctl/internal/config"
	"sandboxctl/internal/process"
	"sandboxctl/internal/reporting"
	"sandboxctl/internal/resource"
)

// Config holds the application configuration
type Config struct {
	// ConfigPath, if set, replaces the layered lookup with a single file.
	ConfigPath string

	// Debug settings
	Debug     bool
	JSONLogs  bool
	LogOutput io.Writer

	// Settings is loaded by NewApplication when nil.
	Settings *config.Config

	// Spawner runs every external command. Defaults to process.Default().
	Spawner process.Spawner
	// UsageSource feeds the resource monitor. Defaults to /proc sampling.
	UsageSource resource.UsageSource
	// Reporter receives lifecycle and task updates. Defaults to a
	// reporting.ConsoleReporter.
	Reporter reporting.Reporter
}

// NewConfig creates a new application configuration
func NewConfig(configPath string, debug bool) *Config {
	return &Config{
		ConfigPath: configPath,
		Debug:      debug,
	}
}
