package config

import "time"

// Config is the top-level sandboxctl configuration.
type Config struct {
	Isolation IsolationConfig `yaml:"isolation" envPrefix:"ISOLATION_"`
	Installer InstallerConfig `yaml:"installer" envPrefix:"INSTALLER_"`
	Executor  ExecutorConfig  `yaml:"executor" envPrefix:"EXECUTOR_"`
	Resources ResourceConfig  `yaml:"resources" envPrefix:"RESOURCES_"`
	Engines   EnginesConfig   `yaml:"engines" envPrefix:"ENGINES_"`
	Snapshots SnapshotConfig  `yaml:"snapshots" envPrefix:"SNAPSHOTS_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
}

// IsolationConfig configures the isolation manager.
type IsolationConfig struct {
	// DefaultLevel is used when a request neither names a level nor has
	// requirements that select one.
	DefaultLevel       string `yaml:"defaultLevel" env:"DEFAULT_LEVEL"`
	BaseDir            string `yaml:"baseDir" env:"BASE_DIR"`
	MaxEnvironments    int    `yaml:"maxEnvironments" env:"MAX_ENVIRONMENTS"`
	CleanupConcurrency int    `yaml:"cleanupConcurrency" env:"CLEANUP_CONCURRENCY"`
}

// InstallerConfig configures the parallel installer.
type InstallerConfig struct {
	Workers           int           `yaml:"workers" env:"WORKERS"`
	QueueCapacity     int           `yaml:"queueCapacity" env:"QUEUE_CAPACITY"`
	MaxRetries        int           `yaml:"maxRetries" env:"MAX_RETRIES"`
	TaskTimeout       time.Duration `yaml:"taskTimeout" env:"TASK_TIMEOUT"`
	ConflictDetection bool          `yaml:"conflictDetection" env:"CONFLICT_DETECTION"`
	PollInterval      time.Duration `yaml:"pollInterval" env:"POLL_INTERVAL"`
}

// ExecutorConfig configures the task graph executors.
type ExecutorConfig struct {
	Workers     int  `yaml:"workers" env:"WORKERS"`
	StopOnError bool `yaml:"stopOnError" env:"STOP_ON_ERROR"`
}

// ResourceConfig sets the admission limits shared by installer and executors.
type ResourceConfig struct {
	MaxWorkers     int           `yaml:"maxWorkers" env:"MAX_WORKERS"`
	MaxCPUPercent  float64       `yaml:"maxCPUPercent" env:"MAX_CPU_PERCENT"`
	MaxMemoryMB    float64       `yaml:"maxMemoryMB" env:"MAX_MEMORY_MB"`
	SampleInterval time.Duration `yaml:"sampleInterval" env:"SAMPLE_INTERVAL"`
}

// EnginesConfig configures the isolation backends.
type EnginesConfig struct {
	PortRangeStart int                    `yaml:"portRangeStart" env:"PORT_RANGE_START"`
	PortRangeSize  int                    `yaml:"portRangeSize" env:"PORT_RANGE_SIZE"`
	Filesystem     FilesystemEngineConfig `yaml:"filesystem" envPrefix:"FILESYSTEM_"`
	Runtime        RuntimeEngineConfig    `yaml:"runtime" envPrefix:"RUNTIME_"`
	Container      ContainerEngineConfig  `yaml:"container" envPrefix:"CONTAINER_"`
}

// FilesystemEngineConfig configures the directory backend.
type FilesystemEngineConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	Priority         int           `yaml:"priority" env:"PRIORITY"`
	InstallCommand   string        `yaml:"installCommand" env:"INSTALL_COMMAND"`
	UninstallCommand string        `yaml:"uninstallCommand" env:"UNINSTALL_COMMAND"`
	CommandTimeout   time.Duration `yaml:"commandTimeout" env:"COMMAND_TIMEOUT"`
}

// RuntimeEngineConfig configures the virtual environment backend.
type RuntimeEngineConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	Priority         int           `yaml:"priority" env:"PRIORITY"`
	Interpreter      string        `yaml:"interpreter" env:"INTERPRETER"`
	InstallCommand   string        `yaml:"installCommand" env:"INSTALL_COMMAND"`
	UninstallCommand string        `yaml:"uninstallCommand" env:"UNINSTALL_COMMAND"`
	CommandTimeout   time.Duration `yaml:"commandTimeout" env:"COMMAND_TIMEOUT"`
}

// ContainerEngineConfig configures the container backend.
type ContainerEngineConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Runtime is "auto", "docker" or "podman". Auto probes both.
	Runtime        string        `yaml:"runtime" env:"RUNTIME"`
	Priority       int           `yaml:"priority" env:"PRIORITY"`
	Image          string        `yaml:"image" env:"IMAGE"`
	WorkDir        string        `yaml:"workDir" env:"WORKDIR"`
	InstallCommand string        `yaml:"installCommand" env:"INSTALL_COMMAND"`
	CommandTimeout time.Duration `yaml:"commandTimeout" env:"COMMAND_TIMEOUT"`
}

// SnapshotConfig selects the snapshot store.
type SnapshotConfig struct {
	// Store is "memory" or "sqlite".
	Store string `yaml:"store" env:"STORE"`
	// Path is the sqlite database file.
	Path string `yaml:"path" env:"PATH"`
	// MaxAge is used by cleanup when no age is given. Zero keeps everything.
	MaxAge time.Duration `yaml:"maxAge" env:"MAX_AGE"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}
