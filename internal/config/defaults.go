package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default backend names and store kinds.
const (
	LevelFilesystem = "filesystem"
	LevelRuntime    = "runtime"
	LevelContainer  = "container"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// GetDefaultConfig returns the configuration used when no file or variable
// overrides a value. Every backend is enabled; the container backend is
// skipped at startup when no runtime is found.
func GetDefaultConfig() Config {
	return Config{
		Isolation: IsolationConfig{
			DefaultLevel:       LevelFilesystem,
			BaseDir:            filepath.Join(os.TempDir(), "sandboxctl"),
			MaxEnvironments:    10,
			CleanupConcurrency: 4,
		},
		Installer: InstallerConfig{
			Workers:           4,
			QueueCapacity:     1000,
			MaxRetries:        3,
			TaskTimeout:       10 * time.Minute,
			ConflictDetection: true,
			PollInterval:      100 * time.Millisecond,
		},
		Executor: ExecutorConfig{
			Workers: 4,
		},
		Resources: ResourceConfig{
			MaxWorkers:     8,
			MaxCPUPercent:  90,
			MaxMemoryMB:    8192,
			SampleInterval: 5 * time.Second,
		},
		Engines: EnginesConfig{
			PortRangeStart: 40000,
			PortRangeSize:  1000,
			Filesystem: FilesystemEngineConfig{
				Enabled:        true,
				Priority:       0,
				CommandTimeout: 5 * time.Minute,
			},
			Runtime: RuntimeEngineConfig{
				Enabled:        true,
				Priority:       1,
				Interpreter:    "python3",
				CommandTimeout: 5 * time.Minute,
			},
			Container: ContainerEngineConfig{
				Enabled:        true,
				Runtime:        "auto",
				Priority:       2,
				CommandTimeout: 10 * time.Minute,
			},
		},
		Snapshots: SnapshotConfig{
			Store: StoreMemory,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
