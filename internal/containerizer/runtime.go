// Package containerizer drives a docker-compatible container CLI (docker or
// podman) through the process facade.
package containerizer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ContainerConfig holds the options for starting a container.
type ContainerConfig struct {
	Name       string
	Image      string
	Env        map[string]string
	Ports      []string // host:container
	Volumes    []string // host:container[:mode]
	Entrypoint []string
	Command    []string
	User       string
	WorkDir    string
	Network    string // empty means the runtime default
	CPUs       float64
	MemoryMB   int
	Labels     map[string]string
}

// ExecConfig describes a command run inside a running container.
type ExecConfig struct {
	Args    []string
	Env     map[string]string
	WorkDir string
	Timeout time.Duration
}

// ExecResult is the outcome of an exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Stats is a point-in-time resource reading for a container.
type Stats struct {
	CPUPercent float64
	MemoryMB   float64
}

// ContainerRuntime is the set of container operations the container backend needs.
type ContainerRuntime interface {
	Name() string
	PullImage(ctx context.Context, image string) error
	StartContainer(ctx context.Context, cfg ContainerConfig) (string, error)
	Exec(ctx context.Context, containerID string, cfg ExecConfig) (ExecResult, error)
	RestartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)
	GetContainerLogs(ctx context.Context, containerID string, tail int) (string, error)
	Stats(ctx context.Context, containerID string) (Stats, error)
	Commit(ctx context.Context, containerID, image string) error
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
