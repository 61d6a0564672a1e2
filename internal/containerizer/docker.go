package containerizer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"sandboxctl/internal/process"
	"sandboxctl/pkg/logging"
)

// DockerRuntime implements ContainerRuntime on top of the docker CLI. The
// podman CLI accepts the same arguments, so Binary may name either.
type DockerRuntime struct {
	Binary  string
	spawner process.Spawner
}

var _ ContainerRuntime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a runtime for binary ("docker" when empty).
func NewDockerRuntime(binary string, spawner process.Spawner) *DockerRuntime {
	if binary == "" {
		binary = "docker"
	}
	if spawner == nil {
		spawner = process.Default()
	}
	return &DockerRuntime{Binary: binary, spawner: spawner}
}

// Detect returns a runtime for the first of candidates whose "info" command
// succeeds.
func Detect(ctx context.Context, spawner process.Spawner, candidates ...string) (*DockerRuntime, error) {
	if len(candidates) == 0 {
		candidates = []string{"docker", "podman"}
	}
	for _, name := range candidates {
		res, err := spawner.Spawn(ctx, process.Command{Args: []string{name, "info"}})
		if err == nil && res.Success() {
			return NewDockerRuntime(name, spawner), nil
		}
	}
	return nil, fmt.Errorf("no container runtime available (tried %s)", strings.Join(candidates, ", "))
}

// Name returns the CLI binary name.
func (d *DockerRuntime) Name() string {
	return d.Binary
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) (process.Result, error) {
	res, err := d.spawner.Spawn(ctx, process.Command{Args: append([]string{d.Binary}, args...)})
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", d.Binary, args[0], err)
	}
	if !res.Success() {
		return res, fmt.Errorf("%s %s failed (exit %d): %s", d.Binary, args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// PullImage pulls image unless it is already present locally.
func (d *DockerRuntime) PullImage(ctx context.Context, image string) error {
	if _, err := d.run(ctx, "image", "inspect", image); err == nil {
		logging.Debug("Containerizer", "Image %s already present", image)
		return nil
	}

	logging.Info("Containerizer", "Pulling image %s", image)
	if _, err := d.run(ctx, "pull", image); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

// StartContainer runs a detached container and returns its id.
func (d *DockerRuntime) StartContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	res, err := d.run(ctx, runArgs(cfg)...)
	if err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", cfg.Name, err)
	}
	id := strings.TrimSpace(res.Stdout)
	if id == "" {
		return "", fmt.Errorf("failed to start container %s: empty container id", cfg.Name)
	}
	logging.Info("Containerizer", "Started container %s (%s)", cfg.Name, shortID(id))
	return id, nil
}

func runArgs(cfg ContainerConfig) []string {
	args := []string{"run", "-d"}
	if cfg.Name != "" {
		args = append(args, "--name", cfg.Name)
	}
	if cfg.Network != "" {
		args = append(args, "--network", cfg.Network)
	}
	if cfg.User != "" {
		args = append(args, "--user", cfg.User)
	}
	if cfg.WorkDir != "" {
		args = append(args, "-w", cfg.WorkDir)
	}
	if cfg.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(cfg.CPUs, 'f', -1, 64))
	}
	if cfg.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", cfg.MemoryMB))
	}
	for _, k := range sortedKeys(cfg.Labels) {
		args = append(args, "--label", k+"="+cfg.Labels[k])
	}
	for _, k := range sortedKeys(cfg.Env) {
		args = append(args, "-e", k+"="+cfg.Env[k])
	}
	for _, p := range cfg.Ports {
		args = append(args, "-p", p)
	}
	for _, v := range cfg.Volumes {
		args = append(args, "-v", expandPath(v))
	}
	if len(cfg.Entrypoint) > 0 {
		args = append(args, "--entrypoint", cfg.Entrypoint[0])
	}
	args = append(args, cfg.Image)
	if len(cfg.Entrypoint) > 1 {
		args = append(args, cfg.Entrypoint[1:]...)
	}
	args = append(args, cfg.Command...)
	return args
}

// Exec runs a command inside a container. A non-zero exit is reported in
// the result, not as an error.
func (d *DockerRuntime) Exec(ctx context.Context, containerID string, cfg ExecConfig) (ExecResult, error) {
	args := []string{d.Binary, "exec"}
	if cfg.WorkDir != "" {
		args = append(args, "-w", cfg.WorkDir)
	}
	for _, k := range sortedKeys(cfg.Env) {
		args = append(args, "-e", k+"="+cfg.Env[k])
	}
	args = append(args, containerID)
	args = append(args, cfg.Args...)

	res, err := d.spawner.Spawn(ctx, process.Command{Args: args, Timeout: cfg.Timeout})
	if err != nil {
		return ExecResult{ExitCode: res.ExitCode}, err
	}
	return ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

// RestartContainer starts a stopped container again.
func (d *DockerRuntime) RestartContainer(ctx context.Context, containerID string) error {
	if _, err := d.run(ctx, "start", containerID); err != nil {
		return fmt.Errorf("failed to start container %s: %w", shortID(containerID), err)
	}
	return nil
}

// StopContainer stops a running container.
func (d *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	if _, err := d.run(ctx, "stop", containerID); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", shortID(containerID), err)
	}
	return nil
}

// RemoveContainer force-removes a container.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	if _, err := d.run(ctx, "rm", "-f", containerID); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", shortID(containerID), err)
	}
	return nil
}

// IsContainerRunning reports whether the container is in the running state.
func (d *DockerRuntime) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	res, err := d.run(ctx, "inspect", "-f", "{{.State.Running}}", containerID)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "true", nil
}

// GetContainerLogs returns the last tail lines of the container log; tail <= 0 returns everything.
func (d *DockerRuntime) GetContainerLogs(ctx context.Context, containerID string, tail int) (string, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, containerID)
	res, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return res.Stdout + res.Stderr, nil
}

// Stats samples cpu and memory usage once.
func (d *DockerRuntime) Stats(ctx context.Context, containerID string) (Stats, error) {
	res, err := d.run(ctx, "stats", "--no-stream", "--format", "{{.CPUPerc}}|{{.MemUsage}}", containerID)
	if err != nil {
		return Stats{}, err
	}
	return parseStats(res.Stdout)
}

// Commit saves the container filesystem as image.
func (d *DockerRuntime) Commit(ctx context.Context, containerID, image string) error {
	if _, err := d.run(ctx, "commit", containerID, image); err != nil {
		return fmt.Errorf("failed to commit container %s: %w", shortID(containerID), err)
	}
	return nil
}

// parseStats parses a line such as "1.25%|12.5MiB / 1.944GiB".
func parseStats(out string) (Stats, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	parts := strings.SplitN(line, "|", 2)
	if len(parts) != 2 {
		return Stats{}, fmt.Errorf("unexpected stats output %q", out)
	}

	cpu, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[0]), "%"), 64)
	if err != nil {
		return Stats{}, fmt.Errorf("invalid cpu value %q: %w", parts[0], err)
	}

	used := strings.TrimSpace(strings.SplitN(parts[1], "/", 2)[0])
	bytes, err := humanize.ParseBytes(used)
	if err != nil {
		return Stats{}, fmt.Errorf("invalid memory value %q: %w", used, err)
	}
	return Stats{CPUPercent: cpu, MemoryMB: float64(bytes) / (1024 * 1024)}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
