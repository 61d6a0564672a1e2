package containerizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxctl/internal/process"
)

// fakeDocker routes docker subcommands to canned results.
func fakeDocker(results map[string]process.Result) *process.FakeSpawner {
	f := process.NewFakeSpawner()
	f.Register("docker", func(ctx context.Context, cmd process.Command) process.Result {
		sub := cmd.Args[1]
		if sub == "image" {
			sub = "image " + cmd.Args[2]
		}
		if r, ok := results[sub]; ok {
			return r
		}
		return process.Result{}
	})
	return f
}

func TestDockerRuntime_PullImage(t *testing.T) {
	tests := []struct {
		name        string
		results     map[string]process.Result
		expectPull  bool
		expectError bool
	}{
		{
			name:       "image already exists",
			results:    map[string]process.Result{},
			expectPull: false,
		},
		{
			name: "image needs pull",
			results: map[string]process.Result{
				"image inspect": {ExitCode: 1},
			},
			expectPull: true,
		},
		{
			name: "pull fails",
			results: map[string]process.Result{
				"image inspect": {ExitCode: 1},
				"pull":          {ExitCode: 1, Stderr: "not found"},
			},
			expectPull:  true,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := fakeDocker(tt.results)
			d := NewDockerRuntime("docker", f)

			err := d.PullImage(context.Background(), "test:latest")
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			pulled := false
			for _, c := range f.Calls() {
				if c.Args[1] == "pull" {
					pulled = true
				}
			}
			assert.Equal(t, tt.expectPull, pulled)
		})
	}
}

func TestDockerRuntime_StartContainer(t *testing.T) {
	tests := []struct {
		name     string
		config   ContainerConfig
		wantArgs []string
	}{
		{
			name: "basic container",
			config: ContainerConfig{
				Name:  "test-container",
				Image: "test:latest",
			},
			wantArgs: []string{"docker", "run", "-d", "--name", "test-container", "test:latest"},
		},
		{
			name: "container with ports and volumes",
			config: ContainerConfig{
				Name:    "test-container",
				Image:   "test:latest",
				Network: "none",
				Ports:   []string{"8080:80"},
				Volumes: []string{"/host:/container"},
				Env:     map[string]string{"TEST": "value"},
			},
			wantArgs: []string{
				"docker", "run", "-d", "--name", "test-container", "--network", "none",
				"-e", "TEST=value", "-p", "8080:80", "-v", "/host:/container", "test:latest",
			},
		},
		{
			name: "container with entrypoint",
			config: ContainerConfig{
				Name:       "test-container",
				Image:      "test:latest",
				Entrypoint: []string{"/bin/sh", "-c", "echo hello"},
			},
			wantArgs: []string{
				"docker", "run", "-d", "--name", "test-container", "--entrypoint", "/bin/sh",
				"test:latest", "-c", "echo hello",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := fakeDocker(map[string]process.Result{"run": {Stdout: "abc123def456789\n"}})
			d := NewDockerRuntime("docker", f)

			id, err := d.StartContainer(context.Background(), tt.config)
			require.NoError(t, err)
			assert.Equal(t, "abc123def456789", id)
			require.Len(t, f.Calls(), 1)
			assert.Equal(t, tt.wantArgs, f.Calls()[0].Args)
		})
	}
}

func TestDockerRuntime_StartContainerEmptyID(t *testing.T) {
	d := NewDockerRuntime("docker", fakeDocker(nil))
	_, err := d.StartContainer(context.Background(), ContainerConfig{Name: "x", Image: "y"})
	assert.Error(t, err)
}

func TestDockerRuntime_Exec(t *testing.T) {
	f := fakeDocker(map[string]process.Result{"exec": {ExitCode: 2, Stdout: "o", Stderr: "e"}})
	d := NewDockerRuntime("docker", f)

	res, err := d.Exec(context.Background(), "cid", ExecConfig{
		Args:    []string{"ls", "-la"},
		Env:     map[string]string{"A": "1"},
		WorkDir: "/work",
	})
	require.NoError(t, err)
	assert.Equal(t, ExecResult{ExitCode: 2, Stdout: "o", Stderr: "e"}, res)
	assert.Equal(t, []string{"docker", "exec", "-w", "/work", "-e", "A=1", "cid", "ls", "-la"}, f.Calls()[0].Args)
}

func TestDockerRuntime_LifecycleCommands(t *testing.T) {
	f := fakeDocker(map[string]process.Result{
		"inspect": {Stdout: "true\n"},
		"logs":    {Stdout: "line1\n"},
	})
	d := NewDockerRuntime("docker", f)
	ctx := context.Background()

	running, err := d.IsContainerRunning(ctx, "cid")
	require.NoError(t, err)
	assert.True(t, running)

	logs, err := d.GetContainerLogs(ctx, "cid", 10)
	require.NoError(t, err)
	assert.Equal(t, "line1\n", logs)

	require.NoError(t, d.StopContainer(ctx, "cid"))
	require.NoError(t, d.RestartContainer(ctx, "cid"))
	require.NoError(t, d.RemoveContainer(ctx, "cid"))
	require.NoError(t, d.Commit(ctx, "cid", "snap:1"))

	var subs []string
	for _, c := range f.Calls() {
		subs = append(subs, c.Args[1])
	}
	assert.Equal(t, []string{"inspect", "logs", "stop", "start", "rm", "commit"}, subs)
}

func TestDetect(t *testing.T) {
	f := process.NewFakeSpawner()
	f.RegisterOutput("docker", 1, "")
	f.RegisterOutput("podman", 0, "ok")

	rt, err := Detect(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, "podman", rt.Name())

	_, err = Detect(context.Background(), process.NewFakeSpawner())
	assert.Error(t, err)
}

func TestParseStats(t *testing.T) {
	s, err := parseStats("1.25%|12.5MiB / 1.944GiB\n")
	require.NoError(t, err)
	assert.InDelta(t, 1.25, s.CPUPercent, 0.001)
	assert.InDelta(t, 12.5, s.MemoryMB, 0.001)

	_, err = parseStats("garbage")
	assert.Error(t, err)
	_, err = parseStats("x%|1MiB / 2MiB")
	assert.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no tilde",
			input:    "/absolute/path",
			expected: "/absolute/path",
		},
		{
			name:     "relative path",
			input:    "relative/path",
			expected: "relative/path",
		},
		{
			name:     "tilde prefix",
			input:    "~/data",
			expected: filepath.Join(home, "data"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, expandPath(tt.input))
		})
	}
}
