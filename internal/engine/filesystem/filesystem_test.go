package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxctl/internal/api"
	"sandboxctl/internal/engine"
	"sandboxctl/internal/process"
)

func newTestEngine(t *testing.T, install string) (*Engine, *process.FakeSpawner) {
	t.Helper()
	f := process.NewFakeSpawner()
	e := New(Options{
		InstallCommand: install,
		Spawner:        f,
		Ports:          engine.NewPortAllocator(42000, 200),
	})
	return e, f
}

func createActive(t *testing.T, e *Engine, id string) *Environment {
	t.Helper()
	env, err := e.CreateIsolation(context.Background(), filepath.Join(t.TempDir(), id), id, map[string]string{"owner": "tests"})
	require.NoError(t, err)
	require.NoError(t, env.Activate(context.Background()))
	return env.(*Environment)
}

func TestEngine_CreateLayoutAndValidate(t *testing.T) {
	e, _ := newTestEngine(t, "")
	path := filepath.Join(t.TempDir(), "env-a")

	env, err := e.CreateIsolation(context.Background(), path, "env-a", nil)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCreated, env.Status())
	assert.DirExists(t, filepath.Join(path, workspaceDir))
	assert.DirExists(t, filepath.Join(path, tmpDir))
	assert.FileExists(t, filepath.Join(path, engine.ManifestFile))
	assert.NoError(t, env.ValidateIsolation(context.Background()))

	got, ok := e.Lookup("env-a")
	require.True(t, ok)
	assert.Same(t, env, got)

	_, err = e.CreateIsolation(context.Background(), path, "env-a", nil)
	assert.True(t, api.IsKind(err, api.KindIntegrity))

	_, err = e.CreateIsolation(context.Background(), "", "env-b", nil)
	assert.True(t, api.IsKind(err, api.KindConfiguration))
}

func TestEnvironment_LifecycleFollowsStateMachine(t *testing.T) {
	e, _ := newTestEngine(t, "")
	ctx := context.Background()
	env := createActive(t, e, "env-life")

	var observed []engine.Transition
	env.SetTransitionObserver(func(id string, tr engine.Transition) {
		assert.Equal(t, "env-life", id)
		observed = append(observed, tr)
	})

	require.NoError(t, env.Deactivate(ctx))
	require.NoError(t, env.Activate(ctx))
	require.NoError(t, env.Deactivate(ctx))
	require.NoError(t, e.CleanupIsolation(ctx, env))

	assert.Equal(t, engine.StatusCleanupComplete, env.Status())
	assert.NoError(t, engine.ValidatePath(env.History()))
	assert.Len(t, observed, 8)
	assert.NoDirExists(t, env.Path())
	assert.Empty(t, e.Environments())

	err := env.Activate(ctx)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	assert.Equal(t, engine.StatusCleanupComplete, env.Status())
}

func TestEnvironment_CleanupRequiresInactive(t *testing.T) {
	e, _ := newTestEngine(t, "")
	env := createActive(t, e, "env-busy")

	err := e.CleanupIsolation(context.Background(), env)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	assert.Equal(t, engine.StatusActive, env.Status())
	_, ok := e.Lookup("env-busy")
	assert.True(t, ok)
}

func TestEnvironment_InstallPackage(t *testing.T) {
	e, f := newTestEngine(t, "pip install --target {path}/workspace/lib {package}")
	f.RegisterOutput("pip", 0, "ok")
	ctx := context.Background()
	env := createActive(t, e, "env-pkg")

	require.NoError(t, env.InstallPackage(ctx, "requests==2.31.0"))
	require.NoError(t, env.InstallPackage(ctx, "pytest"))

	calls := f.CallsTo("pip")
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"pip", "install", "--target", env.Path() + "/workspace/lib", "requests==2.31.0"}, calls[0].Args)

	pkgs, err := env.ListInstalledPackages(ctx)
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "pytest", pkgs[0].Name)
	assert.Equal(t, "2.31.0", pkgs[1].VersionString())

	m, err := engine.ReadManifest(env.Path())
	require.NoError(t, err)
	assert.Equal(t, []string{"pytest", "requests==2.31.0"}, m.Packages)

	require.NoError(t, env.UninstallPackage(ctx, "pytest"))
	err = env.UninstallPackage(ctx, "pytest")
	assert.True(t, api.IsKind(err, api.KindIntegrity))

	err = env.InstallPackage(ctx, "bad==not.a.version!")
	assert.True(t, api.IsKind(err, api.KindConfiguration))
	assert.Equal(t, engine.StatusActive, env.Status())
}

func TestEnvironment_InstallFailureClassification(t *testing.T) {
	t.Run("non-zero exit is transient and keeps the environment", func(t *testing.T) {
		e, f := newTestEngine(t, "pip install {package}")
		f.RegisterOutput("pip", 1, "")
		env := createActive(t, e, "env-transient")

		err := env.InstallPackage(context.Background(), "flaky")
		assert.True(t, api.IsTransient(err))
		assert.Equal(t, engine.StatusActive, env.Status())
		assert.False(t, env.HasPackage("flaky"))
	})

	t.Run("missing executable is terminal and fails the environment", func(t *testing.T) {
		e, _ := newTestEngine(t, "pip install {package}")
		env := createActive(t, e, "env-terminal")

		err := env.InstallPackage(context.Background(), "anything")
		assert.True(t, api.IsKind(err, api.KindTerminal))
		assert.Equal(t, engine.StatusError, env.Status())
		assert.NotEmpty(t, env.Info().LastError)

		// failed environments can still be cleaned up
		require.NoError(t, e.CleanupIsolation(context.Background(), env))
		assert.NoError(t, engine.ValidatePath(env.History()))
	})
}

func TestEnvironment_RequiresActive(t *testing.T) {
	e, _ := newTestEngine(t, "")
	env, err := e.CreateIsolation(context.Background(), filepath.Join(t.TempDir(), "x"), "env-x", nil)
	require.NoError(t, err)

	err = env.InstallPackage(context.Background(), "pytest")
	assert.ErrorIs(t, err, engine.ErrInvalidState)
	_, err = env.ExecuteCommand(context.Background(), []string{"ls"}, engine.ExecOptions{})
	assert.ErrorIs(t, err, engine.ErrInvalidState)
	assert.Equal(t, engine.StatusCreated, env.Status())
}

func TestEnvironment_ExecuteCommand(t *testing.T) {
	e, f := newTestEngine(t, "")
	var seen process.Command
	f.Register("pytest", func(ctx context.Context, cmd process.Command) process.Result {
		seen = cmd
		return process.Result{ExitCode: 1, Stdout: "1 failed"}
	})
	env := createActive(t, e, "env-exec")

	res, err := env.ExecuteCommand(context.Background(), []string{"pytest", "-q"}, engine.ExecOptions{
		Env: map[string]string{"CI": "1"},
		Dir: "tests",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "1 failed", res.Stdout)
	assert.Equal(t, filepath.Join(env.Path(), workspaceDir, "tests"), seen.Dir)
	assert.Equal(t, "1", seen.Env["CI"])
	assert.Equal(t, "env-exec", seen.Env["SANDBOX_ENV_ID"])

	_, err = env.ExecuteCommand(context.Background(), []string{"pytest"}, engine.ExecOptions{Dir: "../../.."})
	assert.True(t, api.IsKind(err, api.KindConfiguration))
}

func TestEnvironment_BlankInstallTemplate(t *testing.T) {
	e, f := newTestEngine(t, "   ")
	env := createActive(t, e, "env-blank")

	err := env.InstallPackage(context.Background(), "requests")
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindConfiguration))
	assert.Equal(t, engine.StatusActive, env.Status())
	assert.False(t, env.HasPackage("requests"))
	assert.Empty(t, f.Calls())
}

// brokenSpawner fails every command before it starts.
type brokenSpawner struct{ err error }

func (b brokenSpawner) Spawn(ctx context.Context, cmd process.Command) (process.Result, error) {
	return process.Result{ExitCode: -1}, b.err
}

func TestEnvironment_ExecuteCommandSpawnFailure(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus engine.Status
	}{
		{"spawn failure fails the environment", errors.New("fork/exec: resource temporarily unavailable"), engine.StatusError},
		{"missing executable keeps the environment", fmt.Errorf("%w: pytset", process.ErrNotFound), engine.StatusActive},
		{"timeout keeps the environment", api.NewTimeoutError("spawn", nil, "too slow"), engine.StatusActive},
		{"cancellation keeps the environment", context.Canceled, engine.StatusActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(Options{Spawner: brokenSpawner{err: tt.err}, Ports: engine.NewPortAllocator(42500, 10)})
			env := createActive(t, e, "env-spawn")

			_, err := env.ExecuteCommand(context.Background(), []string{"pytest"}, engine.ExecOptions{})
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.wantStatus, env.Status())
		})
	}
}

func TestEnvironment_PortsReleasedOnCleanup(t *testing.T) {
	ports := engine.NewPortAllocator(43000, 200)
	e := New(Options{Spawner: process.NewFakeSpawner(), Ports: ports})
	env := createActive(t, e, "env-ports")

	p1, err := env.AllocatePort()
	require.NoError(t, err)
	p2, err := env.AllocatePort()
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, []int{p1, p2}, env.AllocatedPorts())

	require.NoError(t, env.ReleasePort(p1))
	assert.Error(t, env.ReleasePort(p1))
	assert.Equal(t, 1, ports.InUse())

	require.NoError(t, env.Deactivate(context.Background()))
	require.NoError(t, e.CleanupIsolation(context.Background(), env))
	assert.Equal(t, 0, ports.InUse())
	assert.Empty(t, env.AllocatedPorts())
}

func TestEnvironment_SnapshotAndRestore(t *testing.T) {
	e, _ := newTestEngine(t, "")
	ctx := context.Background()
	src := createActive(t, e, "env-src")
	require.NoError(t, src.InstallPackage(ctx, "requests==2.31.0"))
	require.NoError(t, os.WriteFile(filepath.Join(src.Path(), workspaceDir, "conftest.py"), []byte("# fixtures"), 0o644))

	snap, err := src.CreateSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "env-src", snap.EnvID)
	assert.Equal(t, Name, snap.Backend)
	assert.Equal(t, []string{"requests==2.31.0"}, snap.Packages)
	assert.NoError(t, snap.Validate())

	var p payload
	require.NoError(t, json.Unmarshal(snap.BackendPayload, &p))
	assert.Equal(t, []string{"conftest.py"}, p.Files)

	dst := createActive(t, e, "env-dst")
	require.NoError(t, dst.RestoreFromSnapshot(ctx, snap))
	assert.True(t, dst.HasPackage("requests"))
	assert.Equal(t, "tests", dst.Config()["owner"])

	bad := snap.Clone()
	bad.BackendPayload = json.RawMessage(`"not an object"`)
	err = dst.RestoreFromSnapshot(ctx, bad)
	assert.True(t, api.IsKind(err, api.KindIntegrity))
}

func TestEngine_CleanupUnknownEnvironment(t *testing.T) {
	e1, _ := newTestEngine(t, "")
	e2, _ := newTestEngine(t, "")
	env := createActive(t, e1, "env-owned")

	err := e2.CleanupIsolation(context.Background(), env)
	assert.True(t, api.IsKind(err, api.KindIntegrity))
	assert.False(t, errors.Is(err, engine.ErrInvalidTransition))
}
