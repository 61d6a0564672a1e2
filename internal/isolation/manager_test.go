package isolation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxctl/internal/api"
	"sandboxctl/internal/containerizer"
	"sandboxctl/internal/engine"
	"sandboxctl/internal/engine/container"
	"sandboxctl/internal/engine/filesystem"
	"sandboxctl/internal/engine/runtime"
	"sandboxctl/internal/process"
	"sandboxctl/internal/registry"
)

type fixture struct {
	reg     *registry.Registry
	spawner *process.FakeSpawner
	mgr     *Manager

	mu          sync.Mutex
	transitions map[string][]engine.Transition
}

func (f *fixture) observe(id string, tr engine.Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions[id] = append(f.transitions[id], tr)
}

func register(t *testing.T, reg *registry.Registry, name string, priority int, e engine.Engine) {
	t.Helper()
	require.NoError(t, reg.Register(registry.Descriptor{
		Name:     name,
		Priority: priority,
		Features: e.SupportedFeatures(),
		Factory:  func() (engine.Engine, error) { return e, nil },
	}))
}

// newFixture registers the filesystem and runtime engines. The runtime
// engine's venv creation and pip are served by a fake spawner; pip exits
// with pipExit.
func newFixture(t *testing.T, opts Options, pipExit int, withContainer bool) *fixture {
	t.Helper()
	f := &fixture{
		reg:         registry.New(),
		spawner:     process.NewFakeSpawner(),
		transitions: make(map[string][]engine.Transition),
	}
	f.spawner.Register("python3", func(ctx context.Context, cmd process.Command) process.Result {
		bin := filepath.Join(cmd.Args[len(cmd.Args)-1], "bin")
		if err := os.MkdirAll(bin, 0o755); err != nil {
			return process.Result{ExitCode: 1}
		}
		if err := os.WriteFile(filepath.Join(bin, "python"), nil, 0o755); err != nil {
			return process.Result{ExitCode: 1}
		}
		return process.Result{}
	})
	f.spawner.RegisterOutput("pip", pipExit, "")

	ports := engine.NewPortAllocator(43000, 500)
	register(t, f.reg, LevelFilesystem, 0, filesystem.New(filesystem.Options{Spawner: f.spawner, Ports: ports}))
	register(t, f.reg, LevelRuntime, 1, runtime.New(runtime.Options{
		Spawner:          f.spawner,
		Ports:            ports,
		InstallCommand:   "pip install {package}",
		UninstallCommand: "pip uninstall -y {name}",
	}))
	if withContainer {
		register(t, f.reg, LevelContainer, 2, container.New(container.Options{Ports: ports}))
	}

	if opts.BaseDir == "" {
		opts.BaseDir = t.TempDir()
	}
	opts.Observer = f.observe
	f.mgr = NewManager(f.reg, opts)
	return f
}

func TestCreateEnvironment_Capacity(t *testing.T) {
	f := newFixture(t, Options{MaxEnvironments: 2}, 0, false)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		env, err := f.mgr.CreateEnvironment(ctx, CreateRequest{})
		require.NoError(t, err)
		assert.Equal(t, engine.StatusActive, env.Status())
		assert.Regexp(t, `^env-\d+-[0-9a-f]{8}$`, env.ID())
	}

	_, err := f.mgr.CreateEnvironment(ctx, CreateRequest{})
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindResourceExhausted))
	assert.Equal(t, 2, f.mgr.Count())
	assert.NoError(t, f.mgr.CheckConsistency())

	fsEngine, ok := f.reg.Instance(LevelFilesystem)
	require.True(t, ok)
	assert.Len(t, fsEngine.Environments(), 2)
}

func TestCreateEnvironment_UnknownLevel(t *testing.T) {
	f := newFixture(t, Options{}, 0, false)
	_, err := f.mgr.CreateEnvironment(context.Background(), CreateRequest{Level: "vm"})
	assert.True(t, api.IsKind(err, api.KindConfiguration))
	assert.Zero(t, f.mgr.Count())
}

func TestCreateEnvironment_ActivationFailureLeavesNothing(t *testing.T) {
	f := newFixture(t, Options{}, 0, false)
	// venv creation that never produces bin/ makes activation fail
	f.spawner.RegisterOutput("python3", 0, "")

	_, err := f.mgr.CreateEnvironment(context.Background(), CreateRequest{Level: LevelRuntime})
	require.Error(t, err)
	assert.Zero(t, f.mgr.Count())
	rt, _ := f.reg.Instance(LevelRuntime)
	assert.Empty(t, rt.Environments())
	assert.NoError(t, f.mgr.CheckConsistency())
}

func TestAutoSelectLevel(t *testing.T) {
	full := newFixture(t, Options{}, 0, true)
	partial := newFixture(t, Options{DefaultLevel: LevelRuntime}, 0, false)

	tests := []struct {
		name string
		mgr  *Manager
		req  Requirements
		want string
	}{
		{"plain", full.mgr, Requirements{}, LevelFilesystem},
		{"container required", full.mgr, Requirements{ContainerRequired: true}, LevelContainer},
		{"network isolation", full.mgr, Requirements{NetworkIsolation: true}, LevelContainer},
		{"runtime isolation", full.mgr, Requirements{RuntimeIsolation: true}, LevelRuntime},
		{"container wins over runtime", full.mgr, Requirements{RuntimeIsolation: true, ContainerRequired: true}, LevelContainer},
		{"feature forces fallback", full.mgr, Requirements{Features: []string{engine.FeatureResourceLimits}}, LevelContainer},
		{"runtime feature fallback", full.mgr, Requirements{Features: []string{engine.FeatureRuntimeIsolation}}, LevelRuntime},
		{"missing container uses default", partial.mgr, Requirements{NetworkIsolation: true}, LevelRuntime},
		{"missing container with plain preference", partial.mgr, Requirements{ContainerRequired: true}, LevelFilesystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mgr.AutoSelectLevel(tt.req))
		})
	}
}

func TestLifecycle_TransitionsFollowStateMachine(t *testing.T) {
	f := newFixture(t, Options{}, 0, false)
	ctx := context.Background()

	env, err := f.mgr.CreateEnvironment(ctx, CreateRequest{Level: LevelRuntime})
	require.NoError(t, err)
	require.NoError(t, env.Deactivate(ctx))
	require.NoError(t, env.Activate(ctx))
	require.NoError(t, f.mgr.CleanupEnvironment(ctx, env.ID()))

	f.mu.Lock()
	seen := f.transitions[env.ID()]
	f.mu.Unlock()
	assert.NoError(t, engine.ValidatePath(seen))
	assert.Equal(t, seen, env.History())
	assert.Equal(t, engine.StatusCleanupComplete, env.Status())

	_, err = f.mgr.GetEnvironment(env.ID())
	assert.ErrorIs(t, err, ErrEnvironmentNotFound)
	assert.True(t, api.IsKind(err, api.KindIntegrity))
	assert.ErrorIs(t, f.mgr.CleanupEnvironment(ctx, env.ID()), ErrEnvironmentNotFound)
}

func TestCleanupEnvironment_ReleasesPorts(t *testing.T) {
	f := newFixture(t, Options{}, 0, false)
	ctx := context.Background()

	env, err := f.mgr.CreateEnvironment(ctx, CreateRequest{})
	require.NoError(t, err)
	_, err = env.AllocatePort()
	require.NoError(t, err)

	require.NoError(t, f.mgr.CleanupEnvironment(ctx, env.ID()))
	assert.Empty(t, env.AllocatedPorts())
}

func TestCleanupAll(t *testing.T) {
	f := newFixture(t, Options{CleanupConcurrency: 2}, 0, false)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		level := LevelFilesystem
		if i%2 == 1 {
			level = LevelRuntime
		}
		_, err := f.mgr.CreateEnvironment(ctx, CreateRequest{Level: level})
		require.NoError(t, err)
	}

	require.NoError(t, f.mgr.CleanupAll(ctx))
	assert.Zero(t, f.mgr.Count())
	assert.NoError(t, f.mgr.CheckConsistency())
}

func TestListEnvironments_ByCreation(t *testing.T) {
	f := newFixture(t, Options{}, 0, false)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		env, err := f.mgr.CreateEnvironment(ctx, CreateRequest{SkipActivation: true})
		require.NoError(t, err)
		assert.Equal(t, engine.StatusCreated, env.Status())
		ids = append(ids, env.ID())
	}

	var got []string
	for _, env := range f.mgr.ListEnvironments() {
		got = append(got, env.ID())
	}
	assert.Equal(t, ids, got)
}

func TestMigrateEnvironment_CopiesStateAndRemovesSource(t *testing.T) {
	f := newFixture(t, Options{MaxEnvironments: 1}, 0, false)
	ctx := context.Background()

	src, err := f.mgr.CreateEnvironment(ctx, CreateRequest{Config: map[string]string{"suite": "smoke"}})
	require.NoError(t, err)
	require.NoError(t, src.InstallPackage(ctx, "pytest==8.0.0"))

	res, err := f.mgr.MigrateEnvironment(ctx, src.ID(), LevelRuntime, true)
	require.NoError(t, err)
	assert.NotEqual(t, src.ID(), res.TargetID)
	assert.Equal(t, LevelFilesystem, res.SourceBackend)
	assert.Equal(t, LevelRuntime, res.TargetBackend)
	assert.Empty(t, res.SourceCleanupError)

	_, err = f.mgr.GetEnvironment(src.ID())
	assert.ErrorIs(t, err, ErrEnvironmentNotFound)
	assert.Equal(t, engine.StatusCleanupComplete, src.Status())

	dst, err := f.mgr.GetEnvironment(res.TargetID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusActive, dst.Status())
	assert.Equal(t, []string{"pytest==8.0.0"}, dst.Info().Packages)
	assert.Equal(t, "smoke", dst.Info().Config["suite"])
	assert.Equal(t, res.SnapshotID, dst.Info().ParentSnapshot)
	assert.Len(t, f.spawner.CallsTo("pip"), 1)

	assert.Equal(t, 1, f.mgr.Count())
	assert.NoError(t, f.mgr.CheckConsistency())
}

func TestMigrateEnvironment_CopyFailureKeepsSource(t *testing.T) {
	f := newFixture(t, Options{}, 1, false)
	ctx := context.Background()

	src, err := f.mgr.CreateEnvironment(ctx, CreateRequest{})
	require.NoError(t, err)
	require.NoError(t, src.InstallPackage(ctx, "requests"))
	before := src.Info()

	_, err = f.mgr.MigrateEnvironment(ctx, src.ID(), LevelRuntime, true)
	require.Error(t, err)
	assert.True(t, api.IsTransient(err))

	still, err := f.mgr.GetEnvironment(src.ID())
	require.NoError(t, err)
	assert.Equal(t, engine.StatusActive, still.Status())
	assert.Equal(t, before.Packages, still.Info().Packages)
	assert.Equal(t, 1, f.mgr.Count())

	rt, _ := f.reg.Instance(LevelRuntime)
	assert.Empty(t, rt.Environments())
	assert.NoError(t, f.mgr.CheckConsistency())
}

func TestMigrateEnvironment_TargetFailureLeavesSourceUntouched(t *testing.T) {
	f := newFixture(t, Options{}, 0, false)
	ctx := context.Background()

	src, err := f.mgr.CreateEnvironment(ctx, CreateRequest{})
	require.NoError(t, err)
	history := len(src.History())

	_, err = f.mgr.MigrateEnvironment(ctx, src.ID(), "vm", false)
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindConfiguration))
	assert.Len(t, src.History(), history)
	assert.Equal(t, 1, f.mgr.Count())

	_, err = f.mgr.MigrateEnvironment(ctx, "env-missing", LevelRuntime, false)
	assert.ErrorIs(t, err, ErrEnvironmentNotFound)
}

func TestSnapshot_ExportImportRoundTrip(t *testing.T) {
	f := newFixture(t, Options{}, 0, false)
	ctx := context.Background()

	env, err := f.mgr.CreateEnvironment(ctx, CreateRequest{Config: map[string]string{"suite": "api", "retries": "2"}})
	require.NoError(t, err)
	_, err = env.AllocatePort()
	require.NoError(t, err)
	_, err = env.AllocatePort()
	require.NoError(t, err)

	snap, err := f.mgr.CreateSnapshot(ctx, env.ID())
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "export", snap.ID+".json")
	require.NoError(t, f.mgr.ExportSnapshot(ctx, snap.ID, file))

	// deleting the environment does not affect the snapshot
	require.NoError(t, f.mgr.CleanupEnvironment(ctx, env.ID()))
	_, err = f.mgr.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)

	other := newFixture(t, Options{}, 0, false)
	imported, err := other.mgr.ImportSnapshot(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, snap.EnvID, imported.EnvID)
	assert.Equal(t, snap.Config, imported.Config)
	assert.Equal(t, snap.AllocatedPorts, imported.AllocatedPorts)
	assert.Len(t, imported.AllocatedPorts, 2)

	_, err = other.mgr.ImportSnapshot(ctx, file)
	assert.True(t, api.IsKind(err, api.KindIntegrity))

	require.NoError(t, os.WriteFile(file, []byte(`{"snapshot_id":"x"}`), 0o644))
	_, err = newFixture(t, Options{}, 0, false).mgr.ImportSnapshot(ctx, file)
	assert.True(t, api.IsKind(err, api.KindIntegrity))
}

func TestRestoreSnapshot(t *testing.T) {
	f := newFixture(t, Options{}, 0, false)
	ctx := context.Background()

	src, err := f.mgr.CreateEnvironment(ctx, CreateRequest{Config: map[string]string{"suite": "ui"}})
	require.NoError(t, err)
	require.NoError(t, src.InstallPackage(ctx, "selenium==4.0"))
	snap, err := f.mgr.CreateSnapshot(ctx, src.ID())
	require.NoError(t, err)

	restored, err := f.mgr.RestoreSnapshot(ctx, snap.ID, RestoreRequest{})
	require.NoError(t, err)
	assert.NotEqual(t, src.ID(), restored.ID())
	assert.Equal(t, LevelFilesystem, restored.Backend())
	assert.Equal(t, snap.ID, restored.Info().ParentSnapshot)
	assert.Equal(t, []string{"selenium==4.0"}, restored.Info().Packages)
	assert.Equal(t, "ui", restored.Info().Config["suite"])

	into, err := f.mgr.CreateEnvironment(ctx, CreateRequest{Level: LevelRuntime})
	require.NoError(t, err)
	_, err = f.mgr.RestoreSnapshot(ctx, snap.ID, RestoreRequest{EnvID: into.ID()})
	require.NoError(t, err)
	assert.Equal(t, []string{"selenium==4.0"}, into.Info().Packages)

	_, err = f.mgr.RestoreSnapshot(ctx, "missing", RestoreRequest{})
	assert.True(t, api.IsKind(err, api.KindIntegrity))
	assert.Equal(t, 3, f.mgr.Count())
}

func TestRestoreSnapshot_FailureDiscardsNewEnvironment(t *testing.T) {
	f := newFixture(t, Options{}, 1, false)
	ctx := context.Background()

	src, err := f.mgr.CreateEnvironment(ctx, CreateRequest{})
	require.NoError(t, err)
	require.NoError(t, src.InstallPackage(ctx, "requests"))
	snap, err := f.mgr.CreateSnapshot(ctx, src.ID())
	require.NoError(t, err)

	_, err = f.mgr.RestoreSnapshot(ctx, snap.ID, RestoreRequest{Level: LevelRuntime})
	require.Error(t, err)
	assert.Equal(t, 1, f.mgr.Count())
	assert.NoError(t, f.mgr.CheckConsistency())
}

func TestDeleteAndCleanupOldSnapshots(t *testing.T) {
	now := time.Now()
	f := newFixture(t, Options{Now: func() time.Time { return now.Add(48 * time.Hour) }}, 0, false)
	ctx := context.Background()

	env, err := f.mgr.CreateEnvironment(ctx, CreateRequest{})
	require.NoError(t, err)
	first, err := f.mgr.CreateSnapshot(ctx, env.ID())
	require.NoError(t, err)
	second, err := f.mgr.CreateSnapshot(ctx, env.ID())
	require.NoError(t, err)

	require.NoError(t, f.mgr.DeleteSnapshot(ctx, first.ID))
	assert.True(t, api.IsKind(f.mgr.DeleteSnapshot(ctx, first.ID), api.KindIntegrity))

	removed, err := f.mgr.CleanupOldSnapshots(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID}, removed)

	list, err := f.mgr.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCheckConsistency_DetectsOrphans(t *testing.T) {
	f := newFixture(t, Options{}, 0, false)
	ctx := context.Background()
	_, err := f.mgr.CreateEnvironment(ctx, CreateRequest{})
	require.NoError(t, err)

	fsEngine, _ := f.reg.Instance(LevelFilesystem)
	_, err = fsEngine.CreateIsolation(ctx, filepath.Join(t.TempDir(), "orphan"), "env-orphan", nil)
	require.NoError(t, err)

	err = f.mgr.CheckConsistency()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env-orphan")
}

func TestCreateEnvironment_NetworkIsolationReachesContainer(t *testing.T) {
	f := newFixture(t, Options{}, 0, false)
	f.spawner.Register("docker", func(ctx context.Context, cmd process.Command) process.Result {
		if cmd.Args[1] == "run" {
			return process.Result{Stdout: "fedcba9876543210\n"}
		}
		return process.Result{}
	})
	register(t, f.reg, LevelContainer, 2, container.New(container.Options{
		Runtime: containerizer.NewDockerRuntime("docker", f.spawner),
		Ports:   engine.NewPortAllocator(44000, 10),
	}))

	env, err := f.mgr.CreateEnvironment(context.Background(), CreateRequest{
		Requirements: Requirements{NetworkIsolation: true},
		Config:       map[string]string{"image": "python:3.11"},
	})
	require.NoError(t, err)
	assert.Equal(t, LevelContainer, env.Backend())
	assert.Equal(t, "true", env.Info().Config[container.ConfigNetworkIsolation])
	assert.Equal(t, "python:3.11", env.Info().Config["image"])

	var run []string
	for _, c := range f.spawner.CallsTo("docker") {
		if c.Args[1] == "run" {
			run = c.Args
		}
	}
	require.NotNil(t, run)
	assert.Contains(t, strings.Join(run, " "), "--network none")
}

func TestCreateEnvironment_DoesNotMutateRequestConfig(t *testing.T) {
	f := newFixture(t, Options{}, 0, false)
	cfg := map[string]string{"python": "3.12"}

	_, err := f.mgr.CreateEnvironment(context.Background(), CreateRequest{
		Level:        LevelFilesystem,
		Requirements: Requirements{NetworkIsolation: true},
		Config:       cfg,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"python": "3.12"}, cfg)
}

func TestCheckConsistency_SkipsCreationsInProgress(t *testing.T) {
	f := newFixture(t, Options{}, 0, false)
	ctx := context.Background()

	slot, err := f.mgr.reserve("create_environment", true)
	require.NoError(t, err)
	slot.claim("env-pending")

	fsEngine, err := f.reg.Create(LevelFilesystem)
	require.NoError(t, err)
	_, err = fsEngine.CreateIsolation(ctx, filepath.Join(t.TempDir(), "pending"), "env-pending", nil)
	require.NoError(t, err)
	assert.NoError(t, f.mgr.CheckConsistency())

	slot.release()
	err = f.mgr.CheckConsistency()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env-pending")
}
