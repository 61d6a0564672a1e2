package engine

import (
	"context"
	"encoding/json"
	"time"

	"sandboxctl/internal/snapshot"
)

// Feature names advertised by backends.
const (
	FeatureFilesystemIsolation = "filesystem_isolation"
	FeaturePackageInstall      = "package_install"
	FeatureRuntimeIsolation    = "runtime_isolation"
	FeatureNetworkIsolation    = "network_isolation"
	FeatureProcessIsolation    = "process_isolation"
	FeatureResourceLimits      = "resource_limits"
	FeatureSnapshots           = "snapshots"
	FeaturePortAllocation      = "port_allocation"
)

// ExecOptions bound a command run inside an environment.
type ExecOptions struct {
	Timeout time.Duration
	Env     map[string]string
	// Dir is relative to the environment root; empty means the workspace.
	Dir string
}

// ExecResult is the outcome of ExecuteCommand.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Info is a value copy of an environment's observable state.
type Info struct {
	ID             string            `json:"id"`
	Path           string            `json:"path"`
	Backend        string            `json:"backend"`
	Status         Status            `json:"status"`
	Config         map[string]string `json:"config"`
	AllocatedPorts []int             `json:"allocated_ports"`
	Packages       []string          `json:"packages"`
	CreatedAt      time.Time         `json:"created_at"`
	ActivatedAt    *time.Time        `json:"activated_at,omitempty"`
	DeactivatedAt  *time.Time        `json:"deactivated_at,omitempty"`
	ParentSnapshot string            `json:"parent_snapshot,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
}

// Environment is an isolated execution context owned by one Engine.
type Environment interface {
	ID() string
	Path() string
	Backend() string
	Status() Status
	Info() Info
	History() []Transition
	SetTransitionObserver(obs TransitionObserver)
	SetParentSnapshot(id string)

	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error

	ExecuteCommand(ctx context.Context, args []string, opts ExecOptions) (ExecResult, error)

	InstallPackage(ctx context.Context, spec string) error
	UninstallPackage(ctx context.Context, name string) error
	ListInstalledPackages(ctx context.Context) ([]Package, error)

	AllocatePort() (int, error)
	ReleasePort(port int) error
	AllocatedPorts() []int

	CreateSnapshot(ctx context.Context) (*snapshot.Snapshot, error)
	ExportSnapshotData(ctx context.Context) (json.RawMessage, error)
	RestoreFromSnapshot(ctx context.Context, snap *snapshot.Snapshot) error

	ValidateIsolation(ctx context.Context) error

	// MarkError moves the environment to the error state.
	MarkError(err error)
}

// Engine creates and tears down environments for one isolation technology.
type Engine interface {
	Name() string
	CreateIsolation(ctx context.Context, path, id string, config map[string]string) (Environment, error)
	CleanupIsolation(ctx context.Context, env Environment) error
	SupportedFeatures() []string
	Environments() []Environment
	Lookup(id string) (Environment, bool)
}

// HasFeatures reports whether e supports every feature in want.
func HasFeatures(e Engine, want ...string) bool {
	have := make(map[string]bool)
	for _, f := range e.SupportedFeatures() {
		have[f] = true
	}
	for _, f := range want {
		if !have[f] {
			return false
		}
	}
	return true
}
