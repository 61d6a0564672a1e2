package isolation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sandboxctl/internal/api"
	"sandboxctl/internal/engine"
	"sandboxctl/internal/snapshot"
	"sandboxctl/pkg/logging"
)

// RestoreRequest selects where a snapshot is restored. With EnvID set the
// snapshot is applied to that environment; otherwise a new environment is
// created, preferring the snapshot's own backend.
type RestoreRequest struct {
	EnvID  string            `json:"env_id,omitempty"`
	Level  string            `json:"level,omitempty"`
	Path   string            `json:"path,omitempty"`
	Config map[string]string `json:"config,omitempty"`
}

func snapshotMissing(op, id string, err error) error {
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		return &api.Error{Kind: api.KindIntegrity, Op: op, Message: id, Err: err}
	}
	return err
}

// CreateSnapshot captures an environment and stores the snapshot.
func (m *Manager) CreateSnapshot(ctx context.Context, envID string) (*snapshot.Snapshot, error) {
	e, err := m.lookup("create_snapshot", envID)
	if err != nil {
		return nil, err
	}
	snap, err := e.env.CreateSnapshot(ctx)
	if err != nil {
		logging.Error("IsolationManager", err, "Failed to snapshot environment %s", envID)
		return nil, fmt.Errorf("failed to snapshot environment %s: %w", envID, err)
	}
	if err := m.store.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to store snapshot %s: %w", snap.ID, err)
	}
	logging.Info("IsolationManager", "Created snapshot %s of environment %s", snap.ID, envID)
	return snap, nil
}

// GetSnapshot returns a stored snapshot.
func (m *Manager) GetSnapshot(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	snap, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, snapshotMissing("get_snapshot", id, err)
	}
	return snap, nil
}

// ListSnapshots returns stored snapshots by creation time.
func (m *Manager) ListSnapshots(ctx context.Context) ([]*snapshot.Snapshot, error) {
	return m.store.List(ctx)
}

// DeleteSnapshot removes a stored snapshot. Environments restored from it
// are unaffected.
func (m *Manager) DeleteSnapshot(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return snapshotMissing("delete_snapshot", id, err)
	}
	logging.Info("IsolationManager", "Deleted snapshot %s", id)
	return nil
}

// RestoreSnapshot applies a stored snapshot. A new environment that fails to
// restore is cleaned up again, so the call either fully applies or leaves no
// new environment behind.
func (m *Manager) RestoreSnapshot(ctx context.Context, snapshotID string, req RestoreRequest) (engine.Environment, error) {
	snap, err := m.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	if req.EnvID != "" {
		e, err := m.lookup("restore_snapshot", req.EnvID)
		if err != nil {
			return nil, err
		}
		if err := e.env.RestoreFromSnapshot(ctx, snap); err != nil {
			return nil, fmt.Errorf("failed to restore snapshot %s into %s: %w", snap.ID, req.EnvID, err)
		}
		e.env.SetParentSnapshot(snap.ID)
		logging.Info("IsolationManager", "Restored snapshot %s into environment %s", snap.ID, req.EnvID)
		return e.env, nil
	}

	level := req.Level
	if level == "" && m.registry.Has(snap.Backend) {
		level = snap.Backend
	}
	config := make(map[string]string, len(snap.Config)+len(req.Config))
	for k, v := range snap.Config {
		config[k] = v
	}
	for k, v := range req.Config {
		config[k] = v
	}

	env, err := m.CreateEnvironment(ctx, CreateRequest{Path: req.Path, Level: level, Config: config})
	if err != nil {
		return nil, err
	}
	if err := env.RestoreFromSnapshot(ctx, snap); err != nil {
		m.discard(ctx, env.ID())
		return nil, fmt.Errorf("failed to restore snapshot %s: %w", snap.ID, err)
	}
	env.SetParentSnapshot(snap.ID)
	logging.Info("IsolationManager", "Restored snapshot %s into new environment %s", snap.ID, env.ID())
	return env, nil
}

// discard cleans up an environment created by a failed multi-step operation.
func (m *Manager) discard(ctx context.Context, id string) {
	if err := m.cleanup(ctx, id); err != nil {
		logging.Error("IsolationManager", err, "Failed to discard environment %s", id)
	}
}

// ExportSnapshot writes a stored snapshot to path.
func (m *Manager) ExportSnapshot(ctx context.Context, id, path string) error {
	snap, err := m.GetSnapshot(ctx, id)
	if err != nil {
		return err
	}
	if err := snapshot.WriteFile(path, snap); err != nil {
		return err
	}
	logging.Info("IsolationManager", "Exported snapshot %s to %s", id, path)
	return nil
}

// ImportSnapshot reads a snapshot record from path and stores it. A malformed
// record, or one whose id is already stored, is rejected.
func (m *Manager) ImportSnapshot(ctx context.Context, path string) (*snapshot.Snapshot, error) {
	snap, err := snapshot.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.Get(ctx, snap.ID); err == nil {
		return nil, api.NewIntegrityError("import_snapshot", "snapshot %s already exists", snap.ID)
	} else if !errors.Is(err, snapshot.ErrSnapshotNotFound) {
		return nil, err
	}
	if err := m.store.Save(ctx, snap); err != nil {
		return nil, err
	}
	logging.Info("IsolationManager", "Imported snapshot %s of environment %s", snap.ID, snap.EnvID)
	return snap, nil
}

// CleanupOldSnapshots deletes snapshots older than age and returns their ids.
func (m *Manager) CleanupOldSnapshots(ctx context.Context, age time.Duration) ([]string, error) {
	removed, err := snapshot.Prune(ctx, m.store, age, m.opts.Now())
	if len(removed) > 0 {
		logging.Info("IsolationManager", "Removed %d snapshots older than %s", len(removed), age)
	}
	return removed, err
}
