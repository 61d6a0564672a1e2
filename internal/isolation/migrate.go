package isolation

import (
	"context"
	"fmt"

	"sandboxctl/internal/engine"
	"sandboxctl/pkg/logging"
)

// MigrationResult describes a completed migration.
type MigrationResult struct {
	SourceID      string `json:"source_id"`
	SourceBackend string `json:"source_backend"`
	TargetID      string `json:"target_id"`
	TargetBackend string `json:"target_backend"`
	SnapshotID    string `json:"snapshot_id,omitempty"`
	// SourceCleanupError is set when the target is live but the source could
	// not be removed; the source then remains registered in error.
	SourceCleanupError string `json:"source_cleanup_error,omitempty"`

	Target engine.Environment `json:"-"`
}

// MigrateEnvironment moves the workload of srcID onto a new environment of
// the target level. The target is created first; if that fails the source is
// untouched. With copyState the source is snapshotted and restored into the
// target; a failed copy discards the target and returns the error. Only then
// is the source torn down and deregistered.
func (m *Manager) MigrateEnvironment(ctx context.Context, srcID, target string, copyState bool) (*MigrationResult, error) {
	src, err := m.lookup("migrate_environment", srcID)
	if err != nil {
		return nil, err
	}

	// The target replaces the source, so it does not count against the ceiling.
	dst, err := m.createEnvironment(ctx, CreateRequest{
		Level:  target,
		Config: src.env.Info().Config,
	}, false)
	if err != nil {
		logging.Error("IsolationManager", err, "Migration of %s to %s failed creating the target", srcID, target)
		return nil, fmt.Errorf("failed to create %s target for %s: %w", target, srcID, err)
	}

	res := &MigrationResult{
		SourceID:      srcID,
		SourceBackend: src.env.Backend(),
		TargetID:      dst.ID(),
		TargetBackend: dst.Backend(),
		Target:        dst,
	}

	if copyState {
		snap, err := src.env.CreateSnapshot(ctx)
		if err == nil {
			res.SnapshotID = snap.ID
			err = dst.RestoreFromSnapshot(ctx, snap)
		}
		if err != nil {
			logging.Error("IsolationManager", err, "Migration of %s failed copying state into %s", srcID, dst.ID())
			m.discard(ctx, dst.ID())
			return nil, fmt.Errorf("failed to copy state from %s to %s: %w", srcID, dst.ID(), err)
		}
		dst.SetParentSnapshot(snap.ID)
	}

	if err := m.cleanup(ctx, srcID); err != nil {
		res.SourceCleanupError = err.Error()
		logging.Warn("IsolationManager", "Migrated %s to %s but the source could not be removed: %v", srcID, dst.ID(), err)
	}

	logging.Info("IsolationManager", "Migrated environment %s (%s) to %s (%s)", srcID, res.SourceBackend, dst.ID(), res.TargetBackend)
	return res, nil
}
