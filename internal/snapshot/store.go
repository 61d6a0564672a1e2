package snapshot

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrSnapshotNotFound is returned when a snapshot doesn't exist.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Store persists snapshots keyed by id.
type Store interface {
	Save(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
	Delete(ctx context.Context, id string) error
	// List returns snapshots ordered by creation time, then id.
	List(ctx context.Context) ([]*Snapshot, error)
	Close() error
}

// MemoryStore keeps snapshots in a map.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]*Snapshot)}
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.ID] = s.Clone()
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return s.Clone(), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[id]; !ok {
		return ErrSnapshotNotFound
	}
	delete(m.snapshots, id)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context) ([]*Snapshot, error) {
	m.mu.RLock()
	out := make([]*Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()
	sortSnapshots(out)
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

func sortSnapshots(list []*Snapshot) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// Prune deletes every snapshot in store created before now-age and returns
// the removed ids.
func Prune(ctx context.Context, store Store, age time.Duration, now time.Time) ([]string, error) {
	list, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-age)
	var removed []string
	for _, s := range list {
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		if err := store.Delete(ctx, s.ID); err != nil && !errors.Is(err, ErrSnapshotNotFound) {
			return removed, err
		}
		removed = append(removed, s.ID)
	}
	return removed, nil
}
