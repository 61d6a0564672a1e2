package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Table is a backend's local environment table.
type Table struct {
	mu   sync.RWMutex
	envs map[string]Environment
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{envs: make(map[string]Environment)}
}

// Add inserts env; duplicate ids are rejected.
func (t *Table) Add(env Environment) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.envs[env.ID()]; exists {
		return fmt.Errorf("environment %s already exists", env.ID())
	}
	t.envs[env.ID()] = env
	return nil
}

// Remove deletes id and reports whether it was present.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.envs[id]; !ok {
		return false
	}
	delete(t.envs, id)
	return true
}

// Get looks up id.
func (t *Table) Get(id string) (Environment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	env, ok := t.envs[id]
	return env, ok
}

// List returns every environment ordered by id.
func (t *Table) List() []Environment {
	t.mu.RLock()
	out := make([]Environment, 0, len(t.envs))
	for _, env := range t.envs {
		out = append(out, env)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of environments.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.envs)
}
