// Package registry keeps the table of isolation engines: their priority,
// dependencies and features, and a lazily built singleton per engine.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"sandboxctl/internal/api"
	"sandboxctl/internal/engine"
	"sandboxctl/pkg/logging"
)

// Factory builds an engine instance.
type Factory func() (engine.Engine, error)

// Descriptor describes a registrable engine. Lower Priority is preferred.
type Descriptor struct {
	Name         string
	Priority     int
	Dependencies []string
	Features     []string
	Factory      Factory

	seq int
}

// HasFeatures reports whether the descriptor advertises every feature in want.
func (d Descriptor) HasFeatures(want ...string) bool {
	for _, w := range want {
		found := false
		for _, f := range d.Features {
			if f == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (d Descriptor) clone() Descriptor {
	d.Dependencies = append([]string(nil), d.Dependencies...)
	d.Features = append([]string(nil), d.Features...)
	return d
}

// Registry is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	instances   map[string]engine.Engine
	nextSeq     int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		instances:   make(map[string]engine.Engine),
	}
}

// Register adds an engine descriptor. Every dependency must already be
// registered, so the descriptor set stays acyclic. A rejected descriptor
// leaves the registry unchanged.
func (r *Registry) Register(d Descriptor) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return api.NewConfigurationError("register_engine", "engine name is required")
	}
	if d.Factory == nil {
		return api.NewConfigurationError("register_engine", "engine %s has no factory", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[d.Name]; exists {
		return api.NewConfigurationError("register_engine", "engine %s is already registered", d.Name)
	}
	seen := make(map[string]bool, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		if dep == d.Name {
			return api.NewConfigurationError("register_engine", "engine %s depends on itself", d.Name)
		}
		if _, ok := r.descriptors[dep]; !ok {
			return api.NewConfigurationError("register_engine", "engine %s depends on unknown engine %s", d.Name, dep)
		}
		if seen[dep] {
			return api.NewConfigurationError("register_engine", "engine %s lists dependency %s twice", d.Name, dep)
		}
		seen[dep] = true
	}

	d = d.clone()
	d.seq = r.nextSeq
	r.nextSeq++
	r.descriptors[d.Name] = d

	logging.Info("Registry", "Registered engine %s (priority %d, deps %v)", d.Name, d.Priority, d.Dependencies)
	return nil
}

// Unregister removes a descriptor and drops its instance. It is rejected while
// another engine depends on name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.descriptors[name]; !ok {
		return api.NewConfigurationError("unregister_engine", "engine %s is not registered", name)
	}
	var dependents []string
	for _, d := range r.descriptors {
		for _, dep := range d.Dependencies {
			if dep == name {
				dependents = append(dependents, d.Name)
			}
		}
	}
	if len(dependents) > 0 {
		sort.Strings(dependents)
		return api.NewConfigurationError("unregister_engine", "engine %s is required by %s", name, strings.Join(dependents, ", "))
	}

	delete(r.descriptors, name)
	delete(r.instances, name)
	logging.Info("Registry", "Unregistered engine %s", name)
	return nil
}

// Descriptor returns a copy of the named descriptor.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.descriptors[name]
	return ok
}

// List returns all descriptors by priority, then registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []Descriptor {
	list := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		list = append(list, d.clone())
	}
	sortDescriptors(list)
	return list
}

func sortDescriptors(list []Descriptor) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
}

// WithFeatures returns the descriptors advertising all of features, in List order.
func (r *Registry) WithFeatures(features ...string) []Descriptor {
	var out []Descriptor
	for _, d := range r.List() {
		if d.HasFeatures(features...) {
			out = append(out, d)
		}
	}
	return out
}

// DependencyGraph returns name -> dependency names.
func (r *Registry) DependencyGraph() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	graph := make(map[string][]string, len(r.descriptors))
	for name, d := range r.descriptors {
		graph[name] = append([]string{}, d.Dependencies...)
	}
	return graph
}

// LoadOrder returns engine names so that every engine follows its
// dependencies. Among engines ready at the same time, lower priority comes
// first, then earlier registration.
func (r *Registry) LoadOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadOrderLocked()
}

func (r *Registry) loadOrderLocked() ([]string, error) {
	inDegree := make(map[string]int, len(r.descriptors))
	dependents := make(map[string][]string)
	for name, d := range r.descriptors {
		inDegree[name] = len(d.Dependencies)
		for _, dep := range d.Dependencies {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []Descriptor
	for name, n := range inDegree {
		if n == 0 {
			ready = append(ready, r.descriptors[name])
		}
	}

	order := make([]string, 0, len(r.descriptors))
	for len(ready) > 0 {
		sortDescriptors(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next.Name)
		for _, child := range dependents[next.Name] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, r.descriptors[child])
			}
		}
	}

	if len(order) != len(r.descriptors) {
		return nil, api.NewIntegrityError("load_order", "engine dependency graph contains a cycle")
	}
	return order, nil
}

// Create returns the engine singleton for name, building it and its
// dependencies on first use. Factories run without the registry lock held;
// when two callers race, the first stored instance wins.
func (r *Registry) Create(name string) (engine.Engine, error) {
	return r.create(name, map[string]bool{})
}

func (r *Registry) create(name string, visiting map[string]bool) (engine.Engine, error) {
	r.mu.RLock()
	inst, built := r.instances[name]
	d, ok := r.descriptors[name]
	r.mu.RUnlock()
	if built {
		return inst, nil
	}
	if !ok {
		return nil, api.NewConfigurationError("create_engine", "engine %s is not registered", name)
	}
	if visiting[name] {
		return nil, api.NewIntegrityError("create_engine", "engine %s depends on itself transitively", name)
	}
	visiting[name] = true

	for _, dep := range d.Dependencies {
		if _, err := r.create(dep, visiting); err != nil {
			return nil, fmt.Errorf("dependency %s of engine %s: %w", dep, name, err)
		}
	}

	inst, err := d.Factory()
	if err != nil {
		logging.Error("Registry", err, "Failed to create engine %s", name)
		return nil, fmt.Errorf("failed to create engine %s: %w", name, err)
	}
	if inst == nil {
		return nil, api.NewConfigurationError("create_engine", "factory for engine %s returned nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[name]; ok {
		return existing, nil
	}
	if _, ok := r.descriptors[name]; !ok {
		return nil, api.NewConfigurationError("create_engine", "engine %s was unregistered while being created", name)
	}
	r.instances[name] = inst
	logging.Debug("Registry", "Created engine %s", name)
	return inst, nil
}

// Instance returns the engine for name if it has been created.
func (r *Registry) Instance(name string) (engine.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}

// Instances returns the created engines in load order.
func (r *Registry) Instances() []engine.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, err := r.loadOrderLocked()
	if err != nil {
		return nil
	}
	var out []engine.Engine
	for _, name := range order {
		if inst, ok := r.instances[name]; ok {
			out = append(out, inst)
		}
	}
	return out
}

// Destroy drops the singleton for name. Calling it again, or for an engine
// never created, is a no-op.
func (r *Registry) Destroy(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	if !ok {
		return
	}
	if n := len(inst.Environments()); n > 0 {
		logging.Warn("Registry", "Destroying engine %s with %d live environments", name, n)
	}
	delete(r.instances, name)
	logging.Debug("Registry", "Destroyed engine %s", name)
}
