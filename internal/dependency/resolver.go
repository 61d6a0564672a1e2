// Package dependency builds a DAG from declared task dependencies, computes
// topological layers and detects cycles.
package dependency

import (
	"sort"
	"strings"
	"sync"

	"sandboxctl/internal/api"
)

// Resolver holds the dependency graph and the set of completed nodes.
// It is safe for concurrent use.
type Resolver struct {
	mu         sync.RWMutex
	deps       map[string][]string
	dependents map[string][]string
	completed  map[string]bool
}

// New builds a resolver from id -> dependency ids.
func New(graph map[string][]string) *Resolver {
	r := &Resolver{
		deps:       make(map[string][]string, len(graph)),
		dependents: make(map[string][]string),
		completed:  make(map[string]bool),
	}
	for id, deps := range graph {
		r.addLocked(id, deps)
	}
	return r
}

// Add inserts or replaces a node's dependency list.
func (r *Resolver) Add(id string, deps []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(id, deps)
}

func (r *Resolver) addLocked(id string, deps []string) {
	if old, ok := r.deps[id]; ok {
		for _, d := range old {
			r.dependents[d] = removeString(r.dependents[d], id)
		}
	}
	cleaned := dedupe(deps)
	r.deps[id] = cleaned
	for _, d := range cleaned {
		r.dependents[d] = append(r.dependents[d], id)
	}
}

// Has reports whether id is a known node.
func (r *Resolver) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.deps[id]
	return ok
}

// Dependencies returns a copy of id's declared dependencies.
func (r *Resolver) Dependencies(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.deps[id]...)
}

// Dependents returns the nodes that directly depend on id, sorted.
func (r *Resolver) Dependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.dependents[id]...)
	sort.Strings(out)
	return out
}

// MarkCompleted records that id finished. Completion is never inferred.
func (r *Resolver) MarkCompleted(id string) {
	r.mu.Lock()
	r.completed[id] = true
	r.mu.Unlock()
}

// IsCompleted reports whether id was marked complete.
func (r *Resolver) IsCompleted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.completed[id]
}

// ReadyTasks returns, in candidate order, the candidates whose dependencies are
// all marked complete. Completed candidates themselves are not returned.
func (r *Resolver) ReadyTasks(candidates []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ready []string
	for _, id := range candidates {
		if r.completed[id] {
			continue
		}
		if r.depsSatisfiedLocked(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (r *Resolver) depsSatisfiedLocked(id string) bool {
	for _, d := range r.deps[id] {
		if !r.completed[d] {
			return false
		}
	}
	return true
}

// ExecutionOrder returns the requested ids grouped into topological layers.
// Layer N+1 only contains nodes whose in-set dependencies all live in layers
// 0..N; ids within a layer are ascending. A dependency outside ids must already
// be completed. Cycles fail with an IntegrityError and no partial order.
func (r *Resolver) ExecutionOrder(ids []string) ([][]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		requested[id] = true
	}

	inDegree := make(map[string]int, len(requested))
	children := make(map[string][]string, len(requested))
	for id := range requested {
		inDegree[id] = 0
	}
	for id := range requested {
		for _, d := range r.deps[id] {
			if requested[d] {
				inDegree[id]++
				children[d] = append(children[d], id)
				continue
			}
			if !r.completed[d] {
				return nil, api.NewIntegrityError("execution order",
					"task %q depends on %q which is neither requested nor completed", id, d)
			}
		}
	}

	var current []string
	for id, deg := range inDegree {
		if deg == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	var layers [][]string
	placed := 0
	for len(current) > 0 {
		layers = append(layers, current)
		placed += len(current)

		var next []string
		for _, id := range current {
			for _, child := range children[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if placed != len(requested) {
		cycle := r.findCycleLocked(requested)
		return nil, api.NewIntegrityError("execution order", "dependency cycle detected: %s", strings.Join(cycle, " -> "))
	}
	return layers, nil
}

// Validate checks that the whole graph is acyclic and every dependency is a known node.
func (r *Resolver) Validate() error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.deps))
	for id, deps := range r.deps {
		ids = append(ids, id)
		for _, d := range deps {
			if _, ok := r.deps[d]; !ok && !r.completed[d] {
				r.mu.RUnlock()
				return api.NewIntegrityError("validate", "task %q depends on unknown task %q", id, d)
			}
		}
	}
	r.mu.RUnlock()
	_, err := r.ExecutionOrder(ids)
	return err
}

// findCycleLocked returns one cycle path within the requested subgraph, with the
// first node repeated at the end.
func (r *Resolver) findCycleLocked(requested map[string]bool) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(requested))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		deps := append([]string(nil), r.deps[id]...)
		sort.Strings(deps)
		for _, d := range deps {
			if !requested[d] {
				continue
			}
			switch color[d] {
			case grey:
				for i, s := range stack {
					if s == d {
						cycle = append(append([]string(nil), stack[i:]...), d)
						return true
					}
				}
			case white:
				if visit(d) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(requested))
	for id := range requested {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func removeString(values []string, target string) []string {
	out := values[:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}
