package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sandboxctl/internal/snapshot"
	"sandboxctl/pkg/logging"
)

// Base carries the state every backend shares. Backends embed *Base and add
// their own fields.
type Base struct {
	mu sync.RWMutex

	id      string
	path    string
	backend string

	status    Status
	history   []Transition
	observer  TransitionObserver
	lastError error

	config         map[string]string
	ports          map[int]struct{}
	packages       map[string]Package
	usage          snapshot.ResourceUsage
	parentSnapshot string

	createdAt     time.Time
	activatedAt   *time.Time
	deactivatedAt *time.Time

	allocator *PortAllocator
}

// NewBase creates the shared state for an environment in the created state.
func NewBase(id, path, backend string, config map[string]string, allocator *PortAllocator) *Base {
	if allocator == nil {
		allocator = NewPortAllocator(40000, 1000)
	}
	return &Base{
		id:        id,
		path:      path,
		backend:   backend,
		status:    StatusCreated,
		config:    copyConfig(config),
		ports:     make(map[int]struct{}),
		packages:  make(map[string]Package),
		createdAt: time.Now(),
		allocator: allocator,
	}
}

func copyConfig(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ID returns the environment id.
func (b *Base) ID() string { return b.id }

// Path returns the environment root.
func (b *Base) Path() string { return b.path }

// Backend returns the owning engine name.
func (b *Base) Backend() string { return b.backend }

// Status returns the current lifecycle state.
func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Config returns a copy of the configuration map.
func (b *Base) Config() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copyConfig(b.config)
}

// ConfigValue returns one configuration entry or def.
func (b *Base) ConfigValue(key, def string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.config[key]; ok && v != "" {
		return v
	}
	return def
}

// MergeConfig overlays values onto the configuration.
func (b *Base) MergeConfig(values map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range values {
		b.config[k] = v
	}
}

// Info returns a value copy of the observable state.
func (b *Base) Info() Info {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info := Info{
		ID:             b.id,
		Path:           b.path,
		Backend:        b.backend,
		Status:         b.status,
		Config:         copyConfig(b.config),
		AllocatedPorts: b.sortedPortsLocked(),
		Packages:       b.packageSpecsLocked(),
		CreatedAt:      b.createdAt,
		ParentSnapshot: b.parentSnapshot,
	}
	if b.activatedAt != nil {
		t := *b.activatedAt
		info.ActivatedAt = &t
	}
	if b.deactivatedAt != nil {
		t := *b.deactivatedAt
		info.DeactivatedAt = &t
	}
	if b.lastError != nil {
		info.LastError = b.lastError.Error()
	}
	return info
}

// History returns a copy of the recorded transitions.
func (b *Base) History() []Transition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Transition(nil), b.history...)
}

// SetTransitionObserver installs obs; nil removes it.
func (b *Base) SetTransitionObserver(obs TransitionObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = obs
}

// SetParentSnapshot records the snapshot this environment was restored from.
func (b *Base) SetParentSnapshot(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parentSnapshot = id
}

// Transition moves the environment to next. Invalid transitions are rejected
// and leave the state unchanged.
func (b *Base) Transition(next Status, reason string) error {
	b.mu.Lock()
	from := b.status
	if !CanTransition(from, next) {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s for environment %s", ErrInvalidTransition, from, next, b.id)
	}
	t := Transition{From: from, To: next, At: time.Now(), Reason: reason}
	b.status = next
	b.history = append(b.history, t)
	now := t.At
	switch next {
	case StatusActive:
		b.activatedAt = &now
	case StatusInactive:
		b.deactivatedAt = &now
	}
	obs := b.observer
	b.mu.Unlock()

	logging.Debug("Environment", "Environment %s state changed: %s -> %s", b.id, from, next)
	if obs != nil {
		obs(b.id, t)
	}
	return nil
}

// MarkError moves the environment to the error state. It is a no-op for
// environments already in error or cleaned up.
func (b *Base) MarkError(err error) {
	b.mu.Lock()
	b.lastError = err
	cur := b.status
	b.mu.Unlock()

	if cur == StatusError || cur.Terminal() {
		return
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if terr := b.Transition(StatusError, reason); terr != nil {
		logging.Error("Environment", terr, "Failed to mark environment %s as failed", b.id)
	}
}

// Fail logs err against the environment, moves it to error and returns err.
func (b *Base) Fail(op string, err error) error {
	logging.Error("Environment", err, "%s failed for environment %s (backend %s)", op, b.id, b.backend)
	b.MarkError(err)
	return err
}

// Require returns ErrInvalidState unless the environment is in one of allowed.
func (b *Base) Require(op string, allowed ...Status) error {
	cur := b.Status()
	for _, s := range allowed {
		if cur == s {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s environment %s in state %s", ErrInvalidState, op, b.id, cur)
}

// RunActivate drives created/inactive -> activating -> active around fn.
func (b *Base) RunActivate(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Transition(StatusActivating, "activate"); err != nil {
		return err
	}
	if fn != nil {
		if err := fn(ctx); err != nil {
			return b.Fail("activate", err)
		}
	}
	return b.Transition(StatusActive, "")
}

// RunDeactivate drives active -> deactivating -> inactive around fn.
func (b *Base) RunDeactivate(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Transition(StatusDeactivating, "deactivate"); err != nil {
		return err
	}
	if fn != nil {
		if err := fn(ctx); err != nil {
			return b.Fail("deactivate", err)
		}
	}
	return b.Transition(StatusInactive, "")
}

// RunCleanup drives cleanup_start -> cleanup_complete around fn and releases
// any ports still held.
func (b *Base) RunCleanup(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Transition(StatusCleanupStart, "cleanup"); err != nil {
		return err
	}
	if fn != nil {
		if err := fn(ctx); err != nil {
			return b.Fail("cleanup", err)
		}
	}
	b.ReleaseAllPorts()
	return b.Transition(StatusCleanupComplete, "")
}

// AllocatePort reserves a free port for this environment.
func (b *Base) AllocatePort() (int, error) {
	port, err := b.allocator.Allocate(b.id)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.ports[port] = struct{}{}
	b.mu.Unlock()
	return port, nil
}

// ReleasePort returns a port to the pool.
func (b *Base) ReleasePort(port int) error {
	b.mu.Lock()
	if _, ok := b.ports[port]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("port %d is not allocated to environment %s", port, b.id)
	}
	delete(b.ports, port)
	b.mu.Unlock()
	return b.allocator.Release(b.id, port)
}

// AllocatedPorts returns the held ports in ascending order.
func (b *Base) AllocatedPorts() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sortedPortsLocked()
}

func (b *Base) sortedPortsLocked() []int {
	out := make([]int, 0, len(b.ports))
	for p := range b.ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// ReleaseAllPorts releases every held port, warning about each leaked one.
func (b *Base) ReleaseAllPorts() int {
	leaked := b.AllocatedPorts()
	for _, p := range leaked {
		logging.Warn("Environment", "Port %d still allocated to environment %s at cleanup, releasing", p, b.id)
		if err := b.ReleasePort(p); err != nil {
			logging.Error("Environment", err, "Failed to release port %d", p)
		}
	}
	return len(leaked)
}

// RecordPackage adds pkg to the installed set.
func (b *Base) RecordPackage(pkg Package) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packages[pkg.Name] = pkg
}

// ForgetPackage removes a package by name and reports whether it was present.
func (b *Base) ForgetPackage(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.packages[name]; !ok {
		return false
	}
	delete(b.packages, name)
	return true
}

// HasPackage reports whether a package is installed.
func (b *Base) HasPackage(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.packages[name]
	return ok
}

// Packages returns the installed packages sorted by name.
func (b *Base) Packages() []Package {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Package, 0, len(b.packages))
	for _, p := range b.packages {
		out = append(out, p)
	}
	SortPackages(out)
	return out
}

func (b *Base) packageSpecsLocked() []string {
	out := make([]string, 0, len(b.packages))
	for _, p := range b.packages {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

// PackageSpecs returns the installed packages as sorted spec strings.
func (b *Base) PackageSpecs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.packageSpecsLocked()
}

// SetUsage stores the latest resource sample.
func (b *Base) SetUsage(u snapshot.ResourceUsage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usage = u
}

// Usage returns the latest resource sample.
func (b *Base) Usage() snapshot.ResourceUsage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.usage
}

// NewSnapshot builds a sealed snapshot record of the generic state plus payload.
func (b *Base) NewSnapshot(payload json.RawMessage) (*snapshot.Snapshot, error) {
	b.mu.RLock()
	snap := &snapshot.Snapshot{
		ID:             uuid.New().String(),
		EnvID:          b.id,
		Path:           b.path,
		Backend:        b.backend,
		Status:         string(b.status),
		CreatedAt:      time.Now(),
		Config:         copyConfig(b.config),
		ResourceUsage:  b.usage,
		AllocatedPorts: b.sortedPortsLocked(),
		Packages:       b.packageSpecsLocked(),
		BackendPayload: payload,
	}
	b.mu.RUnlock()

	if err := snap.Seal(); err != nil {
		return nil, err
	}
	return snap, nil
}
