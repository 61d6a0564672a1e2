package isolation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sandboxctl/internal/api"
	"sandboxctl/internal/engine"
	"sandboxctl/internal/engine/container"
	"sandboxctl/internal/registry"
	"sandboxctl/internal/snapshot"
	"sandboxctl/pkg/logging"
)

// Isolation levels. Each names a registered engine.
const (
	LevelFilesystem = "filesystem"
	LevelRuntime    = "runtime"
	LevelContainer  = "container"
)

// ErrEnvironmentNotFound is returned for ids not in the active table.
var ErrEnvironmentNotFound = errors.New("environment not found")

func notFound(op, id string) error {
	return &api.Error{Kind: api.KindIntegrity, Op: op, Message: id, Err: ErrEnvironmentNotFound}
}

// Requirements drive automatic level selection.
type Requirements struct {
	ContainerRequired bool     `json:"container_required,omitempty" yaml:"container_required"`
	NetworkIsolation  bool     `json:"network_isolation,omitempty" yaml:"network_isolation"`
	RuntimeIsolation  bool     `json:"runtime_isolation,omitempty" yaml:"runtime_isolation"`
	Features          []string `json:"features,omitempty" yaml:"features"`
}

// features returns the engine features implied by r.
func (r Requirements) features() []string {
	out := append([]string(nil), r.Features...)
	if r.NetworkIsolation {
		out = append(out, engine.FeatureNetworkIsolation)
	}
	if r.RuntimeIsolation {
		out = append(out, engine.FeatureRuntimeIsolation)
	}
	return out
}

// CreateRequest describes a new environment. An empty Path places it under
// the manager's base directory; an empty Level auto-selects from Requirements.
type CreateRequest struct {
	Path           string            `json:"path,omitempty"`
	Level          string            `json:"level,omitempty"`
	Requirements   Requirements      `json:"requirements"`
	Config         map[string]string `json:"config,omitempty"`
	SkipActivation bool              `json:"skip_activation,omitempty"`
}

// Options configure a Manager.
type Options struct {
	MaxEnvironments    int
	DefaultLevel       string
	BaseDir            string
	CleanupConcurrency int
	Store              snapshot.Store
	// Observer receives every environment state transition.
	Observer engine.TransitionObserver
	Now      func() time.Time
}

type entry struct {
	env    engine.Environment
	engine engine.Engine
}

// Manager owns the active environment table and the snapshot store.
type Manager struct {
	registry *registry.Registry
	opts     Options
	store    snapshot.Store

	mu       sync.RWMutex
	envs     map[string]entry
	reserved int
	// inflight counts creations and cleanups per id. While one runs, the
	// engine and manager tables may legitimately disagree about that id.
	inflight map[string]int
}

// NewManager creates a manager over the engines in reg.
func NewManager(reg *registry.Registry, opts Options) *Manager {
	if opts.DefaultLevel == "" {
		opts.DefaultLevel = LevelFilesystem
	}
	if opts.CleanupConcurrency <= 0 {
		opts.CleanupConcurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	store := opts.Store
	if store == nil {
		store = snapshot.NewMemoryStore()
	}
	return &Manager{
		registry: reg,
		opts:     opts,
		store:    store,
		envs:     make(map[string]entry),
		inflight: make(map[string]int),
	}
}

// NewEnvironmentID returns env-<unix nanos>-<8 hex chars>.
func NewEnvironmentID() string {
	return fmt.Sprintf("env-%d-%s", time.Now().UnixNano(), strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

// AutoSelectLevel maps requirements to an engine name. A preferred engine
// that is unregistered or lacks a required feature falls back to the most
// preferred engine with every feature, then to the configured default.
func (m *Manager) AutoSelectLevel(req Requirements) string {
	preferred := LevelFilesystem
	switch {
	case req.ContainerRequired || req.NetworkIsolation:
		preferred = LevelContainer
	case req.RuntimeIsolation:
		preferred = LevelRuntime
	}

	want := req.features()
	if d, ok := m.registry.Descriptor(preferred); ok && d.HasFeatures(want...) {
		return preferred
	}
	if candidates := m.registry.WithFeatures(want...); len(candidates) > 0 {
		logging.Debug("IsolationManager", "Engine %s unavailable for %v, falling back to %s", preferred, want, candidates[0].Name)
		return candidates[0].Name
	}
	logging.Warn("IsolationManager", "No engine supports %v, using default %s", want, m.opts.DefaultLevel)
	return m.opts.DefaultLevel
}

func (m *Manager) resolveLevel(req CreateRequest) (string, error) {
	level := req.Level
	if level == "" {
		level = m.AutoSelectLevel(req.Requirements)
	}
	if !m.registry.Has(level) {
		return "", api.NewConfigurationError("create_environment", "unknown isolation level %q", level)
	}
	return level, nil
}

// reservation holds a slot below the environment ceiling until it is
// either committed to the table or released.
type reservation struct {
	m    *Manager
	id   string
	done bool
}

func (m *Manager) reserve(op string, enforce bool) (*reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enforce && m.opts.MaxEnvironments > 0 && len(m.envs)+m.reserved >= m.opts.MaxEnvironments {
		return nil, api.NewResourceExhaustedError(op, "maximum number of environments (%d) reached", m.opts.MaxEnvironments)
	}
	m.reserved++
	return &reservation{m: m}, nil
}

// claim marks id as being created until the slot is committed or released.
func (r *reservation) claim(id string) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.id = id
	r.m.inflight[id]++
}

func (r *reservation) commit(id string, e entry) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.envs[id] = e
	r.finishLocked()
}

func (r *reservation) release() {
	if r.done {
		return
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.finishLocked()
}

func (r *reservation) finishLocked() {
	r.m.reserved--
	if r.id != "" {
		r.m.settleLocked(r.id)
	}
	r.done = true
}

func (m *Manager) settleLocked(id string) {
	if m.inflight[id]--; m.inflight[id] <= 0 {
		delete(m.inflight, id)
	}
}

// engineConfig returns req.Config with the requirements the backend has to
// enforce itself folded in.
func engineConfig(req CreateRequest) map[string]string {
	out := make(map[string]string, len(req.Config)+1)
	for k, v := range req.Config {
		out[k] = v
	}
	if req.Requirements.NetworkIsolation {
		out[container.ConfigNetworkIsolation] = "true"
	}
	return out
}

// CreateEnvironment creates, registers and (unless skipped) activates an
// environment. At capacity it fails with ResourceExhausted and changes nothing.
func (m *Manager) CreateEnvironment(ctx context.Context, req CreateRequest) (engine.Environment, error) {
	return m.createEnvironment(ctx, req, true)
}

func (m *Manager) createEnvironment(ctx context.Context, req CreateRequest, enforceLimit bool) (engine.Environment, error) {
	level, err := m.resolveLevel(req)
	if err != nil {
		return nil, err
	}
	slot, err := m.reserve("create_environment", enforceLimit)
	if err != nil {
		return nil, err
	}
	defer slot.release()

	eng, err := m.registry.Create(level)
	if err != nil {
		return nil, err
	}

	id := NewEnvironmentID()
	slot.claim(id)
	path := req.Path
	if path == "" {
		path = filepath.Join(m.opts.BaseDir, id)
	}

	env, err := eng.CreateIsolation(ctx, path, id, engineConfig(req))
	if err != nil {
		logging.Error("IsolationManager", err, "Failed to create %s environment at %s", level, path)
		return nil, err
	}
	if m.opts.Observer != nil {
		env.SetTransitionObserver(m.opts.Observer)
	}

	slot.commit(id, entry{env: env, engine: eng})

	if !req.SkipActivation {
		if err := env.Activate(ctx); err != nil {
			logging.Error("IsolationManager", err, "Failed to activate environment %s", id)
			if cerr := m.cleanup(ctx, id); cerr != nil {
				return nil, fmt.Errorf("activation failed: %w (cleanup also failed: %v)", err, cerr)
			}
			return nil, err
		}
	}

	logging.Info("IsolationManager", "Created environment %s (%s) at %s", id, level, path)
	return env, nil
}

// GetEnvironment returns the active environment with id.
func (m *Manager) GetEnvironment(id string) (engine.Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.envs[id]
	if !ok {
		return nil, notFound("get_environment", id)
	}
	return e.env, nil
}

// ListEnvironments returns every environment by creation time.
func (m *Manager) ListEnvironments() []engine.Environment {
	m.mu.RLock()
	list := make([]engine.Environment, 0, len(m.envs))
	for _, e := range m.envs {
		list = append(list, e.env)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		ci, cj := list[i].Info().CreatedAt, list[j].Info().CreatedAt
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return list[i].ID() < list[j].ID()
	})
	return list
}

// Count returns the number of environments in the active table.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.envs)
}

// CleanupEnvironment deactivates an active environment and asks its engine to
// remove it. If the engine fails, the environment stays registered in error.
func (m *Manager) CleanupEnvironment(ctx context.Context, id string) error {
	return m.cleanup(ctx, id)
}

func (m *Manager) cleanup(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.envs[id]
	if ok {
		m.inflight[id]++
	}
	m.mu.Unlock()
	if !ok {
		return notFound("cleanup_environment", id)
	}
	defer func() {
		m.mu.Lock()
		m.settleLocked(id)
		m.mu.Unlock()
	}()

	if e.env.Status() == engine.StatusActive {
		if err := e.env.Deactivate(ctx); err != nil {
			logging.Warn("IsolationManager", "Deactivation of %s failed, cleaning up anyway: %v", id, err)
		}
	}

	if err := e.engine.CleanupIsolation(ctx, e.env); err != nil {
		logging.Error("IsolationManager", err, "Failed to clean up environment %s", id)
		return fmt.Errorf("failed to clean up environment %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.envs, id)
	m.mu.Unlock()
	logging.Info("IsolationManager", "Cleaned up environment %s", id)
	return nil
}

// CleanupAll cleans every environment in parallel and returns the first failure.
func (m *Manager) CleanupAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(m.opts.CleanupConcurrency)
	for _, env := range m.ListEnvironments() {
		id := env.ID()
		g.Go(func() error {
			return m.cleanup(ctx, id)
		})
	}
	return g.Wait()
}

// CheckConsistency verifies that the active table and the engines' tables
// hold exactly the same environments. Ids with a creation or cleanup in
// progress are skipped.
func (m *Manager) CheckConsistency() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var problems []string
	for id, e := range m.envs {
		if m.inflight[id] > 0 {
			continue
		}
		owned, ok := e.engine.Lookup(id)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s missing from engine %s", id, e.engine.Name()))
			continue
		}
		if owned != e.env {
			problems = append(problems, fmt.Sprintf("%s differs between manager and engine %s", id, e.engine.Name()))
		}
	}
	for _, eng := range m.registry.Instances() {
		for _, env := range eng.Environments() {
			if _, ok := m.envs[env.ID()]; !ok && m.inflight[env.ID()] == 0 {
				problems = append(problems, fmt.Sprintf("%s in engine %s is not tracked by the manager", env.ID(), eng.Name()))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return api.NewIntegrityError("check_consistency", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// Store returns the snapshot store.
func (m *Manager) Store() snapshot.Store { return m.store }

func (m *Manager) lookup(op, id string) (entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.envs[id]
	if !ok {
		return entry{}, notFound(op, id)
	}
	return e, nil
}
