// Package resource tracks concurrency, CPU and memory usage and answers
// admission questions for worker pools.
package resource

import (
	"context"
	"sync"
	"time"

	"sandboxctl/pkg/logging"
)

// Sample is the latest observed resource usage. Only the most recent sample is kept.
type Sample struct {
	CPUPercent float64   `json:"cpu_percent" yaml:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb" yaml:"memory_mb"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
}

// Limits are the admission thresholds.
type Limits struct {
	MaxWorkers  int
	MaxCPU      float64
	MaxMemoryMB float64
}

// Stats is a point-in-time copy of the monitor's bookkeeping.
type Stats struct {
	Limits Limits
	Active int
	Sample Sample
}

// UsageSource reports current system usage. Implementations may block briefly.
type UsageSource interface {
	Usage(ctx context.Context) (cpuPercent, memoryMB float64, err error)
}

// UsageSourceFunc adapts a function to UsageSource.
type UsageSourceFunc func(ctx context.Context) (float64, float64, error)

// Usage implements UsageSource.
func (f UsageSourceFunc) Usage(ctx context.Context) (float64, float64, error) {
	return f(ctx)
}

// Monitor is pure bookkeeping guarded by a single lock. It never blocks callers
// and never errors; callers poll CanAdmit.
type Monitor struct {
	mu     sync.Mutex
	limits Limits
	active int
	sample Sample
}

// NewMonitor creates a monitor with the given limits.
func NewMonitor(limits Limits) *Monitor {
	return &Monitor{limits: limits}
}

// Register records one more active worker.
func (m *Monitor) Register() {
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
}

// Unregister records one fewer active worker. The count never goes below zero.
func (m *Monitor) Unregister() {
	m.mu.Lock()
	if m.active > 0 {
		m.active--
	}
	m.mu.Unlock()
}

// UpdateUsage overwrites the last sample.
func (m *Monitor) UpdateUsage(cpuPercent, memoryMB float64) {
	m.mu.Lock()
	m.sample = Sample{CPUPercent: cpuPercent, MemoryMB: memoryMB, Timestamp: time.Now()}
	m.mu.Unlock()
}

// CanAdmit is true iff active < MaxWorkers, cpu < MaxCPU and memory < MaxMemoryMB.
func (m *Monitor) CanAdmit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active < m.limits.MaxWorkers &&
		m.sample.CPUPercent < m.limits.MaxCPU &&
		m.sample.MemoryMB < m.limits.MaxMemoryMB
}

// Active returns the current active count.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Stats returns a copy of the monitor state.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Limits: m.limits, Active: m.active, Sample: m.sample}
}

// Watch polls source every interval and feeds UpdateUsage until ctx is done.
// Sampling errors are logged and the previous sample is kept.
func (m *Monitor) Watch(ctx context.Context, source UsageSource, interval time.Duration) {
	if source == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cpu, mem, err := source.Usage(ctx)
		if err != nil {
			logging.Warn("ResourceMonitor", "usage sampling failed: %v", err)
		} else {
			m.UpdateUsage(cpu, mem)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
