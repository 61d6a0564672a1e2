package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testLimits() Limits {
	return Limits{MaxWorkers: 2, MaxCPU: 80, MaxMemoryMB: 1024}
}

func TestMonitor_CanAdmit(t *testing.T) {
	tests := []struct {
		name   string
		active int
		cpu    float64
		mem    float64
		want   bool
	}{
		{name: "idle", want: true},
		{name: "one active", active: 1, want: true},
		{name: "at worker limit", active: 2, want: false},
		{name: "cpu at limit", cpu: 80, want: false},
		{name: "cpu below limit", cpu: 79.9, want: true},
		{name: "memory at limit", mem: 1024, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(testLimits())
			for i := 0; i < tt.active; i++ {
				m.Register()
			}
			m.UpdateUsage(tt.cpu, tt.mem)
			assert.Equal(t, tt.want, m.CanAdmit())
		})
	}
}

func TestMonitor_LatestSampleWins(t *testing.T) {
	m := NewMonitor(testLimits())
	m.UpdateUsage(95, 10)
	assert.False(t, m.CanAdmit())

	m.UpdateUsage(10, 10)
	assert.True(t, m.CanAdmit())
	assert.Equal(t, 10.0, m.Stats().Sample.CPUPercent)
}

func TestMonitor_UnregisterNeverNegative(t *testing.T) {
	m := NewMonitor(testLimits())
	m.Unregister()
	assert.Equal(t, 0, m.Active())
}

func TestMonitor_ConcurrentRegister(t *testing.T) {
	m := NewMonitor(Limits{MaxWorkers: 1000, MaxCPU: 100, MaxMemoryMB: 100})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Register()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, m.Active())

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Unregister()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Active())
}

func TestMonitor_Watch(t *testing.T) {
	m := NewMonitor(testLimits())
	var calls int32
	source := UsageSourceFunc(func(ctx context.Context) (float64, float64, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return 0, 0, errors.New("sampler unavailable")
		}
		return 42, 256, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, source, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return m.Stats().Sample.CPUPercent == 42
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 256.0, m.Stats().Sample.MemoryMB)
}
