// Package task defines the value types shared by the installer and the executors:
// schedulable work, priority bands, statuses and results.
package task

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Priority is a dispatch band. Lower values dispatch first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// Priorities lists the bands in dispatch order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the known bands.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority converts "high", "normal" or "low".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is the lifecycle position of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// NoRetries disables retries for an InstallTask. A zero MaxRetries takes the
// installer default instead.
const NoRetries = -1

// InstallTask asks the installer to install packages into one environment.
type InstallTask struct {
	ID         string
	EnvID      string
	Packages   []string
	Priority   Priority
	DependsOn  []string
	Retries    int
	MaxRetries int
	Timeout    time.Duration
}

// Func is the callable payload of a generic task.
type Func func(ctx context.Context) (interface{}, error)

// Task is a generic unit of work for the executors.
type Task struct {
	ID         string
	Priority   Priority
	Run        Func
	DependsOn  []string
	MaxRetries int
	Timeout    time.Duration
}

// ItemResult is the outcome of one sub-item (for installs, one package).
type ItemResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the terminal outcome of a task.
type Result struct {
	TaskID    string        `json:"task_id"`
	Status    Status        `json:"status"`
	Success   bool          `json:"success"`
	Items     []ItemResult  `json:"items,omitempty"`
	Value     interface{}   `json:"value,omitempty"`
	Error     string        `json:"error,omitempty"`
	Err       error         `json:"-"`
	Attempts  int           `json:"attempts"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// Finish stamps the end time and duration and derives Status/Error from err.
func (r *Result) Finish(err error) {
	r.EndTime = time.Now()
	if !r.StartTime.IsZero() {
		r.Duration = r.EndTime.Sub(r.StartTime)
	}
	r.Err = err
	if err != nil {
		r.Success = false
		r.Error = err.Error()
		if r.Status == "" || !r.Status.Terminal() {
			r.Status = StatusFailed
		}
		return
	}
	r.Success = true
	r.Status = StatusCompleted
}

// Overlaps reports whether two result windows intersect in time.
func (r Result) Overlaps(other Result) bool {
	return r.StartTime.Before(other.EndTime) && other.StartTime.Before(r.EndTime)
}
