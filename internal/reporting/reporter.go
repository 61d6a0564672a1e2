// Package reporting turns lifecycle transitions and task outcomes into
// progress updates for the console.
package reporting

import (
	"fmt"
	"time"

	"sandboxctl/internal/engine"
	"sandboxctl/internal/task"
)

// SourceType indicates the kind of component sending the update.
type SourceType string

const (
	SourceEnvironment SourceType = "Environment"
	SourceInstall     SourceType = "Install"
	SourceTask        SourceType = "Task"
)

// String makes SourceType satisfy the fmt.Stringer interface.
func (st SourceType) String() string {
	return string(st)
}

// Update carries one state change of an environment, install or task.
type Update struct {
	Timestamp time.Time
	Source    SourceType
	// Label identifies the instance, an environment id or a task id.
	Label   string
	State   string
	Message string
	Err     error
}

// String provides a simple string representation for debugging the update itself.
func (u Update) String() string {
	return fmt.Sprintf("Update(TS: %s, Source: %s-%s, State: %s, Msg: '%s', Err: %v)",
		u.Timestamp.Format(time.RFC3339), u.Source, u.Label, u.State, u.Message, u.Err)
}

// Reporter receives updates. Implementations must be safe for concurrent use.
type Reporter interface {
	Report(update Update)
}

// Nop discards every update.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(Update) {}

// EnvironmentUpdate converts a lifecycle transition.
func EnvironmentUpdate(envID string, t engine.Transition) Update {
	u := Update{
		Timestamp: t.At,
		Source:    SourceEnvironment,
		Label:     envID,
		State:     string(t.To),
		Message:   t.Reason,
	}
	if t.To == engine.StatusError && t.Reason != "" {
		u.Err = fmt.Errorf("%s", t.Reason)
	}
	return u
}

// TaskUpdate converts a finished task result.
func TaskUpdate(source SourceType, r task.Result) Update {
	u := Update{
		Timestamp: r.EndTime,
		Source:    source,
		Label:     r.TaskID,
		State:     string(r.Status),
		Message:   fmt.Sprintf("%d attempt(s) in %s", r.Attempts, r.Duration.Round(time.Millisecond)),
	}
	if !r.Success {
		u.Err = r.Err
		if u.Err == nil && r.Error != "" {
			u.Err = fmt.Errorf("%s", r.Error)
		}
	}
	return u
}
