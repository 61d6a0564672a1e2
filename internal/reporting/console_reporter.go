package reporting

import (
	"errors"
	"sort"
	"sync"
	"time"

	"sandboxctl/internal/engine"
	"sandboxctl/internal/task"
	"sandboxctl/pkg/logging"
)

// ConsoleReporter logs updates through pkg/logging and remembers the last
// state of every label. Repeated states are not logged again.
type ConsoleReporter struct {
	mu     sync.Mutex
	states map[string]Update
}

// NewConsoleReporter creates a new ConsoleReporter
func NewConsoleReporter() *ConsoleReporter {
	return &ConsoleReporter{states: make(map[string]Update)}
}

// Report logs the update when it changes the label's state or carries an error.
func (c *ConsoleReporter) Report(update Update) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}

	key := string(update.Source) + "/" + update.Label
	c.mu.Lock()
	prev, seen := c.states[key]
	c.states[key] = update
	c.mu.Unlock()

	if seen && prev.State == update.State && update.Err == nil {
		return
	}

	subsystem := string(update.Source)
	if update.Label != "" {
		subsystem = string(update.Source) + "-" + update.Label
	}
	logMessage := "State: " + update.State
	if update.Message != "" {
		logMessage += ", " + update.Message
	}

	switch update.State {
	case string(engine.StatusError), string(task.StatusFailed):
		err := update.Err
		if err == nil {
			err = errors.New(update.State)
		}
		logging.Error(subsystem, err, "%s", logMessage)
	case string(task.StatusCancelled), string(task.StatusSkipped):
		logging.Warn(subsystem, "%s", logMessage)
	case string(engine.StatusActive), string(engine.StatusCleanupComplete), string(task.StatusCompleted):
		logging.Info(subsystem, "%s", logMessage)
	default:
		logging.Debug(subsystem, "%s", logMessage)
	}
}

// States returns the last update per source and label, ordered by time.
func (c *ConsoleReporter) States() []Update {
	c.mu.Lock()
	out := make([]Update, 0, len(c.states))
	for _, u := range c.states {
		out = append(out, u)
	}
	c.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
