package engine

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an environment.
type Status string

const (
	StatusCreated         Status = "created"
	StatusActivating      Status = "activating"
	StatusActive          Status = "active"
	StatusDeactivating    Status = "deactivating"
	StatusInactive        Status = "inactive"
	StatusCleanupStart    Status = "cleanup_start"
	StatusCleanupComplete Status = "cleanup_complete"
	StatusError           Status = "error"
)

var transitions = map[Status][]Status{
	StatusCreated:         {StatusActivating, StatusCleanupStart, StatusError},
	StatusActivating:      {StatusActive, StatusError},
	StatusActive:          {StatusDeactivating, StatusError},
	StatusDeactivating:    {StatusInactive, StatusError},
	StatusInactive:        {StatusActivating, StatusCleanupStart, StatusError},
	StatusCleanupStart:    {StatusCleanupComplete, StatusError},
	StatusError:           {StatusCleanupStart},
	StatusCleanupComplete: nil,
}

// ErrInvalidTransition is wrapped by every rejected state change.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrInvalidState is returned when an operation is not allowed in the current state.
var ErrInvalidState = errors.New("operation not allowed in current state")

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCleanupComplete
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Transition is one recorded state change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// TransitionObserver is called after every state change of an environment.
// It runs synchronously and must not call back into the environment.
type TransitionObserver func(envID string, t Transition)

// ValidatePath checks that a recorded history is a connected walk through the
// state machine starting at created.
func ValidatePath(history []Transition) error {
	prev := StatusCreated
	for i, t := range history {
		if t.From != prev {
			return fmt.Errorf("transition %d starts at %s, expected %s", i, t.From, prev)
		}
		if !CanTransition(t.From, t.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
		}
		prev = t.To
	}
	return nil
}
