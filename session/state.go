package session

import (
	"fmt"
	"slices"
)

// Status is the lifecycle state of a live voice session.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusActive
	StatusError
	StatusStopped
)

var statusNames = map[Status]string{
	StatusIdle:       "idle",
	StatusConnecting: "connecting",
	StatusActive:     "active",
	StatusError:      "error",
	StatusStopped:    "stopped",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists every legal move of the lifecycle state machine.
var transitions = map[Status][]Status{
	StatusIdle:       {StatusConnecting},
	StatusConnecting: {StatusActive, StatusError, StatusStopped},
	StatusActive:     {StatusStopped, StatusError},
	StatusError:      {StatusStopped, StatusConnecting},
	StatusStopped:    {StatusConnecting},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// InvalidTransitionError is returned for a move the state machine forbids.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session: invalid transition %s -> %s", e.From, e.To)
}

// transition validates a move and returns the new status.
func transition(from, to Status) (Status, error) {
	if !from.CanTransition(to) {
		return from, &InvalidTransitionError{From: from, To: to}
	}
	return to, nil
}
