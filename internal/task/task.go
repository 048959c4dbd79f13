package task

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a top-level task kind
type Type string

const (
	TypeMultiTableBackup Type = "MultiTableBackup"
	TypeRestoreBackup    Type = "RestoreBackup"
	TypeDeleteBackup     Type = "DeleteBackup"
	TypeUpgradeSoftware  Type = "UpgradeSoftware"
	TypeUpgradeGFlags    Type = "UpgradeGFlags"
	TypeRestartUniverse  Type = "RestartUniverse"
)

// AllTypes is the closed set of task types the executor must know how to plan
var AllTypes = []Type{
	TypeMultiTableBackup,
	TypeRestoreBackup,
	TypeDeleteBackup,
	TypeUpgradeSoftware,
	TypeUpgradeGFlags,
	TypeRestartUniverse,
}

// State represents the lifecycle state of a task
type State string

const (
	StateCreated State = "Created"
	StateRunning State = "Running"
	StateSuccess State = "Success"
	StateFailure State = "Failure"
	StateAborted State = "Aborted"
)

var transitions = map[State][]State{
	StateCreated: {StateRunning, StateFailure},
	StateRunning: {StateSuccess, StateFailure, StateAborted},
}

// Terminal reports whether no further transition is allowed out of s
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateAborted
}

// Transition validates a state change.
func Transition(from, to State) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: string(from), To: string(to)}
}

// Task is one top-level unit of orchestration
type Task struct {
	ID              uuid.UUID     `json:"id"`
	Type            Type          `json:"type"`
	Params          []byte        `json:"params,omitempty"`
	State           State         `json:"state"`
	ResourceID      string        `json:"resource_id"`
	ParentID        uuid.NullUUID `json:"parent_id"`
	RetryOf         uuid.NullUUID `json:"retry_of"`
	Abortable       bool          `json:"abortable"`
	Retryable       bool          `json:"retryable"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	CompletedGroups int           `json:"completed_groups"`
	TotalGroups     int           `json:"total_groups"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// Percent returns the group completion percentage
func (t *Task) Percent() float64 {
	if t.TotalGroups == 0 {
		return 0
	}
	return float64(t.CompletedGroups) / float64(t.TotalGroups) * 100
}
