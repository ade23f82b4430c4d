package core

import (
	"strings"
	"time"
)

// TaskSpec describes a unit of work submitted to an agent runtime.
type TaskSpec struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	OperationID string         `json:"operation_id,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	// Timeout bounds execution; zero means the runtime default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Units is how much the task advances the operation's progress on
	// success. Zero counts as one.
	Units int `json:"units,omitempty"`
}

// Validate checks the fields a runtime relies on.
func (t TaskSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return &ConfigurationError{Field: "task.name", Reason: "must not be empty"}
	}
	if t.Timeout < 0 {
		return &ConfigurationError{Field: "task.timeout", Reason: "must not be negative"}
	}
	if t.Units < 0 {
		return &ConfigurationError{Field: "task.units", Reason: "must not be negative"}
	}
	return nil
}

// ProgressUnits returns the progress increment for a successful run.
func (t TaskSpec) ProgressUnits() int {
	if t.Units == 0 {
		return 1
	}
	return t.Units
}

// TaskResult is what ExecuteTask returns on success.
type TaskResult struct {
	TaskID      string         `json:"task_id"`
	AgentID     string         `json:"agent_id"`
	OperationID string         `json:"operation_id,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	Duration    time.Duration  `json:"duration"`
}
