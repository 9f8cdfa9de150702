package models

import "time"

// SubTaskStatus represents the current state of a sub-task within one request.
type SubTaskStatus string

const (
	// SubTaskStatusPending indicates the sub-task has not started.
	SubTaskStatusPending SubTaskStatus = "pending"
	// SubTaskStatusRunning indicates the sub-task is executing.
	SubTaskStatusRunning SubTaskStatus = "running"
	// SubTaskStatusDone indicates the sub-task produced a result.
	SubTaskStatusDone SubTaskStatus = "done"
	// SubTaskStatusFailed indicates the sub-task failed. Its Result holds the failure description.
	SubTaskStatusFailed SubTaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s SubTaskStatus) Valid() bool {
	switch s {
	case SubTaskStatusPending, SubTaskStatusRunning, SubTaskStatusDone, SubTaskStatusFailed:
		return true
	default:
		return false
	}
}

// Finished reports whether the sub-task has a result, successful or not.
func (s SubTaskStatus) Finished() bool {
	return s == SubTaskStatusDone || s == SubTaskStatusFailed
}

// DirectCapability is the pseudo-capability used for sub-tasks that no
// registered capability matched. They are answered by plain generation.
const DirectCapability = "direct"

// SubTask is one node of the dependency graph a request decomposes into.
type SubTask struct {
	// ID is unique within one request's graph.
	ID string `json:"id"`
	// Description is the instruction this sub-task carries out.
	Description string `json:"description"`
	// Capability is the routed capability name. Empty until routed.
	Capability string `json:"capability,omitempty"`
	// DependsOn lists sub-task IDs whose results must exist before this one runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// Result is the output (or failure description) once finished.
	Result string `json:"result,omitempty"`
	// Status is the current state of the sub-task.
	Status SubTaskStatus `json:"status"`
}

// Routed reports whether a capability has been assigned.
func (t *SubTask) Routed() bool {
	return t.Capability != ""
}

// WorkerResult is the immutable outcome of executing one sub-task.
type WorkerResult struct {
	SubTaskID  string        `json:"subtask_id"`
	Capability string        `json:"capability"`
	Output     string        `json:"output"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
}
