package models

import "time"

// TraceStatus represents the outcome of one traced request.
type TraceStatus string

const (
	// TraceStatusRunning indicates the trace has not ended yet.
	TraceStatusRunning TraceStatus = "running"
	// TraceStatusSuccess indicates the traced scope returned without error.
	TraceStatusSuccess TraceStatus = "success"
	// TraceStatusError indicates an error propagated through the traced scope.
	TraceStatusError TraceStatus = "error"
	// TraceStatusTimeout indicates the propagated error was a timeout.
	TraceStatusTimeout TraceStatus = "timeout"
)

// Valid returns true if the status is a known value.
func (s TraceStatus) Valid() bool {
	switch s {
	case TraceStatusRunning, TraceStatusSuccess, TraceStatusError, TraceStatusTimeout:
		return true
	default:
		return false
	}
}

// ExecutionTrace is the structured record of one logical request.
type ExecutionTrace struct {
	TraceID       string        `json:"trace_id"`
	UserID        string        `json:"user_id,omitempty"`
	Capability    string        `json:"capability,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at,omitempty"`
	Status        TraceStatus   `json:"status"`
	Calls         []CallTrace   `json:"calls"`
	OutputPreview string        `json:"output_preview,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// CallTrace records one sub-call made while handling a request.
// Previews are redacted and truncated before they are stored.
type CallTrace struct {
	Name          string        `json:"name"`
	InputPreview  string        `json:"input_preview,omitempty"`
	OutputPreview string        `json:"output_preview,omitempty"`
	Duration      time.Duration `json:"duration"`
	IsError       bool          `json:"is_error"`
}
