package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/switchboard/internal/breaker"
	"github.com/ShayCichocki/switchboard/internal/trace"
)

// ErrInvalidGraph is matched by every plan validation error.
var ErrInvalidGraph = errors.New("invalid sub-task graph")

// UnknownDependencyError reports a depends_on id that is not in the graph.
type UnknownDependencyError struct {
	SubTask    string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("sub-task %s depends on unknown sub-task %s", e.SubTask, e.Dependency)
}

func (e *UnknownDependencyError) Is(target error) bool { return target == ErrInvalidGraph }

// DependencyCycleError reports the sub-tasks left over after topological
// sorting; each is on or behind a cycle.
type DependencyCycleError struct {
	IDs []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle among sub-tasks %s", strings.Join(e.IDs, ", "))
}

func (e *DependencyCycleError) Is(target error) bool { return target == ErrInvalidGraph }

// DeadlockError reports that execution stopped with sub-tasks pending but
// none ready.
type DeadlockError struct {
	Pending []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("execution deadlocked with %d pending sub-tasks: %s", len(e.Pending), strings.Join(e.Pending, ", "))
}

const userMessageChars = 160

// UserMessage renders a fatal request error for end users: an error class
// followed by a redacted, truncated description.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		cycle   *DependencyCycleError
		unknown *UnknownDependencyError
		dead    *DeadlockError
		open    *breaker.CircuitOpenError
	)
	class := "Request failed"
	switch {
	case errors.As(err, &cycle), errors.As(err, &unknown), errors.Is(err, ErrInvalidGraph):
		class = "Invalid plan"
	case errors.As(err, &dead):
		class = "Execution stalled"
	case errors.As(err, &open):
		class = "Service unavailable"
	case breaker.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		class = "Timed out"
	case errors.Is(err, context.Canceled):
		class = "Cancelled"
	}
	return class + ": " + trace.Preview(err.Error(), userMessageChars)
}
