package orchestrator

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/switchboard/internal/logging"
	"github.com/ShayCichocki/switchboard/internal/trace"
)

// Progress receives short human-readable status updates. It may be nil.
type Progress func(status string)

// Phase is a request's position in the orchestration state machine.
type Phase string

const (
	PhaseDecomposing  Phase = "decomposing"
	PhaseRouting      Phase = "routing"
	PhaseExecuting    Phase = "executing"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
)

const progressPreviewChars = 80

// reporter serializes progress calls and swallows their panics.
type reporter struct {
	mu  sync.Mutex
	fn  Progress
	log zerolog.Logger
}

func (r *reporter) report(status string) {
	if r.fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn().Interface("panic", p).Str(logging.EVENT, "progress_panic").Msg("progress callback panicked")
		}
	}()
	r.fn(status)
}

func preview(s string) string {
	return trace.Preview(s, progressPreviewChars)
}
