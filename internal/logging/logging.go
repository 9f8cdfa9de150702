// Package logging configures the process-wide zerolog logger and hands out
// component loggers with a consistent field vocabulary.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Field names shared by every component logger.
const (
	COMPONENT  = "component"
	EVENT      = "event"
	DEPENDENCY = "dependency"
	TRACE_ID   = "trace_id"
	SUBTASK_ID = "subtask_id"
	CAPABILITY = "capability"
	STATE      = "state"
)

var (
	mu   sync.RWMutex
	base = log.Logger
)

// Options controls logger construction.
type Options struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error"). Defaults to info.
	Level string
	// Format is "json" or "console". Empty picks console for terminals, json otherwise.
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// Setup replaces the base logger. It is called once at process start.
func Setup(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "json"
		if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = "console"
		}
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	l := zerolog.New(out).Level(level).With().Timestamp().Logger()

	mu.Lock()
	base = l
	mu.Unlock()
	return l
}

// For returns a logger tagged with the given component name.
func For(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str(COMPONENT, component).Logger()
}

// Nop returns a disabled logger, for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
