package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/switchboard/internal/cache"
	"github.com/ShayCichocki/switchboard/internal/trace"
)

// Turn is one request and its answer within a session.
type Turn struct {
	Request string    `json:"request"`
	Answer  string    `json:"answer"`
	At      time.Time `json:"at"`
}

// History keeps the most recent turns of each session in the cache.
type History struct {
	store *cache.Store
	turns int
	ttl   time.Duration
	chars int
}

// NewHistory creates a History keeping up to turns exchanges for ttl. A nil
// store disables history.
func NewHistory(store *cache.Store, turns int, ttl time.Duration) *History {
	if turns <= 0 {
		turns = 6
	}
	return &History{store: store, turns: turns, ttl: ttl, chars: 1000}
}

type sessionDoc struct {
	Turns []Turn `json:"turns"`
}

// Load returns the session's turns, oldest first.
func (h *History) Load(ctx context.Context, sessionID string) ([]Turn, error) {
	if h == nil || h.store == nil || sessionID == "" {
		return nil, nil
	}
	doc, _, err := cache.GetJSON[sessionDoc](ctx, h.store, cache.NamespaceSessions, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return doc.Turns, nil
}

// Append adds a turn, dropping the oldest beyond the limit.
func (h *History) Append(ctx context.Context, sessionID string, t Turn) error {
	if h == nil || h.store == nil || sessionID == "" {
		return nil
	}
	turns, err := h.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	t.Request = trace.Truncate(t.Request, h.chars)
	t.Answer = trace.Truncate(t.Answer, h.chars)
	turns = append(turns, t)
	if len(turns) > h.turns {
		turns = turns[len(turns)-h.turns:]
	}
	if err := cache.SetJSON(ctx, h.store, cache.NamespaceSessions, sessionID, sessionDoc{Turns: turns}, h.ttl); err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return nil
}

// RenderTurns formats turns for inclusion in a prompt.
func RenderTurns(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.Request, t.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}
