package skill

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/switchboard/internal/provider"
)

// Invocation is one unit of work handed to a capability.
type Invocation struct {
	// Task is the sub-task description.
	Task string
	// Request is the user's original request.
	Request string
	// Dependencies holds results (or failure notes) of the sub-tasks this
	// one depends on, keyed by sub-task id.
	Dependencies map[string]string
	// History is prior conversation in the session, oldest first.
	History string
}

// Handler executes work for a capability.
type Handler interface {
	Handle(ctx context.Context, inv Invocation) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) (string, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, inv Invocation) (string, error) {
	return f(ctx, inv)
}

// GenerationHandler answers with the generation model, guided by the
// capability's instructions.
type GenerationHandler struct {
	Gen          provider.Generator
	Name         string
	Instructions string
}

// Handle implements Handler.
func (h *GenerationHandler) Handle(ctx context.Context, inv Invocation) (string, error) {
	out, err := h.Gen.Generate(ctx, BuildPrompt(h.Name, h.Instructions, inv))
	if err != nil {
		return "", fmt.Errorf("%s: %w", h.Name, err)
	}
	return out, nil
}

// BuildPrompt renders an invocation as a single prompt.
func BuildPrompt(name, instructions string, inv Invocation) string {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "You are acting as the %q capability.\n", name)
	}
	if instructions != "" {
		b.WriteString("\n## Instructions\n")
		b.WriteString(instructions)
		b.WriteString("\n")
	}
	if inv.History != "" {
		b.WriteString("\n## Conversation so far\n")
		b.WriteString(inv.History)
		b.WriteString("\n")
	}
	if inv.Request != "" && inv.Request != inv.Task {
		b.WriteString("\n## Original request\n")
		b.WriteString(inv.Request)
		b.WriteString("\n")
	}
	if len(inv.Dependencies) > 0 {
		b.WriteString("\n## Results from earlier steps\n")
		for _, id := range sortedKeys(inv.Dependencies) {
			fmt.Fprintf(&b, "### %s\n%s\n", id, inv.Dependencies[id])
		}
	}
	b.WriteString("\n## Task\n")
	b.WriteString(inv.Task)
	return b.String()
}
