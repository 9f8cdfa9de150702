// Package provider holds the text-generation and embedding backends the
// router and orchestrator call through circuit breakers.
package provider

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrMissingAPIKey = errors.New("missing api key")
	ErrEmptyPrompt   = errors.New("prompt is empty")
	ErrEmptyResponse = errors.New("provider returned no content")
)

// Generator produces text. Plan returns JSON such as decomposition plans.
// Classify returns a short label.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Plan(ctx context.Context, prompt string) (string, error)
	Classify(ctx context.Context, prompt string) (string, error)
}

// FirstLine returns the first non-empty line of text, trimmed of spaces,
// quotes and periods.
func FirstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "\"'`.")
		if line != "" {
			return line
		}
	}
	return ""
}

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
