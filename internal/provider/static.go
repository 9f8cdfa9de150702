package provider

import (
	"context"
	"strings"
)

// Static is a Generator backed by plain functions. It serves offline runs
// and tests. A nil GenerateFunc echoes the prompt's last line, a nil
// PlanFunc returns an empty JSON array and a nil ClassifyFunc answers none.
type Static struct {
	GenerateFunc func(ctx context.Context, prompt string) (string, error)
	PlanFunc     func(ctx context.Context, prompt string) (string, error)
	ClassifyFunc func(ctx context.Context, prompt string) (string, error)
}

// Generate implements Generator.
func (s *Static) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.GenerateFunc != nil {
		return s.GenerateFunc(ctx, prompt)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if i := strings.LastIndexByte(prompt, '\n'); i >= 0 {
		prompt = strings.TrimSpace(prompt[i+1:])
	}
	return prompt, nil
}

// Plan implements Generator.
func (s *Static) Plan(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.PlanFunc != nil {
		return s.PlanFunc(ctx, prompt)
	}
	return "[]", nil
}

// Classify implements Generator.
func (s *Static) Classify(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.ClassifyFunc != nil {
		return s.ClassifyFunc(ctx, prompt)
	}
	return "none", nil
}
