package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/switchboard/internal/breaker"
	"github.com/ShayCichocki/switchboard/internal/logging"
	"github.com/ShayCichocki/switchboard/internal/provider"
	"github.com/ShayCichocki/switchboard/internal/retry"
	"github.com/ShayCichocki/switchboard/internal/skill"
	"github.com/ShayCichocki/switchboard/internal/trace"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// plannedStep is one element of the JSON plan the generation model returns.
type plannedStep struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Capability  string   `json:"capability"`
	DependsOn   []string `json:"depends_on"`
}

// Decomposer turns a request into sub-tasks.
type Decomposer struct {
	gen      provider.Generator
	skills   *skill.Registry
	breakers *breaker.Registry
	retry    retry.Policy
	log      zerolog.Logger
}

// NewDecomposer creates a Decomposer.
func NewDecomposer(gen provider.Generator, skills *skill.Registry, breakers *breaker.Registry, policy retry.Policy, log zerolog.Logger) *Decomposer {
	return &Decomposer{gen: gen, skills: skills, breakers: breakers, retry: policy, log: log}
}

// Decompose asks the generation model for a plan. Provider errors are
// retried; when they persist, or the answer cannot be parsed, the request
// becomes a single sub-task and fellBack is true. Only ctx errors are
// returned.
func (d *Decomposer) Decompose(ctx context.Context, request, history string) (tasks []*models.SubTask, fellBack bool, err error) {
	prompt := fmt.Sprintf(decompositionPrompt, d.capabilityList(), orNone(history), request)
	h := trace.FromContext(ctx)

	var response string
	err = retry.DoNotify(ctx, d.retry, func(ctx context.Context) error {
		start := time.Now()
		out, err := breaker.Do(ctx, d.breakers.Get(breaker.Generation), func(ctx context.Context) (string, error) {
			return d.gen.Plan(ctx, prompt)
		})
		h.RecordCall(models.CallTrace{
			Name:          "decompose",
			InputPreview:  request,
			OutputPreview: previewOrError(out, err),
			Duration:      time.Since(start),
			IsError:       err != nil,
		})
		if breaker.IsOpen(err) {
			return retry.Permanent(err)
		}
		response = out
		return err
	}, func(attempt int, err error, wait time.Duration) {
		d.log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying decomposition")
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, false, ctxErr
	}
	if err != nil {
		d.log.Warn().Err(err).Str(logging.EVENT, "decompose_fallback").Msg("decomposition failed, using a single sub-task")
		return single(request), true, nil
	}

	tasks, perr := ParsePlan(response)
	if perr != nil {
		d.log.Warn().Err(perr).Str(logging.EVENT, "decompose_fallback").Msg("unusable plan, using a single sub-task")
		return single(request), true, nil
	}
	return tasks, false, nil
}

func (d *Decomposer) capabilityList() string {
	skills := d.skills.List()
	if len(skills) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, s := range skills {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func single(request string) []*models.SubTask {
	return []*models.SubTask{{
		ID:          "t1",
		Description: request,
		Status:      models.SubTaskStatusPending,
	}}
}

// ParsePlan extracts the JSON array from a model answer. Missing ids are
// filled in as t1, t2, ... by position. It does not validate dependencies.
func ParsePlan(response string) ([]*models.SubTask, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in plan (%d chars): %q", len(response), trace.Truncate(response, 200))
	}

	var steps []plannedStep
	if err := json.Unmarshal([]byte(response[start:end+1]), &steps); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(steps) == 0 {
		return nil, errors.New("empty plan")
	}

	tasks := make([]*models.SubTask, 0, len(steps))
	for i, s := range steps {
		desc := strings.TrimSpace(s.Description)
		if desc == "" {
			return nil, fmt.Errorf("plan step %d has no description", i+1)
		}
		id := strings.TrimSpace(s.ID)
		if id == "" {
			id = fmt.Sprintf("t%d", i+1)
		}
		var deps []string
		for _, dep := range s.DependsOn {
			if dep = strings.TrimSpace(dep); dep != "" {
				deps = append(deps, dep)
			}
		}
		tasks = append(tasks, &models.SubTask{
			ID:          id,
			Description: desc,
			Capability:  strings.ToLower(strings.TrimSpace(s.Capability)),
			DependsOn:   deps,
			Status:      models.SubTaskStatusPending,
		})
	}
	return tasks, nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func previewOrError(out string, err error) string {
	if err != nil {
		return err.Error()
	}
	return out
}
