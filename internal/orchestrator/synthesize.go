package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/switchboard/internal/breaker"
	"github.com/ShayCichocki/switchboard/internal/logging"
	"github.com/ShayCichocki/switchboard/internal/retry"
	"github.com/ShayCichocki/switchboard/internal/trace"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// synthesize asks the generation model for the final answer. When the
// model stays unavailable the results are concatenated instead and
// degraded is true.
func (o *Orchestrator) synthesize(ctx context.Context, request, history string, results []models.WorkerResult) (text string, degraded bool) {
	prompt := fmt.Sprintf(synthesisPrompt, orNone(history), request, renderResults(results))
	h := trace.FromContext(ctx)

	err := retry.DoNotify(ctx, o.retry, func(ctx context.Context) error {
		start := time.Now()
		out, err := breaker.Do(ctx, o.breakers.Get(breaker.Generation), func(ctx context.Context) (string, error) {
			return o.gen.Generate(ctx, prompt)
		})
		h.RecordCall(models.CallTrace{
			Name:          "synthesize",
			InputPreview:  request,
			OutputPreview: previewOrError(out, err),
			Duration:      time.Since(start),
			IsError:       err != nil,
		})
		if breaker.IsOpen(err) {
			return retry.Permanent(err)
		}
		text = out
		return err
	}, func(attempt int, err error, wait time.Duration) {
		o.log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying synthesis")
	})
	if err == nil && strings.TrimSpace(text) != "" {
		return text, false
	}

	o.log.Warn().Err(err).Str(logging.EVENT, "synthesis_fallback").Msg("synthesis failed, concatenating results")
	return concatenate(results), true
}

func renderResults(results []models.WorkerResult) string {
	var b strings.Builder
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "failed"
		}
		fmt.Fprintf(&b, "### %s (%s, %s)\n%s\n\n", r.SubTaskID, capabilityLabel(r.Capability), status, r.Output)
	}
	return strings.TrimRight(b.String(), "\n")
}

// concatenate is the best-effort answer used when synthesis is unavailable.
func concatenate(results []models.WorkerResult) string {
	if len(results) == 1 {
		r := results[0]
		if r.Success {
			return r.Output
		}
		return "Sorry, I could not complete this request: " + r.Output
	}

	var b strings.Builder
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(&b, "%s:\n%s\n\n", capabilityLabel(r.Capability), r.Output)
		} else {
			fmt.Fprintf(&b, "%s: not available (%s)\n\n", capabilityLabel(r.Capability), r.Output)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func capabilityLabel(c string) string {
	if c == "" {
		return models.DirectCapability
	}
	return c
}
