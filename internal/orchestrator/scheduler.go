package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/switchboard/internal/breaker"
	"github.com/ShayCichocki/switchboard/internal/logging"
	"github.com/ShayCichocki/switchboard/internal/skill"
	"github.com/ShayCichocki/switchboard/internal/trace"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// execution is the mutable state of one graph run.
type execution struct {
	req     Request
	history string
	rep     *reporter

	mu      sync.Mutex
	results map[string]models.WorkerResult
	order   []string
}

// runGraph executes tasks in ready batches of at most maxParallel
// concurrent sub-tasks. A failed sub-task never stops its siblings or
// dependents. Results are returned in completion order by batch.
func (o *Orchestrator) runGraph(ctx context.Context, tasks []*models.SubTask, ex *execution) ([]models.WorkerResult, error) {
	ex.results = make(map[string]models.WorkerResult, len(tasks))

	for batch := 1; ; batch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ex.mu.Lock()
		done := len(ex.results)
		batchTasks := ready(tasks, ex.results)
		ex.mu.Unlock()

		if done == len(tasks) {
			break
		}
		if len(batchTasks) == 0 {
			var pending []string
			for _, t := range tasks {
				if !t.Status.Finished() {
					pending = append(pending, t.ID)
				}
			}
			return nil, &DeadlockError{Pending: pending}
		}

		o.log.Debug().Int("batch", batch).Int("size", len(batchTasks)).Msg("executing batch")

		var g errgroup.Group
		g.SetLimit(o.maxParallel)
		for _, t := range batchTasks {
			t.Status = models.SubTaskStatusRunning
			deps := ex.dependencyContext(t)
			g.Go(func() error {
				res := o.runSubTask(ctx, t, deps, ex)
				ex.record(t, res)
				return nil
			})
		}
		_ = g.Wait()
	}

	out := make([]models.WorkerResult, 0, len(ex.order))
	for _, id := range ex.order {
		out = append(out, ex.results[id])
	}
	return out, nil
}

// dependencyContext collects the results of t's dependencies. Failed
// dependencies contribute their failure description.
func (ex *execution) dependencyContext(t *models.SubTask) map[string]string {
	if len(t.DependsOn) == 0 {
		return nil
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	deps := make(map[string]string, len(t.DependsOn))
	for _, id := range t.DependsOn {
		res := ex.results[id]
		if res.Success {
			deps[id] = res.Output
		} else {
			deps[id] = "FAILED: " + res.Output
		}
	}
	return deps
}

func (ex *execution) record(t *models.SubTask, res models.WorkerResult) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.results[t.ID] = res
	ex.order = append(ex.order, t.ID)
	t.Result = res.Output
	if res.Success {
		t.Status = models.SubTaskStatusDone
	} else {
		t.Status = models.SubTaskStatusFailed
	}
}

// runSubTask executes one sub-task through its capability's breaker.
func (o *Orchestrator) runSubTask(ctx context.Context, t *models.SubTask, deps map[string]string, ex *execution) models.WorkerResult {
	name := t.Capability
	if name == models.DirectCapability {
		name = ""
	}
	handler := o.skills.Handler(name)
	brk := o.breakers.Get(o.skills.ProviderFor(name))

	var timeout time.Duration
	if s, ok := o.skills.Get(name); ok {
		timeout = s.Timeout
	}

	if name != "" {
		ex.rep.report(fmt.Sprintf("Running %s: %s", name, preview(t.Description)))
	} else {
		ex.rep.report(fmt.Sprintf("Working on: %s", preview(t.Description)))
	}

	inv := skill.Invocation{
		Task:         t.Description,
		Request:      ex.req.Text,
		Dependencies: deps,
		History:      ex.history,
	}

	start := o.now()
	out, err := trace.FromContext(ctx).Call("subtask:"+t.ID+":"+t.Capability, t.Description, func() (string, error) {
		return breaker.DoTimeout(ctx, brk, timeout, func(ctx context.Context) (string, error) {
			return handler.Handle(ctx, inv)
		})
	})
	d := o.now().Sub(start)

	res := models.WorkerResult{
		SubTaskID:  t.ID,
		Capability: t.Capability,
		Output:     out,
		Success:    err == nil,
		Duration:   d,
	}
	if err != nil {
		res.Output = failureDescription(t, err)
		o.log.Warn().Err(err).
			Str(logging.SUBTASK_ID, t.ID).
			Str(logging.CAPABILITY, t.Capability).
			Msg("sub-task failed")
		ex.rep.report(fmt.Sprintf("Step %s failed: %s", t.ID, preview(err.Error())))
	} else {
		ex.rep.report(fmt.Sprintf("Finished %s: %s", t.ID, preview(out)))
	}
	o.obs.ObserveSubTask(t.Capability, res.Success, d)
	return res
}

func failureDescription(t *models.SubTask, err error) string {
	return fmt.Sprintf("%s (%s) failed: %s", t.ID, t.Capability, trace.Preview(err.Error(), 300))
}
