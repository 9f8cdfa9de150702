package orchestrator

import (
	"context"
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

// Router is the routing dependency. *router.Router satisfies it.
type Router interface {
	Route(ctx context.Context, text string, limit int) ([]models.Match, error)
}

// Observer receives request and sub-task events. *metrics.Recorder
// satisfies it.
type Observer interface {
	ObserveRequest(phase string)
	ObserveSubTask(capability string, success bool, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string)                      {}
func (nopObserver) ObserveSubTask(string, bool, time.Duration) {}

// Request is one inbound task.
type Request struct {
	Text      string
	UserID    string
	SessionID string
}

// Response is the outcome of a request that was not aborted.
type Response struct {
	Text     string                `json:"text"`
	Results  []models.WorkerResult `json:"results"`
	SubTasks []models.SubTask      `json:"subtasks"`
	TraceID  string                `json:"trace_id"`
	// Partial is set when at least one sub-task failed or synthesis fell
	// back to concatenation.
	Partial bool `json:"partial"`
	// Decomposed is false when the request ran as a single fallback sub-task.
	Decomposed bool `json:"decomposed"`
}

// Options configures an Orchestrator.
type Options struct {
	MaxParallel int
	Retry       retry.Policy
	History     *History
	Observer    Observer
	Logger      *zerolog.Logger
	Now         func() time.Time
}

// Orchestrator executes requests end to end.
type Orchestrator struct {
	gen         provider.Generator
	skills      *skill.Registry
	router      Router
	breakers    *breaker.Registry
	tracer      *trace.Tracer
	decomposer  *Decomposer
	history     *History
	retry       retry.Policy
	maxParallel int
	obs         Observer
	log         zerolog.Logger
	now         func() time.Time
}

// New creates an Orchestrator. router may be nil, in which case sub-tasks
// without a known capability are answered directly.
func New(gen provider.Generator, skills *skill.Registry, router Router, breakers *breaker.Registry, tracer *trace.Tracer, opts Options) *Orchestrator {
	o := &Orchestrator{
		gen:         gen,
		skills:      skills,
		router:      router,
		breakers:    breakers,
		tracer:      tracer,
		history:     opts.History,
		retry:       opts.Retry,
		maxParallel: opts.MaxParallel,
		obs:         opts.Observer,
		now:         opts.Now,
	}
	if o.maxParallel <= 0 {
		o.maxParallel = 4
	}
	if o.retry.Attempts <= 0 {
		o.retry = retry.DefaultPolicy()
	}
	if o.obs == nil {
		o.obs = nopObserver{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if opts.Logger != nil {
		o.log = *opts.Logger
	} else {
		o.log = logging.For("orchestrator")
	}
	o.decomposer = NewDecomposer(gen, skills, breakers, o.retry, o.log)
	return o
}

// Execute runs a request through every phase. It returns an error only when
// the plan is invalid, execution deadlocks or ctx ends; present it to users
// with UserMessage.
func (o *Orchestrator) Execute(ctx context.Context, req Request, progress Progress) (Response, error) {
	var resp Response
	err := o.tracer.Run(ctx, req.UserID, "", func(ctx context.Context, h *trace.Handle) error {
		resp.TraceID = h.ID()
		rep := &reporter{fn: progress, log: o.log}
		log := o.log.With().Str(logging.TRACE_ID, h.ID()).Logger()

		turns, err := o.history.Load(ctx, req.SessionID)
		if err != nil {
			log.Warn().Err(err).Msg("session history unavailable")
		}
		history := RenderTurns(turns)

		tasks, decomposed, err := o.plan(ctx, req.Text, history, rep)
		if err != nil {
			o.obs.ObserveRequest(string(PhaseFailed))
			return err
		}
		resp.Decomposed = decomposed
		h.SetCapability(planCapability(tasks))

		o.obs.ObserveRequest(string(PhaseExecuting))
		ex := &execution{req: req, history: history, rep: rep}
		results, err := o.runGraph(ctx, tasks, ex)
		if err != nil {
			o.obs.ObserveRequest(string(PhaseFailed))
			return err
		}
		resp.Results = results
		for _, r := range results {
			if !r.Success {
				resp.Partial = true
			}
		}

		o.obs.ObserveRequest(string(PhaseSynthesizing))
		rep.report("Composing the answer")
		text, degraded := o.synthesize(ctx, req.Text, history, results)
		resp.Text = text
		resp.Partial = resp.Partial || degraded
		h.SetOutput(text)

		resp.SubTasks = make([]models.SubTask, len(tasks))
		for i, t := range tasks {
			resp.SubTasks[i] = *t
		}

		if err := o.history.Append(ctx, req.SessionID, Turn{Request: req.Text, Answer: text, At: o.now()}); err != nil {
			log.Warn().Err(err).Msg("session history not saved")
		}
		o.obs.ObserveRequest(string(PhaseDone))
		log.Info().
			Int("subtasks", len(tasks)).
			Bool("partial", resp.Partial).
			Msg("request complete")
		return nil
	})
	if err != nil {
		return Response{TraceID: resp.TraceID}, err
	}
	return resp, nil
}

// Plan decomposes, validates and routes text without executing it.
func (o *Orchestrator) Plan(ctx context.Context, text string) ([]*models.SubTask, error) {
	tasks, _, err := o.plan(ctx, text, "", &reporter{log: o.log})
	return tasks, err
}

func (o *Orchestrator) plan(ctx context.Context, text, history string, rep *reporter) ([]*models.SubTask, bool, error) {
	o.obs.ObserveRequest(string(PhaseDecomposing))
	rep.report("Breaking the request into steps")
	tasks, fellBack, err := o.decomposer.Decompose(ctx, text, history)
	if err != nil {
		return nil, false, err
	}
	if err := Validate(tasks); err != nil {
		return nil, false, err
	}

	o.obs.ObserveRequest(string(PhaseRouting))
	if len(tasks) > 1 {
		rep.report(fmt.Sprintf("Routing %d steps", len(tasks)))
	}
	for _, t := range tasks {
		if err := o.route(ctx, t); err != nil {
			return nil, false, err
		}
	}
	return tasks, !fellBack, nil
}

// route assigns a capability to t. Unknown hints are re-routed; no match
// means direct generation.
func (o *Orchestrator) route(ctx context.Context, t *models.SubTask) error {
	if t.Capability == models.DirectCapability || (t.Capability != "" && o.skills.Has(t.Capability)) {
		return nil
	}
	t.Capability = models.DirectCapability
	if o.router == nil {
		return nil
	}
	matches, err := o.router.Route(ctx, t.Description, 1)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		o.log.Warn().Err(err).Str(logging.SUBTASK_ID, t.ID).Msg("routing failed, answering directly")
		return nil
	}
	if len(matches) > 0 {
		t.Capability = matches[0].Capability
	}
	return nil
}

func planCapability(tasks []*models.SubTask) string {
	seen := make(map[string]struct{})
	var caps []string
	for _, t := range tasks {
		if _, ok := seen[t.Capability]; ok {
			continue
		}
		seen[t.Capability] = struct{}{}
		caps = append(caps, t.Capability)
	}
	return strings.Join(caps, ",")
}
