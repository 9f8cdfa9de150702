// Package trace records the execution history of requests.
//
// A Handle is acquired with Tracer.Begin at the start of a request and
// released exactly once with End. Ended traces are persisted through the
// cache (namespace "traces") when the sampling policy admits them: traces
// that did not succeed are always kept, successful ones at a fixed rate
// decided by a hash of the trace id.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ShayCichocki/switchboard/internal/cache"
	"github.com/ShayCichocki/switchboard/internal/logging"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Attribute names indexed on persisted traces.
const (
	attrUserID     = "user_id"
	attrStatus     = "status"
	attrCapability = "capability"
)

const sampleBuckets = 10000

// Sample rates for Options.SampleRate.
const (
	DefaultSampleRate = 0.1
	// SampleNone keeps no successful traces. Errors are always kept.
	SampleNone = -1.0
)

// Observer receives ended-trace events. *metrics.Recorder satisfies it.
type Observer interface {
	ObserveTrace(status models.TraceStatus, persisted bool)
}

type nopObserver struct{}

func (nopObserver) ObserveTrace(models.TraceStatus, bool) {}

// Options configures a Tracer.
type Options struct {
	// SampleRate is the fraction of successful traces persisted. Zero
	// uses DefaultSampleRate; use SampleNone to keep none.
	SampleRate   float64
	MaxCalls     int
	PreviewChars int
	TTL          time.Duration
	OTel         oteltrace.Tracer
	Observer     Observer
	Logger       *zerolog.Logger
	Now          func() time.Time
	NewID        func() string
}

// Tracer creates trace handles and reads persisted traces.
type Tracer struct {
	store        *cache.Store
	sampleRate   float64
	maxCalls     int
	previewChars int
	ttl          time.Duration
	otel         oteltrace.Tracer
	obs          Observer
	log          zerolog.Logger
	now          func() time.Time
	newID        func() string
}

// New creates a Tracer persisting through store.
func New(store *cache.Store, opts Options) *Tracer {
	t := &Tracer{
		store:        store,
		sampleRate:   opts.SampleRate,
		maxCalls:     opts.MaxCalls,
		previewChars: opts.PreviewChars,
		ttl:          opts.TTL,
		otel:         opts.OTel,
		obs:          opts.Observer,
		now:          opts.Now,
		newID:        opts.NewID,
	}
	if t.sampleRate == 0 {
		t.sampleRate = DefaultSampleRate
	}
	if t.maxCalls <= 0 {
		t.maxCalls = 100
	}
	if t.previewChars <= 0 {
		t.previewChars = 500
	}
	if t.ttl <= 0 {
		t.ttl = 7 * 24 * time.Hour
	}
	if t.otel == nil {
		t.otel = noop.NewTracerProvider().Tracer("switchboard")
	}
	if t.obs == nil {
		t.obs = nopObserver{}
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	if opts.Logger != nil {
		t.log = *opts.Logger
	} else {
		t.log = logging.For("tracer")
	}
	return t
}

// Handle is one in-flight trace. Methods on a nil Handle are no-ops so call
// sites can use FromContext without checking.
type Handle struct {
	t    *Tracer
	ctx  context.Context
	span oteltrace.Span
	once sync.Once

	mu      sync.Mutex
	trace   models.ExecutionTrace
	failErr error
}

type handleKey struct{}

// FromContext returns the handle placed in ctx by Begin, or nil.
func FromContext(ctx context.Context) *Handle {
	h, _ := ctx.Value(handleKey{}).(*Handle)
	return h
}

// Begin starts a trace. The returned context carries the handle and the
// OpenTelemetry span.
func (t *Tracer) Begin(ctx context.Context, userID, capability string) (*Handle, context.Context) {
	id := t.newID()
	ctx, span := t.otel.Start(ctx, "switchboard.request",
		oteltrace.WithAttributes(
			attribute.String("switchboard.trace_id", id),
			attribute.String("switchboard.user_id", userID),
			attribute.String("switchboard.capability", capability),
		),
	)

	h := &Handle{
		t:    t,
		ctx:  context.WithoutCancel(ctx),
		span: span,
		trace: models.ExecutionTrace{
			TraceID:    id,
			UserID:     userID,
			Capability: capability,
			StartedAt:  t.now(),
			Status:     models.TraceStatusRunning,
		},
	}
	return h, context.WithValue(ctx, handleKey{}, h)
}

// Run begins a trace, calls fn, and ends the trace on every exit path. A
// panic in fn is recorded as an error and then re-raised.
func (t *Tracer) Run(ctx context.Context, userID, capability string, fn func(ctx context.Context, h *Handle) error) (err error) {
	h, ctx := t.Begin(ctx, userID, capability)
	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic: %v", r)
			h.End(&perr)
			panic(r)
		}
		h.End(&err)
	}()
	return fn(ctx, h)
}

// ID returns the trace id.
func (h *Handle) ID() string {
	if h == nil {
		return ""
	}
	return h.trace.TraceID
}

// RecordCall appends a sub-call. Previews are redacted and truncated. Calls
// beyond the per-trace cap are dropped.
func (h *Handle) RecordCall(c models.CallTrace) {
	if h == nil {
		return
	}
	c.InputPreview = Preview(c.InputPreview, h.t.previewChars)
	c.OutputPreview = Preview(c.OutputPreview, h.t.previewChars)

	h.mu.Lock()
	if len(h.trace.Calls) >= h.t.maxCalls {
		h.mu.Unlock()
		return
	}
	h.trace.Calls = append(h.trace.Calls, c)
	h.mu.Unlock()

	attrs := []attribute.KeyValue{attribute.Int64("duration_ms", c.Duration.Milliseconds())}
	if c.IsError {
		attrs = append(attrs, attribute.Bool("error", true))
	}
	h.span.AddEvent(c.Name, oteltrace.WithAttributes(attrs...))
}

// Call times fn and records it as a sub-call named name.
func (h *Handle) Call(name, input string, fn func() (string, error)) (string, error) {
	if h == nil {
		return fn()
	}
	start := h.t.now()
	out, err := fn()
	c := models.CallTrace{
		Name:          name,
		InputPreview:  input,
		OutputPreview: out,
		Duration:      h.t.now().Sub(start),
		IsError:       err != nil,
	}
	if err != nil {
		c.OutputPreview = err.Error()
	}
	h.RecordCall(c)
	return out, err
}

// SetOutput records the final output preview.
func (h *Handle) SetOutput(text string) {
	if h == nil {
		return
	}
	p := Preview(text, h.t.previewChars)
	h.mu.Lock()
	h.trace.OutputPreview = p
	h.mu.Unlock()
}

// SetCapability records the capability once routing has decided it.
func (h *Handle) SetCapability(capability string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.trace.Capability = capability
	h.mu.Unlock()
	h.span.SetAttributes(attribute.String("switchboard.capability", capability))
}

// Fail marks the trace as failed even if End receives no error.
func (h *Handle) Fail(err error) {
	if h == nil || err == nil {
		return
	}
	h.mu.Lock()
	if h.failErr == nil {
		h.failErr = err
	}
	h.mu.Unlock()
}

// End finalizes the trace once; later calls return the same snapshot. errp
// points at the error leaving the traced scope and may be nil.
func (h *Handle) End(errp *error) models.ExecutionTrace {
	if h == nil {
		return models.ExecutionTrace{}
	}
	h.once.Do(func() {
		var err error
		if errp != nil {
			err = *errp
		}

		h.mu.Lock()
		if err == nil {
			err = h.failErr
		}
		h.trace.EndedAt = h.t.now()
		h.trace.Duration = h.trace.EndedAt.Sub(h.trace.StartedAt)
		h.trace.Status = statusFor(err)
		if err != nil {
			h.trace.Error = Preview(err.Error(), h.t.previewChars)
		}
		snapshot := h.snapshotLocked()
		h.mu.Unlock()

		if err != nil {
			h.span.RecordError(err)
			h.span.SetStatus(codes.Error, string(snapshot.Status))
		} else {
			h.span.SetStatus(codes.Ok, "")
		}
		h.span.End()

		persisted := false
		if snapshot.Status != models.TraceStatusSuccess || Sampled(snapshot.TraceID, h.t.sampleRate) {
			if perr := h.t.persist(h.ctx, snapshot); perr != nil {
				h.t.log.Warn().Err(perr).
					Str(logging.EVENT, "persist_failed").
					Str(logging.TRACE_ID, snapshot.TraceID).
					Msg("trace not persisted")
			} else {
				persisted = true
			}
		}
		h.t.obs.ObserveTrace(snapshot.Status, persisted)
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Handle) snapshotLocked() models.ExecutionTrace {
	out := h.trace
	out.Calls = append([]models.CallTrace(nil), h.trace.Calls...)
	return out
}

func statusFor(err error) models.TraceStatus {
	switch {
	case err == nil:
		return models.TraceStatusSuccess
	case errors.Is(err, context.DeadlineExceeded):
		// Breaker timeouts unwrap to DeadlineExceeded too.
		return models.TraceStatusTimeout
	default:
		return models.TraceStatusError
	}
}

// Sampled reports whether a successful trace with this id is kept at rate.
// The decision depends only on the id.
func Sampled(traceID string, rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	h := fnv.New64a()
	h.Write([]byte(traceID))
	return h.Sum64()%sampleBuckets < uint64(rate*sampleBuckets)
}

func (t *Tracer) persist(ctx context.Context, tr models.ExecutionTrace) error {
	raw, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	attrs := map[string]string{
		attrUserID:     tr.UserID,
		attrStatus:     string(tr.Status),
		attrCapability: tr.Capability,
	}
	return t.store.SetWithAttrs(ctx, cache.NamespaceTraces, tr.TraceID, raw, t.ttl, attrs)
}

// Get returns a persisted trace by id.
func (t *Tracer) Get(ctx context.Context, traceID string) (models.ExecutionTrace, bool, error) {
	return cache.GetJSON[models.ExecutionTrace](ctx, t.store, cache.NamespaceTraces, traceID)
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	UserID string
	Status models.TraceStatus
	Limit  int
}

// List returns persisted traces, newest first. It reads the durable tier so
// traces written by other instances are included.
func (t *Tracer) List(ctx context.Context, f Filter) ([]models.ExecutionTrace, error) {
	attrs := map[string]string{}
	if f.UserID != "" {
		attrs[attrUserID] = f.UserID
	}
	if f.Status != "" {
		attrs[attrStatus] = string(f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	recs, err := t.store.Query(ctx, cache.NamespaceTraces, state.Filter{Attrs: attrs}, limit)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}

	traces := make([]models.ExecutionTrace, 0, len(recs))
	for _, rec := range recs {
		var tr models.ExecutionTrace
		if err := json.Unmarshal(rec.Value, &tr); err != nil {
			t.log.Warn().Err(err).Str(logging.TRACE_ID, rec.Key).Msg("skipping undecodable trace")
			continue
		}
		traces = append(traces, tr)
	}
	return traces, nil
}
