package trace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ShayCichocki/switchboard/internal/breaker"
	"github.com/ShayCichocki/switchboard/internal/cache"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	mu        sync.Mutex
	ended     map[models.TraceStatus]int
	persisted int
}

func (o *countingObserver) ObserveTrace(status models.TraceStatus, persisted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended == nil {
		o.ended = make(map[models.TraceStatus]int)
	}
	o.ended[status]++
	if persisted {
		o.persisted++
	}
}

type fixture struct {
	tracer *Tracer
	store  *cache.Store
	db     *state.DB
	clock  *fakeClock
	obs    *countingObserver
}

func newFixture(t *testing.T, rate float64) *fixture {
	t.Helper()
	db, err := state.OpenMigrated(filepath.Join(t.TempDir(), "traces.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	nop := zerolog.Nop()
	store := cache.New(db, cache.Options{MaxSize: 100, DefaultTTL: time.Hour, Now: clock.Now, Logger: &nop})

	var seq int
	obs := &countingObserver{}
	tr := New(store, Options{
		SampleRate: rate,
		Observer:   obs,
		Logger:     &nop,
		Now:        clock.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("trace-%04d", seq)
		},
	})
	return &fixture{tracer: tr, store: store, db: db, clock: clock, obs: obs}
}

func TestSampled_Deterministic(t *testing.T) {
	id := uuid.NewString()
	first := Sampled(id, 0.5)
	for i := 0; i < 10; i++ {
		if Sampled(id, 0.5) != first {
			t.Fatal("sampling decision changed for the same id")
		}
	}
	if Sampled(id, 0) {
		t.Error("rate 0 must never sample")
	}
	if !Sampled(id, 1) {
		t.Error("rate 1 must always sample")
	}
}

func TestSampled_RateWithinTolerance(t *testing.T) {
	const n = 10000
	kept := 0
	for i := 0; i < n; i++ {
		if Sampled(uuid.NewString(), 0.1) {
			kept++
		}
	}
	if kept < 800 || kept > 1200 {
		t.Errorf("kept %d of %d successful traces, want 10%% +/- 2%%", kept, n)
	}
}

func TestNew_SampleRateDefault(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want float64
	}{
		{"zero uses default", 0, DefaultSampleRate},
		{"explicit rate kept", 0.5, 0.5},
		{"none kept", SampleNone, SampleNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.rate)
			if f.tracer.sampleRate != tt.want {
				t.Errorf("sampleRate = %v, want %v", f.tracer.sampleRate, tt.want)
			}
		})
	}

	f := newFixture(t, SampleNone)
	for i := 0; i < 50; i++ {
		h, _ := f.tracer.Begin(context.Background(), "u1", "search")
		h.End(nil)
	}
	if f.obs.persisted != 0 {
		t.Errorf("persisted %d successful traces with SampleNone", f.obs.persisted)
	}
}

func TestEnd_AllErrorsPersisted(t *testing.T) {
	f := newFixture(t, SampleNone)
	ctx := context.Background()

	const n = 25
	for i := 0; i < n; i++ {
		h, _ := f.tracer.Begin(ctx, "u1", "search")
		err := errors.New("backend exploded")
		h.End(&err)
	}
	for i := 0; i < n; i++ {
		h, _ := f.tracer.Begin(ctx, "u1", "search")
		h.End(nil)
	}

	if f.obs.persisted != n {
		t.Errorf("persisted = %d, want %d (all errors, no successes at rate 0)", f.obs.persisted, n)
	}
	got, err := f.tracer.List(ctx, Filter{UserID: "u1", Limit: 100})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != n {
		t.Fatalf("listed %d traces, want %d", len(got), n)
	}
	for _, tr := range got {
		if tr.Status != models.TraceStatusError {
			t.Errorf("trace %s status = %s, want error", tr.TraceID, tr.Status)
		}
	}
}

func TestEnd_StatusDerivation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.TraceStatus
	}{
		{"success", nil, models.TraceStatusSuccess},
		{"error", errors.New("boom"), models.TraceStatusError},
		{"deadline", context.DeadlineExceeded, models.TraceStatusTimeout},
		{"breaker timeout", &breaker.TimeoutError{Name: "search", Timeout: time.Second}, models.TraceStatusTimeout},
		{"wrapped breaker timeout", fmt.Errorf("worker: %w", &breaker.TimeoutError{Name: "search"}), models.TraceStatusTimeout},
		{"circuit open", &breaker.CircuitOpenError{Name: "search", Remaining: time.Second}, models.TraceStatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1)
			h, _ := f.tracer.Begin(context.Background(), "u", "cap")
			err := tt.err
			got := h.End(&err)
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
		})
	}
}

func TestEnd_Idempotent(t *testing.T) {
	f := newFixture(t, 1)
	h, _ := f.tracer.Begin(context.Background(), "u", "cap")
	f.clock.Advance(2 * time.Second)

	first := h.End(nil)
	f.clock.Advance(time.Minute)
	err := errors.New("late")
	second := h.End(&err)

	if second.Status != models.TraceStatusSuccess {
		t.Errorf("second End changed status to %s", second.Status)
	}
	if !second.EndedAt.Equal(first.EndedAt) {
		t.Errorf("second End moved EndedAt from %v to %v", first.EndedAt, second.EndedAt)
	}
	if first.Duration != 2*time.Second {
		t.Errorf("duration = %v, want 2s", first.Duration)
	}
	if f.obs.ended[models.TraceStatusSuccess] != 1 || len(f.obs.ended) != 1 {
		t.Errorf("observer saw %v, want exactly one success", f.obs.ended)
	}
}

func TestRecordCall_CapAndRedaction(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	h, ctx := f.tracer.Begin(ctx, "u", "cap")

	if FromContext(ctx) != h {
		t.Fatal("FromContext did not return the handle")
	}
	for i := 0; i < 150; i++ {
		FromContext(ctx).RecordCall(models.CallTrace{
			Name:         fmt.Sprintf("call-%d", i),
			InputPreview: "api_key=abcdef123456",
		})
	}
	got := h.End(nil)

	if len(got.Calls) != 100 {
		t.Fatalf("recorded %d calls, want 100", len(got.Calls))
	}
	if got.Calls[99].Name != "call-99" {
		t.Errorf("last call = %s, want call-99", got.Calls[99].Name)
	}
	if got.Calls[0].InputPreview != "api_key="+Redacted {
		t.Errorf("input preview not redacted: %q", got.Calls[0].InputPreview)
	}
}

func TestHandle_CallRecordsTiming(t *testing.T) {
	f := newFixture(t, 1)
	h, _ := f.tracer.Begin(context.Background(), "u", "cap")

	out, err := h.Call("embed", "hello", func() (string, error) {
		f.clock.Advance(150 * time.Millisecond)
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("Call = %q, %v", out, err)
	}
	_, err = h.Call("search", "hello", func() (string, error) {
		return "", errors.New("index down")
	})
	if err == nil {
		t.Fatal("expected error from Call")
	}

	got := h.End(nil)
	if len(got.Calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(got.Calls))
	}
	if got.Calls[0].Duration != 150*time.Millisecond {
		t.Errorf("duration = %v", got.Calls[0].Duration)
	}
	if !got.Calls[1].IsError || got.Calls[1].OutputPreview != "index down" {
		t.Errorf("error call = %+v", got.Calls[1])
	}
}

func TestNilHandle_IsSafe(t *testing.T) {
	h := FromContext(context.Background())
	if h != nil {
		t.Fatal("expected nil handle")
	}
	h.RecordCall(models.CallTrace{Name: "x"})
	h.SetOutput("out")
	h.SetCapability("cap")
	h.Fail(errors.New("x"))
	if got := h.End(nil); got.TraceID != "" {
		t.Errorf("nil End returned %+v", got)
	}
	out, err := h.Call("x", "", func() (string, error) { return "y", nil })
	if out != "y" || err != nil {
		t.Errorf("nil Call = %q, %v", out, err)
	}
}

func TestFail_MarksErrorWithoutPropagatedError(t *testing.T) {
	f := newFixture(t, SampleNone)
	h, _ := f.tracer.Begin(context.Background(), "u", "cap")
	h.Fail(errors.New("sub-task failed"))
	got := h.End(nil)
	if got.Status != models.TraceStatusError || got.Error != "sub-task failed" {
		t.Errorf("got status %s error %q", got.Status, got.Error)
	}
	if f.obs.persisted != 1 {
		t.Error("failed trace not persisted")
	}
}

func TestRun_EndsOnReturnAndPanic(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	err := f.tracer.Run(ctx, "u", "cap", func(ctx context.Context, h *Handle) error {
		h.SetOutput("done")
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Errorf("recovered %v, want kaboom", r)
			}
		}()
		_ = f.tracer.Run(ctx, "u", "cap", func(ctx context.Context, h *Handle) error {
			panic("kaboom")
		})
	}()

	if f.obs.ended[models.TraceStatusSuccess] != 1 || f.obs.ended[models.TraceStatusError] != 1 {
		t.Errorf("observer saw %v, want one success and one error", f.obs.ended)
	}

	tr, ok, err := f.tracer.Get(ctx, "trace-0002")
	if err != nil || !ok {
		t.Fatalf("Get panic trace: ok=%v err=%v", ok, err)
	}
	if tr.Error != "panic: kaboom" {
		t.Errorf("panic trace error = %q", tr.Error)
	}
}

func TestGet_ReadsDurableTier(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	h, _ := f.tracer.Begin(ctx, "u", "weather")
	h.SetOutput("sunny, token=abc")
	h.End(nil)

	// A second instance over the same durable store has a cold fast tier.
	nop := zerolog.Nop()
	other := New(cache.New(f.db, cache.Options{Now: f.clock.Now, Logger: &nop}), Options{Logger: &nop, Now: f.clock.Now})
	tr, ok, err := other.Get(ctx, "trace-0001")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if tr.OutputPreview != "sunny, token="+Redacted {
		t.Errorf("output preview = %q", tr.OutputPreview)
	}
	if tr.Capability != "weather" || tr.UserID != "u" {
		t.Errorf("trace = %+v", tr)
	}

	if err := f.store.Invalidate(ctx, cache.NamespaceTraces, "trace-0001"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, _ := f.tracer.Get(ctx, "trace-0001"); ok {
		t.Fatal("invalidated trace still readable")
	}
}

func TestList_FiltersByStatusNewestFirst(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h, _ := f.tracer.Begin(ctx, "alice", "cap")
		var err error
		if i == 1 {
			err = errors.New("bad")
		}
		h.End(&err)
		f.clock.Advance(time.Second)
	}
	h, _ := f.tracer.Begin(ctx, "bob", "cap")
	h.End(nil)

	all, err := f.tracer.List(ctx, Filter{UserID: "alice"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("alice traces = %d, want 3", len(all))
	}
	if all[0].TraceID != "trace-0003" || all[2].TraceID != "trace-0001" {
		t.Errorf("order = %s..%s, want newest first", all[0].TraceID, all[2].TraceID)
	}

	failed, err := f.tracer.List(ctx, Filter{Status: models.TraceStatusError})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(failed) != 1 || failed[0].TraceID != "trace-0002" {
		t.Errorf("failed traces = %+v", failed)
	}
}
