package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

func TestNewRecorder_NilRegistry(t *testing.T) {
	if _, err := NewRecorder(nil); err == nil {
		t.Fatal("expected error for nil registry")
	}
}

func TestNewRecorder_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewRecorder(reg); err != nil {
		t.Fatalf("first NewRecorder: %v", err)
	}
	if _, err := NewRecorder(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRecorder_BreakerState(t *testing.T) {
	rec, err := NewRecorder(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	tests := []struct {
		state models.CircuitState
		want  float64
	}{
		{models.CircuitClosed, 0},
		{models.CircuitHalfOpen, 1},
		{models.CircuitOpen, 2},
	}
	for _, tt := range tests {
		rec.ObserveBreakerState("search", tt.state)
		if got := testutil.ToFloat64(rec.breakerState.WithLabelValues("search")); got != tt.want {
			t.Errorf("state %s gauge = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestRecorder_Handler(t *testing.T) {
	reg := NewRegistry()
	rec, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	rec.ObserveBreakerRejected("search")
	rec.ObserveCacheHit("routes", "fast")
	rec.ObserveCacheMiss("routes")
	rec.ObserveTrace(models.TraceStatusError, true)
	rec.ObserveSubTask("summarize", false, 20*time.Millisecond)
	rec.ObserveRoute("semantic")
	rec.ObserveRequest("done")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics endpoint: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	text := string(body)
	for _, name := range []string{
		"switchboard_breaker_rejections_total",
		"switchboard_cache_operations_total",
		"switchboard_traces_total",
		"switchboard_subtasks_total",
		"switchboard_routes_total",
		"switchboard_requests_total",
		"go_goroutines",
	} {
		if !strings.Contains(text, name) {
			t.Errorf("missing metric %s", name)
		}
	}
}
