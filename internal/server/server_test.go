package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ShayCichocki/switchboard/internal/app"
	"github.com/ShayCichocki/switchboard/internal/config"
	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/internal/provider"
	"github.com/ShayCichocki/switchboard/internal/skill"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

const searchSkill = `name: search
description: Find documents and web pages
keywords: [find, lookup, search]
provider: search
`

type recordingNotifier struct {
	sent []string
}

func (n *recordingNotifier) Send(_ context.Context, channelID, text string) error {
	n.sent = append(n.sent, channelID+":"+text)
	return nil
}

func newRuntime(t *testing.T, gen *provider.Static) (*app.Runtime, *recordingNotifier) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "switchboard.db")
	cfg.Skills.Dir = filepath.Join(dir, "skills")
	cfg.Skills.Watch = false
	cfg.Tracer.SampleRate = 1
	cfg.Orchestrator.RetryBase = time.Millisecond
	cfg.Orchestrator.RetryMax = time.Millisecond
	if err := os.MkdirAll(cfg.Skills.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Skills.Dir, "search.yaml"), []byte(searchSkill), 0o644); err != nil {
		t.Fatal(err)
	}

	n := &recordingNotifier{}
	rt, err := app.New(context.Background(), cfg, app.Options{Generator: gen, Notifier: n, NoSweep: true})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt, n
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndMetrics(t *testing.T) {
	rt, _ := newRuntime(t, &provider.Static{})
	h := New(rt).Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "switchboard_breaker_state") {
		t.Errorf("metrics = %d, missing breaker gauge", rec.Code)
	}
}

func TestExecute(t *testing.T) {
	gen := &provider.Static{
		GenerateFunc: func(_ context.Context, prompt string) (string, error) {
			return "Hello! What can I do for you?", nil
		},
	}
	rt, notifier := newRuntime(t, gen)
	h := New(rt).Handler()

	rec := do(t, h, http.MethodPost, "/v1/execute", `{"text":"hello","user_id":"u1","channel_id":"ops"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp orchestrator.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "Hello! What can I do for you?" || resp.TraceID == "" {
		t.Errorf("resp = %+v", resp)
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != "ops:Hello! What can I do for you?" {
		t.Errorf("notifications = %v", notifier.sent)
	}

	rec = do(t, h, http.MethodGet, "/v1/traces/"+resp.TraceID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get trace = %d", rec.Code)
	}
	var tr models.ExecutionTrace
	if err := json.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode trace: %v", err)
	}
	if tr.TraceID != resp.TraceID || tr.Status != models.TraceStatusSuccess {
		t.Errorf("trace = %+v", tr)
	}

	rec = do(t, h, http.MethodGet, "/v1/traces?user_id=u1&status=success", "")
	var list struct {
		Traces []models.ExecutionTrace `json:"traces"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Traces) != 1 {
		t.Errorf("listed %d traces", len(list.Traces))
	}
}

func TestExecute_InvalidPlan(t *testing.T) {
	gen := &provider.Static{
		PlanFunc: func(context.Context, string) (string, error) {
			return `[{"id":"a","description":"x","depends_on":["b"]},{"id":"b","description":"y","depends_on":["a"]}]`, nil
		},
	}
	rt, _ := newRuntime(t, gen)
	h := New(rt).Handler()

	rec := do(t, h, http.MethodPost, "/v1/execute", `{"text":"loop"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.Error, "Invalid plan: ") || body.TraceID == "" {
		t.Errorf("body = %+v", body)
	}

	rec = do(t, h, http.MethodGet, "/v1/traces?status=error", "")
	if !strings.Contains(rec.Body.String(), body.TraceID) {
		t.Errorf("failed trace not listed: %s", rec.Body.String())
	}
}

func TestBadRequests(t *testing.T) {
	rt, _ := newRuntime(t, &provider.Static{})
	h := New(rt).Handler()

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/v1/execute", `{"text":""}`, http.StatusBadRequest},
		{http.MethodPost, "/v1/execute", `not json`, http.StatusBadRequest},
		{http.MethodPost, "/v1/execute", `{"text":"hi","extra":1}`, http.StatusBadRequest},
		{http.MethodGet, "/v1/execute", ``, http.StatusMethodNotAllowed},
		{http.MethodPost, "/v1/route", `{}`, http.StatusBadRequest},
		{http.MethodGet, "/v1/traces?status=exploded", ``, http.StatusBadRequest},
		{http.MethodGet, "/v1/traces?limit=-1", ``, http.StatusBadRequest},
		{http.MethodGet, "/v1/traces/missing", ``, http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := do(t, h, tt.method, tt.path, tt.body); rec.Code != tt.want {
			t.Errorf("%s %s %s = %d, want %d", tt.method, tt.path, tt.body, rec.Code, tt.want)
		}
	}
}

func TestRouteAndBreakers(t *testing.T) {
	rt, _ := newRuntime(t, &provider.Static{})
	h := New(rt).Handler()

	rec := do(t, h, http.MethodPost, "/v1/route", `{"text":"@search golang generics","limit":2}`)
	var routed struct {
		Matches []models.Match `json:"matches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &routed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(routed.Matches) != 1 || routed.Matches[0].Capability != "search" {
		t.Errorf("matches = %+v", routed.Matches)
	}

	rec = do(t, h, http.MethodGet, "/v1/breakers", "")
	var stats map[string]struct {
		State models.CircuitState `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode breakers: %v", err)
	}
	if stats["generation"].State != models.CircuitClosed {
		t.Errorf("breakers = %+v", stats)
	}

	rec = do(t, h, http.MethodGet, "/v1/cache/stats", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"max_size":10000`) {
		t.Errorf("cache stats = %d %s", rec.Code, rec.Body.String())
	}
}

// The "search" dependency fails until its breaker opens; the next request
// is rejected without calling it and reports the cooldown.
func TestSearchOutage(t *testing.T) {
	gen := &provider.Static{}
	rt, _ := newRuntime(t, gen)
	var calls int
	rt.Skills.Register("search", skill.HandlerFunc(func(context.Context, skill.Invocation) (string, error) {
		calls++
		return "", errors.New("search backend unreachable")
	}))

	threshold := rt.Breakers.PolicyFor("search").FailureThreshold
	for i := 0; i < threshold; i++ {
		resp, err := rt.Orchestrator.Execute(context.Background(), orchestrator.Request{Text: "/search golang"}, nil)
		if err != nil || !resp.Partial {
			t.Fatalf("request %d: partial=%v err=%v", i, resp.Partial, err)
		}
	}
	if calls != threshold {
		t.Fatalf("search called %d times, want %d", calls, threshold)
	}

	resp, err := rt.Orchestrator.Execute(context.Background(), orchestrator.Request{Text: "/search golang"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != threshold {
		t.Error("open breaker let the call through")
	}
	if !strings.Contains(resp.Results[0].Output, `circuit "search" open`) {
		t.Errorf("result = %q", resp.Results[0].Output)
	}

	st := rt.Breakers.Stats()["search"]
	if st.State != models.CircuitOpen || st.Remaining <= 25*time.Second || st.Remaining > 30*time.Second {
		t.Errorf("search breaker = %+v, want open with about 30s remaining", st)
	}
}

func TestMCPTools(t *testing.T) {
	gen := &provider.Static{
		GenerateFunc: func(context.Context, string) (string, error) { return "done", nil },
	}
	rt, _ := newRuntime(t, gen)
	ctx := context.Background()

	s := NewMCP(rt)
	if s == nil {
		t.Fatal("NewMCP returned nil")
	}

	res, err := (&ExecuteTool{rt: rt}).Handle(ctx, makeReq(map[string]any{"text": "hello", "user_id": "u9"}))
	if err != nil || res.IsError {
		t.Fatalf("execute_request: %v %s", err, resultText(res))
	}
	out := resultText(res)
	if !strings.HasPrefix(out, "done") || !strings.Contains(out, "trace: ") {
		t.Errorf("execute_request = %q", out)
	}
	traceID := strings.TrimSpace(out[strings.Index(out, "trace: ")+len("trace: "):])

	res, _ = (&GetTraceTool{rt: rt}).Handle(ctx, makeReq(map[string]any{"trace_id": traceID}))
	if res.IsError || !strings.Contains(resultText(res), `"user_id": "u9"`) {
		t.Errorf("get_trace = %s", resultText(res))
	}

	res, _ = (&ListTracesTool{rt: rt}).Handle(ctx, makeReq(map[string]any{"user_id": "u9"}))
	if !strings.Contains(resultText(res), "Found 1 traces") {
		t.Errorf("list_traces = %s", resultText(res))
	}

	res, _ = (&RouteTool{rt: rt}).Handle(ctx, makeReq(map[string]any{"text": "/search cats"}))
	if !strings.Contains(resultText(res), "1. search (score 1.00, explicit)") {
		t.Errorf("route_request = %s", resultText(res))
	}

	res, _ = (&BreakerStatsTool{rt: rt}).Handle(ctx, makeReq(nil))
	if !strings.Contains(resultText(res), "**generation**: closed") {
		t.Errorf("breaker_stats = %s", resultText(res))
	}

	res, _ = (&ExecuteTool{rt: rt}).Handle(ctx, makeReq(map[string]any{}))
	if !res.IsError {
		t.Error("missing text should be a tool error")
	}
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	var b bytes.Buffer
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
