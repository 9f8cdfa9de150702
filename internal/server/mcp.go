package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ShayCichocki/switchboard/internal/app"
	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/internal/trace"
	"github.com/ShayCichocki/switchboard/internal/version"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// NewMCP creates an MCP server exposing rt as tools. Serve it with
// mcpserver.ServeStdio.
func NewMCP(rt *app.Runtime) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer(
		"switchboard",
		version.Get(),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions("Route requests to capabilities, execute them, and inspect execution traces and dependency health."),
	)

	route := &RouteTool{rt: rt}
	s.AddTool(route.Definition(), route.Handle)
	execute := &ExecuteTool{rt: rt}
	s.AddTool(execute.Definition(), execute.Handle)
	get := &GetTraceTool{rt: rt}
	s.AddTool(get.Definition(), get.Handle)
	list := &ListTracesTool{rt: rt}
	s.AddTool(list.Definition(), list.Handle)
	stats := &BreakerStatsTool{rt: rt}
	s.AddTool(stats.Definition(), stats.Handle)
	return s
}

// RouteTool handles the route_request tool.
type RouteTool struct {
	rt *app.Runtime
}

// Definition returns the MCP tool definition for route_request.
func (t *RouteTool) Definition() mcp.Tool {
	return mcp.NewTool("route_request",
		mcp.WithDescription("Rank the capabilities that best match a free-text request."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The request text")),
		mcp.WithNumber("limit", mcp.Description("Max matches (default: 3)")),
	)
}

// Handle processes the route_request tool call.
func (t *RouteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("text", "")
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("'text' is required"), nil
	}
	matches, err := t.rt.Router.Route(ctx, text, req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(orchestrator.UserMessage(err)), nil
	}
	if len(matches) == 0 {
		return mcp.NewToolResultText("No capability matches this request; it would be answered directly."), nil
	}
	var b strings.Builder
	for i, m := range matches {
		fmt.Fprintf(&b, "%d. %s (score %.2f, %s)\n", i+1, m.Capability, m.Score, m.Source)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// ExecuteTool handles the execute_request tool.
type ExecuteTool struct {
	rt *app.Runtime
}

// Definition returns the MCP tool definition for execute_request.
func (t *ExecuteTool) Definition() mcp.Tool {
	return mcp.NewTool("execute_request",
		mcp.WithDescription("Decompose, execute and answer a request. Returns the answer and its trace id."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The request text")),
		mcp.WithString("user_id", mcp.Description("User the trace is attributed to")),
		mcp.WithString("session_id", mcp.Description("Conversation id; earlier turns are used as context")),
	)
}

// Handle processes the execute_request tool call.
func (t *ExecuteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("text", "")
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("'text' is required"), nil
	}
	resp, err := t.rt.Orchestrator.Execute(ctx, orchestrator.Request{
		Text:      text,
		UserID:    req.GetString("user_id", ""),
		SessionID: req.GetString("session_id", ""),
	}, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s (trace %s)", orchestrator.UserMessage(err), resp.TraceID)), nil
	}

	var b strings.Builder
	b.WriteString(resp.Text)
	fmt.Fprintf(&b, "\n\n---\ntrace: %s", resp.TraceID)
	if resp.Partial {
		b.WriteString(" (partial)")
	}
	return mcp.NewToolResultText(b.String()), nil
}

// GetTraceTool handles the get_trace tool.
type GetTraceTool struct {
	rt *app.Runtime
}

// Definition returns the MCP tool definition for get_trace.
func (t *GetTraceTool) Definition() mcp.Tool {
	return mcp.NewTool("get_trace",
		mcp.WithDescription("Fetch a persisted execution trace as JSON."),
		mcp.WithString("trace_id", mcp.Required(), mcp.Description("Trace id returned by execute_request")),
	)
}

// Handle processes the get_trace tool call.
func (t *GetTraceTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("trace_id", "")
	if id == "" {
		return mcp.NewToolResultError("'trace_id' is required"), nil
	}
	tr, ok, err := t.rt.Tracer.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get trace: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("trace %s not found (successful traces are sampled)", id)), nil
	}
	raw, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// ListTracesTool handles the list_traces tool.
type ListTracesTool struct {
	rt *app.Runtime
}

// Definition returns the MCP tool definition for list_traces.
func (t *ListTracesTool) Definition() mcp.Tool {
	return mcp.NewTool("list_traces",
		mcp.WithDescription("List recent persisted traces, newest first."),
		mcp.WithString("user_id", mcp.Description("Filter by user")),
		mcp.WithString("status", mcp.Description("Filter by status: success, error, timeout")),
		mcp.WithNumber("limit", mcp.Description("Max results (default: 20)")),
	)
}

// Handle processes the list_traces tool call.
func (t *ListTracesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := models.TraceStatus(req.GetString("status", ""))
	if status != "" && !status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", status)), nil
	}
	traces, err := t.rt.Tracer.List(ctx, trace.Filter{
		UserID: req.GetString("user_id", ""),
		Status: status,
		Limit:  req.GetInt("limit", 20),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list traces: %v", err)), nil
	}
	if len(traces) == 0 {
		return mcp.NewToolResultText("No traces found."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d traces:\n\n", len(traces))
	for _, tr := range traces {
		fmt.Fprintf(&b, "- %s  %-7s  %s  %s  %d calls  %s\n",
			tr.TraceID, tr.Status, tr.StartedAt.Format("2006-01-02 15:04:05"),
			tr.Duration.Round(time.Millisecond), len(tr.Calls), orNone(tr.Capability))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// BreakerStatsTool handles the breaker_stats tool.
type BreakerStatsTool struct {
	rt *app.Runtime
}

// Definition returns the MCP tool definition for breaker_stats.
func (t *BreakerStatsTool) Definition() mcp.Tool {
	return mcp.NewTool("breaker_stats",
		mcp.WithDescription("Show the circuit breaker state of every outbound dependency."),
	)
}

// Handle processes the breaker_stats tool call.
func (t *BreakerStatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := t.rt.Breakers.Stats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("## Circuit breakers\n\n")
	for _, name := range names {
		st := stats[name]
		fmt.Fprintf(&b, "- **%s**: %s (failures %d)", name, st.State, st.FailureCount)
		if st.Remaining > 0 {
			fmt.Fprintf(&b, ", retry in %s", st.Remaining.Round(time.Second))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
