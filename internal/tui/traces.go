package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/ShayCichocki/switchboard/internal/trace"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	successStyle = cellStyle.Foreground(lipgloss.Color("34"))
	errorStyle   = cellStyle.Foreground(lipgloss.Color("196"))
	timeoutStyle = cellStyle.Foreground(lipgloss.Color("214"))
)

// RenderTraces renders traces as a table.
func RenderTraces(traces []models.ExecutionTrace) string {
	rows := make([][]string, 0, len(traces))
	for _, tr := range traces {
		rows = append(rows, []string{
			tr.TraceID,
			string(tr.Status),
			tr.StartedAt.Local().Format("2006-01-02 15:04:05"),
			tr.Duration.Round(time.Millisecond).String(),
			fmt.Sprint(len(tr.Calls)),
			orDash(tr.Capability),
			orDash(trace.Truncate(firstLine(tr.Error), 60)),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("238"))).
		Headers("TRACE", "STATUS", "STARTED", "DURATION", "CALLS", "CAPABILITY", "ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col != 1 {
				return cellStyle
			}
			switch models.TraceStatus(rows[row][1]) {
			case models.TraceStatusSuccess:
				return successStyle
			case models.TraceStatusTimeout:
				return timeoutStyle
			default:
				return errorStyle
			}
		})
	return t.Render()
}

// RenderTrace renders one trace with its calls.
func RenderTrace(tr models.ExecutionTrace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", headerStyle.UnsetPadding().Render("Trace"), tr.TraceID)
	fmt.Fprintf(&b, "status:     %s\n", tr.Status)
	fmt.Fprintf(&b, "user:       %s\n", orDash(tr.UserID))
	fmt.Fprintf(&b, "capability: %s\n", orDash(tr.Capability))
	fmt.Fprintf(&b, "started:    %s (%s)\n", tr.StartedAt.Local().Format(time.RFC3339), tr.Duration.Round(time.Millisecond))
	if tr.Error != "" {
		fmt.Fprintf(&b, "error:      %s\n", tr.Error)
	}
	if tr.OutputPreview != "" {
		fmt.Fprintf(&b, "output:     %s\n", firstLine(tr.OutputPreview))
	}
	if len(tr.Calls) > 0 {
		b.WriteString("\ncalls:\n")
		for i, c := range tr.Calls {
			mark := "ok"
			if c.IsError {
				mark = "ERR"
			}
			fmt.Fprintf(&b, "%3d. %-3s %-40s %8s  %s\n", i+1, mark, c.Name, c.Duration.Round(time.Millisecond), firstLine(c.OutputPreview))
		}
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
