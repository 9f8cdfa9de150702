package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/switchboard/internal/orchestrator"
)

// StatusMsg is one progress update from the orchestrator.
type StatusMsg string

type doneMsg struct {
	resp orchestrator.Response
	err  error
}

// ProgressModel shows a spinner next to the latest status and the recent
// history above it.
type ProgressModel struct {
	spinner   spinner.Model
	title     string
	lines     []string
	maxLines  int
	done      bool
	cancelled bool
	resp      orchestrator.Response
	err       error

	titleStyle lipgloss.Style
	doneStyle  lipgloss.Style
	faintStyle lipgloss.Style
	errStyle   lipgloss.Style
}

// NewProgressModel creates a model titled title.
func NewProgressModel(title string) ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return ProgressModel{
		spinner:  s,
		title:    title,
		maxLines: 8,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			MarginBottom(1),
		doneStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("34")), // Green
		faintStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		errStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")), // Red
	}
}

// Init implements tea.Model.
func (m ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.cancelled = true
			return m, tea.Quit
		}
	case StatusMsg:
		m.lines = append(m.lines, string(msg))
		if len(m.lines) > m.maxLines {
			m.lines = m.lines[len(m.lines)-m.maxLines:]
		}
	case doneMsg:
		m.done = true
		m.resp = msg.resp
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m ProgressModel) View() string {
	var b strings.Builder
	b.WriteString(m.titleStyle.Render(m.title))
	b.WriteString("\n")
	for i, line := range m.lines {
		last := i == len(m.lines)-1
		switch {
		case last && !m.done:
			fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), line)
		default:
			fmt.Fprintf(&b, "%s %s\n", m.doneStyle.Render("✓"), m.faintStyle.Render(line))
		}
	}
	if len(m.lines) == 0 && !m.done {
		fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), m.faintStyle.Render("Starting"))
	}
	if m.done && m.err != nil {
		fmt.Fprintf(&b, "%s %s\n", m.errStyle.Render("✗"), orchestrator.UserMessage(m.err))
	}
	return b.String()
}

// Result returns the finished response, or context.Canceled when the user
// quit first.
func (m ProgressModel) Result() (orchestrator.Response, error) {
	if m.cancelled {
		return orchestrator.Response{}, context.Canceled
	}
	if !m.done {
		return orchestrator.Response{}, errors.New("progress view closed before the request finished")
	}
	return m.resp, m.err
}

// RunRequest runs fn under a progress view. Quitting the view cancels the
// context passed to fn.
func RunRequest(ctx context.Context, title string, fn func(ctx context.Context, progress orchestrator.Progress) (orchestrator.Response, error), opts ...tea.ProgramOption) (orchestrator.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewProgressModel(title), opts...)
	go func() {
		resp, err := fn(ctx, func(status string) { p.Send(StatusMsg(status)) })
		p.Send(doneMsg{resp: resp, err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return orchestrator.Response{}, fmt.Errorf("progress view: %w", err)
	}
	return final.(ProgressModel).Result()
}
