// Package tui implements the terminal task monitor behind `sandbridge watch`.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/sandbridge/internal/protocol"
	"github.com/mattjoyce/sandbridge/internal/tasks"
)

const (
	DefaultRefresh = time.Second
	DefaultLimit   = 200

	textWidth = 40
)

// Source is the part of the task store the monitor reads.
type Source interface {
	List(ctx context.Context, filter tasks.ListFilter) ([]tasks.Task, error)
	Counts(ctx context.Context) (map[protocol.State]int, error)
}

// Options configures a Model.
type Options struct {
	Refresh time.Duration
	Limit   int
	State   protocol.State
}

// Model is the BubbleTea model for the task monitor.
type Model struct {
	src  Source
	opts Options

	width  int
	height int

	tasks       []tasks.Task
	counts      map[protocol.State]int
	lastRefresh time.Time
	lastError   string

	table  table.Model
	detail viewport.Model
	theme  Theme
}

type refreshMsg struct {
	tasks  []tasks.Task
	counts map[protocol.State]int
	at     time.Time
}

type errMsg struct{ err error }

type tickMsg time.Time

// NewMonitor returns a monitor over src.
func NewMonitor(src Source, opts Options) Model {
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "ID", Width: 8},
			{Title: "Model", Width: 6},
			{Title: "Age", Width: 8},
			{Title: "Assessment", Width: 12},
			{Title: "Text", Width: textWidth},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		src:    src,
		opts:   opts,
		counts: map[protocol.State]int{},
		table:  t,
		detail: viewport.New(0, 6),
		theme:  NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return m.refresh()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		if h := m.height/2 - 4; h > 3 {
			m.table.SetHeight(h)
		}
		m.detail.Width = m.width - 6
		m.detail.Height = max(3, m.height/4)

	case refreshMsg:
		m.tasks = msg.tasks
		m.counts = msg.counts
		m.lastRefresh = msg.at
		m.lastError = ""
		m.updateTable(msg.at)
		m.updateDetail()
		return m, m.scheduleRefresh()

	case errMsg:
		m.lastError = msg.err.Error()
		return m, m.scheduleRefresh()

	case tickMsg:
		return m, m.refresh()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	m.updateDetail()
	return m, cmd
}

// Selected returns the task under the cursor.
func (m Model) Selected() (tasks.Task, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.tasks) {
		return tasks.Task{}, false
	}
	return m.tasks[i], true
}

func (m *Model) updateTable(now time.Time) {
	rows := make([]table.Row, 0, len(m.tasks))
	for _, t := range m.tasks {
		rows = append(rows, table.Row{
			m.stateSymbol(t.State),
			shortID(t.ChildAgentID),
			t.ModelSize,
			now.Sub(t.CreatedAt).Round(time.Second).String(),
			assessmentLabel(t),
			truncate(oneLine(t.Text), textWidth),
		})
	}
	m.table.SetRows(rows)
	if m.table.Cursor() >= len(rows) && len(rows) > 0 {
		m.table.SetCursor(len(rows) - 1)
	}
}

func (m *Model) updateDetail() {
	t, ok := m.Selected()
	if !ok {
		m.detail.SetContent(m.theme.Dim.Render("No subagents yet..."))
		return
	}

	lines := []string{
		fmt.Sprintf("id:      %s", t.ChildAgentID),
		fmt.Sprintf("state:   %s", t.State),
		fmt.Sprintf("text:    %s", oneLine(t.Text)),
	}
	if len(t.Payload) > 0 {
		lines = append(lines, fmt.Sprintf("payload: %s", oneLine(string(t.Payload))))
	}
	if t.SelfAssessment != nil {
		lines = append(lines, fmt.Sprintf("self:    %s %s", t.SelfAssessment.Verdict, t.SelfAssessment.Reason))
	}
	if t.Stderr != nil && *t.Stderr != "" {
		lines = append(lines, "stderr:", *t.Stderr)
	}
	m.detail.SetContent(strings.Join(lines, "\n"))
	m.detail.GotoTop()
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	inner := m.width - 4

	header := m.theme.Border.Width(inner).Render(m.renderCounts())
	list := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Subagents"),
			m.table.View(),
		),
	)
	detail := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Detail"),
			m.detail.View(),
		),
	)

	parts := []string{header, list, detail}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [r] Refresh • [↑/↓] Select"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderCounts() string {
	states := []protocol.State{protocol.StateRunning, protocol.StateOK, protocol.StateError, protocol.StateCancelled}
	items := make([]string, 0, len(states)+1)
	for _, st := range states {
		items = append(items, fmt.Sprintf("%s %s: %d", m.stateSymbol(st), st, m.counts[st]))
	}
	pending := 0
	for _, t := range m.tasks {
		if t.Snapshot().NeedsAssessment() {
			pending++
		}
	}
	if pending > 0 {
		items = append(items, m.theme.Alert.Render(fmt.Sprintf("awaiting assessment: %d", pending)))
	}
	if !m.lastRefresh.IsZero() {
		items = append(items, m.theme.Dim.Render("updated "+m.lastRefresh.Format("15:04:05")))
	}
	return strings.Join(items, "   ")
}

func (m Model) stateSymbol(st protocol.State) string {
	switch st {
	case protocol.StateRunning:
		return m.theme.StatusRunning.Render("◉")
	case protocol.StateOK:
		return m.theme.StatusOK.Render("●")
	case protocol.StateError:
		return m.theme.StatusFailed.Render("∅")
	case protocol.StateCancelled:
		return m.theme.StatusCancelled.Render("◌")
	}
	return "○"
}

func (m Model) refresh() tea.Cmd {
	src, opts := m.src, m.opts
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		list, err := src.List(ctx, tasks.ListFilter{State: opts.State, Limit: opts.Limit})
		if err != nil {
			return errMsg{err}
		}
		counts, err := src.Counts(ctx)
		if err != nil {
			return errMsg{err}
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
		return refreshMsg{tasks: list, counts: counts, at: time.Now()}
	}
}

func (m Model) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.opts.Refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func assessmentLabel(t tasks.Task) string {
	switch {
	case t.Assessment != nil:
		return t.Assessment.Verdict
	case t.AssessmentRequired && t.State.Terminal():
		return "pending"
	case t.AssessmentRequired:
		return "required"
	}
	return "-"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
