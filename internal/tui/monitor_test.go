package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sandbridge/internal/protocol"
	"github.com/mattjoyce/sandbridge/internal/tasks"
)

type fakeSource struct {
	tasks  []tasks.Task
	counts map[protocol.State]int
	err    error
	filter tasks.ListFilter
}

func (f *fakeSource) List(_ context.Context, filter tasks.ListFilter) ([]tasks.Task, error) {
	f.filter = filter
	return f.tasks, f.err
}

func (f *fakeSource) Counts(context.Context) (map[protocol.State]int, error) {
	return f.counts, f.err
}

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	return next.(Model)
}

func apply(t *testing.T, m Model, cmd tea.Cmd) Model {
	t.Helper()
	require.NotNil(t, cmd)
	next, _ := m.Update(cmd())
	return next.(Model)
}

func TestMonitorRendersTasks(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		tasks: []tasks.Task{
			{ChildAgentID: "aaaaaaaa-1111", Text: "older job", ModelSize: "small", State: protocol.StateOK, AssessmentRequired: true, CreatedAt: now.Add(-time.Minute)},
			{ChildAgentID: "bbbbbbbb-2222", Text: "newer\njob", ModelSize: "large", State: protocol.StateRunning, CreatedAt: now},
		},
		counts: map[protocol.State]int{protocol.StateOK: 1, protocol.StateRunning: 1},
	}
	m := sized(t, NewMonitor(src, Options{State: protocol.StateRunning, Limit: 5}))
	m = apply(t, m, m.Init())

	assert.Equal(t, protocol.StateRunning, src.filter.State)
	assert.Equal(t, 5, src.filter.Limit)

	view := m.View()
	assert.Contains(t, view, "aaaaaaaa")
	assert.Contains(t, view, "bbbbbbbb")
	assert.Contains(t, view, "newer job")
	assert.Contains(t, view, "awaiting assessment: 1")

	// Newest first.
	sel, ok := m.Selected()
	require.True(t, ok)
	assert.Equal(t, "bbbbbbbb-2222", sel.ChildAgentID)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(Model)
	sel, ok = m.Selected()
	require.True(t, ok)
	assert.Equal(t, "aaaaaaaa-1111", sel.ChildAgentID)
	assert.Contains(t, m.View(), "older job")
}

func TestMonitorShowsErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("database is locked")}
	m := sized(t, NewMonitor(src, Options{}))
	m = apply(t, m, m.Init())

	assert.Contains(t, m.View(), "database is locked")
	_, ok := m.Selected()
	assert.False(t, ok)
}

func TestMonitorQuit(t *testing.T) {
	m := NewMonitor(&fakeSource{}, Options{})
	assert.Equal(t, "Loading...", m.View())

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	_, isQuit := cmd().(tea.QuitMsg)
	assert.True(t, isQuit)
}

func TestAssessmentLabel(t *testing.T) {
	tests := []struct {
		task tasks.Task
		want string
	}{
		{tasks.Task{State: protocol.StateOK}, "-"},
		{tasks.Task{State: protocol.StateRunning, AssessmentRequired: true}, "required"},
		{tasks.Task{State: protocol.StateError, AssessmentRequired: true}, "pending"},
		{tasks.Task{State: protocol.StateOK, AssessmentRequired: true, Assessment: &protocol.Assessment{Verdict: "satisfied"}}, "satisfied"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, assessmentLabel(tt.task))
	}
	assert.Equal(t, "abc…", truncate("abcdef", 4))
	assert.True(t, strings.HasPrefix(shortID("0123456789"), "01234567"))
}
