package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/sandbridge/internal/protocol"
	"github.com/mattjoyce/sandbridge/internal/tui"
)

func runWatch(args []string) int {
	var (
		store   storeFlags
		state   string
		refresh time.Duration
		limit   int
	)
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	store.register(fs)
	fs.StringVar(&state, "state", "", "Only show subagents in this state")
	fs.DurationVar(&refresh, "refresh", tui.DefaultRefresh, "Refresh interval")
	fs.IntVar(&limit, "limit", tui.DefaultLimit, "Maximum rows")
	if _, err := parseArgs(fs, args); err != nil {
		return usageErr(err.Error())
	}
	if state != "" && !protocol.State(state).Valid() {
		return usageErr(fmt.Sprintf("unknown state %q", state))
	}

	st, closeFn, err := store.open(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open task store: %v\n", err)
		return 1
	}
	defer closeFn()

	m := tui.NewMonitor(st, tui.Options{
		Refresh: refresh,
		Limit:   limit,
		State:   protocol.State(state),
	})
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running monitor: %v\n", err)
		return 1
	}
	return 0
}
