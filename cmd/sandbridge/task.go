package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/sandbridge/internal/protocol"
	"github.com/mattjoyce/sandbridge/internal/storage"
	"github.com/mattjoyce/sandbridge/internal/tasks"
)

func runTaskNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printTaskHelp(os.Stdout)
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action, rest := args[0], args[1:]
	switch action {
	case "list":
		return runTaskList(rest)
	case "show":
		return runTaskShow(rest)
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", action)
		return 1
	}
}

func printTaskHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: sandbridge task <action> [flags]

Actions:
  list [--state STATE] [--limit N] [--json]
  show <child_agent_id> [--json]

Flags:
  --config PATH   Configuration file (locates the manager database)
  --db PATH       Manager database (overrides config)
`)
}

// storeFlags locate the manager database.
type storeFlags struct {
	configPath string
	dbPath     string
}

func (s *storeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&s.dbPath, "db", "", "Path to the manager database")
}

// open returns the task store and a close func.
func (s *storeFlags) open(ctx context.Context) (*tasks.Store, func(), error) {
	path := s.dbPath
	if path == "" {
		cfg, err := loadConfig(s.configPath, false)
		if err != nil {
			return nil, nil, err
		}
		path = cfg.Manager.StatePath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("manager database %s: %w", path, err)
	}
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return tasks.New(db), func() { closeDB(db) }, nil
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: close database: %v\n", err)
	}
}

func runTaskList(args []string) int {
	var (
		store   storeFlags
		state   string
		limit   int
		jsonOut bool
	)
	fs := flag.NewFlagSet("task list", flag.ContinueOnError)
	store.register(fs)
	fs.StringVar(&state, "state", "", "Filter by state (running, ok, error, cancelled)")
	fs.IntVar(&limit, "limit", 50, "Maximum rows")
	fs.BoolVar(&jsonOut, "json", false, "Output JSON")
	if _, err := parseArgs(fs, args); err != nil {
		return usageErr(err.Error())
	}
	filter := tasks.ListFilter{Limit: limit}
	if state != "" {
		st := protocol.State(state)
		if !st.Valid() {
			return usageErr(fmt.Sprintf("unknown state %q", state))
		}
		filter.State = st
	}

	ctx := context.Background()
	st, closeFn, err := store.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open task store: %v\n", err)
		return 1
	}
	defer closeFn()

	list, err := st.List(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list tasks: %v\n", err)
		return 1
	}

	if jsonOut {
		views := make([]taskView, 0, len(list))
		for i := range list {
			views = append(views, newTaskView(&list[i], nil))
		}
		return printJSON(views)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHILD_AGENT_ID\tSTATE\tMODEL\tCREATED\tASSESSMENT\tTEXT")
	for i := range list {
		t := &list[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ChildAgentID, t.State, t.ModelSize,
			t.CreatedAt.Local().Format(time.DateTime),
			assessmentColumn(t), clip(t.Text, 48))
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}

func runTaskShow(args []string) int {
	var (
		store   storeFlags
		jsonOut bool
	)
	fs := flag.NewFlagSet("task show", flag.ContinueOnError)
	store.register(fs)
	fs.BoolVar(&jsonOut, "json", false, "Output JSON")
	positional, err := parseArgs(fs, args)
	if err != nil {
		return usageErr(err.Error())
	}
	if len(positional) != 1 {
		return usageErr("Usage: sandbridge task show <child_agent_id>")
	}

	ctx := context.Background()
	st, closeFn, err := store.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open task store: %v\n", err)
		return 1
	}
	defer closeFn()

	t, err := st.Get(ctx, positional[0])
	if errors.Is(err, tasks.ErrTaskNotFound) {
		fmt.Fprintf(os.Stderr, "Task not found: %s\n", positional[0])
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load task: %v\n", err)
		return 1
	}
	entries, err := st.BridgeLog(ctx, t.ChildAgentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load bridge log: %v\n", err)
		return 1
	}

	view := newTaskView(t, entries)
	if jsonOut {
		return printJSON(view)
	}

	fmt.Printf("child_agent_id: %s\n", view.ChildAgentID)
	if view.ParentAgentID != "" {
		fmt.Printf("parent:         %s\n", view.ParentAgentID)
	}
	fmt.Printf("state:          %s\n", view.State)
	fmt.Printf("model_size:     %s\n", view.ModelSize)
	fmt.Printf("created_at:     %s\n", view.CreatedAt.Local().Format(time.RFC3339))
	if view.CompletedAt != nil {
		fmt.Printf("completed_at:   %s\n", view.CompletedAt.Local().Format(time.RFC3339))
	}
	fmt.Printf("assessment:     %s\n", assessmentColumn(t))
	fmt.Printf("text:\n  %s\n", strings.ReplaceAll(view.Text, "\n", "\n  "))
	if len(view.Payload) > 0 {
		fmt.Printf("payload:\n  %s\n", string(view.Payload))
	}
	if view.Stderr != "" {
		fmt.Printf("stderr:\n  %s\n", strings.ReplaceAll(strings.TrimRight(view.Stderr, "\n"), "\n", "\n  "))
	}
	if len(view.BridgeLog) > 0 {
		fmt.Println("bridge log:")
		for _, e := range view.BridgeLog {
			line := fmt.Sprintf("  %s %-8s %-5s %s", e.ReceivedAt.Local().Format(time.TimeOnly), e.Op, e.Status, e.RequestID)
			if e.Error != "" {
				line += " (" + e.Error + ")"
			}
			fmt.Println(line)
		}
	}
	return 0
}

type taskView struct {
	ChildAgentID       string               `json:"child_agent_id"`
	ParentAgentID      string               `json:"parent_agent_id,omitempty"`
	State              protocol.State       `json:"state"`
	Text               string               `json:"text"`
	ModelSize          string               `json:"model_size"`
	Payload            json.RawMessage      `json:"payload,omitempty"`
	AssessmentRequired bool                 `json:"assessment_required"`
	Assessment         *protocol.Assessment `json:"assessment,omitempty"`
	SelfAssessment     *protocol.Assessment `json:"self_assessment,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	CompletedAt        *time.Time           `json:"completed_at,omitempty"`
	Stderr             string               `json:"stderr,omitempty"`
	BridgeLog          []bridgeLogView      `json:"bridge_log,omitempty"`
}

type bridgeLogView struct {
	RequestID  string    `json:"request_id"`
	Op         string    `json:"op"`
	Status     string    `json:"status"`
	ReceivedAt time.Time `json:"received_at"`
	Error      string    `json:"error,omitempty"`
}

func newTaskView(t *tasks.Task, entries []tasks.BridgeLogEntry) taskView {
	v := taskView{
		ChildAgentID:       t.ChildAgentID,
		State:              t.State,
		Text:               t.Text,
		ModelSize:          t.ModelSize,
		Payload:            t.Payload,
		AssessmentRequired: t.AssessmentRequired,
		Assessment:         t.Assessment,
		SelfAssessment:     t.SelfAssessment,
		CreatedAt:          t.CreatedAt,
		CompletedAt:        t.CompletedAt,
	}
	if t.ParentAgentID != nil {
		v.ParentAgentID = *t.ParentAgentID
	}
	if t.Stderr != nil {
		v.Stderr = *t.Stderr
	}
	for _, e := range entries {
		lv := bridgeLogView{RequestID: e.RequestID, Op: e.Op, Status: e.Status, ReceivedAt: e.ReceivedAt}
		if e.Error != nil {
			lv.Error = *e.Error
		}
		v.BridgeLog = append(v.BridgeLog, lv)
	}
	return v
}

func assessmentColumn(t *tasks.Task) string {
	switch {
	case t.Assessment != nil:
		return t.Assessment.Verdict
	case t.AssessmentRequired && t.State.Terminal():
		return "pending"
	case t.AssessmentRequired:
		return "required"
	default:
		return "-"
	}
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
