// Package tasks persists subagent lifecycle state for the manager. Terminal
// states are written with a guarded UPDATE so a task that has left running
// can never return to it or change outcome.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/sandbridge/internal/protocol"
)

const maxStderrBytes = 64 * 1024

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const taskColumns = `
  child_agent_id, parent_agent_id, text, model_size, state, payload, assessment_required,
  assessment_verdict, assessment_reason, self_verdict, self_reason, timeout_ms,
  created_at, started_at, completed_at, cancel_requested_at, stderr`

// Create inserts a running task and returns its child_agent_id.
func (s *Store) Create(ctx context.Context, req CreateRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", fmt.Errorf("text is empty")
	}
	modelSize := req.ModelSize
	if modelSize == "" {
		modelSize = protocol.DefaultModelSize
	}

	id := uuid.NewString()
	now := formatTime(time.Now())

	_, err := s.db.ExecContext(ctx, `
INSERT INTO subagent_task(
  child_agent_id, parent_agent_id, text, model_size, state, assessment_required, timeout_ms,
  created_at, started_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.ParentAgentID, req.Text, modelSize, protocol.StateRunning, req.AssessmentRequired, req.TimeoutMS, now, now)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// Get loads one task.
func (s *Store) Get(ctx context.Context, childAgentID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+taskColumns+`
FROM subagent_task
WHERE child_agent_id = ?;
`, childAgentID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, childAgentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// List returns tasks newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Task, error) {
	query := `SELECT` + taskColumns + `
FROM subagent_task`
	var args []any
	if filter.State != "" {
		query += ` WHERE state = ?`
		args = append(args, filter.State)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// Finish moves a running task to a terminal state. It reports false when the
// task had already left running, in which case nothing is changed.
func (s *Store) Finish(ctx context.Context, childAgentID string, c Completion) (bool, error) {
	if !c.State.Terminal() {
		return false, fmt.Errorf("invalid terminal state: %q", c.State)
	}

	var payload any
	if len(c.Payload) > 0 {
		payload = string(c.Payload)
	}
	var selfVerdict, selfReason any
	if c.SelfAssessment != nil {
		selfVerdict, selfReason = c.SelfAssessment.Verdict, c.SelfAssessment.Reason
	}
	var stderr any
	if c.Stderr != nil {
		v := *c.Stderr
		if len(v) > maxStderrBytes {
			v = v[:maxStderrBytes]
		}
		stderr = v
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE subagent_task
SET state = ?, payload = ?, self_verdict = ?, self_reason = ?, stderr = ?, completed_at = ?
WHERE child_agent_id = ? AND state = ?;
`, c.State, payload, selfVerdict, selfReason, stderr, formatTime(time.Now()), childAgentID, protocol.StateRunning)
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, childAgentID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// RequestCancel stamps a cancellation request on a running task and returns
// the task. A finished task is returned unchanged.
func (s *Store) RequestCancel(ctx context.Context, childAgentID string) (*Task, error) {
	_, err := s.db.ExecContext(ctx, `
UPDATE subagent_task
SET cancel_requested_at = COALESCE(cancel_requested_at, ?)
WHERE child_agent_id = ? AND state = ?;
`, formatTime(time.Now()), childAgentID, protocol.StateRunning)
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	return s.Get(ctx, childAgentID)
}

// RecordAssessment stores the parent's verdict on a finished task. A later
// assessment replaces an earlier one.
func (s *Store) RecordAssessment(ctx context.Context, childAgentID string, a protocol.Assessment) (*Task, error) {
	verdict, err := protocol.NormalizeVerdict(a.Verdict)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE subagent_task
SET assessment_verdict = ?, assessment_reason = ?
WHERE child_agent_id = ? AND state != ?;
`, verdict, a.Reason, childAgentID, protocol.StateRunning)
	if err != nil {
		return nil, fmt.Errorf("record assessment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("record assessment: %w", err)
	}

	t, err := s.Get(ctx, childAgentID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskRunning, childAgentID)
	}
	return t, nil
}

// RecoverRunning fails every task still marked running. The manager calls it
// at startup: no subagent survives a manager restart.
func (s *Store) RecoverRunning(ctx context.Context, reason string) (int, error) {
	payload, err := json.Marshal(reason)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE subagent_task
SET state = ?, payload = ?, completed_at = ?
WHERE state = ?;
`, protocol.StateError, string(payload), formatTime(time.Now()), protocol.StateRunning)
	if err != nil {
		return 0, fmt.Errorf("recover running tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Counts returns the number of tasks per state.
func (s *Store) Counts(ctx context.Context) (map[protocol.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM subagent_task GROUP BY state;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[protocol.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("count tasks: %w", err)
		}
		out[protocol.State(state)] = n
	}
	return out, rows.Err()
}

// LogBridge appends an answered request to bridge_log. A repeated request id
// keeps the first entry.
func (s *Store) LogBridge(ctx context.Context, e BridgeLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bridge_log(request_id, op, child_agent_id, status, fingerprint, received_at, answered_at, error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id) DO NOTHING;
`, e.RequestID, e.Op, e.ChildAgentID, e.Status, e.Fingerprint, formatTime(e.ReceivedAt), formatTime(e.AnsweredAt), e.Error)
	if err != nil {
		return fmt.Errorf("log bridge request: %w", err)
	}
	return nil
}

// BridgeLog returns the requests that touched childAgentID, oldest first.
func (s *Store) BridgeLog(ctx context.Context, childAgentID string) ([]BridgeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, op, child_agent_id, status, fingerprint, received_at, answered_at, error
FROM bridge_log
WHERE child_agent_id = ?
ORDER BY received_at ASC, rowid ASC;
`, childAgentID)
	if err != nil {
		return nil, fmt.Errorf("read bridge log: %w", err)
	}
	defer rows.Close()

	var out []BridgeLogEntry
	for rows.Next() {
		var (
			e           BridgeLogEntry
			child       sql.NullString
			errText     sql.NullString
			receivedAtS string
			answeredAtS string
		)
		if err := rows.Scan(&e.RequestID, &e.Op, &child, &e.Status, &e.Fingerprint, &receivedAtS, &answeredAtS, &errText); err != nil {
			return nil, fmt.Errorf("scan bridge log: %w", err)
		}
		e.ChildAgentID = nullString(child)
		e.Error = nullString(errText)
		e.ReceivedAt = parseTime(receivedAtS)
		e.AnsweredAt = parseTime(answeredAtS)
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                  Task
		parent             sql.NullString
		state              string
		payload            sql.NullString
		verdict, reason    sql.NullString
		selfVerdict        sql.NullString
		selfReason         sql.NullString
		createdAtS         string
		startedAtS         sql.NullString
		completedAtS       sql.NullString
		cancelRequestedAtS sql.NullString
		stderr             sql.NullString
	)
	if err := row.Scan(
		&t.ChildAgentID, &parent, &t.Text, &t.ModelSize, &state, &payload, &t.AssessmentRequired,
		&verdict, &reason, &selfVerdict, &selfReason, &t.TimeoutMS,
		&createdAtS, &startedAtS, &completedAtS, &cancelRequestedAtS, &stderr,
	); err != nil {
		return nil, err
	}

	t.State = protocol.State(state)
	t.ParentAgentID = nullString(parent)
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	if verdict.Valid {
		t.Assessment = &protocol.Assessment{Verdict: verdict.String, Reason: reason.String}
	}
	if selfVerdict.Valid {
		t.SelfAssessment = &protocol.Assessment{Verdict: selfVerdict.String, Reason: selfReason.String}
	}
	t.CreatedAt = parseTime(createdAtS)
	t.StartedAt = nullTime(startedAtS)
	t.CompletedAt = nullTime(completedAtS)
	t.CancelRequestedAt = nullTime(cancelRequestedAtS)
	t.Stderr = nullString(stderr)
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
