package manager

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/sandbridge/internal/protocol"
)

func shellExecutor(t *testing.T, script string) *CommandExecutor {
	t.Helper()
	e, err := NewCommandExecutor("sh", []string{"-c", script}, nil)
	if err != nil {
		t.Skipf("sh unavailable: %v", err)
	}
	return e
}

func taskInput() *protocol.TaskInput {
	return &protocol.TaskInput{
		Protocol:           protocol.TaskProtocol,
		ChildAgentID:       "agent-1",
		ParentAgentID:      "root",
		Text:               "hello",
		ModelSize:          "small",
		AssessmentRequired: true,
		DeadlineAt:         time.Now().Add(time.Minute),
	}
}

func TestCommandExecutorRoundTrip(t *testing.T) {
	t.Parallel()

	e := shellExecutor(t, `
input=$(cat)
case "$input" in
  *'"child_agent_id":"agent-1"'*) ;;
  *) echo "bad input: $input" >&2; exit 3 ;;
esac
echo "working as $SANDBRIDGE_PARENT_AGENT_ID/$SANDBRIDGE_ASSESSMENT_REQUIRED" >&2
printf '{"status":"ok","payload":{"echo":"hello"},"dispatch_assessment":{"verdict":"Satisfied","reason":"fine"}}'
`)

	out, stderr, err := e.Execute(context.Background(), taskInput())
	if err != nil {
		t.Fatalf("Execute: %v (stderr %q)", err, stderr)
	}
	if out.Status != protocol.StatusOK || string(out.Payload) != `{"echo":"hello"}` {
		t.Fatalf("unexpected output: %#v", out)
	}
	if out.Assessment == nil || out.Assessment.Verdict != protocol.VerdictSatisfied {
		t.Fatalf("self assessment not decoded: %#v", out.Assessment)
	}
	if !strings.Contains(stderr, "working as root/true") {
		t.Fatalf("task environment missing, stderr %q", stderr)
	}
}

func TestCommandExecutorBadOutput(t *testing.T) {
	t.Parallel()

	e := shellExecutor(t, `cat >/dev/null; echo "not json"; exit 1`)
	_, _, err := e.Execute(context.Background(), taskInput())
	if err == nil || !strings.Contains(err.Error(), "decode executor output") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestCommandExecutorTerminatesOnCancel(t *testing.T) {
	t.Parallel()

	e := shellExecutor(t, `cat >/dev/null; echo started >&2; sleep 30`)
	e.Grace = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := e.Execute(ctx, taskInput())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("executor was not terminated promptly: %v", elapsed)
	}
}

func TestNewCommandExecutorMissingBinary(t *testing.T) {
	t.Parallel()

	if _, err := NewCommandExecutor("definitely-not-a-real-binary-xyz", nil, nil); err == nil {
		t.Fatal("expected lookup error")
	}
	if _, err := NewCommandExecutor("", nil, nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}
