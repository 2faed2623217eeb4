package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sandbridge/internal/bridge"
	"github.com/mattjoyce/sandbridge/internal/events"
	"github.com/mattjoyce/sandbridge/internal/protocol"
	"github.com/mattjoyce/sandbridge/internal/storage"
	"github.com/mattjoyce/sandbridge/internal/tasks"
	"github.com/mattjoyce/sandbridge/internal/workspace"
)

type harness struct {
	dir     string
	store   *tasks.Store
	manager *Manager
	client  *bridge.Client
	notices *bytes.Buffer
}

func newHarness(t *testing.T, exec Executor, mutate func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "manager.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := tasks.New(db)

	opts := Options{
		BridgeDir:    filepath.Join(dir, "bridge"),
		ScanInterval: 2 * time.Millisecond,
		Watch:        true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := New(store, exec, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("manager did not stop")
		}
	})

	ch, err := bridge.NewFileChannel(bridge.FileOptions{Dir: opts.BridgeDir, PollInterval: 2 * time.Millisecond})
	require.NoError(t, err)
	notices := &bytes.Buffer{}
	return &harness{
		dir:     dir,
		store:   store,
		manager: m,
		client:  bridge.NewClient(ch, bridge.ClientOptions{Timeout: 5 * time.Second, Notices: notices}),
		notices: notices,
	}
}

func okOutput(payload string) *protocol.TaskOutput {
	return &protocol.TaskOutput{Status: protocol.StatusOK, Payload: json.RawMessage(payload)}
}

func TestDispatchAwaitAssess(t *testing.T) {
	var seen atomic.Pointer[protocol.TaskInput]
	exec := ExecutorFunc(func(ctx context.Context, in *protocol.TaskInput) (*protocol.TaskOutput, string, error) {
		seen.Store(in)
		return okOutput(`{"summary":"` + in.Text + `"}`), "", nil
	})
	h := newHarness(t, exec, func(o *Options) {
		o.AgentID = "root"
		o.RequireAssessment = true
	})
	ctx := context.Background()

	id, err := h.client.Dispatch(ctx, "logs", "")
	require.NoError(t, err)

	payload, err := h.client.Await(ctx, id, bridge.AwaitOptions{Timeout: 5 * time.Second, PollInterval: 2 * time.Millisecond})
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"logs"}`, string(payload))
	assert.Contains(t, h.notices.String(), "assessment required for "+id)

	in := seen.Load()
	require.NotNil(t, in)
	assert.Equal(t, "root", in.ParentAgentID)
	assert.Equal(t, protocol.DefaultModelSize, in.ModelSize)
	assert.True(t, in.AssessmentRequired)
	assert.Equal(t, h.manager.BridgeDir(), in.BridgeDir)

	// Terminal states never revert.
	for i := 0; i < 3; i++ {
		st, err := h.client.Poll(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, protocol.StateOK, st.State)
	}

	_, err = h.client.Assess(ctx, id, "maybe", "")
	assert.ErrorIs(t, err, protocol.ErrInvalidVerdict)

	_, err = h.client.Assess(ctx, id, "satisfied", "looks good")
	require.NoError(t, err)
	st, err := h.client.Poll(ctx, id)
	require.NoError(t, err)
	assert.True(t, st.AssessmentRecorded)
	assert.False(t, st.NeedsAssessment())

	log, err := h.store.BridgeLog(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, log)
	assert.Equal(t, protocol.OpDispatch, log[0].Op)
	assert.Len(t, log[0].Fingerprint, 64)
}

func TestLifecycleEvents(t *testing.T) {
	hub := events.NewHub(16)
	exec := ExecutorFunc(func(ctx context.Context, in *protocol.TaskInput) (*protocol.TaskOutput, string, error) {
		return okOutput(`"done"`), "", nil
	})
	h := newHarness(t, exec, func(o *Options) { o.Events = hub })
	ctx := context.Background()

	id, err := h.client.Dispatch(ctx, "x", "")
	require.NoError(t, err)
	_, err = h.client.Await(ctx, id, bridge.AwaitOptions{Timeout: 5 * time.Second, PollInterval: 2 * time.Millisecond})
	require.NoError(t, err)
	_, err = h.client.Assess(ctx, id, "dissatisfied", "too short")
	require.NoError(t, err)

	var types []events.Type
	for _, ev := range hub.Since(0) {
		assert.Equal(t, id, ev.ChildAgentID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []events.Type{events.TaskDispatched, events.TaskFinished, events.TaskAssessed}, types)
	last := hub.Since(2)
	require.Len(t, last, 1)
	assert.Equal(t, protocol.VerdictDissatisfied, last[0].Detail)
}

func TestCancelRunningSubagent(t *testing.T) {
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, in *protocol.TaskInput) (*protocol.TaskOutput, string, error) {
		close(started)
		<-ctx.Done()
		return nil, "interrupted", ctx.Err()
	})
	h := newHarness(t, exec, nil)
	ctx := context.Background()

	id, err := h.client.Dispatch(ctx, "long job", "large")
	require.NoError(t, err)
	<-started

	st, err := h.client.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateRunning, st.State)

	_, err = h.client.Cancel(ctx, id)
	require.NoError(t, err)

	_, err = h.client.Await(ctx, id, bridge.AwaitOptions{Timeout: 5 * time.Second, PollInterval: 2 * time.Millisecond})
	assert.ErrorIs(t, err, bridge.ErrSubagentCancelled)

	task, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, task.CancelRequestedAt)
	require.NotNil(t, task.Stderr)
	assert.Equal(t, "interrupted", *task.Stderr)
}

func TestSubagentFailureAndTimeout(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, in *protocol.TaskInput) (*protocol.TaskOutput, string, error) {
		switch in.Text {
		case "crash":
			return &protocol.TaskOutput{Status: protocol.StatusError, Error: "model crashed"}, "", nil
		case "broken":
			return nil, "", errors.New("executor exploded")
		default:
			<-ctx.Done()
			return nil, "", ctx.Err()
		}
	})
	h := newHarness(t, exec, nil)
	ctx := context.Background()
	awaitOpts := bridge.AwaitOptions{Timeout: 5 * time.Second, PollInterval: 2 * time.Millisecond}

	id, err := h.client.Dispatch(ctx, "crash", "")
	require.NoError(t, err)
	_, err = h.client.Await(ctx, id, awaitOpts)
	assert.ErrorIs(t, err, bridge.ErrSubagentFailed)
	assert.Contains(t, err.Error(), "model crashed")

	id, err = h.client.Dispatch(ctx, "broken", "")
	require.NoError(t, err)
	_, err = h.client.Await(ctx, id, awaitOpts)
	assert.ErrorIs(t, err, bridge.ErrSubagentFailed)
	assert.Contains(t, err.Error(), "executor exploded")

	resp := h.manager.Handle(ctx, &protocol.Request{Op: protocol.OpDispatch, Text: "hang", TimeoutMS: 20})
	require.True(t, resp.OK())
	hangID := resp.PayloadText()
	_, err = h.client.Await(ctx, hangID, awaitOpts)
	assert.ErrorIs(t, err, bridge.ErrSubagentFailed)
	assert.Contains(t, err.Error(), "timed out after 20ms")
}

func TestUnknownAndMalformedRequests(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, in *protocol.TaskInput) (*protocol.TaskOutput, string, error) {
		return okOutput(`"done"`), "", nil
	})
	h := newHarness(t, exec, nil)
	ctx := context.Background()

	_, err := h.client.Poll(ctx, "ghost")
	var remote *bridge.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Reason, "unknown child_agent_id")

	id := bridge.NewRequestID()
	ch, err := bridge.NewFileChannel(bridge.FileOptions{Dir: h.manager.BridgeDir()})
	require.NoError(t, err)
	require.NoError(t, bridge.WriteFileAtomic(ch.RequestPath(id), []byte(`{"op":"poll","bogus":true}`)))

	resp, err := ch.AwaitResponse(ctx, id, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Contains(t, resp.PayloadText(), "bogus")
}

func TestAssessRunningSubagentRefused(t *testing.T) {
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, in *protocol.TaskInput) (*protocol.TaskOutput, string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return okOutput(`"done"`), "", nil
	})
	h := newHarness(t, exec, nil)
	defer close(release)
	ctx := context.Background()

	id, err := h.client.Dispatch(ctx, "job", "")
	require.NoError(t, err)
	_, err = h.client.Assess(ctx, id, "satisfied", "")
	var remote *bridge.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Reason, "still running")
}

func TestDispatchProvisionsWorkspace(t *testing.T) {
	var dir atomic.Value
	exec := ExecutorFunc(func(ctx context.Context, in *protocol.TaskInput) (*protocol.TaskOutput, string, error) {
		dir.Store(in.WorkspaceDir)
		return okOutput(`"done"`), "", nil
	})
	base := t.TempDir()
	prov, err := workspace.NewProvisioner(filepath.Join(base, "agents"))
	require.NoError(t, err)
	h := newHarness(t, exec, func(o *Options) { o.Provisioner = prov })

	id, err := h.client.Dispatch(context.Background(), "job", "")
	require.NoError(t, err)
	_, err = h.client.Await(context.Background(), id, bridge.AwaitOptions{Timeout: 5 * time.Second, PollInterval: 2 * time.Millisecond})
	require.NoError(t, err)

	got, _ := dir.Load().(string)
	assert.Equal(t, filepath.Join(base, "agents", id), got)
	info, err := os.Stat(got)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSweepRemovesStaleFiles(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "manager.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m, err := New(tasks.New(db), ExecutorFunc(nil), Options{BridgeDir: filepath.Join(dir, "bridge"), ResponseTTL: time.Minute})
	require.NoError(t, err)

	files := map[string]bool{
		filepath.Join(m.responsesDir, "old.json"):             true,
		filepath.Join(m.responsesDir, "old.json.claimed-1-1"): true,
		filepath.Join(m.requestsDir, "old.json.123.tmp"):      true,
		filepath.Join(m.requestsDir, "pending.json"):          false,
		filepath.Join(m.responsesDir, "fresh.json"):           false,
	}
	old := time.Now().Add(-time.Hour)
	for path := range files {
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
		if !strings.Contains(path, "fresh") {
			require.NoError(t, os.Chtimes(path, old, old))
		}
	}

	n, err := m.Sweep(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for path, gone := range files {
		_, statErr := os.Stat(path)
		assert.Equal(t, gone, os.IsNotExist(statErr), path)
	}
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint([]byte(`{"op":"poll"}`))
	assert.Equal(t, a, Fingerprint([]byte(`{"op":"poll"}`)))
	assert.NotEqual(t, a, Fingerprint([]byte(`{"op":"cancel"}`)))
	assert.Len(t, a, 64)
}
