package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/sandbridge/internal/events"
	"github.com/mattjoyce/sandbridge/internal/log"
	"github.com/mattjoyce/sandbridge/internal/protocol"
	"github.com/mattjoyce/sandbridge/internal/tasks"
)

// Handle answers one decoded request.
func (m *Manager) Handle(ctx context.Context, req *protocol.Request) protocol.Response {
	if err := protocol.ValidateRequest(req); err != nil {
		return protocol.ErrorResponse(err.Error())
	}

	var (
		resp protocol.Response
		err  error
	)
	switch req.Op {
	case protocol.OpDispatch:
		resp, err = m.dispatch(ctx, req)
	case protocol.OpPoll:
		resp, err = m.poll(ctx, req.ChildAgentID)
	case protocol.OpCancel:
		resp, err = m.cancel(ctx, req.ChildAgentID)
	case protocol.OpAssess:
		resp, err = m.assess(ctx, req)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		return protocol.ErrorResponse(err.Error())
	}
	return resp
}

func (m *Manager) dispatch(ctx context.Context, req *protocol.Request) (protocol.Response, error) {
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}

	create := tasks.CreateRequest{
		Text:               req.Text,
		ModelSize:          req.ModelSize,
		TimeoutMS:          timeout.Milliseconds(),
		AssessmentRequired: m.opts.RequireAssessment,
	}
	if m.opts.AgentID != "" {
		parent := m.opts.AgentID
		create.ParentAgentID = &parent
	}
	id, err := m.store.Create(ctx, create)
	if err != nil {
		return protocol.Response{}, err
	}

	in := &protocol.TaskInput{
		Protocol:           protocol.TaskProtocol,
		ChildAgentID:       id,
		ParentAgentID:      m.opts.AgentID,
		Text:               req.Text,
		ModelSize:          create.ModelSize,
		BridgeDir:          m.opts.BridgeDir,
		AssessmentRequired: create.AssessmentRequired,
		DeadlineAt:         time.Now().Add(timeout).UTC(),
	}
	if in.ModelSize == "" {
		in.ModelSize = protocol.DefaultModelSize
	}
	if m.opts.Provisioner != nil {
		ws, err := m.opts.Provisioner.Create(ctx, id)
		if err != nil {
			m.finish(id, tasks.Completion{State: protocol.StateError, Payload: jsonText(err.Error())})
			return protocol.Response{}, fmt.Errorf("provision workspace: %w", err)
		}
		in.WorkspaceDir = ws.Dir
	}

	m.opts.Events.Publish(events.Event{Type: events.TaskDispatched, ChildAgentID: id, State: protocol.StateRunning})
	m.start(in, timeout)
	log.WithAgent(id).Info("subagent dispatched", "model_size", in.ModelSize, "timeout", timeout)
	return protocol.OKResponse(id)
}

// start runs the executor in its own goroutine. The run context is detached
// from the request so a subagent outlives the scan that started it.
func (m *Manager) start(in *protocol.TaskInput, timeout time.Duration) {
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	r := &run{cancel: cancel}

	m.mu.Lock()
	m.running[in.ChildAgentID] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		out, stderr, err := m.exec.Execute(runCtx, in)

		m.mu.Lock()
		cancelled := r.cancelled
		delete(m.running, in.ChildAgentID)
		m.mu.Unlock()

		c := outcome(out, err, cancelled, timeout)
		if stderr != "" {
			c.Stderr = &stderr
		}
		m.finish(in.ChildAgentID, c)
	}()
}

func outcome(out *protocol.TaskOutput, err error, cancelled bool, timeout time.Duration) tasks.Completion {
	switch {
	case cancelled:
		return tasks.Completion{State: protocol.StateCancelled, Payload: jsonText("Subagent cancelled")}
	case errors.Is(err, context.DeadlineExceeded):
		return tasks.Completion{
			State:   protocol.StateError,
			Payload: jsonText(fmt.Sprintf("subagent timed out after %dms", timeout.Milliseconds())),
		}
	case err != nil:
		return tasks.Completion{State: protocol.StateError, Payload: jsonText(err.Error())}
	case out == nil:
		return tasks.Completion{State: protocol.StateError, Payload: jsonText("executor returned no output")}
	case out.Status == protocol.StatusError:
		return tasks.Completion{State: protocol.StateError, Payload: jsonText(out.Error), SelfAssessment: out.Assessment}
	default:
		return tasks.Completion{State: protocol.StateOK, Payload: out.Payload, SelfAssessment: out.Assessment}
	}
}

func (m *Manager) finish(id string, c tasks.Completion) {
	logger := log.WithAgent(id)
	// The request context may already be gone; a terminal state must still land.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	changed, err := m.store.Finish(ctx, id, c)
	if err != nil {
		logger.Error("failed to record subagent outcome", "state", c.State, "error", err)
		return
	}
	if changed {
		m.opts.Events.Publish(events.Event{Type: events.TaskFinished, ChildAgentID: id, State: c.State})
		logger.Info("subagent finished", "state", c.State)
	}
}

func (m *Manager) poll(ctx context.Context, id string) (protocol.Response, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.OKResponse(t.Snapshot())
}

// cancel is cooperative: it signals the executor and returns the current
// snapshot. The transition to cancelled is observed by a later poll.
func (m *Manager) cancel(ctx context.Context, id string) (protocol.Response, error) {
	t, err := m.store.RequestCancel(ctx, id)
	if err != nil {
		return protocol.Response{}, err
	}

	m.mu.Lock()
	if r, ok := m.running[id]; ok {
		r.cancelled = true
		r.cancel()
	}
	m.mu.Unlock()

	m.opts.Events.Publish(events.Event{Type: events.TaskCancelRequested, ChildAgentID: id, State: t.State})
	log.WithAgent(id).Info("cancel requested", "state", t.State)
	return protocol.OKResponse(t.Snapshot())
}

func (m *Manager) assess(ctx context.Context, req *protocol.Request) (protocol.Response, error) {
	t, err := m.store.RecordAssessment(ctx, req.ChildAgentID, protocol.Assessment{
		Verdict: req.Verdict,
		Reason:  req.Reason,
	})
	if err != nil {
		return protocol.Response{}, err
	}
	m.opts.Events.Publish(events.Event{
		Type:         events.TaskAssessed,
		ChildAgentID: req.ChildAgentID,
		State:        t.State,
		Detail:       t.Assessment.Verdict,
	})
	log.WithAgent(req.ChildAgentID).Info("assessment recorded", "verdict", t.Assessment.Verdict)
	return protocol.OKResponse(t.Snapshot())
}

func jsonText(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
