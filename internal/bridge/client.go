package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/sandbridge/internal/log"
	"github.com/mattjoyce/sandbridge/internal/protocol"
)

const (
	// DefaultTimeout bounds a single bridge round trip and is also sent as
	// the subagent timeout on dispatch.
	DefaultTimeout = 180 * time.Second

	// DefaultAwaitInterval is the sleep between polls inside Await.
	DefaultAwaitInterval = 50 * time.Millisecond
)

// errStillRunning makes the await loop retry.
var errStillRunning = errors.New("subagent still running")

// ClientOptions configures a Client.
type ClientOptions struct {
	Timeout time.Duration
	// Notices receives script-visible diagnostics such as the
	// assessment-required reminder. Defaults to io.Discard.
	Notices io.Writer
}

// AwaitOptions configures Await. A zero Timeout waits indefinitely.
type AwaitOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// Client drives the dispatch lifecycle over a RequestChannel. A nil channel
// yields a client whose every operation fails with ErrBridgeUnavailable.
type Client struct {
	ch      RequestChannel
	timeout time.Duration
	notices io.Writer
	logger  *slog.Logger
}

// NewClient returns a Client over ch.
func NewClient(ch RequestChannel, opts ClientOptions) *Client {
	c := &Client{
		ch:      ch,
		timeout: opts.Timeout,
		notices: opts.Notices,
		logger:  log.WithComponent("dispatch"),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.notices == nil {
		c.notices = io.Discard
	}
	return c
}

// Timeout returns the round-trip timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// RoundTrip publishes req and waits for its response. Every failure is folded
// into an error-status response, so the result always has the two-part shape;
// the local cause is kept in Response.Err.
func (c *Client) RoundTrip(ctx context.Context, req *protocol.Request) protocol.Response {
	if c.ch == nil {
		return protocol.FailedResponse(ErrBridgeUnavailable)
	}

	id, err := c.ch.Publish(ctx, req)
	if err != nil {
		return protocol.FailedResponse(err)
	}

	resp, err := c.ch.AwaitResponse(ctx, id, time.Now().Add(c.timeout))
	if err != nil {
		if errors.Is(err, ErrBridgeTimeout) {
			err = fmt.Errorf("%w after %dms", ErrBridgeTimeout, c.timeout.Milliseconds())
		}
		return protocol.FailedResponse(err)
	}
	if resp == nil {
		return protocol.FailedResponse(errors.New("bridge returned no response"))
	}
	return *resp
}

// Dispatch starts a subagent on text and returns its child_agent_id.
func (c *Client) Dispatch(ctx context.Context, text, modelSize string) (string, error) {
	if modelSize == "" {
		modelSize = protocol.DefaultModelSize
	}
	resp := c.RoundTrip(ctx, &protocol.Request{
		Op:        protocol.OpDispatch,
		Text:      text,
		ModelSize: modelSize,
		TimeoutMS: c.timeout.Milliseconds(),
	})
	if err := responseError(resp); err != nil {
		return "", err
	}

	id := resp.PayloadText()
	if id == "" {
		return "", errors.New("dispatch response carried no child_agent_id")
	}
	c.logger.Debug("subagent dispatched", "child_agent_id", id, "model_size", modelSize)
	return id, nil
}

// Poll returns the current state of a dispatched subagent without waiting.
func (c *Client) Poll(ctx context.Context, childAgentID string) (protocol.SubagentState, error) {
	resp := c.RoundTrip(ctx, &protocol.Request{
		Op:           protocol.OpPoll,
		ChildAgentID: childAgentID,
	})
	if err := responseError(resp); err != nil {
		return protocol.SubagentState{}, err
	}

	var st protocol.SubagentState
	if err := resp.DecodePayload(&st); err != nil {
		return protocol.SubagentState{}, fmt.Errorf("%w for %s: %v", ErrUnknownState, childAgentID, err)
	}
	if !st.State.Valid() {
		return protocol.SubagentState{}, fmt.Errorf("%w for %s: %q", ErrUnknownState, childAgentID, st.State)
	}
	return st, nil
}

// Await polls until the subagent reaches a terminal state. It returns the
// payload on ok, and fails with ErrSubagentFailed or ErrSubagentCancelled
// carrying the manager's payload otherwise. While running it sleeps
// PollInterval between polls and fails with ErrAwaitTimeout once Timeout has
// elapsed. Polling errors are not retried.
func (c *Client) Await(ctx context.Context, childAgentID string, opts AwaitOptions) (json.RawMessage, error) {
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("await timeout must be positive or zero for none")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultAwaitInterval
	}

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	operation := func() (json.RawMessage, error) {
		st, err := c.Poll(ctx, childAgentID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		switch st.State {
		case protocol.StateRunning:
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return nil, backoff.Permanent(fmt.Errorf("%w after %dms for %s",
					ErrAwaitTimeout, opts.Timeout.Milliseconds(), childAgentID))
			}
			return nil, errStillRunning
		case protocol.StateOK:
			c.remindAssessment(childAgentID, st)
			return st.Payload, nil
		case protocol.StateError:
			c.remindAssessment(childAgentID, st)
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrSubagentFailed, reasonOr(st, "Subagent failed")))
		case protocol.StateCancelled:
			c.remindAssessment(childAgentID, st)
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrSubagentCancelled, reasonOr(st, "Subagent cancelled")))
		default:
			return nil, backoff.Permanent(fmt.Errorf("%w for %s: %q", ErrUnknownState, childAgentID, st.State))
		}
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	return backoff.RetryWithData(operation, b)
}

// Cancel asks the manager to cancel a subagent. Cancellation is cooperative;
// poll or await to observe the transition.
func (c *Client) Cancel(ctx context.Context, childAgentID string) (json.RawMessage, error) {
	resp := c.RoundTrip(ctx, &protocol.Request{
		Op:           protocol.OpCancel,
		ChildAgentID: childAgentID,
	})
	if err := responseError(resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Assess records a satisfied/dissatisfied verdict against a finished subagent.
func (c *Client) Assess(ctx context.Context, childAgentID, verdict, reason string) (json.RawMessage, error) {
	v, err := protocol.NormalizeVerdict(verdict)
	if err != nil {
		return nil, err
	}
	resp := c.RoundTrip(ctx, &protocol.Request{
		Op:           protocol.OpAssess,
		ChildAgentID: childAgentID,
		Verdict:      v,
		Reason:       reason,
	})
	if err := responseError(resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (c *Client) remindAssessment(childAgentID string, st protocol.SubagentState) {
	if !st.NeedsAssessment() {
		return
	}
	_, _ = fmt.Fprintf(c.notices,
		"[sandbridge] assessment required for %s: call assess_lm_query(child_agent_id, verdict, reason='...') with verdict='satisfied' or 'dissatisfied'.\n",
		childAgentID)
	c.logger.Debug("assessment pending", "child_agent_id", childAgentID, "state", st.State)
}

func responseError(resp protocol.Response) error {
	if resp.OK() {
		return nil
	}
	if resp.Err != nil {
		return resp.Err
	}
	return &RemoteError{Reason: resp.PayloadText()}
}

func reasonOr(st protocol.SubagentState, fallback string) string {
	if text := st.PayloadText(); text != "" {
		return text
	}
	return fallback
}
