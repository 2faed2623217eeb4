package script

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mattjoyce/sandbridge/internal/bridge"
	"github.com/mattjoyce/sandbridge/internal/protocol"
	"github.com/mattjoyce/sandbridge/internal/result"
)

// LMQueryStatus dispatches text to a subagent and returns its child_agent_id.
func (e *Env) LMQueryStatus(ctx context.Context, text, modelSize string) result.Result[string] {
	return result.From(e.client.Dispatch(ctx, text, modelSize))
}

// LMQuery is LMQueryStatus unwrapped.
func (e *Env) LMQuery(ctx context.Context, text, modelSize string) (string, error) {
	return e.LMQueryStatus(ctx, text, modelSize).Unwrap("lm_query")
}

// PollLMQueryStatus returns the current state of a subagent.
func (e *Env) PollLMQueryStatus(ctx context.Context, childAgentID string) result.Result[protocol.SubagentState] {
	return result.From(e.client.Poll(ctx, childAgentID))
}

// PollLMQuery is PollLMQueryStatus unwrapped.
func (e *Env) PollLMQuery(ctx context.Context, childAgentID string) (protocol.SubagentState, error) {
	return e.PollLMQueryStatus(ctx, childAgentID).Unwrap("poll_lm_query")
}

// AwaitLMQueryStatus waits for a subagent to finish. timeoutMS of zero waits
// without limit; pollIntervalMS of zero or less uses the default interval.
func (e *Env) AwaitLMQueryStatus(ctx context.Context, childAgentID string, timeoutMS, pollIntervalMS int64) result.Result[json.RawMessage] {
	return result.From(e.client.Await(ctx, childAgentID, bridge.AwaitOptions{
		Timeout:      time.Duration(timeoutMS) * time.Millisecond,
		PollInterval: time.Duration(pollIntervalMS) * time.Millisecond,
	}))
}

// AwaitLMQuery is AwaitLMQueryStatus unwrapped.
func (e *Env) AwaitLMQuery(ctx context.Context, childAgentID string, timeoutMS, pollIntervalMS int64) (json.RawMessage, error) {
	return e.AwaitLMQueryStatus(ctx, childAgentID, timeoutMS, pollIntervalMS).Unwrap("await_lm_query")
}

// CancelLMQueryStatus requests cancellation of a subagent.
func (e *Env) CancelLMQueryStatus(ctx context.Context, childAgentID string) result.Result[json.RawMessage] {
	return result.From(e.client.Cancel(ctx, childAgentID))
}

// CancelLMQuery is CancelLMQueryStatus unwrapped.
func (e *Env) CancelLMQuery(ctx context.Context, childAgentID string) (json.RawMessage, error) {
	return e.CancelLMQueryStatus(ctx, childAgentID).Unwrap("cancel_lm_query")
}

// AssessLMQueryStatus records a verdict against a finished subagent.
func (e *Env) AssessLMQueryStatus(ctx context.Context, childAgentID, verdict, reason string) result.Result[json.RawMessage] {
	return result.From(e.client.Assess(ctx, childAgentID, verdict, reason))
}

// AssessLMQuery is AssessLMQueryStatus unwrapped.
func (e *Env) AssessLMQuery(ctx context.Context, childAgentID, verdict, reason string) (json.RawMessage, error) {
	return e.AssessLMQueryStatus(ctx, childAgentID, verdict, reason).Unwrap("assess_lm_query")
}

// AssessDispatchStatus records this subagent's verdict on its own dispatch.
func (e *Env) AssessDispatchStatus(verdict, reason string) result.Result[bridge.SelfOutcome] {
	return result.From(e.self.AssessDispatch(verdict, reason))
}

// AssessDispatch is AssessDispatchStatus unwrapped.
func (e *Env) AssessDispatch(verdict, reason string) (bridge.SelfOutcome, error) {
	return e.AssessDispatchStatus(verdict, reason).Unwrap("assess_dispatch")
}
