package bridge

import (
	"errors"

	"github.com/mattjoyce/sandbridge/internal/result"
)

var (
	// ErrBridgeUnavailable reports that no bridge directory is configured.
	ErrBridgeUnavailable = errors.New("lm_query not available")

	// ErrBridgeTimeout reports a round trip that saw no response before its deadline.
	ErrBridgeTimeout = errors.New("bridge request timed out")

	// ErrAwaitTimeout reports an await whose overall deadline passed while the
	// subagent was still running.
	ErrAwaitTimeout = errors.New("await timed out")

	ErrSubagentFailed    = errors.New("subagent failed")
	ErrSubagentCancelled = errors.New("subagent cancelled")

	// ErrUnknownState reports a poll payload with a state outside the lifecycle.
	ErrUnknownState = errors.New("unknown subagent state")

	// ErrNoParentContext reports a self-assessment outside a subagent.
	ErrNoParentContext = errors.New("assess_dispatch is only available for subagents with a parent agent")
)

func init() {
	result.RegisterCode(ErrBridgeUnavailable, result.CodeBridgeUnavailable)
	result.RegisterCode(ErrBridgeTimeout, result.CodeBridgeTimeout)
	result.RegisterCode(ErrAwaitTimeout, result.CodeBridgeTimeout)
	result.RegisterCode(ErrSubagentFailed, result.CodeSubagentFailed)
	result.RegisterCode(ErrSubagentCancelled, result.CodeSubagentCancelled)
	result.RegisterCode(ErrNoParentContext, result.CodeNoParentContext)
}

// RemoteError is an error status reported by the subagent manager.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string { return e.Reason }
