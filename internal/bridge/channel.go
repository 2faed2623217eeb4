// Package bridge implements the file-mediated request/response channel used
// to dispatch subagent work, and the lifecycle state machine driven over it.
package bridge

import (
	"context"
	"time"

	"github.com/mattjoyce/sandbridge/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_channel.go -package=mocks github.com/mattjoyce/sandbridge/internal/bridge RequestChannel

// RequestChannel publishes requests and waits for their responses. The state
// machine only depends on this interface, so the transport can change without
// touching lifecycle logic.
type RequestChannel interface {
	// Publish makes req visible to the manager and returns its request id.
	// A request with an empty ID is assigned one.
	Publish(ctx context.Context, req *protocol.Request) (string, error)

	// AwaitResponse blocks until the response for requestID is available or
	// deadline passes. A response is delivered to exactly one caller.
	AwaitResponse(ctx context.Context, requestID string, deadline time.Time) (*protocol.Response, error)
}
