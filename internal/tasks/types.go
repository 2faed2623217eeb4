package tasks

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/sandbridge/internal/protocol"
	"github.com/mattjoyce/sandbridge/internal/result"
)

var (
	ErrTaskNotFound = errors.New("unknown child_agent_id")

	// ErrTaskRunning reports an assessment of a subagent that has not finished.
	ErrTaskRunning = errors.New("subagent is still running")
)

func init() {
	result.RegisterCode(ErrTaskNotFound, result.CodeNotFound)
}

// Task is one dispatched subagent.
type Task struct {
	ChildAgentID       string
	ParentAgentID      *string
	Text               string
	ModelSize          string
	State              protocol.State
	Payload            json.RawMessage
	AssessmentRequired bool
	Assessment         *protocol.Assessment
	SelfAssessment     *protocol.Assessment
	TimeoutMS          int64
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelRequestedAt  *time.Time
	Stderr             *string
}

// Snapshot is the poll payload for t.
func (t *Task) Snapshot() protocol.SubagentState {
	return protocol.SubagentState{
		State:              t.State,
		Payload:            t.Payload,
		AssessmentRequired: t.AssessmentRequired,
		AssessmentRecorded: t.Assessment != nil,
	}
}

// CreateRequest describes a new dispatch.
type CreateRequest struct {
	ParentAgentID      *string
	Text               string
	ModelSize          string
	TimeoutMS          int64
	AssessmentRequired bool
}

// Completion is the terminal outcome of a subagent run.
type Completion struct {
	State          protocol.State
	Payload        json.RawMessage
	SelfAssessment *protocol.Assessment
	Stderr         *string
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	State protocol.State
	Limit int
}

// BridgeLogEntry records one answered bridge request.
type BridgeLogEntry struct {
	RequestID    string
	Op           string
	ChildAgentID *string
	Status       string
	Fingerprint  string
	ReceivedAt   time.Time
	AnsweredAt   time.Time
	Error        *string
}
