package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/sandbridge/internal/protocol"
	"github.com/mattjoyce/sandbridge/internal/tasks"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string                 `json:"status"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Tasks         map[protocol.State]int `json:"tasks"`
}

// TaskResponse describes one subagent.
type TaskResponse struct {
	ChildAgentID       string               `json:"child_agent_id"`
	ParentAgentID      *string              `json:"parent_agent_id,omitempty"`
	Text               string               `json:"text"`
	ModelSize          string               `json:"model_size"`
	State              protocol.State       `json:"state"`
	Payload            json.RawMessage      `json:"payload,omitempty"`
	AssessmentRequired bool                 `json:"assessment_required"`
	Assessment         *protocol.Assessment `json:"assessment,omitempty"`
	SelfAssessment     *protocol.Assessment `json:"self_assessment,omitempty"`
	TimeoutMS          int64                `json:"timeout_ms"`
	CreatedAt          time.Time            `json:"created_at"`
	StartedAt          *time.Time           `json:"started_at,omitempty"`
	CompletedAt        *time.Time           `json:"completed_at,omitempty"`
	CancelRequestedAt  *time.Time           `json:"cancel_requested_at,omitempty"`
	Stderr             *string              `json:"stderr,omitempty"`
	BridgeLog          []BridgeLogResponse  `json:"bridge_log,omitempty"`
}

// BridgeLogResponse is one answered bridge request.
type BridgeLogResponse struct {
	RequestID   string    `json:"request_id"`
	Op          string    `json:"op"`
	Status      string    `json:"status"`
	Fingerprint string    `json:"fingerprint"`
	ReceivedAt  time.Time `json:"received_at"`
	AnsweredAt  time.Time `json:"answered_at"`
	Error       *string   `json:"error,omitempty"`
}

// ListTasksResponse is returned by GET /tasks.
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

func taskResponse(t *tasks.Task) TaskResponse {
	return TaskResponse{
		ChildAgentID:       t.ChildAgentID,
		ParentAgentID:      t.ParentAgentID,
		Text:               t.Text,
		ModelSize:          t.ModelSize,
		State:              t.State,
		Payload:            t.Payload,
		AssessmentRequired: t.AssessmentRequired,
		Assessment:         t.Assessment,
		SelfAssessment:     t.SelfAssessment,
		TimeoutMS:          t.TimeoutMS,
		CreatedAt:          t.CreatedAt,
		StartedAt:          t.StartedAt,
		CompletedAt:        t.CompletedAt,
		CancelRequestedAt:  t.CancelRequestedAt,
		Stderr:             t.Stderr,
	}
}

func bridgeLogResponse(e tasks.BridgeLogEntry) BridgeLogResponse {
	return BridgeLogResponse{
		RequestID:   e.RequestID,
		Op:          e.Op,
		Status:      e.Status,
		Fingerprint: e.Fingerprint,
		ReceivedAt:  e.ReceivedAt,
		AnsweredAt:  e.AnsweredAt,
		Error:       e.Error,
	}
}
