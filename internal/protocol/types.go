package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/sandbridge/internal/result"
)

// Bridge operations.
const (
	OpDispatch = "dispatch"
	OpPoll     = "poll"
	OpCancel   = "cancel"
	OpAssess   = "assess"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Assessment verdicts.
const (
	VerdictSatisfied    = "satisfied"
	VerdictDissatisfied = "dissatisfied"
)

// DefaultModelSize is used when a dispatch does not name one.
const DefaultModelSize = "small"

// ErrInvalidVerdict reports a verdict outside satisfied/dissatisfied.
var ErrInvalidVerdict = errors.New("verdict must be 'satisfied' or 'dissatisfied'")

func init() {
	result.RegisterCode(ErrInvalidVerdict, result.CodeInvalidVerdict)
}

// Request is a bridge request record. ID names the request and response
// files and is not part of the JSON body.
type Request struct {
	ID           string `json:"-"`
	Op           string `json:"op"`
	Text         string `json:"text,omitempty"`
	ModelSize    string `json:"model_size,omitempty"`
	TimeoutMS    int64  `json:"timeout_ms,omitempty"`
	ChildAgentID string `json:"child_agent_id,omitempty"`
	Verdict      string `json:"verdict,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Response is a bridge response record.
type Response struct {
	Status  string          `json:"status"` // ok | error
	Payload json.RawMessage `json:"payload,omitempty"`

	// Err keeps the local cause of a transport failure so callers can match
	// it with errors.Is. Never serialized.
	Err error `json:"-"`
}

// OKResponse builds a success response carrying payload.
func OKResponse(payload any) (Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Response{Status: StatusOK, Payload: raw}, nil
}

// ErrorResponse builds an error response whose payload is the reason text.
func ErrorResponse(reason string) Response {
	raw, _ := json.Marshal(reason)
	return Response{Status: StatusError, Payload: raw}
}

// FailedResponse converts a local error into the error response shape,
// keeping the cause.
func FailedResponse(err error) Response {
	resp := ErrorResponse(err.Error())
	resp.Err = err
	return resp
}

// OK reports whether the response status is ok.
func (r Response) OK() bool { return r.Status == StatusOK }

// PayloadText renders the payload for messages: JSON strings are unquoted,
// anything else is returned as raw JSON.
func (r Response) PayloadText() string {
	return payloadText(r.Payload)
}

// DecodePayload unmarshals the payload into v.
func (r Response) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("response has no payload")
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// State is the lifecycle state of a dispatched subagent.
type State string

const (
	StateRunning   State = "running"
	StateOK        State = "ok"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateOK || s == StateError || s == StateCancelled
}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	return s == StateRunning || s.Terminal()
}

// SubagentState is the poll payload describing one dispatched subagent.
type SubagentState struct {
	State              State           `json:"state"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	AssessmentRequired bool            `json:"assessment_required"`
	AssessmentRecorded bool            `json:"assessment_recorded"`
}

// NeedsAssessment reports an assessment that is required but not recorded.
func (s SubagentState) NeedsAssessment() bool {
	return s.AssessmentRequired && !s.AssessmentRecorded
}

// PayloadText renders the state payload like Response.PayloadText.
func (s SubagentState) PayloadText() string {
	return payloadText(s.Payload)
}

// Assessment is a recorded verdict.
type Assessment struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

// NormalizeVerdict trims and lower-cases verdict and checks it is allowed.
func NormalizeVerdict(verdict string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(verdict))
	if v != VerdictSatisfied && v != VerdictDissatisfied {
		return "", fmt.Errorf("%w (got %q)", ErrInvalidVerdict, verdict)
	}
	return v, nil
}

func payloadText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
