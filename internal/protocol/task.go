package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// TaskProtocol is the version of the executor stdin/stdout envelope.
const TaskProtocol = 1

// TaskInput is written to an executor process on stdin.
type TaskInput struct {
	Protocol           int       `json:"protocol"`
	ChildAgentID       string    `json:"child_agent_id"`
	ParentAgentID      string    `json:"parent_agent_id,omitempty"`
	Text               string    `json:"text"`
	ModelSize          string    `json:"model_size"`
	WorkspaceDir       string    `json:"workspace_dir,omitempty"`
	BridgeDir          string    `json:"bridge_dir,omitempty"`
	AssessmentRequired bool      `json:"dispatch_assessment_required"`
	DeadlineAt         time.Time `json:"deadline_at"`
}

// TaskOutput is read from an executor process on stdout.
type TaskOutput struct {
	Status     string          `json:"status"` // ok | error
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	Assessment *Assessment     `json:"dispatch_assessment,omitempty"`
	Logs       []LogEntry      `json:"logs,omitempty"`
}

// LogEntry is a log message emitted by an executor.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// EncodeTaskInput serializes in to w.
func EncodeTaskInput(w io.Writer, in *TaskInput) error {
	if in.Protocol != TaskProtocol {
		return fmt.Errorf("unsupported protocol version: %d", in.Protocol)
	}
	if err := json.NewEncoder(w).Encode(in); err != nil {
		return fmt.Errorf("failed to encode task input: %w", err)
	}
	return nil
}

// DecodeTaskOutputLenient reads all of r and decodes a TaskOutput, returning
// the raw bytes for diagnostics when decoding fails.
func DecodeTaskOutputLenient(r io.Reader) (*TaskOutput, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read task output: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("executor produced no output on stdout")
	}

	var out TaskOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, data, fmt.Errorf("executor output is not valid JSON: %w", err)
	}
	if err := validateStatus(out.Status); err != nil {
		return nil, data, err
	}
	if out.Status == StatusError && out.Error == "" {
		return nil, data, fmt.Errorf("task output has status=error but no error message")
	}
	if out.Assessment != nil {
		v, err := NormalizeVerdict(out.Assessment.Verdict)
		if err != nil {
			return nil, data, fmt.Errorf("dispatch_assessment: %w", err)
		}
		out.Assessment.Verdict = v
	}
	return &out, data, nil
}
