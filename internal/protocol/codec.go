package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ValidateRequest checks the op-specific required fields.
func ValidateRequest(req *Request) error {
	switch req.Op {
	case OpDispatch:
		if strings.TrimSpace(req.Text) == "" {
			return fmt.Errorf("dispatch request missing required field: text")
		}
		if req.TimeoutMS < 0 {
			return fmt.Errorf("dispatch timeout_ms must not be negative")
		}
	case OpPoll, OpCancel:
		if req.ChildAgentID == "" {
			return fmt.Errorf("%s request missing required field: child_agent_id", req.Op)
		}
	case OpAssess:
		if req.ChildAgentID == "" {
			return fmt.Errorf("assess request missing required field: child_agent_id")
		}
		if _, err := NormalizeVerdict(req.Verdict); err != nil {
			return err
		}
	case "":
		return fmt.Errorf("request missing required field: op")
	default:
		return fmt.Errorf("unsupported op: %q", req.Op)
	}
	return nil
}

// EncodeRequest validates req and writes it as JSON to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if err := ValidateRequest(req); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeRequest reads a request from r. Unknown fields are rejected.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// EncodeResponse writes resp as JSON to w.
func EncodeResponse(w io.Writer, resp *Response) error {
	if err := validateStatus(resp.Status); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// DecodeResponse reads a response from r and validates its status. Unknown
// fields are tolerated so managers can add diagnostics.
func DecodeResponse(r io.Reader) (*Response, error) {
	var resp Response
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := validateStatus(resp.Status); err != nil {
		return nil, err
	}
	return &resp, nil
}

func validateStatus(status string) error {
	if status == "" {
		return fmt.Errorf("response missing required field: status")
	}
	if status != StatusOK && status != StatusError {
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", status)
	}
	return nil
}
