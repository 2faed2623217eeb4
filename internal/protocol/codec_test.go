package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "dispatch request",
			req: &Request{
				ID:        "17_99",
				Op:        OpDispatch,
				Text:      "summarise the logs",
				ModelSize: "small",
				TimeoutMS: 180000,
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"op":"dispatch"`) {
					t.Error("missing op field")
				}
				if !strings.Contains(output, `"timeout_ms":180000`) {
					t.Error("missing timeout_ms field")
				}
				if strings.Contains(output, "17_99") {
					t.Error("request id must not be serialized into the body")
				}
				if strings.Contains(output, "child_agent_id") {
					t.Error("empty child_agent_id should be omitted")
				}
			},
		},
		{
			name: "assess request",
			req: &Request{
				Op:           OpAssess,
				ChildAgentID: "agent-1",
				Verdict:      VerdictSatisfied,
				Reason:       "looks good",
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"verdict":"satisfied"`) {
					t.Error("missing verdict field")
				}
			},
		},
		{name: "dispatch without text", req: &Request{Op: OpDispatch}, wantErr: true},
		{name: "poll without id", req: &Request{Op: OpPoll}, wantErr: true},
		{name: "cancel without id", req: &Request{Op: OpCancel}, wantErr: true},
		{name: "assess bad verdict", req: &Request{Op: OpAssess, ChildAgentID: "a", Verdict: "maybe"}, wantErr: true},
		{name: "missing op", req: &Request{}, wantErr: true},
		{name: "unknown op", req: &Request{Op: "explode"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)

			if (err != nil) != tt.wantErr {
				t.Errorf("EncodeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		want    Request
	}{
		{
			name:  "poll",
			input: `{"op":"poll","child_agent_id":"agent-7"}`,
			want:  Request{Op: OpPoll, ChildAgentID: "agent-7"},
		},
		{
			name:  "assess normalises nothing on decode",
			input: `{"op":"assess","child_agent_id":"a","verdict":" Dissatisfied ","reason":"wrong file"}`,
			want:  Request{Op: OpAssess, ChildAgentID: "a", Verdict: " Dissatisfied ", Reason: "wrong file"},
		},
		{name: "unknown field", input: `{"op":"poll","child_agent_id":"a","extra":1}`, wantErr: true},
		{name: "invalid json", input: `{"op":`, wantErr: true},
		{name: "negative timeout", input: `{"op":"dispatch","text":"x","timeout_ms":-1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRequest(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if *got != tt.want {
				t.Errorf("DecodeRequest() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, resp *Response)
	}{
		{
			name:  "ok with string payload",
			input: `{"status":"ok","payload":"agent-42"}`,
			checkFn: func(t *testing.T, resp *Response) {
				if !resp.OK() {
					t.Errorf("want ok, got %s", resp.Status)
				}
				if resp.PayloadText() != "agent-42" {
					t.Errorf("PayloadText() = %q", resp.PayloadText())
				}
			},
		},
		{
			name:  "ok with state payload",
			input: `{"status":"ok","payload":{"state":"running","assessment_required":true,"assessment_recorded":false}}`,
			checkFn: func(t *testing.T, resp *Response) {
				var st SubagentState
				if err := resp.DecodePayload(&st); err != nil {
					t.Fatalf("DecodePayload() error = %v", err)
				}
				if st.State != StateRunning || !st.NeedsAssessment() {
					t.Errorf("unexpected state %+v", st)
				}
			},
		},
		{
			name:  "error response tolerates extra fields",
			input: `{"status":"error","payload":"unknown child_agent_id","debug":"x"}`,
			checkFn: func(t *testing.T, resp *Response) {
				if resp.OK() {
					t.Error("want error status")
				}
			},
		},
		{name: "missing status", input: `{"payload":"x"}`, wantErr: true},
		{name: "invalid status", input: `{"status":"maybe"}`, wantErr: true},
		{name: "malformed", input: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, resp)
			}
		})
	}
}

func TestResponseBuilders(t *testing.T) {
	resp, err := OKResponse(SubagentState{State: StateOK, Payload: json.RawMessage(`"done"`)})
	if err != nil {
		t.Fatalf("OKResponse() error = %v", err)
	}
	var st SubagentState
	if err := resp.DecodePayload(&st); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if st.State != StateOK || st.PayloadText() != "done" {
		t.Fatalf("unexpected state %+v", st)
	}

	cause := errors.New("disk full")
	failed := FailedResponse(cause)
	if failed.OK() || failed.PayloadText() != "disk full" || !errors.Is(failed.Err, cause) {
		t.Fatalf("unexpected failed response %+v", failed)
	}

	var buf bytes.Buffer
	if err := EncodeResponse(&buf, &failed); err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	if strings.Contains(buf.String(), "Err") {
		t.Fatalf("local error leaked into JSON: %s", buf.String())
	}
}

func TestStateAndVerdict(t *testing.T) {
	for _, s := range []State{StateOK, StateError, StateCancelled} {
		if !s.Terminal() || !s.Valid() {
			t.Errorf("%s should be terminal and valid", s)
		}
	}
	if StateRunning.Terminal() || !StateRunning.Valid() {
		t.Error("running is valid but not terminal")
	}
	if State("paused").Valid() {
		t.Error("unknown state should be invalid")
	}

	v, err := NormalizeVerdict("  SATISFIED ")
	if err != nil || v != VerdictSatisfied {
		t.Fatalf("NormalizeVerdict() = %q, %v", v, err)
	}
	if _, err := NormalizeVerdict("maybe"); !errors.Is(err, ErrInvalidVerdict) {
		t.Fatalf("want ErrInvalidVerdict, got %v", err)
	}
}

func TestTaskEnvelope(t *testing.T) {
	var buf bytes.Buffer
	in := &TaskInput{
		Protocol:     TaskProtocol,
		ChildAgentID: "agent-1",
		Text:         "do it",
		ModelSize:    "large",
		DeadlineAt:   time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
	}
	if err := EncodeTaskInput(&buf, in); err != nil {
		t.Fatalf("EncodeTaskInput() error = %v", err)
	}
	if !strings.Contains(buf.String(), `"child_agent_id":"agent-1"`) {
		t.Errorf("unexpected input %s", buf.String())
	}
	if err := EncodeTaskInput(&buf, &TaskInput{Protocol: 9}); err == nil {
		t.Error("want error for unsupported protocol")
	}

	out, _, err := DecodeTaskOutputLenient(strings.NewReader(
		`{"status":"ok","payload":{"answer":42},"dispatch_assessment":{"verdict":"Satisfied","reason":"clear"}}`))
	if err != nil {
		t.Fatalf("DecodeTaskOutputLenient() error = %v", err)
	}
	if out.Assessment == nil || out.Assessment.Verdict != VerdictSatisfied {
		t.Fatalf("assessment not normalised: %+v", out.Assessment)
	}

	for _, bad := range []string{``, `nope`, `{"status":"error"}`, `{"status":"ok","dispatch_assessment":{"verdict":"meh"}}`} {
		if _, raw, err := DecodeTaskOutputLenient(strings.NewReader(bad)); err == nil {
			t.Errorf("want error for %q", bad)
		} else if string(raw) != bad {
			t.Errorf("raw bytes = %q, want %q", raw, bad)
		}
	}
}
