package bridge

import (
	"strings"
	"sync"

	"github.com/mattjoyce/sandbridge/internal/protocol"
)

// Self-assessment outcome statuses.
const (
	AssessmentIgnored  = "ignored"
	AssessmentRecorded = "recorded"
)

const notRequestedReason = "dispatch assessment not requested for this subagent"

// DispatchContext describes the execution a script runs in. ParentAgentID is
// empty for a top-level agent.
type DispatchContext struct {
	ParentAgentID       string
	AssessmentRequested bool
}

// SelfOutcome is the result of AssessDispatch.
type SelfOutcome struct {
	Status  string `json:"status"`
	Verdict string `json:"verdict,omitempty"`
	Reason  string `json:"reason"`
}

// SelfAssessor lets a subagent record a verdict on the dispatch that started
// it. The verdict stays in process and is collected by the host once the
// script finishes; nothing crosses the bridge.
type SelfAssessor struct {
	ctx DispatchContext

	mu       sync.Mutex
	recorded *protocol.Assessment
}

// NewSelfAssessor returns a SelfAssessor bound to ctx.
func NewSelfAssessor(ctx DispatchContext) *SelfAssessor {
	return &SelfAssessor{ctx: ctx}
}

// Context returns the dispatch context.
func (s *SelfAssessor) Context() DispatchContext { return s.ctx }

// AssessDispatch records verdict. It fails with ErrNoParentContext outside a
// subagent and reports ignored when no assessment was requested. A later call
// replaces an earlier verdict.
func (s *SelfAssessor) AssessDispatch(verdict, reason string) (SelfOutcome, error) {
	if strings.TrimSpace(s.ctx.ParentAgentID) == "" {
		return SelfOutcome{}, ErrNoParentContext
	}
	if !s.ctx.AssessmentRequested {
		return SelfOutcome{Status: AssessmentIgnored, Reason: notRequestedReason}, nil
	}

	v, err := protocol.NormalizeVerdict(verdict)
	if err != nil {
		return SelfOutcome{}, err
	}

	s.mu.Lock()
	s.recorded = &protocol.Assessment{Verdict: v, Reason: reason}
	s.mu.Unlock()

	return SelfOutcome{Status: AssessmentRecorded, Verdict: v, Reason: reason}, nil
}

// Recorded returns the last recorded verdict, if any.
func (s *SelfAssessor) Recorded() (protocol.Assessment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorded == nil {
		return protocol.Assessment{}, false
	}
	return *s.recorded, true
}
