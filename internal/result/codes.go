package result

import (
	"errors"
	"sync"
)

// Taxonomy codes reported alongside failure reasons.
const (
	CodeOutsideWorkspace  = "outside_workspace"
	CodeReadOnlyWorkspace = "read_only_workspace"
	CodeNotFound          = "not_found"
	CodeNotAFile          = "not_a_file"
	CodeNotADirectory     = "not_a_directory"
	CodeBridgeUnavailable = "bridge_unavailable"
	CodeBridgeTimeout     = "bridge_timeout"
	CodeSubagentFailed    = "subagent_failed"
	CodeSubagentCancelled = "subagent_cancelled"
	CodeInvalidVerdict    = "invalid_verdict"
	CodeNoParentContext   = "no_parent_context"
	CodeInternal          = "internal"
)

type codeEntry struct {
	target error
	code   string
}

var (
	codesMu sync.RWMutex
	codes   []codeEntry
)

// RegisterCode associates a sentinel error with a taxonomy code. Packages
// owning sentinels register them from init so this package stays a leaf.
func RegisterCode(target error, code string) {
	codesMu.Lock()
	defer codesMu.Unlock()
	codes = append(codes, codeEntry{target: target, code: code})
}

// CodeOf returns the code of the first registered sentinel err matches, or
// CodeInternal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	codesMu.RLock()
	defer codesMu.RUnlock()
	for _, entry := range codes {
		if errors.Is(err, entry.target) {
			return entry.code
		}
	}
	return CodeInternal
}
