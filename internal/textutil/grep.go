// Package textutil holds the text helpers exposed to scripts: line grep,
// chat-context extraction and search/replace patching.
package textutil

import (
	"errors"
	"regexp"
	"strings"
)

// Match is one matching line. Line is 1-based.
type Match struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Grep returns the lines of text containing needle.
func Grep(needle, text string) []Match {
	return grepFunc(text, func(line string) bool { return strings.Contains(line, needle) })
}

// GrepRegexp returns the lines of text matched by re.
func GrepRegexp(re *regexp.Regexp, text string) []Match {
	return grepFunc(text, re.MatchString)
}

func grepFunc(text string, match func(string) bool) []Match {
	var out []Match
	for i, line := range strings.Split(text, "\n") {
		if match(line) {
			out = append(out, Match{Line: i + 1, Text: line})
		}
	}
	return out
}

// Chat markers delimiting entries in an agent context transcript.
const (
	PrincipalMarker = "[RLM_Principal]"
	AgentMarker     = "[RLM_Agent]"
)

// ErrNoChatEntries reports a context without any principal entry.
var ErrNoChatEntries = errors.New("no chat entries found in context")

// LatestPrincipalMessage returns the body of the last principal entry in
// context, trimmed. An entry starts at a line holding only the principal
// marker and runs until the next line beginning with either marker.
func LatestPrincipalMessage(context string) (string, error) {
	var (
		body    []string
		inEntry bool
		found   bool
		latest  string
	)
	flush := func() {
		if inEntry {
			latest = strings.TrimSpace(strings.Join(body, "\n"))
			found = true
		}
	}

	for _, line := range strings.Split(context, "\n") {
		if strings.TrimRight(line, "\r") == PrincipalMarker {
			flush()
			inEntry, body = true, body[:0]
			continue
		}
		if strings.HasPrefix(line, PrincipalMarker) || strings.HasPrefix(line, AgentMarker) {
			flush()
			inEntry = false
			continue
		}
		if inEntry {
			body = append(body, line)
		}
	}
	flush()

	if !found {
		return "", ErrNoChatEntries
	}
	return latest, nil
}
