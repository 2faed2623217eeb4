package textutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrNoEditBlocks    = errors.New("no edit blocks found; use <<<<<<< SEARCH ... ======= ... >>>>>>> REPLACE blocks")
	ErrStrayPatchText  = errors.New("patch contains text outside of edit blocks")
	ErrEmptySearch     = errors.New("search blocks cannot be empty")
	ErrSearchNotFound  = errors.New("search text not found in file")
	ErrSearchNotUnique = errors.New("search text matched multiple occurrences; add more surrounding context to make it unique")
)

var editBlockRe = regexp.MustCompile(`(?s)<<<<<<< SEARCH\r?\n(.*?)\r?\n=======\r?\n(.*?)\r?\n>>>>>>> REPLACE`)

// Edit is one search/replace pair.
type Edit struct {
	Search  string
	Replace string
}

// ParsePatch extracts the edit blocks of patch. The patch is dedented by its
// common leading whitespace first so blocks may be written indented.
func ParsePatch(patch string) ([]Edit, error) {
	text := normalizePatch(patch)

	found := editBlockRe.FindAllStringSubmatch(text, -1)
	if len(found) == 0 {
		return nil, ErrNoEditBlocks
	}
	if strings.TrimSpace(editBlockRe.ReplaceAllString(text, "")) != "" {
		return nil, ErrStrayPatchText
	}

	edits := make([]Edit, 0, len(found))
	for _, m := range found {
		if m[1] == "" {
			return nil, ErrEmptySearch
		}
		edits = append(edits, Edit{Search: m[1], Replace: m[2]})
	}
	return edits, nil
}

// ApplyPatch applies every block of patch to content in order. Each search
// text must occur exactly once in the content as modified by earlier blocks.
func ApplyPatch(content, patch string) (string, int, error) {
	edits, err := ParsePatch(patch)
	if err != nil {
		return "", 0, err
	}
	for i, e := range edits {
		switch n := strings.Count(content, e.Search); {
		case n == 0:
			return "", 0, fmt.Errorf("block %d: %w", i+1, ErrSearchNotFound)
		case n > 1:
			return "", 0, fmt.Errorf("block %d: %w", i+1, ErrSearchNotUnique)
		}
		content = strings.Replace(content, e.Search, e.Replace, 1)
	}
	return content, len(edits), nil
}

func normalizePatch(patch string) string {
	trimmed := strings.Trim(patch, "\n")
	lines := strings.Split(trimmed, "\n")

	minIndent := -1
	for _, line := range lines {
		if line == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if minIndent < 0 || indent < minIndent {
			minIndent = indent
		}
	}
	if minIndent <= 0 {
		return trimmed
	}

	for i, line := range lines {
		if line != "" {
			lines[i] = line[minIndent:]
		}
	}
	return strings.Join(lines, "\n")
}
