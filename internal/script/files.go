package script

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mattjoyce/sandbridge/internal/result"
	"github.com/mattjoyce/sandbridge/internal/textutil"
	"github.com/mattjoyce/sandbridge/internal/workspace"
)

var errMaxBytes = errors.New("max_bytes must be a positive integer")

// LsStatus lists a workspace directory. Entries are sorted by name and
// directories carry a trailing slash.
func (e *Env) LsStatus(path string) result.Result[[]string] {
	target, err := e.guard.ResolveInRoot(path)
	if err != nil {
		return result.Fail[[]string](err)
	}
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return result.Fail[[]string](workspace.ErrNotADirectory)
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return result.Fail[[]string](err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if isDir(filepath.Join(target, name), entry) {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return result.Ok(names)
}

// Ls is LsStatus unwrapped.
func (e *Env) Ls(path string) ([]string, error) {
	return e.LsStatus(path).Unwrap("ls")
}

// ReadFileStatus returns the whole content of a workspace file. Invalid
// UTF-8 is replaced.
func (e *Env) ReadFileStatus(path string) result.Result[string] {
	return e.readFile(path, -1)
}

// ReadFileLimitStatus returns at most maxBytes bytes of a workspace file.
func (e *Env) ReadFileLimitStatus(path string, maxBytes int) result.Result[string] {
	if maxBytes <= 0 {
		return result.Fail[string](errMaxBytes)
	}
	return e.readFile(path, int64(maxBytes))
}

// ReadFile is ReadFileStatus unwrapped.
func (e *Env) ReadFile(path string) (string, error) {
	return e.ReadFileStatus(path).Unwrap("read_file")
}

// ReadFileLimit is ReadFileLimitStatus unwrapped.
func (e *Env) ReadFileLimit(path string, maxBytes int) (string, error) {
	return e.ReadFileLimitStatus(path, maxBytes).Unwrap("read_file")
}

func (e *Env) readFile(path string, limit int64) result.Result[string] {
	target, err := e.guard.ResolveInRoot(path)
	if err != nil {
		return result.Fail[string](err)
	}
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return result.Fail[string](workspace.ErrNotAFile)
	}

	f, err := os.Open(target)
	if err != nil {
		return result.Fail[string](err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return result.Fail[string](err)
	}
	return result.Ok(strings.ToValidUTF8(string(data), "�"))
}

// CreateFileStatus creates a new workspace file with content, creating
// missing parent directories. An existing file is never overwritten.
func (e *Env) CreateFileStatus(path, content string) result.Result[string] {
	if e.guard.ReadOnly() {
		return result.Fail[string](workspace.ErrReadOnlyWorkspace)
	}
	if strings.TrimSpace(path) == "" {
		return result.Fail[string](errors.New("path must be a non-empty file path"))
	}
	if strings.HasSuffix(path, "/") {
		return result.Fail[string](errors.New("path must be a file, not a directory"))
	}

	target, err := e.guard.ResolveInRoot(path)
	if err != nil {
		return result.Fail[string](err)
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return result.Fail[string](workspace.ErrIsADirectory)
	}
	if err := e.guard.CheckWritable(target); err != nil {
		return result.Fail[string](err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return result.Fail[string](err)
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return result.Fail[string](workspace.ErrAlreadyExists)
		}
		return result.Fail[string](err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return result.Fail[string](err)
	}
	if err := f.Close(); err != nil {
		return result.Fail[string](err)
	}

	e.logger.Debug("file created", "path", target, "bytes", len(content))
	return result.Ok(fmt.Sprintf("created %s", path))
}

// CreateFile is CreateFileStatus unwrapped.
func (e *Env) CreateFile(path, content string) (string, error) {
	return e.CreateFileStatus(path, content).Unwrap("create_file")
}

// EditFileStatus applies SEARCH/REPLACE blocks to an existing workspace
// file. Nothing is written unless every block applies.
func (e *Env) EditFileStatus(path, patch string) result.Result[string] {
	if e.guard.ReadOnly() {
		return result.Fail[string](workspace.ErrReadOnlyWorkspace)
	}
	target, err := e.guard.ResolveInRoot(path)
	if err != nil {
		return result.Fail[string](err)
	}
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return result.Fail[string](workspace.ErrNotAFile)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return result.Fail[string](err)
	}
	updated, n, err := textutil.ApplyPatch(strings.ToValidUTF8(string(data), "�"), patch)
	if err != nil {
		return result.Fail[string](err)
	}
	if err := os.WriteFile(target, []byte(updated), info.Mode().Perm()); err != nil {
		return result.Fail[string](err)
	}

	e.logger.Debug("file edited", "path", target, "edits", n)
	return result.Ok(fmt.Sprintf("applied %d edit(s) to %s", n, path))
}

// EditFile is EditFileStatus unwrapped.
func (e *Env) EditFile(path, patch string) (string, error) {
	return e.EditFileStatus(path, patch).Unwrap("edit_file")
}

// Grep returns the lines of text containing needle.
func (e *Env) Grep(needle, text string) []textutil.Match {
	return textutil.Grep(needle, text)
}

// GrepRegexp returns the lines of text matched by re.
func (e *Env) GrepRegexp(re *regexp.Regexp, text string) []textutil.Match {
	return textutil.GrepRegexp(re, text)
}

// LatestPrincipalMessageStatus extracts the last principal chat entry.
func (e *Env) LatestPrincipalMessageStatus(context string) result.Result[string] {
	return result.From(textutil.LatestPrincipalMessage(context))
}

// LatestPrincipalMessage is LatestPrincipalMessageStatus unwrapped.
func (e *Env) LatestPrincipalMessage(context string) (string, error) {
	return e.LatestPrincipalMessageStatus(context).Unwrap("latest_principal_message")
}

func isDir(path string, entry fs.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
