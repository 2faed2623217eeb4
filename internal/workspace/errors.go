package workspace

import (
	"errors"
	"io/fs"

	"github.com/mattjoyce/sandbridge/internal/result"
)

var (
	// ErrOutsideWorkspace reports a resolved path outside every root permitted
	// for the requested access mode.
	ErrOutsideWorkspace = errors.New("path is outside workspace root")

	// ErrReadOnlyWorkspace reports a write attempted while the guard is
	// read-only and the target is not inside the bridge directory.
	ErrReadOnlyWorkspace = errors.New("workspace is read-only")

	// ErrNoWorkspace reports a workspace-relative helper used without a root.
	ErrNoWorkspace = errors.New("workspace root not set")

	ErrNotFound      = errors.New("no such file or directory")
	ErrNotAFile      = errors.New("not a file")
	ErrNotADirectory = errors.New("not a directory")
	ErrIsADirectory  = errors.New("path is a directory")
	ErrAlreadyExists = errors.New("file already exists")
)

func init() {
	result.RegisterCode(ErrOutsideWorkspace, result.CodeOutsideWorkspace)
	result.RegisterCode(ErrReadOnlyWorkspace, result.CodeReadOnlyWorkspace)
	result.RegisterCode(ErrNotFound, result.CodeNotFound)
	result.RegisterCode(ErrNotAFile, result.CodeNotAFile)
	result.RegisterCode(ErrNotADirectory, result.CodeNotADirectory)
	// Guarded os calls surface a missing path as *fs.PathError.
	result.RegisterCode(fs.ErrNotExist, result.CodeNotFound)
}
