package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// maxSymlinkHops bounds symlink expansion so a link cycle fails instead of looping.
const maxSymlinkHops = 255

// Resolver classifies resolved paths against the workspace root, the bridge
// root and the read-only runtime roots. All roots are absolute and already
// symlink-resolved.
type Resolver struct {
	Root         string
	Bridge       string
	RuntimeRoots []string
}

// Resolve turns path into an absolute, symlink-resolved path and checks it is
// contained in a root permitted for the access mode. Relative paths are joined
// onto base. Resolution happens before the containment check; the target
// itself does not need to exist.
func (r Resolver) Resolve(base, path string, allowRuntimeRead, allowBridge bool) (string, error) {
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(base, candidate)
	}

	resolved, err := RealPath(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}

	if Within(resolved, r.Root) {
		return resolved, nil
	}
	if allowBridge && r.Bridge != "" && Within(resolved, r.Bridge) {
		return resolved, nil
	}
	if allowRuntimeRead {
		for _, root := range r.RuntimeRoots {
			if Within(resolved, root) {
				return resolved, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
}

// InBridge reports whether an already resolved path lies in the bridge root.
func (r Resolver) InBridge(resolved string) bool {
	return r.Bridge != "" && Within(resolved, r.Bridge)
}

// Within reports whether path equals root or is a descendant of it. Both
// arguments must be clean absolute paths.
func Within(path, root string) bool {
	if root == "" {
		return false
	}
	if path == root {
		return true
	}
	sep := string(filepath.Separator)
	if root == sep {
		return strings.HasPrefix(path, sep)
	}
	return strings.HasPrefix(path, root+sep)
}

// RealPath resolves every symlink and ".." in an absolute path, component by
// component. The existing prefix is resolved against the filesystem; a
// missing tail is kept lexically so paths for files about to be created can
// still be classified. A ".." is applied to the already resolved parent, never
// to the unresolved string.
func RealPath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("absolute path: %w", err)
		}
		path = abs
	}

	sep := string(filepath.Separator)
	resolved := sep
	pending := splitPath(path)
	hops := 0

	for len(pending) > 0 {
		name := pending[0]
		pending = pending[1:]

		switch name {
		case "", ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}

		next := filepath.Join(resolved, name)
		info, err := os.Lstat(next)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
				resolved = next
				continue
			}
			return "", err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			resolved = next
			continue
		}

		hops++
		if hops > maxSymlinkHops {
			return "", fmt.Errorf("too many levels of symbolic links: %s", path)
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", fmt.Errorf("read symlink %q: %w", next, err)
		}
		if filepath.IsAbs(target) {
			resolved = sep
		}
		pending = append(splitPath(target), pending...)
	}

	return resolved, nil
}

func splitPath(p string) []string {
	return strings.Split(p, string(filepath.Separator))
}
