package workspace

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattjoyce/sandbridge/internal/log"
)

// writeFlags are the open flags that make an open a write.
const writeFlags = os.O_WRONLY | os.O_RDWR | os.O_APPEND | os.O_CREATE | os.O_TRUNC | os.O_EXCL

// Options configures a Guard. An empty Root yields a passthrough guard for
// trusted contexts.
type Options struct {
	Root         string
	ReadOnly     bool
	BridgeDir    string
	RuntimeRoots []string
}

// Guard is the capability object through which a script reaches the
// filesystem. Every method resolves its path argument and checks containment
// before delegating to the os package.
//
// The virtual working directory starts at the root and is only changed by
// Chdir; the real process working directory is never read or modified while
// the guard is enabled.
type Guard struct {
	resolver Resolver
	readOnly bool
	enabled  bool
	logger   *slog.Logger

	mu  sync.Mutex
	cwd string
}

// NewGuard resolves the configured roots and returns a guard whose virtual
// working directory is the workspace root.
func NewGuard(opts Options) (*Guard, error) {
	g := &Guard{
		readOnly: opts.ReadOnly,
		logger:   log.WithComponent("guard"),
	}

	rootText := strings.TrimSpace(opts.Root)
	if rootText == "" {
		return g, nil
	}

	root, err := RealPath(rootText)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root %q: %w", rootText, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %q: %w", root, ErrNotADirectory)
	}

	var bridge string
	if b := strings.TrimSpace(opts.BridgeDir); b != "" {
		bridge, err = RealPath(b)
		if err != nil {
			return nil, fmt.Errorf("resolve bridge dir %q: %w", b, err)
		}
	}

	runtimeRoots, dropped := cleanRoots(opts.RuntimeRoots, root, bridge)
	for _, d := range dropped {
		g.logger.Warn("runtime root ignored: it is the filesystem root or contains the workspace or bridge", "runtime_root", d)
	}
	g.resolver = Resolver{
		Root:         root,
		Bridge:       bridge,
		RuntimeRoots: runtimeRoots,
	}
	g.enabled = true
	g.cwd = root

	g.logger.Debug("workspace guard installed",
		"root", root,
		"bridge_dir", bridge,
		"runtime_roots", len(g.resolver.RuntimeRoots),
		"read_only", opts.ReadOnly,
	)
	return g, nil
}

// Enabled reports whether a workspace root is configured.
func (g *Guard) Enabled() bool { return g.enabled }

// Root returns the resolved workspace root ("" for a passthrough guard).
func (g *Guard) Root() string { return g.resolver.Root }

// BridgeDir returns the resolved bridge root, if any.
func (g *Guard) BridgeDir() string { return g.resolver.Bridge }

// RuntimeRoots returns a copy of the read-only runtime roots.
func (g *Guard) RuntimeRoots() []string {
	return append([]string(nil), g.resolver.RuntimeRoots...)
}

// ReadOnly reports whether writes outside the bridge root are refused.
func (g *Guard) ReadOnly() bool { return g.readOnly }

// Resolve resolves path relative to the virtual working directory and checks
// it against the permitted roots.
func (g *Guard) Resolve(path string, allowRuntimeRead, allowBridge bool) (string, error) {
	if !g.enabled {
		return RealPath(path)
	}
	resolved, err := g.resolver.Resolve(g.Getwd(), path, allowRuntimeRead, allowBridge)
	if err != nil {
		g.logger.Warn("guarded path rejected", "path", path, "error", err)
		return "", err
	}
	return resolved, nil
}

// ResolveInRoot resolves path relative to the workspace root itself, with no
// bridge or runtime exception. Script helpers use this form.
func (g *Guard) ResolveInRoot(path string) (string, error) {
	if !g.enabled {
		return "", ErrNoWorkspace
	}
	if path == "" {
		path = "."
	}
	return g.resolver.Resolve(g.resolver.Root, path, false, false)
}

func (g *Guard) resolveRead(path string) (string, error) {
	return g.Resolve(path, true, true)
}

func (g *Guard) resolveWrite(path string) (string, error) {
	target, err := g.Resolve(path, false, true)
	if err != nil {
		return "", err
	}
	if err := g.CheckWritable(target); err != nil {
		return "", err
	}
	return target, nil
}

// CheckWritable refuses a resolved target when the guard is read-only,
// unless the target lies in the bridge root.
func (g *Guard) CheckWritable(resolved string) error {
	if g.enabled && g.readOnly && !g.resolver.InBridge(resolved) {
		return fmt.Errorf("%w: %s", ErrReadOnlyWorkspace, resolved)
	}
	return nil
}

// Open opens path for reading.
func (g *Guard) Open(path string) (*os.File, error) {
	return g.OpenFile(path, os.O_RDONLY, 0)
}

// Create creates or truncates path for writing.
func (g *Guard) Create(path string) (*os.File, error) {
	return g.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// OpenFile is the guarded os.OpenFile. Any write, append, create or exclusive
// flag selects write semantics.
func (g *Guard) OpenFile(path string, flag int, perm fs.FileMode) (*os.File, error) {
	if !g.enabled {
		return os.OpenFile(path, flag, perm)
	}

	var (
		target string
		err    error
	)
	if flag&writeFlags != 0 {
		target, err = g.resolveWrite(path)
	} else {
		target, err = g.resolveRead(path)
	}
	if err != nil {
		return nil, err
	}
	return os.OpenFile(target, flag, perm)
}

// ReadFile reads the whole file at path.
func (g *Guard) ReadFile(path string) ([]byte, error) {
	if !g.enabled {
		return os.ReadFile(path)
	}
	target, err := g.resolveRead(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(target)
}

// WriteFile writes data to path, creating or truncating it.
func (g *Guard) WriteFile(path string, data []byte, perm fs.FileMode) error {
	if !g.enabled {
		return os.WriteFile(path, data, perm)
	}
	target, err := g.resolveWrite(path)
	if err != nil {
		return err
	}
	return os.WriteFile(target, data, perm)
}

// MkdirAll creates path and any missing parents.
func (g *Guard) MkdirAll(path string, perm fs.FileMode) error {
	if !g.enabled {
		return os.MkdirAll(path, perm)
	}
	target, err := g.resolveWrite(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(target, perm)
}

// Stat stats path with read semantics.
func (g *Guard) Stat(path string) (fs.FileInfo, error) {
	if !g.enabled {
		return os.Stat(path)
	}
	target, err := g.resolveRead(path)
	if err != nil {
		return nil, err
	}
	return os.Stat(target)
}

// ReadDir lists the directory at path.
func (g *Guard) ReadDir(path string) ([]fs.DirEntry, error) {
	if !g.enabled {
		return os.ReadDir(path)
	}
	target, err := g.resolveRead(path)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(target)
}

// WalkDir walks the tree rooted at path. Paths handed to fn are under the
// resolved root. Symlinks inside the tree are reported, not followed.
func (g *Guard) WalkDir(path string, fn fs.WalkDirFunc) error {
	if !g.enabled {
		return filepath.WalkDir(path, fn)
	}
	target, err := g.resolveRead(path)
	if err != nil {
		return err
	}
	return filepath.WalkDir(target, fn)
}

// Chdir changes the virtual working directory. Only workspace paths are
// accepted and the target must be an existing directory. The process working
// directory is left untouched.
func (g *Guard) Chdir(path string) error {
	if !g.enabled {
		return os.Chdir(path)
	}

	target, err := g.Resolve(path, false, false)
	if err != nil {
		return err
	}
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotADirectory, path)
	}

	g.mu.Lock()
	g.cwd = target
	g.mu.Unlock()
	return nil
}

// Getwd returns the virtual working directory verbatim.
func (g *Guard) Getwd() string {
	if !g.enabled {
		wd, err := os.Getwd()
		if err != nil {
			return ""
		}
		return wd
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cwd
}

// cleanRoots resolves runtime roots and drops duplicates. A root that is the
// filesystem root, or that contains one of the protected directories, would
// expose everything beside them read-only; such roots are returned in dropped.
func cleanRoots(roots []string, protected ...string) (kept, dropped []string) {
	kept = make([]string, 0, len(roots))
	seen := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" || !filepath.IsAbs(root) {
			continue
		}
		resolved, err := RealPath(root)
		if err != nil {
			continue
		}
		if _, ok := seen[resolved]; ok {
			continue
		}
		seen[resolved] = struct{}{}
		if isFilesystemRoot(resolved) || containsAny(resolved, protected) {
			dropped = append(dropped, resolved)
			continue
		}
		kept = append(kept, resolved)
	}
	return kept, dropped
}

func containsAny(root string, paths []string) bool {
	for _, p := range paths {
		if p != "" && Within(p, root) {
			return true
		}
	}
	return false
}
