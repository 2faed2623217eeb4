package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// realTempDir returns t.TempDir() with its own symlinks resolved (macOS
// places temp dirs under a symlinked /var).
func realTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestWithin(t *testing.T) {
	tests := []struct {
		path, root string
		want       bool
	}{
		{"/ws", "/ws", true},
		{"/ws/a", "/ws", true},
		{"/ws/a/b", "/ws", true},
		{"/ws-evil", "/ws", false},
		{"/wsx/a", "/ws", false},
		{"/", "/ws", false},
		{"/etc/passwd", "/", true},
		{"/ws", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Within(tt.path, tt.root), "Within(%q, %q)", tt.path, tt.root)
	}
}

func TestRealPathResolvesSymlinksAndMissingTail(t *testing.T) {
	base := realTempDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "real", "inner"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(base, "real"), filepath.Join(base, "link")))
	require.NoError(t, os.Symlink("inner", filepath.Join(base, "real", "rel")))

	got, err := RealPath(filepath.Join(base, "link", "inner"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "real", "inner"), got)

	got, err = RealPath(filepath.Join(base, "link", "rel", "new", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "real", "inner", "new", "file.txt"), got)

	// ".." applies to the resolved target, not the link's lexical parent.
	got, err = RealPath(filepath.Join(base, "link", "..", "sibling"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "sibling"), got)

	got, err = RealPath(filepath.Join(base, "real", "rel", ".."))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "real"), got)
}

func TestRealPathDetectsLoops(t *testing.T) {
	base := realTempDir(t)
	require.NoError(t, os.Symlink(filepath.Join(base, "b"), filepath.Join(base, "a")))
	require.NoError(t, os.Symlink(filepath.Join(base, "a"), filepath.Join(base, "b")))

	_, err := RealPath(filepath.Join(base, "a", "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many levels of symbolic links")
}

func TestResolverAccessModes(t *testing.T) {
	base := realTempDir(t)
	root := filepath.Join(base, "ws")
	bridge := filepath.Join(base, "bridge")
	runtimeDir := filepath.Join(base, "runtime")
	for _, d := range []string{root, bridge, runtimeDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	r := Resolver{Root: root, Bridge: bridge, RuntimeRoots: []string{runtimeDir}}

	tests := []struct {
		name         string
		path         string
		allowRuntime bool
		allowBridge  bool
		want         string
		wantErr      bool
	}{
		{name: "root itself", path: ".", want: root},
		{name: "relative descendant", path: "a/b.txt", want: filepath.Join(root, "a", "b.txt")},
		{name: "absolute descendant", path: filepath.Join(root, "c"), want: filepath.Join(root, "c")},
		{name: "parent traversal", path: "../bridge/x", wantErr: true},
		{name: "sibling prefix", path: root + "-evil/x", wantErr: true},
		{name: "bridge allowed", path: filepath.Join(bridge, "requests"), allowBridge: true, want: filepath.Join(bridge, "requests")},
		{name: "bridge denied", path: filepath.Join(bridge, "requests"), wantErr: true},
		{name: "runtime allowed", path: filepath.Join(runtimeDir, "lib"), allowRuntime: true, want: filepath.Join(runtimeDir, "lib")},
		{name: "runtime denied", path: filepath.Join(runtimeDir, "lib"), allowBridge: true, wantErr: true},
		{name: "system file", path: "/etc/passwd", allowRuntime: true, allowBridge: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(root, tt.path, tt.allowRuntime, tt.allowBridge)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrOutsideWorkspace), "want ErrOutsideWorkspace, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolverSymlinkEscape(t *testing.T) {
	base := realTempDir(t)
	root := filepath.Join(base, "ws")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	r := Resolver{Root: root}
	for _, p := range []string{"escape", "escape/secret", "escape/new-file", "escape/../ws/ok"} {
		_, err := r.Resolve(root, p, true, true)
		if p == "escape/../ws/ok" {
			// escape/.. is base, so base/ws/ok is back inside the root.
			assert.NoError(t, err, p)
			continue
		}
		assert.ErrorIs(t, err, ErrOutsideWorkspace, p)
	}
}

func TestRuntimeRootsFiltersSearchPaths(t *testing.T) {
	base := realTempDir(t)
	prefix := filepath.Join(base, "goroot")
	inside := filepath.Join(prefix, "pkg", "mod")
	outside := filepath.Join(base, "gopath")
	for _, d := range []string{prefix, inside, outside} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	got := runtimeRoots(
		[]string{prefix, "relative/prefix", "", prefix},
		[]string{inside, outside, "relative", inside},
	)
	assert.Equal(t, []string{prefix, inside}, got)
}

func TestRuntimeRootsRejectFilesystemRoot(t *testing.T) {
	base := realTempDir(t)
	prefix := filepath.Join(base, "goroot")
	require.NoError(t, os.MkdirAll(prefix, 0o755))

	// A binary installed as /app/sandbridge has "/" as its grandparent.
	got := runtimeRoots(
		[]string{filepath.Dir(filepath.Dir("/app/sandbridge")), prefix},
		[]string{"/"},
	)
	assert.Equal(t, []string{prefix}, got)
}

func TestCleanRootsRejectsBroadRoots(t *testing.T) {
	base := realTempDir(t)
	root := filepath.Join(base, "ws")
	bridge := filepath.Join(base, "elsewhere", "bridge")
	runtimeDir := filepath.Join(base, "runtime")
	for _, d := range []string{root, bridge, runtimeDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	kept, dropped := cleanRoots(
		[]string{"/", base, filepath.Join(base, "elsewhere"), runtimeDir, root, runtimeDir},
		root, bridge,
	)
	assert.Equal(t, []string{runtimeDir}, kept)
	assert.Equal(t, []string{"/", base, filepath.Join(base, "elsewhere"), root}, dropped)
}
