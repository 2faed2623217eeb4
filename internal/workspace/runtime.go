package workspace

import (
	"os"
	"path/filepath"
	"runtime"
)

// DetectRuntimeRoots returns the read-only directories belonging to the Go
// installation: GOROOT, plus any GOPATH or module-cache directory living
// beneath it. GOROOT comes from the environment, else from the toolchain the
// binary was built with; it is never guessed from the executable's location.
func DetectRuntimeRoots() []string {
	var prefixes []string
	goroot := os.Getenv("GOROOT")
	if goroot == "" {
		goroot = runtime.GOROOT()
	}
	if goroot != "" {
		prefixes = append(prefixes, goroot)
	}

	var search []string
	search = append(search, filepath.SplitList(os.Getenv("GOPATH"))...)
	if modcache := os.Getenv("GOMODCACHE"); modcache != "" {
		search = append(search, modcache)
	}

	return runtimeRoots(prefixes, search)
}

// runtimeRoots resolves the prefixes and keeps each search path only when it
// sits under an accepted prefix. Relative, unresolvable and filesystem-root
// entries are skipped and duplicates dropped, preserving order.
func runtimeRoots(prefixes, search []string) []string {
	var roots []string
	for _, prefix := range prefixes {
		if resolved, ok := absoluteRoot(prefix); ok {
			roots = append(roots, resolved)
		}
	}

	for _, entry := range search {
		resolved, ok := absoluteRoot(entry)
		if !ok {
			continue
		}
		for _, root := range roots {
			if Within(resolved, root) {
				roots = append(roots, resolved)
				break
			}
		}
	}

	seen := make(map[string]struct{}, len(roots))
	deduped := make([]string, 0, len(roots))
	for _, root := range roots {
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		deduped = append(deduped, root)
	}
	return deduped
}

// absoluteRoot resolves an absolute path that is not the filesystem root.
func absoluteRoot(path string) (string, bool) {
	if path == "" || !filepath.IsAbs(path) {
		return "", false
	}
	resolved, err := RealPath(path)
	if err != nil || isFilesystemRoot(resolved) {
		return "", false
	}
	return resolved, true
}

func isFilesystemRoot(path string) bool {
	return filepath.Dir(path) == path
}
