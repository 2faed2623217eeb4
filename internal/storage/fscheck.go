package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

type detectorFunc func(string) (string, error)

// localTarget describes what must live on local disk and how to fix it.
type localTarget struct {
	what   string
	reason string
	hint   string
}

var (
	sqliteTarget = localTarget{
		what:   "database path",
		reason: "SQLite requires a local filesystem for reliable locking",
		hint:   "Use a local path via manager.state_path (or --db /path/to/local/file.db)",
	}
	bridgeTarget = localTarget{
		what:   "bridge directory",
		reason: "the request/response bridge requires a local filesystem for atomic rename",
		hint:   "Set bridge.dir (or --bridge) to a local path",
	}
)

// validateSQLiteFilesystem ensures the DB path is on a local filesystem.
func validateSQLiteFilesystem(path string) error {
	return requireLocal(sqliteTarget, path, detectFilesystemType)
}

// CheckLocalFilesystem ensures dir is on a local filesystem. Request claims
// and response hand-off rely on rename being atomic and on new files being
// visible promptly, which network filesystems do not guarantee across hosts.
func CheckLocalFilesystem(dir string) error {
	return requireLocal(bridgeTarget, dir, detectFilesystemType)
}

func requireLocal(target localTarget, path string, detector detectorFunc) error {
	if path == "" {
		return fmt.Errorf("%s is empty", target.what)
	}
	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %s %q: %w", target.what, path, err)
	}
	fsType, err := detector(inspectPath)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}
	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("%s %q is on network filesystem %q; %s. %s",
			target.what, path, fsType, target.reason, target.hint)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
