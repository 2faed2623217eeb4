//go:build !darwin && !linux

package storage

// Detection is unavailable here; the path is treated as local.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
