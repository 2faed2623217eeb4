package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// SidecarSuffix is appended to a config path to name its checksum file.
const SidecarSuffix = ".b3"

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// SidecarPath returns the checksum sidecar path for a config file.
func SidecarPath(configPath string) string {
	return configPath + SidecarSuffix
}

// WriteSidecar hashes configPath and writes "<hash>  <basename>\n" to its
// sidecar. It returns the hash.
func WriteSidecar(configPath string) (string, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return "", err
	}
	line := fmt.Sprintf("%s  %s\n", hash, filepath.Base(configPath))
	// Restrictive permissions: the sidecar holds the expected hash.
	if err := os.WriteFile(SidecarPath(configPath), []byte(line), 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksum sidecar: %w", err)
	}
	return hash, nil
}

// ReadSidecar returns the expected hash stored next to configPath. ok is
// false when no sidecar exists.
func ReadSidecar(configPath string) (hash string, ok bool, err error) {
	data, err := os.ReadFile(SidecarPath(configPath))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read checksum sidecar: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", false, fmt.Errorf("checksum sidecar %s is empty", SidecarPath(configPath))
	}
	if _, err := hex.DecodeString(fields[0]); err != nil || len(fields[0]) != 64 {
		return "", false, fmt.Errorf("checksum sidecar %s is malformed", SidecarPath(configPath))
	}
	return fields[0], true, nil
}

// VerifySidecar checks configPath against its sidecar. A missing sidecar
// passes.
func VerifySidecar(configPath string) error {
	expected, ok, err := ReadSidecar(configPath)
	if err != nil || !ok {
		return err
	}
	if err := VerifyFileHash(configPath, expected); err != nil {
		return fmt.Errorf("config verification failed: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: sandbridge config hash", err)
	}
	return nil
}
