package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AgentWorkspace is the directory handed to a dispatched subagent as its
// workspace root.
type AgentWorkspace struct {
	AgentID string
	Dir     string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Provisioner manages per-subagent workspace directories on local disk.
type Provisioner struct {
	baseDir string
	now     func() time.Time
}

// NewProvisioner creates a provisioner rooted at baseDir.
func NewProvisioner(baseDir string) (*Provisioner, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("agent workspace base directory is empty")
	}

	return &Provisioner{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// BaseDir returns the directory holding all agent workspaces.
func (p *Provisioner) BaseDir() string { return p.baseDir }

// Create initializes a workspace directory for agentID.
func (p *Provisioner) Create(ctx context.Context, agentID string) (AgentWorkspace, error) {
	if err := ctx.Err(); err != nil {
		return AgentWorkspace{}, err
	}

	path, err := p.workspacePath(agentID)
	if err != nil {
		return AgentWorkspace{}, err
	}

	if err := os.MkdirAll(p.baseDir, 0o755); err != nil {
		return AgentWorkspace{}, fmt.Errorf("create agent workspace base directory: %w", err)
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		return AgentWorkspace{}, fmt.Errorf("create workspace for agent %q: %w", agentID, err)
	}

	return AgentWorkspace{AgentID: agentID, Dir: path}, nil
}

// Open returns an existing agent workspace.
func (p *Provisioner) Open(ctx context.Context, agentID string) (AgentWorkspace, error) {
	if err := ctx.Err(); err != nil {
		return AgentWorkspace{}, err
	}

	path, err := p.workspacePath(agentID)
	if err != nil {
		return AgentWorkspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return AgentWorkspace{}, fmt.Errorf("open workspace for agent %q: %w", agentID, err)
	}
	if !info.IsDir() {
		return AgentWorkspace{}, fmt.Errorf("workspace path for agent %q is not a directory", agentID)
	}

	return AgentWorkspace{AgentID: agentID, Dir: path}, nil
}

// Cleanup removes agent workspaces whose modification time is older than
// olderThan.
func (p *Provisioner) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(p.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read agent workspace base directory: %w", err)
	}

	cutoff := p.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read agent workspace info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(p.baseDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove agent workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func (p *Provisioner) workspacePath(agentID string) (string, error) {
	if err := validateAgentID(agentID); err != nil {
		return "", err
	}
	return filepath.Join(p.baseDir, agentID), nil
}

func validateAgentID(agentID string) error {
	trimmed := strings.TrimSpace(agentID)
	if trimmed == "" {
		return fmt.Errorf("agent id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("agent id %q is invalid", agentID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("agent id %q must not contain path separators", agentID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("agent id %q is invalid", agentID)
	}
	return nil
}
