package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestProvisionerCreateAndOpen(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "agents")
	p, err := NewProvisioner(baseDir)
	if err != nil {
		t.Fatalf("NewProvisioner() error = %v", err)
	}

	ws, err := p.Create(context.Background(), "agent-a")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	wantPath := filepath.Join(baseDir, "agent-a")
	if ws.Dir != wantPath {
		t.Fatalf("Create() dir = %q, want %q", ws.Dir, wantPath)
	}

	info, err := os.Stat(ws.Dir)
	if err != nil {
		t.Fatalf("Stat(workspace) error = %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("workspace path is not a directory")
	}

	opened, err := p.Open(context.Background(), "agent-a")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != ws {
		t.Fatalf("Open() workspace = %+v, want %+v", opened, ws)
	}

	if _, err := p.Create(context.Background(), "agent-a"); err == nil {
		t.Fatalf("Create() twice should fail")
	}
}

func TestProvisionerRejectsInvalidAgentIDs(t *testing.T) {
	p, err := NewProvisioner(t.TempDir())
	if err != nil {
		t.Fatalf("NewProvisioner() error = %v", err)
	}

	for _, id := range []string{"", " ", ".", "..", "a/b", `a\b`, "../escape"} {
		if _, err := p.Create(context.Background(), id); err == nil {
			t.Errorf("Create(%q) should fail", id)
		}
	}

	if _, err := NewProvisioner("  "); err == nil {
		t.Fatalf("NewProvisioner(blank) should fail")
	}
}

func TestProvisionerCleanup(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "agents")
	p, err := NewProvisioner(baseDir)
	if err != nil {
		t.Fatalf("NewProvisioner() error = %v", err)
	}

	oldWS, err := p.Create(context.Background(), "agent-old")
	if err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	newWS, err := p.Create(context.Background(), "agent-new")
	if err != nil {
		t.Fatalf("Create(new) error = %v", err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldWS.Dir, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes(old workspace) error = %v", err)
	}

	report, err := p.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("Cleanup() deleted = %d, want 1", report.DeletedDirs)
	}

	if _, err := os.Stat(oldWS.Dir); !os.IsNotExist(err) {
		t.Fatalf("old workspace should be deleted, err = %v", err)
	}
	if _, err := os.Stat(newWS.Dir); err != nil {
		t.Fatalf("new workspace should still exist, err = %v", err)
	}

	if _, err := p.Cleanup(context.Background(), 0); err == nil {
		t.Fatalf("Cleanup(0) should fail")
	}
}
