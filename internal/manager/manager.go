// Package manager is the subagent manager on the far side of the bridge. It
// claims request files, runs subagents through an Executor, tracks their
// lifecycle in the task store and publishes response files.
package manager

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/sandbridge/internal/bridge"
	"github.com/mattjoyce/sandbridge/internal/events"
	"github.com/mattjoyce/sandbridge/internal/log"
	"github.com/mattjoyce/sandbridge/internal/protocol"
	"github.com/mattjoyce/sandbridge/internal/tasks"
	"github.com/mattjoyce/sandbridge/internal/workspace"
)

const (
	DefaultScanInterval   = 50 * time.Millisecond
	DefaultJanitorEvery   = 30 * time.Second
	DefaultResponseTTL    = 10 * time.Minute
	DefaultSubagentBudget = bridge.DefaultTimeout

	claimSuffix = ".processing"
)

// Options configures a Manager.
type Options struct {
	BridgeDir string

	// AgentID is recorded as the parent of every dispatched subagent.
	AgentID string

	// RequireAssessment marks every dispatch as needing a parent verdict.
	RequireAssessment bool

	// Provisioner, when set, gives each subagent its own workspace directory.
	// Workspaces older than WorkspaceTTL are removed by the janitor.
	Provisioner  *workspace.Provisioner
	WorkspaceTTL time.Duration

	// Events, when set, receives every lifecycle transition.
	Events *events.Hub

	ScanInterval   time.Duration
	Watch          bool
	ResponseTTL    time.Duration
	JanitorEvery   time.Duration
	DefaultTimeout time.Duration
}

// Manager serves one bridge directory.
type Manager struct {
	opts         Options
	store        *tasks.Store
	exec         Executor
	requestsDir  string
	responsesDir string
	logger       *slog.Logger

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

type run struct {
	cancel    context.CancelFunc
	cancelled bool
}

// New validates opts and creates the queue directories.
func New(store *tasks.Store, exec Executor, opts Options) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("task store is nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is nil")
	}
	if strings.TrimSpace(opts.BridgeDir) == "" {
		return nil, bridge.ErrBridgeUnavailable
	}
	dir, err := filepath.Abs(opts.BridgeDir)
	if err != nil {
		return nil, fmt.Errorf("resolve bridge dir: %w", err)
	}
	opts.BridgeDir = dir
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.ResponseTTL <= 0 {
		opts.ResponseTTL = DefaultResponseTTL
	}
	if opts.JanitorEvery <= 0 {
		opts.JanitorEvery = DefaultJanitorEvery
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultSubagentBudget
	}

	m := &Manager{
		opts:         opts,
		store:        store,
		exec:         exec,
		requestsDir:  filepath.Join(dir, bridge.RequestsDir),
		responsesDir: filepath.Join(dir, bridge.ResponsesDir),
		logger:       log.WithComponent("manager"),
		running:      make(map[string]*run),
	}
	for _, d := range []string{m.requestsDir, m.responsesDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create bridge queue directory: %w", err)
		}
	}
	return m, nil
}

// BridgeDir returns the served bridge directory.
func (m *Manager) BridgeDir() string { return m.opts.BridgeDir }

// Store returns the task store.
func (m *Manager) Store() *tasks.Store { return m.store }

// Run serves requests until ctx is done, then cancels running subagents and
// waits for them to settle.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("manager started", "bridge_dir", m.opts.BridgeDir)
	defer m.logger.Info("manager stopped")

	if n, err := m.store.RecoverRunning(ctx, "subagent lost: manager restarted"); err != nil {
		return err
	} else if n > 0 {
		m.logger.Warn("failed orphaned subagents", "count", n)
	}

	var wake <-chan fsnotify.Event
	if m.opts.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			m.logger.Warn("request watcher unavailable, polling only", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
			if err := watcher.Add(m.requestsDir); err != nil {
				m.logger.Warn("watch requests directory failed, polling only", "error", err)
			} else {
				wake = watcher.Events
			}
		}
	}

	scan := time.NewTicker(m.opts.ScanInterval)
	defer scan.Stop()
	janitor := time.NewTicker(m.opts.JanitorEvery)
	defer janitor.Stop()

	for {
		if _, err := m.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("scan requests failed", "error", err)
		}

		select {
		case <-ctx.Done():
			m.Shutdown()
			return nil
		case <-scan.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-janitor.C:
			if _, err := m.Sweep(time.Now()); err != nil {
				m.logger.Warn("sweep bridge directory failed", "error", err)
			}
			if m.opts.Provisioner != nil && m.opts.WorkspaceTTL > 0 {
				report, err := m.opts.Provisioner.Cleanup(ctx, m.opts.WorkspaceTTL)
				if err != nil {
					m.logger.Warn("agent workspace cleanup failed", "error", err)
				} else if report.DeletedDirs > 0 {
					m.logger.Info("removed expired agent workspaces", "count", report.DeletedDirs)
				}
			}
		}
	}
}

// Shutdown cancels every running subagent and waits for them to finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, r := range m.running {
		r.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Wait blocks until every subagent started so far has finished.
func (m *Manager) Wait() { m.wg.Wait() }

// ScanOnce handles every pending request file, oldest id first, and returns
// how many were answered.
func (m *Manager) ScanOnce(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.requestsDir)
	if err != nil {
		return 0, fmt.Errorf("read requests directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, bridge.FileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, bridge.FileSuffix))
	}
	sort.Strings(ids)

	handled := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		ok, err := m.serve(ctx, id)
		if err != nil {
			m.logger.Error("serve request failed", "request_id", id, "error", err)
			continue
		}
		if ok {
			handled++
		}
	}
	return handled, nil
}

// serve claims, handles and answers one request file.
func (m *Manager) serve(ctx context.Context, id string) (bool, error) {
	path := filepath.Join(m.requestsDir, id+bridge.FileSuffix)
	claimed := path + claimSuffix
	if err := os.Rename(path, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Withdrawn by the requester or claimed elsewhere.
			return false, nil
		}
		return false, fmt.Errorf("claim request: %w", err)
	}
	defer func() { _ = os.Remove(claimed) }()

	received := time.Now()
	raw, err := os.ReadFile(claimed)
	if err != nil {
		return false, fmt.Errorf("read request: %w", err)
	}

	logger := log.WithRequest(id)
	var resp protocol.Response
	req, err := protocol.DecodeRequest(bytes.NewReader(raw))
	if err != nil {
		logger.Warn("rejecting malformed request", "error", err)
		resp = protocol.ErrorResponse(err.Error())
		req = &protocol.Request{}
	} else {
		req.ID = id
		resp = m.Handle(ctx, req)
	}

	var buf bytes.Buffer
	if err := protocol.EncodeResponse(&buf, &resp); err != nil {
		return false, err
	}
	if err := bridge.WriteFileAtomic(filepath.Join(m.responsesDir, id+bridge.FileSuffix), buf.Bytes()); err != nil {
		return false, fmt.Errorf("publish response: %w", err)
	}
	logger.Info("request answered", "op", req.Op, "status", resp.Status)

	entry := tasks.BridgeLogEntry{
		RequestID:   id,
		Op:          req.Op,
		Status:      resp.Status,
		Fingerprint: Fingerprint(raw),
		ReceivedAt:  received,
		AnsweredAt:  time.Now(),
	}
	if child := childOf(req, resp); child != "" {
		entry.ChildAgentID = &child
	}
	if !resp.OK() {
		reason := resp.PayloadText()
		entry.Error = &reason
	}
	if err := m.store.LogBridge(ctx, entry); err != nil {
		logger.Warn("bridge log write failed", "error", err)
	}
	return true, nil
}

// Sweep removes bridge files nobody will read any more: responses older than
// the TTL whose requester gave up, and stale temp or claim files left by a
// crashed writer or reader. It returns the number of files removed.
func (m *Manager) Sweep(now time.Time) (int, error) {
	cutoff := now.Add(-m.opts.ResponseTTL)
	removed := 0
	for _, dir := range []string{m.requestsDir, m.responsesDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			stale := strings.HasSuffix(name, bridge.TempSuffix) || strings.Contains(name, ".claimed") || strings.HasSuffix(name, claimSuffix)
			if dir == m.responsesDir && strings.HasSuffix(name, bridge.FileSuffix) {
				stale = true
			}
			if !stale {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, name)); err == nil {
				removed++
				m.logger.Debug("swept stale bridge file", "file", name)
			}
		}
	}
	return removed, nil
}

// Fingerprint is the BLAKE3 hex digest of a raw request body.
func Fingerprint(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func childOf(req *protocol.Request, resp protocol.Response) string {
	if req.ChildAgentID != "" {
		return req.ChildAgentID
	}
	if req.Op == protocol.OpDispatch && resp.OK() {
		return resp.PayloadText()
	}
	return ""
}
