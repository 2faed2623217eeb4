package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/sandbridge/internal/log"
	"github.com/mattjoyce/sandbridge/internal/protocol"
)

const (
	// RequestsDir and ResponsesDir are the queue directories under the bridge root.
	RequestsDir  = "requests"
	ResponsesDir = "responses"

	// FileSuffix is the extension of published request and response files.
	FileSuffix = ".json"

	// DefaultPollInterval is the sleep between response checks.
	DefaultPollInterval = 10 * time.Millisecond

	claimSuffix = ".claimed"
)

var claimSeq atomic.Uint64

// FileOptions configures a FileChannel.
type FileOptions struct {
	Dir          string
	PollInterval time.Duration
	// Watch adds an fsnotify watch on the responses directory so a response
	// is picked up as soon as it is renamed into place. Polling stays the
	// source of truth; the watch only shortens the sleep.
	Watch bool
}

// FileChannel is a RequestChannel over a pair of directories shared with the
// subagent manager. Requests are published by atomic rename; responses are
// claimed by atomic rename and deleted after reading.
type FileChannel struct {
	dir          string
	requestsDir  string
	responsesDir string
	pollInterval time.Duration
	watch        bool
	logger       *slog.Logger
}

var _ RequestChannel = (*FileChannel)(nil)

// NewFileChannel creates the queue directories under opts.Dir if needed.
func NewFileChannel(opts FileOptions) (*FileChannel, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, ErrBridgeUnavailable
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve bridge dir: %w", err)
	}

	c := &FileChannel{
		dir:          abs,
		requestsDir:  filepath.Join(abs, RequestsDir),
		responsesDir: filepath.Join(abs, ResponsesDir),
		pollInterval: opts.PollInterval,
		watch:        opts.Watch,
		logger:       log.WithComponent("bridge"),
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}

	for _, d := range []string{c.requestsDir, c.responsesDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create bridge queue directory: %w", err)
		}
	}
	return c, nil
}

// Dir returns the bridge root.
func (c *FileChannel) Dir() string { return c.dir }

// RequestPath returns the final path of a published request.
func (c *FileChannel) RequestPath(id string) string {
	return filepath.Join(c.requestsDir, id+FileSuffix)
}

// ResponsePath returns the path the manager publishes a response to.
func (c *FileChannel) ResponsePath(id string) string {
	return filepath.Join(c.responsesDir, id+FileSuffix)
}

// Publish serializes req and renames it into the requests directory.
func (c *FileChannel) Publish(ctx context.Context, req *protocol.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = NewRequestID()
	}
	if err := validateID(req.ID); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := protocol.EncodeRequest(&buf, req); err != nil {
		return "", err
	}
	if err := WriteFileAtomic(c.RequestPath(req.ID), buf.Bytes()); err != nil {
		return "", fmt.Errorf("publish request %s: %w", req.ID, err)
	}

	c.logger.Debug("request published", "request_id", req.ID, "op", req.Op)
	return req.ID, nil
}

// AwaitResponse polls for the response file until deadline. On timeout or
// cancellation the unconsumed request is withdrawn and any late response is
// removed.
func (c *FileChannel) AwaitResponse(ctx context.Context, requestID string, deadline time.Time) (*protocol.Response, error) {
	if err := validateID(requestID); err != nil {
		return nil, err
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if c.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			c.logger.Debug("response watcher unavailable, polling only", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
			if err := watcher.Add(c.responsesDir); err != nil {
				c.logger.Debug("watch responses directory failed, polling only", "error", err)
			} else {
				events = watcher.Events
				errs = watcher.Errors
			}
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	path := c.ResponsePath(requestID)
	for {
		resp, found, err := c.consume(path)
		if err != nil {
			return nil, err
		}
		if found {
			c.logger.Debug("response consumed", "request_id", requestID, "status", resp.Status)
			return resp, nil
		}

		if !time.Now().Before(deadline) {
			c.withdraw(requestID)
			c.logger.Warn("bridge request timed out", "request_id", requestID)
			return nil, fmt.Errorf("%w: request %s", ErrBridgeTimeout, requestID)
		}

		select {
		case <-ctx.Done():
			c.withdraw(requestID)
			return nil, ctx.Err()
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
			} else {
				c.logger.Debug("response watcher error", "error", err)
			}
		}
	}
}

// consume claims the response at path by renaming it to a name private to
// this reader, then reads and deletes it. Only one concurrent reader can win
// the rename, so a response is delivered exactly once.
func (c *FileChannel) consume(path string) (*protocol.Response, bool, error) {
	claimed := fmt.Sprintf("%s%s-%d-%d", path, claimSuffix, os.Getpid(), claimSeq.Add(1))
	if err := os.Rename(path, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim response: %w", err)
	}
	defer func() { _ = os.Remove(claimed) }()

	data, err := os.ReadFile(claimed)
	if err != nil {
		return nil, false, fmt.Errorf("read response: %w", err)
	}
	resp, err := protocol.DecodeResponse(bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

func (c *FileChannel) withdraw(requestID string) {
	if err := os.Remove(c.RequestPath(requestID)); err == nil {
		c.logger.Debug("withdrew unconsumed request", "request_id", requestID)
	}
	_ = os.Remove(c.ResponsePath(requestID))
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid request id %q", id)
	}
	return nil
}
