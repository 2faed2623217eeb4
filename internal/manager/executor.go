package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/sandbridge/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from an executor.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Executor runs one subagent to completion. It must return promptly once ctx
// is done; the manager cancels ctx on timeout and on a cancel request.
// stderr is diagnostic output kept with the task.
type Executor interface {
	Execute(ctx context.Context, in *protocol.TaskInput) (out *protocol.TaskOutput, stderr string, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in *protocol.TaskInput) (*protocol.TaskOutput, string, error)

func (f ExecutorFunc) Execute(ctx context.Context, in *protocol.TaskInput) (*protocol.TaskOutput, string, error) {
	return f(ctx, in)
}

// CommandExecutor runs each subagent as a child process. The TaskInput is
// written to stdin as JSON and a TaskOutput is read from stdout.
type CommandExecutor struct {
	Path  string
	Args  []string
	Env   []string
	Grace time.Duration

	logger *slog.Logger
}

// NewCommandExecutor returns an executor for path. The path must exist.
func NewCommandExecutor(path string, args []string, logger *slog.Logger) (*CommandExecutor, error) {
	if path == "" {
		return nil, fmt.Errorf("executor command is empty")
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("executor command %q: %w", path, err)
	}
	return &CommandExecutor{
		Path:   resolved,
		Args:   args,
		Grace:  terminationGracePeriod,
		logger: logger,
	}, nil
}

// Execute spawns the command. On ctx done the process gets SIGTERM, then
// SIGKILL once the grace period has passed, and ctx.Err() is returned.
func (e *CommandExecutor) Execute(ctx context.Context, in *protocol.TaskInput) (*protocol.TaskOutput, string, error) {
	logger := e.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("child_agent_id", in.ChildAgentID)

	var input bytes.Buffer
	if err := protocol.EncodeTaskInput(&input, in); err != nil {
		return nil, "", err
	}

	// Not CommandContext: termination is escalated by hand below.
	cmd := exec.Command(e.Path, e.Args...)
	cmd.Stdin = &input
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env, taskEnv(in)...)
	// Own process group so termination reaches anything the subagent spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning executor", "command", e.Path)
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Warn("executor interrupted, sending SIGTERM", "reason", ctx.Err())
		if err := signalGroup(cmd.Process.Pid, unix.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := e.Grace
		if grace <= 0 {
			grace = terminationGracePeriod
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-waitErr:
			logger.Info("executor exited after SIGTERM")
		case <-timer.C:
			logger.Warn("executor did not exit after SIGTERM, sending SIGKILL")
			if err := signalGroup(cmd.Process.Pid, unix.SIGKILL); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		return nil, truncateStderr(stderr.String()), ctx.Err()

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			logger.Warn("executor exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		out, raw, err := protocol.DecodeTaskOutputLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode executor output", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode executor output: %w", err)
		}
		for _, entry := range out.Logs {
			logger.Info("executor log", "level", entry.Level, "message", entry.Message)
		}
		return out, stderrStr, nil
	}
}

func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		return unix.Kill(pid, sig)
	}
	return nil
}

// taskEnv exposes the dispatch context to the child so a script runtime
// inside it can build its own bridge client and self-assessor.
func taskEnv(in *protocol.TaskInput) []string {
	env := []string{
		"SANDBRIDGE_CHILD_AGENT_ID=" + in.ChildAgentID,
		"SANDBRIDGE_MODEL_SIZE=" + in.ModelSize,
		fmt.Sprintf("SANDBRIDGE_ASSESSMENT_REQUIRED=%t", in.AssessmentRequired),
	}
	if in.ParentAgentID != "" {
		env = append(env, "SANDBRIDGE_PARENT_AGENT_ID="+in.ParentAgentID)
	}
	if in.WorkspaceDir != "" {
		env = append(env, "SANDBRIDGE_WORKSPACE="+in.WorkspaceDir)
	}
	if in.BridgeDir != "" {
		env = append(env, "SANDBRIDGE_BRIDGE_DIR="+in.BridgeDir)
	}
	return env
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
