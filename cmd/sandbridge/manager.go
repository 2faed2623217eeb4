package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattjoyce/sandbridge/internal/api"
	"github.com/mattjoyce/sandbridge/internal/events"
	"github.com/mattjoyce/sandbridge/internal/lock"
	"github.com/mattjoyce/sandbridge/internal/log"
	"github.com/mattjoyce/sandbridge/internal/manager"
	"github.com/mattjoyce/sandbridge/internal/storage"
	"github.com/mattjoyce/sandbridge/internal/tasks"
	"github.com/mattjoyce/sandbridge/internal/workspace"
)

const pidFileName = "manager.pid"

func runManagerNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printManagerHelp(os.Stdout)
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action, rest := args[0], args[1:]
	switch action {
	case "start":
		return runManagerStart(rest)
	default:
		fmt.Fprintf(os.Stderr, "Unknown manager action: %s\n", action)
		return 1
	}
}

func printManagerHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: sandbridge manager start [flags]

Serves one bridge directory in the foreground until SIGINT or SIGTERM.

Flags:
  --config PATH              Configuration file
  --bridge DIR               Bridge directory (overrides config)
  --db PATH                  Task database (overrides config)
  --executor CMD             Subagent executor command (overrides config)
  --agent-id ID              Parent agent id recorded on dispatches
  --require-assessment       Require a parent verdict for every dispatch
`)
}

func runManagerStart(args []string) int {
	fs := flag.NewFlagSet("manager start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	bridgeDir := fs.String("bridge", "", "Bridge directory")
	dbPath := fs.String("db", "", "Task database path")
	executor := fs.String("executor", "", "Subagent executor command")
	agentID := fs.String("agent-id", "", "Parent agent id")
	requireAssessment := fs.Bool("require-assessment", false, "Require a parent verdict for every dispatch")
	if _, err := parseArgs(fs, args); err != nil {
		return usageErr(err.Error())
	}

	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if v := os.Getenv(envBridgeDir); v != "" {
		cfg.Bridge.Dir = v
	}
	if *bridgeDir != "" {
		cfg.Bridge.Dir = *bridgeDir
	}
	if *dbPath != "" {
		cfg.Manager.StatePath = *dbPath
	}
	if *executor != "" {
		cfg.Manager.Executor.Command = *executor
	}
	if *agentID != "" {
		cfg.Manager.AgentID = *agentID
	}
	if *requireAssessment {
		cfg.Manager.RequireAssessment = true
	}
	if cfg.Bridge.Dir == "" {
		fmt.Fprintln(os.Stderr, "No bridge directory: set bridge.dir, $"+envBridgeDir+" or --bridge")
		return 1
	}
	if cfg.Manager.Executor.Command == "" {
		fmt.Fprintln(os.Stderr, "No executor: set manager.executor.command or --executor")
		return 1
	}

	log.SetupWithWriter(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stderr)
	logger := log.WithComponent("main")
	logger.Info("sandbridge manager starting", "version", version, "config", cfg.SourcePath)

	if err := os.MkdirAll(cfg.Bridge.Dir, 0o755); err != nil {
		logger.Error("failed to create bridge directory", "path", cfg.Bridge.Dir, "error", err)
		return 1
	}
	// Rename-based claiming is only atomic on a local filesystem.
	if err := storage.CheckLocalFilesystem(cfg.Bridge.Dir); err != nil {
		logger.Error("bridge directory unsupported", "path", cfg.Bridge.Dir, "error", err)
		return 1
	}

	pidLockPath := filepath.Join(cfg.Bridge.Dir, pidFileName)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another manager may be serving this bridge)", "path", pidLockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLockPath)

	db, err := storage.OpenSQLite(context.Background(), cfg.Manager.StatePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Manager.StatePath, "error", err)
		return 1
	}
	defer closeDB(db)
	logger.Info("database opened", "path", cfg.Manager.StatePath)
	store := tasks.New(db)

	exec, err := manager.NewCommandExecutor(cfg.Manager.Executor.Command, cfg.Manager.Executor.Args, log.WithComponent("executor"))
	if err != nil {
		logger.Error("failed to configure executor", "error", err)
		return 1
	}
	exec.Env = cfg.Manager.Executor.EnvList()
	if cfg.Manager.Executor.Grace > 0 {
		exec.Grace = cfg.Manager.Executor.Grace
	}

	var prov *workspace.Provisioner
	if cfg.Manager.WorkspacesDir != "" {
		prov, err = workspace.NewProvisioner(cfg.Manager.WorkspacesDir)
		if err != nil {
			logger.Error("failed to initialize agent workspaces", "base_dir", cfg.Manager.WorkspacesDir, "error", err)
			return 1
		}
	}

	hub := events.NewHub(events.DefaultCapacity)
	m, err := manager.New(store, exec, manager.Options{
		BridgeDir:         cfg.Bridge.Dir,
		AgentID:           cfg.Manager.AgentID,
		RequireAssessment: cfg.Manager.RequireAssessment,
		Provisioner:       prov,
		WorkspaceTTL:      cfg.Manager.WorkspaceTTL,
		Events:            hub,
		ScanInterval:      cfg.Manager.ScanInterval,
		Watch:             cfg.Bridge.Watch,
		ResponseTTL:       cfg.Manager.ResponseTTL,
		DefaultTimeout:    cfg.Manager.Executor.Timeout,
	})
	if err != nil {
		logger.Error("failed to create manager", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("manager: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, store, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("sandbridge manager running (press Ctrl+C to stop)", "bridge_dir", m.BridgeDir())

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	case <-done:
		select {
		case err := <-errCh:
			logger.Error("component failed", "error", err)
			code = 1
		default:
		}
	}
	cancel()
	<-done

	logger.Info("sandbridge manager stopped")
	return code
}
