package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/sandbridge/internal/bridge"
	"github.com/mattjoyce/sandbridge/internal/config"
	"github.com/mattjoyce/sandbridge/internal/log"
	"github.com/mattjoyce/sandbridge/internal/result"
	"github.com/mattjoyce/sandbridge/internal/script"
	"github.com/mattjoyce/sandbridge/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Environment read by the script-facing commands. The manager sets these on
// every executor it spawns.
const (
	envWorkspace          = "SANDBRIDGE_WORKSPACE"
	envReadOnly           = "SANDBRIDGE_READ_ONLY"
	envBridgeDir          = "SANDBRIDGE_BRIDGE_DIR"
	envBridgeTimeoutMS    = "SANDBRIDGE_BRIDGE_TIMEOUT_MS"
	envParentAgentID      = "SANDBRIDGE_PARENT_AGENT_ID"
	envAssessmentRequired = "SANDBRIDGE_ASSESSMENT_REQUIRED"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "manager":
		return runManagerNoun(args)
	case "agent":
		return runAgentNoun(args)
	case "fs":
		return runFSNoun(args)
	case "task":
		return runTaskNoun(args)
	case "config":
		return runConfigNoun(args)
	case "watch":
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `sandbridge - workspace guard and file bridge for sandboxed scripts

Usage:
  sandbridge <noun> <action> [flags]

Manager:
  manager start             Serve a bridge directory in the foreground

Agent (bridged helpers):
  agent dispatch            Dispatch a subagent (lm_query)
  agent poll <id>           Show a subagent's state
  agent await <id>          Wait for a subagent to finish
  agent cancel <id>         Request cancellation
  agent assess <id>         Record a verdict for a finished subagent
  agent assess-dispatch     Self-assess the dispatch that started this process

Workspace (guarded helpers):
  fs resolve <path>         Resolve a path through the guard
  fs ls <path>              List a directory
  fs cat <path>             Read a file
  fs create <path>          Create a new file
  fs edit <path>            Apply SEARCH/REPLACE blocks from stdin
  fs cd <path>              Change the virtual working directory

Tasks:
  task list                 List subagents from the manager database
  task show <id>            Show one subagent with its bridge log
  watch                     Live task monitor

Config:
  config check              Validate configuration and checksum
  config hash               Write the BLAKE3 checksum sidecar

General:
  version                   Show version information
  help                      Show this help message

Script-facing commands print {"status": "ok"|"error", ...} and exit 1 on error.
`)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("sandbridge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

// --- shared plumbing ---

// commonFlags are accepted by every command that builds a script Env.
type commonFlags struct {
	configPath string
	workspace  string
	bridgeDir  string
	readOnly   bool
	timeoutMS  int64
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&c.workspace, "workspace", "", "Workspace root (overrides config and $"+envWorkspace+")")
	fs.StringVar(&c.bridgeDir, "bridge", "", "Bridge directory (overrides config and $"+envBridgeDir+")")
	fs.BoolVar(&c.readOnly, "read-only", false, "Refuse writes inside the workspace")
	fs.Int64Var(&c.timeoutMS, "bridge-timeout-ms", 0, "Bridge round-trip timeout in milliseconds")
}

// loadConfig loads an explicit path, else a discovered file, else defaults
// when the config is optional.
func loadConfig(path string, required bool) (*config.Config, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			if required {
				return nil, err
			}
			return config.Defaults(), nil
		}
		path = discovered
	}
	return config.Load(path)
}

// resolveSettings layers config, then environment, then flags.
func (c *commonFlags) resolveSettings() (*config.Config, error) {
	cfg, err := loadConfig(c.configPath, false)
	if err != nil {
		return nil, err
	}
	log.SetupWithWriter(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stderr)

	if v := os.Getenv(envWorkspace); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv(envBridgeDir); v != "" {
		cfg.Bridge.Dir = v
	}
	if v, ok := os.LookupEnv(envReadOnly); ok {
		cfg.Workspace.ReadOnly = script.ParseTruthy(v)
	}
	if v := os.Getenv(envBridgeTimeoutMS); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %q", envBridgeTimeoutMS, v)
		}
		cfg.Bridge.Timeout = time.Duration(ms) * time.Millisecond
	}

	if c.workspace != "" {
		cfg.Workspace.Root = c.workspace
	}
	if c.bridgeDir != "" {
		cfg.Bridge.Dir = c.bridgeDir
	}
	if c.readOnly {
		cfg.Workspace.ReadOnly = true
	}
	if c.timeoutMS > 0 {
		cfg.Bridge.Timeout = time.Duration(c.timeoutMS) * time.Millisecond
	}
	return cfg, nil
}

// newEnv builds the script environment the fs and agent commands act through.
func (c *commonFlags) newEnv() (*script.Env, *config.Config, error) {
	cfg, err := c.resolveSettings()
	if err != nil {
		return nil, nil, err
	}

	roots := append([]string(nil), cfg.Workspace.RuntimeRoots...)
	if cfg.Workspace.DetectRuntimeRoots {
		roots = append(roots, workspace.DetectRuntimeRoots()...)
	}
	guard, err := workspace.NewGuard(workspace.Options{
		Root:         cfg.Workspace.Root,
		ReadOnly:     cfg.Workspace.ReadOnly,
		BridgeDir:    cfg.Bridge.Dir,
		RuntimeRoots: roots,
	})
	if err != nil {
		return nil, nil, err
	}

	opts := script.Options{
		Guard:         guard,
		BridgeTimeout: cfg.Bridge.Timeout,
		Dispatch: bridge.DispatchContext{
			ParentAgentID:       os.Getenv(envParentAgentID),
			AssessmentRequested: script.ParseTruthy(os.Getenv(envAssessmentRequired)),
		},
	}
	if cfg.Bridge.Dir != "" {
		ch, err := bridge.NewFileChannel(bridge.FileOptions{
			Dir:          cfg.Bridge.Dir,
			PollInterval: cfg.Bridge.PollInterval,
			Watch:        cfg.Bridge.Watch,
		})
		if err != nil {
			return nil, nil, err
		}
		opts.Channel = ch
	}

	env, err := script.NewEnv(opts)
	if err != nil {
		return nil, nil, err
	}
	return env, cfg, nil
}

// parseArgs parses flags that may appear before or after positionals.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// envelope is the JSON shape printed by script-facing commands.
type envelope struct {
	Status  string `json:"status"`
	Payload any    `json:"payload,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
}

// emit prints r as an envelope and returns the exit code. Notices captured
// by env are forwarded to stderr first.
func emit[T any](env *script.Env, r result.Result[T]) int {
	if env != nil {
		if notes := env.Stderr(); notes != "" {
			fmt.Fprint(os.Stderr, notes)
		}
	}

	out := envelope{Status: r.Status()}
	if r.OK() {
		out.Payload = r.Value
	} else {
		out.Reason = r.Reason()
		out.Code = r.Code()
	}
	data, err := json.Marshal(out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	if !r.OK() {
		return 1
	}
	return 0
}

// emitErr reports a setup failure in the same envelope.
func emitErr(err error) int {
	return emit[any](nil, result.Fail[any](err))
}

func isHelpToken(s string) bool {
	return s == "help" || s == "--help" || s == "-h"
}

func usageErr(msg string) int {
	fmt.Fprintln(os.Stderr, msg)
	return 2
}

var errMissingID = errors.New("missing child_agent_id")
