package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "SANDBRIDGE_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, overlaying it on Defaults. When a
// checksum sidecar exists next to the file it must match.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := VerifySidecar(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	cfg.resolvePaths(filepath.Dir(absPath))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over Defaults after expanding ${VAR} references. It
// does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	expanded := interpolateEnv(string(data))

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// Discover finds a config file. Priority order: $SANDBRIDGE_CONFIG,
// ~/.config/sandbridge/config.yaml, /etc/sandbridge/config.yaml,
// ./sandbridge.yaml.
func Discover() (string, error) {
	candidates := []string{}
	if p := os.Getenv(EnvConfigPath); p != "" {
		candidates = append(candidates, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "sandbridge", "config.yaml"))
	}
	candidates = append(candidates, "/etc/sandbridge/config.yaml", "./sandbridge.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/sandbridge/config.yaml, /etc/sandbridge/config.yaml, ./sandbridge.yaml)", EnvConfigPath)
}

// Validate performs basic validation on the configuration.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Service.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("service.log_level %q is not one of debug, info, warn, error", c.Service.LogLevel)
	}
	switch strings.ToLower(c.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format %q is not one of json, text", c.Service.LogFormat)
	}

	if c.Bridge.Timeout <= 0 {
		return fmt.Errorf("bridge.timeout must be positive")
	}
	if c.Bridge.PollInterval <= 0 {
		return fmt.Errorf("bridge.poll_interval must be positive")
	}
	if c.Manager.ScanInterval <= 0 {
		return fmt.Errorf("manager.scan_interval must be positive")
	}
	if c.Manager.ResponseTTL <= 0 {
		return fmt.Errorf("manager.response_ttl must be positive")
	}
	if c.Manager.WorkspaceTTL < 0 {
		return fmt.Errorf("manager.workspace_ttl must not be negative")
	}
	if c.Manager.Executor.Timeout < 0 {
		return fmt.Errorf("manager.executor.timeout must not be negative")
	}
	if c.Manager.Executor.Grace < 0 {
		return fmt.Errorf("manager.executor.grace must not be negative")
	}
	if c.Manager.Executor.Command != "" && c.Manager.StatePath == "" {
		return fmt.Errorf("manager.state_path is required when an executor is configured")
	}
	for k := range c.Manager.Executor.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("manager.executor.env: invalid variable name %q", k)
		}
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api is enabled")
	}
	for _, field := range []struct{ name, value string }{
		{"workspace.root", c.Workspace.Root},
		{"bridge.dir", c.Bridge.Dir},
		{"manager.state_path", c.Manager.StatePath},
		{"api.api_key", c.API.APIKey},
	} {
		if envVarPattern.MatchString(field.value) {
			return fmt.Errorf("%s references an unset environment variable: %s", field.name, field.value)
		}
	}
	return nil
}

// EnvList returns the executor environment as sorted KEY=VALUE pairs.
func (e ExecutorConfig) EnvList() []string {
	keys := make([]string, 0, len(e.Env))
	for k := range e.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.Env[k])
	}
	return out
}

// resolvePaths makes relative paths relative to the config file directory.
func (c *Config) resolvePaths(baseDir string) {
	for _, p := range []*string{
		&c.Workspace.Root,
		&c.Bridge.Dir,
		&c.Manager.StatePath,
		&c.Manager.WorkspacesDir,
	} {
		if *p != "" && !filepath.IsAbs(*p) && !envVarPattern.MatchString(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; Validate rejects it where it matters.
		return match
	})
}
