package config

import "time"

// Config represents the complete sandbridge configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Manager   ManagerConfig   `yaml:"manager"`
	API       APIConfig       `yaml:"api,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// WorkspaceConfig defines the guard a script runs behind. An empty Root
// leaves the guard disabled.
type WorkspaceConfig struct {
	Root               string   `yaml:"root"`
	ReadOnly           bool     `yaml:"read_only"`
	RuntimeRoots       []string `yaml:"runtime_roots,omitempty"`
	DetectRuntimeRoots bool     `yaml:"detect_runtime_roots"`
}

// BridgeConfig defines the file bridge shared by clients and the manager.
type BridgeConfig struct {
	Dir          string        `yaml:"dir"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Watch        bool          `yaml:"watch"`
}

// ManagerConfig defines the subagent manager.
type ManagerConfig struct {
	StatePath         string         `yaml:"state_path"`
	AgentID           string         `yaml:"agent_id"`
	WorkspacesDir     string         `yaml:"workspaces_dir"`
	WorkspaceTTL      time.Duration  `yaml:"workspace_ttl"`
	RequireAssessment bool           `yaml:"require_assessment"`
	ScanInterval      time.Duration  `yaml:"scan_interval"`
	ResponseTTL       time.Duration  `yaml:"response_ttl"`
	Executor          ExecutorConfig `yaml:"executor"`
}

// ExecutorConfig defines the command each subagent runs as.
type ExecutorConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Timeout time.Duration     `yaml:"timeout"`
	Grace   time.Duration     `yaml:"grace"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// APIConfig defines the HTTP inspection server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "sandbridge",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Workspace: WorkspaceConfig{
			DetectRuntimeRoots: true,
		},
		Bridge: BridgeConfig{
			Timeout:      180 * time.Second,
			PollInterval: 10 * time.Millisecond,
			Watch:        true,
		},
		Manager: ManagerConfig{
			StatePath:    "./data/sandbridge.db",
			AgentID:      "root",
			WorkspaceTTL: 24 * time.Hour,
			ScanInterval: 50 * time.Millisecond,
			ResponseTTL:  10 * time.Minute,
			Executor: ExecutorConfig{
				Timeout: 180 * time.Second,
				Grace:   5 * time.Second,
			},
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "localhost:8080",
		},
	}
}
