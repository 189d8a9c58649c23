// Package config loads, validates and serves the runtime configuration.
// Files are YAML or JSON5 with $include composition and environment variable
// expansion; unknown keys are rejected so typos fail at startup instead of
// silently running with defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Tools         ToolsConfig         `yaml:"tools"`
	Skills        SkillsConfig        `yaml:"skills"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Memory        MemoryConfig        `yaml:"memory"`
	Prompt        PromptConfig        `yaml:"prompt"`
	Security      SecurityConfig      `yaml:"security"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Observability ObservabilityConfig `yaml:"observability"`
	Retention     RetentionConfig     `yaml:"retention"`
}

// ServerConfig controls the HTTP surface and global admission.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MaxActiveSessions caps concurrently admitted sessions across all
	// processes sharing the database.
	MaxActiveSessions int `yaml:"max_active_sessions"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the database file path (sqlite) or connection string (postgres).
	DSN string `yaml:"dsn"`

	MaxConnections int `yaml:"max_connections"`
}

// LLMConfig names the available model configurations.
type LLMConfig struct {
	// Default is the model used when a request names none.
	Default string `yaml:"default"`

	Models map[string]ModelConfig `yaml:"models"`
}

// ModelConfig is one named LLM endpoint with its loop limits.
type ModelConfig struct {
	// Provider is "openai", "anthropic" or "fake".
	Provider string `yaml:"provider"`

	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	MaxContext  int     `yaml:"max_context"`
	MaxOutput   int     `yaml:"max_output"`
	MaxRounds   int     `yaml:"max_rounds"`
	Temperature float32 `yaml:"temperature"`
	TimeoutS    int     `yaml:"timeout_s"`
	Retry       int     `yaml:"retry"`

	// Stream selects streaming LLM calls; nil means true.
	Stream *bool `yaml:"stream"`

	// HistoryCompactionRatio triggers compaction when the cumulative
	// session token counter reaches max_context times this ratio.
	HistoryCompactionRatio float64 `yaml:"history_compaction_ratio"`

	// HistoryCompactionReset is "zero", "current" or "keep".
	HistoryCompactionReset string `yaml:"history_compaction_reset"`

	Stop []string `yaml:"stop"`
}

// StreamEnabled reports whether streaming LLM calls are selected.
func (m ModelConfig) StreamEnabled() bool {
	return m.Stream == nil || *m.Stream
}

// Timeout returns the per-call wire timeout.
func (m ModelConfig) Timeout() time.Duration {
	if m.TimeoutS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.TimeoutS) * time.Second
}

// WorkspaceConfig controls per-user workspaces and history windows.
type WorkspaceConfig struct {
	Root            string `yaml:"root"`
	MaxHistoryItems int    `yaml:"max_history_items"`
	RetentionDays   int    `yaml:"retention_days"`
}

// ToolsConfig describes the tool surface offered to the model.
type ToolsConfig struct {
	Builtin   BuiltinToolsConfig   `yaml:"builtin"`
	MCP       MCPConfig            `yaml:"mcp"`
	A2A       A2AConfig            `yaml:"a2a"`
	Knowledge KnowledgeConfig      `yaml:"knowledge"`
	Aliases   map[string]ToolAlias `yaml:"aliases"`
}

// BuiltinToolsConfig enables built-in tools by name.
type BuiltinToolsConfig struct {
	Enabled []string `yaml:"enabled"`
}

// MCPConfig lists external MCP servers addressable as "server@tool".
type MCPConfig struct {
	Servers map[string]MCPServerConfig `yaml:"servers"`
}

type MCPServerConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// A2AConfig lists agent-to-agent services addressable as "a2a@service".
type A2AConfig struct {
	Services map[string]A2AServiceConfig `yaml:"services"`
}

type A2AServiceConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// KnowledgeConfig lists knowledge bases user aliases may bind to.
type KnowledgeConfig struct {
	Bases map[string]KnowledgeBaseConfig `yaml:"bases"`
}

type KnowledgeBaseConfig struct {
	Path string `yaml:"path"`
}

// ToolAlias binds an alternative tool name to a skill, knowledge base or
// MCP tool.
type ToolAlias struct {
	// Kind is "skill", "knowledge" or "mcp".
	Kind   string `yaml:"kind"`
	Target string `yaml:"target"`
}

// SkillsConfig controls SKILL.md discovery.
type SkillsConfig struct {
	Paths   []string `yaml:"paths"`
	Enabled []string `yaml:"enabled"`
}

// SandboxConfig selects where eligible built-in tools execute.
type SandboxConfig struct {
	// Mode is "local" or "sandbox".
	Mode string `yaml:"mode"`

	IdleTTLS int `yaml:"idle_ttl_s"`

	// AllowTools are the built-ins delegated to the sandbox client when
	// mode is "sandbox".
	AllowTools []string `yaml:"allow_tools"`
}

// MemoryConfig controls the background memory summarizer.
type MemoryConfig struct {
	// Enabled is the default for users without a per-user setting row.
	Enabled    bool `yaml:"enabled"`
	MaxRecords int  `yaml:"max_records"`
}

// PromptConfig controls system prompt composition.
type PromptConfig struct {
	TemplatesDir string `yaml:"templates_dir"`
	UserExtra    string `yaml:"user_extra"`
	Language     string `yaml:"language"`
}

// SecurityConfig carries authentication material and tool guardrails.
type SecurityConfig struct {
	// APIKey guards the chat API; empty disables the check.
	APIKey string `yaml:"api_key"`

	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`

	// Guardrails surfaced to tool executors.
	AllowCommands []string `yaml:"allow_commands"`
	AllowPaths    []string `yaml:"allow_paths"`
	DenyGlobs     []string `yaml:"deny_globs"`
}

// LoggingConfig mirrors observability.LogConfig.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig mirrors observability.TraceConfig.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// ObservabilityConfig sizes the session monitor.
type ObservabilityConfig struct {
	MonitorEventLimit      int      `yaml:"monitor_event_limit"`
	MonitorPayloadMaxChars int      `yaml:"monitor_payload_max_chars"`
	MonitorDropEventTypes  []string `yaml:"monitor_drop_event_types"`
}

// RetentionConfig schedules background sweeps.
type RetentionConfig struct {
	// SweepCron runs the retention_days sweep (cron expression).
	SweepCron string `yaml:"sweep_cron"`

	// StreamSweepEvery runs overflow-row GC (cron @every expression).
	StreamSweepEvery string `yaml:"stream_sweep_every"`
}

// Load reads, merges and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, used by tests
// and by serve when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate rejects option values the core cannot honor.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Sandbox.Mode {
	case "local", "sandbox":
	default:
		return fmt.Errorf("sandbox.mode must be local or sandbox, got %q", c.Sandbox.Mode)
	}
	for name, mc := range c.LLM.Models {
		switch mc.HistoryCompactionReset {
		case "", "zero", "current", "keep":
		default:
			return fmt.Errorf("llm.models.%s.history_compaction_reset must be zero, current or keep, got %q", name, mc.HistoryCompactionReset)
		}
		if mc.HistoryCompactionRatio < 0 || mc.HistoryCompactionRatio > 1 {
			return fmt.Errorf("llm.models.%s.history_compaction_ratio must be within [0,1]", name)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxActiveSessions == 0 {
		cfg.Server.MaxActiveSessions = 6
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "data/wunder.db"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "workspace"
	}
	if cfg.Workspace.MaxHistoryItems == 0 {
		cfg.Workspace.MaxHistoryItems = 40
	}
	if cfg.Workspace.RetentionDays == 0 {
		cfg.Workspace.RetentionDays = 30
	}
	if cfg.Sandbox.Mode == "" {
		cfg.Sandbox.Mode = "local"
	}
	if cfg.Sandbox.IdleTTLS == 0 {
		cfg.Sandbox.IdleTTLS = 300
	}
	if cfg.Memory.MaxRecords == 0 {
		cfg.Memory.MaxRecords = 30
	}
	if cfg.Prompt.TemplatesDir == "" {
		cfg.Prompt.TemplatesDir = "prompts"
	}
	if cfg.Security.TokenExpiry == 0 {
		cfg.Security.TokenExpiry = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.MonitorEventLimit == 0 {
		cfg.Observability.MonitorEventLimit = 500
	}
	if cfg.Observability.MonitorPayloadMaxChars == 0 {
		cfg.Observability.MonitorPayloadMaxChars = 4000
	}
	if cfg.Retention.SweepCron == "" {
		cfg.Retention.SweepCron = "0 3 * * *"
	}
	if cfg.Retention.StreamSweepEvery == "" {
		cfg.Retention.StreamSweepEvery = "@every 10m"
	}

	for name, mc := range cfg.LLM.Models {
		applyModelDefaults(&mc)
		cfg.LLM.Models[name] = mc
	}
}

func applyModelDefaults(mc *ModelConfig) {
	if mc.Provider == "" {
		mc.Provider = "openai"
	}
	if mc.MaxContext == 0 {
		mc.MaxContext = 32768
	}
	if mc.MaxOutput == 0 {
		mc.MaxOutput = 4096
	}
	if mc.MaxRounds == 0 {
		mc.MaxRounds = 10
	}
	if mc.TimeoutS == 0 {
		mc.TimeoutS = 60
	}
	if mc.Retry == 0 {
		mc.Retry = 3
	}
	if mc.HistoryCompactionRatio == 0 {
		mc.HistoryCompactionRatio = 0.8
	}
	if mc.HistoryCompactionReset == "" {
		mc.HistoryCompactionReset = "zero"
	}
}
