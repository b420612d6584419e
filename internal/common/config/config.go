// Package config provides configuration management for fixdev.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for fixdev.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded SQLite store configuration.
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`          // SQLite file path
	BusyTimeoutMs int    `mapstructure:"busyTimeoutMs"` // SQLite busy timeout
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds container daemon client configuration.
type DockerConfig struct {
	// Host overrides socket resolution when set (accepts unix:// URLs or bare paths).
	Host string `mapstructure:"host"`

	// UnaryTimeout bounds short daemon requests (ping, create, start, stop), in seconds.
	UnaryTimeout int `mapstructure:"unaryTimeout"`

	// StreamTimeout bounds the image build stream, in seconds.
	StreamTimeout int `mapstructure:"streamTimeout"`
}

// GitHubConfig holds provider authentication configuration.
type GitHubConfig struct {
	Token         string `mapstructure:"token"`
	WebhookSecret string `mapstructure:"webhookSecret"`
}

// LLMConfig holds the text-completion RPC configuration.
type LLMConfig struct {
	APIKey    string `mapstructure:"apiKey"`
	BaseURL   string `mapstructure:"baseUrl"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
}

// ExtractorConfig holds the issue-extraction RPC configuration.
type ExtractorConfig struct {
	APIKey  string `mapstructure:"apiKey"`
	BaseURL string `mapstructure:"baseUrl"`
}

// WorkspaceConfig holds workspace lifecycle defaults and container mounts.
type WorkspaceConfig struct {
	// DefaultTimeoutMinutes bounds a workspace run when the spawn request
	// does not carry its own timeout.
	DefaultTimeoutMinutes float64 `mapstructure:"defaultTimeoutMinutes"`

	// GracePeriodSeconds is how long the runner waits for late output after
	// the agent exits before tearing the container down.
	GracePeriodSeconds int `mapstructure:"gracePeriodSeconds"`

	// MaxConcurrentAgents caps parallel agent executions. Seeded into the
	// config table on first start; the stored value wins afterwards.
	MaxConcurrentAgents int `mapstructure:"maxConcurrentAgents"`

	// SSHDir, AgentAuthFile and AgentConfigDir are the operator credential
	// paths bind-mounted read-only into every workspace container.
	SSHDir         string `mapstructure:"sshDir"`
	AgentAuthFile  string `mapstructure:"agentAuthFile"`
	AgentConfigDir string `mapstructure:"agentConfigDir"`
}

// AgentConfig holds the in-container coding agent invocation.
type AgentConfig struct {
	// User is the non-root account the recipe creates and the exec runs as.
	User string `mapstructure:"user"`

	// Command is the agent binary invocation; the fix prompt file path is
	// appended as a shell substitution by the runner.
	Command string `mapstructure:"command"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// UnaryTimeoutDuration returns the unary daemon deadline as a time.Duration.
func (d *DockerConfig) UnaryTimeoutDuration() time.Duration {
	return time.Duration(d.UnaryTimeout) * time.Second
}

// StreamTimeoutDuration returns the build-stream deadline as a time.Duration.
func (d *DockerConfig) StreamTimeoutDuration() time.Duration {
	return time.Duration(d.StreamTimeout) * time.Second
}

// GracePeriod returns the post-exec grace as a time.Duration.
func (w *WorkspaceConfig) GracePeriod() time.Duration {
	return time.Duration(w.GracePeriodSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("FIXDEV_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "fixdev.db")
	v.SetDefault("database.busyTimeoutMs", 5000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults - empty host means resolve the local socket
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.unaryTimeout", 30)
	v.SetDefault("docker.streamTimeout", 300)

	// GitHub defaults
	v.SetDefault("github.token", "")
	v.SetDefault("github.webhookSecret", "")

	// LLM defaults
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseUrl", "https://api.anthropic.com")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.maxTokens", 4096)

	// Extractor defaults
	v.SetDefault("extractor.apiKey", "")
	v.SetDefault("extractor.baseUrl", "")

	// Workspace defaults
	v.SetDefault("workspace.defaultTimeoutMinutes", 60.0)
	v.SetDefault("workspace.gracePeriodSeconds", 60)
	v.SetDefault("workspace.maxConcurrentAgents", 2)
	v.SetDefault("workspace.sshDir", "~/.ssh")
	v.SetDefault("workspace.agentAuthFile", "~/.claude.json")
	v.SetDefault("workspace.agentConfigDir", "~/.claude")

	// Agent defaults
	v.SetDefault("agent.user", "agent")
	v.SetDefault("agent.command", "claude -p --dangerously-skip-permissions")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FIXDEV_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/fixdev/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("FIXDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the conventional flat env vars and for camelCase
	// config keys that AutomaticEnv cannot derive.
	_ = v.BindEnv("server.port", "PORT", "FIXDEV_SERVER_PORT")
	_ = v.BindEnv("docker.host", "DOCKER_HOST", "FIXDEV_DOCKER_HOST")
	_ = v.BindEnv("github.token", "GITHUB_TOKEN", "FIXDEV_GITHUB_TOKEN")
	_ = v.BindEnv("github.webhookSecret", "GITHUB_WEBHOOK_SECRET", "FIXDEV_GITHUB_WEBHOOK_SECRET")
	_ = v.BindEnv("llm.apiKey", "LLM_API_KEY", "FIXDEV_LLM_API_KEY")
	_ = v.BindEnv("llm.baseUrl", "FIXDEV_LLM_BASE_URL")
	_ = v.BindEnv("llm.model", "FIXDEV_LLM_MODEL")
	_ = v.BindEnv("extractor.apiKey", "EXTRACTOR_API_KEY", "FIXDEV_EXTRACTOR_API_KEY")
	_ = v.BindEnv("extractor.baseUrl", "FIXDEV_EXTRACTOR_BASE_URL")
	_ = v.BindEnv("database.path", "FIXDEV_DATABASE_PATH")
	_ = v.BindEnv("workspace.defaultTimeoutMinutes", "FIXDEV_WORKSPACE_DEFAULT_TIMEOUT_MINUTES")
	_ = v.BindEnv("workspace.gracePeriodSeconds", "FIXDEV_WORKSPACE_GRACE_PERIOD_SECONDS")
	_ = v.BindEnv("workspace.maxConcurrentAgents", "FIXDEV_WORKSPACE_MAX_CONCURRENT_AGENTS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fixdev/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Database.BusyTimeoutMs <= 0 {
		errs = append(errs, "database.busyTimeoutMs must be positive")
	}

	// Daemon deadlines
	if cfg.Docker.UnaryTimeout <= 0 {
		errs = append(errs, "docker.unaryTimeout must be positive")
	}
	if cfg.Docker.StreamTimeout <= 0 {
		errs = append(errs, "docker.streamTimeout must be positive")
	}

	// Workspace lifecycle
	if cfg.Workspace.DefaultTimeoutMinutes <= 0 {
		errs = append(errs, "workspace.defaultTimeoutMinutes must be positive")
	}
	if cfg.Workspace.GracePeriodSeconds < 0 {
		errs = append(errs, "workspace.gracePeriodSeconds must not be negative")
	}
	if cfg.Workspace.MaxConcurrentAgents <= 0 {
		errs = append(errs, "workspace.maxConcurrentAgents must be positive")
	}
	if cfg.Agent.User == "" {
		errs = append(errs, "agent.user is required")
	}
	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
