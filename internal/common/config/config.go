// Package config provides configuration management for Clawdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Clawdeck.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Deployments  DeploymentsConfig  `mapstructure:"deployments"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Mention      MentionConfig      `mapstructure:"mention"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds persistence configuration. Driver is "sqlite3" (default)
// or "pgx"; the Postgres fields only apply to pgx.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DeploymentsConfig holds the container deployment manager configuration.
type DeploymentsConfig struct {
	// RootDir is the directory holding one subdirectory per deployment.
	RootDir string `mapstructure:"rootDir"`
	// ComposeSource is the canonical docker-compose.yml copied into each
	// deployment directory on configure and launch.
	ComposeSource string `mapstructure:"composeSource"`
	// GatewayHost is the host local deployments are reached on.
	GatewayHost string `mapstructure:"gatewayHost"`
	// CFAccessClientID / CFAccessClientSecret authenticate through
	// Cloudflare Access when dialing external gateways.
	CFAccessClientID     string `mapstructure:"cfAccessClientId"`
	CFAccessClientSecret string `mapstructure:"cfAccessClientSecret"`
	// DockerHost overrides the Docker daemon address for the startup probe.
	DockerHost string `mapstructure:"dockerHost"`
}

// LLMConfig holds the LLM router configuration. Provider is one of
// "openrouter", "runpod", "custom".
type LLMConfig struct {
	Provider string `mapstructure:"provider"`

	OpenRouterBaseURL string `mapstructure:"openrouterBaseUrl"`
	OpenRouterAPIKey  string `mapstructure:"openrouterApiKey"`

	RunpodAPIKey     string `mapstructure:"runpodApiKey"`
	RunpodEndpointID string `mapstructure:"runpodEndpointId"`
	RunpodModelName  string `mapstructure:"runpodModelName"`

	CustomBaseURL   string `mapstructure:"customBaseUrl"`
	CustomAPIKey    string `mapstructure:"customApiKey"`
	CustomModelName string `mapstructure:"customModelName"`

	// DefaultModel is the model requested on providers that pass the caller's
	// model through (openrouter). Forced-model providers ignore it.
	DefaultModel string `mapstructure:"defaultModel"`

	// SettingsPath is the .env file provider switches are persisted to.
	SettingsPath string `mapstructure:"settingsPath"`
}

// OrchestratorConfig holds orchestrator pipeline tunables.
type OrchestratorConfig struct {
	// ChatSendTimeout is the per-subtask gateway send timeout in seconds.
	ChatSendTimeout int `mapstructure:"chatSendTimeout"`
	// PollCap is the poll-for-response wall-clock cap in seconds.
	PollCap int `mapstructure:"pollCap"`
	// MaxParallel caps how many subtasks of one wave run at once.
	// Zero or negative means no cap.
	MaxParallel int `mapstructure:"maxParallel"`
	// WorkspaceDir, when set, is scanned into the planner's file tree.
	WorkspaceDir string `mapstructure:"workspaceDir"`
}

// MentionConfig holds mention router and completion monitor tunables.
type MentionConfig struct {
	MonitorInterval int `mapstructure:"monitorInterval"` // seconds between history polls
	QuietPolls      int `mapstructure:"quietPolls"`      // consecutive quiet polls = complete
	MonitorCap      int `mapstructure:"monitorCap"`      // minutes before giving up
}

// TelegramConfig holds the optional completion notifier configuration.
// Empty token disables the notifier.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chatId"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// MonitorIntervalDuration returns the poll interval as a time.Duration.
func (m *MentionConfig) MonitorIntervalDuration() time.Duration {
	return time.Duration(m.MonitorInterval) * time.Second
}

// MonitorCapDuration returns the monitor hard cap as a time.Duration.
func (m *MentionConfig) MonitorCapDuration() time.Duration {
	return time.Duration(m.MonitorCap) * time.Minute
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
	if env := os.Getenv("CLAWDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults. The write timeout covers the mention bridge, which
	// holds the request open until the first gateway reply.
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 300)

	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "clawdeck.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "clawdeck")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "clawdeck")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "clawdeck")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Deployment defaults
	v.SetDefault("deployments.rootDir", "deployments")
	v.SetDefault("deployments.composeSource", "docker-compose.yml")
	v.SetDefault("deployments.gatewayHost", "127.0.0.1")
	v.SetDefault("deployments.cfAccessClientId", "")
	v.SetDefault("deployments.cfAccessClientSecret", "")
	v.SetDefault("deployments.dockerHost", "")

	// LLM defaults
	v.SetDefault("llm.provider", "openrouter")
	v.SetDefault("llm.openrouterBaseUrl", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.openrouterApiKey", "")
	v.SetDefault("llm.runpodApiKey", "")
	v.SetDefault("llm.runpodEndpointId", "")
	v.SetDefault("llm.runpodModelName", "")
	v.SetDefault("llm.customBaseUrl", "")
	v.SetDefault("llm.customApiKey", "")
	v.SetDefault("llm.customModelName", "")
	v.SetDefault("llm.defaultModel", "anthropic/claude-sonnet-4")
	v.SetDefault("llm.settingsPath", ".env")

	// Orchestrator defaults
	v.SetDefault("orchestrator.chatSendTimeout", 120)
	v.SetDefault("orchestrator.pollCap", 180)
	v.SetDefault("orchestrator.maxParallel", 4)
	v.SetDefault("orchestrator.workspaceDir", "")

	// Mention router defaults
	v.SetDefault("mention.monitorInterval", 5)
	v.SetDefault("mention.quietPolls", 2)
	v.SetDefault("mention.monitorCap", 15)

	// Telegram defaults - disabled unless a token is provided
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chatId", 0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLAWDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/clawdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CLAWDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names predate the CLAWDECK_ prefix.
	// The provider keys follow the deployment .env naming so the same file can
	// feed both the control plane and the containers.
	_ = v.BindEnv("llm.provider", "LLM_PROVIDER", "CLAWDECK_LLM_PROVIDER")
	_ = v.BindEnv("llm.openrouterBaseUrl", "OPENROUTER_BASE_URL", "CLAWDECK_LLM_OPENROUTER_BASE_URL")
	_ = v.BindEnv("llm.openrouterApiKey", "OPENROUTER_API_KEY", "CLAWDECK_LLM_OPENROUTER_API_KEY")
	_ = v.BindEnv("llm.runpodApiKey", "RUNPOD_API_KEY", "CLAWDECK_LLM_RUNPOD_API_KEY")
	_ = v.BindEnv("llm.runpodEndpointId", "RUNPOD_ENDPOINT_ID", "CLAWDECK_LLM_RUNPOD_ENDPOINT_ID")
	_ = v.BindEnv("llm.runpodModelName", "RUNPOD_MODEL_NAME", "CLAWDECK_LLM_RUNPOD_MODEL_NAME")
	_ = v.BindEnv("llm.customBaseUrl", "CUSTOM_LLM_BASE_URL", "CLAWDECK_LLM_CUSTOM_BASE_URL")
	_ = v.BindEnv("llm.customApiKey", "CUSTOM_LLM_API_KEY", "CLAWDECK_LLM_CUSTOM_API_KEY")
	_ = v.BindEnv("llm.customModelName", "CUSTOM_LLM_MODEL_NAME", "CLAWDECK_LLM_CUSTOM_MODEL_NAME")
	_ = v.BindEnv("llm.defaultModel", "LLM_DEFAULT_MODEL", "CLAWDECK_LLM_DEFAULT_MODEL")
	_ = v.BindEnv("telegram.token", "TELEGRAM_BOT_TOKEN", "CLAWDECK_TELEGRAM_TOKEN")
	_ = v.BindEnv("telegram.chatId", "TELEGRAM_USER_ID", "CLAWDECK_TELEGRAM_CHAT_ID")
	_ = v.BindEnv("deployments.cfAccessClientId", "CF_ACCESS_CLIENT_ID", "CLAWDECK_DEPLOYMENTS_CF_ACCESS_CLIENT_ID")
	_ = v.BindEnv("deployments.cfAccessClientSecret", "CF_ACCESS_CLIENT_SECRET", "CLAWDECK_DEPLOYMENTS_CF_ACCESS_CLIENT_SECRET")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/clawdeck/")

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
	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be sqlite3 or pgx")
	}

	// NATS validation - optional (uses in-memory event bus if not set)

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Deployment validation
	if cfg.Deployments.RootDir == "" {
		errs = append(errs, "deployments.rootDir must not be empty")
	}

	// LLM validation - provider identity only; credentials are checked when used
	validProviders := map[string]bool{"openrouter": true, "runpod": true, "custom": true}
	if !validProviders[cfg.LLM.Provider] {
		errs = append(errs, "llm.provider must be one of: openrouter, runpod, custom")
	}

	if cfg.Mention.QuietPolls <= 0 {
		errs = append(errs, "mention.quietPolls must be positive")
	}
	if cfg.Mention.MonitorInterval <= 0 {
		errs = append(errs, "mention.monitorInterval must be positive")
	}
	if cfg.Mention.MonitorCap <= 0 {
		errs = append(errs, "mention.monitorCap must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string for the pgx driver.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
