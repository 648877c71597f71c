// Package config provides configuration management for TrafficControl.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for TrafficControl.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Chat          ChatConfig          `mapstructure:"chat"`
	Agents        AgentsConfig        `mapstructure:"agents"`
	Loop          LoopConfig          `mapstructure:"loop"`
	Budget        BudgetConfig        `mapstructure:"budget"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Approval      ApprovalConfig      `mapstructure:"approval"`
	Dashboard     DashboardConfig     `mapstructure:"dashboard"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// DatabaseConfig holds the task store connection configuration.
// URL accepts sqlite paths ("sqlite:./trafficcontrol.db" or a bare file path)
// and postgres URLs ("postgres://...").
type DatabaseConfig struct {
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"serviceKey"`
	MaxConns   int    `mapstructure:"maxConns"`
}

// ChatConfig holds the chat transport configuration.
type ChatConfig struct {
	Token             string `mapstructure:"token"`
	ChannelID         string `mapstructure:"channelId"`
	ApprovalChannelID string `mapstructure:"approvalChannelId"`
	RelayCLIPath      string `mapstructure:"relayCliPath"`
	RelayTimeoutMs    int    `mapstructure:"relayTimeoutMs"`
	RelayModel        string `mapstructure:"relayModel"`
}

// AgentsConfig holds agent runtime configuration.
type AgentsConfig struct {
	// Mode selects the adapter variant: "sdk" (in-process) or "cli" (subprocess).
	Mode string `mapstructure:"mode"`

	// MaxConcurrent is the default per-model concurrency limit. Individual
	// models can be overridden via ModelLimits.
	MaxConcurrent int `mapstructure:"maxConcurrent"`

	// ModelLimits overrides the per-model session limits (opus, sonnet, haiku).
	ModelLimits map[string]int `mapstructure:"modelLimits"`

	// WorkDir is the working directory handed to spawned agents.
	WorkDir string `mapstructure:"workDir"`

	// MaxTurns bounds a single agent invocation.
	MaxTurns int `mapstructure:"maxTurns"`

	// CloseGraceMs is the window after close() before a session is force-failed.
	CloseGraceMs int `mapstructure:"closeGraceMs"`
}

// LoopConfig holds the main control loop configuration.
type LoopConfig struct {
	PollIntervalMs            int    `mapstructure:"pollIntervalMs"`
	MaxConsecutiveDbFailures  int    `mapstructure:"maxConsecutiveDbFailures"`
	GracefulShutdownTimeoutMs int    `mapstructure:"gracefulShutdownTimeoutMs"`
	ValidateDatabaseOnStartup bool   `mapstructure:"validateDatabaseOnStartup"`
	ConfirmTimeoutMs          int    `mapstructure:"confirmTimeoutMs"`
	StateFilePath             string `mapstructure:"stateFilePath"`
	LearningsPath             string `mapstructure:"learningsPath"`
}

// BudgetConfig holds context budget configuration.
type BudgetConfig struct {
	MaxTokens         int     `mapstructure:"maxTokens"`
	TargetUtilization float64 `mapstructure:"targetUtilization"`
	WarnUtilization   float64 `mapstructure:"warnUtilization"`
}

// NotificationsConfig holds outbound notification batching configuration.
type NotificationsConfig struct {
	BatchIntervalMs int `mapstructure:"batchIntervalMs"`
	QuietHoursStart int `mapstructure:"quietHoursStart"`
	QuietHoursEnd   int `mapstructure:"quietHoursEnd"`
}

// ApprovalConfig holds the per-task approval protocol configuration.
type ApprovalConfig struct {
	TimeoutMs int `mapstructure:"timeoutMs"`
}

// DashboardConfig holds the dashboard HTTP server configuration.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// NATSConfig holds optional NATS event mirroring configuration.
// An empty URL disables mirroring; bus semantics are in-process either way.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PollInterval returns the loop poll interval as a time.Duration.
func (l *LoopConfig) PollInterval() time.Duration {
	return time.Duration(l.PollIntervalMs) * time.Millisecond
}

// GracefulShutdownTimeout returns the shutdown deadline as a time.Duration.
func (l *LoopConfig) GracefulShutdownTimeout() time.Duration {
	return time.Duration(l.GracefulShutdownTimeoutMs) * time.Millisecond
}

// ConfirmTimeout returns the pre-flight confirmation wait as a time.Duration.
func (l *LoopConfig) ConfirmTimeout() time.Duration {
	return time.Duration(l.ConfirmTimeoutMs) * time.Millisecond
}

// CloseGrace returns the session close grace window as a time.Duration.
func (a *AgentsConfig) CloseGrace() time.Duration {
	return time.Duration(a.CloseGraceMs) * time.Millisecond
}

// BatchInterval returns the notification flush interval as a time.Duration.
func (n *NotificationsConfig) BatchInterval() time.Duration {
	return time.Duration(n.BatchIntervalMs) * time.Millisecond
}

// Timeout returns the approval deadline as a time.Duration.
func (a *ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// RelayTimeout returns the relay CLI timeout as a time.Duration.
func (c *ChatConfig) RelayTimeout() time.Duration {
	return time.Duration(c.RelayTimeoutMs) * time.Millisecond
}

// LimitFor returns the concurrency limit for a model, falling back to
// MaxConcurrent when no explicit override exists.
func (a *AgentsConfig) LimitFor(model string) int {
	if limit, ok := a.ModelLimits[model]; ok {
		return limit
	}
	return a.MaxConcurrent
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TC_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.url", "sqlite:./trafficcontrol.db")
	v.SetDefault("database.serviceKey", "")
	v.SetDefault("database.maxConns", 25)

	// Chat defaults
	v.SetDefault("chat.token", "")
	v.SetDefault("chat.channelId", "")
	v.SetDefault("chat.approvalChannelId", "")
	v.SetDefault("chat.relayCliPath", "")
	v.SetDefault("chat.relayTimeoutMs", 30000)
	v.SetDefault("chat.relayModel", "")

	// Agent defaults
	v.SetDefault("agents.mode", "cli")
	v.SetDefault("agents.maxConcurrent", 2)
	v.SetDefault("agents.modelLimits", map[string]int{})
	v.SetDefault("agents.workDir", ".")
	v.SetDefault("agents.maxTurns", 50)
	v.SetDefault("agents.closeGraceMs", 5000)

	// Loop defaults
	v.SetDefault("loop.pollIntervalMs", 5000)
	v.SetDefault("loop.maxConsecutiveDbFailures", 3)
	v.SetDefault("loop.gracefulShutdownTimeoutMs", 30000)
	v.SetDefault("loop.validateDatabaseOnStartup", true)
	v.SetDefault("loop.confirmTimeoutMs", 600000)
	v.SetDefault("loop.stateFilePath", "./trafficcontrol-state.json")
	v.SetDefault("loop.learningsPath", "")

	// Context budget defaults
	v.SetDefault("budget.maxTokens", 200000)
	v.SetDefault("budget.targetUtilization", 0.5)
	v.SetDefault("budget.warnUtilization", 0.4)

	// Notification defaults: batch every 30s, quiet 22:00-06:00
	v.SetDefault("notifications.batchIntervalMs", 30000)
	v.SetDefault("notifications.quietHoursStart", 22)
	v.SetDefault("notifications.quietHoursEnd", 6)

	// Approval defaults: 5 minute deadline
	v.SetDefault("approval.timeoutMs", 300000)

	// Dashboard defaults
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8484)

	// NATS defaults - empty URL means no event mirroring
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TC_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/trafficcontrol/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names differ from config keys.
	_ = v.BindEnv("database.url", "TC_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("database.serviceKey", "TC_DATABASE_SERVICE_KEY", "DATABASE_SERVICE_KEY")
	_ = v.BindEnv("chat.token", "TC_CHAT_TOKEN", "SLACK_BOT_TOKEN")
	_ = v.BindEnv("chat.channelId", "TC_CHAT_CHANNEL_ID", "SLACK_CHANNEL_ID")
	_ = v.BindEnv("chat.relayCliPath", "RELAY_CLI_PATH")
	_ = v.BindEnv("chat.relayTimeoutMs", "RELAY_TIMEOUT_MS")
	_ = v.BindEnv("chat.relayModel", "RELAY_MODEL")
	_ = v.BindEnv("agents.mode", "AGENT_MODE")
	_ = v.BindEnv("agents.maxConcurrent", "TC_MAX_CONCURRENT_AGENTS")
	_ = v.BindEnv("loop.pollIntervalMs", "TC_POLL_INTERVAL_MS")
	_ = v.BindEnv("loop.learningsPath", "TC_LEARNINGS_PATH")
	_ = v.BindEnv("logging.level", "TC_LOG_LEVEL")
	_ = v.BindEnv("dashboard.enabled", "DASHBOARD_ENABLED")
	_ = v.BindEnv("dashboard.port", "DASHBOARD_PORT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/trafficcontrol/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}
	if cfg.Chat.ChannelID == "" {
		errs = append(errs, "chat.channelId is required (TC_CHAT_CHANNEL_ID)")
	}

	if cfg.Agents.MaxConcurrent <= 0 {
		errs = append(errs, "agents.maxConcurrent must be positive")
	}
	switch cfg.Agents.Mode {
	case "sdk", "cli":
	default:
		errs = append(errs, "agents.mode must be one of: sdk, cli")
	}
	for model, limit := range cfg.Agents.ModelLimits {
		if limit < 0 {
			errs = append(errs, fmt.Sprintf("agents.modelLimits.%s must not be negative", model))
		}
	}

	if cfg.Loop.PollIntervalMs <= 0 {
		errs = append(errs, "loop.pollIntervalMs must be positive")
	}
	if cfg.Loop.MaxConsecutiveDbFailures <= 0 {
		errs = append(errs, "loop.maxConsecutiveDbFailures must be positive")
	}

	if cfg.Budget.MaxTokens <= 0 {
		errs = append(errs, "budget.maxTokens must be positive")
	}
	if cfg.Budget.TargetUtilization <= 0 || cfg.Budget.TargetUtilization > 1 {
		errs = append(errs, "budget.targetUtilization must be in (0, 1]")
	}
	if cfg.Budget.WarnUtilization <= 0 || cfg.Budget.WarnUtilization > 1 {
		errs = append(errs, "budget.warnUtilization must be in (0, 1]")
	}

	if cfg.Notifications.QuietHoursStart < 0 || cfg.Notifications.QuietHoursStart > 23 {
		errs = append(errs, "notifications.quietHoursStart must be an hour of day (0-23)")
	}
	if cfg.Notifications.QuietHoursEnd < 0 || cfg.Notifications.QuietHoursEnd > 23 {
		errs = append(errs, "notifications.quietHoursEnd must be an hour of day (0-23)")
	}

	if cfg.Dashboard.Enabled && (cfg.Dashboard.Port <= 0 || cfg.Dashboard.Port > 65535) {
		errs = append(errs, "dashboard.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
