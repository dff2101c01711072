// Package config provides configuration management for Kestrel.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kestrelhq/kestrel/internal/common/logger"
)

// Config holds all configuration sections for Kestrel.
type Config struct {
	Server              ServerConfig                 `mapstructure:"server"`
	NATS                NATSConfig                   `mapstructure:"nats"`
	History             HistoryConfig                `mapstructure:"history"`
	Logging             logger.LoggingConfig         `mapstructure:"logging"`
	SessionsDir         string                       `mapstructure:"sessionsDir"`
	IntervalMS          int                          `mapstructure:"intervalMs"`
	PRScanEvery         int                          `mapstructure:"prScanEvery"`
	AllowedUsers        []string                     `mapstructure:"allowedUsers"`
	Defaults            DefaultsConfig               `mapstructure:"defaults"`
	NotificationRouting map[string][]string          `mapstructure:"notificationRouting"`
	Reactions           map[string]ReactionConfig    `mapstructure:"reactions"`
	Projects            map[string]ProjectConfig     `mapstructure:"projects"`
	Automation          AutomationConfig             `mapstructure:"automation"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HistoryConfig holds event history storage configuration.
type HistoryConfig struct {
	Path          string `mapstructure:"path"`          // sqlite file path, empty disables history
	RetentionDays int    `mapstructure:"retentionDays"` // prune events older than this
}

// DefaultsConfig names the default plugin for each slot plus the fallback notifier list.
type DefaultsConfig struct {
	Runtime   string   `mapstructure:"runtime"`
	Agent     string   `mapstructure:"agent"`
	Workspace string   `mapstructure:"workspace"`
	Notifiers []string `mapstructure:"notifiers"`
}

// PluginRef names a plugin occupying a slot for a project.
type PluginRef struct {
	Plugin string `mapstructure:"plugin"`
}

// ReactionFilter restricts a reaction to matching labels or authors.
type ReactionFilter struct {
	Labels  []string `mapstructure:"labels"`
	Authors []string `mapstructure:"authors"`
}

// ReactionConfig describes one configured response to a lifecycle transition.
// Auto defaults to true when nil. Retries is unlimited when nil.
// EscalateAfter is either an attempt count ("3") or a window ("10m").
type ReactionConfig struct {
	Auto          *bool           `mapstructure:"auto"`
	Action        string          `mapstructure:"action"`
	Message       string          `mapstructure:"message"`
	Script        string          `mapstructure:"script"`
	Retries       *int            `mapstructure:"retries"`
	EscalateAfter string          `mapstructure:"escalateAfter"`
	Cooldown      string          `mapstructure:"cooldown"`
	Priority      string          `mapstructure:"priority"`
	Filter        *ReactionFilter `mapstructure:"filter"`
}

// Enabled reports whether the reaction should run automatically.
// Notify reactions always run.
func (r ReactionConfig) Enabled() bool {
	if r.Action == "notify" {
		return true
	}
	return r.Auto == nil || *r.Auto
}

// ProjectConfig holds one supervised project.
type ProjectConfig struct {
	Name          string                    `mapstructure:"name"`
	Repo          string                    `mapstructure:"repo"`
	Path          string                    `mapstructure:"path"`
	DefaultBranch string                    `mapstructure:"defaultBranch"`
	SessionPrefix string                    `mapstructure:"sessionPrefix"`
	Runtime       string                    `mapstructure:"runtime"`
	Agent         string                    `mapstructure:"agent"`
	Workspace     string                    `mapstructure:"workspace"`
	Tracker       *PluginRef                `mapstructure:"tracker"`
	SCM           *PluginRef                `mapstructure:"scm"`
	Reactions     map[string]ReactionConfig `mapstructure:"reactions"`
	Automation    *AutomationConfig         `mapstructure:"automation"`
}

// AutomationConfig groups the gate and pickup policies.
type AutomationConfig struct {
	QueuePickup    QueuePickupConfig    `mapstructure:"queuePickup"`
	MergeGate      MergeGateConfig      `mapstructure:"mergeGate"`
	CompletionGate CompletionGateConfig `mapstructure:"completionGate"`
	StuckRecovery  StuckRecoveryConfig  `mapstructure:"stuckRecovery"`
}

// QueuePickupConfig controls admission of new tracker issues as sessions.
type QueuePickupConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	IntervalSec         int    `mapstructure:"intervalSec"`
	PickupStateName     string `mapstructure:"pickupStateName"`
	TransitionStateName string `mapstructure:"transitionStateName"`
	RequireAoMetaQueued bool   `mapstructure:"requireAoMetaQueued"`
	MaxActiveSessions   int    `mapstructure:"maxActiveSessions"`
	MaxSpawnPerCycle    int    `mapstructure:"maxSpawnPerCycle"`
}

// MergeGateStrict holds the independently toggleable merge preconditions.
type MergeGateStrict struct {
	RequireVerifyMarker               bool `mapstructure:"requireVerifyMarker"`
	RequireBrowserMarker              bool `mapstructure:"requireBrowserMarker"`
	RequireApprovedReviewOrNoRequests bool `mapstructure:"requireApprovedReviewOrNoRequests"`
	RequireNoUnresolvedThreads        bool `mapstructure:"requireNoUnresolvedThreads"`
	RequirePassingChecks              bool `mapstructure:"requirePassingChecks"`
	RequireCompletionDryRun           bool `mapstructure:"requireCompletionDryRun"`
}

// MergeGateConfig controls the auto-merge action.
type MergeGateConfig struct {
	Enabled          bool            `mapstructure:"enabled"`
	Method           string          `mapstructure:"method"` // merge, squash, rebase
	RetryCooldownSec int             `mapstructure:"retryCooldownSec"`
	Strict           MergeGateStrict `mapstructure:"strict"`
}

// CompletionGateConfig controls tracker-issue completion vetting.
type CompletionGateConfig struct {
	Enabled                    bool   `mapstructure:"enabled"`
	EvidencePattern            string `mapstructure:"evidencePattern"`
	SyncChecklistFromEvidence  bool   `mapstructure:"syncChecklistFromEvidence"`
}

// StuckRecoveryConfig controls stuck-prompt detection on agent terminals.
type StuckRecoveryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Pattern      string `mapstructure:"pattern"`
	ThresholdSec int    `mapstructure:"thresholdSec"`
	CooldownSec  int    `mapstructure:"cooldownSec"`
	Message      string `mapstructure:"message"`
}

// Interval returns the poll interval as a time.Duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Automation returns the project's automation config, falling back to the global one.
func (c *Config) AutomationFor(projectID string) AutomationConfig {
	if p, ok := c.Projects[projectID]; ok && p.Automation != nil {
		return *p.Automation
	}
	return c.Automation
}

// ReactionFor merges the global reaction config for key with the project
// override. Project fields win when set.
func (c *Config) ReactionFor(projectID, key string) (ReactionConfig, bool) {
	global, haveGlobal := c.Reactions[key]
	var override ReactionConfig
	haveOverride := false
	if p, ok := c.Projects[projectID]; ok {
		override, haveOverride = p.Reactions[key]
	}
	if !haveGlobal && !haveOverride {
		return ReactionConfig{}, false
	}
	if !haveOverride {
		return global, true
	}
	if !haveGlobal {
		return override, true
	}
	merged := global
	if override.Auto != nil {
		merged.Auto = override.Auto
	}
	if override.Action != "" {
		merged.Action = override.Action
	}
	if override.Message != "" {
		merged.Message = override.Message
	}
	if override.Script != "" {
		merged.Script = override.Script
	}
	if override.Retries != nil {
		merged.Retries = override.Retries
	}
	if override.EscalateAfter != "" {
		merged.EscalateAfter = override.EscalateAfter
	}
	if override.Cooldown != "" {
		merged.Cooldown = override.Cooldown
	}
	if override.Priority != "" {
		merged.Priority = override.Priority
	}
	if override.Filter != nil {
		merged.Filter = override.Filter
	}
	return merged, true
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8640)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kestrel")
	v.SetDefault("nats.maxReconnects", 10)

	// History defaults - empty path disables the sqlite event history
	v.SetDefault("history.path", "")
	v.SetDefault("history.retentionDays", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("sessionsDir", "~/.kestrel/sessions")

	// Engine defaults
	v.SetDefault("intervalMs", 30000)
	v.SetDefault("prScanEvery", 10)

	// Automation defaults
	v.SetDefault("automation.queuePickup.enabled", false)
	v.SetDefault("automation.queuePickup.intervalSec", 60)
	v.SetDefault("automation.queuePickup.pickupStateName", "Todo")
	v.SetDefault("automation.queuePickup.requireAoMetaQueued", true)
	v.SetDefault("automation.queuePickup.maxActiveSessions", 8)
	v.SetDefault("automation.queuePickup.maxSpawnPerCycle", 4)

	v.SetDefault("automation.mergeGate.enabled", true)
	v.SetDefault("automation.mergeGate.method", "squash")
	v.SetDefault("automation.mergeGate.retryCooldownSec", 300)
	v.SetDefault("automation.mergeGate.strict.requireVerifyMarker", true)
	v.SetDefault("automation.mergeGate.strict.requireBrowserMarker", false)
	v.SetDefault("automation.mergeGate.strict.requireApprovedReviewOrNoRequests", true)
	v.SetDefault("automation.mergeGate.strict.requireNoUnresolvedThreads", true)
	v.SetDefault("automation.mergeGate.strict.requirePassingChecks", true)
	v.SetDefault("automation.mergeGate.strict.requireCompletionDryRun", false)

	v.SetDefault("automation.completionGate.enabled", true)
	v.SetDefault("automation.completionGate.evidencePattern", "AC Evidence:|검증 근거:")
	v.SetDefault("automation.completionGate.syncChecklistFromEvidence", false)

	v.SetDefault("automation.stuckRecovery.enabled", true)
	v.SetDefault("automation.stuckRecovery.thresholdSec", 600)
	v.SetDefault("automation.stuckRecovery.cooldownSec", 300)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KESTREL_ with underscore-separated keys.
// The config file should be named config.yaml and placed in the current
// directory or /etc/kestrel/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kestrel/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = detectDefaultLogFormat()
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("KESTREL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.IntervalMS <= 0 {
		errs = append(errs, "intervalMs must be positive")
	}
	if cfg.PRScanEvery <= 0 {
		errs = append(errs, "prScanEvery must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	validMethods := map[string]bool{"": true, "merge": true, "squash": true, "rebase": true}
	if !validMethods[cfg.Automation.MergeGate.Method] {
		errs = append(errs, "automation.mergeGate.method must be one of: merge, squash, rebase")
	}

	for id, p := range cfg.Projects {
		if p.SessionPrefix == "" {
			errs = append(errs, fmt.Sprintf("projects.%s.sessionPrefix is required", id))
		}
		if p.Automation != nil && !validMethods[p.Automation.MergeGate.Method] {
			errs = append(errs, fmt.Sprintf("projects.%s automation.mergeGate.method invalid", id))
		}
	}

	for priority := range cfg.NotificationRouting {
		switch priority {
		case "urgent", "action", "warning", "info":
		default:
			errs = append(errs, fmt.Sprintf("notificationRouting.%s is not a known priority", priority))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
