// Package config loads and validates the gateway's YAML configuration.
//
// Load expands environment variables before parsing, so secrets are
// configured as ${FEISHU_APP_SECRET}-style references, fills defaults,
// and rejects unknown keys. Booleans and integers whose zero value is a
// meaningful setting (explicit port 0 disables the HTTP listener, skew
// window 0 means strict ordering) are pointers; applyDefaults
// materializes every pointer, so loaded configs can be dereferenced
// without nil checks.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPHost = "127.0.0.1"
	DefaultHTTPPort = 9090

	DefaultSkewWindowMs   = 5000
	DefaultRecentIDsLimit = 250

	DefaultAnnounceMode       = "followup"
	DefaultAnnounceDebounceMs = 1000
	DefaultAnnounceCap        = 20
	DefaultAnnounceDropPolicy = "summarize"
	DefaultAnnounceMaxAgeMs   = 10 * 60 * 1000

	DefaultMaxToolResultChars = 50000
	DefaultReconcileMaxAgeMs  = 24 * 60 * 60 * 1000

	DefaultAgentProvider  = "anthropic"
	DefaultAgentMaxTokens = 4096
)

// Config is the root gateway configuration.
type Config struct {
	// StateDir roots all persistent state: task journals, chat
	// watermarks, transcripts. Defaults to ~/.larkgate/state.
	StateDir string `yaml:"state_dir"`

	Logging     LoggingConfig     `yaml:"logging"`
	HTTP        HTTPConfig        `yaml:"http"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Accounts    []AccountConfig   `yaml:"accounts"`
	Gate        GateConfig        `yaml:"gate"`
	Announce    AnnounceConfig    `yaml:"announce"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Agent       AgentConfig       `yaml:"agent"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// HTTPConfig configures the operational HTTP listener (healthz, metrics).
type HTTPConfig struct {
	Host string `yaml:"host"`
	// Port 0 disables the listener; omitted means 9090.
	Port *int `yaml:"port"`
}

// Enabled reports whether the listener should be started.
func (h HTTPConfig) Enabled() bool {
	return h.Port != nil && *h.Port > 0
}

// Addr returns the host:port to bind.
func (h HTTPConfig) Addr() string {
	port := 0
	if h.Port != nil {
		port = *h.Port
	}
	return fmt.Sprintf("%s:%d", h.Host, port)
}

// TracingConfig configures the OTLP trace exporter. An empty endpoint
// leaves tracing off.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate"`
	Environment string  `yaml:"environment"`
	Insecure    bool    `yaml:"insecure"`
}

// AccountConfig is one Feishu application identity the gateway serves.
type AccountConfig struct {
	ID        string `yaml:"id"`
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`

	// Domain overrides the provider base URL, e.g. for Lark
	// international tenants. Empty uses the Feishu default.
	Domain string `yaml:"domain,omitempty"`

	// BotOpenID identifies the bot for mention detection; BotName is
	// the fallback match when the open id is not configured.
	BotOpenID string `yaml:"bot_open_id"`
	BotName   string `yaml:"bot_name"`

	// RequireMention gates group messages on an @-mention of the bot.
	// Defaults to true when omitted.
	RequireMention *bool `yaml:"require_mention"`

	// AllowGroups, AllowDMs, and GroupSenders are allowlists; empty
	// means allow all of that kind.
	AllowGroups  []string            `yaml:"allow_groups"`
	AllowDMs     []string            `yaml:"allow_dms"`
	GroupSenders map[string][]string `yaml:"group_senders"`
}

// GateConfig configures inbound admission.
type GateConfig struct {
	StaleDrop StaleDropConfig `yaml:"stale_drop"`
}

// StaleDropConfig controls the out-of-order delivery guard.
type StaleDropConfig struct {
	// Enabled and Reply default to true when omitted.
	Enabled *bool `yaml:"enabled"`
	Reply   *bool `yaml:"reply"`
	// SkewWindowMs tolerates provider create_time skew; explicit 0
	// means strict ordering.
	SkewWindowMs   *int64 `yaml:"skew_window_ms"`
	RecentIDsLimit int    `yaml:"recent_ids_limit"`
}

// AnnounceConfig configures the follow-up delivery queues.
type AnnounceConfig struct {
	// Mode is followup or collect.
	Mode string `yaml:"mode"`
	// DebounceMs 0 sends immediately; omitted means 1000.
	DebounceMs *int64 `yaml:"debounce_ms"`
	Cap        int    `yaml:"cap"`
	// DropPolicy is summarize, oldest, or newest.
	DropPolicy string `yaml:"drop_policy"`
	// MaxAgeMs 0 disables staleness eviction; omitted means 600000.
	MaxAgeMs *int64 `yaml:"max_age_ms"`
}

// SessionsConfig configures transcript handling.
type SessionsConfig struct {
	MaxToolResultChars int `yaml:"max_tool_result_chars"`
}

// CoordinatorConfig configures task lifecycle handling.
type CoordinatorConfig struct {
	// ReconcileMaxAgeMs bounds how old an orphaned task may be and
	// still get the interruption treatment at boot.
	ReconcileMaxAgeMs int64 `yaml:"reconcile_max_age_ms"`
}

// AgentConfig configures the reply dispatcher.
type AgentConfig struct {
	// Provider selects the dispatcher implementation; only anthropic
	// is built in.
	Provider string `yaml:"provider"`
	// Model empty uses the dispatcher's default.
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	MaxTokens    int    `yaml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt"`
}

// DefaultConfigPath returns ~/.larkgate/config.yaml, or a relative
// fallback when the home directory cannot be resolved.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".larkgate", "config.yaml")
	}
	return filepath.Join(home, ".larkgate", "config.yaml")
}

// Load reads, parses, defaults, and validates the configuration file.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse processes one raw YAML document the way Load does.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	} else if err == nil {
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("parse config: expected a single document")
		}
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join("~", ".larkgate", "state")
	}
	cfg.StateDir = expandHome(cfg.StateDir)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = DefaultHTTPHost
	}
	if cfg.HTTP.Port == nil {
		cfg.HTTP.Port = intPtr(DefaultHTTPPort)
	}

	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].RequireMention == nil {
			cfg.Accounts[i].RequireMention = boolPtr(true)
		}
	}

	if cfg.Gate.StaleDrop.Enabled == nil {
		cfg.Gate.StaleDrop.Enabled = boolPtr(true)
	}
	if cfg.Gate.StaleDrop.Reply == nil {
		cfg.Gate.StaleDrop.Reply = boolPtr(true)
	}
	if cfg.Gate.StaleDrop.SkewWindowMs == nil {
		cfg.Gate.StaleDrop.SkewWindowMs = int64Ptr(DefaultSkewWindowMs)
	}
	if cfg.Gate.StaleDrop.RecentIDsLimit == 0 {
		cfg.Gate.StaleDrop.RecentIDsLimit = DefaultRecentIDsLimit
	}

	if cfg.Announce.Mode == "" {
		cfg.Announce.Mode = DefaultAnnounceMode
	}
	if cfg.Announce.DebounceMs == nil {
		cfg.Announce.DebounceMs = int64Ptr(DefaultAnnounceDebounceMs)
	}
	if cfg.Announce.Cap == 0 {
		cfg.Announce.Cap = DefaultAnnounceCap
	}
	if cfg.Announce.DropPolicy == "" {
		cfg.Announce.DropPolicy = DefaultAnnounceDropPolicy
	}
	if cfg.Announce.MaxAgeMs == nil {
		cfg.Announce.MaxAgeMs = int64Ptr(DefaultAnnounceMaxAgeMs)
	}

	if cfg.Sessions.MaxToolResultChars == 0 {
		cfg.Sessions.MaxToolResultChars = DefaultMaxToolResultChars
	}
	if cfg.Coordinator.ReconcileMaxAgeMs == 0 {
		cfg.Coordinator.ReconcileMaxAgeMs = DefaultReconcileMaxAgeMs
	}

	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = DefaultAgentProvider
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = DefaultAgentMaxTokens
	}
}

// expandHome resolves a leading ~ against the current user's home
// directory. Paths are returned unchanged when resolution fails.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

func boolPtr(v bool) *bool    { return &v }
func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
