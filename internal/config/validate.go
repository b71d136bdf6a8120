package config

import (
	"fmt"
	"strings"
)

var (
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validLogFormats   = []string{"text", "json"}
	validModes        = []string{"followup", "collect"}
	validDropPolicies = []string{"summarize", "oldest", "newest"}
	validProviders    = []string{"anthropic"}
)

// Validate checks a defaulted configuration. Error messages carry the
// offending yaml key path.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("state_dir is required")
	}

	if !oneOf(c.Logging.Level, validLogLevels) {
		return fmt.Errorf("logging.level must be one of %s, got %q",
			strings.Join(validLogLevels, "/"), c.Logging.Level)
	}
	if !oneOf(c.Logging.Format, validLogFormats) {
		return fmt.Errorf("logging.format must be one of %s, got %q",
			strings.Join(validLogFormats, "/"), c.Logging.Format)
	}

	if c.HTTP.Port != nil && (*c.HTTP.Port < 0 || *c.HTTP.Port > 65535) {
		return fmt.Errorf("http.port must be 0..65535, got %d", *c.HTTP.Port)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1], got %g", c.Tracing.SampleRate)
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts must list at least one account")
	}
	seen := map[string]bool{}
	for i, acct := range c.Accounts {
		if err := acct.validate(i); err != nil {
			return err
		}
		if seen[acct.ID] {
			return fmt.Errorf("accounts[%d].id %q is duplicated", i, acct.ID)
		}
		seen[acct.ID] = true
	}

	if *c.Gate.StaleDrop.SkewWindowMs < 0 {
		return fmt.Errorf("gate.stale_drop.skew_window_ms must not be negative")
	}
	if c.Gate.StaleDrop.RecentIDsLimit <= 0 {
		return fmt.Errorf("gate.stale_drop.recent_ids_limit must be positive")
	}

	if !oneOf(c.Announce.Mode, validModes) {
		return fmt.Errorf("announce.mode must be one of %s, got %q",
			strings.Join(validModes, "/"), c.Announce.Mode)
	}
	if *c.Announce.DebounceMs < 0 {
		return fmt.Errorf("announce.debounce_ms must not be negative")
	}
	if c.Announce.Cap <= 0 {
		return fmt.Errorf("announce.cap must be positive")
	}
	if !oneOf(c.Announce.DropPolicy, validDropPolicies) {
		return fmt.Errorf("announce.drop_policy must be one of %s, got %q",
			strings.Join(validDropPolicies, "/"), c.Announce.DropPolicy)
	}
	if *c.Announce.MaxAgeMs < 0 {
		return fmt.Errorf("announce.max_age_ms must not be negative")
	}

	if c.Sessions.MaxToolResultChars <= 0 {
		return fmt.Errorf("sessions.max_tool_result_chars must be positive")
	}
	if c.Coordinator.ReconcileMaxAgeMs <= 0 {
		return fmt.Errorf("coordinator.reconcile_max_age_ms must be positive")
	}

	if !oneOf(c.Agent.Provider, validProviders) {
		return fmt.Errorf("agent.provider must be one of %s, got %q",
			strings.Join(validProviders, "/"), c.Agent.Provider)
	}
	if strings.TrimSpace(c.Agent.APIKey) == "" {
		return fmt.Errorf("agent.api_key is required")
	}
	if c.Agent.MaxTokens <= 0 {
		return fmt.Errorf("agent.max_tokens must be positive")
	}

	return nil
}

func (a AccountConfig) validate(index int) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("accounts[%d].id is required", index)
	}
	if strings.TrimSpace(a.AppID) == "" {
		return fmt.Errorf("accounts[%d].app_id is required (account %s)", index, a.ID)
	}
	if strings.TrimSpace(a.AppSecret) == "" {
		return fmt.Errorf("accounts[%d].app_secret is required (account %s)", index, a.ID)
	}
	return nil
}

func oneOf(value string, allowed []string) bool {
	for _, v := range allowed {
		if value == v {
			return true
		}
	}
	return false
}
