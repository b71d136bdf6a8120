package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
accounts:
  - id: main
    app_id: cli_test
    app_secret: secret
agent:
  api_key: sk-test
`

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.StateDir == "" || strings.HasPrefix(cfg.StateDir, "~") {
		t.Fatalf("StateDir = %q, want expanded default", cfg.StateDir)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("Logging = %+v, want info/text", cfg.Logging)
	}
	if !cfg.HTTP.Enabled() || cfg.HTTP.Addr() != "127.0.0.1:9090" {
		t.Fatalf("HTTP = %+v, want enabled on 127.0.0.1:9090", cfg.HTTP)
	}
	if cfg.Tracing.SampleRate != 1.0 {
		t.Fatalf("Tracing.SampleRate = %g, want 1.0", cfg.Tracing.SampleRate)
	}
	if got := cfg.Accounts[0].RequireMention; got == nil || !*got {
		t.Fatalf("RequireMention = %v, want default true", got)
	}
	sd := cfg.Gate.StaleDrop
	if sd.Enabled == nil || !*sd.Enabled || sd.Reply == nil || !*sd.Reply {
		t.Fatalf("StaleDrop = %+v, want enabled and replying by default", sd)
	}
	if *sd.SkewWindowMs != 5000 || sd.RecentIDsLimit != 250 {
		t.Fatalf("StaleDrop = %+v, want skew 5000 and ring 250", sd)
	}
	a := cfg.Announce
	if a.Mode != "followup" || *a.DebounceMs != 1000 || a.Cap != 20 ||
		a.DropPolicy != "summarize" || *a.MaxAgeMs != 600000 {
		t.Fatalf("Announce = %+v, want stock defaults", a)
	}
	if cfg.Sessions.MaxToolResultChars != 50000 {
		t.Fatalf("MaxToolResultChars = %d, want 50000", cfg.Sessions.MaxToolResultChars)
	}
	if cfg.Coordinator.ReconcileMaxAgeMs != 86400000 {
		t.Fatalf("ReconcileMaxAgeMs = %d, want 86400000", cfg.Coordinator.ReconcileMaxAgeMs)
	}
	if cfg.Agent.Provider != "anthropic" || cfg.Agent.MaxTokens != 4096 {
		t.Fatalf("Agent = %+v, want anthropic/4096 defaults", cfg.Agent)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("LARKGATE_TEST_APP_ID", "cli_from_env")
	t.Setenv("LARKGATE_TEST_SECRET", "hunter2")

	cfg, err := Load(writeConfig(t, `
accounts:
  - id: main
    app_id: ${LARKGATE_TEST_APP_ID}
    app_secret: ${LARKGATE_TEST_SECRET}
agent:
  api_key: sk-test
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Accounts[0].AppID != "cli_from_env" || cfg.Accounts[0].AppSecret != "hunter2" {
		t.Fatalf("account = %+v, want env-expanded credentials", cfg.Accounts[0])
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
gatway:
  stale_drop: {enabled: false}
`))
	if err == nil {
		t.Fatal("Load() accepted an unknown top-level key")
	}
}

func TestLoadExplicitZerosSurvive(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
http:
  port: 0
gate:
  stale_drop: {enabled: false, reply: false, skew_window_ms: 0}
announce:
  debounce_ms: 0
  max_age_ms: 0
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Enabled() {
		t.Fatal("HTTP.Enabled() = true, want explicit port 0 to disable")
	}
	if *cfg.Gate.StaleDrop.Enabled || *cfg.Gate.StaleDrop.Reply {
		t.Fatalf("StaleDrop = %+v, want explicit false kept", cfg.Gate.StaleDrop)
	}
	if *cfg.Gate.StaleDrop.SkewWindowMs != 0 {
		t.Fatalf("SkewWindowMs = %d, want explicit 0 kept", *cfg.Gate.StaleDrop.SkewWindowMs)
	}
	if *cfg.Announce.DebounceMs != 0 || *cfg.Announce.MaxAgeMs != 0 {
		t.Fatalf("Announce = %+v, want explicit zeros kept", cfg.Announce)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantKey string
	}{
		{
			name:    "no accounts",
			yaml:    "agent: {api_key: sk-test}",
			wantKey: "accounts",
		},
		{
			name: "missing app secret",
			yaml: `
accounts:
  - id: main
    app_id: cli_test
agent:
  api_key: sk-test
`,
			wantKey: "app_secret",
		},
		{
			name: "duplicate account ids",
			yaml: `
accounts:
  - {id: main, app_id: a, app_secret: s}
  - {id: main, app_id: b, app_secret: s}
agent:
  api_key: sk-test
`,
			wantKey: "duplicated",
		},
		{
			name:    "bad logging level",
			yaml:    minimalConfig + "logging: {level: noisy}",
			wantKey: "logging.level",
		},
		{
			name:    "bad announce mode",
			yaml:    minimalConfig + "announce: {mode: broadcast}",
			wantKey: "announce.mode",
		},
		{
			name:    "bad drop policy",
			yaml:    minimalConfig + "announce: {drop_policy: random}",
			wantKey: "announce.drop_policy",
		},
		{
			name:    "sample rate out of range",
			yaml:    minimalConfig + "tracing: {sample_rate: 1.5}",
			wantKey: "sample_rate",
		},
		{
			name: "unsupported provider",
			yaml: `
accounts:
  - {id: main, app_id: a, app_secret: s}
agent:
  provider: openai
  api_key: sk-test
`,
			wantKey: "agent.provider",
		},
		{
			name: "missing api key",
			yaml: `
accounts:
  - {id: main, app_id: a, app_secret: s}
`,
			wantKey: "api_key",
		},
		{
			name:    "port out of range",
			yaml:    minimalConfig + "http: {port: 70000}",
			wantKey: "http.port",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("Load() error = nil, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tt.wantKey)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() error = nil for a missing file")
	}
	if _, err := Load("  "); err == nil {
		t.Fatal("Load() error = nil for a blank path")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	path := DefaultConfigPath()
	if !strings.HasSuffix(path, filepath.Join(".larkgate", "config.yaml")) {
		t.Fatalf("DefaultConfigPath() = %q, want .larkgate/config.yaml suffix", path)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if got := expandHome("~/state"); got != filepath.Join(home, "state") {
		t.Fatalf("expandHome(~/state) = %q", got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("expandHome(/abs/path) = %q, want unchanged", got)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, key := range []string{"state_dir", "accounts", "stale_drop", "max_tool_result_chars"} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("schema missing %q", key)
		}
	}
}
