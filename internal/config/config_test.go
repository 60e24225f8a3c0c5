package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	// Isolate from host config: point HOME at an empty temp dir so
	// Load("") cannot pick up ~/.config/relay/config.yaml.
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() with no config file: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"data_dir", cfg.DataDir, filepath.Join(home, ".local", "share", "relay")},
		{"audit.log_file", cfg.Audit.LogFile, filepath.Join(home, ".local", "share", "relay", "audit", "entries.log")},
		{"audit.checkpoint_file", cfg.Audit.CheckpointFile, filepath.Join(home, ".local", "share", "relay", "audit", "checkpoints.log")},
		{"audit.secret_file", cfg.Audit.SecretFile, filepath.Join(home, ".config", "relay", "audit.key")},
		{"audit.checkpoint_every_entries", cfg.Audit.CheckpointEveryEntries, 500},
		{"audit.checkpoint_every_interval", cfg.Audit.CheckpointEveryInterval, time.Hour},
		{"audit.retry_max", cfg.Audit.RetryMax, 3},
		{"audit.retry_backoff", cfg.Audit.RetryBackoff, 250 * time.Millisecond},
		{"bus.handler_timeout", cfg.Bus.HandlerTimeout, 5 * time.Second},
		{"gate.policy_dir", cfg.Gate.PolicyDir, ""},
		{"notify.rules_file", cfg.Notify.RulesFile, filepath.Join(home, ".config", "relay", "rules.yaml")},
		{"notify.watch", cfg.Notify.Watch, true},
		{"logging.format", cfg.Logging.Format, "text"},
		{"logging.level", cfg.Logging.Level, "info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("default %s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := `data_dir: /srv/relay
audit:
  secret_file: /etc/relay/audit.key
  checkpoint_every_entries: 50
  checkpoint_every_interval: 10m
  retry_max: 5
  retry_backoff: 1s
bus:
  handler_timeout: 2s
gate:
  policy_dir: /etc/relay/policy
notify:
  rules_file: /etc/relay/rules.yaml
  watch: false
logging:
  format: json
  level: debug
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load(%s): %v", cfgPath, err)
	}

	if cfg.DataDir != "/srv/relay" {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, "/srv/relay")
	}
	if cfg.Audit.LogFile != "/srv/relay/audit/entries.log" {
		t.Errorf("audit.log_file = %q, want derived from data_dir", cfg.Audit.LogFile)
	}
	if cfg.Audit.CheckpointFile != "/srv/relay/audit/checkpoints.log" {
		t.Errorf("audit.checkpoint_file = %q, want derived from data_dir", cfg.Audit.CheckpointFile)
	}
	if cfg.Audit.SecretFile != "/etc/relay/audit.key" {
		t.Errorf("audit.secret_file = %q, want %q", cfg.Audit.SecretFile, "/etc/relay/audit.key")
	}
	if cfg.Audit.CheckpointEveryEntries != 50 {
		t.Errorf("audit.checkpoint_every_entries = %d, want 50", cfg.Audit.CheckpointEveryEntries)
	}
	if cfg.Audit.CheckpointEveryInterval != 10*time.Minute {
		t.Errorf("audit.checkpoint_every_interval = %s, want 10m", cfg.Audit.CheckpointEveryInterval)
	}
	if cfg.Audit.RetryMax != 5 {
		t.Errorf("audit.retry_max = %d, want 5", cfg.Audit.RetryMax)
	}
	if cfg.Audit.RetryBackoff != time.Second {
		t.Errorf("audit.retry_backoff = %s, want 1s", cfg.Audit.RetryBackoff)
	}
	if cfg.Bus.HandlerTimeout != 2*time.Second {
		t.Errorf("bus.handler_timeout = %s, want 2s", cfg.Bus.HandlerTimeout)
	}
	if cfg.Gate.PolicyDir != "/etc/relay/policy" {
		t.Errorf("gate.policy_dir = %q, want %q", cfg.Gate.PolicyDir, "/etc/relay/policy")
	}
	if cfg.Notify.RulesFile != "/etc/relay/rules.yaml" {
		t.Errorf("notify.rules_file = %q, want %q", cfg.Notify.RulesFile, "/etc/relay/rules.yaml")
	}
	if cfg.Notify.Watch {
		t.Error("notify.watch = true, want false")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestEnvVarOverrides(t *testing.T) {
	// Isolate from host config.
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	t.Setenv("RELAY_DATA_DIR", "/tmp/relay-test")
	t.Setenv("RELAY_AUDIT_RETRY_MAX", "7")
	t.Setenv("RELAY_BUS_HANDLER_TIMEOUT", "15s")
	t.Setenv("RELAY_LOGGING_FORMAT", "json")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}

	if cfg.DataDir != "/tmp/relay-test" {
		t.Errorf("data_dir = %q, want %q (from RELAY_DATA_DIR)", cfg.DataDir, "/tmp/relay-test")
	}
	if cfg.Audit.LogFile != "/tmp/relay-test/audit/entries.log" {
		t.Errorf("audit.log_file = %q, want derived from RELAY_DATA_DIR", cfg.Audit.LogFile)
	}
	if cfg.Audit.RetryMax != 7 {
		t.Errorf("audit.retry_max = %d, want 7 (from RELAY_AUDIT_RETRY_MAX)", cfg.Audit.RetryMax)
	}
	if cfg.Bus.HandlerTimeout != 15*time.Second {
		t.Errorf("bus.handler_timeout = %s, want 15s (from RELAY_BUS_HANDLER_TIMEOUT)", cfg.Bus.HandlerTimeout)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %q, want %q (from RELAY_LOGGING_FORMAT)", cfg.Logging.Format, "json")
	}
}

func TestTildeExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := `data_dir: ~/relay-data
audit:
  secret_file: ~/keys/audit.key
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load(%s): %v", cfgPath, err)
	}

	if want := filepath.Join(home, "relay-data"); cfg.DataDir != want {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, want)
	}
	if want := filepath.Join(home, "keys", "audit.key"); cfg.Audit.SecretFile != want {
		t.Errorf("audit.secret_file = %q, want %q", cfg.Audit.SecretFile, want)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() with missing explicit path should return error")
	}
}

func TestYAMLDump(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}

	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML(): %v", err)
	}

	// Durations render in human form, not nanosecond integers.
	if !strings.Contains(out, "checkpoint_every_interval: 1h0m0s") {
		t.Errorf("YAML() missing human-form interval:\n%s", out)
	}
	if !strings.Contains(out, "handler_timeout: 5s") {
		t.Errorf("YAML() missing handler_timeout:\n%s", out)
	}
	if !strings.Contains(out, "checkpoint_every_entries: 500") {
		t.Errorf("YAML() missing checkpoint_every_entries:\n%s", out)
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	path, err := WriteDefault(cfgPath)
	if err != nil {
		t.Fatalf("WriteDefault(): %v", err)
	}

	if path != cfgPath {
		t.Errorf("WriteDefault returned %q, want %q", path, cfgPath)
	}

	// File should exist.
	if _, err := os.Stat(cfgPath); err != nil {
		t.Errorf("config file not created: %v", err)
	}

	// The generated file must load cleanly and validate.
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() on generated config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("generated config does not validate: %v", err)
	}

	// Should not overwrite existing file.
	if err := os.WriteFile(cfgPath, []byte("custom content"), 0o644); err != nil {
		t.Fatalf("writing custom content: %v", err)
	}

	path2, err := WriteDefault(cfgPath)
	if err != nil {
		t.Fatalf("WriteDefault() on existing file: %v", err)
	}
	if path2 != cfgPath {
		t.Errorf("WriteDefault returned %q, want %q", path2, cfgPath)
	}

	data, _ := os.ReadFile(cfgPath)
	if string(data) != "custom content" {
		t.Error("WriteDefault should not overwrite existing file")
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/abs/path", "/abs/path"},
		{"relative/path", "relative/path"},
		{"~", home},
		{"~/data", filepath.Join(home, "data")},
		{"~otheruser/data", "~otheruser/data"},
	}

	for _, tt := range tests {
		got, err := expandHome(tt.in)
		if err != nil {
			t.Fatalf("expandHome(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
