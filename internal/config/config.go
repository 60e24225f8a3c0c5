package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

// Config is the top-level configuration for relay.
type Config struct {
	DataDir string        `yaml:"data_dir" mapstructure:"data_dir"`
	Audit   AuditConfig   `yaml:"audit" mapstructure:"audit"`
	Bus     BusConfig     `yaml:"bus" mapstructure:"bus"`
	Gate    GateConfig    `yaml:"gate" mapstructure:"gate"`
	Notify  NotifyConfig  `yaml:"notify" mapstructure:"notify"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// AuditConfig holds the audit chain and checkpoint settings.
type AuditConfig struct {
	LogFile                 string        `yaml:"log_file" mapstructure:"log_file"`
	CheckpointFile          string        `yaml:"checkpoint_file" mapstructure:"checkpoint_file"`
	SecretFile              string        `yaml:"secret_file" mapstructure:"secret_file"`
	CheckpointEveryEntries  int           `yaml:"checkpoint_every_entries" mapstructure:"checkpoint_every_entries"`
	CheckpointEveryInterval time.Duration `yaml:"checkpoint_every_interval" mapstructure:"checkpoint_every_interval"`
	RetryMax                int           `yaml:"retry_max" mapstructure:"retry_max"`
	RetryBackoff            time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// BusConfig holds event dispatcher settings.
type BusConfig struct {
	HandlerTimeout time.Duration `yaml:"handler_timeout" mapstructure:"handler_timeout"` // 0 disables the per-handler deadline
}

// GateConfig holds policy gate settings.
type GateConfig struct {
	PolicyDir string `yaml:"policy_dir" mapstructure:"policy_dir"` // empty = built-in policy only
}

// NotifyConfig holds notification routing settings.
type NotifyConfig struct {
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
	Watch     bool   `yaml:"watch" mapstructure:"watch"` // hot-reload rules_file on change
}

// LoggingConfig holds logging preferences.
type LoggingConfig struct {
	Format string `yaml:"format" mapstructure:"format"` // text or json
	Level  string `yaml:"level" mapstructure:"level"`
}

// setDefaults registers default values. Path keys default to "" and are
// derived from data_dir and the home directory in Load, so the config
// file never needs absolute paths baked in.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "")
	v.SetDefault("audit.log_file", "")
	v.SetDefault("audit.checkpoint_file", "")
	v.SetDefault("audit.secret_file", "")
	v.SetDefault("audit.checkpoint_every_entries", 500)
	v.SetDefault("audit.checkpoint_every_interval", "1h")
	v.SetDefault("audit.retry_max", 3)
	v.SetDefault("audit.retry_backoff", "250ms")
	v.SetDefault("bus.handler_timeout", "5s")
	v.SetDefault("gate.policy_dir", "")
	v.SetDefault("notify.rules_file", "")
	v.SetDefault("notify.watch", true)
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.level", "info")
}

// bindEnvVars binds environment variable overrides with RELAY_ prefix.
// Viper's AutomaticEnv only works for top-level keys by default, so we
// explicitly bind nested keys to their RELAY_ equivalents.
func bindEnvVars(v *viper.Viper) {
	bindings := map[string]string{
		"data_dir":                        "RELAY_DATA_DIR",
		"audit.log_file":                  "RELAY_AUDIT_LOG_FILE",
		"audit.checkpoint_file":           "RELAY_AUDIT_CHECKPOINT_FILE",
		"audit.secret_file":               "RELAY_AUDIT_SECRET_FILE",
		"audit.checkpoint_every_entries":  "RELAY_AUDIT_CHECKPOINT_EVERY_ENTRIES",
		"audit.checkpoint_every_interval": "RELAY_AUDIT_CHECKPOINT_EVERY_INTERVAL",
		"audit.retry_max":                 "RELAY_AUDIT_RETRY_MAX",
		"audit.retry_backoff":             "RELAY_AUDIT_RETRY_BACKOFF",
		"bus.handler_timeout":             "RELAY_BUS_HANDLER_TIMEOUT",
		"gate.policy_dir":                 "RELAY_GATE_POLICY_DIR",
		"notify.rules_file":               "RELAY_NOTIFY_RULES_FILE",
		"notify.watch":                    "RELAY_NOTIFY_WATCH",
		"logging.format":                  "RELAY_LOGGING_FORMAT",
		"logging.level":                   "RELAY_LOGGING_LEVEL",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
}

// DefaultConfigDir returns the default configuration directory path.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "relay"), nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDataDir returns the default data directory path.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "relay"), nil
}

// DefaultSecretPath returns the default audit keyfile path.
func DefaultSecretPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audit.key"), nil
}

// DefaultRulesPath returns the default notification rules file path.
func DefaultRulesPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "rules.yaml"), nil
}

// Load reads the relay configuration from disk, env vars, and defaults.
// If configPath is empty, it looks in ~/.config/relay/config.yaml.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnvVars(v)

	// Also support RELAY_ prefix through AutomaticEnv for top-level keys.
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		cfgDir, err := DefaultConfigDir()
		if err != nil {
			slog.Warn("could not determine home directory", "error", err)
		} else {
			v.AddConfigPath(cfgDir)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// If a config file was explicitly requested, treat missing file as an error.
			if configPath != "" {
				return nil, err
			}
			slog.Debug("no config file found, using defaults", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.derivePaths(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// derivePaths fills in path fields left empty: store files under
// data_dir, keyfile and rules under the config directory. A leading ~
// in user-supplied paths is expanded to the home directory.
func (c *Config) derivePaths() error {
	var err error
	if c.DataDir, err = expandHome(c.DataDir); err != nil {
		return err
	}
	if c.DataDir == "" {
		if c.DataDir, err = DefaultDataDir(); err != nil {
			return err
		}
	}

	if c.Audit.LogFile, err = expandHome(c.Audit.LogFile); err != nil {
		return err
	}
	if c.Audit.LogFile == "" {
		c.Audit.LogFile = filepath.Join(c.DataDir, "audit", "entries.log")
	}

	if c.Audit.CheckpointFile, err = expandHome(c.Audit.CheckpointFile); err != nil {
		return err
	}
	if c.Audit.CheckpointFile == "" {
		c.Audit.CheckpointFile = filepath.Join(c.DataDir, "audit", "checkpoints.log")
	}

	if c.Audit.SecretFile, err = expandHome(c.Audit.SecretFile); err != nil {
		return err
	}
	if c.Audit.SecretFile == "" {
		if c.Audit.SecretFile, err = DefaultSecretPath(); err != nil {
			return err
		}
	}

	if c.Notify.RulesFile, err = expandHome(c.Notify.RulesFile); err != nil {
		return err
	}
	if c.Notify.RulesFile == "" {
		if c.Notify.RulesFile, err = DefaultRulesPath(); err != nil {
			return err
		}
	}

	if c.Gate.PolicyDir, err = expandHome(c.Gate.PolicyDir); err != nil {
		return err
	}
	return nil
}

// expandHome replaces a leading ~ with the current user's home
// directory. The ~user form is passed through unchanged.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// YAML renders the effective configuration as YAML, with durations in
// their human form rather than nanosecond integers.
func (c *Config) YAML() (string, error) {
	eff := map[string]any{
		"data_dir": c.DataDir,
		"audit": map[string]any{
			"log_file":                  c.Audit.LogFile,
			"checkpoint_file":           c.Audit.CheckpointFile,
			"secret_file":               c.Audit.SecretFile,
			"checkpoint_every_entries":  c.Audit.CheckpointEveryEntries,
			"checkpoint_every_interval": c.Audit.CheckpointEveryInterval.String(),
			"retry_max":                 c.Audit.RetryMax,
			"retry_backoff":             c.Audit.RetryBackoff.String(),
		},
		"bus": map[string]any{
			"handler_timeout": c.Bus.HandlerTimeout.String(),
		},
		"gate": map[string]any{
			"policy_dir": c.Gate.PolicyDir,
		},
		"notify": map[string]any{
			"rules_file": c.Notify.RulesFile,
			"watch":      c.Notify.Watch,
		},
		"logging": map[string]any{
			"format": c.Logging.Format,
			"level":  c.Logging.Level,
		},
	}
	out, err := yaml.Marshal(eff)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// WriteDefault creates a default config file at the given path (or the
// default location if path is empty). It does not overwrite an existing file.
func WriteDefault(path string) (string, error) {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return "", err
		}
	}

	// Do not overwrite.
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	content := `# Relay configuration
# See: relay --help

# Audit chain storage. Defaults to ~/.local/share/relay when unset;
# log_file and checkpoint_file default to <data_dir>/audit/.
# data_dir: ~/.local/share/relay

audit:
  # secret_file: ~/.config/relay/audit.key   # created by: relay keygen
  checkpoint_every_entries: 500
  checkpoint_every_interval: 1h
  retry_max: 3               # append attempts before the degraded signal
  retry_backoff: 250ms       # grows linearly per attempt

bus:
  handler_timeout: 5s        # per-handler deadline, 0 disables

gate:
  policy_dir: ""             # directory of .rego files; empty = built-in policy

notify:
  # rules_file: ~/.config/relay/rules.yaml
  watch: true                # hot-reload the rules file on change

logging:
  format: text               # text or json
  level: info
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}

	return path, nil
}
