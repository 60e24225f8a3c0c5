package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for invalid values and returns a
// descriptive error if any field is incorrect.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir must not be empty")
	}
	if c.Audit.LogFile == "" {
		errs = append(errs, "audit.log_file must not be empty")
	}
	if c.Audit.CheckpointFile == "" {
		errs = append(errs, "audit.checkpoint_file must not be empty")
	}
	if c.Audit.LogFile != "" && c.Audit.LogFile == c.Audit.CheckpointFile {
		errs = append(errs, "audit.log_file and audit.checkpoint_file must be distinct files")
	}
	if c.Audit.SecretFile == "" {
		errs = append(errs, "audit.secret_file must not be empty")
	}

	if c.Audit.CheckpointEveryEntries < 1 {
		errs = append(errs, fmt.Sprintf("audit.checkpoint_every_entries must be >= 1, got %d", c.Audit.CheckpointEveryEntries))
	}
	if c.Audit.CheckpointEveryInterval <= 0 {
		errs = append(errs, fmt.Sprintf("audit.checkpoint_every_interval must be positive, got %s", c.Audit.CheckpointEveryInterval))
	}
	if c.Audit.RetryMax < 0 {
		errs = append(errs, fmt.Sprintf("audit.retry_max must be >= 0, got %d", c.Audit.RetryMax))
	}
	if c.Audit.RetryBackoff < 0 {
		errs = append(errs, fmt.Sprintf("audit.retry_backoff must be >= 0, got %s", c.Audit.RetryBackoff))
	}

	// Zero disables the handler deadline; negative makes no sense.
	if c.Bus.HandlerTimeout < 0 {
		errs = append(errs, fmt.Sprintf("bus.handler_timeout must be >= 0, got %s", c.Bus.HandlerTimeout))
	}

	// Logging format.
	switch c.Logging.Format {
	case "text", "json":
		// ok
	default:
		errs = append(errs, fmt.Sprintf("invalid logging.format %q: must be \"text\" or \"json\"", c.Logging.Format))
	}

	// Logging level.
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
		// ok
	default:
		errs = append(errs, fmt.Sprintf("invalid logging.level %q: must be debug, info, warn, or error", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}
