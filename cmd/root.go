package cmd

import (
	"fmt"

	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/logging"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Global flag values.
var (
	cfgFile   string
	verbose   bool
	logFormat string
)

// Cfg holds the loaded configuration, available to all subcommands.
var Cfg *config.Config

// SetVersionInfo is called from main to inject build-time version info.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	buildDate = d
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("relay version {{.Version}} (commit: %s, built: %s)\n", commit, buildDate))
}

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay: tamper-evident audit log for security events",
	Long: `Relay records security and operational actions in a hash-chained,
append-only audit log. Events flow through an in-process dispatcher,
past a policy gate, into the chain; signed checkpoints of the chain
tip make truncation and rewriting detectable after the fact.`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load configuration first; logging setup needs its values.
		var err error
		Cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		// Flags override the configured logging surface.
		format := Cfg.Logging.Format
		if logFormat != "" {
			format = logFormat
		}
		level := Cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logging.Setup(format, level)

		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/relay/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log output format: text or json (overrides config)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("relay version {{.Version}} (commit: %s, built: %s)\n", commit, buildDate))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
