package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/gate"
	"github.com/relayhq/relay/internal/notify"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and initialize relay configuration",
	Long: `Config manages the relay configuration file at
~/.config/relay/config.yaml.

Examples:
  relay config init
  relay config show`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default configuration and rule files",
	Long: `Init writes a default configuration file with every key documented,
plus a starter notification rules file. When gate.policy_dir is set it
also seeds that directory with the built-in policy so it can be edited.
Existing files are never overwritten.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Show prints the fully resolved configuration as YAML, with file
values, environment overrides, and derived paths all applied.`,
	RunE: runConfigShow,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("determining config path: %w", err)
		}
	}

	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s (left untouched)\n", path)
	} else {
		written, err := config.WriteDefault(path)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", written)
	}

	if err := initRules(Cfg.Notify.RulesFile); err != nil {
		return err
	}
	return initPolicy(Cfg.Gate.PolicyDir)
}

func initRules(path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Rules already exist at %s (left untouched)\n", path)
		return nil
	}
	if err := notify.SaveRules(path, notify.DefaultRules()); err != nil {
		return fmt.Errorf("writing default rules: %w", err)
	}
	fmt.Printf("Wrote default notification rules to %s\n", path)
	return nil
}

func initPolicy(dir string) error {
	if dir == "" {
		return nil // built-in policy, nothing to seed
	}
	path := filepath.Join(dir, "policy.rego")
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Policy already exists at %s (left untouched)\n", path)
		return nil
	}
	if err := gate.WriteDefaultPolicy(path); err != nil {
		return fmt.Errorf("seeding policy dir: %w", err)
	}
	fmt.Printf("Seeded %s with the built-in policy\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out, err := Cfg.YAML()
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}
	fmt.Print(out)
	return nil
}
