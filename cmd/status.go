package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relayhq/relay/internal/health"
	"github.com/relayhq/relay/internal/kernel"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline health and audit chain statistics",
	Long: `Status runs the health check suite against the configured stores:
chain integrity, checkpoint integrity and freshness, secret file
hygiene, and dispatcher state.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("format", "text", "output format (text or json)")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	k, err := kernel.New(Cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := k.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Shutdown(shutdownCtx)
	}()

	report := health.RunAll(ctx, k)
	stats := health.CollectStats(k)

	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		out, err := json.MarshalIndent(struct {
			Results []health.CheckResult `json:"results"`
			Stats   health.Stats         `json:"stats"`
		}{report.Results, stats}, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling report: %w", err)
		}
		fmt.Println(string(out))
		if report.HasFailures() {
			return fmt.Errorf("status found failures")
		}
		return nil
	}

	// Text output with status indicators.
	fmt.Println("Relay Status")
	fmt.Println()

	for _, r := range report.Results {
		var indicator string
		switch r.Status {
		case "pass":
			indicator = "[OK]  "
		case "warn":
			indicator = "[WARN]"
		case "fail":
			indicator = "[FAIL]"
		default:
			indicator = "[????]"
		}

		fmt.Printf("  %s %s: %s\n", indicator, r.Name, r.Message)

		if r.Remediation != "" && r.Status != "pass" {
			// Indent remediation lines.
			fmt.Printf("         Remediation: %s\n", r.Remediation)
		}
	}

	fmt.Println()
	fmt.Printf("  Entries:        %d\n", stats.Entries)
	fmt.Printf("  Checkpoints:    %d\n", stats.Checkpoints)
	if stats.TipHash != "" {
		fmt.Printf("  Tip:            sequence %d (%s)\n", stats.TipSequence, stats.TipHash)
	}
	fmt.Printf("  Listeners:      %d\n", stats.Listeners)
	fmt.Printf("  Handler faults: %d\n", stats.HandlerErrors)

	fmt.Println()
	if report.HasFailures() {
		fmt.Println("Some checks FAILED. Run 'relay verify' for the full integrity reports.")
		return fmt.Errorf("status found failures")
	}

	fmt.Println("All checks passed.")
	return nil
}
