package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relayhq/relay/internal/audit"
	"github.com/relayhq/relay/internal/kernel"
	"github.com/spf13/cobra"
)

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Publish an audit record through the pipeline",
	Long: `Emit publishes a record on the audit ingestion channel and waits for
it to land in the chain. The record passes the policy gate like any
other event, so a denying policy drops it.

Details are supplied as repeated --detail key=value flags:

  relay emit --action deploy.started --actor alice --trust operator \
    --detail service=billing --detail region=eu-west-1`,
	RunE: runEmit,
}

func init() {
	emitCmd.Flags().String("action", "", "action name, e.g. deploy.started (required)")
	emitCmd.Flags().String("actor", "", "acting identity (required)")
	emitCmd.Flags().String("trust", "operator", "trust level: system, operator, verified, or standard")
	emitCmd.Flags().StringArray("detail", nil, "record detail as key=value (repeatable)")
	emitCmd.Flags().Int("count", 1, "number of copies to publish")

	_ = emitCmd.MarkFlagRequired("action")
	_ = emitCmd.MarkFlagRequired("actor")

	rootCmd.AddCommand(emitCmd)
}

func runEmit(cmd *cobra.Command, args []string) error {
	action, _ := cmd.Flags().GetString("action")
	actor, _ := cmd.Flags().GetString("actor")
	trust, _ := cmd.Flags().GetString("trust")
	details, _ := cmd.Flags().GetStringArray("detail")
	count, _ := cmd.Flags().GetInt("count")

	if count < 1 {
		return fmt.Errorf("invalid --count %d: must be at least 1", count)
	}

	rec := audit.Record{
		Action:     action,
		Actor:      actor,
		TrustLevel: audit.TrustLevel(trust),
	}
	if len(details) > 0 {
		rec.Details = make(map[string]any, len(details))
		for _, d := range details {
			key, value, ok := strings.Cut(d, "=")
			if !ok || key == "" {
				return fmt.Errorf("invalid --detail %q: expected key=value", d)
			}
			rec.Details[key] = value
		}
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	k, err := kernel.New(Cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := k.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = k.Shutdown(shutdownCtx)
	}()

	before := k.Appender().Len()
	for i := 0; i < count; i++ {
		k.Bus().Publish(audit.Channel, rec)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := k.Bus().Drain(drainCtx); err != nil {
		return fmt.Errorf("waiting for delivery: %w", err)
	}

	appended := k.Appender().Len() - before
	if appended == 0 {
		return fmt.Errorf("record was not appended (denied by policy or audit store fault); run 'relay status'")
	}

	seq, hash, _ := k.Appender().Tip()
	if appended == 1 {
		fmt.Printf("Appended entry %d\n", seq)
	} else {
		fmt.Printf("Appended %d entries, tip at sequence %d\n", appended, seq)
	}
	fmt.Printf("  Hash: %s\n", hash)
	return nil
}
