package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relayhq/relay/internal/kernel"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay pipeline",
	Long: `Run starts the full pipeline: dispatcher, policy gate, audit bridge,
checkpoint manager, and notification router. It keeps running until
interrupted (SIGINT/SIGTERM), then shuts down cleanly, draining
in-flight events before closing the stores.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "maximum time to wait for a clean shutdown")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	k, err := kernel.New(Cfg)
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := k.Start(ctx); err != nil {
		return err
	}

	fmt.Println("relay pipeline running")
	fmt.Printf("  Entries:     %s\n", Cfg.Audit.LogFile)
	fmt.Printf("  Checkpoints: %s\n", Cfg.Audit.CheckpointFile)
	fmt.Println("Press Ctrl+C to stop.")

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return k.Shutdown(shutdownCtx)
}
