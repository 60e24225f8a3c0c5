package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relayhq/relay/internal/audit"
	"github.com/relayhq/relay/internal/store"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List audit entries",
	Long: `Logs reads the entry log and prints matching entries, oldest first.
Filters combine: --action matches an action prefix, --actor and
--trust match exactly, --since cuts off older entries, and --limit
keeps only the newest N matches.`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().String("action", "", "only entries whose action has this prefix")
	logsCmd.Flags().String("actor", "", "only entries by this actor")
	logsCmd.Flags().String("trust", "", "only entries at this trust level")
	logsCmd.Flags().Duration("since", 0, "only entries recorded within this window (e.g. 24h)")
	logsCmd.Flags().Int("limit", 0, "keep only the newest N matches (0 = all)")
	logsCmd.Flags().Bool("json", false, "print entries as JSON lines")

	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	action, _ := cmd.Flags().GetString("action")
	actor, _ := cmd.Flags().GetString("actor")
	trust, _ := cmd.Flags().GetString("trust")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	if trust != "" && !audit.TrustLevel(trust).Valid() {
		return fmt.Errorf("invalid --trust %q: must be system, operator, verified, or standard", trust)
	}

	var entries []audit.Entry
	err := store.ScanFile(Cfg.Audit.LogFile, func(rec []byte) error {
		var e audit.Entry
		if err := json.Unmarshal(rec, &e); err != nil {
			return fmt.Errorf("corrupt entry record: %w", err)
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading entry log: %w", err)
	}

	var cutoff time.Time
	if since > 0 {
		cutoff = time.Now().Add(-since)
	}

	var matched []audit.Entry
	for _, e := range entries {
		if action != "" && !strings.HasPrefix(e.Action, action) {
			continue
		}
		if actor != "" && e.Actor != actor {
			continue
		}
		if trust != "" && e.TrustLevel != audit.TrustLevel(trust) {
			continue
		}
		if !cutoff.IsZero() && e.RecordedAt.Before(cutoff) {
			continue
		}
		matched = append(matched, e)
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	if asJSON {
		for _, e := range matched {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshaling entry %d: %w", e.Sequence, err)
			}
			fmt.Println(string(data))
		}
		return nil
	}

	if len(matched) == 0 {
		fmt.Println("No matching entries.")
		return nil
	}

	for _, e := range matched {
		fmt.Printf("%6d  %s  %-8s  %-24s  %s", e.Sequence, e.RecordedAt.Local().Format(time.DateTime), e.TrustLevel, e.Action, e.Actor)
		if len(e.Details) > 0 {
			if data, err := json.Marshal(e.Details); err == nil {
				fmt.Printf("  %s", data)
			}
		}
		fmt.Println()
	}

	fmt.Printf("\n%d of %d entries shown\n", len(matched), len(entries))
	return nil
}
