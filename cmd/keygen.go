package cmd

import (
	"fmt"

	"github.com/relayhq/relay/internal/secrets"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the audit signing secret",
	Long: `Keygen creates the random master secret that signs chain checkpoints.
The keyfile is written with mode 0600 and is never overwritten; move
or delete the old file first to rotate.

Signatures on existing checkpoints only verify under the secret that
made them, so keep rotated keys until their checkpoints age out.`,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().String("path", "", "keyfile location (default from config)")

	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		path = Cfg.Audit.SecretFile
	}

	if _, err := secrets.Generate(path); err != nil {
		return err
	}

	fmt.Printf("Wrote new audit secret to %s (mode 0600)\n", path)
	fmt.Println("Back it up: without this key, checkpoint signatures cannot be verified.")
	return nil
}
