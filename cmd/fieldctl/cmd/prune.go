package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete synced jobs older than a cutoff",
	Long: `Removes records that were synced more than --older-than ago.
Unsynced records are never removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan < 0 {
			return fmt.Errorf("--older-than must not be negative")
		}

		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		removed, err := e.outbox.PruneSynced(cmd.Context(), time.Now().Add(-olderThan))
		if err != nil {
			return err
		}

		cmd.Printf("Pruned %d synced job(s)\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "minimum age since sync")
}
