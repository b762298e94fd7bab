package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	syncpkg "github.com/afctech/fieldsync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending jobs against the remote API once",
	Long: `Runs a single drain: up to --max unsynced records are submitted in creation
order. Failed records stay queued with their attempt count and error message.

The drain holds the store's drain lease, so it fails fast instead of racing
a desktop agent that is syncing the same data directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxBatch, _ := cmd.Flags().GetInt("max")

		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		if !cmd.Flags().Changed("max") {
			maxBatch = e.cfg.Sync.MaxBatch
		}

		engine := syncpkg.NewEngine(e.outbox, e.client(), e.cfg.Sync.SubmitTimeout)
		engine.SetLease(syncpkg.NewDrainLease(e.database.DB, e.cfg.Sync.SubmitTimeout))
		result, err := engine.Drain(cmd.Context(), maxBatch)
		if err != nil {
			return err
		}

		cmd.Printf("Synced: %d  Failed: %d  (%s)\n", result.Synced, result.Failed, formatDuration(result.Duration()))
		if !result.OK {
			return fmt.Errorf("%d job(s) failed to sync", result.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().IntP("max", "m", syncpkg.DefaultMaxBatch, "maximum records to submit")
}
