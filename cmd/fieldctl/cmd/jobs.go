package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/afctech/fieldsync/internal/models"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List outbox records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		unsynced, _ := cmd.Flags().GetBool("unsynced")

		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		var jobs []*models.QueuedJob
		if unsynced {
			jobs, err = e.outbox.ListUnsynced(cmd.Context())
		} else {
			jobs, err = e.outbox.ListAll(cmd.Context())
		}
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			cmd.Println("No jobs in the outbox.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "LOCAL ID\tTYPE\tCREATED\tSYNCED\tATTEMPTS\tLAST ERROR")
		for _, j := range jobs {
			// Truncate long error messages for the table view
			errMsg := j.LastErrorString()
			if r := []rune(errMsg); len(r) > 50 {
				errMsg = string(r[:47]) + "..."
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n",
				j.LocalID,
				j.Type,
				j.CreatedAt.Format(time.RFC3339),
				j.Synced,
				j.Attempts,
				errMsg,
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)

	jobsCmd.Flags().BoolP("unsynced", "u", false, "only show records not yet synced")
}
