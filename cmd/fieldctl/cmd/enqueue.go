package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/afctech/fieldsync/internal/models"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a job payload in the local outbox",
	Long: `Reads a JSON payload and appends it to the outbox as a new unsynced record.
The payload is sent verbatim to the remote API on the next sync.

Example:
  fieldctl enqueue --file job.json
  fieldctl enqueue --type signature --file signature.json
  cat job.json | fieldctl enqueue --file -`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		jobType, _ := cmd.Flags().GetString("type")

		if file == "" {
			return fmt.Errorf("--file is required")
		}

		payload, err := readPayload(cmd, file)
		if err != nil {
			return err
		}
		if !json.Valid(payload) {
			return fmt.Errorf("%s does not contain valid JSON", file)
		}

		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		job, err := e.outbox.Enqueue(cmd.Context(), models.JobType(jobType), json.RawMessage(payload))
		if err != nil {
			return err
		}

		cmd.Printf("Queued %s job %s\n", job.Type, job.LocalID)
		return nil
	},
}

func readPayload(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return data, nil
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringP("file", "f", "", "JSON payload file, or - for stdin")
	enqueueCmd.Flags().String("type", string(models.JobTypeCompletion), "job type (job_completion, signature)")
}
