package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show outbox and offline cache counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		stats, err := e.outbox.Stats(cmd.Context())
		if err != nil {
			return err
		}
		hospitals, err := e.cache.ListHospitals(cmd.Context())
		if err != nil {
			return err
		}

		cmd.Printf("%sOutbox%s\n", colorBold, colorReset)
		cmd.Println("──────────────────────────────")
		cmd.Printf("%sTotal:%s       %d\n", colorDim, colorReset, stats.Total)
		cmd.Printf("%sPending:%s     %s\n", colorDim, colorReset, colorize(stats.Pending, colorYellow))
		cmd.Printf("%sFailing:%s     %s\n", colorDim, colorReset, colorize(stats.Failing, colorRed))
		cmd.Printf("%sSynced:%s      %s\n", colorDim, colorReset, colorize(stats.Synced, colorGreen))
		cmd.Printf("%sHospitals:%s   %d downloaded\n", colorDim, colorReset, len(hospitals))
		cmd.Printf("%sData dir:%s    %s\n", colorDim, colorReset, e.cfg.DataDir)
		return nil
	},
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

func colorize(n int, color string) string {
	if n == 0 {
		return "0"
	}
	return fmt.Sprintf("%s%d%s", color, n, colorReset)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
