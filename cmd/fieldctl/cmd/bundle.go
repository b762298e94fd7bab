package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/afctech/fieldsync/internal/cache"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Manage offline hospital bundles",
	Long:  `Download, list and remove the hospital bundles that make AHU records available offline.`,
}

var bundleDownloadCmd = &cobra.Command{
	Use:   "download [hospital_id]",
	Short: "Download a hospital's AHUs for offline use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		result, err := cache.NewDownloader(e.cache, e.client()).Download(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		cmd.Printf("Downloaded hospital %s (%d AHUs)\n", result.HospitalID, result.AHUCount)
		return nil
	},
}

var bundleRemoveCmd = &cobra.Command{
	Use:   "remove [hospital_id]",
	Short: "Remove a downloaded hospital bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		removed, err := e.cache.RemoveBundle(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		cmd.Printf("Removed hospital %s (%d AHUs)\n", args[0], removed)
		return nil
	},
}

var bundleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloaded hospitals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		hospitals, err := e.cache.ListHospitals(cmd.Context())
		if err != nil {
			return err
		}
		if len(hospitals) == 0 {
			cmd.Println("No hospitals downloaded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "HOSPITAL ID\tNAME\tAHUS\tDOWNLOADED AT")
		for _, h := range hospitals {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				h.HospitalID,
				h.Name,
				h.AHUCount,
				h.DownloadedAt.Format(time.RFC3339),
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(bundleCmd)
	bundleCmd.AddCommand(bundleDownloadCmd)
	bundleCmd.AddCommand(bundleRemoveCmd)
	bundleCmd.AddCommand(bundleListCmd)
}
