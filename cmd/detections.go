package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/andresmejia3/overwatch/internal/utils"
	"github.com/spf13/cobra"
)

var (
	detectionsLimit  int
	detectionsCamera string
)

var detectionsCmd = &cobra.Command{
	Use:   "detections",
	Short: "Show the persisted detection history, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if detectionsLimit < 1 {
			return fmt.Errorf("invalid limit: must be >= 1, got %d", detectionsLimit)
		}
		cmd.SilenceUsage = true
		entries, err := DB.RecentDetections(cmd.Context(), detectionsLimit, detectionsCamera)
		if err != nil {
			utils.ShowError("Failed to read detections", err, nil)
			return err
		}
		printDetections(os.Stdout, entries)
		return nil
	},
}

func init() {
	detectionsCmd.Flags().IntVarP(&detectionsLimit, "limit", "l", 50, "Maximum number of entries")
	detectionsCmd.Flags().StringVar(&detectionsCamera, "camera", "", "Only show detections from this camera id")
	rootCmd.AddCommand(detectionsCmd)
}

func printDetections(out io.Writer, entries []types.DetectionLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No detections recorded.")
		return
	}
	for _, e := range entries {
		fmt.Fprintln(out, e.String())
	}
}
