package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/overwatch/internal/matcher"
	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/andresmejia3/overwatch/internal/utils"
	"github.com/spf13/cobra"
)

var findOpts Options

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Find the registered identity closest to the face in a photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if findOpts.MatchThreshold <= 0 {
			return fmt.Errorf("invalid match threshold: must be > 0, got %f", findOpts.MatchThreshold)
		}
		return runFind(cmd.Context(), args[0], findOpts)
	},
}

func init() {
	findCmd.Flags().Float64VarP(&findOpts.MatchThreshold, "threshold", "t", matcher.DefaultTolerance, "Face matching tolerance (lower is stricter)")
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, imagePath string, opts Options) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	img, err := loadImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting Face Engine...")
	enc, err := startEngine(ctx)
	if err != nil {
		utils.ShowError("Failed to start face engine", err, nil)
		return err
	}
	defer enc.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	faces, err := enc.Detect(ctx, img)
	if err != nil {
		utils.ShowError("Face engine failed", err, nil)
		return err
	}
	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if len(faces) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", len(faces))
	}
	best := types.LargestFace(faces)

	fmt.Fprintln(os.Stderr, "🗄️  Searching database...")
	id, dist, err := DB.FindClosestIdentity(ctx, best.Vec, opts.MatchThreshold)
	if err != nil {
		utils.ShowError("Database search failed", err, nil)
		return err
	}
	fmt.Println(describeMatch(id, dist))
	return nil
}

func describeMatch(id *types.Identity, dist float64) string {
	if id == nil {
		return "❌ No match found in database."
	}
	return fmt.Sprintf("✅ Found Match: %s (%s) - %.1f%%", id.Name, id.Regno, matcher.Confidence(dist))
}
