package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/overwatch/internal/utils"
	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all identities and detection history",
	Run: func(cmd *cobra.Command, args []string) {
		n, err := DB.CountIdentities(cmd.Context())
		if err != nil {
			n = -1
		}
		reader := bufio.NewReader(os.Stdin)
		if !resetYes && !confirm(reader, resetPrompt(n)) {
			fmt.Println("Aborted.")
			return
		}
		fmt.Println("🗑️  Clearing Database...")
		if err := DB.Reset(cmd.Context()); err != nil {
			utils.Die("Failed to reset database", err, nil)
		}
		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

// resetPrompt names how many identities will be lost; n < 0 means unknown.
func resetPrompt(n int) string {
	if n < 0 {
		return "⚠️  Are you sure you want to DROP all database tables?"
	}
	return fmt.Sprintf("⚠️  Are you sure you want to DROP all database tables (%d identities)?", n)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
