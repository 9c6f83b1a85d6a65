package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/andresmejia3/overwatch/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered identities",
	Run: func(cmd *cobra.Command, args []string) {
		identities, err := DB.ListIdentities(cmd.Context())
		if err != nil {
			utils.Die("Failed to list identities", err, nil)
		}
		printIdentities(os.Stdout, identities)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func printIdentities(out io.Writer, identities []types.Identity) {
	if len(identities) == 0 {
		fmt.Fprintln(out, "No identities registered.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "REGNO\tNAME\tREGISTERED")
	fmt.Fprintln(w, "-----\t----\t----------")
	for _, id := range identities {
		fmt.Fprintf(w, "%s\t%s\t%s\n", id.Regno, id.Name, id.RegisteredAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
