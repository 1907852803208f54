package commands

import (
	"fmt"
	"text/tabwriter"

	"repovault/pkg/types"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var lsLong bool

var lsCmd = &cobra.Command{
	Use:   "ls <entity> [path]",
	Short: "List the direct children of a directory",
	Long:  `List entries from the index only; the storage backend is never contacted.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 2 {
			path = args[1]
		}
		entries, err := RV.Gateway.List(cmd.Context(), types.EntityID(args[0]), path)
		if err != nil {
			return fmt.Errorf("ls failed: %w", err)
		}

		if !lsLong {
			for _, e := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), e.Name())
			}
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, e := range entries {
			size, where := "-", "-"
			if !e.IsDir {
				size = units.HumanSize(float64(e.Size))
				where = "loose"
				if e.Locator.IsArchived() {
					where = "archived/" + e.Codec
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", size, where, e.Name())
		}
		return w.Flush()
	},
}

func init() {
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "Show size and storage location")
	rootCmd.AddCommand(lsCmd)
}
