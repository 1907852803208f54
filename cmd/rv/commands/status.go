package commands

import (
	"fmt"

	"repovault/pkg/types"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <entity>",
	Short: "Show an entity's seal state and index statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		entity := types.EntityID(args[0])

		st, err := RV.Index.State(ctx, entity)
		if err != nil {
			return err
		}
		stats, err := RV.Index.Stats(ctx, entity)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Entity:   %s\n", entity)
		fmt.Fprintf(out, "Backend:  %s (%s)\n", RV.Backend.Name, RV.Backend.Kind)
		if st.Sealed {
			fmt.Fprintf(out, "State:    sealed")
			if st.SealedAt != nil {
				fmt.Fprintf(out, " at %s", st.SealedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Fprintln(out)
			if st.ArchiveKey != "" {
				fmt.Fprintf(out, "Archive:  %s\n", st.ArchiveKey)
			}
		} else {
			fmt.Fprintln(out, "State:    mutable")
		}
		fmt.Fprintf(out, "Dirs:     %d\n", stats.Dirs)
		fmt.Fprintf(out, "Files:    %d loose, %d archived\n", stats.Loose, stats.Archived)
		fmt.Fprintf(out, "Size:     %s\n", units.HumanSize(float64(stats.Bytes)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
