package commands

import (
	"fmt"

	"repovault/pkg/types"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <entity> <path>...",
	Short: "Delete files or directories from an entity repository",
	Long:  `Remove index entries first, then delete the stored objects. A directory is removed recursively.`,
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity := types.EntityID(args[0])
		count := 0
		for _, path := range args[1:] {
			removed, err := RV.Gateway.Delete(cmd.Context(), entity, path)
			if err != nil {
				return fmt.Errorf("rm %s failed: %w", path, err)
			}
			for _, e := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed: %s\n", e.Path)
			}
			count += len(removed)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Removed %d entries.\n", count)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}
